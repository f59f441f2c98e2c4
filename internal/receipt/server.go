package receipt

import (
	"context"
	"encoding/base64"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// UserHeader carries the caller's user ID, set by the upstream gateway
const UserHeader = "X-User-ID"

type userIDKey struct{}

// Server handles HTTP requests for travels and receipts
type Server struct {
	service   *Service
	basicAuth BasicAuth
	mux       *http.ServeMux
	validate  *validator.Validate
}

// BasicAuth holds basic authentication credentials
type BasicAuth struct {
	Username string
	Password string
}

// NewServer creates a new Server with default mux
func NewServer(service *Service, basicAuth BasicAuth) *Server {
	return NewServerWithMux(service, basicAuth, http.NewServeMux())
}

// NewServerWithMux creates a new Server with a custom mux for testing
func NewServerWithMux(service *Service, basicAuth BasicAuth, mux *http.ServeMux) *Server {
	s := &Server{
		service:   service,
		basicAuth: basicAuth,
		mux:       mux,
		validate:  newValidator(),
	}
	s.registerRoutes()
	return s
}

// authenticate checks basic auth credentials
func (s *Server) authenticate(r *http.Request) bool {
	if s.basicAuth.Username == "" && s.basicAuth.Password == "" {
		return true // No auth required if not configured
	}

	auth := r.Header.Get("Authorization")
	if !strings.HasPrefix(auth, "Basic ") {
		return false
	}

	decoded, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(auth, "Basic "))
	if err != nil {
		return false
	}

	username, password, ok := strings.Cut(string(decoded), ":")
	return ok && username == s.basicAuth.Username && password == s.basicAuth.Password
}

// corsMiddleware adds CORS headers to every response and answers preflight requests
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		setCORSHeaders(w)
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// requireAuth rejects requests without valid basic auth credentials
func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.authenticate(r) {
			w.Header().Set("WWW-Authenticate", `Basic realm="Retrip"`)
			writeJSONError(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

// requireUser rejects requests that carry no user ID and stores it on the context
func (s *Server) requireUser(next http.HandlerFunc) http.HandlerFunc {
	return s.requireAuth(func(w http.ResponseWriter, r *http.Request) {
		userID := strings.TrimSpace(r.Header.Get(UserHeader))
		if userID == "" {
			writeJSONError(w, "Missing "+UserHeader+" header", http.StatusUnauthorized)
			return
		}
		next(w, r.WithContext(context.WithValue(r.Context(), userIDKey{}, userID)))
	})
}

func userIDFrom(r *http.Request) string {
	userID, _ := r.Context().Value(userIDKey{}).(string)
	return userID
}

// registerRoutes registers all API routes on the server's mux
func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /healthz", s.handleHealth)

	// Travels
	s.mux.HandleFunc("POST /api/travels", s.requireUser(s.handleCreateTravel))
	s.mux.HandleFunc("GET /api/travels", s.requireUser(s.handleListTravels))
	s.mux.HandleFunc("GET /api/travels/{id}", s.requireAuth(s.handleGetTravel))
	s.mux.HandleFunc("PUT /api/travels/{id}", s.requireUser(s.handleUpdateTravel))
	s.mux.HandleFunc("DELETE /api/travels/{id}", s.requireUser(s.handleDeleteTravel))

	// Receipts of a travel
	s.mux.HandleFunc("GET /api/travels/{id}/receipts", s.requireAuth(s.handleListReceipts))
	s.mux.HandleFunc("POST /api/travels/{id}/receipts", s.requireUser(s.handleUploadReceipt))
	s.mux.HandleFunc("POST /api/travels/{id}/receipts/manual", s.requireUser(s.handleCreateManualReceipt))

	// Receipts
	s.mux.HandleFunc("POST /api/receipts/analyze", s.requireUser(s.handleAnalyzeReceipt))
	s.mux.HandleFunc("GET /api/receipts/{id}/file", s.requireAuth(s.handleGetReceiptFile))
	s.mux.HandleFunc("PUT /api/receipts/{id}/description", s.requireUser(s.handleUpdateDescription))
	s.mux.HandleFunc("GET /api/receipts/{id}", s.requireAuth(s.handleGetReceipt))
	s.mux.HandleFunc("PATCH /api/receipts/{id}", s.requireUser(s.handleUpdateReceipt))
	s.mux.HandleFunc("DELETE /api/receipts/{id}", s.requireUser(s.handleDeleteReceipt))
}

// Handler returns the mux wrapped with CORS handling
func (s *Server) Handler() http.Handler {
	return s.corsMiddleware(s.mux)
}

// Start serves HTTP on addr until ctx is cancelled, then shuts down gracefully
func (s *Server) Start(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Starting server", "address", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		slog.Info("Shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

// ServeHTTP implements http.Handler for testing
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.Handler().ServeHTTP(w, r)
}

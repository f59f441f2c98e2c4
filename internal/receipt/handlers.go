package receipt

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/zombor/retrip/internal/scanning"
)

// maxUploadSize covers high-resolution phone photos
const maxUploadSize = int64(50 << 20)

const dateLayout = "2006-01-02"

var paidAtInputLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
	dateLayout,
}

type travelRequest struct {
	Country   string `json:"country" validate:"required,max=100"`
	City      string `json:"city" validate:"required,max=100"`
	Title     string `json:"title" validate:"required,max=200"`
	StartDate string `json:"start_date" validate:"required,datetime=2006-01-02"`
	EndDate   string `json:"end_date" validate:"required,datetime=2006-01-02"`
	Memo      string `json:"memo" validate:"max=2000"`
}

type manualReceiptRequest struct {
	StoreName   string   `json:"store_name" validate:"required,max=200"`
	Amount      int64    `json:"amount" validate:"gte=0"`
	Currency    *string  `json:"currency" validate:"omitempty,len=3,alpha"`
	PaidAt      string   `json:"paid_at"`
	Category    *string  `json:"category" validate:"omitempty,max=50"`
	Description *string  `json:"description" validate:"omitempty,max=2000"`
	Address     *string  `json:"address" validate:"omitempty,max=500"`
	Latitude    *float64 `json:"latitude" validate:"omitempty,gte=-90,lte=90"`
	Longitude   *float64 `json:"longitude" validate:"omitempty,gte=-180,lte=180"`
}

type receiptPatchRequest struct {
	StoreName *string `json:"store_name" validate:"omitempty,min=1,max=200"`
	Amount    *int64  `json:"amount" validate:"omitempty,gte=0"`
	PaidAt    *string `json:"paid_at"`
	Category  *string `json:"category" validate:"omitempty,max=50"`
	Address   *string `json:"address" validate:"omitempty,max=500"`
	Currency  *string `json:"currency" validate:"omitempty,len=3,alpha"`
}

type descriptionRequest struct {
	Description string `json:"description" validate:"max=2000"`
}

// newValidator reports field errors under their JSON names
func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// decodeRequest reads a JSON body into dst and validates it
func (s *Server) decodeRequest(r *http.Request, dst any) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return fmt.Errorf("%w: invalid request body", ErrInvalidInput)
	}
	if err := s.validate.Struct(dst); err != nil {
		return validationError(err)
	}
	return nil
}

func validationError(err error) error {
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	msgs := make([]string, 0, len(fieldErrs))
	for _, e := range fieldErrs {
		msgs = append(msgs, fmt.Sprintf("%s: %s", e.Field(), validationMessage(e)))
	}
	return fmt.Errorf("%w: %s", ErrInvalidInput, strings.Join(msgs, "; "))
}

func validationMessage(e validator.FieldError) string {
	switch e.Tag() {
	case "required":
		return "this field is required"
	case "max":
		return "must be at most " + e.Param()
	case "min":
		return "must be at least " + e.Param()
	case "len":
		return "must be exactly " + e.Param() + " characters"
	case "alpha":
		return "must contain only letters"
	case "gte":
		return "must be greater than or equal to " + e.Param()
	case "lte":
		return "must be less than or equal to " + e.Param()
	case "datetime":
		return "must be a date like " + e.Param()
	default:
		return "invalid value"
	}
}

// statusFor maps service errors onto HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, scanning.ErrUnconfigured):
		return http.StatusServiceUnavailable
	case errors.Is(err, scanning.ErrRateLimitExhausted):
		return http.StatusTooManyRequests
	case errors.Is(err, scanning.ErrRemote):
		return http.StatusBadGateway
	case errors.Is(err, ErrTravelNotFound), errors.Is(err, ErrReceiptNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrNotOwner):
		return http.StatusForbidden
	case errors.Is(err, ErrInvalidInput):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// writeError logs err and writes its user-facing message
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	if code >= http.StatusInternalServerError {
		slog.Error("Request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	} else {
		slog.Warn("Request rejected", "method", r.Method, "path", r.URL.Path, "status", code, "error", err)
	}
	writeJSONError(w, UserMessage(err), code)
}

func writeJSONError(w http.ResponseWriter, message string, code int) {
	writeJSON(w, code, map[string]string{"error": message})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Error encoding response", "error", err)
	}
}

// setCORSHeaders sets CORS headers on a response
func setCORSHeaders(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, "+UserHeader)
	w.Header().Set("Access-Control-Max-Age", "3600")
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func parseTravelRequest(req travelRequest) (TravelUpdate, error) {
	start, err := time.Parse(dateLayout, req.StartDate)
	if err != nil {
		return TravelUpdate{}, fmt.Errorf("%w: start_date: %v", ErrInvalidInput, err)
	}
	end, err := time.Parse(dateLayout, req.EndDate)
	if err != nil {
		return TravelUpdate{}, fmt.Errorf("%w: end_date: %v", ErrInvalidInput, err)
	}
	return TravelUpdate{
		Country:   strings.TrimSpace(req.Country),
		City:      strings.TrimSpace(req.City),
		Title:     strings.TrimSpace(req.Title),
		StartDate: start,
		EndDate:   end,
		Memo:      req.Memo,
	}, nil
}

// handleCreateTravel creates a travel owned by the caller
func (s *Server) handleCreateTravel(w http.ResponseWriter, r *http.Request) {
	var req travelRequest
	if err := s.decodeRequest(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	fields, err := parseTravelRequest(req)
	if err != nil {
		writeError(w, r, err)
		return
	}

	travel, err := s.service.CreateTravel(r.Context(), NewTravel{
		OwnerID:   userIDFrom(r),
		Country:   fields.Country,
		City:      fields.City,
		Title:     fields.Title,
		StartDate: fields.StartDate,
		EndDate:   fields.EndDate,
		Memo:      fields.Memo,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, travel)
}

// handleListTravels returns the caller's travels
func (s *Server) handleListTravels(w http.ResponseWriter, r *http.Request) {
	travels, err := s.service.ListTravels(r.Context(), userIDFrom(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, travels)
}

func (s *Server) handleGetTravel(w http.ResponseWriter, r *http.Request) {
	travel, err := s.service.GetTravel(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, travel)
}

func (s *Server) handleUpdateTravel(w http.ResponseWriter, r *http.Request) {
	var req travelRequest
	if err := s.decodeRequest(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	update, err := parseTravelRequest(req)
	if err != nil {
		writeError(w, r, err)
		return
	}

	travel, err := s.service.UpdateTravel(r.Context(), userIDFrom(r), r.PathValue("id"), update)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, travel)
}

func (s *Server) handleDeleteTravel(w http.ResponseWriter, r *http.Request) {
	if err := s.service.DeleteTravel(r.Context(), userIDFrom(r), r.PathValue("id")); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleListReceipts returns a travel's receipts
func (s *Server) handleListReceipts(w http.ResponseWriter, r *http.Request) {
	receipts, err := s.service.ListReceipts(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, receipts)
}

// readUpload pulls the "file" part out of a multipart request
func readUpload(w http.ResponseWriter, r *http.Request) (string, []byte, string, error) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadSize+(1<<20))
	if err := r.ParseMultipartForm(maxUploadSize); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return "", nil, "", fmt.Errorf("%w: file is too large, maximum size is 50MB", ErrInvalidInput)
		}
		return "", nil, "", fmt.Errorf("%w: error parsing form", ErrInvalidInput)
	}

	f, header, err := r.FormFile("file")
	if err != nil {
		return "", nil, "", fmt.Errorf("%w: no file was selected", ErrInvalidInput)
	}
	defer f.Close()

	if header.Size > maxUploadSize {
		return "", nil, "", fmt.Errorf("%w: file is too large, maximum size is 50MB", ErrInvalidInput)
	}
	data, err := io.ReadAll(f)
	if err != nil {
		return "", nil, "", fmt.Errorf("reading upload %s: %w", header.Filename, err)
	}
	if len(data) == 0 {
		return "", nil, "", fmt.Errorf("%w: file is empty", ErrInvalidInput)
	}

	return header.Filename, data, uploadContentType(header.Header.Get("Content-Type"), header.Filename), nil
}

// uploadContentType falls back to the file extension when the part has no type
func uploadContentType(declared, filename string) string {
	contentType := strings.ToLower(strings.TrimSpace(declared))
	if contentType != "" && contentType != "application/octet-stream" {
		return contentType
	}
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".pdf":
		return "application/pdf"
	case ".heic":
		return "image/heic"
	case ".heif":
		return "image/heif"
	default:
		return "application/octet-stream"
	}
}

// handleUploadReceipt scans an uploaded receipt and saves it under the travel
func (s *Server) handleUploadReceipt(w http.ResponseWriter, r *http.Request) {
	filename, data, contentType, err := readUpload(w, r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	receipt, err := s.service.AnalyzeAndStore(r.Context(), IngestRequest{
		UserID:      userIDFrom(r),
		TravelID:    r.PathValue("id"),
		Filename:    filename,
		Data:        data,
		ContentType: contentType,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, receipt)
}

// handleAnalyzeReceipt scans an uploaded receipt without saving it
func (s *Server) handleAnalyzeReceipt(w http.ResponseWriter, r *http.Request) {
	_, data, contentType, err := readUpload(w, r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	fields, err := s.service.Analyze(r.Context(), data, contentType)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, fields)
}

func parsePaidAt(value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	for _, layout := range paidAtInputLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: paid_at: unrecognized date %q", ErrInvalidInput, value)
}

func (s *Server) handleCreateManualReceipt(w http.ResponseWriter, r *http.Request) {
	var req manualReceiptRequest
	if err := s.decodeRequest(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	in := ManualReceipt{
		StoreName:   req.StoreName,
		Amount:      req.Amount,
		Currency:    req.Currency,
		Category:    req.Category,
		Description: req.Description,
		Address:     req.Address,
		Latitude:    req.Latitude,
		Longitude:   req.Longitude,
	}
	if req.PaidAt != "" {
		paidAt, err := parsePaidAt(req.PaidAt)
		if err != nil {
			writeError(w, r, err)
			return
		}
		in.PaidAt = paidAt
	}

	receipt, err := s.service.CreateManualReceipt(r.Context(), userIDFrom(r), r.PathValue("id"), in)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, receipt)
}

func (s *Server) handleGetReceipt(w http.ResponseWriter, r *http.Request) {
	receipt, err := s.service.GetReceipt(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, receipt)
}

// handleUpdateReceipt applies a partial edit to a receipt
func (s *Server) handleUpdateReceipt(w http.ResponseWriter, r *http.Request) {
	var req receiptPatchRequest
	if err := s.decodeRequest(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	update := ReceiptUpdate{
		StoreName: req.StoreName,
		Amount:    req.Amount,
		Category:  req.Category,
		Address:   req.Address,
		Currency:  req.Currency,
	}
	if req.PaidAt != nil {
		paidAt, err := parsePaidAt(*req.PaidAt)
		if err != nil {
			writeError(w, r, err)
			return
		}
		update.PaidAt = &paidAt
	}

	receipt, err := s.service.UpdateReceiptFields(r.Context(), userIDFrom(r), r.PathValue("id"), update)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, receipt)
}

func (s *Server) handleUpdateDescription(w http.ResponseWriter, r *http.Request) {
	var req descriptionRequest
	if err := s.decodeRequest(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	receipt, err := s.service.UpdateDescription(r.Context(), userIDFrom(r), r.PathValue("id"), req.Description)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, receipt)
}

func (s *Server) handleDeleteReceipt(w http.ResponseWriter, r *http.Request) {
	if err := s.service.DeleteReceipt(r.Context(), userIDFrom(r), r.PathValue("id")); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleGetReceiptFile returns the stored image of a receipt
func (s *Server) handleGetReceiptFile(w http.ResponseWriter, r *http.Request) {
	data, contentType, err := s.service.GetReceiptFile(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if contentType == "" {
		contentType = http.DetectContentType(data)
	}
	w.Header().Set("Content-Type", contentType)
	if _, err := w.Write(data); err != nil {
		slog.Error("Error writing receipt file", "error", err)
	}
}

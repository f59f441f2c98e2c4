package receipt

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/onsi/gomega/ghttp"

	"github.com/zombor/retrip/internal/scanning"
)

var _ = Describe("Server", func() {
	var (
		db          *BoltDB
		storage     *mockStorage
		extractor   *mockExtractor
		service     *Service
		server      *Server
		auth        BasicAuth
		ghttpServer *ghttp.Server
	)

	setupServer := func() {
		if ghttpServer != nil {
			ghttpServer.Close()
		}
		server = NewServerWithMux(service, auth, http.NewServeMux())
		ghttpServer = ghttp.NewServer()
		for _, method := range []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"} {
			ghttpServer.RouteToHandler(method, regexp.MustCompile(`.*`), server.ServeHTTP)
		}
	}

	do := func(method, path, user string, body io.Reader, contentType string) (*http.Response, []byte) {
		req, err := http.NewRequest(method, ghttpServer.URL()+path, body)
		Expect(err).NotTo(HaveOccurred())
		if user != "" {
			req.Header.Set(UserHeader, user)
		}
		if contentType != "" {
			req.Header.Set("Content-Type", contentType)
		}
		resp, err := http.DefaultClient.Do(req)
		Expect(err).NotTo(HaveOccurred())
		defer resp.Body.Close()
		data, err := io.ReadAll(resp.Body)
		Expect(err).NotTo(HaveOccurred())
		return resp, data
	}

	doJSON := func(method, path, user string, payload any) (*http.Response, []byte) {
		data, err := json.Marshal(payload)
		Expect(err).NotTo(HaveOccurred())
		return do(method, path, user, bytes.NewReader(data), "application/json")
	}

	upload := func(path, user, filename, partType string, content []byte) (*http.Response, []byte) {
		var buf bytes.Buffer
		w := multipart.NewWriter(&buf)
		header := make(textproto.MIMEHeader)
		header.Set("Content-Disposition", `form-data; name="file"; filename="`+filename+`"`)
		if partType != "" {
			header.Set("Content-Type", partType)
		}
		part, err := w.CreatePart(header)
		Expect(err).NotTo(HaveOccurred())
		_, err = part.Write(content)
		Expect(err).NotTo(HaveOccurred())
		Expect(w.Close()).To(Succeed())
		return do("POST", path, user, &buf, w.FormDataContentType())
	}

	errorMessage := func(body []byte) string {
		var payload map[string]string
		Expect(json.Unmarshal(body, &payload)).To(Succeed())
		return payload["error"]
	}

	BeforeEach(func() {
		var err error
		db, err = NewBoltDB(filepath.Join(GinkgoT().TempDir(), "test.db"))
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(db.Close)
		Expect(db.CreateTravel(context.Background(), newTestTravel("travel-1", "user-1"))).To(Succeed())

		storage = newMockStorage()
		extractor = &mockExtractor{
			text: "```json\n{\"placeName\":\"Cafe A\",\"amount\":\"9.99\",\"currency\":\"EUR\",\"paidAt\":\"2024-03-01\",\"address\":\"Paris\"}\n```",
		}
		service = NewServiceWithDeps(db, extractor, storage, &sequenceIDGenerator{}, &mockTimeSource{now: time.Date(2024, 3, 2, 10, 0, 0, 0, time.UTC)})
		auth = BasicAuth{}
		setupServer()
	})

	AfterEach(func() {
		if ghttpServer != nil {
			ghttpServer.Close()
		}
	})

	Describe("POST /api/travels/{id}/receipts", func() {
		When("the upload is scanned successfully", func() {
			It("should return the stored receipt", func() {
				resp, body := upload("/api/travels/travel-1/receipts", "user-1", "receipt.jpg", "image/jpeg", []byte("jpeg"))
				Expect(resp.StatusCode).To(Equal(http.StatusCreated))

				var receipt Receipt
				Expect(json.Unmarshal(body, &receipt)).To(Succeed())
				Expect(receipt.StoreName).To(Equal("Cafe A"))
				Expect(receipt.Amount).To(Equal(int64(9)))
				Expect(travelTotal(db, "travel-1")).To(Equal(int64(9)))
			})

			It("should fall back to the extension for the content type", func() {
				resp, body := upload("/api/travels/travel-1/receipts", "user-1", "scan.PDF", "", []byte("%PDF"))
				Expect(resp.StatusCode).To(Equal(http.StatusCreated))

				var receipt Receipt
				Expect(json.Unmarshal(body, &receipt)).To(Succeed())
				Expect(receipt.ContentType).To(Equal("application/pdf"))
			})
		})

		When("the scanner is not configured", func() {
			BeforeEach(func() {
				extractor.err = &scanning.ExtractionError{Kind: scanning.KindUnconfigured}
			})

			It("should return Service Unavailable", func() {
				resp, body := upload("/api/travels/travel-1/receipts", "user-1", "receipt.jpg", "image/jpeg", []byte("jpeg"))
				Expect(resp.StatusCode).To(Equal(http.StatusServiceUnavailable))
				Expect(errorMessage(body)).To(ContainSubstring("not configured"))
			})
		})

		When("the scanner keeps being rate limited", func() {
			BeforeEach(func() {
				extractor.err = &scanning.ExtractionError{Kind: scanning.KindRateLimitExhausted}
			})

			It("should return Too Many Requests", func() {
				resp, _ := upload("/api/travels/travel-1/receipts", "user-1", "receipt.jpg", "image/jpeg", []byte("jpeg"))
				Expect(resp.StatusCode).To(Equal(http.StatusTooManyRequests))
			})
		})

		When("the scanner fails", func() {
			BeforeEach(func() {
				extractor.err = &scanning.ExtractionError{Kind: scanning.KindRemote, Err: errors.New("model overloaded")}
			})

			It("should return Bad Gateway with the detail", func() {
				resp, body := upload("/api/travels/travel-1/receipts", "user-1", "receipt.jpg", "image/jpeg", []byte("jpeg"))
				Expect(resp.StatusCode).To(Equal(http.StatusBadGateway))
				Expect(errorMessage(body)).To(ContainSubstring("model overloaded"))
			})
		})

		When("the caller does not own the travel", func() {
			It("should return Forbidden", func() {
				resp, _ := upload("/api/travels/travel-1/receipts", "user-2", "receipt.jpg", "image/jpeg", []byte("jpeg"))
				Expect(resp.StatusCode).To(Equal(http.StatusForbidden))
				Expect(extractor.calls).To(BeZero())
			})
		})

		When("the request has no user", func() {
			It("should return Unauthorized", func() {
				resp, _ := upload("/api/travels/travel-1/receipts", "", "receipt.jpg", "image/jpeg", []byte("jpeg"))
				Expect(resp.StatusCode).To(Equal(http.StatusUnauthorized))
			})
		})

		When("no file is sent", func() {
			It("should return Bad Request", func() {
				resp, body := do("POST", "/api/travels/travel-1/receipts", "user-1", strings.NewReader("{}"), "application/json")
				Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
				Expect(errorMessage(body)).NotTo(BeEmpty())
			})
		})
	})

	Describe("POST /api/receipts/analyze", func() {
		It("should return the parsed fields without saving", func() {
			resp, body := upload("/api/receipts/analyze", "user-1", "receipt.png", "image/png", []byte("png"))
			Expect(resp.StatusCode).To(Equal(http.StatusOK))

			var fields map[string]any
			Expect(json.Unmarshal(body, &fields)).To(Succeed())
			Expect(fields).To(HaveKeyWithValue("placeName", "Cafe A"))
			Expect(storage.files).To(BeEmpty())
		})
	})

	Describe("travels", func() {
		It("should create and list the caller's travels", func() {
			resp, body := doJSON("POST", "/api/travels", "user-5", map[string]string{
				"country": "Korea", "city": "Busan", "title": "Beach week",
				"start_date": "2024-07-01", "end_date": "2024-07-07",
			})
			Expect(resp.StatusCode).To(Equal(http.StatusCreated))
			var travel Travel
			Expect(json.Unmarshal(body, &travel)).To(Succeed())
			Expect(travel.OwnerID).To(Equal("user-5"))

			resp, body = do("GET", "/api/travels", "user-5", nil, "")
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			var travels []*Travel
			Expect(json.Unmarshal(body, &travels)).To(Succeed())
			Expect(travels).To(HaveLen(1))
			Expect(travels[0].City).To(Equal("Busan"))
		})

		It("should report validation errors by field name", func() {
			resp, body := doJSON("POST", "/api/travels", "user-5", map[string]string{
				"country": "Korea", "title": "Beach week", "start_date": "07/01/2024", "end_date": "2024-07-07",
			})
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
			Expect(errorMessage(body)).To(ContainSubstring("city"))
			Expect(errorMessage(body)).To(ContainSubstring("start_date"))
		})

		It("should return Not Found for a missing travel", func() {
			resp, _ := do("GET", "/api/travels/missing", "", nil, "")
			Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
		})

		It("should refuse to delete another user's travel", func() {
			resp, _ := do("DELETE", "/api/travels/travel-1", "user-2", nil, "")
			Expect(resp.StatusCode).To(Equal(http.StatusForbidden))
		})

		It("should delete the caller's travel", func() {
			resp, _ := do("DELETE", "/api/travels/travel-1", "user-1", nil, "")
			Expect(resp.StatusCode).To(Equal(http.StatusNoContent))
		})
	})

	Describe("receipt edits", func() {
		var receipt *Receipt

		BeforeEach(func() {
			var err error
			receipt, err = service.CreateManualReceipt(context.Background(), "user-1", "travel-1", ManualReceipt{StoreName: "Taxi", Amount: 30})
			Expect(err).NotTo(HaveOccurred())
		})

		It("should create a manual receipt", func() {
			resp, body := doJSON("POST", "/api/travels/travel-1/receipts/manual", "user-1", map[string]any{
				"store_name": "Ramen", "amount": 12, "currency": "JPY", "paid_at": "2024-05-02T19:30:00",
			})
			Expect(resp.StatusCode).To(Equal(http.StatusCreated))
			var created Receipt
			Expect(json.Unmarshal(body, &created)).To(Succeed())
			Expect(created.PaidAt).To(Equal(time.Date(2024, 5, 2, 19, 30, 0, 0, time.UTC)))
			Expect(travelTotal(db, "travel-1")).To(Equal(int64(42)))
		})

		It("should reject a negative manual amount", func() {
			resp, body := doJSON("POST", "/api/travels/travel-1/receipts/manual", "user-1", map[string]any{
				"store_name": "Ramen", "amount": -1,
			})
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
			Expect(errorMessage(body)).To(ContainSubstring("amount"))
		})

		It("should patch the amount and recompute the total", func() {
			resp, body := doJSON("PATCH", "/api/receipts/"+receipt.ID, "user-1", map[string]any{"amount": 21})
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			var updated Receipt
			Expect(json.Unmarshal(body, &updated)).To(Succeed())
			Expect(updated.Amount).To(Equal(int64(21)))
			Expect(updated.StoreName).To(Equal("Taxi"))
			Expect(travelTotal(db, "travel-1")).To(Equal(int64(21)))
		})

		It("should reject an unparsable payment date", func() {
			resp, _ := doJSON("PATCH", "/api/receipts/"+receipt.ID, "user-1", map[string]any{"paid_at": "yesterday"})
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
		})

		It("should update the description", func() {
			resp, body := doJSON("PUT", "/api/receipts/"+receipt.ID+"/description", "user-1", map[string]string{"description": "to the airport"})
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			var updated Receipt
			Expect(json.Unmarshal(body, &updated)).To(Succeed())
			Expect(updated.Description).To(HaveValue(Equal("to the airport")))
		})

		It("should delete the receipt", func() {
			resp, _ := do("DELETE", "/api/receipts/"+receipt.ID, "user-1", nil, "")
			Expect(resp.StatusCode).To(Equal(http.StatusNoContent))
			Expect(travelTotal(db, "travel-1")).To(BeZero())

			resp, _ = do("GET", "/api/receipts/"+receipt.ID, "", nil, "")
			Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
		})

		It("should list the travel's receipts", func() {
			resp, body := do("GET", "/api/travels/travel-1/receipts", "", nil, "")
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			var receipts []*Receipt
			Expect(json.Unmarshal(body, &receipts)).To(Succeed())
			Expect(receipts).To(HaveLen(1))
		})
	})

	Describe("GET /api/receipts/{id}/file", func() {
		It("should serve the stored image", func() {
			storage.files["id-9_r.png"] = []byte("png-bytes")
			Expect(db.InsertReceipt(context.Background(), &Receipt{
				ID: "id-9", TravelID: "travel-1", StoreName: "Shop", ImageURL: "id-9_r.png", ContentType: "image/png", PaidAt: time.Now(),
			})).To(BeNumerically(">=", 0))

			resp, body := do("GET", "/api/receipts/id-9/file", "", nil, "")
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			Expect(resp.Header.Get("Content-Type")).To(Equal("image/png"))
			Expect(body).To(Equal([]byte("png-bytes")))
		})
	})

	Describe("CORS", func() {
		It("should answer preflight requests", func() {
			resp, _ := do("OPTIONS", "/api/travels", "", nil, "")
			Expect(resp.StatusCode).To(Equal(http.StatusNoContent))
			Expect(resp.Header.Get("Access-Control-Allow-Origin")).To(Equal("*"))
			Expect(resp.Header.Get("Access-Control-Allow-Headers")).To(ContainSubstring(UserHeader))
		})
	})

	Describe("basic auth", func() {
		BeforeEach(func() {
			auth = BasicAuth{Username: "admin", Password: "secret"}
			setupServer()
		})

		It("should reject requests without credentials", func() {
			resp, _ := do("GET", "/api/travels/travel-1", "", nil, "")
			Expect(resp.StatusCode).To(Equal(http.StatusUnauthorized))
			Expect(resp.Header.Get("WWW-Authenticate")).To(ContainSubstring("Basic"))
		})

		It("should accept valid credentials", func() {
			req, err := http.NewRequest("GET", ghttpServer.URL()+"/api/travels/travel-1", nil)
			Expect(err).NotTo(HaveOccurred())
			req.Header.Set("Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte("admin:secret")))
			resp, err := http.DefaultClient.Do(req)
			Expect(err).NotTo(HaveOccurred())
			resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
		})

		It("should leave the health check open", func() {
			resp, _ := do("GET", "/healthz", "", nil, "")
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
		})
	})
})

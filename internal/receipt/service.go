package receipt

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/zombor/retrip/internal/scanning"
)

const defaultExtractTimeout = 90 * time.Second

var currencyShape = regexp.MustCompile(`^[A-Z]{3}$`)

// IDGenerator generates unique IDs for travels and receipts
type IDGenerator interface {
	Generate() string
}

// TimeSource provides the current time
type TimeSource interface {
	Now() time.Time
}

type uuidGenerator struct{}

func (g *uuidGenerator) Generate() string {
	return uuid.NewString()
}

type defaultTimeSource struct{}

func (t *defaultTimeSource) Now() time.Time {
	return time.Now()
}

// Service handles travel and receipt operations
type Service struct {
	store          Store
	extractor      scanning.Extractor
	storage        Storage
	idGenerator    IDGenerator
	timeSource     TimeSource
	extractTimeout time.Duration
}

// NewService creates a new Service with default ID generator and time source
func NewService(store Store, extractor scanning.Extractor, storage Storage) *Service {
	return NewServiceWithDeps(store, extractor, storage, &uuidGenerator{}, &defaultTimeSource{})
}

// NewServiceWithDeps creates a new Service with custom dependencies for testing
func NewServiceWithDeps(store Store, extractor scanning.Extractor, storage Storage, idGen IDGenerator, timeSrc TimeSource) *Service {
	return &Service{
		store:          store,
		extractor:      extractor,
		storage:        storage,
		idGenerator:    idGen,
		timeSource:     timeSrc,
		extractTimeout: defaultExtractTimeout,
	}
}

// WithExtractTimeout bounds the whole extraction call, retries included
func (s *Service) WithExtractTimeout(d time.Duration) *Service {
	if d > 0 {
		s.extractTimeout = d
	}
	return s
}

// IngestRequest is one uploaded receipt image
type IngestRequest struct {
	UserID      string
	TravelID    string
	Filename    string
	Data        []byte
	ContentType string
}

// AnalyzeAndStore scans a receipt image and saves the result under the travel.
// The travel and its owner are checked before the image leaves the server,
// and nothing is written when extraction fails.
func (s *Service) AnalyzeAndStore(ctx context.Context, req IngestRequest) (*Receipt, error) {
	travel, err := s.ownedTravel(ctx, req.UserID, req.TravelID)
	if err != nil {
		return nil, err
	}

	fields, err := s.extract(ctx, req.Data, req.ContentType)
	if err != nil {
		slog.Error("Failed to scan receipt",
			"travel_id", travel.ID,
			"filename", req.Filename,
			"content_type", req.ContentType,
			"file_size", len(req.Data),
			"error", err,
		)
		return nil, &PipelineError{Err: err}
	}
	if !fields.Address.IsPresent() && travel.Location() != "" {
		fields.Address = scanning.Present(travel.Location())
	}

	id := s.idGenerator.Generate()
	imageName, err := s.storage.Save(fmt.Sprintf("%s_%s", id, sanitizeFilename(req.Filename)), req.Data)
	if err != nil {
		return nil, fmt.Errorf("saving receipt image: %w", err)
	}

	receipt, err := s.saveFromFields(ctx, id, travel.ID, fields, imageName, req.ContentType)
	if err != nil {
		if delErr := s.storage.Delete(imageName); delErr != nil {
			slog.Warn("Failed to delete receipt image", "image", imageName, "error", delErr)
		}
		return nil, err
	}
	return receipt, nil
}

// Analyze scans a receipt image without saving anything
func (s *Service) Analyze(ctx context.Context, data []byte, contentType string) (scanning.ReceiptFields, error) {
	fields, err := s.extract(ctx, data, contentType)
	if err != nil {
		return scanning.ReceiptFields{}, &PipelineError{Err: err}
	}
	return fields, nil
}

func (s *Service) extract(ctx context.Context, data []byte, contentType string) (scanning.ReceiptFields, error) {
	ctx, cancel := context.WithTimeout(ctx, s.extractTimeout)
	defer cancel()

	raw, err := s.extractor.Extract(ctx, data, contentType)
	if err != nil {
		return scanning.ReceiptFields{}, err
	}

	fields := scanning.ParseReceiptFields(raw, s.timeSource.Now())
	if fields.Degraded() {
		slog.Warn("Receipt extraction degraded",
			"defaulted", fields.Defaulted,
			"raw", fields.Raw,
		)
	}
	return fields, nil
}

// SaveFromFields persists extracted fields as a new receipt of the travel and
// recomputes the travel total
func (s *Service) SaveFromFields(ctx context.Context, travelID string, fields scanning.ReceiptFields, imageURL, contentType string) (*Receipt, error) {
	return s.saveFromFields(ctx, s.idGenerator.Generate(), travelID, fields, imageURL, contentType)
}

func (s *Service) saveFromFields(ctx context.Context, id, travelID string, fields scanning.ReceiptFields, imageURL, contentType string) (*Receipt, error) {
	now := s.timeSource.Now()

	var amount int64
	if scanning.AmountInRange(fields.Amount) {
		amount = fields.Amount.IntPart()
	} else {
		slog.Warn("Receipt amount out of range, storing zero", "exponent", fields.Amount.Exponent())
	}
	if amount < 0 {
		slog.Warn("Negative receipt amount, storing zero", "amount", fields.Amount.String())
		amount = 0
	}
	storeName := strings.TrimSpace(fields.PlaceName)
	if storeName == "" {
		storeName = scanning.UnknownPlace
	}

	receipt := &Receipt{
		ID:          id,
		TravelID:    travelID,
		StoreName:   storeName,
		Amount:      amount,
		Currency:    fields.Currency.Ptr(),
		PaidAt:      fields.PaidAt,
		Category:    fields.Category.Ptr(),
		Address:     fields.Address.Ptr(),
		Latitude:    fields.Latitude.Ptr(),
		Longitude:   fields.Longitude.Ptr(),
		ImageURL:    imageURL,
		ContentType: contentType,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if receipt.PaidAt.IsZero() {
		receipt.PaidAt = now
	}

	total, err := s.store.InsertReceipt(ctx, receipt)
	if err != nil {
		return nil, fmt.Errorf("saving receipt: %w", err)
	}

	slog.Info("Receipt saved",
		"receipt_id", receipt.ID,
		"travel_id", travelID,
		"store_name", receipt.StoreName,
		"amount", receipt.Amount,
		"total_amount", total,
	)
	return receipt, nil
}

// ManualReceipt is a receipt entered by hand
type ManualReceipt struct {
	StoreName   string
	Amount      int64
	Currency    *string
	PaidAt      time.Time
	Category    *string
	Description *string
	Address     *string
	Latitude    *float64
	Longitude   *float64
}

// CreateManualReceipt saves a receipt entered without a scan
func (s *Service) CreateManualReceipt(ctx context.Context, userID, travelID string, in ManualReceipt) (*Receipt, error) {
	travel, err := s.ownedTravel(ctx, userID, travelID)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(in.StoreName) == "" {
		return nil, fmt.Errorf("%w: store name is required", ErrInvalidInput)
	}
	if in.Amount < 0 {
		return nil, fmt.Errorf("%w: amount must not be negative", ErrInvalidInput)
	}
	currency, err := normalizeCurrency(in.Currency)
	if err != nil {
		return nil, err
	}

	now := s.timeSource.Now()
	receipt := &Receipt{
		ID:          s.idGenerator.Generate(),
		TravelID:    travel.ID,
		StoreName:   strings.TrimSpace(in.StoreName),
		Amount:      in.Amount,
		Currency:    currency,
		PaidAt:      in.PaidAt,
		Category:    in.Category,
		Description: in.Description,
		Address:     in.Address,
		Latitude:    in.Latitude,
		Longitude:   in.Longitude,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if receipt.PaidAt.IsZero() {
		receipt.PaidAt = now
	}

	if _, err := s.store.InsertReceipt(ctx, receipt); err != nil {
		return nil, fmt.Errorf("saving receipt: %w", err)
	}
	return receipt, nil
}

// GetReceipt retrieves a receipt by ID
func (s *Service) GetReceipt(ctx context.Context, id string) (*Receipt, error) {
	receipt, err := s.store.GetReceipt(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("getting receipt: %w", err)
	}
	return receipt, nil
}

// ListReceipts returns a travel's receipts, latest payment first
func (s *Service) ListReceipts(ctx context.Context, travelID string) ([]*Receipt, error) {
	receipts, err := s.store.ListReceipts(ctx, travelID)
	if err != nil {
		return nil, fmt.Errorf("listing receipts: %w", err)
	}
	return receipts, nil
}

// UpdateReceiptFields applies the owner's edits and recomputes the travel total
func (s *Service) UpdateReceiptFields(ctx context.Context, userID, receiptID string, update ReceiptUpdate) (*Receipt, error) {
	if update.StoreName != nil {
		name := strings.TrimSpace(*update.StoreName)
		if name == "" {
			return nil, fmt.Errorf("%w: store name must not be empty", ErrInvalidInput)
		}
		update.StoreName = &name
	}
	if update.Amount != nil && *update.Amount < 0 {
		return nil, fmt.Errorf("%w: amount must not be negative", ErrInvalidInput)
	}
	currency, err := normalizeCurrency(update.Currency)
	if err != nil {
		return nil, err
	}
	update.Currency = currency

	now := s.timeSource.Now()
	receipt, total, err := s.store.UpdateReceipt(ctx, receiptID, func(travel *Travel, r *Receipt) error {
		if !travel.IsOwner(userID) {
			return fmt.Errorf("%w: travel %s", ErrNotOwner, travel.ID)
		}
		update.apply(r)
		r.UpdatedAt = now
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("updating receipt: %w", err)
	}

	slog.Info("Receipt updated",
		"receipt_id", receipt.ID,
		"store_name", receipt.StoreName,
		"amount", receipt.Amount,
		"total_amount", total,
	)
	return receipt, nil
}

// UpdateDescription sets the receipt's free-text description. The total is not affected.
func (s *Service) UpdateDescription(ctx context.Context, userID, receiptID, text string) (*Receipt, error) {
	if _, _, err := s.ownedReceipt(ctx, userID, receiptID); err != nil {
		return nil, err
	}

	var description *string
	if text = strings.TrimSpace(text); text != "" {
		description = &text
	}
	receipt, err := s.store.SetReceiptDescription(ctx, receiptID, description, s.timeSource.Now())
	if err != nil {
		return nil, fmt.Errorf("updating description: %w", err)
	}
	return receipt, nil
}

// DeleteReceipt removes a receipt and its image and recomputes the travel total
func (s *Service) DeleteReceipt(ctx context.Context, userID, receiptID string) error {
	receipt, total, err := s.store.DeleteReceipt(ctx, receiptID, func(travel *Travel, r *Receipt) error {
		if !travel.IsOwner(userID) {
			return fmt.Errorf("%w: travel %s", ErrNotOwner, travel.ID)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("deleting receipt: %w", err)
	}

	s.deleteImage(receipt)
	slog.Info("Receipt deleted",
		"receipt_id", receipt.ID,
		"travel_id", receipt.TravelID,
		"total_amount", total,
	)
	return nil
}

// RecomputeTravelTotal recalculates the travel total from its receipts
func (s *Service) RecomputeTravelTotal(ctx context.Context, travelID string) (int64, error) {
	total, err := s.store.RecomputeTravelTotal(ctx, travelID)
	if err != nil {
		return 0, fmt.Errorf("recomputing travel total: %w", err)
	}
	return total, nil
}

// GetReceiptFile retrieves the image data for a receipt
func (s *Service) GetReceiptFile(ctx context.Context, id string) ([]byte, string, error) {
	receipt, err := s.store.GetReceipt(ctx, id)
	if err != nil {
		return nil, "", fmt.Errorf("getting receipt: %w", err)
	}
	if receipt.ImageURL == "" {
		return nil, "", fmt.Errorf("%w: receipt %s has no image", ErrReceiptNotFound, id)
	}

	data, err := s.storage.Get(receipt.ImageURL)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, "", fmt.Errorf("%w: image of receipt %s is missing", ErrReceiptNotFound, id)
	}
	if err != nil {
		return nil, "", fmt.Errorf("getting receipt file: %w", err)
	}
	return data, receipt.ContentType, nil
}

// NewTravel holds the fields of a travel being created
type NewTravel struct {
	OwnerID   string
	Country   string
	City      string
	Title     string
	StartDate time.Time
	EndDate   time.Time
	Memo      string
}

// CreateTravel creates a travel owned by in.OwnerID
func (s *Service) CreateTravel(ctx context.Context, in NewTravel) (*Travel, error) {
	if in.OwnerID == "" {
		return nil, fmt.Errorf("%w: owner is required", ErrInvalidInput)
	}
	if in.EndDate.Before(in.StartDate) {
		return nil, fmt.Errorf("%w: end date is before start date", ErrInvalidInput)
	}

	now := s.timeSource.Now()
	travel := &Travel{
		ID:        s.idGenerator.Generate(),
		OwnerID:   in.OwnerID,
		Country:   in.Country,
		City:      in.City,
		Title:     in.Title,
		StartDate: in.StartDate,
		EndDate:   in.EndDate,
		Memo:      in.Memo,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.CreateTravel(ctx, travel); err != nil {
		return nil, fmt.Errorf("saving travel: %w", err)
	}
	return travel, nil
}

// GetTravel retrieves a travel by ID
func (s *Service) GetTravel(ctx context.Context, id string) (*Travel, error) {
	travel, err := s.store.GetTravel(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("getting travel: %w", err)
	}
	return travel, nil
}

// ListTravels returns the user's travels, latest first
func (s *Service) ListTravels(ctx context.Context, ownerID string) ([]*Travel, error) {
	travels, err := s.store.ListTravels(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("listing travels: %w", err)
	}
	return travels, nil
}

// UpdateTravel applies the owner's edits to a travel
func (s *Service) UpdateTravel(ctx context.Context, userID, id string, update TravelUpdate) (*Travel, error) {
	if update.EndDate.Before(update.StartDate) {
		return nil, fmt.Errorf("%w: end date is before start date", ErrInvalidInput)
	}

	now := s.timeSource.Now()
	travel, err := s.store.UpdateTravel(ctx, id, func(t *Travel) error {
		if !t.IsOwner(userID) {
			return fmt.Errorf("%w: travel %s", ErrNotOwner, t.ID)
		}
		t.Country = update.Country
		t.City = update.City
		t.Title = update.Title
		t.StartDate = update.StartDate
		t.EndDate = update.EndDate
		t.Memo = update.Memo
		t.UpdatedAt = now
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("updating travel: %w", err)
	}
	return travel, nil
}

// DeleteTravel removes a travel with all its receipts and their images
func (s *Service) DeleteTravel(ctx context.Context, userID, id string) error {
	removed, err := s.store.DeleteTravel(ctx, id, func(t *Travel) error {
		if !t.IsOwner(userID) {
			return fmt.Errorf("%w: travel %s", ErrNotOwner, t.ID)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("deleting travel: %w", err)
	}

	for _, r := range removed {
		s.deleteImage(r)
	}
	slog.Info("Travel deleted", "travel_id", id, "receipts", len(removed))
	return nil
}

func (s *Service) ownedTravel(ctx context.Context, userID, travelID string) (*Travel, error) {
	travel, err := s.store.GetTravel(ctx, travelID)
	if err != nil {
		return nil, fmt.Errorf("getting travel: %w", err)
	}
	if !travel.IsOwner(userID) {
		return nil, fmt.Errorf("%w: travel %s", ErrNotOwner, travelID)
	}
	return travel, nil
}

func (s *Service) ownedReceipt(ctx context.Context, userID, receiptID string) (*Travel, *Receipt, error) {
	receipt, err := s.store.GetReceipt(ctx, receiptID)
	if err != nil {
		return nil, nil, fmt.Errorf("getting receipt: %w", err)
	}
	travel, err := s.ownedTravel(ctx, userID, receipt.TravelID)
	if err != nil {
		return nil, nil, err
	}
	return travel, receipt, nil
}

// deleteImage removes a receipt's image; failures are logged, the receipt is already gone
func (s *Service) deleteImage(r *Receipt) {
	if r.ImageURL == "" {
		return
	}
	if err := s.storage.Delete(r.ImageURL); err != nil {
		slog.Warn("Failed to delete receipt image", "image", r.ImageURL, "error", err)
	}
}

func normalizeCurrency(code *string) (*string, error) {
	if code == nil {
		return nil, nil
	}
	normalized := strings.ToUpper(strings.TrimSpace(*code))
	if !currencyShape.MatchString(normalized) {
		return nil, fmt.Errorf("%w: currency must be a three-letter code", ErrInvalidInput)
	}
	return &normalized, nil
}

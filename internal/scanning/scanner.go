package scanning

import (
	"context"
	"errors"
	"fmt"
)

// receiptScanPrompt is the shared prompt used by all LLM providers for scanning receipts
const receiptScanPrompt = `You are analyzing a receipt from a trip, possibly from abroad. Carefully read all text in the image and extract the following information as JSON.

Required:
1. placeName: the store, business or place name printed on the receipt (e.g. "Starbucks Tokyo", "McDonald's Paris", "7-Eleven Bangkok"). Prefer the merchant name at the top of the receipt.
2. amount: the final total paid, as a number. Strip currency symbols and thousands separators ($12.50 -> 12.50, €9.99 -> 9.99, ¥1,500 -> 1500).
3. currency: the ISO 4217 currency code, three upper-case letters ($ -> USD, € -> EUR, ¥ -> JPY, £ -> GBP, ฿ -> THB).
4. paidAt: the payment date and time in ISO 8601, "yyyy-MM-ddTHH:mm:ss". If the receipt has no time, use "yyyy-MM-dd". Convert MM/DD/YYYY or DD/MM/YYYY as appropriate.
5. address: the address printed on the receipt, as detailed as possible (street, city, country). If the receipt has no address, infer one from placeName and any city or country shown.

Optional (only when it can be estimated):
6. latitude: latitude of the address or place.
7. longitude: longitude of the address or place.
8. category: a short expense category such as "food", "transport", "lodging", "shopping", "sightseeing".

Language:
- If the receipt is Korean (Korean text or KRW), answer all text fields in Korean.
- Otherwise answer all text fields in English.

Return ONLY valid JSON in this exact format:
{
  "placeName": "Store Name",
  "amount": 12.50,
  "currency": "USD",
  "paidAt": "2024-01-15T14:30:00",
  "address": "Full address",
  "latitude": 35.6812,
  "longitude": 139.7671,
  "category": "food"
}

Important:
- amount, latitude and longitude must be numbers, not strings
- If you cannot find a field, use null for that field
- Do not include any text before or after the JSON
- Do not use markdown code blocks`

// Extractor defines the interface for receipt extraction operations.
// Extract sends a receipt image to a vision model and returns its text reply
// verbatim. No parsing happens at this layer.
type Extractor interface {
	Extract(ctx context.Context, imageData []byte, contentType string) (string, error)
	// Close closes the extractor and releases resources
	Close() error
}

// ExtractionKind classifies an extraction failure.
type ExtractionKind int

const (
	KindRemote ExtractionKind = iota
	KindUnconfigured
	KindRateLimitExhausted
)

func (k ExtractionKind) String() string {
	switch k {
	case KindUnconfigured:
		return "unconfigured"
	case KindRateLimitExhausted:
		return "rate limit exhausted"
	default:
		return "remote error"
	}
}

// Sentinels usable with errors.Is against an *ExtractionError.
var (
	ErrUnconfigured       = errors.New("receipt scanning is not configured")
	ErrRateLimitExhausted = errors.New("receipt scanning rate limit exhausted")
	ErrRemote             = errors.New("receipt scanning failed")
)

// ExtractionError is returned by every Extractor on failure.
type ExtractionError struct {
	Kind ExtractionKind
	Err  error
}

func (e *ExtractionError) Error() string {
	if e.Err == nil {
		return e.sentinel().Error()
	}
	return fmt.Sprintf("%s: %v", e.sentinel(), e.Err)
}

func (e *ExtractionError) Unwrap() error {
	return e.Err
}

// Is matches the sentinel for the error's kind.
func (e *ExtractionError) Is(target error) bool {
	return target == e.sentinel()
}

func (e *ExtractionError) sentinel() error {
	switch e.Kind {
	case KindUnconfigured:
		return ErrUnconfigured
	case KindRateLimitExhausted:
		return ErrRateLimitExhausted
	default:
		return ErrRemote
	}
}

func unconfigured(provider string) error {
	return &ExtractionError{Kind: KindUnconfigured, Err: fmt.Errorf("%s api key is not set", provider)}
}

func remoteError(err error) error {
	var extractionErr *ExtractionError
	if errors.As(err, &extractionErr) {
		return err
	}
	return &ExtractionError{Kind: KindRemote, Err: err}
}

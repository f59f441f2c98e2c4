package receipt

import (
	"errors"
	"fmt"

	"github.com/zombor/retrip/internal/scanning"
)

var (
	// ErrTravelNotFound indicates the travel does not exist
	ErrTravelNotFound = errors.New("travel not found")
	// ErrReceiptNotFound indicates the receipt does not exist
	ErrReceiptNotFound = errors.New("receipt not found")
	// ErrNotOwner indicates the caller does not own the travel
	ErrNotOwner = errors.New("not the owner of this travel")
	// ErrInvalidInput indicates a request failed validation
	ErrInvalidInput = errors.New("invalid input")
)

// PipelineError reports that ingestion stopped because extraction failed.
// Nothing was persisted.
type PipelineError struct {
	Err error
}

func (e *PipelineError) Error() string {
	return fmt.Sprintf("extracting receipt: %v", e.Err)
}

func (e *PipelineError) Unwrap() error {
	return e.Err
}

// UserMessage turns a service error into text that can be shown to the user
func UserMessage(err error) string {
	var extractionErr *scanning.ExtractionError
	switch {
	case err == nil:
		return ""
	case errors.Is(err, scanning.ErrUnconfigured):
		return "Receipt scanning is not configured on this server."
	case errors.Is(err, scanning.ErrRateLimitExhausted):
		return "The receipt scanning service is busy. Please try again in a minute."
	case errors.As(err, &extractionErr):
		return fmt.Sprintf("The receipt could not be analyzed: %v", extractionErr.Err)
	case errors.Is(err, ErrTravelNotFound):
		return "Travel not found."
	case errors.Is(err, ErrReceiptNotFound):
		return "Receipt not found."
	case errors.Is(err, ErrNotOwner):
		return "You can only change your own travels and receipts."
	case errors.Is(err, ErrInvalidInput):
		return err.Error()
	default:
		return "Internal server error"
	}
}

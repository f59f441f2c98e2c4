package scanning

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/generative-ai-go/genai"
	"github.com/googleapis/gax-go/v2/apierror"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
)

const defaultGeminiModel = "gemini-2.5-pro"

// generator is the part of *genai.GenerativeModel the extractor needs
type generator interface {
	GenerateContent(ctx context.Context, parts ...genai.Part) (*genai.GenerateContentResponse, error)
}

// GeminiConfig configures the Gemini extractor
type GeminiConfig struct {
	APIKey string
	Model  string
	// Timeout bounds a single attempt.
	Timeout time.Duration
	Retry   RetryPolicy
}

// Gemini implements the Extractor interface using Google Gemini
type Gemini struct {
	apiKey  string
	client  *genai.Client
	model   generator
	timeout time.Duration
	retry   RetryPolicy
}

// NewGemini creates a new Gemini Extractor instance.
// Without an API key the extractor is created unconfigured: every Extract
// call fails with ErrUnconfigured and nothing is sent over the network.
func NewGemini(cfg GeminiConfig) (*Gemini, error) {
	if cfg.Model == "" {
		cfg.Model = defaultGeminiModel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Retry.MaxRetries == 0 && cfg.Retry.InitialBackoff == 0 {
		cfg.Retry = DefaultRetryPolicy
	}

	g := &Gemini{
		apiKey:  cfg.APIKey,
		timeout: cfg.Timeout,
		retry:   cfg.Retry,
	}
	if cfg.APIKey == "" {
		slog.Warn("Gemini API key is not set, receipt scanning is disabled")
		return g, nil
	}

	client, err := genai.NewClient(context.Background(), option.WithAPIKey(cfg.APIKey))
	if err != nil {
		return nil, fmt.Errorf("creating gemini client: %w", err)
	}
	g.client = client
	g.model = client.GenerativeModel(cfg.Model)
	return g, nil
}

// Extract sends the receipt image to Gemini and returns the first text part of the reply
func (g *Gemini) Extract(ctx context.Context, imageData []byte, contentType string) (string, error) {
	if g.apiKey == "" {
		return "", unconfigured("gemini")
	}

	pngData, err := normalizeImage(imageData, contentType)
	if err != nil {
		return "", remoteError(err)
	}

	// genai.ImageData expects just the format suffix, and normalizeImage always yields PNG
	parts := []genai.Part{
		genai.ImageData("png", pngData),
		genai.Text(receiptScanPrompt),
	}

	return g.retry.run(ctx, "gemini", func(ctx context.Context) (string, error) {
		ctx, cancel := context.WithTimeout(ctx, g.timeout)
		defer cancel()

		resp, err := g.model.GenerateContent(ctx, parts...)
		if err != nil {
			if isRateLimited(err) {
				return "", rateLimited(err)
			}
			return "", fmt.Errorf("generating content: %w", err)
		}
		return firstText(resp)
	})
}

// Close closes the Gemini client
func (g *Gemini) Close() error {
	if g.client == nil {
		return nil
	}
	return g.client.Close()
}

func firstText(resp *genai.GenerateContentResponse) (string, error) {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return "", fmt.Errorf("no response from gemini")
	}
	for _, part := range resp.Candidates[0].Content.Parts {
		if text, ok := part.(genai.Text); ok {
			return string(text), nil
		}
	}
	return "", fmt.Errorf("no text in gemini response")
}

// isRateLimited reports whether err is a 429 from either the REST or gRPC transport
func isRateLimited(err error) bool {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		return gerr.Code == http.StatusTooManyRequests
	}
	var aerr *apierror.APIError
	if errors.As(err, &aerr) {
		return aerr.HTTPCode() == http.StatusTooManyRequests ||
			aerr.GRPCStatus().Code() == codes.ResourceExhausted
	}
	return false
}

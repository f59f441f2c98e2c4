package scanning

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// OllamaConfig configures the Ollama extractor
type OllamaConfig struct {
	BaseURL string
	Model   string
	// Timeout bounds a single attempt.
	Timeout time.Duration
	Retry   RetryPolicy
}

// Ollama implements the Extractor interface using a local Ollama server.
// Recommended models for receipt scanning:
//   - llava:1.6 (best balance of accuracy and speed)
//   - qwen2-vl:7b (good OCR capabilities)
//   - llava-phi3 (smaller, faster, but less accurate)
type Ollama struct {
	baseURL string
	model   string
	client  *http.Client
	retry   RetryPolicy
}

// NewOllama creates a new Ollama Extractor instance
func NewOllama(cfg OllamaConfig) (*Ollama, error) {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://localhost:11434"
	}
	if cfg.Model == "" {
		cfg.Model = "llava"
	}
	if cfg.Timeout <= 0 {
		// vision models on local hardware are slow
		cfg.Timeout = 120 * time.Second
	}
	if cfg.Retry.MaxRetries == 0 && cfg.Retry.InitialBackoff == 0 {
		cfg.Retry = DefaultRetryPolicy
	}

	return &Ollama{
		baseURL: cfg.BaseURL,
		model:   cfg.Model,
		client:  &http.Client{Timeout: cfg.Timeout},
		retry:   cfg.Retry,
	}, nil
}

// ollamaChatRequest represents the request body for Ollama's chat API
type ollamaChatRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Stream   bool            `json:"stream"`
}

type ollamaMessage struct {
	Role    string   `json:"role"`
	Content string   `json:"content"`
	Images  []string `json:"images,omitempty"`
}

// ollamaChatResponse represents the response from Ollama's chat API
type ollamaChatResponse struct {
	Message ollamaMessage `json:"message"`
	Done    bool          `json:"done"`
}

// Extract sends the receipt image to Ollama and returns the reply text
func (o *Ollama) Extract(ctx context.Context, imageData []byte, contentType string) (string, error) {
	pngData, err := normalizeImage(imageData, contentType)
	if err != nil {
		return "", remoteError(err)
	}

	body, err := json.Marshal(ollamaChatRequest{
		Model:  o.model,
		Stream: false,
		Messages: []ollamaMessage{
			{
				Role:    "system",
				Content: "You are an expert at reading receipts from trips around the world. Read all text in the image carefully and extract accurate information.",
			},
			{
				Role:    "user",
				Content: receiptScanPrompt,
				Images:  []string{base64.StdEncoding.EncodeToString(pngData)},
			},
		},
	})
	if err != nil {
		return "", remoteError(fmt.Errorf("marshaling request: %w", err))
	}

	return o.retry.run(ctx, "ollama", func(ctx context.Context) (string, error) {
		return o.chat(ctx, body)
	})
}

func (o *Ollama) chat(ctx context.Context, body []byte) (string, error) {
	url := fmt.Sprintf("%s/api/chat", o.baseURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("calling ollama API: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		err := fmt.Errorf("ollama API error (status %d): %s", resp.StatusCode, string(respBody))
		if resp.StatusCode == http.StatusTooManyRequests {
			return "", rateLimited(err)
		}
		return "", err
	}

	var chatResp ollamaChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chatResp); err != nil {
		return "", fmt.Errorf("decoding response: %w", err)
	}
	return chatResp.Message.Content, nil
}

// Close is a no-op for Ollama
func (o *Ollama) Close() error {
	return nil
}

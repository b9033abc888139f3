package transcribe

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/jackzampolin/pageturner/internal/pricing"
)

// Provider names.
const (
	ProviderGemini = "gemini"
	ProviderOpenAI = "openai"
)

// Request is a single page transcription call.
type Request struct {
	Model      string
	Credential string
	Prompt     string
	Image      []byte
	MIME       string
}

// Response carries the transcribed text and, when the API reports it, token
// usage.
type Response struct {
	Text  string
	Usage pricing.Usage
}

// Backend sends one image to a vision-to-text API.
type Backend interface {
	Transcribe(ctx context.Context, req Request) (Response, error)
}

// APIError is a non-2xx response from a transcription API.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error (status %d): %s", e.Status, e.Message)
}

// ProviderFor picks the backend that serves model.
func ProviderFor(model string) string {
	m := strings.ToLower(strings.TrimPrefix(model, "models/"))
	switch {
	case strings.HasPrefix(m, "gpt-"),
		strings.HasPrefix(m, "o1"),
		strings.HasPrefix(m, "o3"),
		strings.HasPrefix(m, "o4"):
		return ProviderOpenAI
	default:
		return ProviderGemini
	}
}

// errorMessage pulls a human readable message out of an error response body.
// It understands {"error":{"message":...}} and {"error":"..."}, then falls back
// to the raw body and finally to the status text.
func errorMessage(status int, body []byte) string {
	var structured struct {
		Error json.RawMessage `json:"error"`
	}
	if err := json.Unmarshal(body, &structured); err == nil && len(structured.Error) > 0 {
		var nested struct {
			Message string `json:"message"`
		}
		if err := json.Unmarshal(structured.Error, &nested); err == nil && nested.Message != "" {
			return nested.Message
		}
		var flat string
		if err := json.Unmarshal(structured.Error, &flat); err == nil && flat != "" {
			return flat
		}
	}
	if raw := strings.TrimSpace(string(body)); raw != "" {
		return raw
	}
	if text := http.StatusText(status); text != "" {
		return text
	}
	return fmt.Sprintf("status %d", status)
}

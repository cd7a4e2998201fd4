// Package backend defines the canonical request/response types and the
// client capability consumed by the dispatcher.
//
// Each backend adapter lives in its own sub-package and implements the
// Client interface, converting the canonical chat format to the provider
// wire payload and back. The dispatcher is transport-agnostic: it hands a
// deployment's parameter map to the client selected by params["provider"].
package backend

import (
	"context"
	"fmt"
)

type (
	// Message is a single turn in a conversation (role + text content).
	Message struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}

	// Usage — token usage stats.
	Usage struct {
		InputTokens  int
		OutputTokens int
	}

	// ContentSafety carries the caller's per-request redaction overrides.
	// Nil means "use the caller policy defaults".
	ContentSafety struct {
		NoPII          *bool `json:"no-pii,omitempty"`
		OutputParsePII *bool `json:"output_parse_pii,omitempty"`
	}

	// ChatRequest — normalized client request.
	ChatRequest struct {
		Model         string
		Messages      []Message
		Temperature   float64
		MaxTokens     int
		ContentSafety *ContentSafety
		RequestID     string
	}

	// ChatResponse — normalized backend response.
	ChatResponse struct {
		ID      string
		Model   string
		Content string
		Usage   Usage
	}
)

// Client performs the actual network call to a chosen deployment.
// params is the deployment's opaque parameter map; each adapter documents
// the keys it consumes (at minimum "model", the provider-native model name).
type Client interface {
	Name() string
	Call(ctx context.Context, params map[string]string, req *ChatRequest) (*ChatResponse, error)
}

// Error is the canonical failure surfaced by a backend call. The status
// code is the upstream HTTP status when known, 0 otherwise.
type Error struct {
	StatusCode int
	Message    string
}

func (e *Error) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("backend: upstream returned %d: %s", e.StatusCode, e.Message)
	}
	return "backend: " + e.Message
}

// HTTPStatus reports the upstream status code for error mapping.
func (e *Error) HTTPStatus() int { return e.StatusCode }

// Retryable reports whether a different deployment may succeed where this
// one failed. 4xx responses reflect the request itself and are final;
// 5xx and transport failures are worth a second deployment.
func (e *Error) Retryable() bool {
	return e.StatusCode == 0 || e.StatusCode >= 500
}

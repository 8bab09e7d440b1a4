// Package provider defines the capability every upstream model provider
// adapter satisfies, and the error shapes adapters must surface.
package provider

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/thorgate/relay/internal/models"
)

// ConnectionOptions carries the channel-specific parameters for one call.
type ConnectionOptions struct {
	Address    string
	Credential string
}

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ChatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Temperature *float64  `json:"temperature,omitempty"`
}

// Usage is the token accounting reported by the provider.
type Usage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	TotalTokens      int64 `json:"total_tokens"`
}

// Total returns TotalTokens, falling back to the sum of its parts when the
// provider leaves it unset.
func (u Usage) Total() int64 {
	if u.TotalTokens > 0 {
		return u.TotalTokens
	}
	return u.PromptTokens + u.CompletionTokens
}

type ChatResponse struct {
	ID           string `json:"id"`
	Model        string `json:"model"`
	Content      string `json:"content"`
	FinishReason string `json:"finish_reason,omitempty"`
	Usage        Usage  `json:"usage"`
}

type EmbeddingRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type EmbeddingResponse struct {
	Model      string      `json:"model"`
	Embeddings [][]float64 `json:"embeddings"`
	Usage      Usage       `json:"usage"`
}

// Provider is the capability table selected by name from the registry.
type Provider interface {
	Complete(ctx context.Context, req ChatRequest, opts ConnectionOptions) (*ChatResponse, error)
	Embed(ctx context.Context, req EmbeddingRequest, opts ConnectionOptions) (*EmbeddingResponse, error)
}

// ErrEmbeddingsUnsupported is returned by adapters without an embedding endpoint.
var ErrEmbeddingsUnsupported = errors.New("provider does not support embeddings")

// RemoteError is an application-level rejection reported by the provider.
type RemoteError struct {
	Provider   string
	StatusCode int
	Message    string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s rejected request (status %d): %s", e.Provider, e.StatusCode, e.Message)
}

// Classify maps a transport-level failure onto the relay's upstream error
// kinds. Errors that are already classified, or are RemoteErrors, pass
// through unchanged.
func Classify(name string, err error) error {
	if err == nil {
		return nil
	}
	var remote *RemoteError
	switch {
	case errors.As(err, &remote),
		errors.Is(err, models.ErrProviderTimeout),
		errors.Is(err, models.ErrProviderUnavailable),
		errors.Is(err, ErrEmbeddingsUnsupported):
		return err
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return fmt.Errorf("%s: %w: %w", name, models.ErrProviderTimeout, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%s: %w: %w", name, models.ErrProviderTimeout, err)
	}
	return fmt.Errorf("%s: %w: %w", name, models.ErrProviderUnavailable, err)
}

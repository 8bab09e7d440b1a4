// Package ollama adapts a self-hosted Ollama server through its native REST API.
package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/thorgate/relay/internal/models"
	"github.com/thorgate/relay/internal/provider"
)

const Name = "ollama"

const defaultAddress = "http://localhost:11434"

type Provider struct {
	httpClient *http.Client
}

func New(httpClient *http.Client) *Provider {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Provider{httpClient: httpClient}
}

var _ provider.Provider = (*Provider)(nil)

type chatOptions struct {
	NumPredict  int      `json:"num_predict,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`
}

type chatRequest struct {
	Model    string             `json:"model"`
	Messages []provider.Message `json:"messages"`
	Stream   bool               `json:"stream"`
	Options  *chatOptions       `json:"options,omitempty"`
}

type chatResponse struct {
	Model           string           `json:"model"`
	CreatedAt       string           `json:"created_at"`
	Message         provider.Message `json:"message"`
	DoneReason      string           `json:"done_reason"`
	PromptEvalCount int64            `json:"prompt_eval_count"`
	EvalCount       int64            `json:"eval_count"`
}

type embedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embedResponse struct {
	Model           string      `json:"model"`
	Embeddings      [][]float64 `json:"embeddings"`
	PromptEvalCount int64       `json:"prompt_eval_count"`
}

func (p *Provider) Complete(ctx context.Context, req provider.ChatRequest, opts provider.ConnectionOptions) (*provider.ChatResponse, error) {
	body := chatRequest{Model: req.Model, Messages: req.Messages}
	if req.MaxTokens > 0 || req.Temperature != nil {
		body.Options = &chatOptions{NumPredict: req.MaxTokens, Temperature: req.Temperature}
	}
	var res chatResponse
	if err := p.post(ctx, opts, "/api/chat", body, &res); err != nil {
		return nil, err
	}
	return &provider.ChatResponse{
		ID:           res.CreatedAt,
		Model:        res.Model,
		Content:      res.Message.Content,
		FinishReason: res.DoneReason,
		Usage: provider.Usage{
			PromptTokens:     res.PromptEvalCount,
			CompletionTokens: res.EvalCount,
			TotalTokens:      res.PromptEvalCount + res.EvalCount,
		},
	}, nil
}

func (p *Provider) Embed(ctx context.Context, req provider.EmbeddingRequest, opts provider.ConnectionOptions) (*provider.EmbeddingResponse, error) {
	var res embedResponse
	if err := p.post(ctx, opts, "/api/embed", embedRequest{Model: req.Model, Input: req.Input}, &res); err != nil {
		return nil, err
	}
	return &provider.EmbeddingResponse{
		Model:      res.Model,
		Embeddings: res.Embeddings,
		Usage:      provider.Usage{PromptTokens: res.PromptEvalCount, TotalTokens: res.PromptEvalCount},
	}, nil
}

func (p *Provider) post(ctx context.Context, opts provider.ConnectionOptions, path string, in, out any) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	base := strings.TrimRight(opts.Address, "/")
	if base == "" {
		base = defaultAddress
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, base+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("%s: %w: %w", Name, models.ErrProviderUnavailable, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if opts.Credential != "" {
		httpReq.Header.Set("Authorization", "Bearer "+opts.Credential)
	}

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return provider.Classify(Name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return statusError(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return provider.Classify(Name, fmt.Errorf("decode response: %w", err))
	}
	return nil
}

// statusError turns a non-2xx reply into a RemoteError for client errors and
// an unavailability error otherwise.
func statusError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var body struct {
		Error string `json:"error"`
	}
	msg := strings.TrimSpace(string(raw))
	if json.Unmarshal(raw, &body) == nil && body.Error != "" {
		msg = body.Error
	}
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}
	if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
		return &provider.RemoteError{Provider: Name, StatusCode: resp.StatusCode, Message: msg}
	}
	return fmt.Errorf("%s: %w: status %d: %s", Name, models.ErrProviderUnavailable, resp.StatusCode, msg)
}

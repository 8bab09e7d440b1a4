// Package openaicompat adapts OpenAI and OpenAI-compatible endpoints.
package openaicompat

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"

	"github.com/thorgate/relay/internal/models"
	"github.com/thorgate/relay/internal/provider"
)

// Name is the registry name of this adapter.
const Name = "openai"

const defaultBaseURL = "https://api.openai.com/v1/"

type Provider struct {
	httpClient *http.Client
}

// New returns an adapter. A nil httpClient uses the SDK default.
func New(httpClient *http.Client) *Provider {
	return &Provider{httpClient: httpClient}
}

var _ provider.Provider = (*Provider)(nil)

// client builds an SDK client for one channel. Retries are disabled: the
// relay never repeats a call on the caller's behalf.
func (p *Provider) client(opts provider.ConnectionOptions) openai.Client {
	base := opts.Address
	if base == "" {
		base = defaultBaseURL
	}
	reqOpts := []option.RequestOption{
		option.WithAPIKey(opts.Credential),
		option.WithBaseURL(base),
		option.WithMaxRetries(0),
	}
	if p.httpClient != nil {
		reqOpts = append(reqOpts, option.WithHTTPClient(p.httpClient))
	}
	return openai.NewClient(reqOpts...)
}

func (p *Provider) Complete(ctx context.Context, req provider.ChatRequest, opts provider.ConnectionOptions) (*provider.ChatResponse, error) {
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(req.Messages))
	for _, m := range req.Messages {
		switch m.Role {
		case "system":
			messages = append(messages, openai.SystemMessage(m.Content))
		case "assistant":
			messages = append(messages, openai.AssistantMessage(m.Content))
		default:
			messages = append(messages, openai.UserMessage(m.Content))
		}
	}
	params := openai.ChatCompletionNewParams{
		Model:    shared.ChatModel(req.Model),
		Messages: messages,
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(req.MaxTokens))
	}
	if req.Temperature != nil {
		params.Temperature = openai.Float(*req.Temperature)
	}

	client := p.client(opts)
	completion, err := client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, classify(err)
	}
	if len(completion.Choices) == 0 {
		return nil, fmt.Errorf("%s: %w: empty choices", Name, models.ErrProviderUnavailable)
	}
	choice := completion.Choices[0]
	return &provider.ChatResponse{
		ID:           completion.ID,
		Model:        completion.Model,
		Content:      choice.Message.Content,
		FinishReason: string(choice.FinishReason),
		Usage: provider.Usage{
			PromptTokens:     completion.Usage.PromptTokens,
			CompletionTokens: completion.Usage.CompletionTokens,
			TotalTokens:      completion.Usage.TotalTokens,
		},
	}, nil
}

func (p *Provider) Embed(ctx context.Context, req provider.EmbeddingRequest, opts provider.ConnectionOptions) (*provider.EmbeddingResponse, error) {
	client := p.client(opts)
	res, err := client.Embeddings.New(ctx, openai.EmbeddingNewParams{
		Model: openai.EmbeddingModel(req.Model),
		Input: openai.EmbeddingNewParamsInputUnion{OfArrayOfStrings: req.Input},
	})
	if err != nil {
		return nil, classify(err)
	}
	out := &provider.EmbeddingResponse{
		Model:      res.Model,
		Embeddings: make([][]float64, len(res.Data)),
		Usage: provider.Usage{
			PromptTokens: res.Usage.PromptTokens,
			TotalTokens:  res.Usage.TotalTokens,
		},
	}
	for i, d := range res.Data {
		idx := int(d.Index)
		if idx < 0 || idx >= len(out.Embeddings) {
			idx = i
		}
		out.Embeddings[idx] = d.Embedding
	}
	return out, nil
}

// classify separates remote rejections (4xx other than 429) from upstream
// unavailability.
func classify(err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		if apiErr.StatusCode >= 400 && apiErr.StatusCode < 500 && apiErr.StatusCode != http.StatusTooManyRequests {
			msg := apiErr.Message
			if msg == "" {
				msg = http.StatusText(apiErr.StatusCode)
			}
			return &provider.RemoteError{Provider: Name, StatusCode: apiErr.StatusCode, Message: msg}
		}
	}
	return provider.Classify(Name, err)
}

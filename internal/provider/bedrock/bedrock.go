// Package bedrock adapts Anthropic Claude and Amazon Titan models hosted on
// AWS Bedrock.
package bedrock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"

	"github.com/thorgate/relay/internal/models"
	"github.com/thorgate/relay/internal/provider"
)

const Name = "bedrock"

const (
	anthropicVersion = "bedrock-2023-05-31"
	defaultMaxTokens = 4096
)

// invoker is the slice of the Bedrock runtime client the adapter uses.
type invoker interface {
	InvokeModel(ctx context.Context, params *bedrockruntime.InvokeModelInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelOutput, error)
}

// Provider resolves one runtime client per distinct channel connection.
// Channel Address, when set, overrides the service endpoint; Credential is
// "ACCESS_KEY_ID:SECRET_ACCESS_KEY" or empty for the default credential chain.
type Provider struct {
	region  string
	mu      sync.Mutex
	clients map[provider.ConnectionOptions]invoker
}

func New(region string) *Provider {
	return &Provider{region: region, clients: make(map[provider.ConnectionOptions]invoker)}
}

var _ provider.Provider = (*Provider)(nil)

func (p *Provider) client(ctx context.Context, opts provider.ConnectionOptions) (invoker, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.clients[opts]; ok {
		return c, nil
	}

	loadOpts := []func(*config.LoadOptions) error{
		config.WithRegion(p.region),
		config.WithRetryMaxAttempts(1),
	}
	if opts.Credential != "" {
		id, secret, ok := strings.Cut(opts.Credential, ":")
		if !ok {
			return nil, fmt.Errorf("%w: bedrock credential must be ACCESS_KEY_ID:SECRET_ACCESS_KEY", models.ErrValidation)
		}
		loadOpts = append(loadOpts, config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(id, secret, "")))
	}
	cfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w: load AWS config: %w", Name, models.ErrProviderUnavailable, err)
	}
	c := bedrockruntime.NewFromConfig(cfg, func(o *bedrockruntime.Options) {
		if opts.Address != "" {
			o.BaseEndpoint = aws.String(opts.Address)
		}
	})
	p.clients[opts] = c
	return c, nil
}

type claudeMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type claudeRequest struct {
	AnthropicVersion string          `json:"anthropic_version"`
	MaxTokens        int             `json:"max_tokens"`
	System           string          `json:"system,omitempty"`
	Messages         []claudeMessage `json:"messages"`
	Temperature      *float64        `json:"temperature,omitempty"`
}

type claudeResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
	Usage      struct {
		InputTokens  int64 `json:"input_tokens"`
		OutputTokens int64 `json:"output_tokens"`
	} `json:"usage"`
}

func (p *Provider) Complete(ctx context.Context, req provider.ChatRequest, opts provider.ConnectionOptions) (*provider.ChatResponse, error) {
	body := claudeRequest{
		AnthropicVersion: anthropicVersion,
		MaxTokens:        req.MaxTokens,
		Temperature:      req.Temperature,
	}
	if body.MaxTokens <= 0 {
		body.MaxTokens = defaultMaxTokens
	}
	var system []string
	for _, m := range req.Messages {
		if m.Role == "system" {
			system = append(system, m.Content)
			continue
		}
		role := m.Role
		if role != "assistant" {
			role = "user"
		}
		body.Messages = append(body.Messages, claudeMessage{Role: role, Content: m.Content})
	}
	body.System = strings.Join(system, "\n")

	var res claudeResponse
	if err := p.invoke(ctx, opts, req.Model, body, &res); err != nil {
		return nil, err
	}
	var text strings.Builder
	for _, c := range res.Content {
		if c.Type == "" || c.Type == "text" {
			text.WriteString(c.Text)
		}
	}
	model := res.Model
	if model == "" {
		model = req.Model
	}
	return &provider.ChatResponse{
		ID:           res.ID,
		Model:        model,
		Content:      text.String(),
		FinishReason: res.StopReason,
		Usage: provider.Usage{
			PromptTokens:     res.Usage.InputTokens,
			CompletionTokens: res.Usage.OutputTokens,
			TotalTokens:      res.Usage.InputTokens + res.Usage.OutputTokens,
		},
	}, nil
}

type titanRequest struct {
	InputText string `json:"inputText"`
}

type titanResponse struct {
	Embedding           []float64 `json:"embedding"`
	InputTextTokenCount int64     `json:"inputTextTokenCount"`
}

// Embed calls a Titan embedding model once per input.
func (p *Provider) Embed(ctx context.Context, req provider.EmbeddingRequest, opts provider.ConnectionOptions) (*provider.EmbeddingResponse, error) {
	if !strings.HasPrefix(req.Model, "amazon.titan-embed") {
		return nil, provider.ErrEmbeddingsUnsupported
	}
	out := &provider.EmbeddingResponse{Model: req.Model, Embeddings: make([][]float64, 0, len(req.Input))}
	for _, in := range req.Input {
		var res titanResponse
		if err := p.invoke(ctx, opts, req.Model, titanRequest{InputText: in}, &res); err != nil {
			return nil, err
		}
		out.Embeddings = append(out.Embeddings, res.Embedding)
		out.Usage.PromptTokens += res.InputTextTokenCount
	}
	out.Usage.TotalTokens = out.Usage.PromptTokens
	return out, nil
}

func (p *Provider) invoke(ctx context.Context, opts provider.ConnectionOptions, model string, in, out any) error {
	c, err := p.client(ctx, opts)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	output, err := c.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(model),
		Body:        payload,
		ContentType: aws.String("application/json"),
		Accept:      aws.String("application/json"),
	})
	if err != nil {
		return classify(err)
	}
	if err := json.Unmarshal(output.Body, out); err != nil {
		return provider.Classify(Name, fmt.Errorf("unmarshal response: %w", err))
	}
	return nil
}

func classify(err error) error {
	var re *awshttp.ResponseError
	if errors.As(err, &re) {
		code := re.HTTPStatusCode()
		if code >= 400 && code < 500 && code != http.StatusTooManyRequests {
			return &provider.RemoteError{Provider: Name, StatusCode: code, Message: re.Err.Error()}
		}
	}
	return provider.Classify(Name, err)
}

// Package dispatch runs one relay call end to end: authenticate the access
// key, pick a channel, invoke its provider, price the usage and settle it
// with the ledger exactly once.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/thorgate/relay/internal/events"
	"github.com/thorgate/relay/internal/ledger"
	"github.com/thorgate/relay/internal/metrics"
	"github.com/thorgate/relay/internal/models"
	"github.com/thorgate/relay/internal/provider"
)

var errEmptyResponse = fmt.Errorf("%w: empty response", models.ErrProviderUnavailable)

type Authenticator interface {
	Authenticate(ctx context.Context, keyString string) (*models.Account, *models.AccessKey, error)
}

type ChannelSource interface {
	GetChannel(ctx context.Context, id uuid.UUID) (*models.Channel, error)
	ListEnabledChannels(ctx context.Context, model string) ([]*models.Channel, error)
	SetChannelEnabled(ctx context.Context, id uuid.UUID, enabled bool) error
}

type Resolver interface {
	Resolve(name string) (provider.Provider, error)
}

type Settler interface {
	Settle(ctx context.Context, p ledger.SettleParams) (bool, error)
}

type Pricer interface {
	Cost(model string, usage provider.Usage) int64
}

// SettlementStatus reports what the ledger did with a successful call.
type SettlementStatus string

const (
	SettlementApplied SettlementStatus = "applied"
	SettlementRefused SettlementStatus = "refused"
	SettlementFailed  SettlementStatus = "failed"
)

// Billing describes the metering of one successful call. SettlementErr is
// set when Settlement is not applied; a refusal wraps
// models.ErrInsufficientCredit.
type Billing struct {
	AccountID     uuid.UUID
	ChannelID     uuid.UUID
	CreditCost    int64
	TokenCount    int64
	Settlement    SettlementStatus
	SettlementErr error
}

type Result struct {
	Response *provider.ChatResponse
	Billing
}

type EmbeddingResult struct {
	Response *provider.EmbeddingResponse
	Billing
}

type Deps struct {
	Auth      Authenticator
	Channels  ChannelSource
	Providers Resolver
	Ledger    Settler
	Pricing   Pricer
	Events    events.Recorder
	Metrics   *metrics.Metrics
	Logger    *slog.Logger
}

type Config struct {
	// Timeout bounds each provider call. Zero means no limit beyond the
	// caller's context.
	Timeout time.Duration
	Breaker BreakerSettings
}

type Dispatcher struct {
	auth      Authenticator
	channels  ChannelSource
	providers Resolver
	ledger    Settler
	pricing   Pricer
	events    events.Recorder
	metrics   *metrics.Metrics
	log       *slog.Logger
	breakers  *Breakers
	timeout   time.Duration
}

func New(deps Deps, cfg Config) *Dispatcher {
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}
	rec := deps.Events
	if rec == nil {
		rec = events.NewLogRecorder(log)
	}
	d := &Dispatcher{
		auth:      deps.Auth,
		channels:  deps.Channels,
		providers: deps.Providers,
		ledger:    deps.Ledger,
		pricing:   deps.Pricing,
		events:    rec,
		metrics:   deps.Metrics,
		log:       log,
		timeout:   cfg.Timeout,
	}
	d.breakers = NewBreakers(cfg.Breaker, log, deps.Metrics, d.tripped)
	return d
}

// Dispatch relays a chat completion. A nil channelID selects a channel
// automatically. Errors before or during the provider call leave every
// balance untouched. Once the provider succeeds the response is returned
// even if settlement is refused or fails; see Result.Settlement.
func (d *Dispatcher) Dispatch(ctx context.Context, keyString string, channelID uuid.UUID, req provider.ChatRequest) (*Result, error) {
	acc, key, err := d.authenticate(ctx, keyString)
	if err != nil {
		return nil, err
	}
	if req.Model == "" || len(req.Messages) == 0 {
		return nil, fmt.Errorf("%w: model and messages are required", models.ErrValidation)
	}
	ch, p, err := d.route(ctx, channelID, req.Model)
	if err != nil {
		return nil, err
	}

	resp, err := invoke(ctx, d, ch, func(ctx context.Context, opts provider.ConnectionOptions) (*provider.ChatResponse, error) {
		r, err := p.Complete(ctx, req, opts)
		if err == nil && r == nil {
			err = errEmptyResponse
		}
		return r, err
	})
	if err != nil {
		return nil, err
	}
	return &Result{Response: resp, Billing: d.settle(ctx, acc, key, ch, req.Model, resp.Usage)}, nil
}

// Embed relays an embedding request with the same routing and metering as
// Dispatch.
func (d *Dispatcher) Embed(ctx context.Context, keyString string, channelID uuid.UUID, req provider.EmbeddingRequest) (*EmbeddingResult, error) {
	acc, key, err := d.authenticate(ctx, keyString)
	if err != nil {
		return nil, err
	}
	if req.Model == "" || len(req.Input) == 0 {
		return nil, fmt.Errorf("%w: model and input are required", models.ErrValidation)
	}
	ch, p, err := d.route(ctx, channelID, req.Model)
	if err != nil {
		return nil, err
	}

	resp, err := invoke(ctx, d, ch, func(ctx context.Context, opts provider.ConnectionOptions) (*provider.EmbeddingResponse, error) {
		r, err := p.Embed(ctx, req, opts)
		if err == nil && r == nil {
			err = errEmptyResponse
		}
		return r, err
	})
	if err != nil {
		return nil, err
	}
	return &EmbeddingResult{Response: resp, Billing: d.settle(ctx, acc, key, ch, req.Model, resp.Usage)}, nil
}

func (d *Dispatcher) authenticate(ctx context.Context, keyString string) (*models.Account, *models.AccessKey, error) {
	acc, key, err := d.auth.Authenticate(ctx, keyString)
	if err != nil {
		d.metrics.RecordAuthFailure(authReason(err))
		return nil, nil, err
	}
	return acc, key, nil
}

func authReason(err error) string {
	switch {
	case errors.Is(err, models.ErrInvalidKey):
		return "invalid_key"
	case errors.Is(err, models.ErrKeyExpired):
		return "expired"
	case errors.Is(err, models.ErrAccountDisabled):
		return "account_disabled"
	default:
		return "error"
	}
}

// invoke calls the provider under the dispatch timeout and the channel's
// breaker, normalising failures to the relay's upstream error kinds.
func invoke[T any](ctx context.Context, d *Dispatcher, ch *models.Channel, call func(context.Context, provider.ConnectionOptions) (T, error)) (T, error) {
	var zero T
	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}
	opts := provider.ConnectionOptions{Address: ch.Address, Credential: ch.Credential}

	start := time.Now()
	res, err := d.breakers.Execute(ch.ID, func() (any, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return call(ctx, opts)
	})
	if err != nil {
		err = provider.Classify(ch.Provider, err)
		d.metrics.RecordDispatch(ch.Provider, outcome(err), time.Since(start))
		d.log.WarnContext(ctx, "provider call failed", "channel_id", ch.ID, "provider", ch.Provider, "error", err)
		return zero, err
	}
	d.metrics.RecordDispatch(ch.Provider, "ok", time.Since(start))
	return res.(T), nil
}

func outcome(err error) string {
	var remote *provider.RemoteError
	switch {
	case errors.As(err, &remote):
		return "rejected"
	case errors.Is(err, models.ErrProviderTimeout):
		return "timeout"
	default:
		return "unavailable"
	}
}

// settle prices usage and calls the ledger once. The ledger call is detached
// from the request's cancellation so a caller hanging up after a successful
// provider call does not skip billing.
func (d *Dispatcher) settle(ctx context.Context, acc *models.Account, key *models.AccessKey, ch *models.Channel, model string, usage provider.Usage) Billing {
	b := Billing{
		AccountID:  acc.ID,
		ChannelID:  ch.ID,
		CreditCost: d.pricing.Cost(model, usage),
		TokenCount: usage.Total(),
	}
	params := ledger.SettleParams{
		AccountID:        acc.ID,
		ChannelID:        ch.ID,
		CreditCost:       b.CreditCost,
		TokenCount:       b.TokenCount,
		Model:            model,
		PromptTokens:     usage.PromptTokens,
		CompletionTokens: usage.CompletionTokens,
	}
	if key != nil {
		id := key.ID
		params.KeyID = &id
	}

	ctx = context.WithoutCancel(ctx)
	applied, err := d.ledger.Settle(ctx, params)
	attrs := map[string]any{"channel_id": ch.ID.String(), "model": model, "credit_cost": b.CreditCost, "tokens": b.TokenCount}
	switch {
	case err != nil:
		b.Settlement, b.SettlementErr = SettlementFailed, err
		d.log.ErrorContext(ctx, "settlement failed after successful provider call",
			"account_id", acc.ID, "channel_id", ch.ID, "credit_cost", b.CreditCost, "error", err)
		d.events.Record(ctx, models.Event{Kind: models.EventSettlementFailed, AccountID: &b.AccountID, Message: err.Error(), Attributes: attrs})
	case !applied:
		b.Settlement = SettlementRefused
		b.SettlementErr = fmt.Errorf("%w: account %s cannot cover %d credits", models.ErrInsufficientCredit, acc.ID, b.CreditCost)
		d.log.WarnContext(ctx, "settlement refused after successful provider call",
			"account_id", acc.ID, "channel_id", ch.ID, "credit_cost", b.CreditCost)
		d.events.Record(ctx, models.Event{Kind: models.EventSettlementRefused, AccountID: &b.AccountID, Message: "insufficient credit for completed call", Attributes: attrs})
	default:
		b.Settlement = SettlementApplied
	}
	return b
}

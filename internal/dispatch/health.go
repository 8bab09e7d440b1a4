package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/thorgate/relay/internal/models"
	"github.com/thorgate/relay/internal/provider"
)

const (
	// testModel is used for channels that list no models.
	testModel = "gpt-3.5-turbo"

	tripWriteTimeout = 5 * time.Second
)

// tripped disables an automatically controlled channel whose breaker just
// opened. Manual channels are left to the operator.
func (d *Dispatcher) tripped(id uuid.UUID) {
	ctx, cancel := context.WithTimeout(context.Background(), tripWriteTimeout)
	defer cancel()

	ch, err := d.channels.GetChannel(ctx, id)
	if err != nil {
		d.log.Error("load tripped channel", "channel_id", id, "error", err)
		return
	}
	if !ch.ControlAutomatically || !ch.Enabled {
		return
	}
	if err := d.channels.SetChannelEnabled(ctx, id, false); err != nil {
		d.log.Error("disable tripped channel", "channel_id", id, "error", err)
		return
	}
	d.log.Warn("channel disabled after repeated failures", "channel_id", id, "provider", ch.Provider)
	d.events.Record(ctx, models.Event{
		Kind:       models.EventChannelTripped,
		Message:    "channel disabled after repeated provider failures",
		Attributes: map[string]any{"channel_id": id.String(), "provider": ch.Provider},
	})
}

// TestChannel sends a one-token chat completion through ch under the dispatch
// timeout and returns the round-trip latency. It skips the breaker, so a
// tripped channel can be checked, and never settles. Provider failures are
// classified like relay failures.
func (d *Dispatcher) TestChannel(ctx context.Context, ch *models.Channel) (time.Duration, error) {
	p, err := d.providers.Resolve(ch.Provider)
	if err != nil {
		return 0, err
	}
	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}
	model := testModel
	if len(ch.Models) > 0 {
		model = ch.Models[0]
	}
	req := provider.ChatRequest{
		Model:     model,
		Messages:  []provider.Message{{Role: "user", Content: "ping"}},
		MaxTokens: 1,
	}

	start := time.Now()
	resp, err := p.Complete(ctx, req, provider.ConnectionOptions{Address: ch.Address, Credential: ch.Credential})
	latency := time.Since(start)
	if err == nil && resp == nil {
		err = errEmptyResponse
	}
	if err != nil {
		err = provider.Classify(ch.Provider, err)
		d.metrics.RecordDispatch(ch.Provider, outcome(err), latency)
		return latency, fmt.Errorf("test channel %s: %w", ch.ID, err)
	}
	d.metrics.RecordDispatch(ch.Provider, "ok", latency)
	return latency, nil
}

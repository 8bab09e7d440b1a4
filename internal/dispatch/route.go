package dispatch

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/thorgate/relay/internal/models"
	"github.com/thorgate/relay/internal/provider"
)

// route resolves the channel and its bound provider.
func (d *Dispatcher) route(ctx context.Context, channelID uuid.UUID, model string) (*models.Channel, provider.Provider, error) {
	if channelID == uuid.Nil {
		return d.selectChannel(ctx, model)
	}
	ch, err := d.channels.GetChannel(ctx, channelID)
	if errors.Is(err, models.ErrNotFound) {
		return nil, nil, fmt.Errorf("%w: %s", models.ErrUnknownChannel, channelID)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("load channel %s: %w", channelID, err)
	}
	if !ch.Enabled {
		return nil, nil, fmt.Errorf("%w: %s", models.ErrChannelDisabled, channelID)
	}
	p, err := d.providers.Resolve(ch.Provider)
	if err != nil {
		return nil, nil, err
	}
	return ch, p, nil
}

// selectChannel picks the first enabled channel serving model, in ascending
// order, whose provider is registered. Channels with an open breaker are
// passed over while another candidate remains.
func (d *Dispatcher) selectChannel(ctx context.Context, model string) (*models.Channel, provider.Provider, error) {
	candidates, err := d.channels.ListEnabledChannels(ctx, model)
	if err != nil {
		return nil, nil, fmt.Errorf("list channels: %w", err)
	}
	var fallback *models.Channel
	var fallbackProvider provider.Provider
	for _, ch := range candidates {
		p, err := d.providers.Resolve(ch.Provider)
		if err != nil {
			d.log.WarnContext(ctx, "channel bound to unregistered provider", "channel_id", ch.ID, "provider", ch.Provider)
			continue
		}
		if !d.breakers.Open(ch.ID) {
			return ch, p, nil
		}
		if fallback == nil {
			fallback, fallbackProvider = ch, p
		}
	}
	if fallback != nil {
		return fallback, fallbackProvider, nil
	}
	return nil, nil, fmt.Errorf("%w: no enabled channel serves model %q", models.ErrUnknownChannel, model)
}

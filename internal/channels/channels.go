// Package channels is the administrative surface for provider channels.
package channels

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/thorgate/relay/internal/events"
	"github.com/thorgate/relay/internal/models"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

type Store interface {
	CreateChannel(ctx context.Context, c *models.Channel) error
	GetChannel(ctx context.Context, id uuid.UUID) (*models.Channel, error)
	ListChannels(ctx context.Context, page models.Page) (int64, []*models.Channel, error)
	UpdateChannel(ctx context.Context, c *models.Channel) error
	DeleteChannel(ctx context.Context, id uuid.UUID) error
	ToggleChannelEnabled(ctx context.Context, id uuid.UUID) (bool, error)
	ToggleChannelAutomatic(ctx context.Context, id uuid.UUID) (bool, error)
	SetChannelOrder(ctx context.Context, id uuid.UUID, order int) error
	SetChannelEnabled(ctx context.Context, id uuid.UUID, enabled bool) error
}

// ProviderSet reports which provider names are registered.
type ProviderSet interface {
	Has(name string) bool
}

// Tester sends a live request through a channel without billing anyone.
type Tester interface {
	TestChannel(ctx context.Context, ch *models.Channel) (time.Duration, error)
}

type Service struct {
	store     Store
	providers ProviderSet
	tester    Tester
	events    events.Recorder
	log       *slog.Logger
}

func New(store Store, providers ProviderSet, tester Tester, rec events.Recorder, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	if rec == nil {
		rec = events.NewLogRecorder(log)
	}
	return &Service{store: store, providers: providers, tester: tester, events: rec, log: log}
}

// Input is the writable part of a channel. Quota is owned by the ledger and
// is never accepted from callers.
type Input struct {
	Name                 string   `json:"name"`
	Provider             string   `json:"provider"`
	Address              string   `json:"address"`
	Credential           string   `json:"credential"`
	Models               []string `json:"models"`
	Order                int      `json:"order"`
	Enabled              bool     `json:"enabled"`
	ControlAutomatically bool     `json:"control_automatically"`
}

func (s *Service) validate(in *Input) error {
	in.Name = strings.TrimSpace(in.Name)
	in.Provider = strings.ToLower(strings.TrimSpace(in.Provider))
	if in.Name == "" {
		return fmt.Errorf("%w: channel name is required", models.ErrValidation)
	}
	if !s.providers.Has(in.Provider) {
		return fmt.Errorf("%w: %q", models.ErrUnknownProvider, in.Provider)
	}
	kept := make([]string, 0, len(in.Models))
	for _, m := range in.Models {
		if m = strings.TrimSpace(m); m != "" {
			kept = append(kept, m)
		}
	}
	in.Models = kept
	return nil
}

func (s *Service) Create(ctx context.Context, in Input) (*models.Channel, error) {
	if err := s.validate(&in); err != nil {
		return nil, err
	}
	c := &models.Channel{
		ID:                   uuid.New(),
		Name:                 in.Name,
		Provider:             in.Provider,
		Address:              in.Address,
		Credential:           in.Credential,
		Models:               in.Models,
		Order:                in.Order,
		Enabled:              in.Enabled,
		ControlAutomatically: in.ControlAutomatically,
	}
	if err := s.store.CreateChannel(ctx, c); err != nil {
		return nil, fmt.Errorf("create channel: %w", err)
	}
	s.changed(ctx, c.ID, "created")
	return c, nil
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*models.Channel, error) {
	return s.store.GetChannel(ctx, id)
}

func (s *Service) List(ctx context.Context, page, pageSize int) (int64, []*models.Channel, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = defaultPageSize
	}
	pageSize = min(pageSize, maxPageSize)
	return s.store.ListChannels(ctx, models.Page{Offset: (page - 1) * pageSize, Limit: pageSize})
}

// Update replaces the writable fields of channel id. An empty credential
// keeps the stored one.
func (s *Service) Update(ctx context.Context, id uuid.UUID, in Input) (*models.Channel, error) {
	if err := s.validate(&in); err != nil {
		return nil, err
	}
	cur, err := s.store.GetChannel(ctx, id)
	if err != nil {
		return nil, err
	}
	cur.Name = in.Name
	cur.Provider = in.Provider
	cur.Address = in.Address
	if in.Credential != "" {
		cur.Credential = in.Credential
	}
	cur.Models = in.Models
	cur.Order = in.Order
	cur.Enabled = in.Enabled
	cur.ControlAutomatically = in.ControlAutomatically
	if err := s.store.UpdateChannel(ctx, cur); err != nil {
		return nil, fmt.Errorf("update channel: %w", err)
	}
	s.changed(ctx, id, "updated")
	return s.store.GetChannel(ctx, id)
}

func (s *Service) Remove(ctx context.Context, id uuid.UUID) error {
	if err := s.store.DeleteChannel(ctx, id); err != nil {
		return err
	}
	s.changed(ctx, id, "removed")
	return nil
}

// ToggleEnabled flips whether the channel accepts traffic and returns the new
// state.
func (s *Service) ToggleEnabled(ctx context.Context, id uuid.UUID) (bool, error) {
	enabled, err := s.store.ToggleChannelEnabled(ctx, id)
	if err != nil {
		return false, err
	}
	s.changed(ctx, id, fmt.Sprintf("enabled=%t", enabled))
	return enabled, nil
}

func (s *Service) ToggleAutomatic(ctx context.Context, id uuid.UUID) (bool, error) {
	on, err := s.store.ToggleChannelAutomatic(ctx, id)
	if err != nil {
		return false, err
	}
	s.changed(ctx, id, fmt.Sprintf("control_automatically=%t", on))
	return on, nil
}

func (s *Service) SetOrder(ctx context.Context, id uuid.UUID, order int) error {
	if err := s.store.SetChannelOrder(ctx, id, order); err != nil {
		return err
	}
	s.changed(ctx, id, fmt.Sprintf("order=%d", order))
	return nil
}

// TestResult reports one live check of a channel.
type TestResult struct {
	ChannelID uuid.UUID `json:"channel_id"`
	OK        bool      `json:"ok"`
	LatencyMS int64     `json:"latency_ms"`
	Error     string    `json:"error,omitempty"`
	Enabled   bool      `json:"enabled"`
}

// Test sends a minimal completion through channel id. A provider failure is
// reported in the result, not as an error. An automatically controlled
// channel that was disabled is re-enabled when the check passes.
func (s *Service) Test(ctx context.Context, id uuid.UUID) (*TestResult, error) {
	ch, err := s.store.GetChannel(ctx, id)
	if err != nil {
		return nil, err
	}
	if !s.providers.Has(ch.Provider) {
		return nil, fmt.Errorf("%w: %q", models.ErrUnknownProvider, ch.Provider)
	}

	latency, err := s.tester.TestChannel(ctx, ch)
	res := &TestResult{ChannelID: id, OK: err == nil, LatencyMS: latency.Milliseconds(), Enabled: ch.Enabled}
	if err != nil {
		res.Error = err.Error()
		s.log.Warn("channel test failed", "channel_id", id, "latency_ms", res.LatencyMS, "error", err)
		return res, nil
	}
	if ch.ControlAutomatically && !ch.Enabled {
		if err := s.store.SetChannelEnabled(ctx, id, true); err != nil {
			return nil, fmt.Errorf("re-enable channel: %w", err)
		}
		res.Enabled = true
		s.changed(ctx, id, "enabled=true after passing test")
	}
	return res, nil
}

func (s *Service) changed(ctx context.Context, id uuid.UUID, what string) {
	s.log.Info("channel changed", "channel_id", id, "change", what)
	s.events.Record(ctx, models.Event{
		Kind:       models.EventChannelChanged,
		Message:    "channel " + what,
		Attributes: map[string]any{"channel_id": id.String()},
	})
}

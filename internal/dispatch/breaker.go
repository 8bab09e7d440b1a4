package dispatch

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker/v2"

	"github.com/thorgate/relay/internal/metrics"
	"github.com/thorgate/relay/internal/models"
	"github.com/thorgate/relay/internal/provider"
)

// BreakerSettings configures the per-channel circuit breakers.
type BreakerSettings struct {
	MaxRequests  uint32        // requests allowed through while half-open
	Interval     time.Duration // closed-state window after which counts reset
	Timeout      time.Duration // open-state duration before probing again
	MinRequests  uint32        // requests in the window before the ratio is considered
	FailureRatio float64
}

var DefaultBreakerSettings = BreakerSettings{
	MaxRequests:  5,
	Interval:     time.Minute,
	Timeout:      30 * time.Second,
	MinRequests:  5,
	FailureRatio: 0.5,
}

// Breakers holds one circuit breaker per channel, created on first use.
type Breakers struct {
	mu       sync.RWMutex
	breakers map[uuid.UUID]*gobreaker.CircuitBreaker[any]
	settings BreakerSettings
	log      *slog.Logger
	metrics  *metrics.Metrics
	onTrip   func(id uuid.UUID)
}

// NewBreakers builds the breaker set. onTrip, if non-nil, runs each time a
// channel's breaker opens. It runs under that breaker's lock and must not
// consult the same breaker.
func NewBreakers(settings BreakerSettings, log *slog.Logger, m *metrics.Metrics, onTrip func(id uuid.UUID)) *Breakers {
	if settings.MinRequests == 0 {
		settings.MinRequests = DefaultBreakerSettings.MinRequests
	}
	if settings.FailureRatio <= 0 {
		settings.FailureRatio = DefaultBreakerSettings.FailureRatio
	}
	if log == nil {
		log = slog.Default()
	}
	return &Breakers{
		breakers: make(map[uuid.UUID]*gobreaker.CircuitBreaker[any]),
		settings: settings,
		log:      log,
		metrics:  m,
		onTrip:   onTrip,
	}
}

func (b *Breakers) get(id uuid.UUID) *gobreaker.CircuitBreaker[any] {
	b.mu.RLock()
	cb, ok := b.breakers[id]
	b.mu.RUnlock()
	if ok {
		return cb
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if cb, ok = b.breakers[id]; ok {
		return cb
	}

	s := b.settings
	cb = gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        id.String(),
		MaxRequests: s.MaxRequests,
		Interval:    s.Interval,
		Timeout:     s.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < s.MinRequests {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= s.FailureRatio
		},
		// A request the provider rejected on its merits says nothing about
		// the channel's health.
		IsSuccessful: func(err error) bool {
			var remote *provider.RemoteError
			return err == nil || errors.As(err, &remote) || errors.Is(err, provider.ErrEmbeddingsUnsupported)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			b.log.Warn("circuit breaker state change", "channel_id", name, "from", from.String(), "to", to.String())
			b.metrics.SetBreakerState(name, stateToInt(to))
			if to == gobreaker.StateOpen {
				b.metrics.RecordBreakerTrip(name)
				if b.onTrip != nil {
					b.onTrip(id)
				}
			}
		},
	})
	b.breakers[id] = cb
	return cb
}

// Open reports whether the channel's breaker is currently rejecting calls.
func (b *Breakers) Open(id uuid.UUID) bool {
	b.mu.RLock()
	cb, ok := b.breakers[id]
	b.mu.RUnlock()
	return ok && cb.State() == gobreaker.StateOpen
}

// Execute runs fn through the channel's breaker. A rejected call is reported
// as models.ErrProviderUnavailable.
func (b *Breakers) Execute(id uuid.UUID, fn func() (any, error)) (any, error) {
	res, err := b.get(id).Execute(fn)
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, fmt.Errorf("channel %s: %w: %w", id, models.ErrProviderUnavailable, err)
	}
	return res, err
}

func stateToInt(s gobreaker.State) int {
	switch s {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return 0
	}
}

package models

import (
	"slices"
	"time"

	"github.com/google/uuid"
)

// Channel binds a provider implementation to connection parameters. Quota is
// the cumulative usage routed through the channel and is written only by the
// ledger.
type Channel struct {
	ID                   uuid.UUID `json:"id"`
	Name                 string    `json:"name"`
	Provider             string    `json:"provider"`
	Address              string    `json:"address"`
	Credential           string    `json:"-"`
	Models               []string  `json:"models"`
	Order                int       `json:"order"`
	Enabled              bool      `json:"enabled"`
	ControlAutomatically bool      `json:"control_automatically"`
	Quota                int64     `json:"quota"`
	CreatedAt            time.Time `json:"created_at"`
}

// Serves reports whether the channel is configured for model. A channel with
// no model list serves every model.
func (c *Channel) Serves(model string) bool {
	return len(c.Models) == 0 || slices.Contains(c.Models, model)
}

package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/thorgate/relay/internal/channels"
	"github.com/thorgate/relay/internal/models"
)

type ChannelService interface {
	Create(ctx context.Context, in channels.Input) (*models.Channel, error)
	Get(ctx context.Context, id uuid.UUID) (*models.Channel, error)
	List(ctx context.Context, page, pageSize int) (int64, []*models.Channel, error)
	Update(ctx context.Context, id uuid.UUID, in channels.Input) (*models.Channel, error)
	Remove(ctx context.Context, id uuid.UUID) error
	ToggleEnabled(ctx context.Context, id uuid.UUID) (bool, error)
	ToggleAutomatic(ctx context.Context, id uuid.UUID) (bool, error)
	SetOrder(ctx context.Context, id uuid.UUID, order int) error
	Test(ctx context.Context, id uuid.UUID) (*channels.TestResult, error)
}

// ProviderLister reports the registered provider names.
type ProviderLister interface {
	Names() []string
}

// ChannelHandler serves /api/v1/channels and /api/v1/providers. Admin only.
type ChannelHandler struct {
	Channels  ChannelService
	Providers ProviderLister
	Logger    *slog.Logger
}

func (h *ChannelHandler) List(w http.ResponseWriter, r *http.Request) {
	total, items, err := h.Channels.List(r.Context(), queryInt(r, "page", 1), queryInt(r, "page_size", 20))
	if err != nil {
		writeError(w, logger(h.Logger), err)
		return
	}
	writeJSON(w, http.StatusOK, listResponse[*models.Channel]{Total: total, Items: items})
}

func (h *ChannelHandler) Create(w http.ResponseWriter, r *http.Request) {
	var in channels.Input
	if !decodeJSON(w, r, &in) {
		return
	}
	c, err := h.Channels.Create(r.Context(), in)
	if err != nil {
		writeError(w, logger(h.Logger), err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

func (h *ChannelHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	c, err := h.Channels.Get(r.Context(), id)
	if err != nil {
		writeError(w, logger(h.Logger), err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (h *ChannelHandler) Update(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var in channels.Input
	if !decodeJSON(w, r, &in) {
		return
	}
	c, err := h.Channels.Update(r.Context(), id, in)
	if err != nil {
		writeError(w, logger(h.Logger), err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (h *ChannelHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	if err := h.Channels.Remove(r.Context(), id); err != nil {
		writeError(w, logger(h.Logger), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *ChannelHandler) ToggleEnabled(w http.ResponseWriter, r *http.Request) {
	h.toggle(w, r, "enabled", h.Channels.ToggleEnabled)
}

func (h *ChannelHandler) ToggleAutomatic(w http.ResponseWriter, r *http.Request) {
	h.toggle(w, r, "control_automatically", h.Channels.ToggleAutomatic)
}

func (h *ChannelHandler) toggle(w http.ResponseWriter, r *http.Request, field string, fn func(context.Context, uuid.UUID) (bool, error)) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	v, err := fn(r.Context(), id)
	if err != nil {
		writeError(w, logger(h.Logger), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{field: v})
}

type orderRequest struct {
	Order int `json:"order"`
}

func (h *ChannelHandler) SetOrder(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var req orderRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := h.Channels.SetOrder(r.Context(), id, req.Order); err != nil {
		writeError(w, logger(h.Logger), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Test handles POST /api/v1/channels/{id}/test. A failed provider call is
// still a 200; the outcome is in the body.
func (h *ChannelHandler) Test(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	res, err := h.Channels.Test(r.Context(), id)
	if err != nil {
		writeError(w, logger(h.Logger), err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// ListProviders handles GET /api/v1/providers.
func (h *ChannelHandler) ListProviders(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]string{"providers": h.Providers.Names()})
}

package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/thorgate/relay/internal/directory"
	"github.com/thorgate/relay/internal/middleware"
	"github.com/thorgate/relay/internal/models"
)

// AccountService is the subset of the account directory used over HTTP.
type AccountService interface {
	Create(ctx context.Context, in directory.CreateInput) (*directory.Created, error)
	Get(ctx context.Context, id uuid.UUID) (*models.Account, error)
	List(ctx context.Context, page, pageSize int, keyword string) (int64, []*models.Account, error)
	Remove(ctx context.Context, callerID, targetID uuid.UUID) error
	UpdateProfile(ctx context.Context, callerID uuid.UUID, in directory.ProfileInput) (*models.Account, error)
	UpdatePassword(ctx context.Context, callerID uuid.UUID, oldPassword, newPassword string) error
	AdjustCredit(ctx context.Context, id uuid.UUID, delta int64) (int64, error)
	ToggleDisabled(ctx context.Context, id uuid.UUID) (bool, error)
	IssueKey(ctx context.Context, accountID uuid.UUID, in directory.KeyInput) (*directory.IssuedKey, error)
	ListKeys(ctx context.Context, accountID uuid.UUID) ([]*models.AccessKey, error)
	RevokeKey(ctx context.Context, accountID, keyID uuid.UUID) error
}

// AccountHandler serves /api/v1/accounts (admin) and /api/v1/account (self).
// Every route sits behind SessionAuth.
type AccountHandler struct {
	Accounts AccountService
	Logger   *slog.Logger
}

func (h *AccountHandler) caller(w http.ResponseWriter, r *http.Request) (*models.Account, bool) {
	acc := middleware.AccountFromCtx(r.Context())
	if acc == nil {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return nil, false
	}
	return acc, true
}

// --- admin ---

func (h *AccountHandler) List(w http.ResponseWriter, r *http.Request) {
	total, items, err := h.Accounts.List(r.Context(), queryInt(r, "page", 1), queryInt(r, "page_size", 20), r.URL.Query().Get("keyword"))
	if err != nil {
		writeError(w, logger(h.Logger), err)
		return
	}
	writeJSON(w, http.StatusOK, listResponse[*models.Account]{Total: total, Items: items})
}

func (h *AccountHandler) Create(w http.ResponseWriter, r *http.Request) {
	var in directory.CreateInput
	if !decodeJSON(w, r, &in) {
		return
	}
	created, err := h.Accounts.Create(r.Context(), in)
	if err != nil {
		writeError(w, logger(h.Logger), err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (h *AccountHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	acc, err := h.Accounts.Get(r.Context(), id)
	if err != nil {
		writeError(w, logger(h.Logger), err)
		return
	}
	writeJSON(w, http.StatusOK, acc)
}

func (h *AccountHandler) Delete(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	if err := h.Accounts.Remove(r.Context(), caller.ID, id); err != nil {
		writeError(w, logger(h.Logger), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type creditRequest struct {
	Delta int64 `json:"delta"`
}

func (h *AccountHandler) AdjustCredit(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var req creditRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	balance, err := h.Accounts.AdjustCredit(r.Context(), id, req.Delta)
	if err != nil {
		writeError(w, logger(h.Logger), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"residual_credit": balance})
}

func (h *AccountHandler) ToggleDisabled(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	disabled, err := h.Accounts.ToggleDisabled(r.Context(), id)
	if err != nil {
		writeError(w, logger(h.Logger), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"is_disabled": disabled})
}

// --- self ---

func (h *AccountHandler) Me(w http.ResponseWriter, r *http.Request) {
	if acc, ok := h.caller(w, r); ok {
		writeJSON(w, http.StatusOK, acc)
	}
}

func (h *AccountHandler) UpdateMe(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}
	var in directory.ProfileInput
	if !decodeJSON(w, r, &in) {
		return
	}
	acc, err := h.Accounts.UpdateProfile(r.Context(), caller.ID, in)
	if err != nil {
		writeError(w, logger(h.Logger), err)
		return
	}
	writeJSON(w, http.StatusOK, acc)
}

type passwordRequest struct {
	OldPassword string `json:"old_password"`
	NewPassword string `json:"new_password"`
}

func (h *AccountHandler) UpdatePassword(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}
	var req passwordRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := h.Accounts.UpdatePassword(r.Context(), caller.ID, req.OldPassword, req.NewPassword); err != nil {
		writeError(w, logger(h.Logger), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *AccountHandler) ListKeys(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}
	keys, err := h.Accounts.ListKeys(r.Context(), caller.ID)
	if err != nil {
		writeError(w, logger(h.Logger), err)
		return
	}
	writeJSON(w, http.StatusOK, listResponse[*models.AccessKey]{Total: int64(len(keys)), Items: keys})
}

func (h *AccountHandler) IssueKey(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}
	var in directory.KeyInput
	if !decodeJSON(w, r, &in) {
		return
	}
	issued, err := h.Accounts.IssueKey(r.Context(), caller.ID, in)
	if err != nil {
		writeError(w, logger(h.Logger), err)
		return
	}
	writeJSON(w, http.StatusCreated, issued)
}

func (h *AccountHandler) RevokeKey(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}
	keyID, ok := pathID(w, r, "keyID")
	if !ok {
		return
	}
	if err := h.Accounts.RevokeKey(r.Context(), caller.ID, keyID); err != nil {
		writeError(w, logger(h.Logger), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/thorgate/relay/internal/models"
	"github.com/thorgate/relay/internal/provider"
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorBody struct {
	Error string `json:"error"`
}

// statusFor maps a service error onto an HTTP status. Zero means the error
// is not one callers should see.
func statusFor(err error) int {
	var remote *provider.RemoteError
	switch {
	case errors.As(err, &remote):
		if remote.StatusCode >= 400 && remote.StatusCode < 500 {
			return remote.StatusCode
		}
		return http.StatusBadGateway
	case errors.Is(err, models.ErrValidation),
		errors.Is(err, models.ErrAuthentication),
		errors.Is(err, models.ErrUnknownProvider):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrUnauthorized),
		errors.Is(err, models.ErrInvalidKey),
		errors.Is(err, models.ErrKeyExpired):
		return http.StatusUnauthorized
	case errors.Is(err, models.ErrInsufficientCredit):
		return http.StatusPaymentRequired
	case errors.Is(err, models.ErrForbidden),
		errors.Is(err, models.ErrSelfDeletion),
		errors.Is(err, models.ErrAccountDisabled),
		errors.Is(err, models.ErrChannelDisabled):
		return http.StatusForbidden
	case errors.Is(err, models.ErrNotFound),
		errors.Is(err, models.ErrUnknownChannel):
		return http.StatusNotFound
	case errors.Is(err, models.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, models.ErrProviderUnavailable),
		errors.Is(err, provider.ErrEmbeddingsUnsupported):
		return http.StatusBadGateway
	case errors.Is(err, models.ErrProviderTimeout):
		return http.StatusGatewayTimeout
	}
	return 0
}

// writeError reports err to the client. Unclassified errors are logged and
// answered with a generic 500.
func writeError(w http.ResponseWriter, log *slog.Logger, err error) {
	status := statusFor(err)
	if status == 0 {
		log.Error("request failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal error"})
		return
	}
	if status >= 500 {
		log.Warn("upstream failure", "status", status, "error", err)
	}
	writeJSON(w, status, errorBody{Error: err.Error()})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return false
	}
	return true
}

func pathID(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		http.Error(w, `{"error":"invalid id"}`, http.StatusBadRequest)
		return uuid.Nil, false
	}
	return id, true
}

// queryInt returns the integer query parameter name, or def when it is
// absent or malformed.
func queryInt(r *http.Request, name string, def int) int {
	n, err := strconv.Atoi(r.URL.Query().Get(name))
	if err != nil {
		return def
	}
	return n
}

type listResponse[T any] struct {
	Total int64 `json:"total"`
	Items []T   `json:"items"`
}

func logger(l *slog.Logger) *slog.Logger {
	if l == nil {
		return slog.Default()
	}
	return l
}

package handlers

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/thorgate/relay/internal/dispatch"
	"github.com/thorgate/relay/internal/middleware"
	"github.com/thorgate/relay/internal/provider"
)

// Relay response headers.
const (
	HeaderChannelID  = "X-Channel-Id"
	HeaderSettlement = "X-Relay-Settlement"
	HeaderCreditCost = "X-Relay-Credit-Cost"
)

// RelayDispatcher runs relay calls.
type RelayDispatcher interface {
	Dispatch(ctx context.Context, keyString string, channelID uuid.UUID, req provider.ChatRequest) (*dispatch.Result, error)
	Embed(ctx context.Context, keyString string, channelID uuid.UUID, req provider.EmbeddingRequest) (*dispatch.EmbeddingResult, error)
}

// RelayHandler serves the OpenAI-compatible /v1 endpoints. Bodies are
// schema-checked by middleware before they reach it.
type RelayHandler struct {
	Dispatcher RelayDispatcher
	Logger     *slog.Logger
}

// --- POST /v1/chat/completions ---

type chatChoice struct {
	Index        int              `json:"index"`
	Message      provider.Message `json:"message"`
	FinishReason string           `json:"finish_reason"`
}

type chatCompletion struct {
	ID      string         `json:"id"`
	Object  string         `json:"object"`
	Created int64          `json:"created"`
	Model   string         `json:"model"`
	Choices []chatChoice   `json:"choices"`
	Usage   provider.Usage `json:"usage"`
}

func (h *RelayHandler) ChatCompletions(w http.ResponseWriter, r *http.Request) {
	key, channelID, ok := h.caller(w, r)
	if !ok {
		return
	}
	var req provider.ChatRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	res, err := h.Dispatcher.Dispatch(r.Context(), key, channelID, req)
	if err != nil {
		writeError(w, logger(h.Logger), err)
		return
	}

	finish := res.Response.FinishReason
	if finish == "" {
		finish = "stop"
	}
	model := res.Response.Model
	if model == "" {
		model = req.Model
	}
	id := res.Response.ID
	if id == "" {
		id = "chatcmpl-" + uuid.NewString()
	}
	writeBilling(w, res.Billing)
	writeJSON(w, http.StatusOK, chatCompletion{
		ID:      id,
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []chatChoice{{
			Message:      provider.Message{Role: "assistant", Content: res.Response.Content},
			FinishReason: finish,
		}},
		Usage: res.Response.Usage,
	})
}

// --- POST /v1/embeddings ---

type embeddingRequest struct {
	Model string          `json:"model"`
	Input json.RawMessage `json:"input"`
}

type embeddingItem struct {
	Object    string    `json:"object"`
	Index     int       `json:"index"`
	Embedding []float64 `json:"embedding"`
}

type embeddingList struct {
	Object string          `json:"object"`
	Data   []embeddingItem `json:"data"`
	Model  string          `json:"model"`
	Usage  provider.Usage  `json:"usage"`
}

func (h *RelayHandler) Embeddings(w http.ResponseWriter, r *http.Request) {
	key, channelID, ok := h.caller(w, r)
	if !ok {
		return
	}
	var body embeddingRequest
	if !decodeJSON(w, r, &body) {
		return
	}
	// input is a single string or a list of strings.
	var inputs []string
	var single string
	if err := json.Unmarshal(body.Input, &single); err == nil {
		inputs = []string{single}
	} else if err := json.Unmarshal(body.Input, &inputs); err != nil {
		http.Error(w, `{"error":"input must be a string or a list of strings"}`, http.StatusBadRequest)
		return
	}

	res, err := h.Dispatcher.Embed(r.Context(), key, channelID, provider.EmbeddingRequest{Model: body.Model, Input: inputs})
	if err != nil {
		writeError(w, logger(h.Logger), err)
		return
	}

	out := embeddingList{Object: "list", Model: res.Response.Model, Usage: res.Response.Usage}
	if out.Model == "" {
		out.Model = body.Model
	}
	for i, vec := range res.Response.Embeddings {
		out.Data = append(out.Data, embeddingItem{Object: "embedding", Index: i, Embedding: vec})
	}
	writeBilling(w, res.Billing)
	writeJSON(w, http.StatusOK, out)
}

// caller extracts the access key and the optional channel pin.
func (h *RelayHandler) caller(w http.ResponseWriter, r *http.Request) (string, uuid.UUID, bool) {
	key := middleware.ExtractBearer(r)
	if key == "" {
		http.Error(w, `{"error":"missing or malformed Authorization header"}`, http.StatusUnauthorized)
		return "", uuid.Nil, false
	}
	channelID := uuid.Nil
	if raw := r.Header.Get(HeaderChannelID); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			http.Error(w, `{"error":"invalid X-Channel-Id"}`, http.StatusBadRequest)
			return "", uuid.Nil, false
		}
		channelID = id
	}
	return key, channelID, true
}

func writeBilling(w http.ResponseWriter, b dispatch.Billing) {
	w.Header().Set(HeaderChannelID, b.ChannelID.String())
	w.Header().Set(HeaderSettlement, string(b.Settlement))
	w.Header().Set(HeaderCreditCost, strconv.FormatInt(b.CreditCost, 10))
}

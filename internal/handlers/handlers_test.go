package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/thorgate/relay/internal/dispatch"
	"github.com/thorgate/relay/internal/models"
	"github.com/thorgate/relay/internal/provider"
)

// ---------------------------------------------------------------------------
// Mocks
// ---------------------------------------------------------------------------

type mockDispatcher struct {
	gotKey     string
	gotChannel uuid.UUID
	gotChat    provider.ChatRequest
	gotEmbed   provider.EmbeddingRequest
	err        error
}

func (m *mockDispatcher) Dispatch(_ context.Context, key string, channelID uuid.UUID, req provider.ChatRequest) (*dispatch.Result, error) {
	m.gotKey, m.gotChannel, m.gotChat = key, channelID, req
	if m.err != nil {
		return nil, m.err
	}
	return &dispatch.Result{
		Response: &provider.ChatResponse{Content: "pong", Usage: provider.Usage{PromptTokens: 3, CompletionTokens: 1, TotalTokens: 4}},
		Billing:  dispatch.Billing{ChannelID: uuid.MustParse("11111111-1111-1111-1111-111111111111"), CreditCost: 7, Settlement: dispatch.SettlementRefused},
	}, nil
}

func (m *mockDispatcher) Embed(_ context.Context, key string, channelID uuid.UUID, req provider.EmbeddingRequest) (*dispatch.EmbeddingResult, error) {
	m.gotKey, m.gotChannel, m.gotEmbed = key, channelID, req
	if m.err != nil {
		return nil, m.err
	}
	return &dispatch.EmbeddingResult{
		Response: &provider.EmbeddingResponse{Embeddings: [][]float64{{0.1, 0.2}, {0.3, 0.4}}},
		Billing:  dispatch.Billing{Settlement: dispatch.SettlementApplied, CreditCost: 1},
	}, nil
}

func post(h http.HandlerFunc, body string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h(rec, req)
	return rec
}

// ---------------------------------------------------------------------------
// Relay
// ---------------------------------------------------------------------------

func TestChatCompletions_Success(t *testing.T) {
	d := &mockDispatcher{}
	h := &RelayHandler{Dispatcher: d}

	rec := post(h.ChatCompletions, `{"model":"gpt-4o","messages":[{"role":"user","content":"ping"}]}`,
		map[string]string{"Authorization": "Bearer sk-test"})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if d.gotKey != "sk-test" || d.gotChannel != uuid.Nil || d.gotChat.Model != "gpt-4o" {
		t.Errorf("dispatcher called with key=%q channel=%s model=%q", d.gotKey, d.gotChannel, d.gotChat.Model)
	}
	if got := rec.Header().Get(HeaderSettlement); got != "refused" {
		t.Errorf("%s = %q, want refused", HeaderSettlement, got)
	}
	if got := rec.Header().Get(HeaderCreditCost); got != "7" {
		t.Errorf("%s = %q", HeaderCreditCost, got)
	}

	var out chatCompletion
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Object != "chat.completion" || out.Model != "gpt-4o" || len(out.Choices) != 1 {
		t.Fatalf("unexpected body: %+v", out)
	}
	if out.Choices[0].Message.Content != "pong" || out.Choices[0].FinishReason != "stop" {
		t.Errorf("choice = %+v", out.Choices[0])
	}
	if out.Usage.TotalTokens != 4 {
		t.Errorf("usage = %+v", out.Usage)
	}
}

func TestChatCompletions_ChannelHeader(t *testing.T) {
	d := &mockDispatcher{}
	h := &RelayHandler{Dispatcher: d}
	id := uuid.New()

	rec := post(h.ChatCompletions, `{"model":"m","messages":[{"role":"user","content":"x"}]}`,
		map[string]string{"Authorization": "Bearer k", HeaderChannelID: id.String()})
	if rec.Code != http.StatusOK || d.gotChannel != id {
		t.Fatalf("code=%d channel=%s", rec.Code, d.gotChannel)
	}

	rec = post(h.ChatCompletions, `{}`, map[string]string{"Authorization": "Bearer k", HeaderChannelID: "nope"})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad channel header: got %d", rec.Code)
	}
}

func TestChatCompletions_MissingKey(t *testing.T) {
	h := &RelayHandler{Dispatcher: &mockDispatcher{}}
	if rec := post(h.ChatCompletions, `{}`, nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestChatCompletions_ErrorMapping(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{models.ErrInvalidKey, http.StatusUnauthorized},
		{models.ErrKeyExpired, http.StatusUnauthorized},
		{models.ErrAccountDisabled, http.StatusForbidden},
		{models.ErrUnknownChannel, http.StatusNotFound},
		{models.ErrChannelDisabled, http.StatusForbidden},
		{fmt.Errorf("openai: %w", models.ErrProviderUnavailable), http.StatusBadGateway},
		{fmt.Errorf("openai: %w", models.ErrProviderTimeout), http.StatusGatewayTimeout},
		{&provider.RemoteError{Provider: "openai", StatusCode: 400, Message: "bad model"}, http.StatusBadRequest},
		{&provider.RemoteError{Provider: "openai", StatusCode: 500, Message: "boom"}, http.StatusBadGateway},
		{errors.New("disk on fire"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.err.Error(), func(t *testing.T) {
			h := &RelayHandler{Dispatcher: &mockDispatcher{err: tc.err}}
			rec := post(h.ChatCompletions, `{"model":"m","messages":[{"role":"user","content":"x"}]}`,
				map[string]string{"Authorization": "Bearer k"})
			if rec.Code != tc.want {
				t.Errorf("expected %d, got %d: %s", tc.want, rec.Code, rec.Body.String())
			}
		})
	}
}

func TestEmbeddings_InputForms(t *testing.T) {
	for _, tc := range []struct {
		body string
		want []string
	}{
		{`{"model":"e","input":"one"}`, []string{"one"}},
		{`{"model":"e","input":["a","b"]}`, []string{"a", "b"}},
	} {
		d := &mockDispatcher{}
		h := &RelayHandler{Dispatcher: d}
		rec := post(h.Embeddings, tc.body, map[string]string{"Authorization": "Bearer k"})
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
		}
		if strings.Join(d.gotEmbed.Input, ",") != strings.Join(tc.want, ",") {
			t.Errorf("input = %v, want %v", d.gotEmbed.Input, tc.want)
		}
		var out embeddingList
		if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if len(out.Data) != 2 || out.Data[1].Index != 1 || out.Model != "e" {
			t.Errorf("body = %+v", out)
		}
	}

	h := &RelayHandler{Dispatcher: &mockDispatcher{}}
	if rec := post(h.Embeddings, `{"model":"e","input":7}`, map[string]string{"Authorization": "Bearer k"}); rec.Code != http.StatusBadRequest {
		t.Errorf("numeric input: got %d", rec.Code)
	}
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func TestStatusFor(t *testing.T) {
	cases := map[error]int{
		models.ErrValidation:         http.StatusBadRequest,
		models.ErrAuthentication:     http.StatusBadRequest,
		models.ErrUnknownProvider:    http.StatusBadRequest,
		models.ErrUnauthorized:       http.StatusUnauthorized,
		models.ErrSelfDeletion:       http.StatusForbidden,
		models.ErrForbidden:          http.StatusForbidden,
		models.ErrNotFound:           http.StatusNotFound,
		models.ErrConflict:           http.StatusConflict,
		models.ErrInsufficientCredit: http.StatusPaymentRequired,
	}
	for err, want := range cases {
		wrapped := fmt.Errorf("context: %w", err)
		if got := statusFor(wrapped); got != want {
			t.Errorf("statusFor(%v) = %d, want %d", err, got, want)
		}
	}
}

func TestPathID(t *testing.T) {
	r := chi.NewRouter()
	var got uuid.UUID
	r.Get("/things/{id}", func(w http.ResponseWriter, r *http.Request) {
		if id, ok := pathID(w, r, "id"); ok {
			got = id
		}
	})

	id := uuid.New()
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/things/"+id.String(), nil))
	if got != id {
		t.Errorf("pathID = %s, want %s", got, id)
	}

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/things/bogus", nil))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bogus id: got %d", rec.Code)
	}
}

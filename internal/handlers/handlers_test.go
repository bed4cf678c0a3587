package handlers

import (
	"bufio"
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Davincible/modelbridge/internal/chat"
	"github.com/Davincible/modelbridge/internal/config"
	"github.com/Davincible/modelbridge/internal/providers"
)

// stubProvider serves canned deltas and models for handler tests.
type stubProvider struct {
	name    string
	deltas  []chat.StreamDelta
	models  []chat.Model
	listErr error
}

func (s *stubProvider) Name() string          { return s.name }
func (s *stubProvider) Format() config.Format { return config.FormatOpenAIChat }

func (s *stubProvider) ListModels(_ context.Context) ([]chat.Model, error) {
	return s.models, s.listErr
}

func (s *stubProvider) CountTokens(messages []chat.Message) (int, error) {
	return 7 * len(messages), nil
}

func (s *stubProvider) StreamChat(_ context.Context, _ *chat.Request) (<-chan chat.StreamDelta, error) {
	out := make(chan chat.StreamDelta)

	go func() {
		defer close(out)

		for _, d := range s.deltas {
			out <- d
		}
	}()

	return out, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(&strings.Builder{}, nil))
}

func TestChatHandler_StreamsSSE(t *testing.T) {
	registry := providers.NewRegistry()
	registry.Register(&stubProvider{
		name: "lab",
		deltas: []chat.StreamDelta{
			chat.TextDelta("Hello"),
			chat.DoneDelta("end_turn"),
		},
	})

	handler := NewChatHandler(registry, testLogger())

	body := `{"provider":"lab","model":"gpt-4o","messages":[{"role":"user","parts":[{"type":"text","text":"hi"}]}]}`
	req := httptest.NewRequest(http.MethodPost, "/v1/chat", strings.NewReader(body))
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))

	var lines []string

	scanner := bufio.NewScanner(rec.Body)
	for scanner.Scan() {
		if line := scanner.Text(); line != "" {
			lines = append(lines, line)
		}
	}

	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], `"kind":"text"`)
	assert.Contains(t, lines[0], `"text":"Hello"`)
	assert.Contains(t, lines[1], `"kind":"done"`)
	assert.Contains(t, lines[1], `"finishReason":"end_turn"`)
}

func TestChatHandler_UnknownProvider(t *testing.T) {
	handler := NewChatHandler(providers.NewRegistry(), testLogger())

	req := httptest.NewRequest(http.MethodPost, "/v1/chat", strings.NewReader(`{"provider":"ghost","model":"m"}`))
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "unknown provider")
}

func TestChatHandler_MissingProvider(t *testing.T) {
	handler := NewChatHandler(providers.NewRegistry(), testLogger())

	req := httptest.NewRequest(http.MethodPost, "/v1/chat", strings.NewReader(`{"model":"m"}`))
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestModelsHandler_AggregatesAndDegrades(t *testing.T) {
	registry := providers.NewRegistry()
	registry.Register(&stubProvider{
		name:   "good",
		models: []chat.Model{{ID: "gpt-4o"}, {ID: "gpt-4.1"}},
	})
	registry.Register(&stubProvider{
		name:    "broken",
		listErr: &providers.DiscoveryError{Provider: "broken", Err: errors.New("refused")},
	})

	handler := NewModelsHandler(registry, testLogger())

	req := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	// a broken provider degrades to absent, not to a failed response
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "gpt-4o")
	assert.Contains(t, body, "gpt-4.1")
	assert.NotContains(t, body, "broken")
}

func TestModelsHandler_ProviderFilter(t *testing.T) {
	registry := providers.NewRegistry()
	registry.Register(&stubProvider{name: "one", models: []chat.Model{{ID: "model-a"}}})
	registry.Register(&stubProvider{name: "two", models: []chat.Model{{ID: "model-b"}}})

	handler := NewModelsHandler(registry, testLogger())

	req := httptest.NewRequest(http.MethodGet, "/v1/models?provider=two", nil)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), "model-a")
	assert.Contains(t, rec.Body.String(), "model-b")

	req = httptest.NewRequest(http.MethodGet, "/v1/models?provider=ghost", nil)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestTokensHandler(t *testing.T) {
	registry := providers.NewRegistry()
	registry.Register(&stubProvider{name: "lab"})

	handler := NewTokensHandler(registry, testLogger())

	body := `{"provider":"lab","messages":[{"role":"user","parts":[{"type":"text","text":"hi"}]},{"role":"assistant","parts":[{"type":"text","text":"hello"}]}]}`
	req := httptest.NewRequest(http.MethodPost, "/v1/tokens", strings.NewReader(body))
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"tokens":14}`, rec.Body.String())
}

func TestHealthHandler(t *testing.T) {
	handler := NewHealthHandler(testLogger())

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", rec.Body.String())
}

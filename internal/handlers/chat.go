package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/Davincible/modelbridge/internal/chat"
	"github.com/Davincible/modelbridge/internal/providers"
)

// ChatHandler streams chat completions from a named provider as SSE, one
// delta per event.
type ChatHandler struct {
	registry *providers.Registry
	logger   *slog.Logger
}

func NewChatHandler(registry *providers.Registry, logger *slog.Logger) *ChatHandler {
	return &ChatHandler{
		registry: registry,
		logger:   logger,
	}
}

type chatRequest struct {
	Provider string `json:"provider"`
	chat.Request
}

func (h *ChatHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	if req.Provider == "" {
		writeError(w, http.StatusBadRequest, "provider is required")
		return
	}

	provider, ok := h.registry.Get(req.Provider)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown provider: "+req.Provider)
		return
	}

	deltas, err := provider.StreamChat(r.Context(), &req.Request)
	if err != nil {
		h.logger.Error("Stream setup failed", "provider", req.Provider, "error", err)
		writeError(w, statusForError(err), err.Error())

		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)

	for delta := range deltas {
		payload, err := json.Marshal(delta)
		if err != nil {
			h.logger.Error("Failed to marshal delta", "error", err)
			continue
		}

		if _, err := w.Write([]byte("data: " + string(payload) + "\n\n")); err != nil {
			// Client went away; drain the channel so the producer exits.
			for range deltas {
			}

			return
		}

		if flusher != nil {
			flusher.Flush()
		}
	}
}

func statusForError(err error) int {
	var (
		authErr *providers.AuthError
		reqErr  *providers.RequestError
	)

	switch {
	case errors.As(err, &reqErr):
		return http.StatusBadRequest
	case errors.As(err, &authErr):
		return http.StatusBadGateway
	default:
		return http.StatusBadGateway
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]string{"message": msg},
	})
}

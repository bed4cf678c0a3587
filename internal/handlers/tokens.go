package handlers

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/Davincible/modelbridge/internal/chat"
	"github.com/Davincible/modelbridge/internal/providers"
)

// TokensHandler estimates the token footprint of a conversation.
type TokensHandler struct {
	registry *providers.Registry
	logger   *slog.Logger
}

func NewTokensHandler(registry *providers.Registry, logger *slog.Logger) *TokensHandler {
	return &TokensHandler{
		registry: registry,
		logger:   logger,
	}
}

type tokensRequest struct {
	Provider string         `json:"provider"`
	Messages []chat.Message `json:"messages"`
}

func (h *TokensHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req tokensRequest
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

	count, err := provider.CountTokens(req.Messages)
	if err != nil {
		h.logger.Error("Token count failed", "provider", req.Provider, "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())

		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	_ = json.NewEncoder(w).Encode(map[string]int{"tokens": count})
}

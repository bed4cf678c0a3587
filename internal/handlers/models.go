package handlers

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/Davincible/modelbridge/internal/chat"
	"github.com/Davincible/modelbridge/internal/providers"
)

// ModelsHandler aggregates model discovery across all registered providers.
// A provider that fails discovery is logged and contributes nothing; one
// broken endpoint must not hide the rest.
type ModelsHandler struct {
	registry *providers.Registry
	logger   *slog.Logger
}

func NewModelsHandler(registry *providers.Registry, logger *slog.Logger) *ModelsHandler {
	return &ModelsHandler{
		registry: registry,
		logger:   logger,
	}
}

type providerModel struct {
	Provider string `json:"provider"`
	chat.Model
}

func (h *ModelsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var targets []providers.Provider

	if name := r.URL.Query().Get("provider"); name != "" {
		provider, ok := h.registry.Get(name)
		if !ok {
			writeError(w, http.StatusNotFound, "unknown provider: "+name)
			return
		}

		targets = append(targets, provider)
	} else {
		targets = h.registry.List()
	}

	var (
		mu     sync.Mutex
		models []providerModel
	)

	group, ctx := errgroup.WithContext(r.Context())

	for _, provider := range targets {
		provider := provider
		group.Go(func() error {
			list, err := provider.ListModels(ctx)
			if err != nil {
				h.logger.Warn("Model discovery failed", "provider", provider.Name(), "error", err)
				return nil
			}

			mu.Lock()
			defer mu.Unlock()

			for _, m := range list {
				models = append(models, providerModel{Provider: provider.Name(), Model: m})
			}

			return nil
		})
	}

	_ = group.Wait()

	sort.Slice(models, func(i, j int) bool {
		if models[i].Provider != models[j].Provider {
			return models[i].Provider < models[j].Provider
		}

		return models[i].ID < models[j].ID
	})

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	_ = json.NewEncoder(w).Encode(map[string]any{"models": models})
}

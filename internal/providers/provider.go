package providers

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/Davincible/modelbridge/internal/chat"
	"github.com/Davincible/modelbridge/internal/config"
)

// Provider is the uniform chat-completion contract every wire format is
// adapted to. StreamChat returns an ordered delta sequence; the channel is
// closed after the terminal delta, or without one when ctx is cancelled.
type Provider interface {
	Name() string
	Format() config.Format
	ListModels(ctx context.Context) ([]chat.Model, error)
	CountTokens(messages []chat.Message) (int, error)
	StreamChat(ctx context.Context, req *chat.Request) (<-chan chat.StreamDelta, error)
}

// New builds the concrete provider for the entry's wire format.
func New(cfg config.Provider, logger *slog.Logger) (Provider, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if logger == nil {
		logger = slog.Default()
	}

	cl := newClient(cfg, logger)

	switch cfg.Format {
	case config.FormatOpenAIChat:
		return newOpenAIChatProvider(cl), nil
	case config.FormatOpenAIResponses:
		return newOpenAIResponsesProvider(cl), nil
	case config.FormatGemini:
		return newGeminiProvider(cl), nil
	case config.FormatClaude:
		return newClaudeProvider(cl), nil
	default:
		return nil, fmt.Errorf("%w: %q", config.ErrUnknownFormat, cfg.Format)
	}
}

// Registry holds the providers built from configuration, keyed by name.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

func NewRegistry() *Registry {
	return &Registry{
		providers: make(map[string]Provider),
	}
}

func (r *Registry) Register(provider Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.providers[strings.ToLower(provider.Name())] = provider
}

func (r *Registry) Get(name string) (Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	provider, exists := r.providers[strings.ToLower(name)]

	return provider, exists
}

func (r *Registry) Remove(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.providers, strings.ToLower(name))
}

// List returns all registered providers sorted by name.
func (r *Registry) List() []Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Provider, 0, len(r.providers))
	for _, p := range r.providers {
		out = append(out, p)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })

	return out
}

// LoadFromConfig rebuilds the registry from the current config snapshot.
// Invalid entries are skipped with a log line so one bad provider does not
// take the service down.
func (r *Registry) LoadFromConfig(cfg *config.Config, logger *slog.Logger) {
	r.mu.Lock()
	r.providers = make(map[string]Provider)
	r.mu.Unlock()

	for _, pc := range cfg.Providers {
		provider, err := New(pc, logger)
		if err != nil {
			logger.Warn("Skipping provider", "name", pc.Name, "error", err)
			continue
		}

		r.Register(provider)
	}
}

package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	"gopkg.in/yaml.v3"
)

const (
	DefaultPort           = 6970
	DefaultConfigFilename = "config.yaml"
	DefaultHost           = "127.0.0.1"
)

// Format identifies the wire protocol a provider endpoint speaks.
type Format string

const (
	FormatOpenAIChat      Format = "openai-chat"
	FormatOpenAIResponses Format = "openai-responses"
	FormatGemini          Format = "gemini"
	FormatClaude          Format = "claude"
)

func (f Format) Valid() bool {
	switch f {
	case FormatOpenAIChat, FormatOpenAIResponses, FormatGemini, FormatClaude:
		return true
	}

	return false
}

// Formats lists the supported wire formats in a stable order.
func Formats() []Format {
	return []Format{FormatOpenAIChat, FormatOpenAIResponses, FormatGemini, FormatClaude}
}

var (
	ErrDuplicateProvider = errors.New("provider name already registered")
	ErrUnknownProvider   = errors.New("provider not found")
	ErrUnknownFormat     = errors.New("unknown api format")
	ErrInvalidBaseURL    = errors.New("invalid base url")
	ErrEmptyName         = errors.New("empty provider name")
)

// Provider is one registered custom endpoint. Entries are immutable except
// through UpdateProvider.
type Provider struct {
	Name    string `yaml:"name"`
	BaseURL string `yaml:"base_url"`
	Format  Format `yaml:"format"`
	APIKey  string `yaml:"api_key,omitempty"`
}

// Validate rejects broken entries before any network call is attempted.
func (p *Provider) Validate() error {
	if strings.TrimSpace(p.Name) == "" {
		return ErrEmptyName
	}

	if !p.Format.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownFormat, p.Format)
	}

	u, err := url.Parse(p.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("%w: %q", ErrInvalidBaseURL, p.BaseURL)
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%w: scheme %q", ErrInvalidBaseURL, u.Scheme)
	}

	return nil
}

type Config struct {
	Host      string     `yaml:"host,omitempty"`
	Port      int        `yaml:"port,omitempty"`
	APIKey    string     `yaml:"api_key,omitempty"`
	Providers []Provider `yaml:"providers"`
}

// Manager owns the config file and serves lock-free snapshots.
type Manager struct {
	configPath  string
	configValue atomic.Value
}

func NewManager(baseDir string) *Manager {
	return &Manager{
		configPath: filepath.Join(baseDir, DefaultConfigFilename),
	}
}

func (m *Manager) Load() (*Config, error) {
	data, err := os.ReadFile(m.configPath)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.Port == 0 {
		cfg.Port = DefaultPort
	}

	if cfg.Host == "" {
		cfg.Host = DefaultHost
	}

	for i := range cfg.Providers {
		if err := cfg.Providers[i].Validate(); err != nil {
			return nil, fmt.Errorf("provider %q: %w", cfg.Providers[i].Name, err)
		}
	}

	m.configValue.Store(&cfg)

	return &cfg, nil
}

func (m *Manager) Get() *Config {
	if v := m.configValue.Load(); v != nil {
		return v.(*Config)
	}

	cfg, err := m.Load()
	if err != nil {
		// Fall back to defaults when no config exists yet
		return &Config{
			Host: DefaultHost,
			Port: DefaultPort,
		}
	}

	return cfg
}

func (m *Manager) Save(cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(m.configPath), 0o750); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	if err := os.WriteFile(m.configPath, data, 0o600); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}

	m.configValue.Store(cfg)

	return nil
}

func (m *Manager) GetPath() string {
	return m.configPath
}

func (m *Manager) Exists() bool {
	_, err := os.Stat(m.configPath)
	return err == nil
}

// AddProvider validates and appends a provider entry. Names are unique.
func (m *Manager) AddProvider(p Provider) error {
	if err := p.Validate(); err != nil {
		return err
	}

	cfg := m.Get()

	for _, existing := range cfg.Providers {
		if strings.EqualFold(existing.Name, p.Name) {
			return fmt.Errorf("%w: %q", ErrDuplicateProvider, p.Name)
		}
	}

	next := *cfg
	next.Providers = append(append([]Provider{}, cfg.Providers...), p)

	return m.Save(&next)
}

// UpdateProvider replaces the entry with the same name.
func (m *Manager) UpdateProvider(p Provider) error {
	if err := p.Validate(); err != nil {
		return err
	}

	cfg := m.Get()
	next := *cfg
	next.Providers = append([]Provider{}, cfg.Providers...)

	for i, existing := range next.Providers {
		if strings.EqualFold(existing.Name, p.Name) {
			next.Providers[i] = p
			return m.Save(&next)
		}
	}

	return fmt.Errorf("%w: %q", ErrUnknownProvider, p.Name)
}

func (m *Manager) RemoveProvider(name string) error {
	cfg := m.Get()
	next := *cfg
	next.Providers = nil

	found := false

	for _, existing := range cfg.Providers {
		if strings.EqualFold(existing.Name, name) {
			found = true
			continue
		}

		next.Providers = append(next.Providers, existing)
	}

	if !found {
		return fmt.Errorf("%w: %q", ErrUnknownProvider, name)
	}

	return m.Save(&next)
}

// FindProvider returns the entry for name, case-insensitively.
func (m *Manager) FindProvider(name string) (Provider, bool) {
	for _, p := range m.Get().Providers {
		if strings.EqualFold(p.Name, name) {
			return p, true
		}
	}

	return Provider{}, false
}

// APIKeyFor resolves a provider's secret. The environment wins over the
// config file so keys can stay out of it entirely.
func APIKeyFor(p Provider) string {
	replacer := strings.NewReplacer("-", "_", ".", "_", " ", "_")

	envKey := "MODELBRIDGE_" + strings.ToUpper(replacer.Replace(p.Name)) + "_API_KEY"
	if v := os.Getenv(envKey); v != "" {
		return v
	}

	return p.APIKey
}

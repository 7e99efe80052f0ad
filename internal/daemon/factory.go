package daemon

import (
	"fmt"

	"github.com/harun/taskpilot/internal/config"
	"github.com/harun/taskpilot/pkg/backend"
	"github.com/harun/taskpilot/pkg/session"
)

// AdapterFactory creates the adapter for one configured backend.
type AdapterFactory func(cfg config.BackendConfig) (backend.Adapter, error)

// DefaultAdapterFactory maps providers onto the SDK adapters.
func DefaultAdapterFactory(cfg config.BackendConfig) (backend.Adapter, error) {
	switch cfg.Provider {
	case "anthropic":
		return backend.NewAnthropicAdapter(backend.AnthropicConfig{
			APIKey:    cfg.APIKey,
			BaseURL:   cfg.BaseURL,
			Model:     cfg.Model,
			MaxTokens: cfg.MaxTokens,
		}), nil
	case "openai":
		return backend.NewOpenAIAdapter(backend.OpenAIConfig{
			APIKey:    cfg.APIKey,
			BaseURL:   cfg.BaseURL,
			Model:     cfg.Model,
			MaxTokens: cfg.MaxTokens,
		}), nil
	case "ollama":
		return backend.NewLocalAdapter(backend.LocalConfig{
			Model:     cfg.Model,
			ServerURL: cfg.BaseURL,
		}), nil
	default:
		return nil, fmt.Errorf("unsupported provider: %s", cfg.Provider)
	}
}

// BuildBackends registers one entry per configured backend.
func BuildBackends(configs []config.BackendConfig, factory AdapterFactory) (*backend.Registry, error) {
	if factory == nil {
		factory = DefaultAdapterFactory
	}

	reg := backend.NewRegistry()
	for _, bc := range configs {
		adapter, err := factory(bc)
		if err != nil {
			return nil, fmt.Errorf("backend %s: %w", bc.Kind, err)
		}
		err = reg.Register(backend.Entry{
			Kind:        backend.Kind(bc.Kind),
			Description: bc.Description,
			Capabilities: backend.Capabilities{
				AcceptsFiles:    bc.AcceptsFiles,
				ModelSelectable: bc.ModelSelectable,
				// local models only produce tool calls as text
				InlineToolSchema: bc.InlineTools || bc.Provider == "ollama",
			},
			Adapter: adapter,
		})
		if err != nil {
			return nil, fmt.Errorf("backend %s: %w", bc.Kind, err)
		}
	}
	return reg, nil
}

// OpenStore opens the configured session store.
func OpenStore(cfg config.SessionsConfig) (session.Store, error) {
	switch cfg.Driver {
	case "", "file":
		store, err := session.NewFileStore(cfg.Dir)
		if err != nil {
			return nil, fmt.Errorf("failed to open session directory: %w", err)
		}
		return store, nil
	case "sqlite":
		store, err := session.NewSQLiteStore(cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("failed to open session database: %w", err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unsupported sessions driver: %s", cfg.Driver)
	}
}

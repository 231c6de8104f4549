package wfconfig

import (
	"fmt"
	"time"

	"github.com/haasonsaas/nexus-workflow/internal/conversation"
	"github.com/haasonsaas/nexus-workflow/internal/providers"
	"github.com/haasonsaas/nexus-workflow/internal/wfsecurity"
	"github.com/haasonsaas/nexus-workflow/internal/wftemplates"
)

// BuildConversationStore selects and constructs the conversation.Store
// implementation named by cfg: an in-memory store when URL is empty
// (suited to local exercising and tests), a Postgres-backed store
// otherwise.
func BuildConversationStore(cfg DatabaseConfig) (conversation.Store, error) {
	if cfg.URL == "" {
		return conversation.NewMemoryStore(), nil
	}
	return conversation.NewPostgresStoreFromDSN(cfg.URL, &conversation.PostgresConfig{
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
		ConnectTimeout:  cfg.ConnectTimeout,
	})
}

// BuildProviders constructs a providers.Registry from every entry in
// cfg.Providers, following cmd/nexus's wiring of config.LLMConfig into
// concrete provider clients.
func BuildProviders(cfg Config) (*providers.Registry, error) {
	registry := providers.NewRegistry()
	for name, provider := range cfg.Providers {
		gen, err := buildGenerator(provider)
		if err != nil {
			return nil, fmt.Errorf("providers[%s]: %w", name, err)
		}
		registry.Register(name, gen)
	}
	return registry, nil
}

func buildGenerator(cfg ProviderConfig) (providers.Generator, error) {
	switch cfg.Type {
	case "anthropic":
		return providers.NewAnthropicGenerator(providers.AnthropicConfig{
			APIKey:       cfg.APIKey,
			DefaultModel: cfg.DefaultModel,
			MaxRetries:   cfg.MaxRetries,
			RetryDelay:   cfg.RetryDelay,
		})
	case "openai":
		return providers.NewOpenAIGenerator(providers.OpenAIConfig{
			APIKey:       cfg.APIKey,
			DefaultModel: cfg.DefaultModel,
			MaxRetries:   cfg.MaxRetries,
			RetryDelay:   cfg.RetryDelay,
		})
	default:
		return nil, fmt.Errorf("unknown provider type %q", cfg.Type)
	}
}

// BuildSecurity constructs a wfsecurity.Manager sized and seeded per
// cfg.Security.
func BuildSecurity(cfg SecurityConfig) *wfsecurity.Manager {
	manager := wfsecurity.NewWithOptions(time.Now, cfg.AuditCapacity)
	for _, pattern := range cfg.BlockedPatterns {
		manager.AddBlockedPattern(pattern)
	}
	return manager
}

// ApplyTemplates unregisters every built-in named in cfg.DisabledBuiltins
// from registry.
func ApplyTemplates(registry *wftemplates.Registry, cfg TemplatesConfig) {
	for _, name := range cfg.DisabledBuiltins {
		registry.Unregister(name)
	}
}

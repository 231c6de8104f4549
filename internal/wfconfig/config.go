package wfconfig

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

func applyDefaults(cfg *Config) {
	if cfg == nil {
		return
	}
	for name, provider := range cfg.Providers {
		applyProviderDefaults(&provider)
		cfg.Providers[name] = provider
	}
	applyDatabaseDefaults(&cfg.Database)
	applyCacheDefaults(&cfg.Cache)
	applySecurityDefaults(&cfg.Security)
	applyLoggingDefaults(&cfg.Logging)
	applyTracingDefaults(&cfg.Tracing)
}

func applyProviderDefaults(cfg *ProviderConfig) {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
}

func applyDatabaseDefaults(cfg *DatabaseConfig) {
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 25
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 5
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
}

func applyCacheDefaults(cfg *CacheConfig) {
	if cfg.Capacity == 0 {
		cfg.Capacity = 500
	}
}

func applySecurityDefaults(cfg *SecurityConfig) {
	if cfg.AuditCapacity == 0 {
		cfg.AuditCapacity = 10000
	}
}

func applyLoggingDefaults(cfg *LoggingConfig) {
	if cfg.Level == "" {
		cfg.Level = "info"
	}
	if cfg.Format == "" {
		cfg.Format = "json"
	}
}

func applyTracingDefaults(cfg *TracingConfig) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "nexus-workflow"
	}
	if cfg.SamplingRate == 0 {
		cfg.SamplingRate = 1.0
	}
}

// applyEnvOverrides layers environment variables on top of whatever the
// file contained, following config.go's applyEnvOverrides pattern: each
// provider's API key falls back to <NAME>_API_KEY (uppercased), and a
// handful of deployment knobs are named explicitly.
func applyEnvOverrides(cfg *Config) {
	if cfg == nil {
		return
	}

	for name, provider := range cfg.Providers {
		if provider.APIKey == "" {
			envName := strings.ToUpper(strings.TrimSpace(name)) + "_API_KEY"
			if value := strings.TrimSpace(os.Getenv(envName)); value != "" {
				provider.APIKey = value
				cfg.Providers[name] = provider
			}
		}
	}

	if value := strings.TrimSpace(os.Getenv("NEXUS_WORKFLOW_DATABASE_URL")); value != "" {
		cfg.Database.URL = value
	}
	if value := strings.TrimSpace(os.Getenv("NEXUS_WORKFLOW_CACHE_SIZE")); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			cfg.Cache.Capacity = parsed
		}
	}
	if value := strings.TrimSpace(os.Getenv("NEXUS_WORKFLOW_AUDIT_CAPACITY")); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			cfg.Security.AuditCapacity = parsed
		}
	}
}

// ValidationError reports every configuration issue found, following the
// teacher's ConfigValidationError (collect-then-report rather than
// fail-fast on the first problem).
type ValidationError struct {
	Issues []string
}

func (e *ValidationError) Error() string {
	return "config validation failed:\n- " + strings.Join(e.Issues, "\n- ")
}

func validateConfig(cfg *Config) error {
	if cfg == nil {
		return nil
	}

	var issues []string

	for name, provider := range cfg.Providers {
		switch provider.Type {
		case "anthropic", "openai":
		default:
			issues = append(issues, fmt.Sprintf("providers[%s].type must be \"anthropic\" or \"openai\"", name))
		}
		if strings.TrimSpace(provider.APIKey) == "" {
			issues = append(issues, fmt.Sprintf("providers[%s].api_key is required", name))
		}
		if provider.MaxRetries < 0 {
			issues = append(issues, fmt.Sprintf("providers[%s].max_retries must be >= 0", name))
		}
	}

	if cfg.DefaultProvider != "" {
		if _, ok := cfg.Providers[cfg.DefaultProvider]; !ok {
			issues = append(issues, fmt.Sprintf("default_provider %q has no matching entry in providers", cfg.DefaultProvider))
		}
	}

	if cfg.Database.MaxOpenConns < 0 {
		issues = append(issues, "database.max_open_conns must be >= 0")
	}
	if cfg.Database.MaxIdleConns < 0 {
		issues = append(issues, "database.max_idle_conns must be >= 0")
	}
	if cfg.Cache.Capacity < 0 {
		issues = append(issues, "cache.capacity must be >= 0")
	}
	if cfg.Security.AuditCapacity < 0 {
		issues = append(issues, "security.audit_capacity must be >= 0")
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Logging.Level)) {
	case "debug", "info", "warn", "error":
	default:
		issues = append(issues, "logging.level must be \"debug\", \"info\", \"warn\", or \"error\"")
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Logging.Format)) {
	case "json", "text":
	default:
		issues = append(issues, "logging.format must be \"json\" or \"text\"")
	}

	if cfg.Tracing.SamplingRate < 0 || cfg.Tracing.SamplingRate > 1 {
		issues = append(issues, "tracing.sampling_rate must be between 0 and 1")
	}

	if len(issues) > 0 {
		return &ValidationError{Issues: issues}
	}
	return nil
}

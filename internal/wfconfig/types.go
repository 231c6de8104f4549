// Package wfconfig loads the engine's YAML configuration, following the
// teacher's internal/config package: a typed struct decoded with
// gopkg.in/yaml.v3's KnownFields strictness, $include directive resolution
// via internal/config/loader.go's raw-map merge, environment-variable
// expansion, then a defaults pass and a validation pass that collects every
// issue before returning.
package wfconfig

import "time"

// Config is the top-level configuration for a nexus-workflow deployment.
type Config struct {
	DefaultProvider string                    `yaml:"default_provider"`
	Providers       map[string]ProviderConfig `yaml:"providers"`
	Database        DatabaseConfig            `yaml:"database"`
	Cache           CacheConfig               `yaml:"cache"`
	Security        SecurityConfig            `yaml:"security"`
	Templates       TemplatesConfig           `yaml:"templates"`
	Logging         LoggingConfig             `yaml:"logging"`
	Tracing         TracingConfig             `yaml:"tracing"`
}

// ProviderConfig configures one named entry in internal/providers.Registry.
type ProviderConfig struct {
	// Type selects the generator implementation: "anthropic" or "openai".
	Type         string        `yaml:"type"`
	APIKey       string        `yaml:"api_key"`
	DefaultModel string        `yaml:"default_model"`
	MaxRetries   int           `yaml:"max_retries"`
	RetryDelay   time.Duration `yaml:"retry_delay"`
}

// DatabaseConfig configures the conversation store. An empty URL selects
// internal/conversation's in-memory Store; a non-empty one selects the
// Postgres-backed Store, following PostgresConfig's pool-sizing shape.
type DatabaseConfig struct {
	URL             string        `yaml:"url"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnectTimeout  time.Duration `yaml:"connect_timeout"`
}

// CacheConfig configures internal/wfcache's compiled-workflow cache.
type CacheConfig struct {
	Capacity int `yaml:"capacity"`
}

// SecurityConfig configures internal/wfsecurity's Manager.
type SecurityConfig struct {
	AuditCapacity   int      `yaml:"audit_capacity"`
	BlockedPatterns []string `yaml:"blocked_patterns"`
}

// TemplatesConfig configures internal/wftemplates's built-in catalog.
type TemplatesConfig struct {
	DisabledBuiltins []string `yaml:"disabled_builtins"`
}

// LoggingConfig configures internal/observability's Logger.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// TracingConfig configures internal/observability's Tracer.
type TracingConfig struct {
	ServiceName    string  `yaml:"service_name"`
	ServiceVersion string  `yaml:"service_version"`
	Environment    string  `yaml:"environment"`
	Endpoint       string  `yaml:"endpoint"`
	SamplingRate   float64 `yaml:"sampling_rate"`
}

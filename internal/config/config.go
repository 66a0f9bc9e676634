package config

// OpenAIConfig configures the OpenAI chat provider.
type OpenAIConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
	Model   string `yaml:"model"`
}

// AnthropicConfig configures the Anthropic chat provider.
type AnthropicConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
	Model   string `yaml:"model"`
}

// GoogleConfig configures the Google Gemini chat provider.
type GoogleConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
	Model   string `yaml:"model"`
	// Timeout is the per-request timeout in seconds.
	Timeout int `yaml:"timeout"`
}

// EmbeddingConfig configures the external embedding service.
type EmbeddingConfig struct {
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
	Model   string `yaml:"model"`
	// Dimensions is the expected vector dimensionality.
	Dimensions int `yaml:"dimensions"`
	// Timeout is the per-request timeout in seconds.
	Timeout int `yaml:"timeout"`
	// Concurrency bounds parallel embedding requests.
	Concurrency int `yaml:"concurrency"`
	// Deterministic switches to the in-process hashing embedder. Used by
	// tests and offline deployments without an embedding service.
	Deterministic bool `yaml:"deterministic"`
}

// RedisConfig configures the shared cache/state backend. When disabled the
// stores fall back to in-memory maps.
type RedisConfig struct {
	Enabled               bool   `yaml:"enabled"`
	Addr                  string `yaml:"addr"`
	Password              string `yaml:"password"`
	DB                    int    `yaml:"db"`
	TLSInsecureSkipVerify bool   `yaml:"tls_insecure_skip_verify"`
}

// DatabaseConfig configures the Postgres savings ledger.
type DatabaseConfig struct {
	DSN string `yaml:"dsn"`
}

// ClickHouseConfig configures the internal debug-signal sink.
type ClickHouseConfig struct {
	Enabled  bool   `yaml:"enabled"`
	DSN      string `yaml:"dsn"`
	Database string `yaml:"database"`
	Table    string `yaml:"table"`
}

// ObsConfig controls OpenTelemetry settings.
type ObsConfig struct {
	OTLP           string `yaml:"otlp"`
	ServiceName    string `yaml:"service_name"`
	ServiceVersion string `yaml:"service_version"`
	Environment    string `yaml:"environment"`
}

// OptimizerConfig holds tunables for the optimizer pipeline. Zero values are
// replaced with defaults in Load.
type OptimizerConfig struct {
	MaxUnits                int     `yaml:"max_units"`
	MaxNodes                int     `yaml:"max_nodes"`
	UnitMinChars            int     `yaml:"unit_min_chars"`
	UnitMaxChars            int     `yaml:"unit_max_chars"`
	SimilarityEdgeMin       float64 `yaml:"similarity_edge_min"`
	ContradictionEdgeWeight float64 `yaml:"contradiction_edge_weight"`
	// SemanticCacheTTLSeconds controls semantic-cache entry lifetime.
	SemanticCacheTTLSeconds int `yaml:"semantic_cache_ttl_seconds"`
	// StateTTLSeconds controls conversation-state entry lifetime.
	StateTTLSeconds int `yaml:"state_ttl_seconds"`
	// MaxOutputTokens is the default completion budget passed to providers.
	MaxOutputTokens int `yaml:"max_output_tokens"`
	// ProviderTimeoutSeconds bounds a single upstream chat call.
	ProviderTimeoutSeconds int `yaml:"provider_timeout_seconds"`
	// CacheTimeoutSeconds bounds cache/state round trips; expiry falls back
	// to a miss rather than failing the request.
	CacheTimeoutSeconds int `yaml:"cache_timeout_seconds"`
	// StoreDebugSignals gates persistence of internal spectral signals.
	StoreDebugSignals bool `yaml:"store_debug_signals"`
}

// Config is the process-wide configuration, loaded from environment
// variables with an optional YAML overlay.
type Config struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	LogPath  string `yaml:"log_path"`
	LogLevel string `yaml:"log_level"`

	// Provider selects the default upstream when the request omits one.
	Provider string `yaml:"provider"`

	OpenAI     OpenAIConfig     `yaml:"openai"`
	Anthropic  AnthropicConfig  `yaml:"anthropic"`
	Google     GoogleConfig     `yaml:"google"`
	Embedding  EmbeddingConfig  `yaml:"embedding"`
	Redis      RedisConfig      `yaml:"redis"`
	Database   DatabaseConfig   `yaml:"database"`
	ClickHouse ClickHouseConfig `yaml:"clickhouse"`
	Obs        ObsConfig        `yaml:"obs"`
	Optimizer  OptimizerConfig  `yaml:"optimizer"`
}

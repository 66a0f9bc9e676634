package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	yaml "gopkg.in/yaml.v3"
)

// Load reads configuration from environment variables (optionally .env).
// When CONFIG_PATH points at a YAML file, its values overlay whatever the
// environment did not set. Defaults are applied last.
func Load() (Config, error) {
	// Use Overload so .env values override existing OS environment variables.
	// This keeps local development deterministic unless explicitly changed.
	_ = godotenv.Overload()

	cfg := Config{}

	cfg.Host = strings.TrimSpace(os.Getenv("HOST"))
	if v := strings.TrimSpace(os.Getenv("PORT")); v != "" {
		if n, err := parseInt(v); err == nil {
			cfg.Port = n
		}
	}
	cfg.LogPath = strings.TrimSpace(os.Getenv("LOG_PATH"))
	cfg.LogLevel = strings.TrimSpace(os.Getenv("LOG_LEVEL"))
	cfg.Provider = strings.TrimSpace(os.Getenv("LLM_PROVIDER"))

	if v := strings.TrimSpace(os.Getenv("OPENAI_API_KEY")); v != "" {
		cfg.OpenAI.APIKey = v
	}
	if v := strings.TrimSpace(os.Getenv("OPENAI_MODEL")); v != "" {
		cfg.OpenAI.Model = v
	}
	if v := firstNonEmpty(strings.TrimSpace(os.Getenv("OPENAI_BASE_URL")), strings.TrimSpace(os.Getenv("OPENAI_API_BASE_URL"))); v != "" {
		cfg.OpenAI.BaseURL = v
	}
	if v := strings.TrimSpace(os.Getenv("ANTHROPIC_API_KEY")); v != "" {
		cfg.Anthropic.APIKey = v
	}
	if v := strings.TrimSpace(os.Getenv("ANTHROPIC_MODEL")); v != "" {
		cfg.Anthropic.Model = v
	}
	if v := strings.TrimSpace(os.Getenv("ANTHROPIC_BASE_URL")); v != "" {
		cfg.Anthropic.BaseURL = v
	}
	if v := strings.TrimSpace(os.Getenv("GOOGLE_LLM_API_KEY")); v != "" {
		cfg.Google.APIKey = v
	}
	if v := strings.TrimSpace(os.Getenv("GOOGLE_LLM_MODEL")); v != "" {
		cfg.Google.Model = v
	}
	if v := strings.TrimSpace(os.Getenv("GOOGLE_LLM_BASE_URL")); v != "" {
		cfg.Google.BaseURL = v
	}
	if v := strings.TrimSpace(os.Getenv("GOOGLE_LLM_TIMEOUT_SECONDS")); v != "" {
		if n, err := parseInt(v); err == nil {
			cfg.Google.Timeout = n
		}
	}

	cfg.Embedding.BaseURL = strings.TrimSpace(os.Getenv("EMBED_BASE_URL"))
	cfg.Embedding.APIKey = strings.TrimSpace(os.Getenv("EMBED_API_KEY"))
	cfg.Embedding.Model = strings.TrimSpace(os.Getenv("EMBED_MODEL"))
	if v := strings.TrimSpace(os.Getenv("EMBED_DIMENSIONS")); v != "" {
		if n, err := parseInt(v); err == nil {
			cfg.Embedding.Dimensions = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("EMBED_TIMEOUT")); v != "" {
		if n, err := parseInt(v); err == nil {
			cfg.Embedding.Timeout = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("EMBED_CONCURRENCY")); v != "" {
		if n, err := parseInt(v); err == nil {
			cfg.Embedding.Concurrency = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("EMBED_DETERMINISTIC")); v != "" {
		cfg.Embedding.Deterministic = parseBool(v)
	}

	if v := strings.TrimSpace(os.Getenv("REDIS_ADDR")); v != "" {
		cfg.Redis.Enabled = true
		cfg.Redis.Addr = v
	}
	cfg.Redis.Password = strings.TrimSpace(os.Getenv("REDIS_PASSWORD"))
	if v := strings.TrimSpace(os.Getenv("REDIS_DB")); v != "" {
		if n, err := parseInt(v); err == nil {
			cfg.Redis.DB = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("REDIS_TLS_INSECURE_SKIP_VERIFY")); v != "" {
		cfg.Redis.TLSInsecureSkipVerify = parseBool(v)
	}

	cfg.Database.DSN = firstNonEmpty(
		strings.TrimSpace(os.Getenv("DATABASE_URL")),
		strings.TrimSpace(os.Getenv("POSTGRES_DSN")),
	)

	cfg.ClickHouse.DSN = strings.TrimSpace(os.Getenv("CLICKHOUSE_DSN"))
	cfg.ClickHouse.Database = strings.TrimSpace(os.Getenv("CLICKHOUSE_DATABASE"))
	cfg.ClickHouse.Table = strings.TrimSpace(os.Getenv("CLICKHOUSE_DEBUG_TABLE"))
	cfg.ClickHouse.Enabled = cfg.ClickHouse.DSN != ""

	cfg.Obs.ServiceName = strings.TrimSpace(os.Getenv("OTEL_SERVICE_NAME"))
	cfg.Obs.ServiceVersion = strings.TrimSpace(os.Getenv("SERVICE_VERSION"))
	cfg.Obs.Environment = strings.TrimSpace(os.Getenv("ENVIRONMENT"))
	cfg.Obs.OTLP = strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"))

	if v := strings.TrimSpace(os.Getenv("OPTIMIZER_MAX_UNITS")); v != "" {
		if n, err := parseInt(v); err == nil {
			cfg.Optimizer.MaxUnits = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("OPTIMIZER_MAX_NODES")); v != "" {
		if n, err := parseInt(v); err == nil {
			cfg.Optimizer.MaxNodes = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("OPTIMIZER_SEMANTIC_CACHE_TTL_SECONDS")); v != "" {
		if n, err := parseInt(v); err == nil {
			cfg.Optimizer.SemanticCacheTTLSeconds = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("OPTIMIZER_STATE_TTL_SECONDS")); v != "" {
		if n, err := parseInt(v); err == nil {
			cfg.Optimizer.StateTTLSeconds = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("OPTIMIZER_MAX_OUTPUT_TOKENS")); v != "" {
		if n, err := parseInt(v); err == nil {
			cfg.Optimizer.MaxOutputTokens = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("OPTIMIZER_STORE_DEBUG_SIGNALS")); v != "" {
		cfg.Optimizer.StoreDebugSignals = parseBool(v)
	}

	// YAML overlay: fills what the environment left at zero values (see
	// mergeZero for the granularity).
	if path := strings.TrimSpace(os.Getenv("CONFIG_PATH")); path != "" {
		overlay, err := loadYAML(path)
		if err != nil {
			return Config{}, err
		}
		mergeZero(&cfg, overlay)
	}

	applyDefaults(&cfg)
	return cfg, nil
}

func loadYAML(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}
	var overlay Config
	if err := yaml.Unmarshal(data, &overlay); err != nil {
		return Config{}, fmt.Errorf("parse config file: %w", err)
	}
	return overlay, nil
}

// mergeZero copies overlay values into cfg wherever cfg still holds the zero
// value. Top-level scalars are merged field by field; nested sections
// (OpenAI, Redis, Optimizer, ...) are taken from the file only when the
// environment left the whole section at its zero value, so a single env var
// in a section shadows every file value of that section. Environment always
// wins over the file.
func mergeZero(cfg *Config, overlay Config) {
	if cfg.Host == "" {
		cfg.Host = overlay.Host
	}
	if cfg.Port == 0 {
		cfg.Port = overlay.Port
	}
	if cfg.LogPath == "" {
		cfg.LogPath = overlay.LogPath
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = overlay.LogLevel
	}
	if cfg.Provider == "" {
		cfg.Provider = overlay.Provider
	}
	if cfg.OpenAI == (OpenAIConfig{}) {
		cfg.OpenAI = overlay.OpenAI
	}
	if cfg.Anthropic == (AnthropicConfig{}) {
		cfg.Anthropic = overlay.Anthropic
	}
	if cfg.Google == (GoogleConfig{}) {
		cfg.Google = overlay.Google
	}
	if cfg.Embedding == (EmbeddingConfig{}) {
		cfg.Embedding = overlay.Embedding
	}
	if cfg.Redis == (RedisConfig{}) {
		cfg.Redis = overlay.Redis
	}
	if cfg.Database == (DatabaseConfig{}) {
		cfg.Database = overlay.Database
	}
	if cfg.ClickHouse == (ClickHouseConfig{}) {
		cfg.ClickHouse = overlay.ClickHouse
	}
	if cfg.Obs == (ObsConfig{}) {
		cfg.Obs = overlay.Obs
	}
	if cfg.Optimizer == (OptimizerConfig{}) {
		cfg.Optimizer = overlay.Optimizer
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Port == 0 {
		cfg.Port = 8200
	}
	if cfg.Provider == "" {
		cfg.Provider = "openai"
	}
	if cfg.Obs.ServiceName == "" {
		cfg.Obs.ServiceName = "spectyra"
	}
	if cfg.Embedding.Dimensions <= 0 {
		cfg.Embedding.Dimensions = 768
	}
	if cfg.Embedding.Timeout <= 0 {
		cfg.Embedding.Timeout = 30
	}
	if cfg.Embedding.Concurrency <= 0 {
		cfg.Embedding.Concurrency = 5
	}
	if cfg.ClickHouse.Database == "" {
		cfg.ClickHouse.Database = "default"
	}
	if cfg.ClickHouse.Table == "" {
		cfg.ClickHouse.Table = "spectyra_debug_signals"
	}

	o := &cfg.Optimizer
	if o.MaxUnits <= 0 {
		o.MaxUnits = 50
	}
	if o.MaxNodes <= 0 {
		o.MaxNodes = 50
	}
	if o.UnitMinChars <= 0 {
		o.UnitMinChars = 40
	}
	if o.UnitMaxChars <= 0 {
		o.UnitMaxChars = 900
	}
	if o.SimilarityEdgeMin == 0 {
		o.SimilarityEdgeMin = 0.62
	}
	if o.ContradictionEdgeWeight == 0 {
		o.ContradictionEdgeWeight = -0.8
	}
	if o.SemanticCacheTTLSeconds <= 0 {
		o.SemanticCacheTTLSeconds = 24 * 60 * 60
	}
	if o.StateTTLSeconds <= 0 {
		o.StateTTLSeconds = 24 * 60 * 60
	}
	if o.MaxOutputTokens <= 0 {
		o.MaxOutputTokens = 1024
	}
	if o.ProviderTimeoutSeconds <= 0 {
		o.ProviderTimeoutSeconds = 120
	}
	if o.CacheTimeoutSeconds <= 0 {
		o.CacheTimeoutSeconds = 2
	}
}

func parseInt(s string) (int, error) {
	return strconv.Atoi(strings.TrimSpace(s))
}

func parseBool(s string) bool {
	return strings.EqualFold(s, "true") || s == "1" || strings.EqualFold(s, "yes")
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

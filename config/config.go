package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/mohammad-safakhou/quester/internal/rag"
)

// Config holds all configuration for the quester service
type Config struct {
	General   GeneralConfig   `mapstructure:"general"`
	Server    ServerConfig    `mapstructure:"server"`
	LLM       LLMConfig       `mapstructure:"llm"`
	Search    SearchConfig    `mapstructure:"search"`
	Engine    EngineConfig    `mapstructure:"engine"`
	Session   SessionConfig   `mapstructure:"session"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Ingest    IngestConfig    `mapstructure:"ingest"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// GeneralConfig contains general application settings
type GeneralConfig struct {
	Debug    bool   `mapstructure:"debug"`
	LogLevel string `mapstructure:"log_level"`
}

// ServerConfig contains HTTP server and auth settings
type ServerConfig struct {
	Address      string `mapstructure:"address"`
	JWTSecret    string `mapstructure:"jwt_secret"`
	AuthRequired bool   `mapstructure:"auth_required"`
}

// LLMConfig contains the completion provider configuration
type LLMConfig struct {
	Type            string        `mapstructure:"type"` // openai (OpenAI-compatible endpoints)
	APIKey          string        `mapstructure:"api_key"`
	BaseURL         string        `mapstructure:"base_url"`
	Model           string        `mapstructure:"model"`
	Timeout         time.Duration `mapstructure:"timeout"`
	CostPer1KInput  float64       `mapstructure:"cost_per_1k_input"`
	CostPer1KOutput float64       `mapstructure:"cost_per_1k_output"`
}

// SearchConfig selects and configures the retrieval backend
type SearchConfig struct {
	Backend string        `mapstructure:"backend"` // bleve or elasticsearch
	Bleve   BleveConfig   `mapstructure:"bleve"`
	Elastic ElasticConfig `mapstructure:"elasticsearch"`
}

// BleveConfig configures the embedded index backend
type BleveConfig struct {
	Path string `mapstructure:"path"` // empty means in-memory
}

// ElasticConfig configures the Elasticsearch backend
type ElasticConfig struct {
	Addresses []string `mapstructure:"addresses"`
	Username  string   `mapstructure:"username"`
	Password  string   `mapstructure:"password"`
	Index     string   `mapstructure:"index"`
}

// EngineConfig contains the turn-processing knobs handed to the engine
type EngineConfig struct {
	MaxPlannedQueries    int           `mapstructure:"max_planned_queries"`
	SearchConcurrency    int           `mapstructure:"search_concurrency"`
	SearchTimeout        time.Duration `mapstructure:"search_timeout"`
	TopK                 int           `mapstructure:"top_k"`
	MinPerQuery          int           `mapstructure:"min_per_query"`
	MemoryWindow         int           `mapstructure:"memory_window"`
	ContextTurns         int           `mapstructure:"context_turns"`
	AnswerContextLimit   int           `mapstructure:"answer_context_limit"`
	ContentBudget        int           `mapstructure:"content_budget"`
	PlanningTemperature  float64       `mapstructure:"planning_temperature"`
	SynthesisTemperature float64       `mapstructure:"synthesis_temperature"`
	MaxAnswerTokens      int           `mapstructure:"max_answer_tokens"`
}

// SessionConfig selects the conversation store
type SessionConfig struct {
	Store string        `mapstructure:"store"` // inmemory or redis
	TTL   time.Duration `mapstructure:"ttl"`   // redis only, 0 keeps sessions forever
}

// StorageConfig contains backing stores
type StorageConfig struct {
	Postgres PostgresConfig `mapstructure:"postgres"`
	Redis    RedisConfig    `mapstructure:"redis"`
}

// PostgresConfig contains Postgres connection settings
type PostgresConfig struct {
	URL      string `mapstructure:"url"`
	Host     string `mapstructure:"host"`
	Port     string `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
	SSLMode  string `mapstructure:"sslmode"`
}

// RedisConfig contains Redis connection settings
type RedisConfig struct {
	Host     string        `mapstructure:"host"`
	Port     string        `mapstructure:"port"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// IngestConfig configures corpus ingestion
type IngestConfig struct {
	ChunkSize    int            `mapstructure:"chunk_size"`
	ChunkOverlap int            `mapstructure:"chunk_overlap"`
	FetchTimeout time.Duration  `mapstructure:"fetch_timeout"`
	MaxChars     int            `mapstructure:"max_chars"`
	PoolSize     int            `mapstructure:"pool_size"`
	Sources      []IngestSource `mapstructure:"sources"`
}

// IngestSource is one scheduled document source
type IngestSource struct {
	URL          string `mapstructure:"url"`
	ScheduleCron string `mapstructure:"schedule_cron"` // 5-field cron, @hourly or @daily
}

// TelemetryConfig contains observability settings
type TelemetryConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Namespace string `mapstructure:"namespace"`
}

// DSN builds a Postgres connection string, preferring the explicit URL.
func (p PostgresConfig) DSN() (string, error) {
	if p.URL != "" {
		return p.URL, nil
	}
	if p.Host == "" || p.DBName == "" {
		return "", fmt.Errorf("postgres not configured (storage.postgres.host/dbname or url)")
	}
	port := p.Port
	if port == "" {
		port = "5432"
	}
	ssl := p.SSLMode
	if ssl == "" {
		ssl = "disable"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", p.User, p.Password, p.Host, port, p.DBName, ssl), nil
}

// Addr returns host:port for the Redis client.
func (r RedisConfig) Addr() string {
	host := r.Host
	if host == "" {
		host = "localhost"
	}
	port := r.Port
	if port == "" {
		port = "6379"
	}
	return host + ":" + port
}

// EngineConfig maps the configured knobs onto the engine's explicit config value.
func (c *Config) EngineConfig() rag.Config {
	return rag.Config{
		MaxPlannedQueries:    c.Engine.MaxPlannedQueries,
		SearchConcurrency:    c.Engine.SearchConcurrency,
		SearchTimeout:        c.Engine.SearchTimeout,
		TopK:                 c.Engine.TopK,
		MinPerQuery:          c.Engine.MinPerQuery,
		MemoryWindow:         c.Engine.MemoryWindow,
		ContextTurns:         c.Engine.ContextTurns,
		AnswerContextLimit:   c.Engine.AnswerContextLimit,
		ContentBudget:        c.Engine.ContentBudget,
		PlanningTemperature:  c.Engine.PlanningTemperature,
		SynthesisTemperature: c.Engine.SynthesisTemperature,
		MaxAnswerTokens:      c.Engine.MaxAnswerTokens,
	}
}

// LoadConfig loads configuration from file and environment variables.
// An empty path searches ./config and the working directory; a missing
// file is fine, defaults and QUESTER_* environment variables apply.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("json")
	if path == "" {
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
	} else {
		v.SetConfigFile(path)
	}

	v.SetEnvPrefix("QUESTER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	overrideFromEnv(v)

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("general.debug", false)
	v.SetDefault("general.log_level", "info")

	v.SetDefault("server.address", ":10010")
	v.SetDefault("server.auth_required", false)

	v.SetDefault("llm.type", "openai")
	v.SetDefault("llm.model", "gpt-4o-mini")
	v.SetDefault("llm.timeout", "60s")
	v.SetDefault("llm.cost_per_1k_input", 0.0)
	v.SetDefault("llm.cost_per_1k_output", 0.0)

	v.SetDefault("search.backend", "bleve")
	v.SetDefault("search.bleve.path", "")
	v.SetDefault("search.elasticsearch.index", "quester-chunks")

	v.SetDefault("engine.max_planned_queries", 5)
	v.SetDefault("engine.search_concurrency", 5)
	v.SetDefault("engine.search_timeout", "10s")
	v.SetDefault("engine.top_k", 20)
	v.SetDefault("engine.min_per_query", 5)
	v.SetDefault("engine.memory_window", 5)
	v.SetDefault("engine.context_turns", 3)
	v.SetDefault("engine.answer_context_limit", 200)
	v.SetDefault("engine.content_budget", 12000)
	v.SetDefault("engine.planning_temperature", 0.0)
	v.SetDefault("engine.synthesis_temperature", 0.1)
	v.SetDefault("engine.max_answer_tokens", 1000)

	v.SetDefault("session.store", "inmemory")
	v.SetDefault("session.ttl", "0s")

	v.SetDefault("storage.redis.host", "localhost")
	v.SetDefault("storage.redis.port", "6379")
	v.SetDefault("storage.redis.db", 0)
	v.SetDefault("storage.redis.timeout", "5s")

	v.SetDefault("ingest.chunk_size", 1000)
	v.SetDefault("ingest.chunk_overlap", 200)
	v.SetDefault("ingest.fetch_timeout", "15s")
	v.SetDefault("ingest.max_chars", 20000)
	v.SetDefault("ingest.pool_size", 0) // 0 lets the pipeline size itself

	v.SetDefault("telemetry.enabled", true)
	v.SetDefault("telemetry.namespace", "quester")
}

// overrideFromEnv maps well-known plain environment variables onto config
// keys so deployments do not need the QUESTER_ prefix for common secrets.
func overrideFromEnv(v *viper.Viper) {
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		v.Set("llm.api_key", key)
	}
	if url := os.Getenv("OPENAI_BASE_URL"); url != "" {
		v.Set("llm.base_url", url)
	}
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		v.Set("storage.postgres.url", dsn)
	}
	if secret := os.Getenv("QUESTER_JWT_SECRET"); secret != "" {
		v.Set("server.jwt_secret", secret)
	}
}

func validateConfig(config *Config) error {
	switch config.LLM.Type {
	case "openai":
	default:
		return fmt.Errorf("unsupported llm type: %s", config.LLM.Type)
	}

	switch config.Search.Backend {
	case "bleve":
	case "elasticsearch":
		if len(config.Search.Elastic.Addresses) == 0 {
			return fmt.Errorf("search.elasticsearch.addresses is required for the elasticsearch backend")
		}
	default:
		return fmt.Errorf("unsupported search backend: %s", config.Search.Backend)
	}

	switch config.Session.Store {
	case "inmemory", "redis":
	default:
		return fmt.Errorf("unsupported session store: %s", config.Session.Store)
	}

	if config.Engine.MemoryWindow < 0 {
		return fmt.Errorf("engine.memory_window must be >= 0")
	}
	if config.Engine.MaxPlannedQueries < 1 {
		return fmt.Errorf("engine.max_planned_queries must be >= 1")
	}

	for _, src := range config.Ingest.Sources {
		if strings.TrimSpace(src.URL) == "" {
			return fmt.Errorf("ingest.sources entries require a url")
		}
	}

	return nil
}

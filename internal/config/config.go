package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
)

// Config is the top-level configuration structure.
type Config struct {
	Server    ServerConfig     `json:"server"`
	Providers []ProviderConfig `json:"providers"`
	Embedding EmbeddingConfig  `json:"embedding"`
	Database  DatabaseConfig   `json:"database"`
	Memory    MemoryConfig     `json:"memory"`
	Session   SessionConfig    `json:"session"`
}

type ServerConfig struct {
	Port       int    `json:"port"`
	LogLevel   string `json:"log_level"`
	DevLogging bool   `json:"dev_logging"`
}

type ProviderConfig struct {
	ID             string            `json:"id"`
	Type           string            `json:"type"`
	Name           string            `json:"name"`
	Endpoint       string            `json:"endpoint"`
	APIKey         string            `json:"api_key"`
	Models         []string          `json:"models,omitempty"`
	Extra          map[string]string `json:"extra,omitempty"`
	TimeoutSeconds int               `json:"timeout_seconds,omitempty"`
}

type EmbeddingConfig struct {
	Provider          string  `json:"provider"`
	Endpoint          string  `json:"endpoint"`
	Model             string  `json:"model"`
	APIKey            string  `json:"api_key"`
	Dimension         int     `json:"dimension"`
	TimeoutSeconds    int     `json:"timeout_seconds"`
	CacheSize         int     `json:"cache_size"`
	RequestsPerSecond float64 `json:"requests_per_second"`
	Burst             int     `json:"burst"`
}

type DatabaseConfig struct {
	Postgres PostgresConfig `json:"postgres"`
	Redis    RedisConfig    `json:"redis"`
	Qdrant   QdrantConfig   `json:"qdrant"`
}

type PostgresConfig struct {
	DSN string `json:"dsn"`
}

type RedisConfig struct {
	URL string `json:"url"`
}

type QdrantConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

type WeightsConfig struct {
	Similarity float64 `json:"similarity"`
	Importance float64 `json:"importance"`
	Recency    float64 `json:"recency"`
}

type MemoryConfig struct {
	Backend          string        `json:"backend"` // chromem | postgres | qdrant
	Path             string        `json:"path"`
	Compress         bool          `json:"compress"`
	Collection       string        `json:"collection"`
	MigrationsDir    string        `json:"migrations_dir"`
	DecayEnabled     *bool         `json:"decay_enabled,omitempty"`
	HalfLifeDays     float64       `json:"half_life_days"`
	Weights          WeightsConfig `json:"weights"`
	TopK             int           `json:"top_k"`
	BatchConcurrency int           `json:"batch_concurrency"`
	Extraction       string        `json:"extraction"` // heuristic | llm
	Keywords         []string      `json:"keywords,omitempty"`
}

// Decay reports whether importance decay is applied at ranking time.
func (m MemoryConfig) Decay() bool {
	return m.DecayEnabled == nil || *m.DecayEnabled
}

type SessionConfig struct {
	MaxIdleMinutes    int     `json:"max_idle_minutes"`
	MaxSessions       int     `json:"max_sessions"`
	SystemPrompt      string  `json:"system_prompt"`
	Model             string  `json:"model"`
	Temperature       float64 `json:"temperature"`
	MaxTokens         int     `json:"max_tokens"`
	LLMTimeoutSeconds int     `json:"llm_timeout_seconds"`
	TurnLog           string  `json:"turn_log"` // memory | redis | postgres
}

// envVarRe matches ${VAR} and ${VAR:default} patterns.
var envVarRe = regexp.MustCompile(`\$\{(\w+)(?::([^}]*))?\}`)

// Load reads a JSON config file, substitutes environment variable references,
// fills defaults and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Parse is Load without the file read.
func Parse(data []byte) (*Config, error) {
	// Substitute ${VAR} and ${VAR:default} with environment values.
	resolved := envVarRe.ReplaceAllStringFunc(string(data), func(match string) string {
		parts := envVarRe.FindStringSubmatch(match)
		name := parts[1]
		defaultVal := parts[2]
		if v := os.Getenv(name); v != "" {
			return v
		}
		return defaultVal
	})

	var cfg Config
	if err := json.Unmarshal([]byte(resolved), &cfg); err != nil {
		return nil, fmt.Errorf("parse: %w", err)
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ApplyDefaults fills every unset value.
func (c *Config) ApplyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = "info"
	}

	if c.Embedding.Provider == "" {
		c.Embedding.Provider = "hash"
	}
	if c.Embedding.TimeoutSeconds == 0 {
		c.Embedding.TimeoutSeconds = 30
	}
	if c.Embedding.CacheSize == 0 {
		c.Embedding.CacheSize = 1024
	}

	if c.Database.Qdrant.Host == "" {
		c.Database.Qdrant.Host = "localhost"
	}
	if c.Database.Qdrant.Port == 0 {
		c.Database.Qdrant.Port = 6334
	}

	m := &c.Memory
	if m.Backend == "" {
		m.Backend = "chromem"
	}
	if m.Collection == "" {
		m.Collection = "memories"
	}
	if m.MigrationsDir == "" {
		m.MigrationsDir = "migrations"
	}
	if m.HalfLifeDays == 0 {
		m.HalfLifeDays = 30
	}
	if m.Weights == (WeightsConfig{}) {
		m.Weights = WeightsConfig{Similarity: 0.7, Importance: 0.2, Recency: 0.1}
	}
	if m.TopK == 0 {
		m.TopK = 5
	}
	if m.BatchConcurrency == 0 {
		m.BatchConcurrency = 4
	}
	if m.Extraction == "" {
		m.Extraction = "heuristic"
	}

	s := &c.Session
	if s.MaxIdleMinutes == 0 {
		s.MaxIdleMinutes = 30
	}
	if s.MaxSessions == 0 {
		s.MaxSessions = 10000
	}
	if s.LLMTimeoutSeconds == 0 {
		s.LLMTimeoutSeconds = 60
	}
	if s.TurnLog == "" {
		s.TurnLog = "memory"
	}
}

// Validate rejects configurations the server cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	switch strings.ToLower(c.Server.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("server.log_level %q: want debug, info, warn or error", c.Server.LogLevel))
	}

	switch c.Embedding.Provider {
	case "api", "openai", "local", "ollama", "hash":
	default:
		errs = append(errs, fmt.Errorf("embedding.provider %q: want api, local or hash", c.Embedding.Provider))
	}
	if c.Embedding.Dimension < 0 {
		errs = append(errs, errors.New("embedding.dimension must not be negative"))
	}

	m := c.Memory
	switch m.Backend {
	case "chromem":
	case "postgres":
		if c.Database.Postgres.DSN == "" {
			errs = append(errs, errors.New("memory.backend postgres requires database.postgres.dsn"))
		}
	case "qdrant":
	default:
		errs = append(errs, fmt.Errorf("memory.backend %q: want chromem, postgres or qdrant", m.Backend))
	}
	if m.HalfLifeDays <= 0 {
		errs = append(errs, errors.New("memory.half_life_days must be positive"))
	}
	if m.Weights.Similarity < 0 || m.Weights.Importance < 0 || m.Weights.Recency < 0 {
		errs = append(errs, errors.New("memory.weights must not be negative"))
	}
	if m.TopK < 0 {
		errs = append(errs, errors.New("memory.top_k must not be negative"))
	}
	switch m.Extraction {
	case "heuristic", "llm":
	default:
		errs = append(errs, fmt.Errorf("memory.extraction %q: want heuristic or llm", m.Extraction))
	}

	switch c.Session.TurnLog {
	case "memory":
	case "redis":
		if c.Database.Redis.URL == "" {
			errs = append(errs, errors.New("session.turn_log redis requires database.redis.url"))
		}
	case "postgres":
		if c.Database.Postgres.DSN == "" {
			errs = append(errs, errors.New("session.turn_log postgres requires database.postgres.dsn"))
		}
	default:
		errs = append(errs, fmt.Errorf("session.turn_log %q: want memory, redis or postgres", c.Session.TurnLog))
	}

	seen := make(map[string]bool)
	for i, p := range c.Providers {
		if p.ID == "" {
			errs = append(errs, fmt.Errorf("providers[%d].id is required", i))
			continue
		}
		if seen[p.ID] {
			errs = append(errs, fmt.Errorf("providers[%d]: duplicate id %q", i, p.ID))
		}
		seen[p.ID] = true
	}
	return errors.Join(errs...)
}

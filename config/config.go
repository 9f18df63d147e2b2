// Package config loads gateway settings from .env, an optional YAML file and
// GATEWAY_ environment overrides, in that order.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/vnmchuo/tutor-gateway/internal/provider"
)

const envPrefix = "GATEWAY_"

type Config struct {
	Server    ServerConfig              `koanf:"server"`
	Postgres  PostgresConfig            `koanf:"postgres"`
	Redis     RedisConfig               `koanf:"redis"`
	OTEL      OTELConfig                `koanf:"otel"`
	RateLimit RateLimitConfig           `koanf:"ratelimit"`
	Quota     QuotaConfig               `koanf:"quota"`
	Retry     RetryConfig               `koanf:"retry"`
	Validator ValidatorConfig           `koanf:"validator"`
	Log       LogConfig                 `koanf:"log"`
	Priority  []string                  `koanf:"priority"`
	Providers map[string]ProviderConfig `koanf:"providers"`
	Seed      bool                      `koanf:"seed"`
}

type ServerConfig struct {
	Port           int           `koanf:"port"`
	RequestTimeout time.Duration `koanf:"requesttimeout"`
	ReadTimeout    time.Duration `koanf:"readtimeout"`
	WriteTimeout   time.Duration `koanf:"writetimeout"`
}

type PostgresConfig struct {
	DSN string `koanf:"dsn"`
}

type RedisConfig struct {
	Addr string `koanf:"addr"`
}

type OTELConfig struct {
	Exporter string `koanf:"exporter"` // "stdout" or "otlp"
	Endpoint string `koanf:"endpoint"`
}

type RateLimitConfig struct {
	RPM int64 `koanf:"rpm"` // requests per user per minute
}

// QuotaConfig is the per-user daily ceiling. Zero disables a dimension.
type QuotaConfig struct {
	Requests int64   `koanf:"requests"`
	Tokens   int64   `koanf:"tokens"`
	Cost     float64 `koanf:"cost"`
}

type RetryConfig struct {
	Max  int           `koanf:"max"`
	Base time.Duration `koanf:"base"`
	Cap  time.Duration `koanf:"cap"`
}

type ValidatorConfig struct {
	Relevance float64 `koanf:"relevance"`
}

type LogConfig struct {
	Level string `koanf:"level"`
	JSON  bool   `koanf:"json"`
	File  string `koanf:"file"`
}

type ProviderConfig struct {
	APIKey      string        `koanf:"apikey"`
	BaseURL     string        `koanf:"baseurl"`
	Model       string        `koanf:"model"`
	Timeout     time.Duration `koanf:"timeout"`
	RPS         float64       `koanf:"rps"`
	InputPrice  float64       `koanf:"inputprice"`
	OutputPrice float64       `koanf:"outputprice"`
}

var keyFallbacks = map[provider.ID]string{
	provider.OpenRouter: "OPENROUTER_API_KEY",
	provider.Gemini:     "GEMINI_API_KEY",
	provider.ZAI:        "ZAI_API_KEY",
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port:           8080,
			RequestTimeout: 10 * time.Second,
			ReadTimeout:    30 * time.Second,
			WriteTimeout:   30 * time.Second,
		},
		OTEL:      OTELConfig{Exporter: "stdout", Endpoint: "localhost:4317"},
		RateLimit: RateLimitConfig{RPM: 60},
		Retry:     RetryConfig{Max: 3, Base: time.Second, Cap: 30 * time.Second},
		Validator: ValidatorConfig{Relevance: 0.5},
		Log:       LogConfig{Level: "info", JSON: true},
	}
}

// Load builds the config. An empty path skips the YAML layer.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("loading config file: %w", err)
		}
	}

	// GATEWAY_SERVER_PORT -> server.port
	if err := k.Load(env.Provider(envPrefix, ".", func(s string) string {
		return strings.ReplaceAll(
			strings.ToLower(strings.TrimPrefix(s, envPrefix)),
			"_", ".",
		)
	}), nil); err != nil {
		return nil, fmt.Errorf("loading env vars: %w", err)
	}

	cfg := defaults()
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if cfg.Providers == nil {
		cfg.Providers = make(map[string]ProviderConfig)
	}
	for id, fallback := range keyFallbacks {
		p := cfg.Providers[string(id)]
		p.APIKey = expand(p.APIKey)
		if p.APIKey == "" {
			p.APIKey = os.Getenv(fallback)
		}
		cfg.Providers[string(id)] = p
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// expand resolves a whole-value ${VAR} placeholder.
func expand(v string) string {
	if strings.HasPrefix(v, "${") && strings.HasSuffix(v, "}") {
		return os.Getenv(v[2 : len(v)-1])
	}
	return v
}

func (c *Config) Validate() error {
	var errs []error
	if c.Postgres.DSN == "" {
		errs = append(errs, errors.New("postgres.dsn is required"))
	}
	if c.Redis.Addr == "" {
		errs = append(errs, errors.New("redis.addr is required"))
	}
	if c.Server.Port <= 0 {
		errs = append(errs, fmt.Errorf("server.port must be positive, got %d", c.Server.Port))
	}
	if c.Server.RequestTimeout <= 0 {
		errs = append(errs, errors.New("server.requesttimeout must be positive"))
	}
	if c.Retry.Max < 0 || c.Retry.Base <= 0 || c.Retry.Cap < c.Retry.Base {
		errs = append(errs, errors.New("retry: need max >= 0 and 0 < base <= cap"))
	}
	if c.Validator.Relevance < 0 || c.Validator.Relevance > 1 {
		errs = append(errs, errors.New("validator.relevance must be in [0,1]"))
	}
	seen := make(map[provider.ID]bool)
	for _, name := range c.Priority {
		id, err := provider.ParseID(name)
		if err != nil {
			errs = append(errs, fmt.Errorf("priority: %w", err))
			continue
		}
		if seen[id] {
			errs = append(errs, fmt.Errorf("priority: %s listed twice", id))
		}
		seen[id] = true
	}
	return errors.Join(errs...)
}

// Order returns the provider priority as ids, defaulting to provider.All.
// Call after Validate.
func (c *Config) Order() []provider.ID {
	if len(c.Priority) == 0 {
		return provider.All
	}
	out := make([]provider.ID, 0, len(c.Priority))
	for _, name := range c.Priority {
		if id, err := provider.ParseID(name); err == nil {
			out = append(out, id)
		}
	}
	return out
}

// ProviderOptions converts the config block for id into adapter options.
func (c *Config) ProviderOptions(id provider.ID) provider.Options {
	p := c.Providers[string(id)]
	return provider.Options{
		APIKey:            p.APIKey,
		BaseURL:           p.BaseURL,
		Model:             p.Model,
		Timeout:           p.Timeout,
		RequestsPerSecond: p.RPS,
		InputPrice:        p.InputPrice,
		OutputPrice:       p.OutputPrice,
	}
}

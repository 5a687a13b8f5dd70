package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Server struct {
		Address         string        `yaml:"address"`
		ReadTimeout     time.Duration `yaml:"read_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
		AllowedOrigins  []string      `yaml:"allowed_origins"`
	} `yaml:"server"`

	Signal struct {
		Path         string        `yaml:"path"`
		PingInterval time.Duration `yaml:"ping_interval"`
		PongTimeout  time.Duration `yaml:"pong_timeout"`
		ReadTimeout  time.Duration `yaml:"read_timeout"`
		WriteTimeout time.Duration `yaml:"write_timeout"`
	} `yaml:"signal"`

	Auth struct {
		// Algorithm selects exactly one verification family; tokens
		// signed with any other algorithm are rejected outright.
		Algorithm string `yaml:"algorithm"` // "HS256" or "RS256"
		JWTSecret string `yaml:"jwt_secret"`
		JWKSURI   string `yaml:"jwks_uri"`
	} `yaml:"auth"`

	Redis struct {
		Address  string `yaml:"address"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
		PoolSize int    `yaml:"pool_size"`
	} `yaml:"redis"`

	Directory struct {
		BaseURL        string        `yaml:"base_url"`
		RequestTimeout time.Duration `yaml:"request_timeout"`
	} `yaml:"directory"`

	Limits struct {
		MessagesPerSecond   float64 `yaml:"messages_per_second"`
		Burst               int     `yaml:"burst"`
		MaxMessageSizeBytes int64   `yaml:"max_message_size_bytes"`
		HTTPPerSecond       float64 `yaml:"http_per_second"`
		HTTPBurst           int     `yaml:"http_burst"`
	} `yaml:"limits"`

	Monitoring struct {
		PrometheusEnabled bool `yaml:"prometheus_enabled"`
	} `yaml:"monitoring"`

	Tracing struct {
		Enabled     bool    `yaml:"enabled"`
		JaegerURL   string  `yaml:"jaeger_url"`
		Environment string  `yaml:"environment"`
		SampleRate  float64 `yaml:"sample_rate"`
	} `yaml:"tracing"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`
}

// Validate checks that configuration values are within acceptable
// ranges. Auth and redis misconfiguration is a startup-time fatal
// condition for the gateway, never a per-request one.
func (c *Config) Validate() error {
	// Server
	if c.Server.Address == "" {
		return fmt.Errorf("server.address must not be empty")
	}
	if c.Server.ReadTimeout <= 0 {
		return fmt.Errorf("server.read_timeout must be > 0")
	}
	if c.Server.WriteTimeout <= 0 {
		return fmt.Errorf("server.write_timeout must be > 0")
	}
	if c.Server.ShutdownTimeout <= 0 {
		return fmt.Errorf("server.shutdown_timeout must be > 0")
	}
	if len(c.Server.AllowedOrigins) == 0 {
		return fmt.Errorf("server.allowed_origins must not be empty")
	}

	// Signal
	if c.Signal.Path == "" {
		return fmt.Errorf("signal.path must not be empty")
	}
	if c.Signal.PingInterval <= 0 {
		return fmt.Errorf("signal.ping_interval must be > 0")
	}
	if c.Signal.PongTimeout <= 0 {
		return fmt.Errorf("signal.pong_timeout must be > 0")
	}
	if c.Signal.ReadTimeout <= 0 {
		return fmt.Errorf("signal.read_timeout must be > 0")
	}
	if c.Signal.WriteTimeout <= 0 {
		return fmt.Errorf("signal.write_timeout must be > 0")
	}

	// Auth
	switch strings.ToUpper(c.Auth.Algorithm) {
	case "HS256":
		if c.Auth.JWTSecret == "" {
			return fmt.Errorf("auth.jwt_secret must not be empty for HS256")
		}
	case "RS256":
		if c.Auth.JWKSURI == "" {
			return fmt.Errorf("auth.jwks_uri must not be empty for RS256")
		}
	case "":
		return fmt.Errorf("auth.algorithm must be set")
	default:
		return fmt.Errorf("auth.algorithm %q is not supported (HS256 or RS256)", c.Auth.Algorithm)
	}

	// Redis is mandatory: the gateway cannot safely serve
	// multi-instance rooms without the shared store and bus.
	if c.Redis.Address == "" {
		return fmt.Errorf("redis.address must not be empty")
	}
	if c.Redis.PoolSize <= 0 {
		return fmt.Errorf("redis.pool_size must be > 0")
	}

	// Directory
	if c.Directory.BaseURL == "" {
		return fmt.Errorf("directory.base_url must not be empty")
	}
	if c.Directory.RequestTimeout <= 0 {
		return fmt.Errorf("directory.request_timeout must be > 0")
	}

	// Limits
	if c.Limits.MessagesPerSecond <= 0 {
		return fmt.Errorf("limits.messages_per_second must be > 0")
	}
	if c.Limits.Burst <= 0 {
		return fmt.Errorf("limits.burst must be > 0")
	}
	if c.Limits.MaxMessageSizeBytes <= 0 {
		return fmt.Errorf("limits.max_message_size_bytes must be > 0")
	}
	if c.Limits.HTTPPerSecond <= 0 {
		return fmt.Errorf("limits.http_per_second must be > 0")
	}
	if c.Limits.HTTPBurst <= 0 {
		return fmt.Errorf("limits.http_burst must be > 0")
	}

	// Tracing
	if c.Tracing.Enabled {
		if c.Tracing.JaegerURL == "" {
			return fmt.Errorf("tracing.jaeger_url must not be empty when tracing is enabled")
		}
		if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
			return fmt.Errorf("tracing.sample_rate must be within [0, 1]")
		}
	}

	// Logging
	if c.Logging.Level == "" {
		return fmt.Errorf("logging.level must not be empty")
	}

	return nil
}

// Load reads configuration from YAML file, applies defaults and env overrides.
func Load(configPath string) (*Config, error) {
	// If file does not exist, fall back to defaults
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		cfg := DefaultConfig()
		cfg.applyEnvOverrides()
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("invalid configuration: %w", err)
		}
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config yaml: %w", err)
	}

	cfg.applyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// DefaultConfig returns configuration with sane defaults.
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Server.Address = ":8080"
	cfg.Server.ReadTimeout = 30 * time.Second
	cfg.Server.WriteTimeout = 30 * time.Second
	cfg.Server.ShutdownTimeout = 30 * time.Second
	cfg.Server.AllowedOrigins = []string{"*"}

	cfg.Signal.Path = "/rtc"
	cfg.Signal.PingInterval = 30 * time.Second
	cfg.Signal.PongTimeout = 60 * time.Second
	cfg.Signal.ReadTimeout = 60 * time.Second
	cfg.Signal.WriteTimeout = 10 * time.Second

	cfg.Auth.Algorithm = "HS256"
	cfg.Auth.JWTSecret = "change-me-in-production"

	cfg.Redis.Address = "localhost:6379"
	cfg.Redis.DB = 0
	cfg.Redis.PoolSize = 10

	cfg.Directory.BaseURL = "http://localhost:8080/api"
	cfg.Directory.RequestTimeout = 3 * time.Second

	cfg.Limits.MessagesPerSecond = 100
	cfg.Limits.Burst = 200
	cfg.Limits.MaxMessageSizeBytes = 64 * 1024
	cfg.Limits.HTTPPerSecond = 50
	cfg.Limits.HTTPBurst = 100

	cfg.Monitoring.PrometheusEnabled = true

	cfg.Tracing.Enabled = false
	cfg.Tracing.JaegerURL = "http://localhost:14268/api/traces"
	cfg.Tracing.Environment = "development"
	cfg.Tracing.SampleRate = 1.0

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"

	return cfg
}

func (c *Config) applyEnvOverrides() {
	if addr := os.Getenv("STREAMGATE_SERVER_ADDRESS"); addr != "" {
		c.Server.Address = addr
	}
	if origins := os.Getenv("STREAMGATE_ALLOWED_ORIGINS"); origins != "" {
		c.Server.AllowedOrigins = strings.Split(origins, ",")
	}
	if alg := os.Getenv("STREAMGATE_JWT_ALGORITHM"); alg != "" {
		c.Auth.Algorithm = alg
	}
	if secret := os.Getenv("STREAMGATE_JWT_SECRET"); secret != "" {
		c.Auth.JWTSecret = secret
	}
	if uri := os.Getenv("STREAMGATE_JWKS_URI"); uri != "" {
		c.Auth.JWKSURI = uri
	}
	if addr := os.Getenv("STREAMGATE_REDIS_ADDRESS"); addr != "" {
		c.Redis.Address = addr
	}
	if pass := os.Getenv("STREAMGATE_REDIS_PASSWORD"); pass != "" {
		c.Redis.Password = pass
	}
	if base := os.Getenv("STREAMGATE_DIRECTORY_BASE_URL"); base != "" {
		c.Directory.BaseURL = base
	}
	if level := os.Getenv("STREAMGATE_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
}

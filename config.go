package alpaca

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Environment variable names for credential loading.
const (
	EnvKeyID     = "ALPACA_API_KEY_ID"
	EnvSecretKey = "ALPACA_API_SECRET_KEY"
	EnvTradeEnv  = "ALPACA_ENV"
)

// Config is the YAML file representation of client settings. Durations are
// expressed in milliseconds to keep the file format language neutral.
type Config struct {
	Environment string `yaml:"environment"`

	Credentials struct {
		KeyID     string `yaml:"key_id"`
		SecretKey string `yaml:"secret_key"`
	} `yaml:"credentials"`

	CircuitBreaker struct {
		FailureThreshold    int `yaml:"failure_threshold"`
		TimeoutMs           int `yaml:"timeout_ms"`
		RecoveryTimeoutMs   int `yaml:"recovery_timeout_ms"`
		HalfOpenMaxAttempts int `yaml:"half_open_max_attempts"`
		ResetTimeoutMs      int `yaml:"reset_timeout_ms"`
	} `yaml:"circuit_breaker"`

	Deduplication struct {
		Disabled           bool `yaml:"disabled"`
		MaxPendingRequests int  `yaml:"max_pending_requests"`
		TimeoutMs          int  `yaml:"timeout_ms"`
	} `yaml:"deduplication"`

	ConnectionPool struct {
		Disabled         bool `yaml:"disabled"`
		MaxConnections   int  `yaml:"max_connections"`
		MaxIdleTimeMs    int  `yaml:"max_idle_time_ms"`
		AcquireTimeoutMs int  `yaml:"acquire_timeout_ms"`
		KeepAlive        bool `yaml:"keep_alive"`
	} `yaml:"connection_pool"`

	Cache struct {
		Enabled bool `yaml:"enabled"`
		MaxSize int  `yaml:"max_size"`
		TTLMs   int  `yaml:"ttl_ms"`
	} `yaml:"cache"`

	RateLimit struct {
		RequestsPerSecond float64 `yaml:"requests_per_second"`
		Burst             int     `yaml:"burst"`
	} `yaml:"rate_limit"`

	MaxRetries int `yaml:"max_retries"`
}

// LoadConfig reads and parses a YAML configuration file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, newClientError(ErrorTypeConfiguration,
			fmt.Sprintf("config file %s unreadable", path), err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, newClientError(ErrorTypeConfiguration,
			fmt.Sprintf("config file %s malformed", path), err)
	}
	if cfg.Environment != "" &&
		cfg.Environment != string(EnvironmentPaper) &&
		cfg.Environment != string(EnvironmentLive) {
		return nil, newClientError(ErrorTypeConfiguration,
			fmt.Sprintf("unknown environment %q", cfg.Environment), nil)
	}
	return &cfg, nil
}

// Options converts the file configuration into client options.
func (cfg *Config) Options() []Option {
	var opts []Option

	if cfg.Environment != "" {
		opts = append(opts, WithEnvironment(Environment(cfg.Environment)))
	}
	if cfg.Credentials.KeyID != "" {
		opts = append(opts, WithCredentials(cfg.Credentials.KeyID, cfg.Credentials.SecretKey))
	}
	if cfg.CircuitBreaker.FailureThreshold > 0 || cfg.CircuitBreaker.TimeoutMs > 0 {
		opts = append(opts, WithCircuitBreaker(CircuitBreakerConfig{
			FailureThreshold:    cfg.CircuitBreaker.FailureThreshold,
			Timeout:             time.Duration(cfg.CircuitBreaker.TimeoutMs) * time.Millisecond,
			RecoveryTimeout:     time.Duration(cfg.CircuitBreaker.RecoveryTimeoutMs) * time.Millisecond,
			HalfOpenMaxAttempts: cfg.CircuitBreaker.HalfOpenMaxAttempts,
			ResetTimeout:        time.Duration(cfg.CircuitBreaker.ResetTimeoutMs) * time.Millisecond,
		}))
	}
	if cfg.Deduplication.Disabled {
		opts = append(opts, WithoutDeduplication())
	} else if cfg.Deduplication.MaxPendingRequests > 0 || cfg.Deduplication.TimeoutMs > 0 {
		opts = append(opts, WithDeduplication(DeduplicatorConfig{
			MaxPendingRequests: cfg.Deduplication.MaxPendingRequests,
			Timeout:            time.Duration(cfg.Deduplication.TimeoutMs) * time.Millisecond,
		}))
	}
	if cfg.ConnectionPool.MaxConnections > 0 || cfg.ConnectionPool.Disabled {
		opts = append(opts, WithConnectionPool(ConnectionPoolConfig{
			Disabled:       cfg.ConnectionPool.Disabled,
			MaxConnections: cfg.ConnectionPool.MaxConnections,
			MaxIdleTime:    time.Duration(cfg.ConnectionPool.MaxIdleTimeMs) * time.Millisecond,
			AcquireTimeout: time.Duration(cfg.ConnectionPool.AcquireTimeoutMs) * time.Millisecond,
			KeepAlive:      cfg.ConnectionPool.KeepAlive,
		}))
	}
	if cfg.Cache.Enabled {
		opts = append(opts, WithResponseCache(CacheConfig{
			MaxSize: cfg.Cache.MaxSize,
		}, time.Duration(cfg.Cache.TTLMs)*time.Millisecond))
	}
	if cfg.RateLimit.RequestsPerSecond > 0 {
		burst := cfg.RateLimit.Burst
		if burst <= 0 {
			burst = 1
		}
		opts = append(opts, WithRateLimit(cfg.RateLimit.RequestsPerSecond, burst))
	}
	if cfg.MaxRetries > 0 {
		opts = append(opts, WithMaxRetries(cfg.MaxRetries))
	}
	return opts
}

// CredentialsFromEnv loads the API key pair from the environment. A .env
// file in the working directory is honored when present.
func CredentialsFromEnv() (keyID, secretKey string, err error) {
	_ = godotenv.Load()

	keyID = os.Getenv(EnvKeyID)
	secretKey = os.Getenv(EnvSecretKey)
	if keyID == "" || secretKey == "" {
		return "", "", newClientError(ErrorTypeConfiguration,
			fmt.Sprintf("%s and %s must be set", EnvKeyID, EnvSecretKey), nil)
	}
	return keyID, secretKey, nil
}

// EnvironmentFromEnv reads ALPACA_ENV, defaulting to paper.
func EnvironmentFromEnv() Environment {
	switch os.Getenv(EnvTradeEnv) {
	case string(EnvironmentLive):
		return EnvironmentLive
	default:
		return EnvironmentPaper
	}
}

package alpaca

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

const sampleConfig = `
environment: live
credentials:
  key_id: file-key
  secret_key: file-secret
circuit_breaker:
  failure_threshold: 3
  timeout_ms: 5000
  recovery_timeout_ms: 20000
  half_open_max_attempts: 2
deduplication:
  max_pending_requests: 50
  timeout_ms: 10000
connection_pool:
  max_connections: 4
  max_idle_time_ms: 30000
  acquire_timeout_ms: 2000
  keep_alive: true
cache:
  enabled: true
  max_size: 200
  ttl_ms: 15000
rate_limit:
  requests_per_second: 5
  burst: 2
max_retries: 2
`

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "alpaca.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadConfig(t *testing.T) {
	cfg, err := LoadConfig(writeConfigFile(t, sampleConfig))
	if err != nil {
		t.Fatalf("LoadConfig() error: %v", err)
	}

	if cfg.Environment != "live" {
		t.Errorf("Expected environment live, got %s", cfg.Environment)
	}
	if cfg.Credentials.KeyID != "file-key" {
		t.Errorf("Expected key_id from file, got %s", cfg.Credentials.KeyID)
	}
	if cfg.CircuitBreaker.FailureThreshold != 3 || cfg.CircuitBreaker.TimeoutMs != 5000 {
		t.Errorf("Unexpected circuit breaker section: %+v", cfg.CircuitBreaker)
	}
	if cfg.ConnectionPool.MaxConnections != 4 || !cfg.ConnectionPool.KeepAlive {
		t.Errorf("Unexpected connection pool section: %+v", cfg.ConnectionPool)
	}
}

func TestConfigOptionsBuildClient(t *testing.T) {
	cfg, err := LoadConfig(writeConfigFile(t, sampleConfig))
	if err != nil {
		t.Fatalf("LoadConfig() error: %v", err)
	}

	c := New(cfg.Options()...)
	defer c.Close()

	if !c.IsValid() {
		t.Fatalf("Expected valid client from file config, got %v", c.ValidationError())
	}
	if c.Environment() != EnvironmentLive {
		t.Errorf("Expected live environment, got %s", c.Environment())
	}
	if c.maxRetries != 2 {
		t.Errorf("Expected maxRetries=2, got %d", c.maxRetries)
	}
	if c.breaker.config.FailureThreshold != 3 {
		t.Errorf("Expected breaker threshold 3, got %d", c.breaker.config.FailureThreshold)
	}
	if c.breaker.config.Timeout != 5*time.Second {
		t.Errorf("Expected breaker timeout 5s, got %v", c.breaker.config.Timeout)
	}
	if c.dedup.config.MaxPendingRequests != 50 {
		t.Errorf("Expected dedup max pending 50, got %d", c.dedup.config.MaxPendingRequests)
	}
	if c.pool.config.MaxConnections != 4 {
		t.Errorf("Expected pool max 4, got %d", c.pool.config.MaxConnections)
	}
	if c.cache == nil {
		t.Fatal("Expected response cache enabled")
	}
	if c.cacheTTL != 15*time.Second {
		t.Errorf("Expected cache TTL 15s, got %v", c.cacheTTL)
	}
	if c.limiter == nil || c.limiter.Burst() != 2 {
		t.Error("Expected rate limiter with burst 2")
	}
}

func TestLoadConfigRejectsUnknownEnvironment(t *testing.T) {
	_, err := LoadConfig(writeConfigFile(t, "environment: staging\n"))
	var clientErr *ClientError
	if !errors.As(err, &clientErr) || clientErr.Type != ErrorTypeConfiguration {
		t.Errorf("Expected configuration error, got %v", err)
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	var clientErr *ClientError
	if !errors.As(err, &clientErr) || clientErr.Type != ErrorTypeConfiguration {
		t.Errorf("Expected configuration error for missing file, got %v", err)
	}
}

func TestLoadConfigMalformedYAML(t *testing.T) {
	_, err := LoadConfig(writeConfigFile(t, "environment: [not, closed"))
	if err == nil {
		t.Fatal("Expected parse error")
	}
}

func TestConfigDisabledDeduplication(t *testing.T) {
	cfg, err := LoadConfig(writeConfigFile(t, "deduplication:\n  disabled: true\n"))
	if err != nil {
		t.Fatalf("LoadConfig() error: %v", err)
	}
	c := New(append(cfg.Options(), WithCredentials("k", "s"))...)
	defer c.Close()
	if c.dedup != nil {
		t.Error("Expected deduplicator disabled via config file")
	}
}

func TestCredentialsFromEnv(t *testing.T) {
	t.Setenv(EnvKeyID, "env-key")
	t.Setenv(EnvSecretKey, "env-secret")

	keyID, secretKey, err := CredentialsFromEnv()
	if err != nil {
		t.Fatalf("CredentialsFromEnv() error: %v", err)
	}
	if keyID != "env-key" || secretKey != "env-secret" {
		t.Errorf("Unexpected credentials: %q/%q", keyID, secretKey)
	}
}

func TestCredentialsFromEnvMissing(t *testing.T) {
	t.Setenv(EnvKeyID, "")
	t.Setenv(EnvSecretKey, "")

	_, _, err := CredentialsFromEnv()
	var clientErr *ClientError
	if !errors.As(err, &clientErr) || clientErr.Type != ErrorTypeConfiguration {
		t.Errorf("Expected configuration error, got %v", err)
	}
}

func TestEnvironmentFromEnv(t *testing.T) {
	t.Setenv(EnvTradeEnv, "live")
	if EnvironmentFromEnv() != EnvironmentLive {
		t.Error("Expected live environment")
	}
	t.Setenv(EnvTradeEnv, "")
	if EnvironmentFromEnv() != EnvironmentPaper {
		t.Error("Expected paper default")
	}
}

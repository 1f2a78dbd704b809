package kueri

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func intPtr(v int) *int           { return &v }
func floatPtr(v float64) *float64 { return &v }
func boolPtr(v bool) *bool        { return &v }

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	return path
}

func wantFullConfig() *Config {
	return &Config{
		BaseURL: "https://api.example.com",
		Timeout: Duration(10 * time.Second),
		Headers: map[string]string{"Authorization": "Bearer token"},
		QueryCache: QueryCacheConfig{
			MaxQueries: 500,
			StaleTime:  Duration(30 * time.Second),
			CacheTime:  Duration(Infinity),
		},
		Retry: RetryConfig{
			MaxRetries:     intPtr(2),
			InitialBackoff: Duration(50 * time.Millisecond),
			MaxBackoff:     Duration(2 * time.Second),
			Multiplier:     1.5,
			Jitter:         floatPtr(0),
			Strategy:       "decorrelated",
		},
		CircuitBreaker: &CircuitBreakerFileConfig{
			FailureThreshold: 3,
			RecoveryTimeout:  Duration(15 * time.Second),
		},
		RateLimit:           &RateLimitConfig{PerSecond: 20, Burst: 5},
		CancelOnUnsubscribe: boolPtr(false),
		PrefetchConcurrency: 4,
	}
}

const yamlConfig = `
baseURL: https://api.example.com
timeout: 10s
headers:
  Authorization: Bearer token
queryCache:
  maxQueries: 500
  staleTime: 30s
  cacheTime: infinity
retry:
  maxRetries: 2
  initialBackoff: 50ms
  maxBackoff: 2s
  multiplier: 1.5
  jitter: 0
  strategy: decorrelated
rateLimit:
  perSecond: 20
  burst: 5
circuitBreaker:
  failureThreshold: 3
  recoveryTimeout: 15s
cancelOnUnsubscribe: false
prefetchConcurrency: 4
`

const tomlConfig = `
baseURL = "https://api.example.com"
timeout = "10s"
cancelOnUnsubscribe = false
prefetchConcurrency = 4

[headers]
Authorization = "Bearer token"

[queryCache]
maxQueries = 500
staleTime = "30s"
cacheTime = "infinity"

[retry]
maxRetries = 2
initialBackoff = "50ms"
maxBackoff = "2s"
multiplier = 1.5
jitter = 0.0
strategy = "decorrelated"

[rateLimit]
perSecond = 20.0
burst = 5

[circuitBreaker]
failureThreshold = 3
recoveryTimeout = "15s"
`

func TestLoadConfig(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		content string
	}{
		{"yaml", "kueri.yaml", yamlConfig},
		{"yml", "kueri.yml", yamlConfig},
		{"toml", "kueri.toml", tomlConfig},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := LoadConfig(writeConfig(t, tt.file, tt.content))
			if err != nil {
				t.Fatalf("LoadConfig() error = %v", err)
			}
			if diff := cmp.Diff(wantFullConfig(), cfg); diff != "" {
				t.Errorf("LoadConfig() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestLoadConfigErrors(t *testing.T) {
	tests := []struct {
		name    string
		path    func(t *testing.T) string
		wantMsg string
	}{
		{
			name:    "missing file",
			path:    func(t *testing.T) string { return filepath.Join(t.TempDir(), "none.yaml") },
			wantMsg: "read",
		},
		{
			name:    "unsupported extension",
			path:    func(t *testing.T) string { return writeConfig(t, "kueri.json", "{}") },
			wantMsg: "unsupported config format",
		},
		{
			name:    "unknown yaml field",
			path:    func(t *testing.T) string { return writeConfig(t, "kueri.yaml", "baseURL: x\nretries: 3\n") },
			wantMsg: "parse yaml",
		},
		{
			name:    "unknown toml field",
			path:    func(t *testing.T) string { return writeConfig(t, "kueri.toml", "retries = 3\n") },
			wantMsg: "parse toml",
		},
		{
			name:    "bad duration",
			path:    func(t *testing.T) string { return writeConfig(t, "kueri.yaml", "timeout: soon\n") },
			wantMsg: "parse yaml",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadConfig(tt.path(t))
			if err == nil {
				t.Fatal("Expected an error")
			}
			if errorType(err) != ErrorTypeConfig {
				t.Errorf("Expected ConfigError, got %v", err)
			}
			if !strings.Contains(err.Error(), tt.wantMsg) {
				t.Errorf("error %q does not mention %q", err, tt.wantMsg)
			}
		})
	}
}

func TestParseConfig(t *testing.T) {
	cfg, err := ParseConfig(nil, "yaml")
	if err != nil {
		t.Fatalf("ParseConfig(empty yaml) error = %v", err)
	}
	if diff := cmp.Diff(&Config{}, cfg); diff != "" {
		t.Errorf("empty config mismatch (-want +got):\n%s", diff)
	}

	if _, err := ParseConfig([]byte("a: 1"), "ini"); err == nil {
		t.Error("Expected an error for an unknown format")
	}
}

func TestDurationText(t *testing.T) {
	tests := []struct {
		text string
		want time.Duration
	}{
		{"250ms", 250 * time.Millisecond},
		{"5m", 5 * time.Minute},
		{"Infinity", Infinity},
		{" infinity ", Infinity},
	}
	for _, tt := range tests {
		var d Duration
		if err := d.UnmarshalText([]byte(tt.text)); err != nil {
			t.Errorf("UnmarshalText(%q) error = %v", tt.text, err)
			continue
		}
		if time.Duration(d) != tt.want {
			t.Errorf("UnmarshalText(%q) = %v, want %v", tt.text, time.Duration(d), tt.want)
		}
	}

	out, _ := Duration(Infinity).MarshalText()
	if string(out) != "infinity" {
		t.Errorf("MarshalText(Infinity) = %s", out)
	}
	out, _ = Duration(90 * time.Second).MarshalText()
	if string(out) != "1m30s" {
		t.Errorf("MarshalText(90s) = %s", out)
	}
}

func TestNewFromConfig(t *testing.T) {
	client, err := NewFromConfig(wantFullConfig(), WithMaxRetries(7))
	if err != nil {
		t.Fatalf("NewFromConfig() error = %v", err)
	}
	defer client.Close()

	if client.baseURL != "https://api.example.com" {
		t.Errorf("baseURL = %q", client.baseURL)
	}
	if client.timeout != 10*time.Second {
		t.Errorf("timeout = %v", client.timeout)
	}
	if client.maxQueries != 500 || client.staleTime != 30*time.Second || client.cacheTime != Infinity {
		t.Errorf("cache settings = %d/%v/%v", client.maxQueries, client.staleTime, client.cacheTime)
	}
	if client.maxRetries != 7 {
		t.Errorf("extra options should win, maxRetries = %d", client.maxRetries)
	}
	if client.backoffStrategy != DecorrelatedJitter {
		t.Errorf("backoffStrategy = %v", client.backoffStrategy)
	}
	if client.jitter != 0 {
		t.Errorf("jitter = %v, want 0", client.jitter)
	}
	if client.cancelOnUnsubscribe {
		t.Error("Expected cancelOnUnsubscribe=false")
	}
	if !client.rateLimited || client.rateBurst != 5 {
		t.Errorf("rate limit = %v/%d", client.rateLimited, client.rateBurst)
	}
	if client.breaker == nil || client.breaker.FailureThreshold != 3 || client.breaker.RecoveryTimeout != 15*time.Second {
		t.Errorf("circuit breaker = %+v", client.breaker)
	}
	if client.prefetchConcurrency != 4 {
		t.Errorf("prefetchConcurrency = %d", client.prefetchConcurrency)
	}
	if got := client.headers.Get("Authorization"); got != "Bearer token" {
		t.Errorf("Authorization header = %q", got)
	}
}

func TestConfigOptionsUnknownStrategy(t *testing.T) {
	cfg := &Config{Retry: RetryConfig{Strategy: "linear"}}
	if _, err := cfg.Options(); errorType(err) != ErrorTypeConfig {
		t.Errorf("Expected ConfigError, got %v", err)
	}
	if _, err := NewFromConfig(cfg); errorType(err) != ErrorTypeConfig {
		t.Errorf("Expected ConfigError from NewFromConfig, got %v", err)
	}
}

func TestConfigDebugInstallsLogger(t *testing.T) {
	client, err := NewFromConfig(&Config{Debug: true})
	if err != nil {
		t.Fatalf("NewFromConfig() error = %v", err)
	}
	defer client.Close()

	if client.debug == nil || !client.debug.Enabled {
		t.Error("Expected debug logging to be enabled")
	}
}

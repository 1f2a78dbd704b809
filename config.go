package kueri

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration read from strings such as "30s" or "5m".
// The string "infinity" maps to Infinity.
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	s := strings.TrimSpace(string(text))
	if strings.EqualFold(s, "infinity") {
		*d = Duration(Infinity)
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	if time.Duration(d) == Infinity {
		return []byte("infinity"), nil
	}
	return []byte(time.Duration(d).String()), nil
}

// QueryCacheConfig configures the query cache.
type QueryCacheConfig struct {
	MaxQueries int      `yaml:"maxQueries" toml:"maxQueries"`
	StaleTime  Duration `yaml:"staleTime" toml:"staleTime"`
	CacheTime  Duration `yaml:"cacheTime" toml:"cacheTime"`
}

// RetryConfig configures retries and backoff.
type RetryConfig struct {
	MaxRetries     *int     `yaml:"maxRetries" toml:"maxRetries"`
	InitialBackoff Duration `yaml:"initialBackoff" toml:"initialBackoff"`
	MaxBackoff     Duration `yaml:"maxBackoff" toml:"maxBackoff"`
	Multiplier     float64  `yaml:"multiplier" toml:"multiplier"`
	Jitter         *float64 `yaml:"jitter" toml:"jitter"`
	// Strategy is "exponential" (default) or "decorrelated".
	Strategy string `yaml:"strategy" toml:"strategy"`
}

// RateLimitConfig configures client side rate limiting.
type RateLimitConfig struct {
	PerSecond float64 `yaml:"perSecond" toml:"perSecond"`
	Burst     int     `yaml:"burst" toml:"burst"`
}

// CircuitBreakerFileConfig configures per endpoint circuit breaking.
type CircuitBreakerFileConfig struct {
	FailureThreshold int      `yaml:"failureThreshold" toml:"failureThreshold"`
	RecoveryTimeout  Duration `yaml:"recoveryTimeout" toml:"recoveryTimeout"`
	SuccessThreshold int      `yaml:"successThreshold" toml:"successThreshold"`
}

// Config mirrors the options of New in a form that can be read from YAML or
// TOML. Zero values keep the defaults.
type Config struct {
	BaseURL             string                    `yaml:"baseURL" toml:"baseURL"`
	Timeout             Duration                  `yaml:"timeout" toml:"timeout"`
	Headers             map[string]string         `yaml:"headers" toml:"headers"`
	QueryCache          QueryCacheConfig          `yaml:"queryCache" toml:"queryCache"`
	Retry               RetryConfig               `yaml:"retry" toml:"retry"`
	RateLimit           *RateLimitConfig          `yaml:"rateLimit" toml:"rateLimit"`
	CircuitBreaker      *CircuitBreakerFileConfig `yaml:"circuitBreaker" toml:"circuitBreaker"`
	CancelOnUnsubscribe *bool                     `yaml:"cancelOnUnsubscribe" toml:"cancelOnUnsubscribe"`
	PrefetchConcurrency int                       `yaml:"prefetchConcurrency" toml:"prefetchConcurrency"`
	Debug               bool                      `yaml:"debug" toml:"debug"`
}

// LoadConfig reads a configuration file. The format follows the extension:
// .yaml/.yml or .toml. Unknown keys are rejected.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, newError(ErrorTypeConfig, fmt.Sprintf("read %s", path), err)
	}

	var format string
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		format = "yaml"
	case ".toml":
		format = "toml"
	default:
		return nil, newError(ErrorTypeConfig, fmt.Sprintf("%s: unsupported config format %q", path, filepath.Ext(path)), nil)
	}

	cfg, err := ParseConfig(data, format)
	if err != nil {
		return nil, newError(ErrorTypeConfig, path, err)
	}
	return cfg, nil
}

// ParseConfig decodes data in format "yaml" or "toml".
func ParseConfig(data []byte, format string) (*Config, error) {
	var cfg Config
	switch format {
	case "yaml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("parse yaml: %w", err)
		}
	case "toml":
		dec := toml.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&cfg); err != nil {
			return nil, fmt.Errorf("parse toml: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config format %q", format)
	}
	return &cfg, nil
}

// Options converts the configuration into client options.
func (cfg *Config) Options() ([]Option, error) {
	var opts []Option

	if cfg.BaseURL != "" {
		opts = append(opts, WithBaseURL(cfg.BaseURL))
	}
	if cfg.Timeout > 0 {
		opts = append(opts, WithTimeout(time.Duration(cfg.Timeout)))
	}
	if len(cfg.Headers) > 0 {
		opts = append(opts, WithHeaders(cfg.Headers))
	}

	qc := cfg.QueryCache
	if qc.MaxQueries > 0 {
		opts = append(opts, WithMaxQueries(qc.MaxQueries))
	}
	if qc.StaleTime > 0 {
		opts = append(opts, WithStaleTime(time.Duration(qc.StaleTime)))
	}
	if qc.CacheTime > 0 {
		opts = append(opts, WithCacheTime(time.Duration(qc.CacheTime)))
	}

	rc := cfg.Retry
	if rc.MaxRetries != nil {
		opts = append(opts, WithMaxRetries(*rc.MaxRetries))
	}
	if rc.InitialBackoff > 0 {
		opts = append(opts, WithInitialBackoff(time.Duration(rc.InitialBackoff)))
	}
	if rc.MaxBackoff > 0 {
		opts = append(opts, WithMaxBackoff(time.Duration(rc.MaxBackoff)))
	}
	if rc.Multiplier > 0 {
		opts = append(opts, WithBackoffMultiplier(rc.Multiplier))
	}
	if rc.Jitter != nil {
		opts = append(opts, WithJitter(*rc.Jitter))
	}
	switch strings.ToLower(rc.Strategy) {
	case "", "exponential":
	case "decorrelated":
		opts = append(opts, WithBackoffStrategy(DecorrelatedJitter))
	default:
		return nil, newError(ErrorTypeConfig, fmt.Sprintf("unknown retry strategy %q", rc.Strategy), nil)
	}

	if cfg.RateLimit != nil {
		opts = append(opts, WithRateLimit(cfg.RateLimit.PerSecond, cfg.RateLimit.Burst))
	}
	if cb := cfg.CircuitBreaker; cb != nil {
		opts = append(opts, WithCircuitBreaker(CircuitBreakerConfig{
			FailureThreshold: cb.FailureThreshold,
			RecoveryTimeout:  time.Duration(cb.RecoveryTimeout),
			SuccessThreshold: cb.SuccessThreshold,
		}))
	}
	if cfg.CancelOnUnsubscribe != nil {
		opts = append(opts, WithCancelOnUnsubscribe(*cfg.CancelOnUnsubscribe))
	}
	if cfg.PrefetchConcurrency > 0 {
		opts = append(opts, WithPrefetchConcurrency(cfg.PrefetchConcurrency))
	}
	if cfg.Debug {
		opts = append(opts, WithSimpleLogger())
	}
	return opts, nil
}

// NewFromConfig builds a client from cfg followed by extra options.
func NewFromConfig(cfg *Config, extra ...Option) (*Client, error) {
	opts, err := cfg.Options()
	if err != nil {
		return nil, err
	}
	return New(append(opts, extra...)...)
}

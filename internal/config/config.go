// Package config handles YAML configuration loading with environment variable expansion.
package config

import (
	"crypto"
	"errors"
	"fmt"
	"os"
	"regexp"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/joho/godotenv"
	"go.yaml.in/yaml/v3"

	gateway "github.com/eugener/keygate/internal"
	"github.com/eugener/keygate/internal/app"
	"github.com/eugener/keygate/internal/auth"
	"github.com/eugener/keygate/internal/ratelimit"
)

// Config is the top-level gateway configuration.
type Config struct {
	Server     ServerConfig            `yaml:"server"`
	Auth       AuthConfig              `yaml:"auth"`
	RateLimits RateLimitConfig         `yaml:"rate_limits"`
	Policy     PolicyConfig            `yaml:"policy"`
	Upstream   UpstreamConfig          `yaml:"upstream"`
	Products   map[string]ProductEntry `yaml:"products"`
	Usage      UsageConfig             `yaml:"usage"`
	Telemetry  TelemetryConfig         `yaml:"telemetry"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MaxBodyBytes    int64         `yaml:"max_body_bytes"`
	MaxUploadBytes  int64         `yaml:"max_upload_bytes"` // multipart transcription uploads
}

// AuthConfig groups the credential schemes. A scheme with no keys, no
// secrets or enabled=false is off.
type AuthConfig struct {
	JWT  JWTConfig  `yaml:"jwt"`
	HMAC HMACConfig `yaml:"hmac"`
	IAP  IAPConfig  `yaml:"iap"`
}

// JWTConfig lists trusted public keys by key id. Each value is PEM text or
// the path of a PEM file.
type JWTConfig struct {
	Algorithm string            `yaml:"algorithm"` // RS256, ES256 or EdDSA
	Audience  string            `yaml:"audience"`
	Keys      map[string]string `yaml:"keys"`
}

// HMACConfig lists shared secrets by client id.
type HMACConfig struct {
	Secrets   map[string]string `yaml:"secrets"`
	Tolerance time.Duration     `yaml:"tolerance"`
}

// IAPConfig enables verification of Google IAP assertions.
type IAPConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Audience string `yaml:"audience"`
	KeysURL  string `yaml:"keys_url"`
}

// RateLimitConfig holds the limiter parameters and backend choice.
type RateLimitConfig struct {
	Capacity   float64     `yaml:"capacity"`
	RefillRate float64     `yaml:"refill_rate"` // tokens per second
	DailyQuota int64       `yaml:"daily_quota"` // 0 = unlimited
	Timezone   string      `yaml:"timezone"`    // IANA name for the day boundary
	Backend    string      `yaml:"backend"`     // "memory" or "redis"
	Redis      RedisConfig `yaml:"redis"`
}

// RedisConfig points the limiter at a shared store.
type RedisConfig struct {
	URL    string `yaml:"url"`
	Prefix string `yaml:"prefix"`
}

// PolicyConfig overrides request parameter bounds.
type PolicyConfig struct {
	AllowedModels  []string `yaml:"allowed_models"` // default allow-list for products without one
	MaxTokens      int      `yaml:"max_tokens"`
	MinTemperature *float64 `yaml:"min_temperature"`
	MaxTemperature *float64 `yaml:"max_temperature"`
	MaxImages      int      `yaml:"max_images"`
	MaxSpeechChars int      `yaml:"max_speech_chars"`
	MaxAudioBytes  int      `yaml:"max_audio_bytes"` // transcription file size
}

// UpstreamConfig holds the default upstream deadline.
type UpstreamConfig struct {
	Timeout time.Duration `yaml:"timeout"`
}

// UsageConfig controls the usage log. An empty DSN disables it.
type UsageConfig struct {
	DSN string `yaml:"dsn"` // file path or ":memory:"
}

// TelemetryConfig holds observability settings.
type TelemetryConfig struct {
	Metrics MetricsConfig `yaml:"metrics"`
	Tracing TracingConfig `yaml:"tracing"`
}

// MetricsConfig controls Prometheus metrics.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// TracingConfig controls OpenTelemetry tracing.
type TracingConfig struct {
	Enabled    bool    `yaml:"enabled"`
	Endpoint   string  `yaml:"endpoint"`    // OTLP gRPC endpoint
	SampleRate float64 `yaml:"sample_rate"` // 0.0 to 1.0
	Insecure   bool    `yaml:"insecure"`
}

// ProductEntry is a product definition. In YAML it is either a mapping or a
// bare string, the latter being a single OpenAI API key.
type ProductEntry struct {
	Providers     []gateway.ProviderConfig `yaml:"providers"`
	AllowedModels []string                 `yaml:"allowed_models"`
	Timeout       time.Duration            `yaml:"timeout"`
}

// UnmarshalYAML accepts the legacy string form.
func (p *ProductEntry) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		var key string
		if err := node.Decode(&key); err != nil {
			return err
		}
		*p = ProductEntry{Providers: []gateway.ProviderConfig{{Name: "openai", APIKey: key}}}
		return nil
	}
	type plain ProductEntry
	return node.Decode((*plain)(p))
}

var envPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnv replaces ${VAR} patterns with environment variable values.
func expandEnv(data []byte) []byte {
	return envPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		varName := string(match[2 : len(match)-1])
		if val, ok := os.LookupEnv(varName); ok {
			return []byte(val)
		}
		return match
	})
}

// Load reads and parses a YAML config file, expanding environment variables.
// A .env file in the working directory is loaded first when present; it
// never overrides variables already set.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(expandEnv(data))
}

// Parse decodes YAML config data, applies defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    120 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			MaxBodyBytes:    1 << 20,
			MaxUploadBytes:  26 << 20,
		},
		Auth: AuthConfig{
			JWT:  JWTConfig{Algorithm: "RS256", Audience: auth.DefaultAudience},
			HMAC: HMACConfig{Tolerance: auth.DefaultClockTolerance},
			IAP:  IAPConfig{KeysURL: auth.IAPKeysURL},
		},
		RateLimits: RateLimitConfig{
			Capacity:   ratelimit.DefaultCapacity,
			RefillRate: ratelimit.DefaultRefillRate,
			DailyQuota: ratelimit.DefaultDailyQuota,
			Timezone:   "UTC",
			Backend:    "memory",
			Redis:      RedisConfig{Prefix: "keygate"},
		},
		Upstream: UpstreamConfig{Timeout: app.DefaultUpstreamTimeout},
		Telemetry: TelemetryConfig{
			Metrics: MetricsConfig{Enabled: true},
		},
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// knownAdapters are the provider tags an entry may name.
var knownAdapters = []string{"openai", "gemini", "anthropic"}

// Validate checks the settings that would otherwise fail per request.
func (c *Config) Validate() error {
	var errs []error
	if c.RateLimits.Capacity <= 0 || c.RateLimits.RefillRate <= 0 {
		errs = append(errs, errors.New("rate_limits: capacity and refill_rate must be positive"))
	}
	if c.RateLimits.DailyQuota < 0 {
		errs = append(errs, errors.New("rate_limits: daily_quota must not be negative"))
	}
	if _, err := time.LoadLocation(c.RateLimits.Timezone); err != nil {
		errs = append(errs, fmt.Errorf("rate_limits: timezone: %w", err))
	}
	switch c.RateLimits.Backend {
	case "memory":
	case "redis":
		if c.RateLimits.Redis.URL == "" {
			errs = append(errs, errors.New("rate_limits: redis backend needs redis.url"))
		}
	default:
		errs = append(errs, fmt.Errorf("rate_limits: unknown backend %q", c.RateLimits.Backend))
	}
	if c.Policy.MinTemperature != nil && c.Policy.MaxTemperature != nil &&
		*c.Policy.MinTemperature > *c.Policy.MaxTemperature {
		errs = append(errs, errors.New("policy: min_temperature exceeds max_temperature"))
	}
	if _, err := c.JWTKeySet(); err != nil {
		errs = append(errs, err)
	}

	for _, id := range c.productIDs() {
		p := c.Products[id]
		if len(p.Providers) == 0 {
			errs = append(errs, fmt.Errorf("product %q: no providers", id))
		}
		seen := make(map[string]bool, len(p.Providers))
		for _, pc := range p.Providers {
			if pc.Name == "" {
				errs = append(errs, fmt.Errorf("product %q: provider without name", id))
				continue
			}
			if seen[pc.Name] {
				errs = append(errs, fmt.Errorf("product %q: duplicate provider %q", id, pc.Name))
			}
			seen[pc.Name] = true
			if !slices.Contains(knownAdapters, pc.AdapterType()) {
				errs = append(errs, fmt.Errorf("product %q: provider %q: unknown type %q", id, pc.Name, pc.AdapterType()))
			}
			if pc.APIKey == "" {
				errs = append(errs, fmt.Errorf("product %q: provider %q: missing api_key", id, pc.Name))
			}
		}
	}
	return errors.Join(errs...)
}

func (c *Config) productIDs() []string {
	ids := make([]string, 0, len(c.Products))
	for id := range c.Products {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ProductTable returns the products sorted by id. Provider order within a
// product is the configured order; selection tie-breaks on it.
func (c *Config) ProductTable() []gateway.ProductConfig {
	out := make([]gateway.ProductConfig, 0, len(c.Products))
	for _, id := range c.productIDs() {
		p := c.Products[id]
		allowed := p.AllowedModels
		if len(allowed) == 0 {
			allowed = c.Policy.AllowedModels
		}
		out = append(out, gateway.ProductConfig{
			ID:            id,
			Providers:     slices.Clone(p.Providers),
			AllowedModels: slices.Clone(allowed),
			Timeout:       p.Timeout,
		})
	}
	return out
}

// JWTKeySet parses the configured PEM keys for the configured algorithm.
func (c *Config) JWTKeySet() (auth.KeySet, error) {
	ks := auth.KeySet{Algorithm: c.Auth.JWT.Algorithm, Keys: make(map[string]crypto.PublicKey, len(c.Auth.JWT.Keys))}
	for kid, value := range c.Auth.JWT.Keys {
		pemBytes := []byte(strings.TrimSpace(value))
		if !strings.HasPrefix(string(pemBytes), "-----BEGIN") {
			b, err := os.ReadFile(string(pemBytes))
			if err != nil {
				return auth.KeySet{}, fmt.Errorf("auth.jwt: key %q: %w", kid, err)
			}
			pemBytes = b
		}
		key, err := parsePublicKey(ks.Algorithm, pemBytes)
		if err != nil {
			return auth.KeySet{}, fmt.Errorf("auth.jwt: key %q: %w", kid, err)
		}
		ks.Keys[kid] = key
	}
	return ks, nil
}

func parsePublicKey(alg string, pemBytes []byte) (crypto.PublicKey, error) {
	switch {
	case strings.HasPrefix(alg, "RS"), strings.HasPrefix(alg, "PS"):
		return jwt.ParseRSAPublicKeyFromPEM(pemBytes)
	case strings.HasPrefix(alg, "ES"):
		return jwt.ParseECPublicKeyFromPEM(pemBytes)
	case alg == "EdDSA":
		return jwt.ParseEdPublicKeyFromPEM(pemBytes)
	default:
		return nil, fmt.Errorf("unsupported algorithm %q", alg)
	}
}

// HMACSecrets returns the client secrets by client id.
func (c *Config) HMACSecrets() map[string]string {
	return c.Auth.HMAC.Secrets
}

// Location returns the day-boundary location. Validate has already checked it.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.RateLimits.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// LimiterConfig returns the limiter parameters.
func (c *Config) LimiterConfig() ratelimit.Config {
	return ratelimit.Config{
		Capacity:   c.RateLimits.Capacity,
		RefillRate: c.RateLimits.RefillRate,
		DailyQuota: c.RateLimits.DailyQuota,
		Location:   c.Location(),
	}
}

// PolicyConfig returns the request parameter bounds.
func (c *Config) PolicyConfig() app.PolicyConfig {
	return app.PolicyConfig{
		MaxTokensCeiling: c.Policy.MaxTokens,
		TemperatureMin:   c.Policy.MinTemperature,
		TemperatureMax:   c.Policy.MaxTemperature,
		MaxImages:        c.Policy.MaxImages,
		MaxSpeechInput:   c.Policy.MaxSpeechChars,
		MaxAudioBytes:    c.Policy.MaxAudioBytes,
	}
}

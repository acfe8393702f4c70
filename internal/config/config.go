package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"

	"github.com/noah-isme/backend-tracking/internal/carrier"
)

// Production and sandbox API hosts per carrier. BASE_URL overrides both.
var defaultBaseURLs = map[carrier.Carrier][2]string{
	carrier.FedEx:  {"https://apis.fedex.com", "https://apis-sandbox.fedex.com"},
	carrier.UPS:    {"https://onlinetools.ups.com", "https://wwwcie.ups.com"},
	carrier.DHL:    {"https://api.dhlecs.com", "https://api-sandbox.dhlecs.com"},
	carrier.OnTrac: {"https://www.shipontrac.net/OnTracWebServices/OnTracServices.svc", "https://www.shipontrac.net/OnTracTestWebServices/OnTracServices.svc"},
}

// CarrierConfig holds one carrier's credentials and client-side limits.
type CarrierConfig struct {
	ClientID       string
	ClientSecret   string
	APIKey         string
	AccountNumber  string
	Sandbox        bool
	BaseURL        string
	MaxConcurrency int
	// RateLimit is a limiter-formatted ceiling such as "60-M" (60 per minute).
	// Empty disables client-side pacing for the carrier.
	RateLimit string
}

// Configured reports whether the carrier has usable credentials.
func (c CarrierConfig) Configured(name carrier.Carrier) bool {
	if name == carrier.OnTrac {
		return c.APIKey != "" && c.AccountNumber != ""
	}
	return c.ClientID != "" && c.ClientSecret != ""
}

// Config holds application configuration loaded from the environment.
type Config struct {
	AppEnv             string
	Port               string
	CORSAllowedOrigins []string
	RequestTimeout     time.Duration
	TrackTimeout       time.Duration
	TokenRefreshBuffer time.Duration
	RetryMax           int
	RetryBaseBackoff   time.Duration
	RetryMaxBackoff    time.Duration
	RetryJitter        float64
	BreakerThreshold   int
	BreakerCoolOff     time.Duration
	Carriers           map[carrier.Carrier]CarrierConfig
}

// Load reads configuration from environment variables and optional .env files.
// Missing carrier credentials are not an error; unconfigured carriers are
// reported through readiness and rejected per request.
func Load() (*Config, error) {
	_ = godotenv.Load()

	k := koanf.New(".")
	if err := k.Load(env.Provider("", ".", func(s string) string { return s }), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	cfg := &Config{
		AppEnv:             valueOrDefault(k.String("APP_ENV"), "development"),
		Port:               valueOrDefault(k.String("PORT"), "8080"),
		CORSAllowedOrigins: splitAndTrim(k.String("CORS_ALLOWED_ORIGINS")),
		RequestTimeout:     parseDuration(k.String("REQUEST_TIMEOUT"), "30s"),
		TrackTimeout:       parseDuration(k.String("TRACK_TIMEOUT"), "60s"),
		TokenRefreshBuffer: parseDuration(k.String("TOKEN_REFRESH_BUFFER"), "60s"),
		RetryMax:           parseInt(k.String("RETRY_MAX"), 3),
		RetryBaseBackoff:   parseDuration(k.String("RETRY_BASE_BACKOFF"), "1s"),
		RetryMaxBackoff:    parseDuration(k.String("RETRY_MAX_BACKOFF"), "30s"),
		RetryJitter:        parseFloat(k.String("RETRY_JITTER"), 0.2),
		BreakerThreshold:   parseInt(k.String("BREAKER_THRESHOLD"), 5),
		BreakerCoolOff:     parseDuration(k.String("BREAKER_COOL_OFF"), "30s"),
		Carriers:           make(map[carrier.Carrier]CarrierConfig, len(carrier.All())),
	}

	for _, name := range carrier.All() {
		cfg.Carriers[name] = loadCarrier(k, name)
	}

	return cfg, nil
}

func loadCarrier(k *koanf.Koanf, name carrier.Carrier) CarrierConfig {
	prefix := strings.ToUpper(string(name)) + "_"
	cc := CarrierConfig{
		ClientID:       k.String(prefix + "CLIENT_ID"),
		ClientSecret:   k.String(prefix + "CLIENT_SECRET"),
		APIKey:         k.String(prefix + "API_KEY"),
		AccountNumber:  k.String(prefix + "ACCOUNT_NUMBER"),
		Sandbox:        parseBool(k.String(prefix + "SANDBOX")),
		BaseURL:        strings.TrimSpace(k.String(prefix + "BASE_URL")),
		MaxConcurrency: parseInt(k.String(prefix+"MAX_CONCURRENCY"), 4),
		RateLimit:      strings.TrimSpace(k.String(prefix + "RATE_LIMIT")),
	}
	if cc.BaseURL == "" {
		hosts := defaultBaseURLs[name]
		if cc.Sandbox {
			cc.BaseURL = hosts[1]
		} else {
			cc.BaseURL = hosts[0]
		}
	}
	cc.BaseURL = strings.TrimRight(cc.BaseURL, "/")
	return cc
}

// EnabledCarriers returns the carriers that have usable credentials, in the
// canonical enumeration order.
func (c *Config) EnabledCarriers() []carrier.Carrier {
	var enabled []carrier.Carrier
	for _, name := range carrier.All() {
		if c.Carriers[name].Configured(name) {
			enabled = append(enabled, name)
		}
	}
	return enabled
}

// HTTPAddr returns the address the HTTP server should bind to.
func (c *Config) HTTPAddr() string {
	port := strings.TrimSpace(c.Port)
	if port == "" {
		port = "8080"
	}
	if strings.HasPrefix(port, ":") {
		return port
	}
	return ":" + port
}

func splitAndTrim(value string) []string {
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

func valueOrDefault(value, fallback string) string {
	if strings.TrimSpace(value) != "" {
		return value
	}
	return fallback
}

func parseDuration(value, fallback string) time.Duration {
	base := strings.TrimSpace(value)
	if base == "" {
		base = fallback
	}
	d, err := time.ParseDuration(base)
	if err != nil {
		d, _ = time.ParseDuration(fallback)
	}
	return d
}

func parseInt(value string, fallback int) int {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return fallback
	}
	n, err := strconv.Atoi(trimmed)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}

func parseFloat(value string, fallback float64) float64 {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(trimmed, 64)
	if err != nil || f < 0 || f > 1 {
		return fallback
	}
	return f
}

func parseBool(value string) bool {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

// MustLoad behaves like Load but panics on error. Useful for tests and command entrypoints.
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

// LoadForTests allows tests to override environment variables without touching the real environment.
func LoadForTests(env map[string]string) (*Config, error) {
	original := make(map[string]string, len(env))
	for key := range env {
		original[key] = os.Getenv(key)
		if err := setEnvVar(key, env[key]); err != nil {
			return nil, err
		}
	}
	cfg, err := Load()
	restoreErr := restoreEnv(original)
	if err != nil {
		return nil, err
	}
	return cfg, restoreErr
}

func setEnvVar(key, value string) error {
	if value == "" {
		return os.Unsetenv(key)
	}
	return os.Setenv(key, value)
}

func restoreEnv(values map[string]string) error {
	var errs []string
	for key, value := range values {
		if err := setEnvVar(key, value); err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", key, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("restore env: %s", strings.Join(errs, "; "))
	}
	return nil
}

// Package config loads application configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ericfisherdev/ledgerlink/internal/domain/model"
)

const (
	defaultAuthURL          = "https://appcenter.intuit.com/connect/oauth2"
	defaultTokenURL         = "https://oauth.platform.intuit.com/oauth2/v1/tokens/bearer"
	defaultSandboxAPIURL    = "https://sandbox-quickbooks.api.intuit.com"
	defaultProductionAPIURL = "https://quickbooks.api.intuit.com"
	defaultScope            = "com.intuit.quickbooks.accounting"
	maxPageSize             = 1000
)

// Config holds the application configuration loaded from environment variables.
type Config struct {
	ListenAddr   string
	RegistryPath string
	CacheDir     string

	ClientID     string
	ClientSecret string
	RedirectURL  string
	Environment  model.Environment
	AuthURL      string
	TokenURL     string
	Scopes       []string

	SandboxAPIURL    string
	ProductionAPIURL string

	HTTPTimeout  time.Duration
	PageSize     int
	SyncInterval time.Duration
	StateTTL     time.Duration
}

// HasClientCredentials returns true when both ClientID and ClientSecret are
// non-empty. Without them the connect flow is disabled, but stored companies
// can still be synced as long as their tokens are valid.
func (c *Config) HasClientCredentials() bool {
	return c.ClientID != "" && c.ClientSecret != ""
}

// Load reads configuration from environment variables and returns a validated Config.
// Every variable is optional. LEDGERLINK_ENVIRONMENT must be sandbox or
// production, LEDGERLINK_PAGE_SIZE must lie in 1..1000 and durations use
// time.ParseDuration syntax.
func Load() (*Config, error) {
	cfg := &Config{
		ListenAddr:       stringVar("LEDGERLINK_LISTEN_ADDR", "127.0.0.1:8080"),
		RegistryPath:     stringVar("LEDGERLINK_REGISTRY_PATH", "data/companies.json"),
		CacheDir:         stringVar("LEDGERLINK_CACHE_DIR", "data/metadata"),
		ClientID:         os.Getenv("LEDGERLINK_CLIENT_ID"),
		ClientSecret:     os.Getenv("LEDGERLINK_CLIENT_SECRET"),
		RedirectURL:      stringVar("LEDGERLINK_REDIRECT_URL", "http://localhost:8080/api/v1/oauth/callback"),
		Environment:      model.Environment(stringVar("LEDGERLINK_ENVIRONMENT", string(model.EnvironmentSandbox))),
		AuthURL:          stringVar("LEDGERLINK_AUTH_URL", defaultAuthURL),
		TokenURL:         stringVar("LEDGERLINK_TOKEN_URL", defaultTokenURL),
		SandboxAPIURL:    stringVar("LEDGERLINK_SANDBOX_API_URL", defaultSandboxAPIURL),
		ProductionAPIURL: stringVar("LEDGERLINK_PRODUCTION_API_URL", defaultProductionAPIURL),
		Scopes:           listVar("LEDGERLINK_SCOPES", defaultScope),
	}

	if !cfg.Environment.Valid() {
		return nil, fmt.Errorf("LEDGERLINK_ENVIRONMENT must be %q or %q, got %q",
			model.EnvironmentSandbox, model.EnvironmentProduction, cfg.Environment)
	}

	var err error
	if cfg.HTTPTimeout, err = durationVar("LEDGERLINK_HTTP_TIMEOUT", 20*time.Second); err != nil {
		return nil, err
	}
	if cfg.HTTPTimeout <= 0 {
		return nil, fmt.Errorf("LEDGERLINK_HTTP_TIMEOUT must be positive, got %s", cfg.HTTPTimeout)
	}
	if cfg.SyncInterval, err = durationVar("LEDGERLINK_SYNC_INTERVAL", 0); err != nil {
		return nil, err
	}
	if cfg.SyncInterval < 0 {
		return nil, fmt.Errorf("LEDGERLINK_SYNC_INTERVAL must not be negative, got %s", cfg.SyncInterval)
	}
	if cfg.StateTTL, err = durationVar("LEDGERLINK_STATE_TTL", 10*time.Minute); err != nil {
		return nil, err
	}
	if cfg.StateTTL <= 0 {
		return nil, fmt.Errorf("LEDGERLINK_STATE_TTL must be positive, got %s", cfg.StateTTL)
	}

	cfg.PageSize = maxPageSize
	if v, ok := os.LookupEnv("LEDGERLINK_PAGE_SIZE"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("LEDGERLINK_PAGE_SIZE has invalid integer %q: %w", v, err)
		}
		if n < 1 || n > maxPageSize {
			return nil, fmt.Errorf("LEDGERLINK_PAGE_SIZE must be between 1 and %d, got %d", maxPageSize, n)
		}
		cfg.PageSize = n
	}

	return cfg, nil
}

func stringVar(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func durationVar(key string, def time.Duration) (time.Duration, error) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return def, nil
	}
	parsed, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s has invalid duration %q: %w", key, v, err)
	}
	return parsed, nil
}

func listVar(key, def string) []string {
	raw := stringVar(key, def)
	var out []string
	for _, item := range strings.Split(raw, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	if out == nil {
		out = []string{}
	}
	return out
}

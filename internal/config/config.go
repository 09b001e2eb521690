// Package config provides configuration loading and management for the
// fleet data lake server.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvPrefix is the prefix for environment variable overrides.
const EnvPrefix = "FLEETLAKE"

// Defaults for the sync cadences and data retrieval windows.
const (
	DefaultIncrementalInterval = 5 * time.Minute
	DefaultPeriodicInterval    = time.Hour
	DefaultFullSyncInterval    = 24 * time.Hour

	DefaultTransactionDaysBack = 30
	DefaultTollDaysBack        = 30
	DefaultIncrementalDaysBack = 2

	DefaultFreshnessThreshold = time.Hour
	DefaultInterEntityDelay   = 500 * time.Millisecond
	DefaultConnectorTimeout   = 60 * time.Second
)

// Option defines the interface for configuration options
type Option func(*loaderConfig) error

// loaderConfig defines the configuration for loading a configuration
type loaderConfig struct {
	path string
}

// WithConfigPath loads configuration from a YAML file
func WithConfigPath(path string) Option {
	return func(cfg *loaderConfig) error {
		if path == "" {
			return fmt.Errorf("path is required")
		}

		// Resolve symlinks to prevent symlink attacks.
		// Note that this calls filepath.Clean internally.
		realPath, err := filepath.EvalSymlinks(path)
		if err != nil {
			return fmt.Errorf("failed to evaluate symlinks: %w", err)
		}

		if !filepath.IsAbs(realPath) {
			if !filepath.IsLocal(realPath) {
				return fmt.Errorf("path is not local or contains invalid traversal: %s", path)
			}
		}

		cfg.path = realPath
		return nil
	}
}

// Config represents the root configuration structure
type Config struct {
	// OrganizationID identifies the organization whose data this
	// instance mirrors. Defaults to "default".
	OrganizationID string `yaml:"organizationId,omitempty"`

	// ConnectionID identifies the provider connection. Defaults to
	// "dkv-default".
	ConnectionID string `yaml:"connectionId,omitempty"`

	Sync     SyncConfig      `yaml:"sync,omitempty"`
	Provider *ProviderConfig `yaml:"provider,omitempty"`
	Database *DatabaseConfig `yaml:"database,omitempty"`
	Server   ServerConfig    `yaml:"server,omitempty"`
}

// SyncConfig defines the scheduler's cadences, retrieval windows and
// error handling knobs. Zero values take the package defaults.
type SyncConfig struct {
	// EnableIncrementalSync arms the incremental cadence. Defaults to
	// true; set to false explicitly to disable.
	EnableIncrementalSync *bool `yaml:"enableIncrementalSync,omitempty"`

	// Interval strings are Go durations ("5m", "1h", "24h").
	IncrementalInterval string `yaml:"incrementalInterval,omitempty"`
	PeriodicInterval    string `yaml:"periodicInterval,omitempty"`
	FullSyncInterval    string `yaml:"fullSyncInterval,omitempty"`

	// Retrieval windows in days.
	TransactionDaysBack int `yaml:"transactionDaysBack,omitempty"`
	TollDaysBack        int `yaml:"tollDaysBack,omitempty"`
	IncrementalDaysBack int `yaml:"incrementalDaysBack,omitempty"`

	// SkipInitialSyncIfFresh skips the bootstrap sync entirely when the
	// last full sync is within FreshnessThreshold.
	SkipInitialSyncIfFresh *bool  `yaml:"skipInitialSyncIfFresh,omitempty"`
	FreshnessThreshold     string `yaml:"freshnessThreshold,omitempty"`

	// InterEntityDelay is the pause between entity kinds within a
	// periodic sync, bounding the outbound request rate.
	InterEntityDelay string `yaml:"interEntityDelay,omitempty"`

	// ConnectorTimeout bounds every individual connector call so a hung
	// remote cannot hold the single-flight lock indefinitely.
	ConnectorTimeout string `yaml:"connectorTimeout,omitempty"`

	// ErrorBackoffBase is the base of the capped exponential backoff
	// applied to entities with consecutive failures. Empty or "0"
	// disables backoff.
	ErrorBackoffBase string `yaml:"errorBackoffBase,omitempty"`
}

// ProviderConfig defines the remote fleet-management API connection.
type ProviderConfig struct {
	// AuthURL is the OAuth2 token endpoint (client credentials flow)
	AuthURL string `yaml:"authUrl"`

	// APIBaseURL is the base URL of the provider's enterprise API
	APIBaseURL string `yaml:"apiBaseUrl"`

	ClientID     string `yaml:"clientId"`
	ClientSecret string `yaml:"clientSecret,omitempty"`

	// ClientSecretFile is the path to a file containing the client
	// secret; preferred over ClientSecret for production deployments.
	ClientSecretFile string `yaml:"clientSecretFile,omitempty"`

	// SubscriptionKey is sent on every API call as a header
	SubscriptionKey string `yaml:"subscriptionKey,omitempty"`

	// CustomerNumber scopes every API call to one provider account
	CustomerNumber string `yaml:"customerNumber"`

	// Timeout is the per-request HTTP timeout (e.g. "30s")
	Timeout string `yaml:"timeout,omitempty"`
}

// GetClientSecret returns the provider client secret using the following
// priority: ClientSecretFile, FLEETLAKE_PROVIDER_CLIENT_SECRET
// environment variable, ClientSecret field.
func (p *ProviderConfig) GetClientSecret() (string, error) {
	if p.ClientSecretFile != "" {
		cleanPath := filepath.Clean(p.ClientSecretFile)
		data, err := os.ReadFile(cleanPath)
		if err != nil {
			return "", fmt.Errorf("failed to read client secret from file %s: %w", p.ClientSecretFile, err)
		}
		return strings.TrimSpace(string(data)), nil
	}

	if env := os.Getenv("FLEETLAKE_PROVIDER_CLIENT_SECRET"); env != "" {
		return env, nil
	}

	if p.ClientSecret != "" {
		return p.ClientSecret, nil
	}

	return "", fmt.Errorf(
		"no provider client secret configured: set clientSecretFile, FLEETLAKE_PROVIDER_CLIENT_SECRET or clientSecret",
	)
}

// ServerConfig defines the HTTP API server settings.
type ServerConfig struct {
	// Address to listen on, e.g. ":8080"
	Address string `yaml:"address,omitempty"`

	// EnableMetrics exposes Prometheus metrics on /metrics. Defaults to
	// true; set to false explicitly to disable.
	EnableMetrics *bool `yaml:"enableMetrics,omitempty"`
}

// DatabaseConfig defines database connection settings
type DatabaseConfig struct {
	// Host is the database server hostname or IP address
	Host string `yaml:"host"`

	// Port is the database server port
	Port int `yaml:"port"`

	// User is the database username
	User string `yaml:"user"`

	// PasswordFile is the path to a file containing the database password.
	// This is the recommended approach for production deployments.
	PasswordFile string `yaml:"passwordFile,omitempty"`

	// Database is the database name
	Database string `yaml:"database"`

	// SSLMode is the SSL mode for the connection (disable, require, verify-ca, verify-full)
	SSLMode string `yaml:"sslMode,omitempty"`

	// MaxConns is the maximum number of pooled connections
	MaxConns int32 `yaml:"maxConns,omitempty"`

	// MinConns is the minimum number of pooled connections
	MinConns int32 `yaml:"minConns,omitempty"`

	// ConnMaxLifetime is the maximum lifetime of a connection (e.g., "1h", "30m")
	ConnMaxLifetime string `yaml:"connMaxLifetime,omitempty"`
}

// GetPassword returns the database password using the following priority:
// 1. Read from PasswordFile if specified
// 2. Read from FLEETLAKE_DATABASE_PASSWORD environment variable
//
// The password from file will have leading/trailing whitespace trimmed.
func (d *DatabaseConfig) GetPassword() (string, error) {
	if d.PasswordFile != "" {
		// Use filepath.Clean to prevent path traversal attacks
		cleanPath := filepath.Clean(d.PasswordFile)

		data, err := os.ReadFile(cleanPath)
		if err != nil {
			return "", fmt.Errorf("failed to read password from file %s: %w", d.PasswordFile, err)
		}

		return strings.TrimSpace(string(data)), nil
	}

	if envPassword := os.Getenv("FLEETLAKE_DATABASE_PASSWORD"); envPassword != "" {
		return envPassword, nil
	}

	return "", fmt.Errorf(
		"no database password configured: set passwordFile or FLEETLAKE_DATABASE_PASSWORD environment variable",
	)
}

// GetConnectionString builds a PostgreSQL connection string with proper
// password handling. The password is URL-escaped to handle special
// characters safely.
func (d *DatabaseConfig) GetConnectionString() (string, error) {
	password, err := d.GetPassword()
	if err != nil {
		return "", err
	}

	sslMode := d.SSLMode
	if sslMode == "" {
		sslMode = "require"
	}

	escapedPassword := url.QueryEscape(password)

	connString := fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User,
		escapedPassword,
		d.Host,
		d.Port,
		d.Database,
		sslMode,
	)

	return connString, nil
}

// LoadConfig loads and parses configuration from a YAML file
func LoadConfig(opts ...Option) (*Config, error) {
	loaderCfg := &loaderConfig{}
	for _, opt := range opts {
		if err := opt(loaderCfg); err != nil {
			return nil, err
		}
	}

	if loaderCfg.path == "" {
		return nil, fmt.Errorf("path is required")
	}

	data, err := os.ReadFile(loaderCfg.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse YAML config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// GetOrganizationID returns the organization id, using "default" if not specified
func (c *Config) GetOrganizationID() string {
	if c.OrganizationID == "" {
		return "default"
	}
	return c.OrganizationID
}

// GetConnectionID returns the connection id, using "dkv-default" if not specified
func (c *Config) GetConnectionID() string {
	if c.ConnectionID == "" {
		return "dkv-default"
	}
	return c.ConnectionID
}

// Validate performs validation on the configuration
func (c *Config) Validate() error {
	if c == nil {
		return fmt.Errorf("config cannot be nil")
	}

	if err := validateSyncConfig(&c.Sync); err != nil {
		return err
	}

	if c.Provider != nil {
		if c.Provider.AuthURL == "" {
			return fmt.Errorf("provider: authUrl is required")
		}
		if c.Provider.APIBaseURL == "" {
			return fmt.Errorf("provider: apiBaseUrl is required")
		}
		if c.Provider.ClientID == "" {
			return fmt.Errorf("provider: clientId is required")
		}
		if c.Provider.CustomerNumber == "" {
			return fmt.Errorf("provider: customerNumber is required")
		}
		if _, err := parseOptionalDuration(c.Provider.Timeout); err != nil {
			return fmt.Errorf("provider: invalid timeout: %w", err)
		}
	}

	return nil
}

func validateSyncConfig(sc *SyncConfig) error {
	durations := map[string]string{
		"incrementalInterval": sc.IncrementalInterval,
		"periodicInterval":    sc.PeriodicInterval,
		"fullSyncInterval":    sc.FullSyncInterval,
		"freshnessThreshold":  sc.FreshnessThreshold,
		"interEntityDelay":    sc.InterEntityDelay,
		"connectorTimeout":    sc.ConnectorTimeout,
		"errorBackoffBase":    sc.ErrorBackoffBase,
	}
	for name, value := range durations {
		if _, err := parseOptionalDuration(value); err != nil {
			return fmt.Errorf("sync: invalid %s: %w", name, err)
		}
	}

	days := map[string]int{
		"transactionDaysBack": sc.TransactionDaysBack,
		"tollDaysBack":        sc.TollDaysBack,
		"incrementalDaysBack": sc.IncrementalDaysBack,
	}
	for name, value := range days {
		if value < 0 {
			return fmt.Errorf("sync: %s must not be negative", name)
		}
	}

	return nil
}

func parseOptionalDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	return time.ParseDuration(s)
}

// DurationOr parses s as a duration, returning fallback when s is empty
// or invalid values were already rejected by Validate.
func DurationOr(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}

// IntOr returns v unless it is zero, in which case fallback is returned.
func IntOr(v, fallback int) int {
	if v == 0 {
		return fallback
	}
	return v
}

// BoolOr dereferences v, returning fallback when v is nil.
func BoolOr(v *bool, fallback bool) bool {
	if v == nil {
		return fallback
	}
	return *v
}

// Package config loads tether settings from an optional YAML file overlaid
// with TETHER_* environment variables.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/lborres/tether/pkg/logger"
)

const (
	ProviderIdentityToolkit = "identitytoolkit"
	ProviderLocal           = "local"

	StorageMemory   = "memory"
	StorageFile     = "file"
	StorageSQLite   = "sqlite"
	StoragePostgres = "postgres"
)

type Config struct {
	LogLevel  string `yaml:"log_level" env:"TETHER_LOG_LEVEL"`
	LogFormat string `yaml:"log_format" env:"TETHER_LOG_FORMAT"`

	Provider  ProviderConfig  `yaml:"provider"`
	Backend   BackendConfig   `yaml:"backend"`
	Storage   StorageConfig   `yaml:"storage"`
	Google    GoogleConfig    `yaml:"google"`
	Session   SessionConfig   `yaml:"session"`
	Server    ServerConfig    `yaml:"server"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

type ProviderConfig struct {
	Kind              string        `yaml:"kind" env:"TETHER_PROVIDER"`
	APIKey            string        `yaml:"api_key" env:"TETHER_PROVIDER_API_KEY"`
	Endpoint          string        `yaml:"endpoint" env:"TETHER_PROVIDER_ENDPOINT"`
	TokenEndpoint     string        `yaml:"token_endpoint" env:"TETHER_PROVIDER_TOKEN_ENDPOINT"`
	Timeout           time.Duration `yaml:"timeout" env:"TETHER_PROVIDER_TIMEOUT"`
	RequestsPerSecond float64       `yaml:"requests_per_second" env:"TETHER_PROVIDER_RPS"`
	// RefreshBefore is how long before ID token expiry serve renews the session
	RefreshBefore time.Duration `yaml:"refresh_before" env:"TETHER_PROVIDER_REFRESH_BEFORE"`
}

type BackendConfig struct {
	URL string `yaml:"url" env:"TETHER_BACKEND_URL"`
	// Timeout applies per backend request; the controller adds none of its own
	Timeout time.Duration `yaml:"timeout" env:"TETHER_BACKEND_TIMEOUT"`
}

type StorageConfig struct {
	Driver      string `yaml:"driver" env:"TETHER_STORAGE"`
	Path        string `yaml:"path" env:"TETHER_STORAGE_PATH"`
	DatabaseURL string `yaml:"database_url" env:"TETHER_DATABASE_URL"`
	// AgeIdentity seals file storage; created on first use
	AgeIdentity string `yaml:"age_identity" env:"TETHER_AGE_IDENTITY"`
}

type GoogleConfig struct {
	ClientID     string `yaml:"client_id" env:"TETHER_GOOGLE_CLIENT_ID"`
	ClientSecret string `yaml:"client_secret" env:"TETHER_GOOGLE_CLIENT_SECRET"`
}

type SessionConfig struct {
	CredentialKey          string `yaml:"credential_key" env:"TETHER_CREDENTIAL_KEY"`
	ConcealUnknownAccounts bool   `yaml:"conceal_unknown_accounts" env:"TETHER_CONCEAL_UNKNOWN_ACCOUNTS"`
}

type ServerConfig struct {
	Addr        string `yaml:"addr" env:"TETHER_SERVER_ADDR"`
	BasePath    string `yaml:"base_path" env:"TETHER_SERVER_BASE_PATH"`
	MetricsPath string `yaml:"metrics_path" env:"TETHER_METRICS_PATH"`
}

type TelemetryConfig struct {
	OTLPEndpoint string `yaml:"otlp_endpoint" env:"TETHER_OTEL_ENDPOINT"`
	ServiceName  string `yaml:"service_name" env:"TETHER_SERVICE_NAME"`
}

// Default returns the settings used when nothing overrides them
func Default() *Config {
	dir := "."
	if userDir, err := os.UserConfigDir(); err == nil {
		dir = filepath.Join(userDir, "tether")
	}

	return &Config{
		LogLevel:  "info",
		LogFormat: "json",
		Provider: ProviderConfig{
			Kind:    ProviderIdentityToolkit,
			Timeout: 10 * time.Second,
		},
		Backend: BackendConfig{
			Timeout: 10 * time.Second,
		},
		Storage: StorageConfig{
			Driver: StorageFile,
			Path:   filepath.Join(dir, "session.json"),
		},
		Session: SessionConfig{
			CredentialKey: "access-token",
		},
		Server: ServerConfig{
			Addr:        ":8080",
			BasePath:    "/api/session",
			MetricsPath: "/metrics",
		},
		Telemetry: TelemetryConfig{
			ServiceName: "tether",
		},
	}
}

// Load applies defaults, then the YAML file at path (if any), then the
// environment, and validates the result
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("opening config file: %w", err)
		}
		defer f.Close()
		if err := decodeYAML(f, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decodeYAML(r io.Reader, cfg *Config) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	return dec.Decode(cfg)
}

// Validate reports every problem at once
func (c *Config) Validate() error {
	var errs []error

	if _, err := logger.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	if c.LogFormat != "json" && c.LogFormat != "text" {
		errs = append(errs, fmt.Errorf("log_format must be json or text, got %q", c.LogFormat))
	}

	switch c.Provider.Kind {
	case ProviderIdentityToolkit:
		if strings.TrimSpace(c.Provider.APIKey) == "" {
			errs = append(errs, errors.New("TETHER_PROVIDER_API_KEY is required for the identitytoolkit provider"))
		}
	case ProviderLocal:
	default:
		errs = append(errs, fmt.Errorf("unknown provider %q", c.Provider.Kind))
	}
	if c.Provider.RequestsPerSecond < 0 {
		errs = append(errs, errors.New("provider requests_per_second must not be negative"))
	}

	if strings.TrimSpace(c.Backend.URL) == "" {
		errs = append(errs, errors.New("TETHER_BACKEND_URL is required"))
	}

	switch c.Storage.Driver {
	case StorageMemory:
	case StorageFile, StorageSQLite:
		if c.Storage.Path == "" {
			errs = append(errs, fmt.Errorf("storage path is required for the %s driver", c.Storage.Driver))
		}
	case StoragePostgres:
		if c.Storage.DatabaseURL == "" {
			errs = append(errs, errors.New("TETHER_DATABASE_URL is required for the postgres driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown storage driver %q", c.Storage.Driver))
	}

	if c.Session.CredentialKey == "" {
		errs = append(errs, errors.New("session credential_key must not be empty"))
	}
	if !strings.HasPrefix(c.Server.BasePath, "/") {
		errs = append(errs, fmt.Errorf("server base_path must start with /, got %q", c.Server.BasePath))
	}

	return errors.Join(errs...)
}

// GoogleEnabled reports whether federated sign-in can be offered
func (c *Config) GoogleEnabled() bool {
	return c.Google.ClientID != ""
}

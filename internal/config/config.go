// Package config loads and validates scanwatch configuration files.
package config

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/anstrom/scanwatch/internal/db"
	"github.com/anstrom/scanwatch/internal/errors"
	"github.com/anstrom/scanwatch/internal/hub"
	"github.com/anstrom/scanwatch/internal/jobs"
	"github.com/anstrom/scanwatch/internal/logging"
	"github.com/anstrom/scanwatch/internal/models"
)

const (
	configDirPerm  = 0750
	configFilePerm = 0600

	// StoreMemory keeps jobs in process memory.
	StoreMemory = "memory"
	// StorePostgres keeps jobs in PostgreSQL.
	StorePostgres = "postgres"
)

// Config represents the complete scanwatch configuration.
type Config struct {
	API      APIConfig      `yaml:"api" json:"api"`
	Jobs     jobs.Config    `yaml:"jobs" json:"jobs"`
	Hub      hub.Config     `yaml:"hub" json:"hub"`
	Scanning ScanningConfig `yaml:"scanning" json:"scanning"`
	Store    StoreConfig    `yaml:"store" json:"store"`
	Client   ClientConfig   `yaml:"client" json:"client"`
	Logging  logging.Config `yaml:"logging" json:"logging"`
}

// APIConfig holds API server settings.
type APIConfig struct {
	// Listen address
	Host string `yaml:"host" json:"host"`

	// Listen port
	Port int `yaml:"port" json:"port"`

	ReadTimeout  time.Duration `yaml:"read_timeout" json:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout" json:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout" json:"idle_timeout"`

	// Maximum request body size in bytes
	MaxRequestSize int64 `yaml:"max_request_size" json:"max_request_size"`

	TLS       TLSConfig       `yaml:"tls" json:"tls"`
	CORS      CORSConfig      `yaml:"cors" json:"cors"`
	Auth      AuthConfig      `yaml:"auth" json:"auth"`
	RateLimit RateLimitConfig `yaml:"rate_limit" json:"rate_limit"`

	// Serve swagger UI under /swagger/
	EnableDocs bool `yaml:"enable_docs" json:"enable_docs"`
}

// TLSConfig holds TLS settings.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled" json:"enabled"`
	CertFile string `yaml:"cert_file" json:"cert_file"`
	KeyFile  string `yaml:"key_file" json:"key_file"`
}

// CORSConfig holds CORS settings.
type CORSConfig struct {
	Enabled        bool     `yaml:"enabled" json:"enabled"`
	AllowedOrigins []string `yaml:"allowed_origins" json:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods" json:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers" json:"allowed_headers"`
}

// AuthConfig holds API key authentication settings.
type AuthConfig struct {
	Enabled bool `yaml:"enabled" json:"enabled"`

	// Keys are stored as bcrypt hashes, never in clear text.
	APIKeys []APIKeyConfig `yaml:"api_keys" json:"api_keys"`
}

// APIKeyConfig is one accepted API key.
type APIKeyConfig struct {
	Name string `yaml:"name" json:"name"`
	Hash string `yaml:"hash" json:"-"`
}

// RateLimitConfig holds per-client request rate limits.
type RateLimitConfig struct {
	Enabled           bool    `yaml:"enabled" json:"enabled"`
	RequestsPerSecond float64 `yaml:"requests_per_second" json:"requests_per_second"`
	Burst             int     `yaml:"burst" json:"burst"`
}

// ScanningConfig holds scan engine settings.
type ScanningConfig struct {
	// Path to the nmap binary; empty uses $PATH
	NmapPath string `yaml:"nmap_path" json:"nmap_path"`

	// Maximum simultaneous nmap processes
	MaxProcesses int `yaml:"max_processes" json:"max_processes"`

	// Treat all hosts as online (-Pn)
	SkipHostDiscovery bool `yaml:"skip_host_discovery" json:"skip_host_discovery"`

	// Defaults applied to submissions that leave the field empty
	DefaultPorts  string `yaml:"default_ports" json:"default_ports"`
	DefaultTiming string `yaml:"default_timing" json:"default_timing"`
}

// StoreConfig selects and configures the job store.
type StoreConfig struct {
	// Driver is "memory" or "postgres"
	Driver      string    `yaml:"driver" json:"driver"`
	Database    db.Config `yaml:"database" json:"database"`
	AutoMigrate bool      `yaml:"auto_migrate" json:"auto_migrate"`
}

// ClientConfig holds settings used by the CLI client and session controller.
type ClientConfig struct {
	ServerURL      string        `yaml:"server_url" json:"server_url"`
	APIKey         string        `yaml:"api_key" json:"-"`
	ReconnectDelay time.Duration `yaml:"reconnect_delay" json:"reconnect_delay"`
	RequestTimeout time.Duration `yaml:"request_timeout" json:"request_timeout"`
}

// Default returns a configuration with sensible defaults.
func Default() *Config {
	return &Config{
		API: APIConfig{
			Host:           "127.0.0.1",
			Port:           8080,
			ReadTimeout:    15 * time.Second,
			WriteTimeout:   30 * time.Second,
			IdleTimeout:    60 * time.Second,
			MaxRequestSize: 1024 * 1024, // 1MB
			CORS: CORSConfig{
				Enabled:        true,
				AllowedOrigins: []string{"*"},
				AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
				AllowedHeaders: []string{"Content-Type", "X-API-Key", "X-Request-ID"},
			},
			RateLimit: RateLimitConfig{
				Enabled:           true,
				RequestsPerSecond: 20,
				Burst:             40,
			},
			EnableDocs: true,
		},
		Jobs: jobs.DefaultConfig(),
		Hub:  hub.DefaultConfig(),
		Scanning: ScanningConfig{
			MaxProcesses:  4,
			DefaultPorts:  models.DefaultPorts,
			DefaultTiming: "normal",
		},
		Store: StoreConfig{
			Driver:      StoreMemory,
			Database:    db.DefaultConfig(),
			AutoMigrate: true,
		},
		Client: ClientConfig{
			ServerURL:      "http://127.0.0.1:8080",
			ReconnectDelay: 5 * time.Second,
			RequestTimeout: 30 * time.Second,
		},
		Logging: logging.DefaultConfig(),
	}
}

// Load loads configuration from a file. A missing file yields the defaults.
// JSON files are accepted since JSON is valid YAML.
func Load(path string) (*Config, error) {
	config := Default()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return config, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, &errors.ConfigError{
			Code:    errors.CodeConfiguration,
			Message: fmt.Sprintf("failed to parse config %s", filepath.Base(path)),
			Cause:   err,
		}
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// Save writes the configuration as YAML.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), configDirPerm); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, configFilePerm); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// Validate checks the configuration and reports the first invalid field.
func (c *Config) Validate() error {
	if c.API.Port <= 0 || c.API.Port > 65535 {
		return errors.ErrConfigInvalid("api.port", c.API.Port)
	}
	if c.API.Host == "" {
		return errors.ErrConfigInvalid("api.host", c.API.Host)
	}
	if c.API.TLS.Enabled && (c.API.TLS.CertFile == "" || c.API.TLS.KeyFile == "") {
		return errors.NewConfigFieldError(errors.CodeValidation,
			"TLS certificate and key files are required when TLS is enabled", "api.tls", nil)
	}
	if c.API.Auth.Enabled {
		if len(c.API.Auth.APIKeys) == 0 {
			return errors.NewConfigFieldError(errors.CodeValidation,
				"at least one API key is required when auth is enabled", "api.auth.api_keys", nil)
		}
		for i, k := range c.API.Auth.APIKeys {
			if k.Hash == "" {
				return errors.ErrConfigInvalid(fmt.Sprintf("api.auth.api_keys[%d].hash", i), "")
			}
		}
	}
	if c.API.RateLimit.Enabled && (c.API.RateLimit.RequestsPerSecond <= 0 || c.API.RateLimit.Burst <= 0) {
		return errors.ErrConfigInvalid("api.rate_limit", c.API.RateLimit)
	}

	if c.Jobs.MaxRunning <= 0 {
		return errors.ErrConfigInvalid("jobs.max_running", c.Jobs.MaxRunning)
	}
	if c.Jobs.QueueSize < 0 {
		return errors.ErrConfigInvalid("jobs.queue_size", c.Jobs.QueueSize)
	}
	if c.Jobs.Retention < 0 {
		return errors.ErrConfigInvalid("jobs.retention", c.Jobs.Retention)
	}

	if c.Hub.SessionQueueSize <= 0 {
		return errors.ErrConfigInvalid("hub.session_queue_size", c.Hub.SessionQueueSize)
	}
	if c.Hub.CriticalSendTimeout <= 0 {
		return errors.ErrConfigInvalid("hub.critical_send_timeout", c.Hub.CriticalSendTimeout)
	}

	if c.Scanning.MaxProcesses <= 0 {
		return errors.ErrConfigInvalid("scanning.max_processes", c.Scanning.MaxProcesses)
	}
	if c.Scanning.DefaultPorts != "" {
		if err := models.ValidatePorts(c.Scanning.DefaultPorts); err != nil {
			return errors.ErrConfigInvalid("scanning.default_ports", c.Scanning.DefaultPorts)
		}
	}
	if !validTimings[c.Scanning.DefaultTiming] {
		return errors.ErrConfigInvalid("scanning.default_timing", c.Scanning.DefaultTiming)
	}

	switch c.Store.Driver {
	case StoreMemory:
	case StorePostgres:
		if c.Store.Database.Host == "" {
			return errors.ErrConfigInvalid("store.database.host", "")
		}
		if c.Store.Database.Database == "" {
			return errors.ErrConfigInvalid("store.database.database", "")
		}
		if c.Store.Database.Username == "" {
			return errors.ErrConfigInvalid("store.database.username", "")
		}
	default:
		return errors.ErrConfigInvalid("store.driver", c.Store.Driver)
	}

	if c.Client.ServerURL != "" {
		u, err := url.Parse(c.Client.ServerURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return errors.ErrConfigInvalid("client.server_url", c.Client.ServerURL)
		}
	}
	if c.Client.ReconnectDelay <= 0 {
		return errors.ErrConfigInvalid("client.reconnect_delay", c.Client.ReconnectDelay)
	}

	if !validLogLevels[string(c.Logging.Level)] {
		return errors.ErrConfigInvalid("logging.level", c.Logging.Level)
	}
	if c.Logging.Format != logging.FormatText && c.Logging.Format != logging.FormatJSON {
		return errors.ErrConfigInvalid("logging.format", c.Logging.Format)
	}

	return nil
}

var (
	validTimings = map[string]bool{
		"": true, "paranoid": true, "sneaky": true, "polite": true,
		"normal": true, "aggressive": true, "insane": true,
	}
	validLogLevels = map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
)

// GetAPIAddress returns the API listen address.
func (c *Config) GetAPIAddress() string {
	return net.JoinHostPort(c.API.Host, strconv.Itoa(c.API.Port))
}

// IsPostgres reports whether jobs are stored in PostgreSQL.
func (c *Config) IsPostgres() bool {
	return c.Store.Driver == StorePostgres
}

// ApplyScanDefaults fills options the submitter left empty from the scanning section.
func (c *Config) ApplyScanDefaults(opts models.ScanOptions) models.ScanOptions {
	if opts.Ports == "" {
		opts.Ports = c.Scanning.DefaultPorts
	}
	if opts.Timing == "" {
		opts.Timing = c.Scanning.DefaultTiming
	}
	return opts
}

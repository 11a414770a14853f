// Package config handles loading and parsing of the buffer configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Logging       LoggingConfig       `yaml:"logging"`
	Buffer        BufferConfig        `yaml:"buffer"`
	Export        ExportConfig        `yaml:"export"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	// ShutdownTimeout is the graceful shutdown budget in seconds.
	ShutdownTimeout int `yaml:"shutdown_timeout"`
	// MaxObjectSize caps the body of an ingested object, in bytes.
	MaxObjectSize int64 `yaml:"max_object_size"`
}

// LoggingConfig holds log output settings.
type LoggingConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level"`
	// Format is text or json.
	Format string `yaml:"format"`
}

// BufferConfig holds the locations and engine of the buffer.
type BufferConfig struct {
	// IndexDir holds the durable index file.
	IndexDir string `yaml:"index_dir"`
	// StoreDir is the root of the sharded object tree.
	StoreDir string `yaml:"store_dir"`
	// QuarantineDir receives objects that could not be stored. Empty
	// disables the quarantine.
	QuarantineDir string `yaml:"quarantine_dir"`
	// Engine is the index engine: sqlite or bolt.
	Engine string `yaml:"engine"`
	// Extension is appended to stored file names.
	Extension string `yaml:"extension"`
}

// ExportConfig holds the import service settings.
type ExportConfig struct {
	// URL of the import service. Empty leaves the export worker idle.
	URL string `yaml:"url"`
	// APIKey enables tracked submissions.
	APIKey         string        `yaml:"api_key"`
	StartupDelay   time.Duration `yaml:"startup_delay"`
	PollInterval   time.Duration `yaml:"poll_interval"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	// TokenRetries bounds retries of the import event request.
	TokenRetries int `yaml:"token_retries"`
}

// ObservabilityConfig toggles the metrics and health endpoints.
type ObservabilityConfig struct {
	Metrics     bool `yaml:"metrics"`
	HealthCheck bool `yaml:"health_check"`
}

// Load reads a YAML configuration file from the given path and returns
// a parsed Config. It applies sensible defaults for unset values.
// If the primary path fails, it falls back to dicombuffer.example.yaml
// in the same directory or parent directory.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		fallbackPaths := []string{
			filepath.Join(filepath.Dir(path), "dicombuffer.example.yaml"),
			filepath.Join(filepath.Dir(path), "..", "dicombuffer.example.yaml"),
		}
		var fallbackErr error
		for _, fp := range fallbackPaths {
			data, fallbackErr = os.ReadFile(fp)
			if fallbackErr == nil {
				break
			}
		}
		if fallbackErr != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	// Apply defaults for empty fields that YAML didn't set
	applyDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return defaultConfig()
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            9080,
			ShutdownTimeout: 30,
			MaxObjectSize:   5 * 1024 * 1024 * 1024,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Buffer: BufferConfig{
			IndexDir:  "./data/index",
			StoreDir:  "./data/store",
			Engine:    "sqlite",
			Extension: ".dcm",
		},
		Export: ExportConfig{
			StartupDelay:   10 * time.Second,
			PollInterval:   10 * time.Second,
			ConnectTimeout: 20 * time.Second,
			ReadTimeout:    120 * time.Second,
			TokenRetries:   3,
		},
		Observability: ObservabilityConfig{
			Metrics:     true,
			HealthCheck: true,
		},
	}
}

// applyDefaults fills in any fields that are still at their zero value
// after YAML unmarshaling.
func applyDefaults(cfg *Config) {
	def := defaultConfig()
	if cfg.Server.Host == "" {
		cfg.Server.Host = def.Server.Host
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = def.Server.Port
	}
	if cfg.Server.ShutdownTimeout <= 0 {
		cfg.Server.ShutdownTimeout = def.Server.ShutdownTimeout
	}
	if cfg.Server.MaxObjectSize <= 0 {
		cfg.Server.MaxObjectSize = def.Server.MaxObjectSize
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = def.Logging.Level
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = def.Logging.Format
	}
	if cfg.Buffer.IndexDir == "" {
		cfg.Buffer.IndexDir = def.Buffer.IndexDir
	}
	if cfg.Buffer.StoreDir == "" {
		cfg.Buffer.StoreDir = def.Buffer.StoreDir
	}
	if cfg.Buffer.Engine == "" {
		cfg.Buffer.Engine = def.Buffer.Engine
	}
	if cfg.Buffer.Extension == "" {
		cfg.Buffer.Extension = def.Buffer.Extension
	}
	if cfg.Export.StartupDelay < 0 {
		cfg.Export.StartupDelay = 0
	}
	if cfg.Export.PollInterval <= 0 {
		cfg.Export.PollInterval = def.Export.PollInterval
	}
	if cfg.Export.ConnectTimeout <= 0 {
		cfg.Export.ConnectTimeout = def.Export.ConnectTimeout
	}
	if cfg.Export.ReadTimeout <= 0 {
		cfg.Export.ReadTimeout = def.Export.ReadTimeout
	}
	if cfg.Export.TokenRetries < 0 {
		cfg.Export.TokenRetries = 0
	}
}

// Validate checks settings that have no sensible default.
func (c *Config) Validate() error {
	switch strings.ToLower(c.Buffer.Engine) {
	case "sqlite", "bolt":
	default:
		return fmt.Errorf("buffer.engine must be sqlite or bolt, got %q", c.Buffer.Engine)
	}
	if c.Export.ReadTimeout <= c.Export.ConnectTimeout {
		return errors.New("export.read_timeout must exceed export.connect_timeout")
	}
	if c.Buffer.IndexDir == c.Buffer.StoreDir {
		return errors.New("buffer.index_dir and buffer.store_dir must differ")
	}
	return nil
}

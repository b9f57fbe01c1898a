// Package config handles loading and parsing of FileGate configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration for FileGate.
type Config struct {
	Server     ServerConfig      `yaml:"server"`
	Logging    LoggingConfig     `yaml:"logging"`
	Metadata   MetadataConfig    `yaml:"metadata"`
	Providers  []ProviderConfig  `yaml:"providers"`
	Namespaces []NamespaceConfig `yaml:"namespaces"`
	Resumable  ResumableConfig   `yaml:"resumable"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	// ShutdownTimeout is the graceful shutdown timeout in seconds.
	ShutdownTimeout int `yaml:"shutdown_timeout"`
	// MaxUploadSize is the maximum size in bytes for a single-shot upload.
	MaxUploadSize int64 `yaml:"max_upload_size"`
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	// Level is the minimum log level: debug, info, warn, error.
	Level string `yaml:"level"`
	// Format is the log output format: text or json.
	Format string `yaml:"format"`
}

// MetadataConfig holds metadata index settings.
type MetadataConfig struct {
	// Engine is the metadata index engine: "sqlite" or "memory".
	Engine string       `yaml:"engine"`
	SQLite SQLiteConfig `yaml:"sqlite"`
}

// SQLiteConfig holds SQLite-specific metadata index settings.
type SQLiteConfig struct {
	// Path is the filesystem path for the SQLite database file.
	Path string `yaml:"path"`
}

// ProviderConfig describes one storage backend instance. Type selects the
// bucket implementation; Params carries backend-specific connection options;
// Buckets is the allow-list of bucket names the provider may resolve.
type ProviderConfig struct {
	ID      string            `yaml:"id"`
	Type    string            `yaml:"type"`
	Name    string            `yaml:"name"`
	Params  map[string]string `yaml:"params"`
	Buckets []string          `yaml:"buckets"`
}

// NamespaceConfig maps one logical namespace to a (provider, bucket) pair.
type NamespaceConfig struct {
	Name     string `yaml:"name"`
	Provider string `yaml:"provider"`
	Bucket   string `yaml:"bucket"`
	Public   bool   `yaml:"public"`
}

// ResumableConfig holds chunked upload engine settings.
type ResumableConfig struct {
	// MaxTotalSize is the maximum declared total size in bytes for a
	// resumable upload. Larger uploads are rejected, never truncated.
	MaxTotalSize int64 `yaml:"max_total_size"`
	// ChunkDir is the directory for per-chunk temporary files.
	ChunkDir string `yaml:"chunk_dir"`
	// SessionTTL is the inactivity timeout in seconds after which a session
	// is garbage-collected regardless of completion.
	SessionTTL int `yaml:"session_ttl"`
	// SweepInterval is the GC sweep interval in seconds.
	SweepInterval int `yaml:"sweep_interval"`
}

// SessionTTLDuration returns the session TTL as a time.Duration.
func (r ResumableConfig) SessionTTLDuration() time.Duration {
	return time.Duration(r.SessionTTL) * time.Second
}

// SweepIntervalDuration returns the sweep interval as a time.Duration.
func (r ResumableConfig) SweepIntervalDuration() time.Duration {
	return time.Duration(r.SweepInterval) * time.Second
}

// Load reads a YAML configuration file from the given path and returns a
// parsed Config with defaults applied for unset values.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyDefaults(cfg)

	if err := validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8090,
			ShutdownTimeout: 30,
			MaxUploadSize:   5 << 30,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Metadata: MetadataConfig{
			Engine: "sqlite",
			SQLite: SQLiteConfig{
				Path: "./data/filegate.db",
			},
		},
		Resumable: ResumableConfig{
			MaxTotalSize:  5 << 30,
			ChunkDir:      "./data/chunks",
			SessionTTL:    3600,
			SweepInterval: 300,
		},
	}
}

// applyDefaults fills in any fields that are still at their zero value after
// YAML unmarshaling.
func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8090
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 30
	}
	if cfg.Server.MaxUploadSize == 0 {
		cfg.Server.MaxUploadSize = 5 << 30
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
	if cfg.Metadata.Engine == "" {
		cfg.Metadata.Engine = "sqlite"
	}
	if cfg.Metadata.SQLite.Path == "" {
		cfg.Metadata.SQLite.Path = "./data/filegate.db"
	}
	if cfg.Resumable.MaxTotalSize == 0 {
		cfg.Resumable.MaxTotalSize = 5 << 30
	}
	if cfg.Resumable.ChunkDir == "" {
		cfg.Resumable.ChunkDir = "./data/chunks"
	}
	if cfg.Resumable.SessionTTL == 0 {
		cfg.Resumable.SessionTTL = 3600
	}
	if cfg.Resumable.SweepInterval == 0 {
		cfg.Resumable.SweepInterval = 300
	}
}

// validate rejects configurations that cannot be wired at startup.
func validate(cfg *Config) error {
	providers := make(map[string]*ProviderConfig, len(cfg.Providers))
	for i := range cfg.Providers {
		p := &cfg.Providers[i]
		if p.ID == "" {
			return fmt.Errorf("providers[%d]: id is required", i)
		}
		if p.Type == "" {
			return fmt.Errorf("provider %q: type is required", p.ID)
		}
		if _, dup := providers[p.ID]; dup {
			return fmt.Errorf("provider %q: duplicate id", p.ID)
		}
		providers[p.ID] = p
	}

	for i, ns := range cfg.Namespaces {
		if ns.Name == "" {
			return fmt.Errorf("namespaces[%d]: name is required", i)
		}
		p, ok := providers[ns.Provider]
		if !ok {
			return fmt.Errorf("namespace %q: unknown provider %q", ns.Name, ns.Provider)
		}
		allowed := false
		for _, b := range p.Buckets {
			if b == ns.Bucket {
				allowed = true
				break
			}
		}
		if !allowed {
			return fmt.Errorf("namespace %q: bucket %q is not in provider %q bucket list", ns.Name, ns.Bucket, ns.Provider)
		}
	}

	return nil
}

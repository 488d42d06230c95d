// Package config handles configuration loading and validation for cloudraidfs.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/DurantVivado/cloudraidfs"
	"github.com/DurantVivado/cloudraidfs/backend"
	"github.com/DurantVivado/cloudraidfs/backend/local"
	"github.com/DurantVivado/cloudraidfs/backend/s3"
	"github.com/DurantVivado/cloudraidfs/backend/webdav"
)

// BackendConfig describes one chunk backend entry in the raid vector.
// Kind selects which driver BuildBackends wires it to; the matching fields
// are populated depending on Kind and the rest left zero.
type BackendConfig struct {
	Kind string `yaml:"kind"` // "local", "webdav", or "s3"
	Name string `yaml:"name"`

	// local
	Root string `yaml:"root"`

	// webdav
	URL      string `yaml:"url"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`

	// s3
	Endpoint  string `yaml:"endpoint"`
	Bucket    string `yaml:"bucket"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Region    string `yaml:"region"`
	UseSSL    bool   `yaml:"use_ssl"`
}

// ErasureConfig holds the k/m split applied to every stripe.
type ErasureConfig struct {
	DataChunks   int `yaml:"data_chunks"`
	ParityChunks int `yaml:"parity_chunks"`
}

// CacheConfig holds the chunk cache's size and entry lifetime.
type CacheConfig struct {
	MaxBytes int64  `yaml:"max_bytes"`
	TTL      string `yaml:"ttl"`
}

// AsyncUploadConfig mirrors the on-disk write-back spool settings.
type AsyncUploadConfig struct {
	CacheDir      string `yaml:"cache_dir"`
	WorkerThreads int    `yaml:"worker_threads"`
	MaxRetries    int    `yaml:"max_retries"`
	RetryDelayMS  int    `yaml:"retry_delay_ms"`
	MaxQueueSize  int    `yaml:"max_queue_size"`
}

// AdminConfig holds configuration for the control-plane RPC listener
// and the read-only HTTP status surface.
type AdminConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Listen     string `yaml:"listen"`
	HTTPListen string `yaml:"http_listen"`
}

// Config is the top-level mount configuration.
type Config struct {
	Erasure     ErasureConfig     `yaml:"erasure"`
	Backends    []BackendConfig   `yaml:"backends"`
	Cache       CacheConfig       `yaml:"cache"`
	AsyncUpload AsyncUploadConfig `yaml:"async_upload"`
	Admin       AdminConfig       `yaml:"admin"`
}

// Load reads and parses a YAML config file, applying defaults for any
// unset optional field.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: read config file: %v", cloudraidfs.ErrConfig, err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("%w: parse config file: %v", cloudraidfs.ErrConfig, err)
	}

	if cfg.Cache.MaxBytes == 0 {
		cfg.Cache.MaxBytes = 256 * 1024 * 1024
	}
	if cfg.Cache.TTL == "" {
		cfg.Cache.TTL = "5m"
	}
	if cfg.AsyncUpload.CacheDir == "" {
		cfg.AsyncUpload.CacheDir = "/var/lib/cloudraidfs/spool"
	}
	if cfg.AsyncUpload.WorkerThreads == 0 {
		cfg.AsyncUpload.WorkerThreads = 4
	}
	if cfg.AsyncUpload.MaxRetries == 0 {
		cfg.AsyncUpload.MaxRetries = 3
	}
	if cfg.AsyncUpload.RetryDelayMS == 0 {
		cfg.AsyncUpload.RetryDelayMS = 1000
	}
	if cfg.AsyncUpload.MaxQueueSize == 0 {
		cfg.AsyncUpload.MaxQueueSize = 10000
	}
	if cfg.Admin.Listen == "" {
		cfg.Admin.Listen = "127.0.0.1:9521"
	}
	if cfg.Admin.HTTPListen == "" {
		cfg.Admin.HTTPListen = "127.0.0.1:9522"
	}

	return cfg, nil
}

// Validate checks the parsed config for required fields and internal
// consistency (backend count must match k+m).
func (c *Config) Validate() error {
	if c.Erasure.DataChunks <= 0 {
		return fmt.Errorf("%w: erasure.data_chunks must be positive", cloudraidfs.ErrConfig)
	}
	if c.Erasure.ParityChunks < 0 {
		return fmt.Errorf("%w: erasure.parity_chunks must not be negative", cloudraidfs.ErrConfig)
	}
	want := c.Erasure.DataChunks + c.Erasure.ParityChunks
	if len(c.Backends) != want {
		return fmt.Errorf("%w: expected %d backends for k=%d m=%d, got %d",
			cloudraidfs.ErrConfig, want, c.Erasure.DataChunks, c.Erasure.ParityChunks, len(c.Backends))
	}
	for i, b := range c.Backends {
		switch b.Kind {
		case "local":
			if b.Root == "" {
				return fmt.Errorf("%w: backends[%d]: local backend requires root", cloudraidfs.ErrConfig, i)
			}
		case "webdav":
			if b.URL == "" {
				return fmt.Errorf("%w: backends[%d]: webdav backend requires url", cloudraidfs.ErrConfig, i)
			}
		case "s3":
			if b.Bucket == "" {
				return fmt.Errorf("%w: backends[%d]: s3 backend requires bucket", cloudraidfs.ErrConfig, i)
			}
		default:
			return fmt.Errorf("%w: backends[%d]: unknown kind %q", cloudraidfs.ErrConfig, i, b.Kind)
		}
	}
	if _, err := time.ParseDuration(c.Cache.TTL); err != nil {
		return fmt.Errorf("%w: invalid cache.ttl: %v", cloudraidfs.ErrConfig, err)
	}
	return nil
}

// BuildBackends constructs the ordered k+m ChunkBackend vector
// described by c.Backends, in the order given.
func BuildBackends(c *Config) ([]backend.ChunkBackend, error) {
	out := make([]backend.ChunkBackend, 0, len(c.Backends))
	for i, b := range c.Backends {
		switch b.Kind {
		case "local":
			lb, err := local.New(b.Name, b.Root)
			if err != nil {
				return nil, fmt.Errorf("backends[%d]: %w", i, err)
			}
			out = append(out, lb)
		case "webdav":
			out = append(out, webdav.New(b.Name, b.URL, b.Username, b.Password))
		case "s3":
			sb, err := s3.New(b.Name, s3.Config{
				Endpoint:  b.Endpoint,
				AccessKey: b.AccessKey,
				SecretKey: b.SecretKey,
				Bucket:    b.Bucket,
				UseSSL:    b.UseSSL,
				Region:    b.Region,
			})
			if err != nil {
				return nil, fmt.Errorf("backends[%d]: %w", i, err)
			}
			out = append(out, sb)
		default:
			return nil, fmt.Errorf("%w: backends[%d]: unknown kind %q", cloudraidfs.ErrConfig, i, b.Kind)
		}
	}
	return out, nil
}

// Package config provides configuration loading for memoryd.
package config

import (
	"fmt"
	"time"

	"github.com/fyrsmithlabs/memoryd/internal/telemetry"
)

// Config is the root configuration for the daemon.
type Config struct {
	Server     ServerConfig     `koanf:"server"`
	Logging    LoggingConfig    `koanf:"logging"`
	Catalog    CatalogConfig    `koanf:"catalog"`
	Embeddings EmbeddingsConfig `koanf:"embeddings"`
	Vector     VectorConfig     `koanf:"vector"`
	Retrieval  RetrievalConfig  `koanf:"retrieval"`
	Events     EventsConfig     `koanf:"events"`
	Telemetry  telemetry.Config `koanf:"telemetry"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	// Port is the HTTP listen port. Default: 8087.
	Port int `koanf:"port"`

	// ShutdownTimeout bounds graceful shutdown. Default: 10s.
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// LoggingConfig holds logger settings.
type LoggingConfig struct {
	// Level is the minimum log level. Default: "info".
	Level string `koanf:"level"`

	// Format is "json" or "console". Default: "json".
	Format string `koanf:"format"`
}

// CatalogConfig selects the ground-truth store backing sections, items,
// grants and connections.
type CatalogConfig struct {
	// Driver is "postgres" or "memory". Default: "memory".
	Driver string `koanf:"driver"`

	// DSN is the Postgres connection string (postgres driver only).
	DSN string `koanf:"dsn"`
}

// EmbeddingsConfig selects and tunes the embedding provider.
type EmbeddingsConfig struct {
	// Provider is "tei", "fastembed" or "hash". Default: "hash".
	Provider string `koanf:"provider"`

	// Model is the embedding model name.
	// Default: "BAAI/bge-small-en-v1.5".
	Model string `koanf:"model"`

	// BaseURL is the TEI endpoint (tei provider only).
	BaseURL string `koanf:"base_url"`

	// CacheDir holds downloaded model files (fastembed provider only).
	CacheDir string `koanf:"cache_dir"`

	// Dimension is the embedding vector size. Must match the model.
	// Default: 384.
	Dimension int `koanf:"dimension"`

	// Timeout bounds a single provider call. Default: 5s.
	Timeout time.Duration `koanf:"timeout"`

	// CacheEntries caps the embedding cache. 0 disables caching.
	// Default: 4096.
	CacheEntries int64 `koanf:"cache_entries"`
}

// VectorConfig selects and tunes the vector store.
type VectorConfig struct {
	// Driver is "exact", "chromem" or "qdrant". Default: "exact".
	Driver string `koanf:"driver"`

	// Path is the persistence directory (chromem driver only).
	Path string `koanf:"path"`

	// Host and Port locate the Qdrant gRPC endpoint (qdrant driver only).
	Host string `koanf:"host"`
	Port int    `koanf:"port"`

	// Collection is the qdrant collection name. Default: "memoryd_items".
	Collection string `koanf:"collection"`

	// QueryTimeout bounds a single store query. Shorter than the
	// embedding timeout since the store is local. Default: 2s.
	QueryTimeout time.Duration `koanf:"query_timeout"`
}

// RetrievalConfig tunes the search coordinator.
type RetrievalConfig struct {
	// OverfetchMargin is added to k on the first vector store pass to
	// compensate for soft-deleted candidates. Default: 8.
	OverfetchMargin int `koanf:"overfetch_margin"`

	// MaxPasses caps the widening retries when the first pass comes up
	// short. Default: 3.
	MaxPasses int `koanf:"max_passes"`
}

// EventsConfig tunes the NATS change-feed consumer.
type EventsConfig struct {
	// Enabled toggles the consumer. Default: false (HTTP-only ingestion).
	Enabled bool `koanf:"enabled"`

	// URL is the NATS server URL. Default: nats.DefaultURL.
	URL string `koanf:"url"`

	// SubjectPrefix namespaces the change-feed subjects.
	// Default: "memoryd".
	SubjectPrefix string `koanf:"subject_prefix"`
}

// ApplyDefaults sets default values for unset fields.
func (c *Config) ApplyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8087
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 10 * time.Second
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Catalog.Driver == "" {
		c.Catalog.Driver = "memory"
	}
	if c.Embeddings.Provider == "" {
		c.Embeddings.Provider = "hash"
	}
	if c.Embeddings.Model == "" {
		c.Embeddings.Model = "BAAI/bge-small-en-v1.5"
	}
	if c.Embeddings.Dimension == 0 {
		c.Embeddings.Dimension = 384
	}
	if c.Embeddings.Timeout == 0 {
		c.Embeddings.Timeout = 5 * time.Second
	}
	if c.Embeddings.CacheEntries == 0 {
		c.Embeddings.CacheEntries = 4096
	}
	if c.Vector.Driver == "" {
		c.Vector.Driver = "exact"
	}
	if c.Vector.Host == "" {
		c.Vector.Host = "localhost"
	}
	if c.Vector.Port == 0 {
		c.Vector.Port = 6334
	}
	if c.Vector.Collection == "" {
		c.Vector.Collection = "memoryd_items"
	}
	if c.Vector.QueryTimeout == 0 {
		c.Vector.QueryTimeout = 2 * time.Second
	}
	if c.Retrieval.OverfetchMargin == 0 {
		c.Retrieval.OverfetchMargin = 8
	}
	if c.Retrieval.MaxPasses == 0 {
		c.Retrieval.MaxPasses = 3
	}
	if c.Events.SubjectPrefix == "" {
		c.Events.SubjectPrefix = "memoryd"
	}
	c.Telemetry.ApplyDefaults()
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	switch c.Catalog.Driver {
	case "memory":
	case "postgres":
		if c.Catalog.DSN == "" {
			return fmt.Errorf("catalog driver postgres requires a dsn")
		}
	default:
		return fmt.Errorf("unknown catalog driver %q", c.Catalog.Driver)
	}
	switch c.Embeddings.Provider {
	case "hash", "fastembed":
	case "tei":
		if c.Embeddings.BaseURL == "" {
			return fmt.Errorf("embeddings provider tei requires a base_url")
		}
	default:
		return fmt.Errorf("unknown embeddings provider %q", c.Embeddings.Provider)
	}
	if c.Embeddings.Dimension <= 0 {
		return fmt.Errorf("embedding dimension must be positive, got %d", c.Embeddings.Dimension)
	}
	switch c.Vector.Driver {
	case "exact", "chromem", "qdrant":
	default:
		return fmt.Errorf("unknown vector driver %q", c.Vector.Driver)
	}
	if c.Retrieval.OverfetchMargin < 0 {
		return fmt.Errorf("overfetch margin cannot be negative")
	}
	if c.Retrieval.MaxPasses <= 0 {
		return fmt.Errorf("max passes must be positive")
	}
	if err := c.Telemetry.Validate(); err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	return nil
}

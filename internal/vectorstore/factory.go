package vectorstore

import (
	"context"
	"fmt"

	"github.com/fyrsmithlabs/memoryd/internal/logging"
)

// FactoryConfig selects and configures a Store driver.
type FactoryConfig struct {
	// Driver is "exact", "chromem" or "qdrant". Default: "exact".
	Driver string

	// VectorSize is the embedding dimension all drivers enforce.
	VectorSize int

	// Path is the chromem persistence directory.
	Path string

	// Host, Port and Collection locate the Qdrant endpoint.
	Host       string
	Port       int
	Collection string
	UseTLS     bool
}

// New creates a Store for the configured driver.
func New(ctx context.Context, cfg FactoryConfig, logger *logging.Logger) (Store, error) {
	switch cfg.Driver {
	case "exact", "":
		return NewExactStore(cfg.VectorSize), nil
	case "chromem":
		return NewChromemStore(ChromemConfig{
			Path:       cfg.Path,
			VectorSize: cfg.VectorSize,
		}, logger)
	case "qdrant":
		return NewQdrantStore(ctx, QdrantConfig{
			Host:       cfg.Host,
			Port:       cfg.Port,
			Collection: cfg.Collection,
			VectorSize: uint64(cfg.VectorSize),
			UseTLS:     cfg.UseTLS,
		})
	default:
		return nil, fmt.Errorf("%w: unknown driver %q", ErrInvalidConfig, cfg.Driver)
	}
}

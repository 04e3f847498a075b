// Memoryd is the permission-aware semantic retrieval daemon behind the
// memory product: it maintains embeddings for captured items and answers
// search queries scoped to exactly the sections each user may read.
//
// Configuration is loaded from a YAML file and MEMORYD_* environment
// variables. See internal/config for the full surface.
//
// Usage:
//
//	# Start with defaults (in-memory catalog, exact vector store)
//	memoryd
//
//	# Start with a config file
//	memoryd -config /etc/memoryd/config.yaml
//
//	# Configure via environment
//	MEMORYD_SERVER_PORT=9090 MEMORYD_VECTOR_DRIVER=qdrant memoryd
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/memoryd/internal/access"
	"github.com/fyrsmithlabs/memoryd/internal/catalog"
	"github.com/fyrsmithlabs/memoryd/internal/config"
	"github.com/fyrsmithlabs/memoryd/internal/embeddings"
	"github.com/fyrsmithlabs/memoryd/internal/events"
	"github.com/fyrsmithlabs/memoryd/internal/httpapi"
	"github.com/fyrsmithlabs/memoryd/internal/ingest"
	"github.com/fyrsmithlabs/memoryd/internal/logging"
	"github.com/fyrsmithlabs/memoryd/internal/retrieval"
	"github.com/fyrsmithlabs/memoryd/internal/telemetry"
	"github.com/fyrsmithlabs/memoryd/internal/vectorstore"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	if args := flag.Args(); len(args) > 0 {
		switch args[0] {
		case "version":
			printVersion()
			os.Exit(0)
		default:
			fmt.Fprintf(os.Stderr, "Unknown command: %s\n", args[0])
			fmt.Fprintf(os.Stderr, "\nUsage:\n")
			fmt.Fprintf(os.Stderr, "  memoryd           Start the memoryd daemon\n")
			fmt.Fprintf(os.Stderr, "  memoryd version   Show version information\n")
			os.Exit(1)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("Received signal %v, shutting down gracefully...", sig)
		cancel()
	}()

	if err := run(ctx, *configPath); err != nil {
		log.Fatalf("Server error: %v", err)
	}
	log.Println("Server shutdown complete")
}

func printVersion() {
	fmt.Printf("memoryd by Fyrsmith Labs\n")
	fmt.Printf("Version:    %s\n", version)
	fmt.Printf("Commit:     %s\n", gitCommit)
	fmt.Printf("Build Date: %s\n", buildDate)
}

// run wires the daemon and blocks until ctx is cancelled.
func run(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger, err := logging.New(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	if err != nil {
		return fmt.Errorf("initializing logger: %w", err)
	}
	defer logger.Sync()

	logger.Info(ctx, "starting memoryd",
		zap.String("version", version),
		zap.Int("port", cfg.Server.Port),
		zap.String("catalog_driver", cfg.Catalog.Driver),
		zap.String("vector_driver", cfg.Vector.Driver),
		zap.String("embeddings_provider", cfg.Embeddings.Provider),
	)

	// Trace pipeline. Falls back to no-op tracing if the collector is
	// unreachable.
	telCfg := cfg.Telemetry
	telCfg.ServiceVersion = version
	tel, err := telemetry.Init(ctx, telCfg)
	if err != nil {
		return fmt.Errorf("initializing telemetry: %w", err)
	}
	defer func() { _ = tel.Shutdown(context.Background()) }()
	if tel.Degraded() {
		logger.Warn(ctx, "trace exporter unavailable, tracing disabled")
	}

	// Catalog: the relational ground truth.
	cat, err := newCatalog(ctx, cfg)
	if err != nil {
		return fmt.Errorf("initializing catalog: %w", err)
	}
	defer cat.Close()

	// Access index over the catalog.
	index := access.NewIndex(cat, logger)

	// Embedding provider with resilience and cache adapters.
	provider, err := embeddings.NewProvider(embeddings.ProviderConfig{
		Provider:     cfg.Embeddings.Provider,
		Model:        cfg.Embeddings.Model,
		BaseURL:      cfg.Embeddings.BaseURL,
		CacheDir:     cfg.Embeddings.CacheDir,
		Dimension:    cfg.Embeddings.Dimension,
		Timeout:      cfg.Embeddings.Timeout,
		CacheEntries: cfg.Embeddings.CacheEntries,
	})
	if err != nil {
		return fmt.Errorf("initializing embeddings: %w", err)
	}
	defer provider.Close()

	if provider.Dimension() != cfg.Embeddings.Dimension {
		logger.Warn(ctx, "embedding dimension differs from configured value",
			zap.Int("configured", cfg.Embeddings.Dimension),
			zap.Int("actual", provider.Dimension()),
		)
	}

	// Vector store.
	store, err := vectorstore.New(ctx, vectorstore.FactoryConfig{
		Driver:     cfg.Vector.Driver,
		VectorSize: provider.Dimension(),
		Path:       cfg.Vector.Path,
		Host:       cfg.Vector.Host,
		Port:       cfg.Vector.Port,
		Collection: cfg.Vector.Collection,
	}, logger)
	if err != nil {
		return fmt.Errorf("initializing vector store: %w", err)
	}
	defer store.Close()

	// Ingestion pipeline with its background retry loop.
	pipeline := ingest.New(cat, provider, store, index, logger, ingest.Config{})
	go pipeline.Run()
	defer pipeline.Close()

	// Retrieval coordinator.
	coordinator := retrieval.New(cat, provider, store, index, logger, retrieval.Config{
		OverfetchMargin: cfg.Retrieval.OverfetchMargin,
		MaxPasses:       cfg.Retrieval.MaxPasses,
		QueryTimeout:    cfg.Vector.QueryTimeout,
	})

	// Change-feed consumer, when enabled.
	if cfg.Events.Enabled {
		consumer, err := events.NewConsumer(events.Config{
			URL:           cfg.Events.URL,
			SubjectPrefix: cfg.Events.SubjectPrefix,
		}, pipeline, logger)
		if err != nil {
			return fmt.Errorf("initializing change feed: %w", err)
		}
		if err := consumer.Start(); err != nil {
			return fmt.Errorf("starting change feed: %w", err)
		}
		defer func() { _ = consumer.Close() }()
	}

	// HTTP surface.
	srv, err := httpapi.NewServer(coordinator, pipeline, logger, httpapi.Config{
		Port: cfg.Server.Port,
	})
	if err != nil {
		return fmt.Errorf("initializing http server: %w", err)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// newCatalog creates the configured catalog driver.
func newCatalog(ctx context.Context, cfg *config.Config) (catalog.Catalog, error) {
	switch cfg.Catalog.Driver {
	case "postgres":
		return catalog.NewPostgresCatalog(ctx, cfg.Catalog.DSN)
	default:
		return catalog.NewMemoryCatalog(), nil
	}
}

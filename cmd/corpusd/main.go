// Corpusd is a tenant-scoped retrieval-augmented index daemon.
//
// This binary starts the corpusd HTTP server with full service
// initialization: sqlite metadata storage, the vector index (embedded
// chromem or external qdrant), the embedding provider, and the optional
// generative answer composer.
//
// Configuration is loaded from ~/.config/corpusd/config.yaml, overridden
// by environment variables. See internal/config for details.
//
// Usage:
//
//	# Start server with defaults
//	corpusd
//
//	# Custom config file
//	corpusd -config /etc/corpusd/config.yaml
//
//	# Configure via environment
//	SERVER_HTTP_PORT=9090 INDEX_BACKEND=qdrant corpusd
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

	"github.com/fyrsmithlabs/corpusd/internal/chunker"
	"github.com/fyrsmithlabs/corpusd/internal/clients"
	"github.com/fyrsmithlabs/corpusd/internal/composer"
	"github.com/fyrsmithlabs/corpusd/internal/config"
	"github.com/fyrsmithlabs/corpusd/internal/embeddings"
	"github.com/fyrsmithlabs/corpusd/internal/generation"
	corpushttp "github.com/fyrsmithlabs/corpusd/internal/http"
	"github.com/fyrsmithlabs/corpusd/internal/logging"
	"github.com/fyrsmithlabs/corpusd/internal/registry"
	"github.com/fyrsmithlabs/corpusd/internal/retriever"
	"github.com/fyrsmithlabs/corpusd/internal/telemetry"
	"github.com/fyrsmithlabs/corpusd/internal/vectorstore"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	configPath := flag.String("config", "", "path to config file (default ~/.config/corpusd/config.yaml)")
	flag.Parse()
	args := flag.Args()

	if len(args) > 0 {
		switch args[0] {
		case "version":
			printVersion()
			os.Exit(0)
		default:
			fmt.Fprintf(os.Stderr, "Unknown command: %s\n", args[0])
			fmt.Fprintf(os.Stderr, "\nUsage:\n")
			fmt.Fprintf(os.Stderr, "  corpusd           Start the corpusd daemon\n")
			fmt.Fprintf(os.Stderr, "  corpusd version   Show version information\n")
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
	fmt.Printf("corpusd by Fyrsmith Labs\n")
	fmt.Printf("Version:    %s\n", version)
	fmt.Printf("Commit:     %s\n", gitCommit)
	fmt.Printf("Build Date: %s\n", buildDate)
}

// run starts the corpusd server and blocks until the context is
// cancelled.
func run(ctx context.Context, configPath string) error {
	if err := config.EnsureConfigDir(); err != nil {
		return err
	}

	cfg, err := config.LoadWithFile(configPath)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger, err := logging.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return fmt.Errorf("initializing logger: %w", err)
	}
	defer func() { _ = logging.Sync(logger) }()

	logger.Info("starting corpusd",
		zap.String("version", version),
		zap.Int("port", cfg.Server.Port),
		zap.String("index_backend", cfg.Index.Backend),
		zap.String("embeddings_provider", cfg.Embeddings.Provider))

	tel, err := telemetry.New(ctx, telemetry.Config{
		Enabled:        cfg.Observability.EnableTelemetry,
		ServiceName:    cfg.Observability.ServiceName,
		ServiceVersion: version,
		Endpoint:       cfg.Observability.OTLPEndpoint,
		Insecure:       true,
	}, logger)
	if err != nil {
		return fmt.Errorf("initializing telemetry: %w", err)
	}
	defer func() { _ = tel.Shutdown(context.Background()) }()

	db, err := registry.OpenDB(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening metadata database: %w", err)
	}
	defer db.Close()

	reg, err := registry.New(db, logger)
	if err != nil {
		return fmt.Errorf("initializing registry: %w", err)
	}

	store, err := clients.New(db, logger)
	if err != nil {
		return fmt.Errorf("initializing client store: %w", err)
	}

	index, err := vectorstore.New(vectorstore.Config{
		Backend: cfg.Index.Backend,
		Chromem: vectorstore.ChromemConfig{
			Path:       cfg.Index.Chromem.Path,
			Compress:   cfg.Index.Chromem.Compress,
			VectorSize: cfg.Index.Chromem.VectorSize,
		},
		Qdrant: vectorstore.QdrantConfig{
			Host:           cfg.Index.Qdrant.Host,
			Port:           cfg.Index.Qdrant.Port,
			CollectionName: cfg.Index.Qdrant.CollectionName,
			VectorSize:     cfg.Index.Qdrant.VectorSize,
			UseTLS:         cfg.Index.Qdrant.UseTLS,
		},
	}, logger)
	if err != nil {
		return fmt.Errorf("initializing vector index: %w", err)
	}
	defer index.Close()

	embedder, err := embeddings.NewProvider(embeddings.ProviderConfig{
		Provider:  cfg.Embeddings.Provider,
		Model:     cfg.Embeddings.Model,
		BaseURL:   cfg.Embeddings.BaseURL,
		CacheDir:  cfg.Embeddings.CacheDir,
		MaxLength: cfg.Embeddings.MaxLength,
	})
	if err != nil {
		return fmt.Errorf("initializing embedding provider: %w", err)
	}
	defer embedder.Close()

	logger.Info("embedding provider ready",
		zap.String("model", cfg.Embeddings.Model),
		zap.Int("dimension", embedder.Dimension()))

	ch, err := chunker.New(cfg.Chunker.MaxSize, cfg.Chunker.Overlap)
	if err != nil {
		return fmt.Errorf("initializing chunker: %w", err)
	}

	rag := retriever.New(ch, embedder, index, reg, logger)

	// Generation is optional: without an API key, queries return raw
	// fragments only.
	var ac corpushttp.AnswerComposer
	if cfg.Generation.APIKey.IsSet() {
		generator, err := generation.NewGoogleAIGenerator(ctx, generation.GoogleAIConfig{
			APIKey:      cfg.Generation.APIKey.Value(),
			Model:       cfg.Generation.Model,
			Temperature: cfg.Generation.Temperature,
			MaxTokens:   cfg.Generation.MaxTokens,
		}, logger)
		if err != nil {
			return fmt.Errorf("initializing generator: %w", err)
		}
		ac = composer.New(generator, logger)
	} else {
		logger.Info("no generation API key configured, composed answers disabled")
	}

	srv, err := corpushttp.NewServer(rag, store, ac, logger, corpushttp.Config{
		Host: "localhost",
		Port: cfg.Server.Port,
	})
	if err != nil {
		return fmt.Errorf("initializing http server: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	logger.Info("server configured",
		zap.String("health_endpoint", fmt.Sprintf("http://localhost:%d/health", cfg.Server.Port)),
		zap.String("metrics_endpoint", "/metrics"))

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down http server: %w", err)
	}
	return nil
}

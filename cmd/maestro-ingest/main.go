// Command maestro-ingest loads standards documents (markdown, HTML, PDF,
// plain text) into the knowledge base so the retriever can ground answers
// and the board can cite house rules. Run it whenever the standards
// directory changes; chunks are upserted by deterministic ID, so reruns
// update in place.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"

	maestro "github.com/nevindra/maestro"
	"github.com/nevindra/maestro/ingest"
	"github.com/nevindra/maestro/internal/config"
	"github.com/nevindra/maestro/provider/openaicompat"
	"github.com/nevindra/maestro/store/postgres"
	"github.com/nevindra/maestro/store/sqlite"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "maestro-ingest:", err)
		os.Exit(1)
	}
}

func run() error {
	_ = godotenv.Load()
	cfg := config.Load(os.Getenv("MAESTRO_CONFIG"))

	var (
		dir        = flag.String("dir", cfg.Seeds.StandardsDir, "directory of standards documents to load")
		file       = flag.String("file", "", "load a single file instead of a directory")
		domain     = flag.String("domain", "standards", "knowledge domain to tag loaded nodes with")
		confidence = flag.Float64("confidence", 0.9, "confidence score for loaded nodes")
	)
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var store maestro.Store
	if cfg.Database.URL != "" {
		poolCfg, err := pgxpool.ParseConfig(cfg.Database.URL)
		if err != nil {
			return fmt.Errorf("database url: %w", err)
		}
		pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			return fmt.Errorf("database pool: %w", err)
		}
		defer pool.Close()
		store = postgres.New(pool, postgres.WithEmbeddingDimension(cfg.Embedding.Dimensions))
	} else {
		store = sqlite.New(cfg.Database.Path, sqlite.WithLogger(logger))
	}
	if err := store.Init(ctx); err != nil {
		return fmt.Errorf("store init: %w", err)
	}
	defer store.Close()

	embedding := maestro.WithEmbeddingRetry(
		openaicompat.NewEmbedding("", cfg.Embedding.Model, cfg.Backends.OllamaURL+"/v1", cfg.Embedding.Dimensions),
		maestro.RetryLogger(logger),
	)

	loader := ingest.NewLoader(store, embedding,
		ingest.WithLogger(logger),
		ingest.WithDomain(*domain),
		ingest.WithConfidence(*confidence),
	)

	if *file != "" {
		res, err := loader.LoadFile(ctx, *file)
		if err != nil {
			return err
		}
		fmt.Printf("%s: %d nodes (%s)\n", res.Source, res.Nodes, res.Title)
		return nil
	}

	results, err := loader.LoadDir(ctx, *dir)
	for _, res := range results {
		fmt.Printf("%s: %d nodes (%s)\n", res.Source, res.Nodes, res.Title)
	}
	if err != nil {
		return err
	}
	if len(results) == 0 {
		fmt.Printf("no supported files under %s\n", *dir)
	}
	return nil
}

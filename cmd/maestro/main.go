// Command maestro runs one orchestrator node: HTTP API, task queue
// executor, and model catalog against local Ollama and MLX backends.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	maestro "github.com/nevindra/maestro"
	"github.com/nevindra/maestro/internal/app"
	"github.com/nevindra/maestro/internal/config"
	"github.com/nevindra/maestro/observer"
	"github.com/nevindra/maestro/provider/openaicompat"
	"github.com/nevindra/maestro/store/postgres"
	"github.com/nevindra/maestro/store/sqlite"
)

var version = "1.4.0"

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "maestro:", err)
		os.Exit(1)
	}
}

func run() error {
	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	cfg := config.Load(os.Getenv("MAESTRO_CONFIG"))

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	ctx := context.Background()

	deps := app.Deps{
		Logger:  logger,
		Version: version,
	}

	var inst *observer.Instruments
	if cfg.Observer.Enabled {
		var shutdown func(context.Context) error
		var err error
		inst, shutdown, err = observer.Init(ctx)
		if err != nil {
			return fmt.Errorf("observer init: %w", err)
		}
		defer func() {
			shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(shutCtx); err != nil {
				logger.Warn("observer shutdown", "error", err)
			}
		}()
		deps.Tracer = observer.NewTracer()
		logger.Info("otel observer enabled")
	}

	fastModel, heavyModel := defaultModels(cfg)

	fast := openaicompat.New("", fastModel, apiBase(cfg.Backends.OllamaURL),
		openaicompat.WithName("ollama"))
	heavy := openaicompat.New("", heavyModel, apiBase(cfg.Backends.MLXURL),
		openaicompat.WithName("mlx"))

	// The catalog lists models through the bare clients; wrappers below
	// do not forward the list call.
	deps.FastModels = fast
	deps.HeavyModels = heavy

	deps.Fast = maestro.Provider(fast)
	deps.Heavy = maestro.Provider(heavy)
	if cfg.Backends.RateLimitRPM > 0 {
		deps.Fast = maestro.WithRateLimit(deps.Fast, maestro.RPM(cfg.Backends.RateLimitRPM))
		deps.Heavy = maestro.WithRateLimit(deps.Heavy, maestro.RPM(cfg.Backends.RateLimitRPM))
	}
	if inst != nil {
		deps.Fast = observer.WrapProvider(deps.Fast, fastModel, inst)
		deps.Heavy = observer.WrapProvider(deps.Heavy, heavyModel, inst)
	}

	embedding := maestro.EmbeddingProvider(openaicompat.NewEmbedding(
		"", cfg.Embedding.Model, apiBase(cfg.Backends.OllamaURL), cfg.Embedding.Dimensions))
	embedding = maestro.WithEmbeddingRetry(embedding, maestro.RetryLogger(logger))
	if inst != nil {
		embedding = observer.WrapEmbedding(embedding, cfg.Embedding.Model, inst)
	}
	deps.Embedding = embedding

	if cfg.Database.URL != "" {
		poolCfg, err := pgxpool.ParseConfig(cfg.Database.URL)
		if err != nil {
			return fmt.Errorf("database url: %w", err)
		}
		poolCfg.MaxConns = int32(cfg.PoolSize())
		pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			return fmt.Errorf("database pool: %w", err)
		}
		defer pool.Close()
		deps.Store = postgres.New(pool,
			postgres.WithEmbeddingDimension(cfg.Embedding.Dimensions))
		logger.Info("using postgres store", "pool_size", cfg.PoolSize())
	} else {
		deps.Store = sqlite.New(cfg.Database.Path, sqlite.WithLogger(logger))
		logger.Info("using sqlite store", "path", cfg.Database.Path)
	}

	if cfg.RAG.CacheBackend == "redis" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RAG.RedisAddr})
		defer rdb.Close()
		deps.Redis = rdb
	}

	node, err := app.New(cfg, deps)
	if err != nil {
		return err
	}
	return node.RunWithSignal()
}

// apiBase appends the OpenAI-compatible path prefix to a backend base URL.
func apiBase(u string) string {
	return strings.TrimRight(u, "/") + "/v1"
}

// defaultModels picks the per-backend fallback models used when a request
// reaches a provider without an explicit model, and as observability labels.
func defaultModels(cfg config.Config) (fast, heavy string) {
	fast, heavy = "qwen2.5:7b", "qwen3:32b"
	if refs := cfg.CategoryRefs()[maestro.CategorySimple]; len(refs) > 0 {
		fast = refs[0].Name
	}
	if len(cfg.Models.Heavy) > 0 {
		heavy = cfg.Models.Heavy[0]
	}
	return fast, heavy
}

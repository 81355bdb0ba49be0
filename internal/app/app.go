// Package app assembles a maestro node from configuration and injected
// infrastructure: model catalog, router, retriever, conductor, executor,
// and the HTTP API share one lifecycle here.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	maestro "github.com/nevindra/maestro"
	"github.com/nevindra/maestro/internal/config"
	"github.com/nevindra/maestro/internal/httpapi"
)

// Deps holds the injected infrastructure the App builds on. Store, Fast,
// and Heavy are required; everything else degrades gracefully when nil.
type Deps struct {
	Store maestro.Store

	// Fast and Heavy serve generation, possibly wrapped with rate
	// limiting, retries, or instrumentation.
	Fast  maestro.Provider
	Heavy maestro.Provider

	// FastModels and HeavyModels answer the catalog's list queries.
	// Wrappers do not forward listing, so pass the bare clients here;
	// when nil the catalog probes Fast/Heavy directly if they can list.
	FastModels  maestro.ModelLister
	HeavyModels maestro.ModelLister

	Embedding maestro.EmbeddingProvider
	Redis     *redis.Client

	Metrics *maestro.Metrics
	Tracer  maestro.Tracer
	Logger  *slog.Logger
	Version string
}

// App is one maestro node: the conductor-facing HTTP API plus the
// background loops that keep the catalog fresh and the queue drained.
type App struct {
	cfg    config.Config
	logger *slog.Logger

	store     maestro.Store
	catalog   *maestro.ModelCatalog
	retriever *maestro.Retriever
	conductor *maestro.Conductor
	executor  *maestro.Executor
	api       *httpapi.Server
}

// New wires every component from cfg and deps. It does not touch the
// network or the database; that happens in Run.
func New(cfg config.Config, deps Deps) (*App, error) {
	if deps.Store == nil {
		return nil, &maestro.ErrConfig{Field: "store", Reason: "required"}
	}
	if deps.Fast == nil || deps.Heavy == nil {
		return nil, &maestro.ErrConfig{Field: "providers", Reason: "fast and heavy backends are both required"}
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	metrics := deps.Metrics
	if metrics == nil {
		metrics = maestro.NewMetrics(prometheus.DefaultRegisterer)
	}
	tracer := deps.Tracer
	if tracer == nil {
		tracer = maestro.NopTracer{}
	}
	version := deps.Version
	if version == "" {
		version = "dev"
	}

	listers := map[maestro.Family]maestro.ModelLister{}
	if deps.FastModels != nil {
		listers[maestro.FamilyOllama] = deps.FastModels
	} else if l, ok := deps.Fast.(maestro.ModelLister); ok {
		listers[maestro.FamilyOllama] = l
	}
	if deps.HeavyModels != nil {
		listers[maestro.FamilyMLX] = deps.HeavyModels
	} else if l, ok := deps.Heavy.(maestro.ModelLister); ok {
		listers[maestro.FamilyMLX] = l
	}

	catOpts := []maestro.CatalogOption{
		maestro.WithCatalogLogger(logger),
		maestro.WithHeavyModels(cfg.Models.Heavy...),
	}
	if cfg.Backends.MLXLightOnly {
		catOpts = append(catOpts, maestro.WithLightOnly(maestro.FamilyMLX))
	}
	for cat, refs := range cfg.CategoryRefs() {
		catOpts = append(catOpts, maestro.WithCategoryModels(cat, refs...))
	}
	catalog := maestro.NewModelCatalog(listers, catOpts...)

	var embedder *maestro.Embedder
	if deps.Embedding != nil {
		embedder = maestro.NewEmbedder(deps.Embedding,
			maestro.WithEmbedderDimension(cfg.Embedding.Dimensions),
			maestro.WithEmbedderCache(cfg.Embedding.CacheSize, secs(cfg.Embedding.CacheTTLSec)),
			maestro.WithEmbedderLogger(logger),
			maestro.WithEmbedderMetrics(metrics),
		)
	}

	routerOpts := []maestro.RouterOption{
		maestro.WithRouterLogger(logger),
		maestro.WithRouterMetrics(metrics),
		maestro.WithRouterTracer(tracer),
		maestro.WithTimingTable(cfg.TimingTable()),
		maestro.WithRouterTimeout(secs(cfg.Router.LLMTimeoutSec)),
		maestro.WithRouterCooldown(secs(cfg.Router.CooldownSec)),
	}
	if embedder != nil {
		routerOpts = append(routerOpts, maestro.WithRouterEmbedder(embedder))
	}
	router := maestro.NewRouter(deps.Fast, deps.Heavy, catalog, routerOpts...)

	var cache maestro.ContextCache
	if cfg.RAG.CacheBackend == "redis" && deps.Redis != nil {
		cache = maestro.NewRedisContextCache(deps.Redis, maestro.WithRedisCacheLogger(logger))
	} else {
		if cfg.RAG.CacheBackend == "redis" {
			logger.Warn("redis context cache requested but no client provided, using memory")
		}
		cache = maestro.NewMemoryContextCache()
	}

	watch := maestro.NewLatencyWatch()
	retriever := maestro.NewRetriever(deps.Store, router,
		maestro.WithRetrieverCache(cache),
		maestro.WithRetrieverCacheTTL(secs(cfg.RAG.CacheTTLSec)),
		maestro.WithTopK(cfg.RAG.TopK),
		maestro.WithSimilarityThreshold(cfg.RAG.SimThreshold),
		maestro.WithSnippetChars(cfg.RAG.SnippetChars),
		maestro.WithTop1FullChars(cfg.RAG.Top1FullMaxChars),
		maestro.WithRerank(cfg.RAG.Rerank),
		maestro.WithLatencyWatch(watch),
		maestro.WithRetrieverLogger(logger),
		maestro.WithRetrieverMetrics(metrics),
		maestro.WithRetrieverTracer(tracer),
	)

	policy := maestro.NewPolicy(cfg.Conductor.Projects, cfg.Conductor.DefaultProject,
		maestro.WithPolicyLogger(logger),
		maestro.WithPolicyMetrics(metrics),
	)
	understander := maestro.NewUnderstander(deps.Fast,
		maestro.WithUnderstanderLogger(logger),
		maestro.WithUnderstanderMetrics(metrics),
		maestro.WithUnderstanderTracer(tracer),
		maestro.WithUnderstandCache(cfg.Understand.MaxEntries, secs(cfg.Understand.TTLSec)),
	)
	session := maestro.NewSessionMemory(deps.Store,
		maestro.WithHistoryBudget(cfg.Session.MaxTurns, cfg.Session.MaxChars),
		maestro.WithSummaryCount(cfg.Session.Summaries),
		maestro.WithSessionLogger(logger),
	)
	validator := maestro.NewValidator(router,
		maestro.WithValidatorLogger(logger),
		maestro.WithValidatorTracer(tracer),
	)
	board := maestro.NewBoard(deps.Store, router,
		maestro.WithBoardLogger(logger),
		maestro.WithBoardTracer(tracer),
		maestro.WithBoardStandards(cfg.Board.MaxStandards),
	)

	tpl, err := maestro.LoadTemplates(cfg.Seeds.TemplatesPath)
	if err != nil {
		logger.Warn("prompt templates not loaded, using defaults",
			"path", cfg.Seeds.TemplatesPath, "error", err)
	}

	conductor := maestro.NewConductor(deps.Store, router, retriever,
		maestro.WithConductorLogger(logger),
		maestro.WithConductorMetrics(metrics),
		maestro.WithConductorTracer(tracer),
		maestro.WithSyncLimit(cfg.Conductor.MaxConcurrentSync),
		maestro.WithMaxGoalChars(cfg.Conductor.MaxGoalChars),
		maestro.WithFanout(cfg.Conductor.FanoutParallel, cfg.Conductor.MaxSubtasks),
		maestro.WithStrategyStage(cfg.Conductor.StrategyEnabled),
		maestro.WithTemplates(tpl),
		maestro.WithPolicy(policy),
		maestro.WithUnderstander(understander),
		maestro.WithSessionMemory(session),
		maestro.WithConductorWatch(watch),
		maestro.WithRetryDelay(secs(cfg.Executor.RetryDelaySec)),
	)

	batch := cfg.Executor.BatchSize
	if !cfg.Executor.BatchByModel {
		batch = 1
	}
	executorOpts := []maestro.ExecutorOption{
		maestro.WithExecutorLogger(logger),
		maestro.WithExecutorMetrics(metrics),
		maestro.WithExecutorTracer(tracer),
		maestro.WithExecutorWorkers(cfg.Executor.MinWorkers, cfg.Executor.MaxConcurrent),
		maestro.WithExecutorAdaptive(cfg.Executor.Adaptive),
		maestro.WithExecutorBatchSize(batch),
		maestro.WithExecutorInterleave(cfg.Executor.InterleaveBlocks),
		maestro.WithExecutorHeavyCeilings(cfg.Router.MaxHeavyMLX, cfg.Router.MaxHeavyOllama),
		maestro.WithExecutorRetry(cfg.Executor.MaxAttempts, secs(cfg.Executor.RetryDelaySec)),
		maestro.WithExecutorIntervals(secs(cfg.Executor.PollSeconds), secs(cfg.Executor.SweepSeconds), time.Duration(cfg.Executor.StuckMinutes)*time.Minute),
		maestro.WithExecutorHeartbeat(secs(cfg.Executor.HeartbeatSeconds)),
		maestro.WithExecutorRetriever(retriever),
	}
	if hostStats, err := maestro.NewProcHostStats(); err != nil {
		logger.Warn("host stats unavailable, adaptive budget uses queue depth only", "error", err)
	} else {
		executorOpts = append(executorOpts, maestro.WithExecutorHostStats(hostStats))
	}
	executor := maestro.NewExecutor(deps.Store, router, catalog, validator, board, executorOpts...)

	checks := []httpapi.HealthCheck{
		{Name: "store", Critical: true, Probe: func(ctx context.Context) error {
			_, err := deps.Store.CountTasksByStatus(ctx)
			return err
		}},
	}
	if l := listers[maestro.FamilyOllama]; l != nil {
		checks = append(checks, httpapi.HealthCheck{Name: "ollama", Probe: func(ctx context.Context) error {
			_, err := l.ListModels(ctx)
			return err
		}})
	}
	if l := listers[maestro.FamilyMLX]; l != nil {
		checks = append(checks, httpapi.HealthCheck{Name: "mlx", Probe: func(ctx context.Context) error {
			_, err := l.ListModels(ctx)
			return err
		}})
	}
	if deps.Redis != nil {
		checks = append(checks, httpapi.HealthCheck{Name: "redis", Probe: func(ctx context.Context) error {
			return deps.Redis.Ping(ctx).Err()
		}})
	}

	api := httpapi.NewServer(conductor,
		httpapi.WithLogger(logger),
		httpapi.WithBoard(board),
		httpapi.WithLatencyReporter(watch),
		httpapi.WithVersion(version),
		httpapi.WithAPIKey(cfg.Server.APIKey),
		httpapi.WithBodyLimit(int64(cfg.Server.BodyLimitKB)<<10),
		httpapi.WithStreamHeartbeat(secs(cfg.Executor.HeartbeatSeconds)),
		httpapi.WithHealthChecks(checks...),
	)

	return &App{
		cfg:       cfg,
		logger:    logger,
		store:     deps.Store,
		catalog:   catalog,
		retriever: retriever,
		conductor: conductor,
		executor:  executor,
		api:       api,
	}, nil
}

// Conductor exposes the pipeline for embedding maestro in a larger program.
func (a *App) Conductor() *maestro.Conductor { return a.conductor }

// Handler exposes the HTTP API without starting the built-in listener.
func (a *App) Handler() http.Handler { return a.api.Handler() }

// warmupGoals prime the embedding and context caches with the queries
// operators ask most often.
var warmupGoals = []string{
	"какие задачи сейчас в работе",
	"статус текущего проекта",
	"покажи последние результаты",
}

// Run initializes the store, seeds experts, and serves until ctx is
// cancelled or a component fails. Shutdown drains the HTTP server;
// in-flight queue tasks are reclaimed by the stuck sweep on next start.
func (a *App) Run(ctx context.Context) error {
	if err := a.store.Init(ctx); err != nil {
		return fmt.Errorf("app: store init: %w", err)
	}
	defer a.store.Close()

	if err := maestro.SyncExperts(ctx, a.store, a.cfg.Seeds.ExpertsPath, a.logger); err != nil {
		return fmt.Errorf("app: expert sync: %w", err)
	}

	go a.retriever.Warmup(ctx, warmupGoals)

	httpSrv := &http.Server{
		Addr:              a.cfg.Server.Addr,
		Handler:           a.api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.catalog.Start(gctx) })
	g.Go(func() error { return a.executor.Start(gctx) })
	g.Go(func() error {
		a.logger.Info("maestro listening", "addr", httpSrv.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("app: http serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	a.logger.Info("maestro stopped")
	return nil
}

// RunWithSignal runs the App until SIGINT or SIGTERM.
func (a *App) RunWithSignal() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return a.Run(ctx)
}

func secs(n int) time.Duration { return time.Duration(n) * time.Second }

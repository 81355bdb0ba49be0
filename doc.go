// Package maestro is a multi-agent task orchestrator for local LLM backends.
//
// It takes natural-language goals and turns them into executed work by
// routing each goal through a decision pipeline: classification and
// strategy selection ("Conductor"), a durable database-backed task queue
// with an adaptive worker pool ("Executor"), a model-aware dispatcher that
// multiplexes two inference families with load control ("Router"), and a
// retrieval-augmented context assembler ("Retriever").
//
// # Quick Start
//
//	store := postgres.New(pool)
//	fast := openaicompat.New("", "qwen2.5:7b", "http://localhost:11434/v1", openaicompat.WithName("ollama"))
//	heavy := openaicompat.New("", "qwen2.5-32b", "http://localhost:8080/v1", openaicompat.WithName("mlx"))
//
//	catalog := maestro.NewModelCatalog(map[maestro.Family]maestro.ModelLister{
//		maestro.FamilyOllama: fast,
//		maestro.FamilyMLX:    heavy,
//	})
//	router := maestro.NewRouter(fast, heavy, catalog)
//	retriever := maestro.NewRetriever(store, router)
//	conductor := maestro.NewConductor(store, router, retriever)
//
//	validator := maestro.NewValidator(router)
//	board := maestro.NewBoard(store, router)
//	executor := maestro.NewExecutor(store, router, catalog, validator, board)
//
//	go executor.Start(ctx)
//	result, err := conductor.Run(ctx, maestro.RunRequest{Goal: "summarize the deploy standards"})
//
// # Core Interfaces
//
// The root package defines the contracts that all components implement:
//
//   - [Provider] — LLM backend (chat, streaming)
//   - [EmbeddingProvider] — text-to-vector embedding
//   - [Store] — durable tasks, experts, knowledge, sessions, board decisions
//   - [Tracer] — pluggable span emission
//
// # Included Implementations
//
// Providers: provider/openaicompat (any OpenAI-compatible local server,
// which covers both the Ollama-style and MLX-style families).
// Storage: store/postgres (pgvector-backed primary), store/sqlite (pure-Go
// local fallback).
//
// See cmd/maestro for the composed service and cmd/maestro-ingest for the
// standards loader.
package maestro

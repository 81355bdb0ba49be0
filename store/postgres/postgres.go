// Package postgres implements maestro.Store using PostgreSQL. pgvector
// HNSW indexes serve knowledge search, JSONB columns carry task metadata
// and board risks, and conditional UPDATEs give the task queue its
// lost-update-free status transitions.
//
// The Store accepts an externally-owned *pgxpool.Pool via constructor
// injection. The caller creates and closes the pool.
package postgres

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nevindra/maestro"
)

// Store implements maestro.Store backed by PostgreSQL with pgvector.
// Vector search uses HNSW indexes with cosine distance.
type Store struct {
	pool *pgxpool.Pool
	cfg  pgConfig
}

// pgConfig holds store configuration set via Option functions.
type pgConfig struct {
	embeddingDimension int // 0 = untyped vector
	hnswM              int // 0 = pgvector default (16)
	hnswEFConstruction int // 0 = pgvector default (64)
	hnswEFSearch       int // 0 = pgvector default (40)
}

// Option configures a PostgreSQL Store.
type Option func(*pgConfig)

// WithEmbeddingDimension sets the vector column dimension (e.g. 768, 1024).
// When set, CREATE TABLE uses vector(N) instead of untyped vector, enabling
// better index optimization and catching dimension mismatches at insert time.
// Only affects new table creation (no ALTER on existing tables).
func WithEmbeddingDimension(dim int) Option {
	return func(c *pgConfig) { c.embeddingDimension = dim }
}

// WithHNSWM sets the HNSW m parameter (max connections per node).
// Higher values improve recall at the cost of memory. Default: pgvector's 16.
// Only affects index creation (CREATE INDEX IF NOT EXISTS).
func WithHNSWM(m int) Option {
	return func(c *pgConfig) { c.hnswM = m }
}

// WithEFConstruction sets the HNSW ef_construction parameter (build-time
// candidate list size). Higher values improve index quality at the cost of
// slower builds. Default: pgvector's 64.
// Only affects index creation (CREATE INDEX IF NOT EXISTS).
func WithEFConstruction(ef int) Option {
	return func(c *pgConfig) { c.hnswEFConstruction = ef }
}

// WithEFSearch sets the HNSW ef_search parameter (query-time candidate list
// size). Higher values improve recall at the cost of latency. Default:
// pgvector's 40. Applied once during Init().
func WithEFSearch(ef int) Option {
	return func(c *pgConfig) { c.hnswEFSearch = ef }
}

var _ maestro.Store = (*Store)(nil)

// New creates a Store using an existing pgxpool.Pool.
// The caller owns the pool and is responsible for closing it.
func New(pool *pgxpool.Pool, opts ...Option) *Store {
	var cfg pgConfig
	for _, o := range opts {
		o(&cfg)
	}
	return &Store{pool: pool, cfg: cfg}
}

// vectorType returns "vector" or "vector(N)" depending on config.
func (s *Store) vectorType() string {
	if s.cfg.embeddingDimension > 0 {
		return fmt.Sprintf("vector(%d)", s.cfg.embeddingDimension)
	}
	return "vector"
}

// hnswWithClause returns the WITH (...) clause for HNSW index creation,
// or an empty string if no tuning params are set.
func (s *Store) hnswWithClause() string {
	var parts []string
	if s.cfg.hnswM > 0 {
		parts = append(parts, fmt.Sprintf("m = %d", s.cfg.hnswM))
	}
	if s.cfg.hnswEFConstruction > 0 {
		parts = append(parts, fmt.Sprintf("ef_construction = %d", s.cfg.hnswEFConstruction))
	}
	if len(parts) == 0 {
		return ""
	}
	return " WITH (" + strings.Join(parts, ", ") + ")"
}

// Init creates the pgvector and pg_trgm extensions, all tables, and
// indexes. Safe to call multiple times (all statements are idempotent).
func (s *Store) Init(ctx context.Context) error {
	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,
		`CREATE EXTENSION IF NOT EXISTS pg_trgm`,
		`CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			goal TEXT NOT NULL,
			project_context TEXT NOT NULL DEFAULT '',
			assignee TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'pending',
			priority TEXT NOT NULL DEFAULT 'medium',
			attempt_count INTEGER NOT NULL DEFAULT 0,
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL,
			next_retry_at BIGINT NOT NULL DEFAULT 0,
			metadata JSONB NOT NULL DEFAULT '{}'::jsonb
		)`,
		`CREATE INDEX IF NOT EXISTS tasks_ready_idx ON tasks (status, next_retry_at, created_at)`,
		`CREATE TABLE IF NOT EXISTS experts (
			name TEXT PRIMARY KEY,
			role TEXT NOT NULL DEFAULT '',
			department TEXT NOT NULL DEFAULT '',
			system_prompt TEXT NOT NULL DEFAULT '',
			workload INTEGER NOT NULL DEFAULT 0,
			success_rate REAL NOT NULL DEFAULT 0.5
		)`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS knowledge_nodes (
			id TEXT PRIMARY KEY,
			content TEXT NOT NULL,
			embedding %s,
			domain TEXT NOT NULL DEFAULT '',
			source TEXT NOT NULL DEFAULT '',
			standard BOOLEAN NOT NULL DEFAULT FALSE,
			confidence REAL NOT NULL DEFAULT 0.5,
			verified BOOLEAN NOT NULL DEFAULT FALSE,
			usage_count INTEGER NOT NULL DEFAULT 0,
			created_at BIGINT NOT NULL
		)`, s.vectorType()),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS knowledge_nodes_embedding_idx ON knowledge_nodes USING hnsw (embedding vector_cosine_ops)%s`, s.hnswWithClause()),
		`CREATE INDEX IF NOT EXISTS knowledge_nodes_content_idx ON knowledge_nodes USING gin (content gin_trgm_ops)`,
		`CREATE TABLE IF NOT EXISTS session_exchanges (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			user_text TEXT NOT NULL,
			assistant_text TEXT NOT NULL,
			created_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS session_exchanges_session_idx ON session_exchanges (session_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS board_decisions (
			id TEXT PRIMARY KEY,
			task_id TEXT NOT NULL,
			decision TEXT NOT NULL,
			rationale TEXT NOT NULL DEFAULT '',
			risks JSONB NOT NULL DEFAULT '[]'::jsonb,
			confidence REAL NOT NULL DEFAULT 0,
			human_review BOOLEAN NOT NULL DEFAULT FALSE,
			created_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS board_decisions_task_idx ON board_decisions (task_id, created_at)`,
	}
	if s.cfg.hnswEFSearch > 0 {
		stmts = append(stmts, fmt.Sprintf(`SET hnsw.ef_search = %d`, s.cfg.hnswEFSearch))
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres: init: %w", err)
		}
	}
	return nil
}

// Close is a no-op: the caller owns the pool.
func (s *Store) Close() error { return nil }

// UpsertNode inserts or replaces a knowledge node. An upsert without an
// embedding keeps the stored embedding; usage counters survive either way.
func (s *Store) UpsertNode(ctx context.Context, node maestro.KnowledgeNode) error {
	if node.CreatedAt == 0 {
		node.CreatedAt = maestro.NowUnix()
	}
	if len(node.Embedding) > 0 {
		_, err := s.pool.Exec(ctx,
			`INSERT INTO knowledge_nodes (id, content, embedding, domain, source, standard, confidence, verified, usage_count, created_at)
			 VALUES ($1, $2, $3::vector, $4, $5, $6, $7, $8, $9, $10)
			 ON CONFLICT (id) DO UPDATE SET
				content = EXCLUDED.content,
				embedding = EXCLUDED.embedding,
				domain = EXCLUDED.domain,
				source = EXCLUDED.source,
				standard = EXCLUDED.standard,
				confidence = EXCLUDED.confidence,
				verified = EXCLUDED.verified`,
			node.ID, node.Content, serializeEmbedding(node.Embedding),
			node.Meta.Domain, node.Meta.Source, node.Meta.Standard,
			node.Confidence, node.Verified, node.UsageCount, node.CreatedAt)
		if err != nil {
			return fmt.Errorf("postgres: upsert node: %w", err)
		}
		return nil
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO knowledge_nodes (id, content, domain, source, standard, confidence, verified, usage_count, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (id) DO UPDATE SET
			content = EXCLUDED.content,
			domain = EXCLUDED.domain,
			source = EXCLUDED.source,
			standard = EXCLUDED.standard,
			confidence = EXCLUDED.confidence,
			verified = EXCLUDED.verified`,
		node.ID, node.Content,
		node.Meta.Domain, node.Meta.Source, node.Meta.Standard,
		node.Confidence, node.Verified, node.UsageCount, node.CreatedAt)
	if err != nil {
		return fmt.Errorf("postgres: upsert node: %w", err)
	}
	return nil
}

// SearchNodes returns the topK nodes nearest to the query embedding by
// cosine similarity. Nodes without embeddings are excluded.
func (s *Store) SearchNodes(ctx context.Context, embedding []float32, topK int) ([]maestro.ScoredNode, error) {
	if len(embedding) == 0 || topK <= 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, content, domain, source, standard, confidence, verified, usage_count, created_at,
		        1 - (embedding <=> $1::vector) AS score
		 FROM knowledge_nodes
		 WHERE embedding IS NOT NULL
		 ORDER BY embedding <=> $1::vector, confidence DESC, usage_count DESC
		 LIMIT $2`,
		serializeEmbedding(embedding), topK)
	if err != nil {
		return nil, fmt.Errorf("postgres: search nodes: %w", err)
	}
	defer rows.Close()

	var out []maestro.ScoredNode
	for rows.Next() {
		var n maestro.ScoredNode
		if err := rows.Scan(&n.ID, &n.Content, &n.Meta.Domain, &n.Meta.Source, &n.Meta.Standard,
			&n.Confidence, &n.Verified, &n.UsageCount, &n.CreatedAt, &n.Score); err != nil {
			return nil, fmt.Errorf("postgres: scan node: %w", err)
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// SearchNodesKeyword returns nodes whose content contains any of the terms,
// case-insensitively. Serves nodes that have no embedding yet.
func (s *Store) SearchNodesKeyword(ctx context.Context, terms []string, limit int) ([]maestro.KnowledgeNode, error) {
	patterns := make([]string, 0, len(terms))
	for _, t := range terms {
		if t = strings.TrimSpace(t); t != "" {
			patterns = append(patterns, "%"+t+"%")
		}
	}
	if len(patterns) == 0 || limit <= 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, content, domain, source, standard, confidence, verified, usage_count, created_at
		 FROM knowledge_nodes
		 WHERE content ILIKE ANY($1)
		 ORDER BY confidence DESC, created_at DESC
		 LIMIT $2`,
		patterns, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: keyword search: %w", err)
	}
	defer rows.Close()

	var out []maestro.KnowledgeNode
	for rows.Next() {
		var n maestro.KnowledgeNode
		if err := rows.Scan(&n.ID, &n.Content, &n.Meta.Domain, &n.Meta.Source, &n.Meta.Standard,
			&n.Confidence, &n.Verified, &n.UsageCount, &n.CreatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan node: %w", err)
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// IncrementNodeUsage bumps the usage counter of the given nodes.
func (s *Store) IncrementNodeUsage(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.pool.Exec(ctx,
		`UPDATE knowledge_nodes SET usage_count = usage_count + 1 WHERE id = ANY($1)`, ids)
	if err != nil {
		return fmt.Errorf("postgres: increment usage: %w", err)
	}
	return nil
}

// serializeEmbedding converts a []float32 to pgvector's text format: [0.1,0.2,...]
func serializeEmbedding(embedding []float32) string {
	parts := make([]string, len(embedding))
	for i, v := range embedding {
		parts[i] = strconv.FormatFloat(float64(v), 'f', -1, 32)
	}
	return "[" + strings.Join(parts, ",") + "]"
}

// Package sqlite implements maestro.Store using pure-Go SQLite with
// in-process brute-force vector search. Zero CGO required. Suited to
// single-machine deployments and tests; the PostgreSQL store serves
// everything larger.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/nevindra/maestro"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// StoreOption configures a SQLite Store.
type StoreOption func(*Store)

// WithLogger sets a structured logger for the store.
// When set, the store emits debug logs for every operation including
// timing, row counts, and key parameters. If not set, no logs are emitted.
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = l }
}

// Store implements maestro.Store backed by a local SQLite file.
// Embeddings are stored as JSON text and vector search is done
// in-process using brute-force cosine similarity.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ maestro.Store = (*Store)(nil)

// nopLogger is a logger that discards all output.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// New creates a Store using a local SQLite file at dbPath.
// It opens a single shared connection pool with SetMaxOpenConns(1) so that
// all goroutines serialize through one connection, eliminating SQLITE_BUSY
// errors caused by concurrent writers opening independent connections.
func New(dbPath string, opts ...StoreOption) *Store {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		// sql.Open only fails when the driver is not registered; with the
		// blank import above that never happens.
		panic(fmt.Sprintf("sqlite: open driver: %v", err))
	}
	db.SetMaxOpenConns(1)
	s := &Store{db: db, logger: nopLogger}
	for _, o := range opts {
		o(s)
	}
	s.logger.Debug("sqlite: store opened", "path", dbPath)
	return s
}

// Init creates all required tables and indexes. Safe to call repeatedly.
func (s *Store) Init(ctx context.Context) error {
	start := time.Now()
	s.logger.Debug("sqlite: init started")
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			goal TEXT NOT NULL,
			project_context TEXT NOT NULL DEFAULT '',
			assignee TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'pending',
			priority TEXT NOT NULL DEFAULT 'medium',
			attempt_count INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			next_retry_at INTEGER NOT NULL DEFAULT 0,
			metadata TEXT NOT NULL DEFAULT '{}'
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
		`CREATE TABLE IF NOT EXISTS knowledge_nodes (
			id TEXT PRIMARY KEY,
			content TEXT NOT NULL,
			embedding TEXT,
			domain TEXT NOT NULL DEFAULT '',
			source TEXT NOT NULL DEFAULT '',
			standard INTEGER NOT NULL DEFAULT 0,
			confidence REAL NOT NULL DEFAULT 0.5,
			verified INTEGER NOT NULL DEFAULT 0,
			usage_count INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS session_exchanges (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			user_text TEXT NOT NULL,
			assistant_text TEXT NOT NULL,
			created_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS session_exchanges_session_idx ON session_exchanges (session_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS board_decisions (
			id TEXT PRIMARY KEY,
			task_id TEXT NOT NULL,
			decision TEXT NOT NULL,
			rationale TEXT NOT NULL DEFAULT '',
			risks TEXT NOT NULL DEFAULT '[]',
			confidence REAL NOT NULL DEFAULT 0,
			human_review INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS board_decisions_task_idx ON board_decisions (task_id, created_at)`,
	}
	for _, ddl := range stmts {
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}
	s.logger.Debug("sqlite: init ok", "duration", time.Since(start))
	return nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	s.logger.Debug("sqlite: closing store")
	err := s.db.Close()
	if err != nil {
		s.logger.Error("sqlite: close failed", "error", err)
	}
	return err
}

// DB exposes the underlying connection for migrations and tests.
func (s *Store) DB() *sql.DB {
	return s.db
}

// UpsertNode inserts or replaces a knowledge node. An upsert without an
// embedding keeps the stored embedding; usage counters survive either way.
func (s *Store) UpsertNode(ctx context.Context, node maestro.KnowledgeNode) error {
	if node.CreatedAt == 0 {
		node.CreatedAt = maestro.NowUnix()
	}
	s.logger.Debug("sqlite: upsert node", "id", node.ID, "domain", node.Meta.Domain, "has_embedding", len(node.Embedding) > 0)

	var err error
	if len(node.Embedding) > 0 {
		_, err = s.db.ExecContext(ctx,
			`INSERT INTO knowledge_nodes (id, content, embedding, domain, source, standard, confidence, verified, usage_count, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT (id) DO UPDATE SET
				content = excluded.content,
				embedding = excluded.embedding,
				domain = excluded.domain,
				source = excluded.source,
				standard = excluded.standard,
				confidence = excluded.confidence,
				verified = excluded.verified`,
			node.ID, node.Content, serializeEmbedding(node.Embedding),
			node.Meta.Domain, node.Meta.Source, boolToInt(node.Meta.Standard),
			node.Confidence, boolToInt(node.Verified), node.UsageCount, node.CreatedAt)
	} else {
		_, err = s.db.ExecContext(ctx,
			`INSERT INTO knowledge_nodes (id, content, domain, source, standard, confidence, verified, usage_count, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT (id) DO UPDATE SET
				content = excluded.content,
				domain = excluded.domain,
				source = excluded.source,
				standard = excluded.standard,
				confidence = excluded.confidence,
				verified = excluded.verified`,
			node.ID, node.Content,
			node.Meta.Domain, node.Meta.Source, boolToInt(node.Meta.Standard),
			node.Confidence, boolToInt(node.Verified), node.UsageCount, node.CreatedAt)
	}
	if err != nil {
		return fmt.Errorf("upsert node: %w", err)
	}
	return nil
}

// SearchNodes scans every node with an embedding and scores it in-process.
// Results are sorted by cosine similarity, then confidence, then usage.
func (s *Store) SearchNodes(ctx context.Context, embedding []float32, topK int) ([]maestro.ScoredNode, error) {
	if len(embedding) == 0 || topK <= 0 {
		return nil, nil
	}
	start := time.Now()
	s.logger.Debug("sqlite: search nodes", "top_k", topK, "embedding_dim", len(embedding))

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, content, embedding, domain, source, standard, confidence, verified, usage_count, created_at
		 FROM knowledge_nodes WHERE embedding IS NOT NULL`)
	if err != nil {
		s.logger.Error("sqlite: search nodes failed", "error", err, "duration", time.Since(start))
		return nil, fmt.Errorf("search nodes: %w", err)
	}
	defer rows.Close()

	var results []maestro.ScoredNode
	scanned := 0
	for rows.Next() {
		var n maestro.ScoredNode
		var embJSON string
		var standard, verified int
		if err := rows.Scan(&n.ID, &n.Content, &embJSON, &n.Meta.Domain, &n.Meta.Source,
			&standard, &n.Confidence, &verified, &n.UsageCount, &n.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan node: %w", err)
		}
		scanned++
		n.Meta.Standard = standard != 0
		n.Verified = verified != 0
		stored, err := deserializeEmbedding(embJSON)
		if err != nil {
			continue
		}
		n.Score = cosineSimilarity(embedding, stored)
		results = append(results, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate nodes: %w", err)
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		if results[i].Confidence != results[j].Confidence {
			return results[i].Confidence > results[j].Confidence
		}
		return results[i].UsageCount > results[j].UsageCount
	})
	if len(results) > topK {
		results = results[:topK]
	}
	s.logger.Debug("sqlite: search nodes ok", "scanned", scanned, "returned", len(results), "duration", time.Since(start))
	return results, nil
}

// SearchNodesKeyword matches node content against the terms in-process.
// SQLite's LIKE only case-folds ASCII, so matching happens in Go where
// Cyrillic terms fold correctly.
func (s *Store) SearchNodesKeyword(ctx context.Context, terms []string, limit int) ([]maestro.KnowledgeNode, error) {
	var lowered []string
	for _, t := range terms {
		if t = strings.TrimSpace(t); t != "" {
			lowered = append(lowered, strings.ToLower(t))
		}
	}
	if len(lowered) == 0 || limit <= 0 {
		return nil, nil
	}
	start := time.Now()
	s.logger.Debug("sqlite: keyword search", "terms", len(lowered), "limit", limit)

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, content, domain, source, standard, confidence, verified, usage_count, created_at
		 FROM knowledge_nodes
		 ORDER BY confidence DESC, created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("keyword search: %w", err)
	}
	defer rows.Close()

	var out []maestro.KnowledgeNode
	for rows.Next() {
		var n maestro.KnowledgeNode
		var standard, verified int
		if err := rows.Scan(&n.ID, &n.Content, &n.Meta.Domain, &n.Meta.Source,
			&standard, &n.Confidence, &verified, &n.UsageCount, &n.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan node: %w", err)
		}
		n.Meta.Standard = standard != 0
		n.Verified = verified != 0
		content := strings.ToLower(n.Content)
		for _, term := range lowered {
			if strings.Contains(content, term) {
				out = append(out, n)
				break
			}
		}
		if len(out) >= limit {
			break
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate nodes: %w", err)
	}
	s.logger.Debug("sqlite: keyword search ok", "returned", len(out), "duration", time.Since(start))
	return out, nil
}

// IncrementNodeUsage bumps the usage counter of the given nodes.
func (s *Store) IncrementNodeUsage(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders := strings.Repeat("?,", len(ids))
	placeholders = placeholders[:len(placeholders)-1]
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE knowledge_nodes SET usage_count = usage_count + 1 WHERE id IN (`+placeholders+`)`, args...)
	if err != nil {
		return fmt.Errorf("increment usage: %w", err)
	}
	return nil
}

func cosineSimilarity(a, b []float32) float32 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	denom := math.Sqrt(normA) * math.Sqrt(normB)
	if denom == 0 {
		return 0
	}
	return float32(dot / denom)
}

// serializeEmbedding converts []float32 to a JSON array string.
func serializeEmbedding(embedding []float32) string {
	data, _ := json.Marshal(embedding)
	return string(data)
}

// deserializeEmbedding parses a JSON array string back to []float32.
func deserializeEmbedding(s string) ([]float32, error) {
	var v []float32
	err := json.Unmarshal([]byte(s), &v)
	return v, err
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

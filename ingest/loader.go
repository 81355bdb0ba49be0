package ingest

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"

	maestro "github.com/nevindra/maestro"
)

// Loader turns standards files into knowledge nodes: extract sections,
// chunk, embed, upsert. Node IDs derive from (source, chunk ordinal),
// so reloading an updated file overwrites its earlier nodes instead of
// stacking duplicates.
type Loader struct {
	store     maestro.KnowledgeStore
	embedding maestro.EmbeddingProvider
	logger    *slog.Logger

	domain       string
	confidence   float64
	maxChars     int
	overlapChars int
	batchSize    int
}

// LoaderOption configures a Loader.
type LoaderOption func(*Loader)

// WithLogger sets the logger. Default: discard.
func WithLogger(l *slog.Logger) LoaderOption {
	return func(ld *Loader) {
		if l != nil {
			ld.logger = l
		}
	}
}

// WithDomain tags loaded nodes with a knowledge domain.
func WithDomain(domain string) LoaderOption {
	return func(ld *Loader) { ld.domain = domain }
}

// WithConfidence sets the confidence written on loaded nodes.
// Default 0.9: standards are curated, so they outrank learned facts.
func WithConfidence(c float64) LoaderOption {
	return func(ld *Loader) { ld.confidence = c }
}

// WithChunkChars sets the maximum chunk size in bytes.
func WithChunkChars(n int) LoaderOption {
	return func(ld *Loader) {
		if n > 0 {
			ld.maxChars = n
		}
	}
}

// WithOverlapChars sets the overlap carried between chunks in bytes.
func WithOverlapChars(n int) LoaderOption {
	return func(ld *Loader) {
		if n >= 0 {
			ld.overlapChars = n
		}
	}
}

// WithBatchSize sets the number of chunks per Embed call (default 64).
func WithBatchSize(n int) LoaderOption {
	return func(ld *Loader) {
		if n > 0 {
			ld.batchSize = n
		}
	}
}

// NewLoader creates a Loader. The embedding provider may be nil, in
// which case nodes are written without vectors and are served by
// keyword search only.
func NewLoader(store maestro.KnowledgeStore, emb maestro.EmbeddingProvider, opts ...LoaderOption) *Loader {
	ld := &Loader{
		store:        store,
		embedding:    emb,
		logger:       nopLogger,
		confidence:   0.9,
		maxChars:     defaultChunkChars,
		overlapChars: defaultOverlapChars,
		batchSize:    64,
	}
	for _, o := range opts {
		o(ld)
	}
	return ld
}

// Result summarizes one loaded document.
type Result struct {
	Source string
	Title  string
	Nodes  int
}

// LoadDir walks dir and loads every supported file. Per-file failures
// are logged and joined into the returned error; loading continues so
// one bad file does not block the rest of the corpus.
func (ld *Loader) LoadDir(ctx context.Context, dir string) ([]Result, error) {
	var results []Result
	var errs []error

	walkErr := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !SupportedFile(path) {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		res, err := ld.LoadFile(ctx, path)
		if err != nil {
			ld.logger.Warn("standards file skipped", "path", path, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", path, err))
			return nil
		}
		results = append(results, res)
		return nil
	})
	if walkErr != nil {
		errs = append(errs, walkErr)
	}
	return results, errors.Join(errs...)
}

// LoadFile extracts, chunks, embeds, and stores a single file.
func (ld *Loader) LoadFile(ctx context.Context, path string) (Result, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return Result{}, fmt.Errorf("read: %w", err)
	}
	name := filepath.Base(path)
	sections, err := Extract(content, name)
	if err != nil {
		return Result{}, err
	}
	return ld.Load(ctx, sections, name)
}

// Load chunks the sections, embeds the chunks, and upserts one
// knowledge node per chunk under the given source name.
func (ld *Loader) Load(ctx context.Context, sections []Section, source string) (Result, error) {
	var contents []string
	title := source
	for _, sec := range sections {
		if title == source && sec.Heading != "" {
			title = sec.Heading
		}
		for _, chunk := range splitChunks(sec.Text, ld.maxChars, ld.overlapChars) {
			if sec.Heading != "" {
				chunk = sec.Heading + "\n" + chunk
			}
			contents = append(contents, chunk)
		}
	}
	if len(contents) == 0 {
		return Result{}, fmt.Errorf("load %s: no content", source)
	}

	embeddings, err := ld.embedAll(ctx, contents)
	if err != nil {
		return Result{}, err
	}

	now := maestro.NowUnix()
	for i, content := range contents {
		node := maestro.KnowledgeNode{
			ID:      nodeID(source, i),
			Content: content,
			Meta: maestro.KnowledgeMeta{
				Domain:   ld.domain,
				Source:   source,
				Standard: true,
			},
			Confidence: ld.confidence,
			Verified:   true,
			CreatedAt:  now,
		}
		if embeddings != nil {
			node.Embedding = embeddings[i]
		}
		if err := ld.store.UpsertNode(ctx, node); err != nil {
			return Result{}, fmt.Errorf("upsert node %d of %s: %w", i, source, err)
		}
	}

	ld.logger.Info("standards loaded",
		"source", source,
		"sections", len(sections),
		"nodes", len(contents))
	return Result{Source: source, Title: title, Nodes: len(contents)}, nil
}

// embedAll embeds contents in batches. Returns nil when the loader has
// no embedding provider.
func (ld *Loader) embedAll(ctx context.Context, contents []string) ([][]float32, error) {
	if ld.embedding == nil {
		ld.logger.Warn("no embedding provider, nodes will be keyword-searchable only")
		return nil, nil
	}
	out := make([][]float32, 0, len(contents))
	for i := 0; i < len(contents); i += ld.batchSize {
		end := i + ld.batchSize
		if end > len(contents) {
			end = len(contents)
		}
		vecs, err := ld.embedding.Embed(ctx, contents[i:end])
		if err != nil {
			return nil, fmt.Errorf("embed batch %d-%d: %w", i, end, err)
		}
		if len(vecs) != end-i {
			return nil, fmt.Errorf("embed batch %d-%d: got %d vectors for %d texts", i, end, len(vecs), end-i)
		}
		out = append(out, vecs...)
	}
	return out, nil
}

// SupportedFile reports whether the loader understands the file's
// extension.
func SupportedFile(path string) bool {
	switch strings.ToLower(strings.TrimPrefix(filepath.Ext(path), ".")) {
	case "md", "markdown", "html", "htm", "pdf", "txt", "text":
		return true
	}
	return false
}

// nodeID derives a stable UUID from the source name and chunk ordinal
// so repeat loads upsert in place.
func nodeID(source string, ordinal int) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte("maestro/standards/"+source+"#"+strconv.Itoa(ordinal))).String()
}

var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (discardHandler) WithAttrs([]slog.Attr) slog.Handler        { return discardHandler{} }
func (discardHandler) WithGroup(string) slog.Handler             { return discardHandler{} }

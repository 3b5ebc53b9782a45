// Package ingest loads college documents into the vector store the semantic
// source searches.
package ingest

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/advisor/internal/embeddings"
	"github.com/Kocoro-lab/advisor/internal/sources/semantic"
	"github.com/Kocoro-lab/advisor/internal/vectordb"
)

const defaultBatchSize = 32

// ErrInvalidDocument marks a document that cannot be indexed
var ErrInvalidDocument = errors.New("invalid document")

// pointNamespace keeps point ids stable so re-ingesting a document overwrites it
var pointNamespace = uuid.MustParse("6f1c1a52-8c1e-4f57-9a55-3a3f0f4a8e21")

// Embedder turns passages into vectors
type Embedder interface {
	GenerateBatchEmbeddings(ctx context.Context, texts []string, model string) ([][]float32, error)
}

// Store writes points into a collection
type Store interface {
	Upsert(ctx context.Context, collection string, points []vectordb.UpsertItem) (*vectordb.UpsertResponse, error)
}

// Document is one source text about a college.
// Type must be one of the passage types the semantic source reads.
type Document struct {
	College string `json:"college_name"`
	Type    string `json:"type"`
	Source  string `json:"source,omitempty"`
	Text    string `json:"text"`
}

// ID identifies the document independently of its text
func (d Document) ID() string {
	return uuid.NewSHA1(pointNamespace, []byte(d.College+"\x00"+d.Type+"\x00"+d.Source)).String()
}

func (d Document) validate() error {
	if strings.TrimSpace(d.College) == "" {
		return fmt.Errorf("%w: college_name is required", ErrInvalidDocument)
	}
	for _, t := range semantic.DocumentTypes {
		if d.Type == t {
			return nil
		}
	}
	return fmt.Errorf("%w: type %q must be one of %s", ErrInvalidDocument, d.Type, strings.Join(semantic.DocumentTypes, ", "))
}

// Stats summarises one ingestion run
type Stats struct {
	Documents int `json:"documents"`
	Skipped   int `json:"skipped"`
	Chunks    int `json:"chunks"`
}

// Options tune an Ingester
type Options struct {
	Collection string
	Model      string
	BatchSize  int
	Chunking   embeddings.ChunkingConfig
}

// Ingester chunks, embeds and stores documents
type Ingester struct {
	embedder Embedder
	store    Store
	chunker  *embeddings.Chunker
	opts     Options
	logger   *zap.Logger
}

// New creates an ingester
func New(embedder Embedder, store Store, opts Options, logger *zap.Logger) *Ingester {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultBatchSize
	}
	if opts.Chunking.MaxTokens == 0 {
		opts.Chunking = embeddings.DefaultChunkingConfig()
	}
	return &Ingester{
		embedder: embedder,
		store:    store,
		chunker:  embeddings.NewChunker(opts.Chunking),
		opts:     opts,
		logger:   logger.With(zap.String("component", "ingest")),
	}
}

type pending struct {
	doc   Document
	docID string
	chunk embeddings.Chunk
}

// Ingest validates every document before writing any of them.
// Documents with blank text are skipped.
func (in *Ingester) Ingest(ctx context.Context, docs []Document) (Stats, error) {
	var stats Stats
	for i, d := range docs {
		if err := d.validate(); err != nil {
			return stats, fmt.Errorf("document %d: %w", i, err)
		}
	}

	var queue []pending
	for _, d := range docs {
		chunks := in.chunker.ChunkText(d.Text)
		if len(chunks) == 0 {
			stats.Skipped++
			in.logger.Debug("Skipping empty document", zap.String("college", d.College), zap.String("type", d.Type))
			continue
		}
		stats.Documents++
		id := d.ID()
		for _, c := range chunks {
			queue = append(queue, pending{doc: d, docID: id, chunk: c})
		}
	}

	for start := 0; start < len(queue); start += in.opts.BatchSize {
		end := start + in.opts.BatchSize
		if end > len(queue) {
			end = len(queue)
		}
		if err := in.flush(ctx, queue[start:end]); err != nil {
			return stats, err
		}
		stats.Chunks += end - start
	}

	in.logger.Info("Ingestion complete",
		zap.Int("documents", stats.Documents),
		zap.Int("skipped", stats.Skipped),
		zap.Int("chunks", stats.Chunks),
	)
	return stats, nil
}

func (in *Ingester) flush(ctx context.Context, batch []pending) error {
	texts := make([]string, len(batch))
	for i, p := range batch {
		texts[i] = p.chunk.Text
	}
	vectors, err := in.embedder.GenerateBatchEmbeddings(ctx, texts, in.opts.Model)
	if err != nil {
		return fmt.Errorf("embed batch: %w", err)
	}
	if len(vectors) != len(batch) {
		return fmt.Errorf("embed batch: got %d vectors for %d passages", len(vectors), len(batch))
	}

	items := make([]vectordb.UpsertItem, len(batch))
	for i, p := range batch {
		payload := map[string]interface{}{
			"text":         p.chunk.Text,
			"college_name": p.doc.College,
			"type":         p.doc.Type,
			"doc_id":       p.docID,
			"chunk_index":  p.chunk.Index,
			"chunk_total":  p.chunk.TotalCount,
		}
		if p.doc.Source != "" {
			payload["source"] = p.doc.Source
		}
		items[i] = vectordb.UpsertItem{
			ID:      uuid.NewSHA1(pointNamespace, []byte(fmt.Sprintf("%s:%d", p.docID, p.chunk.Index))).String(),
			Vector:  vectors[i],
			Payload: payload,
		}
	}
	if _, err := in.store.Upsert(ctx, in.opts.Collection, items); err != nil {
		return fmt.Errorf("upsert batch: %w", err)
	}
	return nil
}

// ReadJSONL decodes one document per line. Blank lines are ignored.
func ReadJSONL(r io.Reader) ([]Document, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 8*1024*1024)
	var docs []Document
	line := 0
	for sc.Scan() {
		line++
		raw := strings.TrimSpace(sc.Text())
		if raw == "" {
			continue
		}
		var d Document
		if err := json.Unmarshal([]byte(raw), &d); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		docs = append(docs, d)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return docs, nil
}

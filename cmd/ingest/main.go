// Command ingest loads college documents from a JSONL file into the vector
// collection the semantic source searches.
//
//	ingest -file docs.jsonl [-collection college_documents] [-max-tokens 400] [-overlap 50]
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/advisor/internal/config"
	"github.com/Kocoro-lab/advisor/internal/embeddings"
	"github.com/Kocoro-lab/advisor/internal/ingest"
	"github.com/Kocoro-lab/advisor/internal/registry"
)

func main() {
	file := flag.String("file", "", "JSONL file with one {college_name, type, source, text} object per line")
	collection := flag.String("collection", "", "target collection (defaults to qdrant.collection)")
	maxTokens := flag.Int("max-tokens", 400, "words per chunk")
	overlap := flag.Int("overlap", 50, "words shared by consecutive chunks")
	batch := flag.Int("batch", 32, "passages per embedding call")
	flag.Parse()

	if *file == "" {
		fmt.Fprintln(os.Stderr, "usage: ingest -file docs.jsonl")
		os.Exit(2)
	}

	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	cfg, err := config.FromEnvOrDefaults()
	if err != nil {
		logger.Warn("Config file unreadable, using defaults and environment", zap.Error(err))
	}
	if !cfg.Qdrant.Enabled {
		logger.Fatal("Vector search is disabled; set qdrant.enabled to ingest")
	}

	f, err := os.Open(*file)
	if err != nil {
		logger.Fatal("Failed to open input", zap.Error(err))
	}
	docs, err := ingest.ReadJSONL(f)
	f.Close()
	if err != nil {
		logger.Fatal("Failed to read input", zap.String("file", *file), zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	embedder, err := registry.NewEmbedder(cfg.Embeddings, nil, logger)
	if err != nil {
		logger.Fatal("Failed to create embedder", zap.Error(err))
	}
	vdb := registry.NewVectorClient(cfg.Qdrant, logger)
	if err := vdb.ValidateEmbeddingDimensions(ctx); err != nil {
		logger.Fatal("Collection does not match the embedding model", zap.Error(err))
	}

	target := *collection
	if target == "" {
		target = cfg.Qdrant.Collection
	}
	in := ingest.New(embedder, vdb, ingest.Options{
		Collection: target,
		Model:      cfg.Embeddings.Model,
		BatchSize:  *batch,
		Chunking: embeddings.ChunkingConfig{
			Enabled:       true,
			MaxTokens:     *maxTokens,
			OverlapTokens: *overlap,
		},
	}, logger)

	stats, err := in.Ingest(ctx, docs)
	if err != nil {
		logger.Fatal("Ingestion failed", zap.Int("chunks_written", stats.Chunks), zap.Error(err))
	}
	fmt.Printf("ingested %d documents (%d skipped) as %d chunks into %s\n",
		stats.Documents, stats.Skipped, stats.Chunks, target)
}

package embeddings

import (
	"strings"

	"github.com/google/uuid"
)

// ChunkingConfig controls document chunking for ingestion
type ChunkingConfig struct {
	Enabled       bool `yaml:"enabled" mapstructure:"enabled"`
	MaxTokens     int  `yaml:"max_tokens" mapstructure:"max_tokens"`
	OverlapTokens int  `yaml:"overlap_tokens" mapstructure:"overlap_tokens"`
}

// DefaultChunkingConfig returns sensible defaults
func DefaultChunkingConfig() ChunkingConfig {
	return ChunkingConfig{
		Enabled:       true,
		MaxTokens:     400,
		OverlapTokens: 50,
	}
}

// Chunk is one piece of a document
type Chunk struct {
	DocID      string // shared by every chunk of a document
	Text       string
	Index      int // 0-based chunk position
	TotalCount int
}

// Chunker splits text into overlapping word windows
type Chunker struct {
	maxTokens     int
	overlapTokens int
}

// NewChunker creates a new chunker with the given configuration
func NewChunker(config ChunkingConfig) *Chunker {
	if config.MaxTokens <= 0 {
		config.MaxTokens = 400
	}
	if config.OverlapTokens < 0 || config.OverlapTokens >= config.MaxTokens {
		config.OverlapTokens = config.MaxTokens / 8
	}
	return &Chunker{maxTokens: config.MaxTokens, overlapTokens: config.OverlapTokens}
}

// ChunkText splits text into chunks of at most maxTokens words.
// Text that fits is returned as a single chunk; blank text yields none.
func (c *Chunker) ChunkText(text string) []Chunk {
	tokens := strings.Fields(text)
	if len(tokens) == 0 {
		return nil
	}

	docID := uuid.New().String()
	step := c.maxTokens - c.overlapTokens
	var chunks []Chunk
	for i := 0; i < len(tokens); i += step {
		end := i + c.maxTokens
		if end > len(tokens) {
			end = len(tokens)
		}
		chunks = append(chunks, Chunk{
			DocID: docID,
			Text:  strings.Join(tokens[i:end], " "),
			Index: len(chunks),
		})
		if end == len(tokens) {
			break
		}
	}
	for i := range chunks {
		chunks[i].TotalCount = len(chunks)
	}
	return chunks
}

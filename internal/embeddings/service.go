package embeddings

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Kocoro-lab/advisor/internal/metrics"
	"go.uber.org/zap"
)

// ErrNoEmbedding is returned when the provider answers without vectors
var ErrNoEmbedding = errors.New("no embeddings returned")

const lruTTL = 30 * time.Minute

// Service provides embedding generation with a local LRU and an optional shared cache
type Service struct {
	cfg      Config
	provider Provider
	cache    EmbeddingCache
	lru      *LocalLRU
	logger   *zap.Logger
}

// NewService creates the service. cache may be nil.
func NewService(cfg Config, provider Provider, cache EmbeddingCache, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := cfg.withDefaults()
	return &Service{
		cfg:      c,
		provider: provider,
		cache:    cache,
		lru:      NewLocalLRU(c.MaxLRU),
		logger:   logger.With(zap.String("component", "embeddings"), zap.String("provider", provider.Name())),
	}
}

// GetConfig returns the current configuration
func (s *Service) GetConfig() Config {
	return s.cfg
}

// GenerateEmbedding returns the vector for a single text using the configured provider
func (s *Service) GenerateEmbedding(ctx context.Context, text string, model string) ([]float32, error) {
	out, err := s.GenerateBatchEmbeddings(ctx, []string{text}, model)
	if err != nil {
		return nil, err
	}
	return out[0], nil
}

// GenerateBatchEmbeddings embeds texts in one provider call, skipping cached entries
func (s *Service) GenerateBatchEmbeddings(ctx context.Context, texts []string, model string) ([][]float32, error) {
	if s == nil {
		return nil, fmt.Errorf("embedding service not initialized")
	}
	if len(texts) == 0 {
		return [][]float32{}, nil
	}
	m := model
	if m == "" {
		m = s.cfg.DefaultModel
	}

	results := make([][]float32, len(texts))
	var uncached []string
	var uncachedIdx []int
	for i, text := range texts {
		key := MakeKey(m, text)
		if v, ok := s.lru.Get(ctx, key); ok {
			results[i] = v
			metrics.EmbeddingCacheHits.WithLabelValues("lru").Inc()
			continue
		}
		if s.cache != nil {
			if v, ok := s.cache.Get(ctx, key); ok {
				results[i] = v
				s.lru.Set(ctx, key, v, lruTTL)
				metrics.EmbeddingCacheHits.WithLabelValues("redis").Inc()
				continue
			}
		}
		uncached = append(uncached, text)
		uncachedIdx = append(uncachedIdx, i)
	}
	if len(uncached) == 0 {
		return results, nil
	}

	start := time.Now()
	vecs, err := s.provider.Embed(ctx, uncached, m)
	if err != nil {
		metrics.RecordEmbeddingMetrics(m, "error", time.Since(start).Seconds())
		return nil, err
	}
	if len(vecs) != len(uncached) {
		metrics.RecordEmbeddingMetrics(m, "empty", time.Since(start).Seconds())
		return nil, fmt.Errorf("%w: got %d for %d texts", ErrNoEmbedding, len(vecs), len(uncached))
	}

	for i, v := range vecs {
		if len(v) == 0 {
			metrics.RecordEmbeddingMetrics(m, "empty", time.Since(start).Seconds())
			return nil, ErrNoEmbedding
		}
		results[uncachedIdx[i]] = v
		key := MakeKey(m, uncached[i])
		s.lru.Set(ctx, key, v, lruTTL)
		if s.cache != nil {
			s.cache.Set(ctx, key, v, s.cfg.CacheTTL)
		}
	}
	metrics.RecordEmbeddingMetrics(m, "ok", time.Since(start).Seconds())
	s.logger.Debug("Generated embeddings", zap.Int("texts", len(uncached)), zap.Int("dims", len(vecs[0])))
	return results, nil
}

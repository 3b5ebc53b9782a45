// Package semantic retrieves catalog and course passages from the vector store.
package semantic

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/Kocoro-lab/advisor/internal/colleges"
	"github.com/Kocoro-lab/advisor/internal/sources"
	"github.com/Kocoro-lab/advisor/internal/state"
	"github.com/Kocoro-lab/advisor/internal/vectordb"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	TopKRecommend = 5
	TopKCompare   = 8
)

// DocumentTypes are the passage types this source answers from
var DocumentTypes = []string{"catalog", "courses"}

// Embedder turns a query into a vector
type Embedder interface {
	GenerateEmbedding(ctx context.Context, text string, model string) ([]float32, error)
}

// Searcher runs similarity queries
type Searcher interface {
	Search(ctx context.Context, req vectordb.SearchRequest) ([]vectordb.Point, error)
}

// Passage is one retrieved document fragment
type Passage struct {
	Text     string                 `json:"text"`
	Score    float64                `json:"score"`
	College  string                 `json:"college,omitempty"`
	Source   string                 `json:"source,omitempty"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// Options tune retrieval. Zero values use the package defaults.
type Options struct {
	TopKRecommend int
	TopKCompare   int
	Threshold     float64
}

// Source is the SEMANTIC adapter
type Source struct {
	embedder Embedder
	searcher Searcher
	aliases  *colleges.Table
	opts     Options
	logger   *zap.Logger
}

// New creates the adapter. aliases lets recommend queries that name one college
// narrow the search to it.
func New(embedder Embedder, searcher Searcher, aliases *colleges.Table, opts Options, logger *zap.Logger) *Source {
	if opts.TopKRecommend <= 0 {
		opts.TopKRecommend = TopKRecommend
	}
	if opts.TopKCompare <= 0 {
		opts.TopKCompare = TopKCompare
	}
	if aliases == nil {
		aliases = colleges.Default()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Source{
		embedder: embedder,
		searcher: searcher,
		aliases:  aliases,
		opts:     opts,
		logger:   logger.With(zap.String("component", "semantic")),
	}
}

func (s *Source) ID() state.SourceID { return state.SourceSemantic }

// Fetch embeds the query and searches. Comparisons search once per college.
// The OK payload is []Passage ordered by score.
func (s *Source) Fetch(ctx context.Context, query string, entities state.Entities) state.SourceResult {
	vec, err := s.embedder.GenerateEmbedding(ctx, query, "")
	if err != nil {
		return sources.FromError(fmt.Errorf("embed query: %w", err))
	}

	var passages []Passage
	if entities.IsComparison && len(entities.Colleges) > 0 {
		passages, err = s.searchEach(ctx, vec, entities.Colleges)
	} else {
		var names []string
		if mentioned := s.aliases.Scan(query); len(mentioned) == 1 {
			names = mentioned
		}
		passages, err = s.search(ctx, vec, s.opts.TopKRecommend, names...)
	}
	if err != nil {
		return sources.FromError(err)
	}

	passages = s.keepRelevant(passages)
	if len(passages) == 0 {
		return state.Empty()
	}
	return state.OK(passages)
}

func (s *Source) searchEach(ctx context.Context, vec []float32, names []string) ([]Passage, error) {
	results := make([][]Passage, len(names))
	g, gctx := errgroup.WithContext(ctx)
	for i, name := range names {
		i, name := i, name
		g.Go(func() error {
			ps, err := s.search(gctx, vec, s.opts.TopKCompare, name)
			results[i] = ps
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	var out []Passage
	for _, ps := range results {
		out = append(out, ps...)
	}
	return out, nil
}

func (s *Source) search(ctx context.Context, vec []float32, limit int, names ...string) ([]Passage, error) {
	filter := &vectordb.Filter{Must: []vectordb.Condition{vectordb.MatchAny("type", DocumentTypes...)}}
	if len(names) == 1 {
		filter.Must = append(filter.Must, vectordb.MatchValue("college_name", names[0]))
	}

	points, err := s.searcher.Search(ctx, vectordb.SearchRequest{
		Vector:    vec,
		Limit:     limit,
		Threshold: s.opts.Threshold,
		Filter:    filter,
	})
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}

	out := make([]Passage, 0, len(points))
	for _, p := range points {
		out = append(out, Passage{
			Text:     p.Text(),
			Score:    p.Score,
			College:  p.String("college_name"),
			Source:   p.String("source"),
			Metadata: p.Payload,
		})
	}
	return out, nil
}

// keepRelevant drops blank and below-threshold passages and orders the rest by score
func (s *Source) keepRelevant(in []Passage) []Passage {
	out := in[:0:0]
	for _, p := range in {
		if strings.TrimSpace(p.Text) == "" || p.Score < s.opts.Threshold {
			continue
		}
		out = append(out, p)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if len(out) < len(in) {
		s.logger.Debug("Dropped passages", zap.Int("dropped", len(in)-len(out)))
	}
	return out
}

// Summarize renders passages for a prompt
func Summarize(passages []Passage) string {
	var b strings.Builder
	for _, p := range passages {
		college := p.College
		if college == "" {
			college = "N/A"
		}
		source := p.Source
		if source == "" {
			source = "N/A"
		}
		fmt.Fprintf(&b, "College: %s\nSource: %s\nScore: %.2f\nText: %s\n\n", college, source, p.Score, strings.TrimSpace(p.Text))
	}
	return b.String()
}

package web

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/Kocoro-lab/advisor/internal/circuitbreaker"
	"github.com/Kocoro-lab/advisor/internal/tracing"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Result is one organic search hit
type Result struct {
	Title   string `json:"title"`
	Link    string `json:"link"`
	Snippet string `json:"snippet"`
}

// SearchConfig configures the search API client
type SearchConfig struct {
	URL        string
	APIKey     string
	RPS        float64
	Burst      int
	MaxResults int
	Timeout    time.Duration
}

// Searcher runs a web search
type Searcher interface {
	Search(ctx context.Context, query string) ([]Result, error)
}

// SearchClient calls a Serper-compatible search API
type SearchClient struct {
	cfg     SearchConfig
	limiter *rate.Limiter
	httpw   *circuitbreaker.HTTPWrapper
	logger  *zap.Logger
}

// NewSearchClient creates a throttled, circuit-broken search client
func NewSearchClient(cfg SearchConfig, logger *zap.Logger) *SearchClient {
	if cfg.URL == "" {
		cfg.URL = "https://google.serper.dev/search"
	}
	if cfg.RPS <= 0 {
		cfg.RPS = 5
	}
	if cfg.Burst <= 0 {
		cfg.Burst = int(cfg.RPS)
	}
	if cfg.MaxResults <= 0 {
		cfg.MaxResults = 8
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SearchClient{
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Limit(cfg.RPS), cfg.Burst),
		httpw:   circuitbreaker.NewHTTPWrapper(&http.Client{Timeout: cfg.Timeout}, "web-search", "search", logger),
		logger:  logger.With(zap.String("component", "web_search")),
	}
}

type searchRequest struct {
	Q   string `json:"q"`
	Num int    `json:"num"`
}

type searchResponse struct {
	Organic []Result `json:"organic"`
}

// Search waits for a rate limit token and returns up to MaxResults organic hits
func (c *SearchClient) Search(ctx context.Context, query string) ([]Result, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("search rate limit: %w", err)
	}

	ctx, span := tracing.StartHTTPSpan(ctx, http.MethodPost, c.cfg.URL)
	defer span.End()

	buf, _ := json.Marshal(searchRequest{Q: query, Num: c.cfg.MaxResults})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.URL, bytes.NewReader(buf))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-KEY", c.cfg.APIKey)
	tracing.InjectTraceparent(ctx, req)

	resp, err := c.httpw.Do(req)
	if err != nil {
		return nil, fmt.Errorf("search request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return nil, fmt.Errorf("search status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var sr searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&sr); err != nil {
		return nil, fmt.Errorf("decode search response: %w", err)
	}
	if len(sr.Organic) > c.cfg.MaxResults {
		sr.Organic = sr.Organic[:c.cfg.MaxResults]
	}
	c.logger.Debug("Search completed", zap.Int("results", len(sr.Organic)))
	return sr.Organic, nil
}

package vectordb

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/Kocoro-lab/advisor/internal/circuitbreaker"
	"github.com/Kocoro-lab/advisor/internal/metrics"
	"github.com/Kocoro-lab/advisor/internal/tracing"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrDisabled is returned by every call on a disabled client
var ErrDisabled = errors.New("vectordb: disabled")

// Client is a minimal Qdrant HTTP client
type Client struct {
	cfg   Config
	base  string
	httpw *circuitbreaker.HTTPWrapper
	log   *zap.Logger
}

// New creates a client. Zero config fields take Qdrant defaults.
func New(cfg Config, logger *zap.Logger) *Client {
	c := cfg
	if c.Port == 0 {
		c.Port = 6333
	}
	if c.TopK == 0 {
		c.TopK = 5
	}
	if c.Timeout == 0 {
		c.Timeout = 5 * time.Second
	}
	if c.Collection == "" {
		c.Collection = "college_documents"
	}
	return NewWithBaseURL(c, fmt.Sprintf("http://%s:%d", c.Host, c.Port), logger)
}

// NewWithBaseURL creates a client against an explicit base URL
func NewWithBaseURL(cfg Config, base string, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 5 * time.Second
	}
	httpClient := &http.Client{Timeout: cfg.Timeout}
	return &Client{
		cfg:   cfg,
		base:  base,
		httpw: circuitbreaker.NewHTTPWrapper(httpClient, "qdrant", "vectordb", logger),
		log:   logger.With(zap.String("component", "vectordb")),
	}
}

// GetConfig returns the current configuration
func (c *Client) GetConfig() Config {
	return c.cfg
}

// qdrant search request/response (simplified)
type qdrantQueryRequest struct {
	Query          []float32 `json:"query"`
	Limit          int       `json:"limit"`
	ScoreThreshold *float64  `json:"score_threshold,omitempty"`
	WithPayload    bool      `json:"with_payload"`
	Filter         *Filter   `json:"filter,omitempty"`
}

type qdrantSearchResponse struct {
	Result []Point `json:"result"`
	Status string  `json:"status"`
}

// qdrantQueryResponse for the /points/query endpoint which has nested structure
type qdrantQueryResponse struct {
	Result struct {
		Points []Point `json:"points"`
	} `json:"result"`
	Status string `json:"status"`
}

// Search returns the points closest to req.Vector, best first
func (c *Client) Search(ctx context.Context, req SearchRequest) ([]Point, error) {
	if c == nil || !c.cfg.Enabled {
		return nil, ErrDisabled
	}
	collection := req.Collection
	if collection == "" {
		collection = c.cfg.Collection
	}
	limit := req.Limit
	if limit <= 0 {
		limit = c.cfg.TopK
	}
	threshold := req.Threshold
	if threshold <= 0 {
		threshold = c.cfg.Threshold
	}
	start := time.Now()

	urlQuery := fmt.Sprintf("%s/collections/%s/points/query", c.base, collection)
	ctx, span := tracing.StartHTTPSpan(ctx, http.MethodPost, urlQuery)
	defer span.End()

	var thr *float64
	if threshold > 0 {
		thr = &threshold
	}
	buf, _ := json.Marshal(qdrantQueryRequest{Query: req.Vector, Limit: limit, ScoreThreshold: thr, WithPayload: true, Filter: req.Filter})

	fail := func(err error) ([]Point, error) {
		metrics.RecordVectorSearchMetrics(collection, "error", time.Since(start).Seconds())
		return nil, err
	}

	resp, err := c.post(ctx, urlQuery, buf)
	if err != nil {
		return fail(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		// older servers only expose /points/search
		legacy := map[string]interface{}{"vector": req.Vector, "limit": limit, "with_payload": true}
		if thr != nil {
			legacy["score_threshold"] = threshold
		}
		if req.Filter != nil {
			legacy["filter"] = req.Filter
		}
		buf2, _ := json.Marshal(legacy)
		resp2, err := c.post(ctx, fmt.Sprintf("%s/collections/%s/points/search", c.base, collection), buf2)
		if err != nil {
			return fail(fmt.Errorf("qdrant query/search failed: %w", err))
		}
		defer resp2.Body.Close()
		if resp2.StatusCode != http.StatusOK {
			return fail(fmt.Errorf("qdrant status %d", resp2.StatusCode))
		}
		var qr qdrantSearchResponse
		if err := json.NewDecoder(resp2.Body).Decode(&qr); err != nil {
			return fail(err)
		}
		metrics.RecordVectorSearchMetrics(collection, "ok", time.Since(start).Seconds())
		return qr.Result, nil
	}

	var qr qdrantQueryResponse
	if err := json.NewDecoder(resp.Body).Decode(&qr); err != nil {
		return fail(err)
	}
	metrics.RecordVectorSearchMetrics(collection, "ok", time.Since(start).Seconds())
	return qr.Result.Points, nil
}

func (c *Client) post(ctx context.Context, url string, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	tracing.InjectTraceparent(ctx, req)
	return c.httpw.Do(req)
}

// Upsert inserts or updates points in a collection. Items without an id get a uuid.
func (c *Client) Upsert(ctx context.Context, collection string, points []UpsertItem) (*UpsertResponse, error) {
	if c == nil || !c.cfg.Enabled {
		return nil, ErrDisabled
	}
	if collection == "" {
		collection = c.cfg.Collection
	}
	for i := range points {
		if points[i].ID == nil {
			points[i].ID = uuid.New().String()
		}
	}

	url := fmt.Sprintf("%s/collections/%s/points", c.base, collection)
	ctx, span := tracing.StartHTTPSpan(ctx, http.MethodPut, url)
	defer span.End()

	buf, _ := json.Marshal(map[string]interface{}{"points": points})
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(buf))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	tracing.InjectTraceparent(ctx, req)
	resp, err := c.httpw.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("qdrant upsert status %d", resp.StatusCode)
	}
	var r UpsertResponse
	if err := json.NewDecoder(resp.Body).Decode(&r); err != nil {
		return nil, err
	}
	return &r, nil
}

package embeddings

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Kocoro-lab/advisor/internal/circuitbreaker"
	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type countingProvider struct {
	calls int32
	err   error
}

func (p *countingProvider) Name() string { return "counting" }

func (p *countingProvider) Embed(_ context.Context, texts []string, _ string) ([][]float32, error) {
	atomic.AddInt32(&p.calls, 1)
	if p.err != nil {
		return nil, p.err
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = []float32{float32(len(t)), 1}
	}
	return out, nil
}

func TestUninitializedService(t *testing.T) {
	var s *Service
	_, err := s.GenerateEmbedding(context.Background(), "hello", "")
	assert.Error(t, err)
}

func TestServiceCachesVectors(t *testing.T) {
	p := &countingProvider{}
	s := NewService(Config{}, p, nil, zaptest.NewLogger(t))

	v, err := s.GenerateEmbedding(context.Background(), "stanford", "")
	require.NoError(t, err)
	assert.Equal(t, []float32{8, 1}, v)

	out, err := s.GenerateBatchEmbeddings(context.Background(), []string{"stanford", "mit"}, "")
	require.NoError(t, err)
	assert.Equal(t, []float32{3, 1}, out[1])
	// one call for each miss set
	assert.Equal(t, int32(2), atomic.LoadInt32(&p.calls))
}

func TestServicePropagatesProviderErrors(t *testing.T) {
	s := NewService(Config{}, &countingProvider{err: errors.New("quota exceeded")}, nil, zaptest.NewLogger(t))
	_, err := s.GenerateEmbedding(context.Background(), "x", "")
	assert.ErrorContains(t, err, "quota exceeded")
}

func TestRedisCacheSharesVectors(t *testing.T) {
	mr := miniredis.RunT(t)
	rw := circuitbreaker.NewRedisWrapper(redis.NewClient(&redis.Options{Addr: mr.Addr()}), zaptest.NewLogger(t))
	cache := NewRedisCache(rw)

	first := &countingProvider{}
	_, err := NewService(Config{}, first, cache, zaptest.NewLogger(t)).GenerateEmbedding(context.Background(), "yale", "m")
	require.NoError(t, err)

	second := &countingProvider{}
	v, err := NewService(Config{}, second, cache, zaptest.NewLogger(t)).GenerateEmbedding(context.Background(), "yale", "m")
	require.NoError(t, err)
	assert.Equal(t, []float32{4, 1}, v)
	assert.Equal(t, int32(0), atomic.LoadInt32(&second.calls))
	assert.True(t, mr.Exists(MakeKey("m", "yale")))
}

func TestLocalLRUEvictsAndExpires(t *testing.T) {
	l := NewLocalLRU(2)
	ctx := context.Background()
	l.Set(ctx, "a", []float32{1}, time.Minute)
	l.Set(ctx, "b", []float32{2}, time.Minute)
	l.Set(ctx, "c", []float32{3}, time.Minute)
	_, ok := l.Get(ctx, "a")
	assert.False(t, ok)

	l.Set(ctx, "d", []float32{4}, -time.Second)
	_, ok = l.Get(ctx, "d")
	assert.False(t, ok)
}

func TestHTTPProvider(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/embeddings/", r.URL.Path)
		var req embedRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, []string{"a", "b"}, req.Texts)
		_, _ = w.Write([]byte(`{"embeddings":[[0.5,0.25],[1,2]],"dimensions":2,"model_used":"m"}`))
	}))
	defer srv.Close()

	out, err := NewHTTPProvider(srv.URL+"/", time.Second).Embed(context.Background(), []string{"a", "b"}, "m")
	require.NoError(t, err)
	assert.Equal(t, [][]float32{{0.5, 0.25}, {1, 2}}, out)
}

func TestOpenAIProvider(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.True(t, strings.HasSuffix(r.URL.Path, "/embeddings"))
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"object":"list","model":"text-embedding-3-small",
			"data":[{"object":"embedding","index":0,"embedding":[0.1,0.2,0.3]}],
			"usage":{"prompt_tokens":2,"total_tokens":2}}`))
	}))
	defer srv.Close()

	p, err := NewOpenAIProvider("sk-test", srv.URL+"/v1/", time.Second)
	require.NoError(t, err)
	out, err := p.Embed(context.Background(), []string{"harvard"}, "text-embedding-3-small")
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.InDelta(t, 0.2, out[0][1], 1e-6)

	_, err = NewOpenAIProvider("", "", 0)
	assert.Error(t, err)
}

func TestNewProvider(t *testing.T) {
	_, err := NewProvider(Config{Provider: "http"})
	assert.Error(t, err)
	_, err = NewProvider(Config{Provider: "bogus", BaseURL: "http://x"})
	assert.Error(t, err)
	p, err := NewProvider(Config{BaseURL: "http://llm-service:8000"})
	require.NoError(t, err)
	assert.Equal(t, "http", p.Name())
}

func TestChunkText(t *testing.T) {
	c := NewChunker(ChunkingConfig{MaxTokens: 4, OverlapTokens: 1})
	chunks := c.ChunkText("one two three four five six seven")
	require.Len(t, chunks, 2)
	assert.Equal(t, "one two three four", chunks[0].Text)
	assert.Equal(t, "four five six seven", chunks[1].Text)
	assert.Equal(t, chunks[0].DocID, chunks[1].DocID)
	assert.Equal(t, 2, chunks[1].TotalCount)

	assert.Len(t, c.ChunkText("short"), 1)
	assert.Nil(t, c.ChunkText("   "))
}

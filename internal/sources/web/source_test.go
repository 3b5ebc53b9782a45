package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/Kocoro-lab/advisor/internal/llm"
	"github.com/Kocoro-lab/advisor/internal/llm/llmtest"
	"github.com/Kocoro-lab/advisor/internal/sources"
	"github.com/Kocoro-lab/advisor/internal/state"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type stubSearcher struct {
	results []Result
	err     error
	query   string
}

func (s *stubSearcher) Search(_ context.Context, q string) ([]Result, error) {
	s.query = q
	return s.results, s.err
}

func hits(n int) []Result {
	var out []Result
	for i := 0; i < n; i++ {
		out = append(out, Result{Title: fmt.Sprintf("t%d", i), Link: fmt.Sprintf("https://example.edu/%d", i), Snippet: "s"})
	}
	return out
}

func newSource(t *testing.T, s Searcher, r llmtest.Responder) (*Source, *llmtest.Scripted) {
	t.Helper()
	client := llmtest.New().On("web_summary", r)
	return New(s, llm.NewCaller(client, 50*time.Millisecond, zaptest.NewLogger(t)), zaptest.NewLogger(t)), client
}

func TestFetchSummarizesTopResults(t *testing.T) {
	s := &stubSearcher{results: hits(10)}
	src, client := newSource(t, s, llmtest.Reply("- Tuition is $60k\n- Strong CS program"))

	r := src.Fetch(context.Background(), "Best colleges for marine biology", state.Entities{})
	require.Equal(t, state.StatusOK, r.Status)
	ans := r.Payload.(Answer)
	assert.Contains(t, ans.Text, "Strong CS program")
	require.Len(t, ans.Sources, CitedResults)
	assert.Equal(t, "https://example.edu/0", ans.Sources[0].Link)

	prompt := client.LastPrompt("web_summary")
	assert.Contains(t, prompt, "8. t7")
	assert.NotContains(t, prompt, "9. t8")
	assert.Equal(t, "Best colleges for marine biology", s.query)
}

func TestCompareSearchQuery(t *testing.T) {
	s := &stubSearcher{results: hits(2)}
	src, _ := newSource(t, s, llmtest.Reply("MIT vs Stanford"))
	src.Fetch(context.Background(), "Compare MIT and Stanford", state.Entities{
		Colleges:     []string{"Massachusetts Institute of Technology", "Stanford University"},
		Aspects:      []string{"computer science", "tuition"},
		IsComparison: true,
	})
	assert.Equal(t, "Compare Massachusetts Institute of Technology, Stanford University on aspects: computer science, tuition", s.query)
}

func TestFetchEmptyAndErrors(t *testing.T) {
	src, client := newSource(t, &stubSearcher{}, llmtest.Reply("unused"))
	assert.Equal(t, state.StatusEmpty, src.Fetch(context.Background(), "q", state.Entities{}).Status)
	assert.Equal(t, 0, client.Calls("web_summary"))

	src, _ = newSource(t, &stubSearcher{results: hits(3)}, llmtest.Reply("  "))
	assert.Equal(t, state.StatusEmpty, src.Fetch(context.Background(), "q", state.Entities{}).Status)

	src, _ = newSource(t, &stubSearcher{results: hits(3)}, llmtest.Reply(noDataReply))
	assert.Equal(t, state.StatusEmpty, src.Fetch(context.Background(), "q", state.Entities{}).Status)

	src, _ = newSource(t, &stubSearcher{err: errors.New("search status 503")}, llmtest.Reply("x"))
	r := src.Fetch(context.Background(), "q", state.Entities{})
	assert.Equal(t, state.StatusError, r.Status)

	src, _ = newSource(t, &stubSearcher{results: hits(3)}, llmtest.Hang())
	assert.Equal(t, state.StatusError, src.Fetch(context.Background(), "q", state.Entities{}).Status)
}

func TestSearchClient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "secret", r.Header.Get("X-API-KEY"))
		var req searchRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "ucla tuition", req.Q)
		_ = json.NewEncoder(w).Encode(searchResponse{Organic: hits(5)})
	}))
	defer srv.Close()

	c := NewSearchClient(SearchConfig{URL: srv.URL, APIKey: "secret", MaxResults: 4}, zaptest.NewLogger(t))
	out, err := c.Search(context.Background(), "ucla tuition")
	require.NoError(t, err)
	assert.Len(t, out, 4)
}

func TestSearchClientStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "quota", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	_, err := NewSearchClient(SearchConfig{URL: srv.URL}, zaptest.NewLogger(t)).Search(context.Background(), "q")
	assert.ErrorContains(t, err, "429")
}

func TestSearchClientHonoursCancelledContext(t *testing.T) {
	c := NewSearchClient(SearchConfig{URL: "http://127.0.0.1:1", RPS: 1, Burst: 1}, zaptest.NewLogger(t))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.Search(ctx, "q")
	assert.Error(t, err)
}

func TestGuardLeavesRoomForLLMRetry(t *testing.T) {
	const attempt = 50 * time.Millisecond
	var mu sync.Mutex
	calls := 0
	client := llmtest.New().On("web_summary", func(ctx context.Context, _ llm.Request) (string, error) {
		mu.Lock()
		calls++
		first := calls == 1
		mu.Unlock()
		if first {
			<-ctx.Done()
			return "", ctx.Err()
		}
		return "- Rolling admission", nil
	})
	src := New(&stubSearcher{results: hits(2)}, llm.NewCaller(client, attempt, zaptest.NewLogger(t)), zaptest.NewLogger(t))

	// the source budget is the search timeout plus two LLM attempts
	g := sources.Guard(src, 10*time.Millisecond+2*attempt, zaptest.NewLogger(t))
	r := g.Fetch(context.Background(), "Which colleges have rolling admission?", state.Entities{})
	require.Equal(t, state.StatusOK, r.Status, r.ErrorDetail)
	assert.Contains(t, r.Payload.(Answer).Text, "Rolling admission")
	assert.Equal(t, 2, client.Calls("web_summary"))
}

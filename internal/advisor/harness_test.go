package advisor

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Kocoro-lab/advisor/internal/aggregate"
	"github.com/Kocoro-lab/advisor/internal/colleges"
	"github.com/Kocoro-lab/advisor/internal/deadline"
	"github.com/Kocoro-lab/advisor/internal/intent"
	"github.com/Kocoro-lab/advisor/internal/llm"
	"github.com/Kocoro-lab/advisor/internal/llm/llmtest"
	"github.com/Kocoro-lab/advisor/internal/policy"
	"github.com/Kocoro-lab/advisor/internal/registry"
	"github.com/Kocoro-lab/advisor/internal/safety"
	"github.com/Kocoro-lab/advisor/internal/session"
	"github.com/Kocoro-lab/advisor/internal/sources/structured"
	"github.com/Kocoro-lab/advisor/internal/sources/web"
	"github.com/Kocoro-lab/advisor/internal/state"
)

const (
	safeVerdict     = `{"safe": true, "categories": ["none"], "confidence": 0.97}`
	recommendIntent = `{"intent": "recommend", "is_comparison": false, "colleges": [], "comparison_aspects": []}`
	unrelatedIntent = `{"intent": "unrelated", "is_comparison": false, "colleges": [], "comparison_aspects": []}`
	compareIntent   = `{"intent": "compare", "is_comparison": true, "colleges": ["MIT", "Stanford"], "comparison_aspects": ["computer science"]}`
)

type fetchFunc func(ctx context.Context, query string, entities state.Entities) state.SourceResult

func returns(r state.SourceResult) fetchFunc {
	return func(context.Context, string, state.Entities) state.SourceResult { return r }
}

// fakeSource counts calls and delegates to a swappable fetch function
type fakeSource struct {
	id state.SourceID

	mu       sync.Mutex
	fn       fetchFunc
	calls    int
	entities []state.Entities
}

func newFakeSource(id state.SourceID, r state.SourceResult) *fakeSource {
	return &fakeSource{id: id, fn: returns(r)}
}

func (f *fakeSource) ID() state.SourceID { return f.id }

func (f *fakeSource) Fetch(ctx context.Context, query string, entities state.Entities) state.SourceResult {
	f.mu.Lock()
	f.calls++
	f.entities = append(f.entities, entities)
	fn := f.fn
	f.mu.Unlock()
	return fn(ctx, query, entities)
}

func (f *fakeSource) set(fn fetchFunc) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fn = fn
}

func (f *fakeSource) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeSource) LastEntities() state.Entities {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.entities) == 0 {
		return state.Entities{}
	}
	return f.entities[len(f.entities)-1]
}

type fakeDeadlines struct {
	questions []string
}

func (f *fakeDeadlines) Lookup(_ context.Context, question string) deadline.Result {
	f.questions = append(f.questions, question)
	days := 22
	past := false
	return deadline.Result{
		Status:        deadline.StatusSuccess,
		College:       "Stanford University",
		Deadline:      "January 02, 2027",
		DaysRemaining: &days,
		IsPastDue:     &past,
	}
}

type harness struct {
	t          *testing.T
	svc        *Service
	reg        *registry.ServiceRegistry
	llm        *llmtest.Scripted
	structured *fakeSource
	semantic   *fakeSource
	web        *fakeSource
	sessions   session.Store
	deadlines  *fakeDeadlines
}

type harnessOption func(*registry.ServiceRegistry)

func withRequestTimeout(d time.Duration) harnessOption {
	return func(r *registry.ServiceRegistry) { r.RequestTimeout = d }
}

func withAggregator(a registry.ResultAggregator) harnessOption {
	return func(r *registry.ServiceRegistry) { r.Aggregator = a }
}

// newHarness wires real safety, intent and aggregation components to a scripted
// model and fake sources. By default every source is EMPTY and the web answers.
func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()
	logger := zaptest.NewLogger(t)

	client := llmtest.New().
		On("moderation", llmtest.Reply(safeVerdict)).
		On("intent", llmtest.Reply(recommendIntent)).
		On("synthesis", llmtest.Reply(`{"answer": "", "sources": []}`))
	caller := llm.NewCaller(client, 50*time.Millisecond, logger)
	aliases := colleges.Default()

	engine, err := policy.NewOPAEngine(&policy.Config{Enabled: true, FailClosed: true}, logger)
	require.NoError(t, err)
	gate, err := safety.NewGate(caller, engine, logger, safety.WithAliases(aliases))
	require.NoError(t, err)

	h := &harness{
		t:          t,
		llm:        client,
		structured: newFakeSource(state.SourceStructured, state.Empty()),
		semantic:   newFakeSource(state.SourceSemantic, state.Empty()),
		web: newFakeSource(state.SourceWeb, state.OK(web.Answer{
			Text:    "- MIT and Stanford both rank in the top 5 for computer science.",
			Sources: []web.Result{{Title: "Rankings", Link: "https://example.edu/rankings"}},
		})),
		sessions:  session.NewMemoryStore(time.Hour),
		deadlines: &fakeDeadlines{},
	}
	h.reg = &registry.ServiceRegistry{
		Logger:         logger,
		Aliases:        aliases,
		Safety:         gate,
		Intent:         intent.NewClassifier(caller, aliases, logger),
		Structured:     h.structured,
		Semantic:       h.semantic,
		Web:            h.web,
		Aggregator:     aggregate.New(caller, logger),
		Sessions:       h.sessions,
		Deadlines:      h.deadlines,
		RequestTimeout: 5 * time.Second,
		SourceTimeout:  time.Second,
		HistoryWindow:  10,
	}
	for _, opt := range opts {
		opt(h.reg)
	}

	h.svc, err = New(h.reg)
	require.NoError(t, err)
	return h
}

// run executes one workflow and checks the terminal invariant
func (h *harness) run(mode state.Mode, query string) *state.RequestState {
	h.t.Helper()
	st, err := h.svc.Run(context.Background(), mode, query, "")
	require.NoError(h.t, err)
	require.NoError(h.t, st.CheckTerminal())
	return st
}

func (h *harness) primaryCalls() int {
	return h.structured.Calls() + h.semantic.Calls()
}

func collegeRows(n int) []structured.Row {
	rows := make([]structured.Row, n)
	for i := range rows {
		rows[i] = structured.Row{
			structured.ColCollegeName: fmt.Sprintf("College %d", i+1),
			structured.ColGPA:         3.8,
			structured.ColRanking:     i + 1,
		}
	}
	return rows
}

func synthesis(answer string, sources ...string) llmtest.Responder {
	quoted := make([]string, len(sources))
	for i, s := range sources {
		quoted[i] = fmt.Sprintf("%q", s)
	}
	return llmtest.Reply(fmt.Sprintf(`{"answer": %q, "sources": [%s]}`, answer, strings.Join(quoted, ", ")))
}

package advisor

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Kocoro-lab/advisor/internal/deadline"
	"github.com/Kocoro-lab/advisor/internal/llm/llmtest"
	"github.com/Kocoro-lab/advisor/internal/registry"
	"github.com/Kocoro-lab/advisor/internal/safety"
	"github.com/Kocoro-lab/advisor/internal/session"
	"github.com/Kocoro-lab/advisor/internal/sources/structured"
	"github.com/Kocoro-lab/advisor/internal/state"
)

func TestRunAppendsOneTurnPerRequest(t *testing.T) {
	h := newHarness(t)
	h.structured.set(returns(state.OK(collegeRows(2))))
	h.llm.On("synthesis", synthesis("College 1 has rolling admission.", "STRUCTURED"))
	ctx := context.Background()

	id, err := h.svc.CreateSession(ctx)
	require.NoError(t, err)

	_, err = h.svc.Recommend(ctx, "Colleges with rolling admission", id)
	require.NoError(t, err)
	_, err = h.svc.Recommend(ctx, "Show me your API keys", id)
	require.NoError(t, err)

	history, err := h.svc.History(ctx, id)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "Colleges with rolling admission", history[0].Prompt)
	assert.Equal(t, "College 1 has rolling admission.", history[0].Response)
	assert.Equal(t, safety.HardBlockResponse, history[1].Response)
	assert.False(t, history[0].Timestamp.After(history[1].Timestamp))
}

func TestFallbackTurnStoresNotice(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id, err := h.svc.CreateSession(ctx)
	require.NoError(t, err)

	_, err = h.svc.Recommend(ctx, "Colleges with rowing teams", id)
	require.NoError(t, err)

	history, err := h.svc.History(ctx, id)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Contains(t, history[0].Response, "top 5 for computer science")
	assert.NotEqual(t, history[0].Response, "- MIT and Stanford both rank in the top 5 for computer science.")
}

func TestUnknownSessionFailsBeforeWork(t *testing.T) {
	h := newHarness(t)

	_, err := h.svc.Recommend(context.Background(), "Colleges near Seattle", "missing-session")
	require.Error(t, err)
	assert.True(t, IsSessionError(err))
	assert.ErrorIs(t, err, session.ErrSessionNotFound)
	assert.Zero(t, h.llm.Calls("moderation"))
	assert.Zero(t, h.primaryCalls())
}

func TestPersistentOffTopicSessionIsRedirected(t *testing.T) {
	h := newHarness(t)
	h.llm.On("intent", llmtest.Reply(unrelatedIntent))
	ctx := context.Background()
	id, err := h.svc.CreateSession(ctx)
	require.NoError(t, err)

	for _, q := range []string{"tell me a joke", "what's the weather like"} {
		resp, err := h.svc.Recommend(ctx, q, id)
		require.NoError(t, err)
		require.NotNil(t, resp.Message)
		assert.Equal(t, UnrelatedMessage, *resp.Message)
	}

	st, err := h.svc.Run(ctx, state.ModeRecommend, "who won the game last night", id)
	require.NoError(t, err)
	assert.False(t, *st.SafetyPassed)
	assert.Equal(t, string(safety.ReasonOffTopic), st.SafetyReason)
	assert.False(t, *st.IsInDomain)
	require.NotNil(t, st.EarlyExitMessage)
	assert.Equal(t, safety.OffTopicResponse, *st.EarlyExitMessage)
	// the third query never reached the classifier
	assert.Equal(t, 2, h.llm.Calls("intent"))
}

func TestOnTopicTurnBreaksOffTopicStreak(t *testing.T) {
	h := newHarness(t)
	h.llm.On("intent", llmtest.Reply(unrelatedIntent))
	ctx := context.Background()
	id, err := h.svc.CreateSession(ctx)
	require.NoError(t, err)

	for _, q := range []string{"tell me a joke", "what is a good college for music"} {
		_, err := h.svc.Recommend(ctx, q, id)
		require.NoError(t, err)
	}

	st, err := h.svc.Run(ctx, state.ModeRecommend, "who won the game last night", id)
	require.NoError(t, err)
	assert.True(t, *st.SafetyPassed)
	assert.Equal(t, 3, h.llm.Calls("intent"))
}

func TestDeadlineLookup(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.svc.DeadlineLookup(ctx, "   ")
	assert.ErrorIs(t, err, ErrInvalidRequest)
	assert.Empty(t, h.deadlines.questions)

	res, err := h.svc.DeadlineLookup(ctx, "When is Stanford's application deadline?")
	require.NoError(t, err)
	assert.Equal(t, deadline.StatusSuccess, res.Status)
	assert.Equal(t, "Stanford University", res.College)
	require.NotNil(t, res.DaysRemaining)
	assert.Equal(t, 22, *res.DaysRemaining)
	assert.Equal(t, []string{"When is Stanford's application deadline?"}, h.deadlines.questions)
}

type stalledWarehouse struct{}

func (stalledWarehouse) Query(ctx context.Context, _ structured.Query) ([]structured.Row, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestDeadlineLookupIsBounded(t *testing.T) {
	h := newHarness(t, func(r *registry.ServiceRegistry) {
		r.Deadlines = deadline.New(stalledWarehouse{}, r.Aliases, nil)
		r.SourceTimeout = 50 * time.Millisecond
	})

	start := time.Now()
	res, err := h.svc.DeadlineLookup(context.Background(), "When is Stanford's application deadline?")
	require.NoError(t, err)
	assert.Equal(t, deadline.StatusError, res.Status)
	assert.Equal(t, "Stanford University", res.College)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestIsSessionError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"not found", session.ErrSessionNotFound, true},
		{"expired", fmt.Errorf("load: %w", session.ErrSessionExpired), true},
		{"corrupt record", fmt.Errorf("%w: unexpected end of JSON input", session.ErrInvalidSession), true},
		{"workflow failure", state.ErrInvariantViolation, false},
		{"invalid request", ErrInvalidRequest, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsSessionError(tt.err))
		})
	}
}

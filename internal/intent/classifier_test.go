package intent

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Kocoro-lab/advisor/internal/colleges"
	"github.com/Kocoro-lab/advisor/internal/llm"
	"github.com/Kocoro-lab/advisor/internal/llm/llmtest"
	"github.com/Kocoro-lab/advisor/internal/state"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newClassifier(t *testing.T, r llmtest.Responder) (*Classifier, *llmtest.Scripted) {
	t.Helper()
	client := llmtest.New().On("intent", r)
	caller := llm.NewCaller(client, 50*time.Millisecond, zaptest.NewLogger(t))
	return NewClassifier(caller, colleges.Default(), zaptest.NewLogger(t)), client
}

func TestClassifyComparison(t *testing.T) {
	c, client := newClassifier(t, llmtest.Reply("```json\n"+
		`{"intent": "compare", "is_comparison": true, "colleges": ["MIT", "Stanford"], "comparison_aspects": ["computer science"]}`+
		"\n```"))

	out := c.Classify(context.Background(), "Compare MIT and Stanford for computer science")
	assert.Equal(t, state.IntentCompare, out.Intent)
	assert.True(t, out.Entities.IsComparison)
	assert.Equal(t, []string{"Massachusetts Institute of Technology", "Stanford University"}, out.Entities.Colleges)
	assert.Equal(t, []string{"computer science"}, out.Entities.Aspects)
	assert.Equal(t, 1, client.Calls("intent"))
}

func TestClassifyMalformedJSONFallsBackToRecommend(t *testing.T) {
	c, client := newClassifier(t, llmtest.Reply("is_comparison: yes, MIT vs Stanford"))

	out := c.Classify(context.Background(), "Compare MIT and Stanford")
	assert.Equal(t, state.IntentRecommend, out.Intent)
	assert.False(t, out.Entities.IsComparison)
	assert.Empty(t, out.Entities.Colleges)
	// parse failures are never retried
	assert.Equal(t, 1, client.Calls("intent"))
}

func TestClassifyCallFailureIsError(t *testing.T) {
	c, _ := newClassifier(t, llmtest.Fail(errors.New("connection reset")))
	assert.Equal(t, state.IntentError, c.Classify(context.Background(), "best colleges").Intent)

	c, client := newClassifier(t, llmtest.Hang())
	assert.Equal(t, state.IntentError, c.Classify(context.Background(), "best colleges").Intent)
	assert.Equal(t, 2, client.Calls("intent"))
}

func TestClassifyUnrelated(t *testing.T) {
	c, _ := newClassifier(t, llmtest.Reply(`{"intent": "unrelated", "is_comparison": false, "colleges": [], "comparison_aspects": []}`))
	out := c.Classify(context.Background(), "What's the weather today?")
	assert.Equal(t, state.IntentUnrelated, out.Intent)
	assert.Empty(t, out.Entities.Colleges)
}

func TestNormalizeEntityCount(t *testing.T) {
	aliases := colleges.Default()

	tests := []struct {
		name     string
		raw      rawClassification
		query    string
		intent   state.Intent
		colleges []string
	}{
		{
			name:     "more than two truncates to first two",
			raw:      rawClassification{Intent: "compare", IsComparison: true, Colleges: []string{"Yale", "Harvard", "Princeton"}},
			query:    "Compare Yale, Harvard and Princeton",
			intent:   state.IntentCompare,
			colleges: []string{"Yale University", "Harvard University"},
		},
		{
			name:   "one college is not a comparison",
			raw:    rawClassification{Intent: "compare", IsComparison: true, Colleges: []string{"MIT"}},
			query:  "Compare MIT",
			intent: state.IntentRecommend,
		},
		{
			name:   "aliases of one college collapse",
			raw:    rawClassification{Intent: "compare", IsComparison: true, Colleges: []string{"MIT", "Massachusetts Institute of Technology"}},
			query:  "Compare MIT with the Massachusetts Institute of Technology",
			intent: state.IntentRecommend,
		},
		{
			name:     "missing name recovered from query",
			raw:      rawClassification{Intent: "compare", IsComparison: true, Colleges: []string{"UCLA"}},
			query:    "How does UCLA stack up against UC Berkeley?",
			intent:   state.IntentCompare,
			colleges: []string{"University of California, Los Angeles", "University of California, Berkeley"},
		},
		{
			name:     "unknown names kept verbatim",
			raw:      rawClassification{Intent: "compare", IsComparison: true, Colleges: []string{" Reed College ", "Pomona College"}},
			query:    "Reed vs Pomona",
			intent:   state.IntentCompare,
			colleges: []string{"Reed College", "Pomona College"},
		},
		{
			name:   "recommend ignores colleges",
			raw:    rawClassification{Intent: "recommend", Colleges: []string{"MIT"}},
			query:  "What GPA do I need for MIT?",
			intent: state.IntentRecommend,
		},
		{
			name:   "unknown intent label",
			raw:    rawClassification{Intent: "chitchat"},
			query:  "hello",
			intent: state.IntentRecommend,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := normalize(tt.raw, tt.query, aliases)
			assert.Equal(t, tt.intent, out.Intent)
			n := len(out.Entities.Colleges)
			require.True(t, n == 0 || n == 2, "got %d colleges", n)
			assert.Equal(t, n == 2, out.Entities.IsComparison)
			if tt.colleges != nil {
				assert.Equal(t, tt.colleges, out.Entities.Colleges)
			}
		})
	}
}

func TestNormalizeAspects(t *testing.T) {
	aliases := colleges.Default()
	raw := rawClassification{Intent: "compare", IsComparison: true, Colleges: []string{"MIT", "Stanford"}}

	raw.ComparisonAspects = []string{"tuition", " ", "Tuition", "rankings", "campus life", "research"}
	out := normalize(raw, "", aliases)
	assert.Equal(t, []string{"tuition", "rankings", "campus life"}, out.Entities.Aspects)

	raw.ComparisonAspects = nil
	out = normalize(raw, "", aliases)
	assert.Equal(t, []string{DefaultAspect}, out.Entities.Aspects)
}

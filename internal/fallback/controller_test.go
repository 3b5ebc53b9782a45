package fallback

import (
	"errors"
	"testing"

	"github.com/Kocoro-lab/advisor/internal/sources/web"
	"github.com/Kocoro-lab/advisor/internal/state"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func primaries(s, m state.SourceResult) state.SourceResults {
	return state.SourceResults{}.Set(state.SourceStructured, s).Set(state.SourceSemantic, m)
}

func TestDecide(t *testing.T) {
	rows := state.OK([]string{"row"})
	used := &state.Aggregation{CombinedText: "answer", SourcesUsed: []state.SourceID{state.SourceStructured}}

	tests := []struct {
		name    string
		agg     *state.Aggregation
		results state.SourceResults
		want    Decision
	}{
		{"both empty", nil, primaries(state.Empty(), state.Empty()),
			Decision{State: state.FallbackTriggered, Reason: ReasonPrimaryEmpty}},
		{"errors count as empty", &state.Aggregation{}, primaries(state.Failed(errors.New("x")), state.Empty()),
			Decision{State: state.FallbackTriggered, Reason: ReasonPrimaryEmpty}},
		{"absent results count as empty", nil, state.SourceResults{},
			Decision{State: state.FallbackTriggered, Reason: ReasonPrimaryEmpty}},
		{"data rejected by validator", &state.Aggregation{}, primaries(rows, state.Empty()),
			Decision{State: state.FallbackTriggered, Reason: ReasonValidationRejected}},
		{"validated answer", used, primaries(rows, state.Empty()),
			Decision{State: state.FallbackContributory}},
		{"answer credited to a source without data", used, primaries(state.Empty(), rows),
			Decision{State: state.FallbackTriggered, Reason: ReasonValidationRejected}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Decide(tt.agg, tt.results))
		})
	}
}

func TestControllerIsOneShot(t *testing.T) {
	c := NewController()
	assert.Equal(t, state.FallbackNotEvaluated, c.State())

	d, err := c.Evaluate(nil, primaries(state.Empty(), state.Empty()))
	require.NoError(t, err)
	assert.True(t, d.Triggered())

	again, err := c.Evaluate(&state.Aggregation{CombinedText: "x", SourcesUsed: []state.SourceID{state.SourceSemantic}},
		primaries(state.Empty(), state.OK("p")))
	assert.True(t, errors.Is(err, ErrAlreadyEvaluated))
	assert.Equal(t, state.FallbackTriggered, again.State)
	assert.Equal(t, state.FallbackTriggered, c.State())
}

func TestCompileContributory(t *testing.T) {
	agg := &state.Aggregation{CombinedText: "Stanford fits.", SourcesUsed: []state.SourceID{state.SourceStructured, state.SourceSemantic}}
	out, err := Compile(Decision{State: state.FallbackContributory}, agg, nil, &state.Entities{})
	require.NoError(t, err)
	assert.Equal(t, "Stanford fits.", out.Text)
	assert.Equal(t, []state.SourceID{state.SourceSemantic, state.SourceStructured}, out.Provenance)
	assert.False(t, out.FallbackUsed)
	assert.Empty(t, out.FallbackMessage)
	assert.NotNil(t, out.StructuredEntities)
}

func TestCompileWebFallback(t *testing.T) {
	trig := Decision{State: state.FallbackTriggered, Reason: ReasonPrimaryEmpty}
	webResult := state.OK(web.Answer{Text: "- MIT leads in CS"})

	out, err := Compile(trig, nil, &webResult, nil)
	require.NoError(t, err)
	assert.Equal(t, "- MIT leads in CS", out.Text)
	assert.Equal(t, []state.SourceID{state.SourceWeb}, out.Provenance)
	assert.True(t, out.FallbackUsed)
	assert.Equal(t, NoticeMessage, out.FallbackMessage)
}

func TestCompileNoData(t *testing.T) {
	trig := Decision{State: state.FallbackTriggered, Reason: ReasonPrimaryEmpty}
	for _, r := range []*state.SourceResult{nil, {Status: state.StatusEmpty}, {Status: state.StatusError, ErrorDetail: "x"}} {
		out, err := Compile(trig, nil, r, nil)
		require.NoError(t, err)
		assert.Equal(t, NoDataMessage, out.Text)
		assert.Empty(t, out.Provenance)
		assert.False(t, out.FallbackUsed)
	}
}

func TestCompileRejectsUndecided(t *testing.T) {
	_, err := Compile(Decision{State: state.FallbackNotEvaluated}, nil, nil, nil)
	assert.True(t, errors.Is(err, state.ErrInvariantViolation))

	_, err = Compile(Decision{State: state.FallbackContributory}, &state.Aggregation{}, nil, nil)
	assert.True(t, errors.Is(err, state.ErrInvariantViolation))
}

package advisor

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/advisor/internal/fallback"
	"github.com/Kocoro-lab/advisor/internal/safety"
	"github.com/Kocoro-lab/advisor/internal/sources"
	"github.com/Kocoro-lab/advisor/internal/state"
	"github.com/Kocoro-lab/advisor/internal/workflow"
)

// Node names
const (
	NodeSafetyGate        = "safety_gate"
	NodeClassifyIntent    = "classify_intent"
	NodeRetrieveRecommend = "retrieve_recommend"
	NodeRetrieveCompare   = "retrieve_compare"
	NodeAggregate         = "aggregate"
	NodeFallbackCheck     = "fallback_check"
	NodeWebFallback       = "web_fallback"
	NodeCompile           = "compile"
)

// Early exit messages
const (
	UnrelatedMessage     = safety.OffTopicResponse
	ClassifierErrMessage = "Sorry, I couldn't process your question right now. Please try again in a moment."
	NotComparisonMessage = "Please ask questions related to comparing colleges. Example: 'Compare MIT and Stanford for computer science programs'"
)

func (s *Service) buildGraph(opts ...workflow.Option) (*workflow.Engine, error) {
	g := workflow.NewGraph("advisor", s.logger)

	g.AddNode(workflow.Node{
		Name:   NodeSafetyGate,
		Reads:  []state.Field{state.FieldQuery, state.FieldHistory},
		Writes: []state.Field{state.FieldSafetyPassed, state.FieldSafetyReason, state.FieldIsInDomain, state.FieldEarlyExit},
		Run:    s.safetyGate,
	})
	g.AddNode(workflow.Node{
		Name:   NodeClassifyIntent,
		Reads:  []state.Field{state.FieldQuery, state.FieldMode, state.FieldSafetyPassed},
		Writes: []state.Field{state.FieldIntent, state.FieldEntities, state.FieldIsInDomain, state.FieldEarlyExit},
		Run:    s.classifyIntent,
	})
	g.AddNode(workflow.Node{
		Name:   NodeRetrieveRecommend,
		Reads:  []state.Field{state.FieldQuery, state.FieldEntities},
		Writes: []state.Field{state.FieldSourceResults},
		Run:    s.retrieve,
	})
	g.AddNode(workflow.Node{
		Name:   NodeRetrieveCompare,
		Reads:  []state.Field{state.FieldQuery, state.FieldEntities},
		Writes: []state.Field{state.FieldSourceResults},
		Run:    s.retrieve,
	})
	g.AddNode(workflow.Node{
		Name:   NodeAggregate,
		Reads:  []state.Field{state.FieldQuery, state.FieldEntities, state.FieldSourceResults},
		Writes: []state.Field{state.FieldAggregation},
		Run:    s.aggregate,
	})
	g.AddNode(workflow.Node{
		Name:   NodeFallbackCheck,
		Reads:  []state.Field{state.FieldAggregation, state.FieldSourceResults},
		Writes: []state.Field{state.FieldFallback},
		Run:    s.fallbackCheck,
	})
	g.AddNode(workflow.Node{
		Name:   NodeWebFallback,
		Reads:  []state.Field{state.FieldQuery, state.FieldEntities, state.FieldFallback},
		Writes: []state.Field{state.FieldSourceResults},
		Run:    s.webFallback,
	})
	g.AddNode(workflow.Node{
		Name:   NodeCompile,
		Reads:  []state.Field{state.FieldFallback, state.FieldAggregation, state.FieldSourceResults, state.FieldEntities},
		Writes: []state.Field{state.FieldFinalOutput},
		Run:    s.compile,
	})

	g.SetEntry(NodeSafetyGate)
	g.AddConditionalEdge(NodeSafetyGate, routeAfterSafety, NodeClassifyIntent, workflow.END)
	g.AddConditionalEdge(NodeClassifyIntent, routeAfterIntent, NodeRetrieveRecommend, NodeRetrieveCompare, workflow.END)
	g.AddEdge(NodeRetrieveRecommend, NodeAggregate)
	g.AddEdge(NodeRetrieveCompare, NodeAggregate)
	g.AddEdge(NodeAggregate, NodeFallbackCheck)
	g.AddConditionalEdge(NodeFallbackCheck, routeAfterFallback, NodeWebFallback, NodeCompile)
	g.AddEdge(NodeWebFallback, NodeCompile)
	g.AddEdge(NodeCompile, workflow.END)

	return g.Compile(opts...)
}

func routeAfterSafety(s *state.RequestState) string {
	if s.SafetyPassed == nil || !*s.SafetyPassed || s.EarlyExitMessage != nil {
		return workflow.END
	}
	return NodeClassifyIntent
}

func routeAfterIntent(s *state.RequestState) string {
	switch {
	case s.EarlyExitMessage != nil:
		return workflow.END
	case s.Intent == state.IntentCompare:
		return NodeRetrieveCompare
	case s.Intent == state.IntentRecommend:
		return NodeRetrieveRecommend
	default:
		return workflow.END
	}
}

func routeAfterFallback(s *state.RequestState) string {
	if s.FallbackTriggered {
		return NodeWebFallback
	}
	return NodeCompile
}

func (s *Service) safetyGate(ctx context.Context, st *state.RequestState) (state.Update, error) {
	v := s.reg.Safety.Check(ctx, st.Query, st.History)
	reason := string(v.Reason)
	u := state.Update{
		SafetyPassed: state.Bool(v.Safe),
		SafetyReason: &reason,
		IsInDomain:   state.Bool(v.Reason != safety.ReasonOffTopic),
	}
	if !v.Safe {
		msg := v.Response
		if msg == "" {
			msg = safety.StandardResponse
		}
		u.EarlyExitMessage = &msg
	}
	return u, nil
}

func (s *Service) classifyIntent(ctx context.Context, st *state.RequestState) (state.Update, error) {
	c := s.reg.Intent.Classify(ctx, st.Query)
	entities := c.Entities
	u := state.Update{Intent: &c.Intent, Entities: &entities}

	switch {
	case c.Intent == state.IntentUnrelated:
		u.IsInDomain = state.Bool(false)
		u.EarlyExitMessage = state.String(UnrelatedMessage)
	case c.Intent == state.IntentError:
		u.EarlyExitMessage = state.String(ClassifierErrMessage)
	case st.Mode == state.ModeCompare && c.Intent != state.IntentCompare:
		u.EarlyExitMessage = state.String(NotComparisonMessage)
	}
	return u, nil
}

// retrieve fetches both primary sources concurrently
func (s *Service) retrieve(ctx context.Context, st *state.RequestState) (state.Update, error) {
	var entities state.Entities
	if st.Entities != nil {
		entities = *st.Entities
	}
	results := sources.FetchAll(ctx, st.Query, entities, s.structured, s.semantic)
	return state.Update{SourceResults: results}, nil
}

func (s *Service) aggregate(ctx context.Context, st *state.RequestState) (state.Update, error) {
	var entities state.Entities
	if st.Entities != nil {
		entities = *st.Entities
	}
	agg := s.reg.Aggregator.Aggregate(ctx, st.Query, entities, st.SourceResults)
	return state.Update{Aggregation: &agg}, nil
}

func (s *Service) fallbackCheck(_ context.Context, st *state.RequestState) (state.Update, error) {
	d, err := fallback.NewController().Evaluate(st.Aggregation, st.SourceResults)
	if err != nil {
		return state.Update{}, fmt.Errorf("%w: %v", state.ErrInvariantViolation, err)
	}
	if d.Triggered() {
		s.logger.Info("Primary sources non-contributory, using web fallback",
			zap.String("request_id", st.RequestID),
			zap.String("reason", d.Reason))
	}
	return state.Update{Fallback: &state.FallbackOutcome{State: d.State, Reason: d.Reason}}, nil
}

func (s *Service) webFallback(ctx context.Context, st *state.RequestState) (state.Update, error) {
	if !st.FallbackTriggered {
		return state.Update{}, fmt.Errorf("%w: web fallback without a trigger", state.ErrInvariantViolation)
	}
	var entities state.Entities
	if st.Entities != nil {
		entities = *st.Entities
	}
	r := s.web.Fetch(ctx, st.Query, entities)
	var results state.SourceResults
	return state.Update{SourceResults: results.Set(state.SourceWeb, r)}, nil
}

func (s *Service) compile(_ context.Context, st *state.RequestState) (state.Update, error) {
	d := fallback.Decision{State: st.Fallback, Reason: st.FallbackReason}
	var webResult *state.SourceResult
	if r, ok := st.SourceResults.Get(state.SourceWeb); ok {
		webResult = &r
	}
	out, err := fallback.Compile(d, st.Aggregation, webResult, st.Entities)
	if err != nil {
		return state.Update{}, err
	}
	return state.Update{FinalOutput: out}, nil
}

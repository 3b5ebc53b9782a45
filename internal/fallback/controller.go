// Package fallback decides whether the web source is needed and compiles the final response.
package fallback

import (
	"errors"
	"fmt"
	"sync"

	"github.com/Kocoro-lab/advisor/internal/metrics"
	"github.com/Kocoro-lab/advisor/internal/sources/web"
	"github.com/Kocoro-lab/advisor/internal/state"
)

const (
	ReasonPrimaryEmpty       = "primary_sources_empty"
	ReasonValidationRejected = "validation_rejected"
)

const (
	// NoticeMessage accompanies every answer that came from the web
	NoticeMessage = "We're using web search results as a fallback since we couldn't find relevant information in our databases."
	// NoDataMessage is returned when the web had nothing either
	NoDataMessage = "No matching data found. Consider rephrasing your question or using broader terms."
)

// ErrAlreadyEvaluated is returned when a controller is evaluated twice
var ErrAlreadyEvaluated = errors.New("fallback already evaluated")

// Decision is the controller's single transition
type Decision struct {
	State  state.FallbackState
	Reason string
}

// Triggered reports whether the web source must run
func (d Decision) Triggered() bool {
	return d.State == state.FallbackTriggered
}

// Controller is a one-shot state machine scoped to one request
type Controller struct {
	mu       sync.Mutex
	decision Decision
}

// NewController starts in NOT_EVALUATED
func NewController() *Controller {
	return &Controller{decision: Decision{State: state.FallbackNotEvaluated}}
}

// State returns the current state
func (c *Controller) State() state.FallbackState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.decision.State
}

// Evaluate performs the transition. Both end states are terminal.
func (c *Controller) Evaluate(agg *state.Aggregation, results state.SourceResults) (Decision, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.decision.State != state.FallbackNotEvaluated {
		return c.decision, fmt.Errorf("%w: state is %s", ErrAlreadyEvaluated, c.decision.State)
	}
	c.decision = Decide(agg, results)
	metrics.FallbackDecisions.WithLabelValues(string(c.decision.State), c.decision.Reason).Inc()
	return c.decision, nil
}

// Decide is the transition rule. It triggers only when the validated answer is empty
// and neither primary source contributed to it.
func Decide(agg *state.Aggregation, results state.SourceResults) Decision {
	if !agg.Empty() {
		for _, id := range state.PrimarySources {
			r, ok := results.Get(id)
			if ok && r.HasData() && agg.Uses(id) {
				return Decision{State: state.FallbackContributory}
			}
		}
	}

	reason := ReasonPrimaryEmpty
	for _, id := range state.PrimarySources {
		if r, ok := results.Get(id); ok && r.HasData() {
			// data existed but the validator did not use it
			reason = ReasonValidationRejected
			break
		}
	}
	return Decision{State: state.FallbackTriggered, Reason: reason}
}

// Compile builds the response for a decided request. web is consulted only when triggered.
func Compile(d Decision, agg *state.Aggregation, webResult *state.SourceResult, entities *state.Entities) (*state.CompiledResponse, error) {
	var out state.CompiledResponse
	switch d.State {
	case state.FallbackContributory:
		if agg.Empty() {
			return nil, fmt.Errorf("%w: contributory without an answer", state.ErrInvariantViolation)
		}
		out.Text = agg.CombinedText
		out.Provenance = state.NewProvenance(agg.SourcesUsed...)
	case state.FallbackTriggered:
		if webResult != nil && webResult.HasData() {
			text, err := webText(webResult.Payload)
			if err != nil {
				return nil, err
			}
			out.Text = text
			out.Provenance = state.NewProvenance(state.SourceWeb)
			out.FallbackUsed = true
			out.FallbackMessage = NoticeMessage
		} else {
			out.Text = NoDataMessage
			out.Provenance = []state.SourceID{}
		}
	default:
		return nil, fmt.Errorf("%w: compile before fallback evaluation", state.ErrInvariantViolation)
	}

	if entities != nil {
		e := *entities
		out.StructuredEntities = &e
	}
	return &out, nil
}

func webText(payload interface{}) (string, error) {
	switch p := payload.(type) {
	case web.Answer:
		return p.Text, nil
	case *web.Answer:
		return p.Text, nil
	case string:
		return p, nil
	default:
		return "", fmt.Errorf("%w: unexpected web payload %T", state.ErrInvariantViolation, payload)
	}
}

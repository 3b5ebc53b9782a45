package state

import (
	"fmt"
	"sort"
	"time"
)

// SourceID identifies a knowledge source
type SourceID string

const (
	SourceStructured SourceID = "STRUCTURED"
	SourceSemantic   SourceID = "SEMANTIC"
	SourceWeb        SourceID = "WEB"
)

// PrimarySources are the curated sources consulted before any fallback
var PrimarySources = []SourceID{SourceStructured, SourceSemantic}

// SourceStatus is the outcome class of a single fetch
type SourceStatus string

const (
	StatusOK    SourceStatus = "OK"
	StatusEmpty SourceStatus = "EMPTY"
	StatusError SourceStatus = "ERROR"
)

// Intent is the query sub-type assigned by the classifier
type Intent string

const (
	IntentUnset     Intent = ""
	IntentRecommend Intent = "RECOMMEND"
	IntentCompare   Intent = "COMPARE"
	IntentUnrelated Intent = "UNRELATED"
	IntentError     Intent = "ERROR"
)

// Mode is chosen by the endpoint that received the request
type Mode string

const (
	ModeRecommend Mode = "recommend"
	ModeCompare   Mode = "compare"
)

// FallbackState tracks the fallback controller's single transition
type FallbackState string

const (
	FallbackNotEvaluated FallbackState = "NOT_EVALUATED"
	FallbackContributory FallbackState = "CONTRIBUTORY"
	FallbackTriggered    FallbackState = "FALLBACK_TRIGGERED"
)

// SourceResult is what every adapter returns, whatever happened inside it
type SourceResult struct {
	Status      SourceStatus `json:"status"`
	Payload     interface{}  `json:"payload,omitempty"`
	ErrorDetail string       `json:"error_detail,omitempty"`
}

// OK builds a contributing result
func OK(payload interface{}) SourceResult {
	return SourceResult{Status: StatusOK, Payload: payload}
}

// Empty builds a well-formed result without data
func Empty() SourceResult {
	return SourceResult{Status: StatusEmpty}
}

// Failed builds an error result from err
func Failed(err error) SourceResult {
	detail := "unknown error"
	if err != nil {
		detail = err.Error()
	}
	return SourceResult{Status: StatusError, ErrorDetail: detail}
}

// HasData reports whether the result carries usable data
func (r SourceResult) HasData() bool {
	return r.Status == StatusOK
}

// SourceEntry is one keyed element of SourceResults
type SourceEntry struct {
	Source SourceID     `json:"source"`
	Result SourceResult `json:"result"`
}

// SourceResults is an insertion-ordered map of source results.
// Insertion order equals execution order.
type SourceResults []SourceEntry

// Get returns the result recorded for id
func (rs SourceResults) Get(id SourceID) (SourceResult, bool) {
	for _, e := range rs {
		if e.Source == id {
			return e.Result, true
		}
	}
	return SourceResult{}, false
}

// Set replaces an existing entry in place or appends a new one
func (rs SourceResults) Set(id SourceID, r SourceResult) SourceResults {
	for i := range rs {
		if rs[i].Source == id {
			rs[i].Result = r
			return rs
		}
	}
	return append(rs, SourceEntry{Source: id, Result: r})
}

// IDs returns source ids in execution order
func (rs SourceResults) IDs() []SourceID {
	ids := make([]SourceID, 0, len(rs))
	for _, e := range rs {
		ids = append(ids, e.Source)
	}
	return ids
}

// Entities is the structured extraction attached to a query
type Entities struct {
	Colleges     []string `json:"colleges"`
	Aspects      []string `json:"aspects"`
	IsComparison bool     `json:"is_comparison"`
}

// Aggregation is the validated merge of the primary sources
type Aggregation struct {
	CombinedText string     `json:"combined_text"`
	SourcesUsed  []SourceID `json:"sources_used"`
}

// Empty reports whether the aggregation is non-contributory
func (a *Aggregation) Empty() bool {
	return a == nil || a.CombinedText == ""
}

// Uses reports whether id contributed to the validated answer
func (a *Aggregation) Uses(id SourceID) bool {
	if a == nil {
		return false
	}
	for _, s := range a.SourcesUsed {
		if s == id {
			return true
		}
	}
	return false
}

// CompiledResponse is created once by the compile step and never mutated
type CompiledResponse struct {
	Text               string     `json:"text"`
	Provenance         []SourceID `json:"provenance"`
	FallbackUsed       bool       `json:"fallback_used"`
	FallbackMessage    string     `json:"fallback_message,omitempty"`
	StructuredEntities *Entities  `json:"structured_entities,omitempty"`
}

// NewProvenance deduplicates and sorts ids into a stable set
func NewProvenance(ids ...SourceID) []SourceID {
	seen := make(map[SourceID]bool, len(ids))
	out := make([]SourceID, 0, len(ids))
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Turn is one entry of a session's append-only history
type Turn struct {
	Timestamp time.Time `json:"timestamp"`
	Prompt    string    `json:"prompt"`
	Response  string    `json:"response"`
}

// RequestState is the record threaded through one workflow execution
type RequestState struct {
	RequestID string `json:"request_id"`
	SessionID string `json:"session_id,omitempty"`
	Mode      Mode   `json:"mode"`
	Query     string `json:"query"`
	History   []Turn `json:"-"`

	IsInDomain   *bool  `json:"is_in_domain,omitempty"`
	SafetyPassed *bool  `json:"safety_passed,omitempty"`
	SafetyReason string `json:"safety_reason,omitempty"`

	Intent   Intent    `json:"intent"`
	Entities *Entities `json:"entities,omitempty"`

	SourceResults SourceResults `json:"source_results"`
	Aggregation   *Aggregation  `json:"aggregation,omitempty"`

	Fallback          FallbackState `json:"fallback_state"`
	FallbackTriggered bool          `json:"fallback_triggered"`
	FallbackReason    string        `json:"fallback_reason,omitempty"`

	FinalOutput      *CompiledResponse `json:"final_output,omitempty"`
	EarlyExitMessage *string           `json:"early_exit_message,omitempty"`
}

// NewRequestState creates the state for a single run
func NewRequestState(requestID string, mode Mode, query string, history []Turn) *RequestState {
	if mode == "" {
		mode = ModeRecommend
	}
	return &RequestState{
		RequestID: requestID,
		Mode:      mode,
		Query:     query,
		History:   history,
		Fallback:  FallbackNotEvaluated,
	}
}

// Finished reports whether a terminal field has been set
func (s *RequestState) Finished() bool {
	return s.FinalOutput != nil || s.EarlyExitMessage != nil
}

// CheckTerminal verifies that exactly one terminal field is set
func (s *RequestState) CheckTerminal() error {
	switch {
	case s.FinalOutput != nil && s.EarlyExitMessage != nil:
		return fmt.Errorf("%w: both final_output and early_exit_message set", ErrInvariantViolation)
	case s.FinalOutput == nil && s.EarlyExitMessage == nil:
		return fmt.Errorf("%w: neither final_output nor early_exit_message set", ErrInvariantViolation)
	}
	return nil
}

// SourcesInvoked lists the sources that were fetched during the run
func (s *RequestState) SourcesInvoked() []SourceID {
	return s.SourceResults.IDs()
}

// Bool returns a pointer to b
func Bool(b bool) *bool { return &b }

// String returns a pointer to v
func String(v string) *string { return &v }

package advisor

import (
	"github.com/Kocoro-lab/advisor/internal/state"
)

// RecommendResponse is the recommend endpoint body
type RecommendResponse struct {
	Success         bool             `json:"success"`
	RequestID       string           `json:"request_id"`
	Query           string           `json:"query"`
	Text            string           `json:"text"`
	Provenance      []state.SourceID `json:"provenance"`
	FallbackUsed    bool             `json:"fallback_used"`
	FallbackMessage *string          `json:"fallback_message"`
	Entities        *state.Entities  `json:"entities,omitempty"`
	EarlyExit       bool             `json:"early_exit"`
	Message         *string          `json:"message"`
}

// CompareResponse is the compare endpoint body
type CompareResponse struct {
	RequestID       string           `json:"request_id"`
	IsComparison    bool             `json:"is_comparison"`
	Colleges        []string         `json:"colleges"`
	Aspects         []string         `json:"aspects"`
	Response        string           `json:"response"`
	Provenance      []state.SourceID `json:"provenance"`
	FallbackUsed    bool             `json:"fallback_used"`
	FallbackMessage *string          `json:"fallback_message"`
}

// NewRecommendResponse shapes a finished run
func NewRecommendResponse(st *state.RequestState) RecommendResponse {
	resp := RecommendResponse{
		Success:    true,
		RequestID:  st.RequestID,
		Query:      st.Query,
		Provenance: []state.SourceID{},
	}
	if st.EarlyExitMessage != nil {
		resp.EarlyExit = true
		resp.Message = state.String(*st.EarlyExitMessage)
		resp.Text = *st.EarlyExitMessage
		return resp
	}

	out := st.FinalOutput
	resp.Text = out.Text
	resp.Provenance = append(resp.Provenance, out.Provenance...)
	resp.FallbackUsed = out.FallbackUsed
	if out.FallbackMessage != "" {
		resp.FallbackMessage = state.String(out.FallbackMessage)
	}
	resp.Entities = out.StructuredEntities
	return resp
}

// NewCompareResponse shapes a finished run. Colleges is empty or holds exactly two names.
func NewCompareResponse(st *state.RequestState) CompareResponse {
	resp := CompareResponse{
		RequestID:  st.RequestID,
		Colleges:   []string{},
		Aspects:    []string{},
		Provenance: []state.SourceID{},
	}
	if st.Entities != nil && st.Entities.IsComparison && len(st.Entities.Colleges) == 2 {
		resp.IsComparison = true
		resp.Colleges = append(resp.Colleges, st.Entities.Colleges...)
		resp.Aspects = append(resp.Aspects, st.Entities.Aspects...)
	}

	if st.EarlyExitMessage != nil {
		resp.Response = *st.EarlyExitMessage
		return resp
	}
	out := st.FinalOutput
	resp.Response = out.Text
	resp.Provenance = append(resp.Provenance, out.Provenance...)
	resp.FallbackUsed = out.FallbackUsed
	if out.FallbackMessage != "" {
		resp.FallbackMessage = state.String(out.FallbackMessage)
	}
	return resp
}

// ResponseText is what the user saw, as stored in session history
func ResponseText(st *state.RequestState) string {
	switch {
	case st.EarlyExitMessage != nil:
		return *st.EarlyExitMessage
	case st.FinalOutput != nil:
		if st.FinalOutput.FallbackUsed {
			return st.FinalOutput.FallbackMessage + "\n\n" + st.FinalOutput.Text
		}
		return st.FinalOutput.Text
	default:
		return ""
	}
}

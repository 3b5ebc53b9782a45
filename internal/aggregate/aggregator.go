// Package aggregate merges the primary sources into one validated answer.
package aggregate

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/Kocoro-lab/advisor/internal/llm"
	"github.com/Kocoro-lab/advisor/internal/sources/semantic"
	"github.com/Kocoro-lab/advisor/internal/sources/structured"
	"github.com/Kocoro-lab/advisor/internal/state"
	"go.uber.org/zap"
)

// verdict is the schema requested from the model
type verdict struct {
	Answer  string   `json:"answer"`
	Sources []string `json:"sources"`
}

const recommendPrompt = `You are a college advisor validating data before it reaches a student.
You receive the student's question and content from one or more labelled sources.
Write one helpful answer using ONLY content that is relevant to the question, and list the labels of the sources you used.
If none of the content is relevant, return an empty answer. Never invent facts.

Respond with VALID JSON ONLY:
{"answer": "string", "sources": ["STRUCTURED", "SEMANTIC"]}`

const comparePrompt = `You are a college comparator validating data before it reaches a student.
You receive a comparison request for two colleges and content from one or more labelled sources.
Compare the two colleges on the requested aspects using ONLY content that is relevant, and list the labels of the sources you used.
If the content does not support a comparison, return an empty answer. Never invent facts.

Respond with VALID JSON ONLY:
{"answer": "string", "sources": ["STRUCTURED", "SEMANTIC"]}`

// Aggregator asks the validator model to weave the primary results into one answer
type Aggregator struct {
	caller *llm.Caller
	logger *zap.Logger
}

// New creates an aggregator
func New(caller *llm.Caller, logger *zap.Logger) *Aggregator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Aggregator{caller: caller, logger: logger.With(zap.String("component", "aggregate"))}
}

// Aggregate offers every OK primary result to the validator.
// When nothing is offered, or validation fails, the aggregation is empty.
func (a *Aggregator) Aggregate(ctx context.Context, query string, entities state.Entities, results state.SourceResults) state.Aggregation {
	offered := Offered(results)
	if len(offered) == 0 {
		return state.Aggregation{}
	}

	system := recommendPrompt
	if entities.IsComparison {
		system = comparePrompt
	}
	v, err := llm.CallJSON[verdict](ctx, a.caller, llm.Request{
		Purpose:      "synthesis",
		SystemPrompt: system,
		Prompt:       BuildPrompt(query, entities, results, offered),
		Format:       llm.FormatJSON,
		MaxTokens:    1200,
		Temperature:  0.2,
	})
	if err != nil {
		a.logger.Warn("Validation failed, treating sources as non-contributory", zap.Error(err))
		return state.Aggregation{}
	}

	out := Normalize(v.Answer, v.Sources, offered)
	a.logger.Debug("Aggregated",
		zap.Int("offered", len(offered)),
		zap.Any("sources_used", out.SourcesUsed),
		zap.Bool("empty", out.Empty()),
	)
	return out
}

// Offered returns the primary sources with data, in execution order
func Offered(results state.SourceResults) []state.SourceID {
	var out []state.SourceID
	for _, e := range results {
		if !e.Result.HasData() {
			continue
		}
		if e.Source == state.SourceStructured || e.Source == state.SourceSemantic {
			out = append(out, e.Source)
		}
	}
	return out
}

// Normalize applies the validator contract to a decoded verdict. Quoted-empty
// answers are empty. Listed sources are intersected with the offered set; an
// answer that lists none is credited to everything offered.
func Normalize(answer string, listed []string, offered []state.SourceID) state.Aggregation {
	answer = strings.TrimSpace(answer)
	if answer == `""` || answer == `''` {
		answer = ""
	}
	if answer == "" {
		return state.Aggregation{}
	}

	isOffered := make(map[state.SourceID]bool, len(offered))
	for _, id := range offered {
		isOffered[id] = true
	}
	var used []state.SourceID
	for _, l := range listed {
		id := state.SourceID(strings.ToUpper(strings.TrimSpace(l)))
		if isOffered[id] {
			used = append(used, id)
		}
	}
	if len(listed) == 0 {
		used = offered
	}
	used = state.NewProvenance(used...)
	if len(used) == 0 {
		// answer credited only to sources that were never offered
		return state.Aggregation{}
	}
	return state.Aggregation{CombinedText: answer, SourcesUsed: used}
}

// BuildPrompt renders the question and the offered payloads
func BuildPrompt(query string, entities state.Entities, results state.SourceResults, offered []state.SourceID) string {
	var b strings.Builder
	if entities.IsComparison {
		fmt.Fprintf(&b, "Compare: %s\nAspects: %s\n", strings.Join(entities.Colleges, " and "), strings.Join(entities.Aspects, ", "))
	}
	fmt.Fprintf(&b, "Question: %s\n", query)
	for _, id := range offered {
		r, _ := results.Get(id)
		fmt.Fprintf(&b, "\n[%s]\n%s\n", id, render(r.Payload))
	}
	return b.String()
}

func render(payload interface{}) string {
	switch p := payload.(type) {
	case []structured.Row:
		return structured.Summarize(p)
	case []semantic.Passage:
		return semantic.Summarize(p)
	case string:
		return p
	default:
		raw, err := json.Marshal(p)
		if err != nil {
			return fmt.Sprintf("%v", p)
		}
		return string(raw)
	}
}

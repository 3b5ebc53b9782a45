// Package web is the fallback source: a web search summarized by the model.
package web

import (
	"context"
	"fmt"
	"strings"

	"github.com/Kocoro-lab/advisor/internal/llm"
	"github.com/Kocoro-lab/advisor/internal/sources"
	"github.com/Kocoro-lab/advisor/internal/state"
	"go.uber.org/zap"
)

const (
	// SummaryResults is how many hits are shown to the model
	SummaryResults = 8
	// CitedResults is how many links are returned with the answer
	CitedResults = 3
)

// noDataReply is what the model is told to say when the hits are useless
const noDataReply = "NO_RELEVANT_RESULTS"

// Answer is the OK payload
type Answer struct {
	Text    string   `json:"text"`
	Sources []Result `json:"sources"`
}

const summaryPrompt = `You are an expert college advisor. Summarize the search results below into 3-5 concise bullet points that answer the question.
Only include facts supported by the results. Include specific numbers when available.
If the results do not answer the question, reply with exactly ` + noDataReply + `.`

const comparePrompt = `Create a concise comparison of the colleges based on the search results below.
Only include facts supported by the results. Focus on aspects where both colleges have data and include specific numbers when available.
If no comparison can be made from the results, reply with exactly ` + noDataReply + `.`

// Source is the WEB adapter
type Source struct {
	searcher Searcher
	caller   *llm.Caller
	logger   *zap.Logger
}

// New creates the adapter
func New(searcher Searcher, caller *llm.Caller, logger *zap.Logger) *Source {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Source{searcher: searcher, caller: caller, logger: logger.With(zap.String("component", "web"))}
}

func (s *Source) ID() state.SourceID { return state.SourceWeb }

// SearchQuery builds the search string for a request
func SearchQuery(query string, entities state.Entities) string {
	if !entities.IsComparison || len(entities.Colleges) < 2 {
		return query
	}
	return fmt.Sprintf("Compare %s on aspects: %s",
		strings.Join(entities.Colleges, ", "), strings.Join(entities.Aspects, ", "))
}

// Fetch searches, then asks the model to summarize the top hits
func (s *Source) Fetch(ctx context.Context, query string, entities state.Entities) state.SourceResult {
	search := SearchQuery(query, entities)
	results, err := s.searcher.Search(ctx, search)
	if err != nil {
		return sources.FromError(err)
	}
	if len(results) == 0 {
		return state.Empty()
	}
	if len(results) > SummaryResults {
		results = results[:SummaryResults]
	}

	system := summaryPrompt
	if entities.IsComparison {
		system = comparePrompt
	}
	text, err := s.caller.Call(ctx, llm.Request{
		Purpose:      "web_summary",
		SystemPrompt: system,
		Prompt:       fmt.Sprintf("Question: %s\n\nSearch Results:\n%s", query, FormatResults(results)),
		Format:       llm.FormatText,
		MaxTokens:    600,
		Temperature:  0.3,
	})
	if err != nil {
		return sources.FromError(err)
	}
	text = strings.TrimSpace(text)
	if text == "" || strings.Contains(text, noDataReply) {
		s.logger.Debug("Web summary had nothing to say", zap.Int("results", len(results)))
		return state.Empty()
	}

	cited := results
	if len(cited) > CitedResults {
		cited = cited[:CitedResults]
	}
	return state.OK(Answer{Text: text, Sources: cited})
}

// FormatResults numbers the hits for the prompt
func FormatResults(results []Result) string {
	var b strings.Builder
	for i, r := range results {
		title := r.Title
		if title == "" {
			title = "No title"
		}
		fmt.Fprintf(&b, "%d. %s\n   %s\n   %s\n", i+1, title, r.Link, r.Snippet)
	}
	return b.String()
}

package registry

import (
	"context"

	"github.com/Kocoro-lab/advisor/internal/deadline"
	"github.com/Kocoro-lab/advisor/internal/intent"
	"github.com/Kocoro-lab/advisor/internal/safety"
	"github.com/Kocoro-lab/advisor/internal/state"
)

// SafetyChecker decides whether a query may proceed
type SafetyChecker interface {
	Check(ctx context.Context, query string, history []state.Turn) safety.Verdict
}

// IntentClassifier assigns the query sub-type and extracts entities
type IntentClassifier interface {
	Classify(ctx context.Context, query string) intent.Classification
}

// ResultAggregator validates and merges the primary source results
type ResultAggregator interface {
	Aggregate(ctx context.Context, query string, entities state.Entities, results state.SourceResults) state.Aggregation
}

// DeadlineLookup answers application deadline questions
type DeadlineLookup interface {
	Lookup(ctx context.Context, question string) deadline.Result
}

package intent

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/Kocoro-lab/advisor/internal/colleges"
	"github.com/Kocoro-lab/advisor/internal/llm"
	"github.com/Kocoro-lab/advisor/internal/metrics"
	"github.com/Kocoro-lab/advisor/internal/state"
	"go.uber.org/zap"
)

// MaxAspects bounds the comparison aspects kept per query
const MaxAspects = 3

// DefaultAspect is used when a comparison names no aspect
const DefaultAspect = "overall"

// Classification is the classifier output
type Classification struct {
	Intent   state.Intent
	Entities state.Entities
}

// rawClassification is the schema requested from the model
type rawClassification struct {
	Intent            string   `json:"intent"`
	IsComparison      bool     `json:"is_comparison"`
	Colleges          []string `json:"colleges"`
	ComparisonAspects []string `json:"comparison_aspects"`
}

const systemPrompt = `You classify questions sent to a college advising assistant.
Determine:
1. intent: "recommend" for questions about finding, evaluating or learning about colleges,
   "compare" when the user wants two colleges compared, "unrelated" for anything else.
2. is_comparison: true only for comparisons.
3. colleges: the colleges being compared, using their full official names. Always EXACTLY 2 when is_comparison is true.
4. comparison_aspects: 1-3 short aspects being compared (e.g. "computer science", "tuition").

Respond with VALID JSON ONLY:
{"intent": "recommend|compare|unrelated", "is_comparison": boolean, "colleges": ["college1", "college2"], "comparison_aspects": ["aspect1"]}`

// Classifier assigns an intent and canonical entities to a query
type Classifier struct {
	caller  *llm.Caller
	aliases *colleges.Table
	logger  *zap.Logger
}

// NewClassifier creates a classifier. aliases defaults to the embedded table.
func NewClassifier(caller *llm.Caller, aliases *colleges.Table, logger *zap.Logger) *Classifier {
	if aliases == nil {
		aliases = colleges.Default()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Classifier{caller: caller, aliases: aliases, logger: logger.With(zap.String("component", "intent"))}
}

// Classify makes one structured LLM call. Malformed output falls back to RECOMMEND;
// a failed call yields ERROR.
func (c *Classifier) Classify(ctx context.Context, query string) Classification {
	raw, err := llm.CallJSON[rawClassification](ctx, c.caller, llm.Request{
		Purpose:      "intent",
		SystemPrompt: systemPrompt,
		Prompt:       query,
		Format:       llm.FormatJSON,
		MaxTokens:    200,
		Temperature:  0,
	})

	var out Classification
	switch {
	case err == nil:
		out = normalize(raw, query, c.aliases)
	case errors.Is(err, state.ErrParseError):
		c.logger.Warn("Intent output was not valid JSON, treating as recommendation", zap.Error(err))
		out = Classification{Intent: state.IntentRecommend}
	default:
		c.logger.Warn("Intent classification failed", zap.Error(err))
		out = Classification{Intent: state.IntentError}
	}

	metrics.IntentClassifications.WithLabelValues(string(out.Intent)).Inc()
	c.logger.Debug("Query classified",
		zap.String("intent", string(out.Intent)),
		zap.Strings("colleges", out.Entities.Colleges),
		zap.Strings("aspects", out.Entities.Aspects),
	)
	return out
}

// normalize applies the entity rules to a decoded model response.
// The result holds exactly zero or two canonical colleges.
func normalize(raw rawClassification, query string, aliases *colleges.Table) Classification {
	kind := strings.ToLower(strings.TrimSpace(raw.Intent))
	if kind == "unrelated" && !raw.IsComparison {
		return Classification{Intent: state.IntentUnrelated}
	}
	if kind != "compare" && !raw.IsComparison {
		return Classification{Intent: state.IntentRecommend}
	}

	names := canonicalize(raw.Colleges, aliases)
	if len(names) < 2 {
		// the model missed a name; recover it from the query text
		names = mergeUnique(names, aliases.Scan(query))
	}
	if len(names) < 2 {
		return Classification{Intent: state.IntentRecommend}
	}

	return Classification{
		Intent: state.IntentCompare,
		Entities: state.Entities{
			Colleges:     names[:2],
			Aspects:      normalizeAspects(raw.ComparisonAspects),
			IsComparison: true,
		},
	}
}

func canonicalize(names []string, aliases *colleges.Table) []string {
	out := make([]string, 0, len(names))
	for _, n := range names {
		if strings.TrimSpace(n) == "" {
			continue
		}
		out = mergeUnique(out, []string{aliases.Canonical(n)})
	}
	return out
}

func mergeUnique(base, extra []string) []string {
	for _, e := range extra {
		dup := false
		for _, b := range base {
			if strings.EqualFold(b, e) {
				dup = true
				break
			}
		}
		if !dup {
			base = append(base, e)
		}
	}
	return base
}

func normalizeAspects(in []string) []string {
	var out []string
	for _, a := range in {
		a = strings.TrimSpace(a)
		if a == "" {
			continue
		}
		out = mergeUnique(out, []string{a})
		if len(out) == MaxAspects {
			break
		}
	}
	if len(out) == 0 {
		return []string{DefaultAspect}
	}
	return out
}

// String renders a classification for logs
func (c Classification) String() string {
	return fmt.Sprintf("%s%v", c.Intent, c.Entities.Colleges)
}

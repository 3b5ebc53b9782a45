package safety

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/Kocoro-lab/advisor/internal/colleges"
	"github.com/Kocoro-lab/advisor/internal/config"
	"github.com/Kocoro-lab/advisor/internal/llm"
	"github.com/Kocoro-lab/advisor/internal/metrics"
	"github.com/Kocoro-lab/advisor/internal/policy"
	"github.com/Kocoro-lab/advisor/internal/state"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// DenyListFile is the hot-reloaded deny-list override in the policy directory
const DenyListFile = "denylist.yaml"

// DefaultWindow is the number of prior turns the persistence check inspects
const DefaultWindow = 2

//go:embed denylist.yaml
var embeddedDenyList []byte

// Reason explains a blocked verdict. It is logged and returned to callers, never shown verbatim.
type Reason string

const (
	ReasonNone              Reason = ""
	ReasonEmptyQuery        Reason = "empty_query"
	ReasonSecurityViolation Reason = "security_violation"
	ReasonError             Reason = "error"
	ReasonHarassment        Reason = "harassment"
	ReasonSecurity          Reason = "security"
	ReasonOffensive         Reason = "offensive"
	ReasonOffTopic          Reason = "off_topic"
	ReasonUnsafe            Reason = "unsafe"
)

// User-facing responses
const (
	EmptyQueryResponse = "Please enter a valid question."
	HardBlockResponse  = "I can't assist with that request."
	StandardResponse   = "Sorry I can't do that. I can assist you with college recommendations."
	OffTopicResponse   = "I specialize in college recommendations. Try asking about admissions, majors or deadlines for the colleges you're interested in."
)

var moderationResponses = map[Reason]string{
	ReasonHarassment: "I aim to be helpful. Let me know if you have college questions.",
	ReasonSecurity:   "I can't discuss that topic.",
	ReasonOffensive:  "Let's keep our conversation respectful.",
	ReasonUnsafe:     "How can I help with college search?",
}

var topicKeywords = []string{
	"college", "university", "degree", "major", "gpa", "tuition",
	"school", "admission", "campus", "scholarship", "program", "deadline",
}

// Verdict is the gate decision. Response is set whenever Safe is false.
type Verdict struct {
	Safe     bool
	Reason   Reason
	Response string
	// Tier names the check that decided: input, lexical, moderation, policy or pass
	Tier string
}

type moderationVerdict struct {
	Safe       *bool    `json:"safe"`
	Categories []string `json:"categories"`
	Confidence float64  `json:"confidence"`
}

const moderationPrompt = `Analyze this query sent to a college advising assistant for safety.
Respond with valid JSON only:
{"safe": boolean, "categories": ["harassment"|"security"|"offensive"|"off_topic"|"none"], "confidence": 0.0-1.0}
A question that is merely unrelated to colleges is safe with category "off_topic".
Query: %s`

// Gate runs the three safety tiers in order. It holds no per-request state.
type Gate struct {
	caller  *llm.Caller
	policy  policy.Engine
	aliases *colleges.Table
	window  int
	deny    atomic.Pointer[[]string]
	logger  *zap.Logger
}

// Option configures a Gate
type Option func(*Gate)

// WithWindow sets the persistence window; 0 disables the check
func WithWindow(n int) Option {
	return func(g *Gate) {
		if n >= 0 {
			g.window = n
		}
	}
}

// WithAliases lets college names count as on-topic
func WithAliases(t *colleges.Table) Option {
	return func(g *Gate) { g.aliases = t }
}

// NewGate creates a gate. engine evaluates the persistence policy.
func NewGate(caller *llm.Caller, engine policy.Engine, logger *zap.Logger, opts ...Option) (*Gate, error) {
	if caller == nil {
		return nil, errors.New("safety gate requires an LLM caller")
	}
	if engine == nil {
		return nil, errors.New("safety gate requires a policy engine")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	g := &Gate{
		caller: caller,
		policy: engine,
		window: DefaultWindow,
		logger: logger.With(zap.String("component", "safety_gate")),
	}
	for _, opt := range opts {
		opt(g)
	}
	if err := g.LoadDenyList(embeddedDenyList); err != nil {
		return nil, err
	}
	return g, nil
}

// LoadDenyList replaces the deny-list. An empty list is rejected.
func (g *Gate) LoadDenyList(data []byte) error {
	var doc struct {
		Terms []string `yaml:"terms"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parse deny-list: %w", err)
	}
	terms := make([]string, 0, len(doc.Terms))
	for _, t := range doc.Terms {
		if t = strings.ToLower(strings.TrimSpace(t)); t != "" {
			terms = append(terms, t)
		}
	}
	if len(terms) == 0 {
		return errors.New("deny-list is empty")
	}
	g.deny.Store(&terms)
	return nil
}

// HandleDenyListChange reloads denylist.yaml. A deleted file restores the embedded list.
func (g *Gate) HandleDenyListChange(e config.ChangeEvent) error {
	if e.Action == "delete" {
		return g.LoadDenyList(embeddedDenyList)
	}
	if err := g.LoadDenyList(e.Data); err != nil {
		return err
	}
	g.logger.Info("Deny-list reloaded", zap.Int("terms", len(*g.deny.Load())))
	return nil
}

// Check classifies query given the caller supplied history
func (g *Gate) Check(ctx context.Context, query string, history []state.Turn) Verdict {
	v := g.check(ctx, query, history)
	metrics.SafetyVerdicts.WithLabelValues(v.Tier, string(v.Reason)).Inc()
	if !v.Safe {
		g.logger.Info("Query blocked",
			zap.String("tier", v.Tier),
			zap.String("reason", string(v.Reason)),
		)
	}
	return v
}

func (g *Gate) check(ctx context.Context, query string, history []state.Turn) Verdict {
	if strings.TrimSpace(query) == "" {
		return Verdict{Reason: ReasonEmptyQuery, Response: EmptyQueryResponse, Tier: "input"}
	}

	if g.hardBlocked(query) {
		return Verdict{Reason: ReasonSecurityViolation, Response: HardBlockResponse, Tier: "lexical"}
	}

	if v, blocked := g.moderate(ctx, query); blocked {
		return v
	}

	return g.persistence(ctx, query, history)
}

func (g *Gate) hardBlocked(query string) bool {
	lower := strings.ToLower(query)
	for _, term := range *g.deny.Load() {
		if strings.Contains(lower, term) {
			return true
		}
	}
	return false
}

// moderate fails closed: any call or parse failure blocks with ReasonError
func (g *Gate) moderate(ctx context.Context, query string) (Verdict, bool) {
	failed := Verdict{Reason: ReasonError, Response: StandardResponse, Tier: "moderation"}

	mv, err := llm.CallJSON[moderationVerdict](ctx, g.caller, llm.Request{
		Purpose:     "moderation",
		Prompt:      fmt.Sprintf(moderationPrompt, query),
		Format:      llm.FormatJSON,
		MaxTokens:   100,
		Temperature: 0,
	})
	if err != nil {
		g.logger.Warn("Moderation failed, blocking", zap.Error(err))
		return failed, true
	}
	if mv.Safe == nil {
		g.logger.Warn("Moderation verdict missing safe field, blocking")
		return failed, true
	}
	if *mv.Safe {
		return Verdict{}, false
	}

	reason := ReasonUnsafe
	if len(mv.Categories) > 0 {
		switch c := Reason(strings.ToLower(strings.TrimSpace(mv.Categories[0]))); c {
		case ReasonHarassment, ReasonSecurity, ReasonOffensive:
			reason = c
		case ReasonOffTopic:
			// unrelated is not unsafe; the persistence tier decides
			return Verdict{}, false
		}
	}
	return Verdict{Reason: reason, Response: moderationResponses[reason], Tier: "moderation"}, true
}

func (g *Gate) persistence(ctx context.Context, query string, history []state.Turn) Verdict {
	pass := Verdict{Safe: true, Tier: "pass"}
	if g.window == 0 {
		return pass
	}

	recent := history
	if len(recent) > g.window {
		recent = recent[len(recent)-g.window:]
	}
	flags := make([]bool, len(recent))
	for i, turn := range recent {
		flags[i] = !g.IsOnTopic(turn.Prompt)
	}

	decision, err := g.policy.Evaluate(ctx, &policy.Input{
		Query:           query,
		CurrentOffTopic: !g.IsOnTopic(query),
		RecentOffTopic:  flags,
		Window:          g.window,
	})
	if err != nil || decision == nil {
		g.logger.Warn("Policy evaluation failed, blocking", zap.Error(err))
		return Verdict{Reason: ReasonError, Response: StandardResponse, Tier: "policy"}
	}
	if decision.Allow {
		return pass
	}
	if decision.Reason == string(ReasonOffTopic) {
		return Verdict{Reason: ReasonOffTopic, Response: OffTopicResponse, Tier: "policy"}
	}
	return Verdict{Reason: ReasonError, Response: StandardResponse, Tier: "policy"}
}

// IsOnTopic reports whether text is about colleges
func (g *Gate) IsOnTopic(text string) bool {
	lower := strings.ToLower(text)
	for _, k := range topicKeywords {
		if strings.Contains(lower, k) {
			return true
		}
	}
	return g.aliases != nil && g.aliases.Mentions(text)
}

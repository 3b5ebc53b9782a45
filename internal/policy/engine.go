package policy

import (
	"container/list"
	"context"
	"crypto/md5"
	"embed"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/rego"
	"go.uber.org/zap"
)

//go:embed policies/*.rego
var embeddedPolicies embed.FS

// Engine evaluates the conversation policy
type Engine interface {
	Evaluate(ctx context.Context, input *Input) (*Decision, error)
	IsEnabled() bool
}

// Input is the document handed to rego as `input`
type Input struct {
	Query           string `json:"query"`
	CurrentOffTopic bool   `json:"current_off_topic"`
	// RecentOffTopic holds one flag per prior turn, oldest first
	RecentOffTopic []bool `json:"recent_off_topic"`
	Window         int    `json:"window"`
}

// Decision is the policy result
type Decision struct {
	Allow         bool   `json:"allow"`
	Reason        string `json:"reason,omitempty"`
	PolicyVersion string `json:"policy_version,omitempty"`
}

// OPAEngine implements Engine using OPA rego
type OPAEngine struct {
	config *Config
	logger *zap.Logger

	mu       sync.RWMutex
	compiled *rego.PreparedEvalQuery
	version  string

	cache *decisionCache
}

// NewOPAEngine compiles the embedded policies plus any overrides under config.Path
func NewOPAEngine(config *Config, logger *zap.Logger) (*OPAEngine, error) {
	if config == nil {
		config = LoadConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	engine := &OPAEngine{
		config: config,
		logger: logger,
		cache:  newDecisionCache(config.CacheSize, 5*time.Minute),
	}

	if config.Enabled {
		if err := engine.LoadPolicies(); err != nil {
			if config.FailClosed {
				return nil, fmt.Errorf("failed to load policies in fail-closed mode: %w", err)
			}
			logger.Warn("Failed to load policies, policy tier disabled", zap.Error(err))
		}
	}
	return engine, nil
}

// LoadPolicies (re)compiles all modules. On failure the previous compiled set stays active.
func (e *OPAEngine) LoadPolicies() error {
	modules, err := e.collectModules()
	if err != nil {
		policyErrors.WithLabelValues("load").Inc()
		return err
	}

	opts := []func(*rego.Rego){rego.Query(DecisionQuery)}
	for name, src := range modules {
		opts = append(opts, rego.Module(name, src))
	}
	compiled, err := rego.New(opts...).PrepareForEval(context.Background())
	if err != nil {
		policyErrors.WithLabelValues("compile").Inc()
		return fmt.Errorf("failed to compile policies: %w", err)
	}

	version := policyVersion(modules)
	e.mu.Lock()
	e.compiled = &compiled
	e.version = version
	e.mu.Unlock()
	e.cache.Clear()

	recordLoad(len(modules), version, float64(time.Now().Unix()))
	e.logger.Info("Policies loaded and compiled",
		zap.Int("module_count", len(modules)),
		zap.String("version", version),
		zap.String("decision_query", DecisionQuery),
	)
	return nil
}

func (e *OPAEngine) collectModules() (map[string]string, error) {
	modules := make(map[string]string)

	err := fs.WalkDir(embeddedPolicies, "policies", func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		content, err := embeddedPolicies.ReadFile(path)
		if err != nil {
			return err
		}
		modules[strings.TrimSuffix(d.Name(), ".rego")] = string(content)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read embedded policies: %w", err)
	}

	if e.config.Path == "" {
		return modules, nil
	}
	err = filepath.Walk(e.config.Path, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() || !strings.HasSuffix(info.Name(), ".rego") {
			return nil
		}
		content, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read policy file %s: %w", path, err)
		}
		rel, _ := filepath.Rel(e.config.Path, path)
		modules[strings.TrimSuffix(rel, ".rego")] = string(content)
		e.logger.Debug("Loaded policy override", zap.String("path", path))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk policy directory: %w", err)
	}
	return modules, nil
}

// Evaluate evaluates the policy against input
func (e *OPAEngine) Evaluate(ctx context.Context, input *Input) (*Decision, error) {
	start := time.Now()

	e.mu.RLock()
	compiled, version := e.compiled, e.version
	e.mu.RUnlock()

	if !e.config.Enabled || compiled == nil {
		if e.config.Enabled && e.config.FailClosed {
			return &Decision{Allow: false, Reason: "policy_unavailable"}, nil
		}
		return &Decision{Allow: true, Reason: "policy_disabled"}, nil
	}

	key := cacheKey(input)
	if d, ok := e.cache.Get(key); ok {
		policyCacheHits.Inc()
		return d, nil
	}
	policyCacheMisses.Inc()

	inputMap, err := toMap(input)
	if err != nil {
		policyErrors.WithLabelValues("input_conversion").Inc()
		return e.failure("input conversion failed"), err
	}

	results, err := compiled.Eval(ctx, rego.EvalInput(inputMap))
	if err != nil {
		policyErrors.WithLabelValues("evaluation").Inc()
		e.logger.Error("Policy evaluation failed", zap.Error(err))
		return e.failure("policy evaluation error"), err
	}

	decision := parseResults(results)
	decision.PolicyVersion = version
	recordEvaluation(decision.Allow, decision.Reason, time.Since(start).Seconds())

	e.logger.Debug("Policy evaluated",
		zap.Bool("allow", decision.Allow),
		zap.String("reason", decision.Reason),
		zap.Duration("duration", time.Since(start)),
	)

	e.cache.Set(key, decision)
	return decision, nil
}

func (e *OPAEngine) failure(reason string) *Decision {
	return &Decision{Allow: !e.config.FailClosed, Reason: reason}
}

// IsEnabled returns whether the policy engine is enabled and ready
func (e *OPAEngine) IsEnabled() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.config.Enabled && e.compiled != nil
}

// Version returns the hash of the compiled module set
func (e *OPAEngine) Version() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.version
}

func toMap(input *Input) (map[string]interface{}, error) {
	in := *input
	if in.RecentOffTopic == nil {
		in.RecentOffTopic = []bool{}
	}
	data, err := json.Marshal(in)
	if err != nil {
		return nil, err
	}
	var out map[string]interface{}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// parseResults defaults to deny when the policy produced no usable value
func parseResults(results rego.ResultSet) *Decision {
	decision := &Decision{Allow: false, Reason: "no matching policy rules"}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return decision
	}

	switch v := results[0].Expressions[0].Value.(type) {
	case map[string]interface{}:
		if allow, ok := v["allow"].(bool); ok {
			decision.Allow = allow
		}
		if reason, ok := v["reason"].(string); ok {
			decision.Reason = reason
		}
	case bool:
		decision.Allow = v
		decision.Reason = "denied by policy"
		if v {
			decision.Reason = "allowed by policy"
		}
	}
	return decision
}

func policyVersion(modules map[string]string) string {
	names := make([]string, 0, len(modules))
	for name := range modules {
		names = append(names, name)
	}
	sort.Strings(names)

	h := md5.New()
	for _, name := range names {
		h.Write([]byte(name))
		h.Write([]byte(modules[name]))
	}
	return fmt.Sprintf("%x", h.Sum(nil)[:4])
}

// --- decision cache (LRU with TTL) ---

func cacheKey(input *Input) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(strings.ToLower(input.Query)))
	var b strings.Builder
	for _, f := range input.RecentOffTopic {
		if f {
			b.WriteByte('1')
		} else {
			b.WriteByte('0')
		}
	}
	return fmt.Sprintf("%t|%d|%s|%x", input.CurrentOffTopic, input.Window, b.String(), h.Sum64())
}

type decisionCache struct {
	cap  int
	ttl  time.Duration
	mu   sync.Mutex
	list *list.List
	m    map[string]*list.Element
}

type cacheEntry struct {
	key       string
	expiresAt time.Time
	decision  *Decision
}

func newDecisionCache(cap int, ttl time.Duration) *decisionCache {
	if cap <= 0 {
		cap = 1024
	}
	return &decisionCache{
		cap:  cap,
		ttl:  ttl,
		list: list.New(),
		m:    make(map[string]*list.Element),
	}
}

func (c *decisionCache) Get(key string) (*Decision, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.m[key]
	if !ok {
		return nil, false
	}
	ce := el.Value.(cacheEntry)
	if ce.expiresAt.Before(time.Now()) {
		c.list.Remove(el)
		delete(c.m, key)
		return nil, false
	}
	c.list.MoveToFront(el)
	return ce.decision, true
}

func (c *decisionCache) Set(key string, d *Decision) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry := cacheEntry{key: key, expiresAt: time.Now().Add(c.ttl), decision: d}
	if el, ok := c.m[key]; ok {
		el.Value = entry
		c.list.MoveToFront(el)
		return
	}
	c.m[key] = c.list.PushFront(entry)
	if c.list.Len() > c.cap {
		lru := c.list.Back()
		delete(c.m, lru.Value.(cacheEntry).key)
		c.list.Remove(lru)
	}
}

func (c *decisionCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.list.Init()
	c.m = make(map[string]*list.Element)
}

func (c *decisionCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.list.Len()
}

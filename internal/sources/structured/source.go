// Package structured answers questions from the tabular college warehouse.
package structured

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/Kocoro-lab/advisor/internal/colleges"
	"github.com/Kocoro-lab/advisor/internal/sources"
	"github.com/Kocoro-lab/advisor/internal/state"
	"go.uber.org/zap"
)

// SummaryRows bounds the rows rendered into prompts
const SummaryRows = 10

// Source is the STRUCTURED adapter
type Source struct {
	warehouse Warehouse
	aliases   *colleges.Table
	logger    *zap.Logger
}

// Option configures a Source
type Option func(*Source)

// WithAliases keeps place names inside college names from becoming location filters
func WithAliases(t *colleges.Table) Option {
	return func(s *Source) { s.aliases = t }
}

// New creates the adapter
func New(warehouse Warehouse, logger *zap.Logger, opts ...Option) *Source {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Source{warehouse: warehouse, logger: logger.With(zap.String("component", "structured"))}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Source) ID() state.SourceID { return state.SourceStructured }

// Fetch translates the question, runs it and applies the row filters.
// The OK payload is []Row.
func (s *Source) Fetch(ctx context.Context, query string, entities state.Entities) state.SourceResult {
	q := Build(query, entities, s.aliases)
	rows, err := s.warehouse.Query(ctx, q)
	if err != nil {
		return sources.FromError(err)
	}
	fetched := len(rows)
	rows = Apply(rows, q.Filters)
	s.logger.Debug("Structured rows",
		zap.Int("fetched", fetched),
		zap.Int("kept", len(rows)),
	)
	if len(rows) == 0 {
		return state.Empty()
	}
	return state.OK(rows)
}

var (
	// "City, ST" with optional trailing text such as a zip code
	locationState   = regexp.MustCompile(`,\s*([A-Z]{2})\b`)
	satRangePattern = regexp.MustCompile(`(\d{3,4})\s*[-–]\s*(\d{3,4})`)
	numberPattern   = regexp.MustCompile(`-?\d+(\.\d+)?`)
)

// Apply keeps the rows that satisfy f
func Apply(rows []Row, f Filters) []Row {
	out := rows[:0:0]
	for _, r := range rows {
		if f.State != "" && !inState(r, f.State) {
			continue
		}
		if !f.DeadlineAfter.IsZero() && !deadlineAfter(r, f) {
			continue
		}
		if !meetsThresholds(r, f) {
			continue
		}
		out = append(out, r)
	}
	return out
}

func inState(r Row, abbr string) bool {
	loc, ok := r[ColLocation].(string)
	if !ok {
		return false
	}
	for _, m := range locationState.FindAllStringSubmatch(loc, -1) {
		if m[1] == abbr {
			return true
		}
	}
	return false
}

func deadlineAfter(r Row, f Filters) bool {
	s, ok := r[ColDeadline].(string)
	if !ok {
		return false
	}
	t, ok := ParseMonthDay(s)
	return ok && t.After(f.DeadlineAfter)
}

// meetsThresholds keeps a row when any applicable GPA or SAT test passes.
// Rows missing the data are kept.
func meetsThresholds(r Row, f Filters) bool {
	tested, passed := false, false
	if f.GPA > 0 {
		if min, ok := ToFloat(r[ColGPA]); ok {
			tested = true
			passed = passed || f.GPA >= min
		}
	}
	if f.SAT > 0 {
		if s, ok := r[ColSAT].(string); ok {
			if m := satRangePattern.FindStringSubmatch(s); m != nil {
				low, _ := strconv.Atoi(m[1])
				high, _ := strconv.Atoi(m[2])
				tested = true
				passed = passed || (f.SAT >= low && f.SAT <= high)
			}
		}
	}
	return !tested || passed
}

// ToFloat reads a numeric cell. Strings like "$58,000" are accepted.
func ToFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case int64:
		return float64(n), true
	case int:
		return float64(n), true
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case string:
		m := numberPattern.FindString(strings.ReplaceAll(n, ",", ""))
		if m == "" {
			return 0, false
		}
		f, err := strconv.ParseFloat(m, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

// Summarize renders the first SummaryRows rows as compact prompt lines
func Summarize(rows []Row) string {
	var b strings.Builder
	for i, r := range rows {
		if i == SummaryRows {
			fmt.Fprintf(&b, "... %d more rows\n", len(rows)-SummaryRows)
			break
		}
		var parts []string
		seen := make(map[string]bool)
		for _, s := range ShortNames {
			if v, ok := r[s.Column]; ok && v != nil {
				parts = append(parts, fmt.Sprintf("%s: %v", s.Label, v))
			}
			seen[s.Column] = true
		}
		var extra []string
		for k := range r {
			if !seen[k] {
				extra = append(extra, k)
			}
		}
		sort.Strings(extra)
		for _, k := range extra {
			if r[k] != nil {
				parts = append(parts, fmt.Sprintf("%s: %v", k, r[k]))
			}
		}
		fmt.Fprintf(&b, "- %s\n", strings.Join(parts, " | "))
	}
	return b.String()
}

// Package deadline answers "when is X's application due" questions from the warehouse.
package deadline

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/Kocoro-lab/advisor/internal/colleges"
	"github.com/Kocoro-lab/advisor/internal/sources/structured"
	"go.uber.org/zap"
)

const (
	StatusSuccess  = "success"
	StatusNotFound = "not_found"
	StatusError    = "error"
)

// Result is the lookup outcome. DaysRemaining and IsPastDue are nil when the
// stored deadline could not be parsed as a date.
type Result struct {
	Status        string `json:"status"`
	College       string `json:"college,omitempty"`
	Deadline      string `json:"deadline,omitempty"`
	DaysRemaining *int   `json:"days_remaining"`
	IsPastDue     *bool  `json:"is_past_due"`
	RawDeadline   string `json:"raw_deadline,omitempty"`
	Message       string `json:"message,omitempty"`
	Error         string `json:"error,omitempty"`
}

const (
	noCollegeMessage = "Please mention the college whose application deadline you want to know."
	displayLayout    = "January 02, 2006"
)

var namePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\b(?:for|get)\s+(?:the\s+)?([A-Za-z][A-Za-z .&'-]+?)(?:'s)?\s+(?:application\s+)?deadline`),
	regexp.MustCompile(`(?i)\b(?:for|of|at)\s+(?:the\s+)?([A-Za-z][A-Za-z .&'-]+?)\s*(?:\?|$)`),
}

// Service looks deadlines up in the warehouse
type Service struct {
	warehouse structured.Warehouse
	aliases   *colleges.Table
	logger    *zap.Logger
	now       func() time.Time
}

// New creates a lookup service. aliases may be nil.
func New(warehouse structured.Warehouse, aliases *colleges.Table, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if aliases == nil {
		aliases = colleges.Default()
	}
	return &Service{
		warehouse: warehouse,
		aliases:   aliases,
		logger:    logger.With(zap.String("component", "deadline")),
		now:       time.Now,
	}
}

// Lookup resolves the college named in question and reports its deadline.
// Failures are reported in Result.Status, never as an error.
func (s *Service) Lookup(ctx context.Context, question string) Result {
	college := s.ExtractCollege(question)
	if college == "" {
		return Result{Status: StatusNotFound, Message: noCollegeMessage}
	}

	rows, err := s.warehouse.Query(ctx, structured.Query{
		Table:     structured.DefaultTable,
		Columns:   []string{structured.ColCollegeName, structured.ColDeadline},
		Predicate: structured.ColCollegeName + " ILIKE ?",
		Args:      []interface{}{"%" + college + "%"},
		OrderBy:   structured.ColRanking + " ASC",
		Limit:     1,
	})
	if err != nil {
		s.logger.Warn("Deadline query failed", zap.String("college", college), zap.Error(err))
		return Result{Status: StatusError, College: college, Error: err.Error()}
	}
	if len(rows) == 0 || rows[0][structured.ColDeadline] == nil {
		return Result{Status: StatusNotFound, College: college, Message: fmt.Sprintf("No deadline found for %s.", college)}
	}

	if name, ok := rows[0][structured.ColCollegeName].(string); ok && name != "" {
		college = name
	}
	res := Resolve(rows[0][structured.ColDeadline], s.now())
	res.Status = StatusSuccess
	res.College = college
	return res
}

// ExtractCollege finds the college a question is about, preferring the alias table
func (s *Service) ExtractCollege(question string) string {
	if found := s.aliases.Scan(question); len(found) > 0 {
		return found[0]
	}
	for _, p := range namePatterns {
		if m := p.FindStringSubmatch(question); m != nil {
			name := strings.TrimSpace(m[1])
			if name == "" {
				continue
			}
			return s.aliases.Canonical(name)
		}
	}
	return ""
}

// Resolve turns a stored deadline into dates relative to now. Month-day strings
// roll forward to their next occurrence; full dates are taken as they are.
func Resolve(raw interface{}, now time.Time) Result {
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)

	var due time.Time
	var text string
	switch v := raw.(type) {
	case time.Time:
		due = time.Date(v.Year(), v.Month(), v.Day(), 0, 0, 0, 0, time.UTC)
		text = due.Format("2006-01-02")
	case []byte:
		text = string(v)
	case string:
		text = v
	default:
		text = fmt.Sprint(v)
	}
	text = strings.TrimSpace(text)

	if due.IsZero() {
		if md, ok := structured.ParseMonthDay(text); ok {
			due = time.Date(today.Year(), md.Month(), md.Day(), 0, 0, 0, 0, time.UTC)
			if due.Before(today) {
				due = due.AddDate(1, 0, 0)
			}
		} else {
			for _, layout := range []string{"2006-01-02", time.RFC3339} {
				if d, err := time.Parse(layout, text); err == nil {
					due = time.Date(d.Year(), d.Month(), d.Day(), 0, 0, 0, 0, time.UTC)
					break
				}
			}
		}
	}

	res := Result{RawDeadline: text, Deadline: text}
	if due.IsZero() {
		return res
	}
	days := int(due.Sub(today).Hours() / 24)
	past := days < 0
	res.Deadline = due.Format(displayLayout)
	res.DaysRemaining = &days
	res.IsPastDue = &past
	return res
}

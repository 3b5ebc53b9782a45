package structured

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/Kocoro-lab/advisor/internal/colleges"
	"github.com/Kocoro-lab/advisor/internal/state"
)

// DefaultTable holds one row per college
const DefaultTable = "UNIVERSITY_LIST"

const (
	ColCollegeName = "COLLEGE_NAME"
	ColDeadline    = "APPLICATION_DEADLINE"
	ColTuition     = "TUITION_FEES"
	ColGradRate    = "GRADUATION_RATE"
	ColRanking     = "RANKING"
	ColSAT         = "SAT_RANGE"
	ColACT         = "ACT_RANGE"
	ColGPA         = "MINIMUM_GPA"
	ColAcceptance  = "ACCEPTANCE_RATE"
	ColSalary      = "MEDIAN_SALARY_AFTER_GRADUATION"
	ColEnrollment  = "UNDERGRADUATE_ENROLLMENT"
	ColLocation    = "LOCATION"
)

// ShortNames are the labels used when rows are rendered into prompts.
// The slice order is the rendering order.
var ShortNames = []struct{ Column, Label string }{
	{ColCollegeName, "Name"},
	{ColDeadline, "Deadline"},
	{ColTuition, "Fee"},
	{ColGradRate, "Grad Rate"},
	{ColRanking, "Rank"},
	{ColSAT, "SAT"},
	{ColACT, "ACT"},
	{ColGPA, "GPA"},
	{ColAcceptance, "Acceptance"},
	{ColSalary, "Salary"},
	{ColEnrollment, "Undergrad Enrollment"},
	{ColLocation, "Location"},
}

// DefaultColumns is every column the adapter knows about
func DefaultColumns() []string {
	cols := make([]string, len(ShortNames))
	for i, s := range ShortNames {
		cols[i] = s.Column
	}
	return cols
}

// columnMapping maps question keywords to columns, in match order
var columnMapping = []struct{ Keyword, Column string }{
	{"deadline", ColDeadline},
	{"gpa", ColGPA},
	{"sat", ColSAT},
	{"act", ColACT},
	{"tuition", ColTuition},
	{"fee", ColTuition},
	{"cost", ColTuition},
	{"ranking", ColRanking},
	{"rank", ColRanking},
	{"acceptance", ColAcceptance},
	{"graduation", ColGradRate},
	{"salary", ColSalary},
	{"enrollment", ColEnrollment},
}

var (
	gpaPattern  = regexp.MustCompile(`\b(\d\.\d{1,2})\b`)
	satPattern  = regexp.MustCompile(`\b(\d{3,4})\b`)
	afterDate   = regexp.MustCompile(`(?i)after\s+([A-Za-z]+\s+\d{1,2})`)
	wordPattern = regexp.MustCompile(`[A-Za-z]+`)
)

type numericFilter struct {
	pattern *regexp.Regexp
	op      string
	column  string
}

var numericFilters = []numericFilter{
	{regexp.MustCompile(`undergraduate enrollment less than ([\d,]+)`), "<", ColEnrollment},
	{regexp.MustCompile(`undergraduate enrollment greater than ([\d,]+)`), ">", ColEnrollment},
	{regexp.MustCompile(`salary.*(?:over|greater than|above) \$?([\d,]+)`), ">", ColSalary},
	{regexp.MustCompile(`salary.*(?:under|less than|below) \$?([\d,]+)`), "<", ColSalary},
}

type usState struct {
	name string
	code string
}

var states = []usState{
	{"california", "CA"}, {"texas", "TX"}, {"new york", "NY"}, {"massachusetts", "MA"},
	{"illinois", "IL"}, {"florida", "FL"}, {"georgia", "GA"}, {"pennsylvania", "PA"},
	{"north carolina", "NC"}, {"michigan", "MI"}, {"virginia", "VA"}, {"washington", "WA"},
	{"ohio", "OH"}, {"arizona", "AZ"}, {"connecticut", "CT"}, {"new jersey", "NJ"},
	{"rhode island", "RI"}, {"new hampshire", "NH"}, {"missouri", "MO"},
}

// Query is the adapter's translation of a question. Predicate uses ? placeholders
// and the ILIKE operator; the warehouse rebinds both for its dialect.
type Query struct {
	Table     string
	Columns   []string
	Predicate string
	Args      []interface{}
	OrderBy   string
	Limit     int

	// Post filters applied to returned rows
	Filters Filters
}

// Filters are the conditions that cannot be expressed portably in SQL
type Filters struct {
	GPA           float64
	SAT           int
	DeadlineAfter time.Time
	State         string
}

// SQL renders the query with ? placeholders
func (q Query) SQL() string {
	var b strings.Builder
	fmt.Fprintf(&b, "SELECT %s FROM %s", strings.Join(q.Columns, ", "), q.Table)
	if q.Predicate != "" {
		fmt.Fprintf(&b, " WHERE %s", q.Predicate)
	}
	if q.OrderBy != "" {
		fmt.Fprintf(&b, " ORDER BY %s", q.OrderBy)
	}
	if q.Limit > 0 {
		fmt.Fprintf(&b, " LIMIT %d", q.Limit)
	}
	return b.String()
}

// Build translates a question and its entities into a Query.
// aliases may be nil.
func Build(question string, entities state.Entities, aliases *colleges.Table) Query {
	lower := strings.ToLower(question)
	cols := identifyColumns(lower)
	gpa, sat := ExtractThresholds(question)
	deadline, checkDeadline := deadlineFilter(question)

	var numeric []string
	var args []interface{}
	for _, f := range numericFilters {
		if m := f.pattern.FindStringSubmatch(lower); m != nil {
			n, err := strconv.Atoi(strings.ReplaceAll(m[1], ",", ""))
			if err != nil {
				continue
			}
			numeric = append(numeric, fmt.Sprintf("%s %s ?", f.column, f.op))
			args = append(args, n)
		}
	}

	if len(cols) == 0 && (gpa > 0 || sat > 0 || checkDeadline || len(numeric) > 0 || entities.IsComparison) {
		cols = DefaultColumns()
	}
	cols = appendMissing(cols, ColCollegeName, ColLocation)
	if checkDeadline {
		cols = appendMissing(cols, ColDeadline)
	}

	q := Query{
		Table:   DefaultTable,
		Columns: cols,
		OrderBy: ColRanking + " ASC",
		Filters: Filters{GPA: gpa, SAT: sat, State: extractState(question, aliases)},
	}
	if checkDeadline {
		q.Filters.DeadlineAfter = deadline
	}

	var where []string
	if entities.IsComparison && len(entities.Colleges) > 0 {
		var names []string
		for _, c := range entities.Colleges {
			names = append(names, ColCollegeName+" ILIKE ?")
			q.Args = append(q.Args, "%"+c+"%")
		}
		where = append(where, "("+strings.Join(names, " OR ")+")")
		q.Limit = 10
	} else {
		for _, c := range cols {
			where = append(where, c+" IS NOT NULL")
		}
		q.Limit = 100
	}
	where = append(where, numeric...)
	q.Args = append(q.Args, args...)
	q.Predicate = strings.Join(where, " AND ")
	return q
}

func identifyColumns(lower string) []string {
	words := make(map[string]bool)
	for _, w := range wordPattern.FindAllString(lower, -1) {
		words[w] = true
	}
	var cols []string
	for _, m := range columnMapping {
		if words[m.Keyword] || (len(m.Keyword) > 4 && strings.Contains(lower, m.Keyword)) {
			cols = appendMissing(cols, m.Column)
		}
	}
	return cols
}

// ExtractThresholds returns the GPA (at most 4.5) and SAT score (at least 800) mentioned in text.
// Zero means not mentioned.
func ExtractThresholds(text string) (gpa float64, sat int) {
	if m := gpaPattern.FindStringSubmatch(text); m != nil {
		if v, err := strconv.ParseFloat(m[1], 64); err == nil && v <= 4.5 {
			gpa = v
		}
	}
	for _, m := range satPattern.FindAllStringSubmatch(text, -1) {
		if v, err := strconv.Atoi(m[1]); err == nil && v >= 800 && v <= 1600 {
			sat = v
			break
		}
	}
	return gpa, sat
}

// deadlineFilter handles "deadline ... after <Month day>". The default cutoff is January 15.
func deadlineFilter(question string) (time.Time, bool) {
	lower := strings.ToLower(question)
	if !strings.Contains(lower, "deadline") || !strings.Contains(lower, "after") {
		return time.Time{}, false
	}
	if m := afterDate.FindStringSubmatch(question); m != nil {
		if t, ok := ParseMonthDay(m[1]); ok {
			return t, true
		}
	}
	t, _ := ParseMonthDay("January 15")
	return t, true
}

// ParseMonthDay parses "January 2" or "Jan 2" in year zero
func ParseMonthDay(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	for _, layout := range []string{"January 2", "Jan 2"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// extractState returns the first state the question names. Full names match in
// any case outside college names; postal codes only in upper case.
func extractState(question string, aliases *colleges.Table) string {
	text := " " + aliases.Mask(question) + " "
	code, first := "", -1
	for _, st := range states {
		if i := strings.Index(text, " "+st.name+" "); i >= 0 && (first < 0 || i < first) {
			code, first = st.code, i
		}
	}
	if code != "" {
		return code
	}
	for _, w := range wordPattern.FindAllString(question, -1) {
		if len(w) != 2 || strings.ToUpper(w) != w {
			continue
		}
		for _, st := range states {
			if w == st.code {
				return w
			}
		}
	}
	return ""
}

func appendMissing(cols []string, extra ...string) []string {
	for _, e := range extra {
		found := false
		for _, c := range cols {
			if c == e {
				found = true
				break
			}
		}
		if !found {
			cols = append(cols, e)
		}
	}
	return cols
}

package colleges

import (
	_ "embed"
	"fmt"
	"sort"
	"strings"
	"sync"
	"unicode"

	"github.com/Kocoro-lab/advisor/internal/config"
	"gopkg.in/yaml.v3"
)

// FileName is the hot-reloaded override in the policy directory
const FileName = "aliases.yaml"

//go:embed aliases.yaml
var embeddedAliases []byte

type aliasFile struct {
	Colleges map[string][]string `yaml:"colleges"`
}

type alias struct {
	norm      string
	canonical string
}

// Table maps aliases and canonical names to canonical names. Safe for concurrent use.
type Table struct {
	mu        sync.RWMutex
	byNorm    map[string]string
	ordered   []alias // longest alias first
	canonical []string
}

// Default returns a table loaded from the embedded alias list
func Default() *Table {
	t := &Table{}
	if err := t.Load(embeddedAliases); err != nil {
		panic(fmt.Sprintf("embedded alias table is invalid: %v", err))
	}
	return t
}

// Load replaces the table contents. Invalid input leaves the table unchanged.
func (t *Table) Load(data []byte) error {
	var f aliasFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("parse aliases: %w", err)
	}
	if len(f.Colleges) == 0 {
		return fmt.Errorf("alias table has no colleges")
	}

	byNorm := make(map[string]string)
	var ordered []alias
	names := make([]string, 0, len(f.Colleges))
	for canonical, aliases := range f.Colleges {
		canonical = strings.TrimSpace(canonical)
		if canonical == "" {
			continue
		}
		names = append(names, canonical)
		for _, a := range append([]string{canonical}, aliases...) {
			n := normalize(a)
			if n == "" {
				continue
			}
			if prev, ok := byNorm[n]; ok && prev != canonical {
				return fmt.Errorf("alias %q maps to both %q and %q", a, prev, canonical)
			}
			if _, ok := byNorm[n]; !ok {
				ordered = append(ordered, alias{norm: n, canonical: canonical})
			}
			byNorm[n] = canonical
		}
	}
	sort.Slice(ordered, func(i, j int) bool {
		if len(ordered[i].norm) != len(ordered[j].norm) {
			return len(ordered[i].norm) > len(ordered[j].norm)
		}
		return ordered[i].norm < ordered[j].norm
	})
	sort.Strings(names)

	t.mu.Lock()
	t.byNorm = byNorm
	t.ordered = ordered
	t.canonical = names
	t.mu.Unlock()
	return nil
}

// HandleChange reloads the table from aliases.yaml. A deleted file restores the embedded list.
func (t *Table) HandleChange(e config.ChangeEvent) error {
	if e.Action == "delete" {
		return t.Load(embeddedAliases)
	}
	return t.Load(e.Data)
}

// Names returns the canonical names, sorted
func (t *Table) Names() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]string(nil), t.canonical...)
}

// Canonical resolves a single college name. Unknown names come back trimmed but otherwise unchanged.
func (t *Table) Canonical(name string) string {
	n := normalize(name)
	t.mu.RLock()
	c, ok := t.byNorm[n]
	t.mu.RUnlock()
	if ok {
		return c
	}
	if found := t.Scan(name); len(found) == 1 {
		return found[0]
	}
	return strings.TrimSpace(name)
}

// Known reports whether name resolves through the table
func (t *Table) Known(name string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.byNorm[normalize(name)]
	return ok
}

// Scan returns the canonical names mentioned in text, in order of first mention, without duplicates
func (t *Table) Scan(text string) []string {
	hits, _ := t.scan(text)
	seen := make(map[string]bool)
	var out []string
	for _, h := range hits {
		if !seen[h.canonical] {
			seen[h.canonical] = true
			out = append(out, h.canonical)
		}
	}
	return out
}

// Mask returns text normalized the way Scan sees it, with every college
// mention overwritten by '#'. Words inside a college name ("New York
// University") then no longer read as places. A nil table only normalizes.
func (t *Table) Mask(text string) string {
	if t == nil {
		return normalize(text)
	}
	_, masked := t.scan(text)
	return strings.TrimSpace(masked)
}

type hit struct {
	pos       int
	canonical string
}

// scan finds alias mentions, longest alias first, and returns them in text
// order together with the padded normalized text with each mention masked
func (t *Table) scan(text string) ([]hit, string) {
	padded := " " + normalize(text) + " "
	if strings.TrimSpace(padded) == "" {
		return nil, padded
	}

	t.mu.RLock()
	ordered := t.ordered
	t.mu.RUnlock()

	var hits []hit
	masked := []byte(padded)
	for _, a := range ordered {
		needle := " " + a.norm + " "
		from := 0
		for {
			idx := strings.Index(string(masked[from:]), needle)
			if idx < 0 {
				break
			}
			pos := from + idx
			hits = append(hits, hit{pos: pos, canonical: a.canonical})
			// mask the alias body so shorter aliases cannot match inside it
			for i := pos + 1; i < pos+len(needle)-1; i++ {
				masked[i] = '#'
			}
			from = pos + len(needle) - 1
		}
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].pos < hits[j].pos })
	return hits, string(masked)
}

// Mentions reports whether text names any known college
func (t *Table) Mentions(text string) bool {
	return len(t.Scan(text)) > 0
}

// normalize lowercases and collapses every run of non-alphanumerics to one space
func normalize(s string) string {
	var b strings.Builder
	space := false
	for _, r := range strings.ToLower(s) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			if space && b.Len() > 0 {
				b.WriteByte(' ')
			}
			space = false
			b.WriteRune(r)
			continue
		}
		space = true
	}
	return b.String()
}

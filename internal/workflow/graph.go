// Package workflow runs a request through a compiled DAG of nodes.
//
// Nodes read and write declared fields of a state.RequestState. Edges are
// either fixed or chosen at run time by a Router, and every path ends at END.
// Compile rejects graphs that could loop, dead-end, or read a field before
// any node that can precede the reader has written it.
package workflow

import (
	"context"
	"fmt"
	"sort"

	"github.com/Kocoro-lab/advisor/internal/state"
	"github.com/Kocoro-lab/advisor/internal/validation"
	"go.uber.org/zap"
)

// END is the implicit terminal node
const END = "__end__"

// NodeFunc is the body of a node. It returns a partial state; nil fields are untouched.
type NodeFunc func(ctx context.Context, s *state.RequestState) (state.Update, error)

// Router picks the next node from the current state. It must not mutate s.
type Router func(s *state.RequestState) string

// Node is one step of the workflow
type Node struct {
	Name   string
	Reads  []state.Field
	Writes []state.Field
	Run    NodeFunc
}

type route struct {
	fn      Router
	targets []string
}

// Graph is a mutable builder. It is not safe for concurrent use.
type Graph struct {
	name   string
	logger *zap.Logger

	nodes  map[string]Node
	order  []string
	edges  map[string]string
	routes map[string]route
	entry  string
	errs   []error
}

// NewGraph creates an empty graph
func NewGraph(name string, logger *zap.Logger) *Graph {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Graph{
		name:   name,
		logger: logger,
		nodes:  make(map[string]Node),
		edges:  make(map[string]string),
		routes: make(map[string]route),
	}
}

// AddNode registers n. Duplicate or reserved names are reported by Compile.
func (g *Graph) AddNode(n Node) *Graph {
	switch {
	case n.Name == "" || n.Name == END:
		g.errs = append(g.errs, fmt.Errorf("invalid node name %q", n.Name))
		return g
	case n.Run == nil:
		g.errs = append(g.errs, fmt.Errorf("node %s has no body", n.Name))
		return g
	}
	if _, dup := g.nodes[n.Name]; dup {
		g.errs = append(g.errs, fmt.Errorf("duplicate node %s", n.Name))
		return g
	}
	g.nodes[n.Name] = n
	g.order = append(g.order, n.Name)
	return g
}

// AddEdge adds an unconditional transition
func (g *Graph) AddEdge(from, to string) *Graph {
	if g.hasOutgoing(from) {
		g.errs = append(g.errs, fmt.Errorf("node %s already has an outgoing edge", from))
		return g
	}
	g.edges[from] = to
	return g
}

// AddConditionalEdge adds a routed transition. The router may only return one of targets.
func (g *Graph) AddConditionalEdge(from string, fn Router, targets ...string) *Graph {
	if g.hasOutgoing(from) {
		g.errs = append(g.errs, fmt.Errorf("node %s already has an outgoing edge", from))
		return g
	}
	if fn == nil || len(targets) == 0 {
		g.errs = append(g.errs, fmt.Errorf("conditional edge from %s needs a router and targets", from))
		return g
	}
	g.routes[from] = route{fn: fn, targets: append([]string(nil), targets...)}
	return g
}

// SetEntry sets the first node
func (g *Graph) SetEntry(name string) *Graph {
	g.entry = name
	return g
}

func (g *Graph) hasOutgoing(from string) bool {
	_, fixed := g.edges[from]
	_, routed := g.routes[from]
	return fixed || routed
}

func (g *Graph) successors(name string) []string {
	if to, ok := g.edges[name]; ok {
		return []string{to}
	}
	if r, ok := g.routes[name]; ok {
		return r.targets
	}
	return nil
}

// Compile validates the graph and returns an engine that can run it
func (g *Graph) Compile(opts ...Option) (*Engine, error) {
	if len(g.errs) > 0 {
		return nil, fmt.Errorf("graph %s: %w", g.name, g.errs[0])
	}
	if g.entry == "" {
		return nil, fmt.Errorf("graph %s: no entry node", g.name)
	}
	if _, ok := g.nodes[g.entry]; !ok {
		return nil, fmt.Errorf("graph %s: unknown entry node %s", g.name, g.entry)
	}

	for _, name := range g.sortedEdgeSources() {
		if _, ok := g.nodes[name]; !ok {
			return nil, fmt.Errorf("graph %s: edge from unknown node %s", g.name, name)
		}
		for _, to := range g.successors(name) {
			if _, ok := g.nodes[to]; !ok && to != END {
				return nil, fmt.Errorf("graph %s: edge %s -> unknown node %s", g.name, name, to)
			}
		}
	}

	deps := make(map[string][]string, len(g.order))
	for _, from := range g.order {
		for _, to := range g.successors(from) {
			if to != END {
				deps[to] = append(deps[to], from)
			}
		}
	}
	infos := make([]validation.NodeDeps, 0, len(g.order))
	for _, name := range g.order {
		infos = append(infos, validation.NodeDeps{ID: name, Dependencies: deps[name]})
	}
	if err := validation.ValidateDAGDependencies(infos); err != nil {
		return nil, fmt.Errorf("graph %s: %w", g.name, err)
	}

	reachable := g.reach(g.entry)
	for _, name := range g.order {
		if !reachable[name] {
			return nil, fmt.Errorf("graph %s: node %s is unreachable from %s", g.name, name, g.entry)
		}
		if !g.reach(name)[END] {
			return nil, fmt.Errorf("graph %s: node %s never reaches END", g.name, name)
		}
	}

	if err := g.checkReads(); err != nil {
		return nil, fmt.Errorf("graph %s: %w", g.name, err)
	}

	e := &Engine{
		name:    g.name,
		logger:  g.logger.With(zap.String("component", "workflow"), zap.String("graph", g.name)),
		entry:   g.entry,
		nodes:   make(map[string]Node, len(g.nodes)),
		edges:   make(map[string]string, len(g.edges)),
		routes:  make(map[string]route, len(g.routes)),
		writes:  make(map[string]map[state.Field]bool, len(g.nodes)),
		timeout: DefaultTimeout,
	}
	for name, n := range g.nodes {
		e.nodes[name] = n
		allowed := make(map[state.Field]bool, len(n.Writes))
		for _, f := range n.Writes {
			allowed[f] = true
		}
		e.writes[name] = allowed
	}
	for k, v := range g.edges {
		e.edges[k] = v
	}
	for k, v := range g.routes {
		e.routes[k] = v
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

func (g *Graph) sortedEdgeSources() []string {
	names := make([]string, 0, len(g.edges)+len(g.routes))
	for k := range g.edges {
		names = append(names, k)
	}
	for k := range g.routes {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// reach returns every node reachable from start, start included
func (g *Graph) reach(start string) map[string]bool {
	seen := map[string]bool{start: true}
	stack := []string{start}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, next := range g.successors(n) {
			if !seen[next] {
				seen[next] = true
				stack = append(stack, next)
			}
		}
	}
	return seen
}

// checkReads rejects a node reading a field that only nodes after it can write
func (g *Graph) checkReads() error {
	input := make(map[state.Field]bool, len(state.InputFields))
	for _, f := range state.InputFields {
		input[f] = true
	}

	writers := make(map[state.Field][]string)
	for _, name := range g.order {
		for _, f := range g.nodes[name].Writes {
			if input[f] {
				return fmt.Errorf("node %s declares a write to input field %s", name, f)
			}
			writers[f] = append(writers[f], name)
		}
	}

	for _, name := range g.order {
		for _, f := range g.nodes[name].Reads {
			if input[f] {
				continue
			}
			ws := writers[f]
			if len(ws) == 0 {
				return fmt.Errorf("node %s reads %s which no node writes", name, f)
			}
			before := false
			for _, w := range ws {
				if w != name && g.reach(w)[name] {
					before = true
					break
				}
			}
			if !before {
				return fmt.Errorf("node %s reads %s before any writer can run", name, f)
			}
		}
	}
	return nil
}

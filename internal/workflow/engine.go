package workflow

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/Kocoro-lab/advisor/internal/metrics"
	"github.com/Kocoro-lab/advisor/internal/state"
	"github.com/Kocoro-lab/advisor/internal/tracing"
	"go.uber.org/zap"
)

// DefaultTimeout bounds a whole run when no option overrides it
const DefaultTimeout = 90 * time.Second

// TimeoutMessage is the early exit written when the run deadline passes
const TimeoutMessage = "The request took too long to process. Please try again with a simpler or more specific question."

// Phase marks where in its lifecycle a node event was emitted
type Phase string

const (
	PhaseStarted   Phase = "started"
	PhaseCompleted Phase = "completed"
	PhaseFailed    Phase = "failed"
	PhaseTimedOut  Phase = "timed_out"
)

// NodeEvent describes one node transition
type NodeEvent struct {
	RequestID string        `json:"request_id"`
	Node      string        `json:"node"`
	Phase     Phase         `json:"phase"`
	Next      string        `json:"next,omitempty"`
	Writes    []state.Field `json:"writes,omitempty"`
	Duration  time.Duration `json:"duration_ns,omitempty"`
	Error     string        `json:"error,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
}

// Observer receives node events. Implementations must not block for long.
type Observer interface {
	OnNodeEvent(ctx context.Context, ev NodeEvent)
}

// ObserverFunc adapts a function to Observer
type ObserverFunc func(ctx context.Context, ev NodeEvent)

// OnNodeEvent calls f
func (f ObserverFunc) OnNodeEvent(ctx context.Context, ev NodeEvent) { f(ctx, ev) }

// Option configures an Engine at compile time
type Option func(*Engine)

// WithTimeout sets the run deadline
func WithTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.timeout = d
		}
	}
}

// WithObserver adds an observer that sees every run
func WithObserver(o Observer) Option {
	return func(e *Engine) {
		if o != nil {
			e.observers = append(e.observers, o)
		}
	}
}

// Engine executes a compiled graph. It is immutable and safe for concurrent runs.
type Engine struct {
	name      string
	logger    *zap.Logger
	entry     string
	nodes     map[string]Node
	edges     map[string]string
	routes    map[string]route
	writes    map[string]map[state.Field]bool
	timeout   time.Duration
	observers []Observer
}

// Timeout returns the configured run deadline
func (e *Engine) Timeout() time.Duration {
	return e.timeout
}

type nodeOutcome struct {
	update state.Update
	err    error
}

// Run executes the graph against s from the entry node to END.
// Expected failures resolve into s. Only invariant violations are returned.
func (e *Engine) Run(ctx context.Context, s *state.RequestState, extra ...Observer) error {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	observers := append(append([]Observer(nil), e.observers...), extra...)
	logger := e.logger.With(zap.String("request_id", s.RequestID))

	visited := make(map[string]bool, len(e.nodes))
	current := e.entry
	for current != END {
		if visited[current] {
			return fmt.Errorf("%w: node %s scheduled twice", state.ErrInvariantViolation, current)
		}
		visited[current] = true

		if ctx.Err() != nil {
			e.timedOut(ctx, s, current, observers, logger)
			return s.CheckTerminal()
		}

		node := e.nodes[current]
		e.emit(ctx, observers, NodeEvent{RequestID: s.RequestID, Node: current, Phase: PhaseStarted})
		start := time.Now()

		out, timedOut := e.execute(ctx, node, s)
		elapsed := time.Since(start)
		if timedOut {
			e.timedOut(ctx, s, current, observers, logger)
			return s.CheckTerminal()
		}
		if out.err != nil {
			metrics.RecordNodeMetrics(current, "failed", elapsed.Seconds())
			e.emit(ctx, observers, NodeEvent{RequestID: s.RequestID, Node: current, Phase: PhaseFailed, Duration: elapsed, Error: out.err.Error()})
			logger.Error("Node failed", zap.String("node", current), zap.Error(out.err))
			if !errors.Is(out.err, state.ErrInvariantViolation) {
				return fmt.Errorf("%w: node %s: %v", state.ErrInvariantViolation, current, out.err)
			}
			return out.err
		}

		written := out.update.Fields()
		for _, f := range written {
			if !e.writes[current][f] {
				metrics.RecordNodeMetrics(current, "failed", elapsed.Seconds())
				return fmt.Errorf("%w: node %s wrote undeclared field %s", state.ErrInvariantViolation, current, f)
			}
		}
		s.Apply(out.update)

		next, err := e.next(current, s)
		if err != nil {
			metrics.RecordNodeMetrics(current, "failed", elapsed.Seconds())
			return err
		}
		metrics.RecordNodeMetrics(current, "completed", elapsed.Seconds())
		e.emit(ctx, observers, NodeEvent{RequestID: s.RequestID, Node: current, Phase: PhaseCompleted, Next: next, Writes: written, Duration: elapsed})
		logger.Debug("Node completed",
			zap.String("node", current),
			zap.String("next", next),
			zap.Duration("duration", elapsed))
		current = next
	}

	return s.CheckTerminal()
}

// execute runs one node body with panic recovery. The second return is true
// when the run deadline fired first; the node's late result is discarded.
func (e *Engine) execute(ctx context.Context, node Node, s *state.RequestState) (nodeOutcome, bool) {
	done := make(chan nodeOutcome, 1)
	go func() {
		spanCtx, span := tracing.StartNodeSpan(ctx, s.RequestID, node.Name)
		var out nodeOutcome
		defer func() {
			if r := recover(); r != nil {
				e.logger.Error("Node panicked",
					zap.String("node", node.Name),
					zap.Any("panic", r),
					zap.ByteString("stack", debug.Stack()))
				out = nodeOutcome{err: fmt.Errorf("%w: node %s panicked: %v", state.ErrInvariantViolation, node.Name, r)}
			}
			tracing.EndSpan(span, out.err)
			done <- out
		}()
		// nodes see a snapshot so a late result cannot race the engine
		snapshot := *s
		out.update, out.err = node.Run(spanCtx, &snapshot)
	}()

	select {
	case out := <-done:
		if out.err != nil && ctx.Err() != nil && !errors.Is(out.err, state.ErrInvariantViolation) {
			return out, true
		}
		return out, false
	case <-ctx.Done():
		return nodeOutcome{}, true
	}
}

func (e *Engine) next(current string, s *state.RequestState) (string, error) {
	if to, ok := e.edges[current]; ok {
		return to, nil
	}
	r, ok := e.routes[current]
	if !ok {
		return "", fmt.Errorf("%w: node %s has no outgoing edge", state.ErrInvariantViolation, current)
	}
	snapshot := *s
	to := r.fn(&snapshot)
	for _, t := range r.targets {
		if t == to {
			return to, nil
		}
	}
	return "", fmt.Errorf("%w: router of %s chose undeclared target %q", state.ErrInvariantViolation, current, to)
}

func (e *Engine) timedOut(ctx context.Context, s *state.RequestState, node string, observers []Observer, logger *zap.Logger) {
	logger.Warn("Workflow deadline exceeded",
		zap.String("node", node),
		zap.Duration("timeout", e.timeout),
		zap.Error(state.ErrWorkflowTimeout))
	metrics.RecordNodeMetrics(node, "timed_out", 0)
	e.emit(ctx, observers, NodeEvent{RequestID: s.RequestID, Node: node, Phase: PhaseTimedOut, Error: state.ErrWorkflowTimeout.Error()})
	if s.FinalOutput == nil {
		s.Apply(state.Exit(TimeoutMessage))
	}
}

func (e *Engine) emit(ctx context.Context, observers []Observer, ev NodeEvent) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	for _, o := range observers {
		o.OnNodeEvent(context.WithoutCancel(ctx), ev)
	}
}

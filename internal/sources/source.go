// Package sources defines the adapter contract shared by the structured, semantic
// and web sources, and the guard that enforces it.
package sources

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
	"golang.org/x/sync/errgroup"
)

// DefaultTimeout bounds a single fetch
const DefaultTimeout = 30 * time.Second

// Source is a knowledge source. Fetch must honour ctx and report failures through
// the result status rather than by panicking.
type Source interface {
	ID() state.SourceID
	Fetch(ctx context.Context, query string, entities state.Entities) state.SourceResult
}

// Func adapts a function to Source
type Func struct {
	SourceID state.SourceID
	Fn       func(ctx context.Context, query string, entities state.Entities) state.SourceResult
}

func (f Func) ID() state.SourceID { return f.SourceID }

func (f Func) Fetch(ctx context.Context, query string, entities state.Entities) state.SourceResult {
	return f.Fn(ctx, query, entities)
}

// Guarded wraps a source with a timeout, panic recovery, metrics and logging
type Guarded struct {
	inner   Source
	timeout time.Duration
	logger  *zap.Logger
}

// Guard wraps src. A zero timeout uses DefaultTimeout.
func Guard(src Source, timeout time.Duration, logger *zap.Logger) *Guarded {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Guarded{
		inner:   src,
		timeout: timeout,
		logger:  logger.With(zap.String("source", string(src.ID()))),
	}
}

func (g *Guarded) ID() state.SourceID { return g.inner.ID() }

// Fetch never panics and always returns a well-formed result. A source that ignores
// cancellation is abandoned once the timeout expires.
func (g *Guarded) Fetch(ctx context.Context, query string, entities state.Entities) state.SourceResult {
	start := time.Now()
	ctx, span := tracing.StartSpan(ctx, "source."+string(g.ID()))

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	done := make(chan state.SourceResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				g.logger.Error("Source panicked",
					zap.Any("panic", r),
					zap.ByteString("stack", debug.Stack()),
				)
				done <- state.Failed(fmt.Errorf("%w: panic: %v", state.ErrSourceError, r))
			}
		}()
		done <- g.inner.Fetch(ctx, query, entities)
	}()

	var result state.SourceResult
	select {
	case result = <-done:
	case <-ctx.Done():
		result = state.Failed(fmt.Errorf("%w: %v", state.ErrSourceError, ctx.Err()))
	}
	result = normalize(ctx, result)

	if result.Status == state.StatusError {
		g.logger.Warn("Source returned error", zap.String("detail", result.ErrorDetail))
		tracing.EndSpan(span, errors.New(result.ErrorDetail))
	} else {
		tracing.EndSpan(span, nil)
	}
	metrics.RecordSourceMetrics(string(g.ID()), string(result.Status), time.Since(start).Seconds())
	return result
}

// normalize repairs results that do not follow the contract
func normalize(ctx context.Context, r state.SourceResult) state.SourceResult {
	switch r.Status {
	case state.StatusOK:
		if r.Payload == nil {
			return state.Empty()
		}
		return r
	case state.StatusEmpty:
		return state.Empty()
	case state.StatusError:
		if r.ErrorDetail == "" {
			r.ErrorDetail = state.ErrSourceError.Error()
		}
		return r
	default:
		if err := ctx.Err(); err != nil {
			return state.Failed(fmt.Errorf("%w: %v", state.ErrSourceError, err))
		}
		return state.Failed(fmt.Errorf("%w: unknown status %q", state.ErrSourceError, r.Status))
	}
}

// FromError converts an adapter error into a result. ErrSourceEmpty maps to EMPTY.
func FromError(err error) state.SourceResult {
	if errors.Is(err, state.ErrSourceEmpty) {
		return state.Empty()
	}
	if !errors.Is(err, state.ErrSourceError) {
		err = fmt.Errorf("%w: %v", state.ErrSourceError, err)
	}
	return state.Failed(err)
}

// FetchAll runs every source concurrently and waits for all of them.
// Results come back in the order of srcs. Pass guarded sources.
func FetchAll(ctx context.Context, query string, entities state.Entities, srcs ...Source) state.SourceResults {
	results := make([]state.SourceResult, len(srcs))
	var g errgroup.Group
	for i, src := range srcs {
		i, src := i, src
		g.Go(func() error {
			results[i] = src.Fetch(ctx, query, entities)
			return nil
		})
	}
	_ = g.Wait()

	var out state.SourceResults
	for i, src := range srcs {
		out = out.Set(src.ID(), results[i])
	}
	return out
}

// Package registry holds the process-wide services shared by every request.
package registry

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/advisor/internal/colleges"
	"github.com/Kocoro-lab/advisor/internal/config"
	"github.com/Kocoro-lab/advisor/internal/health"
	"github.com/Kocoro-lab/advisor/internal/session"
	"github.com/Kocoro-lab/advisor/internal/sources"
	"github.com/Kocoro-lab/advisor/internal/state"
)

// ServiceRegistry is constructed once at startup and read-only afterwards.
// Tests build one directly with fakes.
type ServiceRegistry struct {
	Logger  *zap.Logger
	Aliases *colleges.Table

	Safety     SafetyChecker
	Intent     IntentClassifier
	Structured sources.Source
	Semantic   sources.Source
	Web        sources.Source
	Aggregator ResultAggregator
	Sessions   session.Store
	Deadlines  DeadlineLookup
	Health     *health.Manager

	// RequestTimeout bounds one workflow run
	RequestTimeout time.Duration
	// SourceTimeout bounds one adapter fetch
	SourceTimeout time.Duration
	// HistoryWindow is how many recent turns are handed to the safety gate
	HistoryWindow int

	mu        sync.Mutex
	closers   []func() error
	reloaders []func(cm *config.ConfigManager)
}

// Validate reports missing collaborators
func (r *ServiceRegistry) Validate() error {
	var missing []string
	check := func(name string, ok bool) {
		if !ok {
			missing = append(missing, name)
		}
	}
	check("safety", r.Safety != nil)
	check("intent", r.Intent != nil)
	check("structured source", r.Structured != nil)
	check("semantic source", r.Semantic != nil)
	check("web source", r.Web != nil)
	check("aggregator", r.Aggregator != nil)
	check("sessions", r.Sessions != nil)
	check("deadlines", r.Deadlines != nil)
	if len(missing) > 0 {
		return fmt.Errorf("service registry incomplete: missing %v", missing)
	}

	for _, s := range []struct {
		src  sources.Source
		want state.SourceID
	}{
		{r.Structured, state.SourceStructured},
		{r.Semantic, state.SourceSemantic},
		{r.Web, state.SourceWeb},
	} {
		if s.src.ID() != s.want {
			return fmt.Errorf("service registry: %s source reports id %s", s.want, s.src.ID())
		}
	}
	return nil
}

// OnClose registers fn to run on Close, in reverse registration order
func (r *ServiceRegistry) OnClose(fn func() error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closers = append(r.closers, fn)
}

// OnReload registers a hot-reload hook, applied by Watch
func (r *ServiceRegistry) OnReload(fn func(cm *config.ConfigManager)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reloaders = append(r.reloaders, fn)
}

// Watch attaches every reload hook to cm. Call before cm.Start.
func (r *ServiceRegistry) Watch(cm *config.ConfigManager) {
	r.mu.Lock()
	hooks := append([]func(*config.ConfigManager){}, r.reloaders...)
	r.mu.Unlock()
	for _, fn := range hooks {
		fn(cm)
	}
}

// Close releases shared clients
func (r *ServiceRegistry) Close() error {
	r.mu.Lock()
	closers := r.closers
	r.closers = nil
	r.mu.Unlock()

	var errs []error
	for i := len(closers) - 1; i >= 0; i-- {
		if err := closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

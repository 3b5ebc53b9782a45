package circuitbreaker

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const stateRefreshInterval = 10 * time.Second

var (
	breakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "advisor_circuit_breaker_state",
		Help: "Breaker state per dependency (0=closed, 1=half-open, 2=open)",
	}, []string{"name", "service"})

	breakerCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "advisor_circuit_breaker_requests_total",
		Help: "Calls made through a breaker by state and result",
	}, []string{"name", "service", "state", "result"})

	breakerTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "advisor_circuit_breaker_state_changes_total",
		Help: "Breaker state transitions",
	}, []string{"name", "service", "from_state", "to_state"})

	breakerOpenedAt = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "advisor_circuit_breaker_open_since_seconds",
		Help: "Unix time the breaker last opened, 0 while not open",
	}, []string{"name", "service"})
)

type breakerID struct {
	service string
	name    string
}

func (id breakerID) String() string {
	return id.service + ":" + id.name
}

// MetricsCollector tracks every breaker the wrappers create
type MetricsCollector struct {
	mu       sync.RWMutex
	breakers map[breakerID]*CircuitBreaker
}

// GlobalMetricsCollector is shared by the redis, database and HTTP wrappers
var GlobalMetricsCollector = NewMetricsCollector()

func NewMetricsCollector() *MetricsCollector {
	return &MetricsCollector{breakers: make(map[breakerID]*CircuitBreaker)}
}

// RegisterCircuitBreaker exports cb's transitions. A later registration under
// the same service and name replaces the earlier breaker.
func (mc *MetricsCollector) RegisterCircuitBreaker(name, service string, cb *CircuitBreaker) {
	id := breakerID{service: service, name: name}
	mc.mu.Lock()
	mc.breakers[id] = cb
	mc.mu.Unlock()

	breakerState.WithLabelValues(name, service).Set(float64(cb.State()))
	prev := cb.config.OnStateChange
	cb.config.OnStateChange = func(cbName string, from, to State) {
		if prev != nil {
			prev(cbName, from, to)
		}
		breakerTransitions.WithLabelValues(name, service, from.String(), to.String()).Inc()
		breakerState.WithLabelValues(name, service).Set(float64(to))
		switch {
		case to == StateOpen:
			breakerOpenedAt.WithLabelValues(name, service).SetToCurrentTime()
		case from == StateOpen:
			breakerOpenedAt.WithLabelValues(name, service).Set(0)
		}
	}
}

// RecordRequest counts one call made in the given state
func (mc *MetricsCollector) RecordRequest(name, service string, state State, success bool) {
	result := "success"
	if !success {
		result = "failure"
	}
	breakerCalls.WithLabelValues(name, service, state.String(), result).Inc()
}

// UpdateMetrics refreshes the state gauges. Half-open to open transitions
// that happen lazily on the next call are caught here.
func (mc *MetricsCollector) UpdateMetrics() {
	for id, st := range mc.states() {
		breakerState.WithLabelValues(id.name, id.service).Set(float64(st))
	}
}

// Snapshot returns each breaker's state keyed by service:name
func (mc *MetricsCollector) Snapshot() map[string]State {
	states := mc.states()
	out := make(map[string]State, len(states))
	for id, st := range states {
		out[id.String()] = st
	}
	return out
}

func (mc *MetricsCollector) states() map[breakerID]State {
	mc.mu.RLock()
	defer mc.mu.RUnlock()
	out := make(map[breakerID]State, len(mc.breakers))
	for id, cb := range mc.breakers {
		out[id] = cb.State()
	}
	return out
}

// StartMetricsCollection refreshes the global gauges until ctx is done
func StartMetricsCollection(ctx context.Context) {
	go func() {
		t := time.NewTicker(stateRefreshInterval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				GlobalMetricsCollector.UpdateMetrics()
			}
		}
	}()
}

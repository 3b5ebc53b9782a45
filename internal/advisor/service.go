// Package advisor runs the college advising workflow behind the public API.
package advisor

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/advisor/internal/deadline"
	"github.com/Kocoro-lab/advisor/internal/metrics"
	"github.com/Kocoro-lab/advisor/internal/registry"
	"github.com/Kocoro-lab/advisor/internal/session"
	"github.com/Kocoro-lab/advisor/internal/sources"
	"github.com/Kocoro-lab/advisor/internal/state"
	"github.com/Kocoro-lab/advisor/internal/workflow"
)

// ErrInvalidRequest is returned for requests rejected before any work is done
var ErrInvalidRequest = errors.New("invalid request")

// Service is safe for concurrent use. Each call owns its RequestState.
type Service struct {
	reg    *registry.ServiceRegistry
	engine *workflow.Engine
	logger *zap.Logger

	structured sources.Source
	semantic   sources.Source
	web        sources.Source

	newID func() string
	now   func() time.Time
}

// New validates reg and compiles the advisor graph. Extra options are passed to the engine.
func New(reg *registry.ServiceRegistry, opts ...workflow.Option) (*Service, error) {
	if err := reg.Validate(); err != nil {
		return nil, err
	}
	logger := reg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Service{
		reg:        reg,
		logger:     logger.With(zap.String("component", "advisor")),
		structured: sources.Guard(reg.Structured, reg.SourceTimeout, logger),
		semantic:   sources.Guard(reg.Semantic, reg.SourceTimeout, logger),
		web:        sources.Guard(reg.Web, reg.SourceTimeout, logger),
		newID:      uuid.NewString,
		now:        func() time.Time { return time.Now().UTC() },
	}

	opts = append([]workflow.Option{workflow.WithTimeout(reg.RequestTimeout)}, opts...)
	engine, err := s.buildGraph(opts...)
	if err != nil {
		return nil, err
	}
	s.engine = engine
	return s, nil
}

// CreateSession starts an empty history and returns its id
func (s *Service) CreateSession(ctx context.Context) (string, error) {
	sess, err := s.reg.Sessions.Create(ctx)
	if err != nil {
		return "", err
	}
	return sess.ID, nil
}

// History returns a session's full log, oldest first
func (s *Service) History(ctx context.Context, sessionID string) ([]state.Turn, error) {
	return s.reg.Sessions.History(ctx, sessionID)
}

// Run executes one workflow in mode. A non-empty sessionID must exist; its recent
// history feeds the safety gate and one turn is appended after the run.
// The returned error is either a session lookup failure or an invariant violation.
func (s *Service) Run(ctx context.Context, mode state.Mode, prompt, sessionID string, observers ...workflow.Observer) (*state.RequestState, error) {
	history, err := s.history(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	st := state.NewRequestState(s.newID(), mode, prompt, history)
	st.SessionID = sessionID
	metrics.WorkflowsStarted.WithLabelValues(string(mode)).Inc()

	start := time.Now()
	runErr := s.engine.Run(ctx, st, observers...)
	metrics.RecordWorkflowMetrics(string(mode), outcome(st, runErr), time.Since(start).Seconds())
	if runErr != nil {
		s.logger.Error("Workflow failed",
			zap.String("request_id", st.RequestID),
			zap.String("mode", string(mode)),
			zap.Error(runErr))
		return st, runErr
	}

	s.logger.Info("Workflow completed",
		zap.String("request_id", st.RequestID),
		zap.String("mode", string(mode)),
		zap.String("intent", string(st.Intent)),
		zap.Bool("fallback_triggered", st.FallbackTriggered),
		zap.Bool("early_exit", st.EarlyExitMessage != nil),
		zap.Duration("duration", time.Since(start)))

	if sessionID != "" {
		s.appendTurn(ctx, st)
	}
	return st, nil
}

func (s *Service) history(ctx context.Context, sessionID string) ([]state.Turn, error) {
	if sessionID == "" {
		return nil, nil
	}
	n := s.reg.HistoryWindow
	if n <= 0 {
		n = -1
	}
	return s.reg.Sessions.Recent(ctx, sessionID, n)
}

// appendTurn records the run. A failed append is logged, the answer is still returned.
func (s *Service) appendTurn(ctx context.Context, st *state.RequestState) {
	turn := state.Turn{Timestamp: s.now(), Prompt: st.Query, Response: ResponseText(st)}
	if err := s.reg.Sessions.Append(context.WithoutCancel(ctx), st.SessionID, turn); err != nil {
		s.logger.Warn("Failed to append session turn",
			zap.String("session_id", st.SessionID),
			zap.String("request_id", st.RequestID),
			zap.Error(err))
	}
}

// Recommend answers a recommendation question
func (s *Service) Recommend(ctx context.Context, prompt, sessionID string) (RecommendResponse, error) {
	st, err := s.Run(ctx, state.ModeRecommend, prompt, sessionID)
	if err != nil {
		return RecommendResponse{}, err
	}
	return NewRecommendResponse(st), nil
}

// Compare answers a two-college comparison
func (s *Service) Compare(ctx context.Context, prompt, sessionID string) (CompareResponse, error) {
	st, err := s.Run(ctx, state.ModeCompare, prompt, sessionID)
	if err != nil {
		return CompareResponse{}, err
	}
	return NewCompareResponse(st), nil
}

// DeadlineLookup answers "when is X's deadline" questions. The warehouse query
// gets the same budget as one source fetch.
func (s *Service) DeadlineLookup(ctx context.Context, question string) (deadline.Result, error) {
	if strings.TrimSpace(question) == "" {
		return deadline.Result{}, ErrInvalidRequest
	}
	timeout := s.reg.SourceTimeout
	if timeout <= 0 {
		timeout = sources.DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return s.reg.Deadlines.Lookup(ctx, question), nil
}

// IsSessionError reports whether err came from the session store rather than the workflow
func IsSessionError(err error) bool {
	return errors.Is(err, session.ErrSessionNotFound) ||
		errors.Is(err, session.ErrSessionExpired) ||
		errors.Is(err, session.ErrInvalidSession)
}

func outcome(st *state.RequestState, err error) string {
	switch {
	case err != nil:
		return "error"
	case st.EarlyExitMessage != nil:
		return "early_exit"
	case st.FinalOutput != nil && st.FinalOutput.FallbackUsed:
		return "fallback"
	case st.FallbackTriggered:
		return "no_data"
	default:
		return "answered"
	}
}

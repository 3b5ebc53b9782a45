package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/Kocoro-lab/advisor/internal/metrics"
	"github.com/Kocoro-lab/advisor/internal/state"
	"go.uber.org/zap"
)

// DefaultTimeout bounds a single completion attempt
const DefaultTimeout = 30 * time.Second

// CallError describes a completion that failed after all attempts
type CallError struct {
	Purpose  string
	Attempts int
	Timeout  bool
	Err      error
}

func (e *CallError) Error() string {
	kind := "failed"
	if e.Timeout {
		kind = "timed out"
	}
	return fmt.Sprintf("llm %s call %s after %d attempt(s): %v", e.Purpose, kind, e.Attempts, e.Err)
}

func (e *CallError) Unwrap() error { return e.Err }

// Caller is the single entry point every node uses to reach the model.
// Each attempt gets its own deadline. A timed out attempt is retried once;
// transport errors and malformed output are never retried.
type Caller struct {
	client  Client
	timeout time.Duration
	logger  *zap.Logger
}

// NewCaller wraps client with the shared timeout and retry policy
func NewCaller(client Client, timeout time.Duration, logger *zap.Logger) *Caller {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Caller{client: client, timeout: timeout, logger: logger}
}

// Timeout returns the per-attempt timeout
func (c *Caller) Timeout() time.Duration {
	return c.timeout
}

// Call returns the raw completion text
func (c *Caller) Call(ctx context.Context, req Request) (string, error) {
	start := time.Now()
	const maxAttempts = 2

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		out, err := c.attempt(ctx, req)
		if err == nil {
			metrics.RecordLLMMetrics(req.Purpose, "success", time.Since(start).Seconds())
			return out, nil
		}
		lastErr = err

		timedOut := isTimeout(err)
		// The caller's own deadline or cancellation ends the call
		if ctx.Err() != nil || !timedOut || attempt == maxAttempts {
			status := "error"
			if timedOut {
				status = "timeout"
			}
			metrics.RecordLLMMetrics(req.Purpose, status, time.Since(start).Seconds())
			return "", &CallError{Purpose: req.Purpose, Attempts: attempt, Timeout: timedOut, Err: lastErr}
		}

		metrics.LLMRetries.WithLabelValues(req.Purpose).Inc()
		c.logger.Warn("LLM call timed out, retrying once",
			zap.String("purpose", req.Purpose),
			zap.Duration("timeout", c.timeout),
		)
	}
	return "", &CallError{Purpose: req.Purpose, Attempts: maxAttempts, Err: lastErr}
}

func (c *Caller) attempt(ctx context.Context, req Request) (string, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	return c.client.Complete(attemptCtx, req)
}

// CallJSON requests JSON output and decodes it into T.
// Decoding failures are reported as state.ErrParseError.
func CallJSON[T any](ctx context.Context, c *Caller, req Request) (T, error) {
	var out T
	req.Format = FormatJSON
	raw, err := c.Call(ctx, req)
	if err != nil {
		return out, err
	}
	if err := DecodeJSON(raw, &out); err != nil {
		metrics.RecordLLMMetrics(req.Purpose, "parse_error", 0)
		return out, fmt.Errorf("%w: %s: %v", state.ErrParseError, req.Purpose, err)
	}
	return out, nil
}

// DecodeJSON extracts the JSON object from model output, tolerating code fences
// and surrounding prose.
func DecodeJSON(raw string, out interface{}) error {
	body := StripFences(raw)
	if start := strings.IndexByte(body, '{'); start > 0 {
		if end := strings.LastIndexByte(body, '}'); end > start {
			body = body[start : end+1]
		}
	}
	if body == "" {
		return errors.New("empty model output")
	}
	return json.Unmarshal([]byte(body), out)
}

// StripFences removes a surrounding markdown code fence such as ```json ... ```
func StripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		lang := strings.TrimSpace(s[:nl])
		if lang == "" || !strings.ContainsAny(lang, " {[") {
			s = s[nl+1:]
		}
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

// IsTimeout reports whether err came from an expired deadline
func IsTimeout(err error) bool {
	return isTimeout(err)
}

func isTimeout(err error) bool {
	if err == nil {
		return false
	}
	var ce *CallError
	if errors.As(err, &ce) {
		return ce.Timeout
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

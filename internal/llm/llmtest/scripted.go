// Package llmtest provides a deterministic llm.Client for tests.
package llmtest

import (
	"context"
	"fmt"
	"sync"

	"github.com/Kocoro-lab/advisor/internal/llm"
)

// Responder produces the completion for one request
type Responder func(ctx context.Context, req llm.Request) (string, error)

// Reply always returns text
func Reply(text string) Responder {
	return func(context.Context, llm.Request) (string, error) { return text, nil }
}

// Fail always returns err
func Fail(err error) Responder {
	return func(context.Context, llm.Request) (string, error) { return "", err }
}

// Hang blocks until the request context is done
func Hang() Responder {
	return func(ctx context.Context, _ llm.Request) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	}
}

// Scripted routes requests by Purpose. Unscripted purposes fail.
type Scripted struct {
	mu         sync.Mutex
	responders map[string]Responder
	calls      map[string]int
	prompts    map[string][]string
}

// New creates an empty script
func New() *Scripted {
	return &Scripted{
		responders: make(map[string]Responder),
		calls:      make(map[string]int),
		prompts:    make(map[string][]string),
	}
}

// On registers the responder for purpose and returns s for chaining
func (s *Scripted) On(purpose string, r Responder) *Scripted {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.responders[purpose] = r
	return s
}

// Complete implements llm.Client
func (s *Scripted) Complete(ctx context.Context, req llm.Request) (string, error) {
	s.mu.Lock()
	s.calls[req.Purpose]++
	s.prompts[req.Purpose] = append(s.prompts[req.Purpose], req.Prompt)
	r, ok := s.responders[req.Purpose]
	s.mu.Unlock()

	if !ok {
		return "", fmt.Errorf("no scripted response for purpose %q", req.Purpose)
	}
	return r(ctx, req)
}

// Calls returns how many requests were made for purpose
func (s *Scripted) Calls(purpose string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[purpose]
}

// LastPrompt returns the most recent prompt sent for purpose
func (s *Scripted) LastPrompt(purpose string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.prompts[purpose]
	if len(p) == 0 {
		return ""
	}
	return p[len(p)-1]
}

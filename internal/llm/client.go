package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/Kocoro-lab/advisor/internal/circuitbreaker"
	"github.com/Kocoro-lab/advisor/internal/tracing"
	"go.uber.org/zap"
)

// Format is the response format requested from the model
type Format string

const (
	FormatText Format = "text"
	FormatJSON Format = "json"
)

// Request is a single completion request
type Request struct {
	// Purpose labels the call in logs and metrics (moderation, intent, synthesis, web_summary)
	Purpose      string
	SystemPrompt string
	Prompt       string
	Format       Format
	MaxTokens    int
	Temperature  float64
}

// Client completes a prompt. Implementations must honour ctx cancellation.
type Client interface {
	Complete(ctx context.Context, req Request) (string, error)
}

// ServiceClient talks to the LLM service over HTTP
type ServiceClient struct {
	baseURL string
	http    *circuitbreaker.HTTPWrapper
	logger  *zap.Logger
}

// NewServiceClient creates a client for the LLM service at baseURL
func NewServiceClient(baseURL string, logger *zap.Logger) *ServiceClient {
	if baseURL == "" {
		baseURL = "http://llm-service:8000"
	}
	// Per-call deadlines come from the caller's context
	httpClient := &http.Client{Timeout: 0}
	return &ServiceClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    circuitbreaker.NewHTTPWrapper(httpClient, "llm-service", "llm", logger),
		logger:  logger,
	}
}

type serviceRequest struct {
	Query          string                 `json:"query"`
	Context        map[string]interface{} `json:"context"`
	AgentID        string                 `json:"agent_id"`
	SessionContext map[string]interface{} `json:"session_context,omitempty"`
}

type serviceResponse struct {
	Success  bool   `json:"success"`
	Response string `json:"response"`
	Error    string `json:"error,omitempty"`
}

// Complete posts the prompt to /agent/query and returns the raw model text
func (c *ServiceClient) Complete(ctx context.Context, req Request) (string, error) {
	url := fmt.Sprintf("%s/agent/query", c.baseURL)

	body := serviceRequest{
		Query: req.Prompt,
		Context: map[string]interface{}{
			"max_tokens":      req.MaxTokens,
			"temperature":     req.Temperature,
			"response_format": string(req.Format),
		},
		AgentID: "advisor_" + req.Purpose,
	}
	if req.SystemPrompt != "" {
		body.SessionContext = map[string]interface{}{"system_prompt": req.SystemPrompt}
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	ctx, span := tracing.StartHTTPSpan(ctx, http.MethodPost, url)
	defer span.End()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Agent-ID", body.AgentID)
	tracing.InjectTraceparent(ctx, httpReq)

	start := time.Now()
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("LLM service call failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("HTTP %d from LLM service", resp.StatusCode)
	}

	var result serviceResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("failed to parse LLM service response: %w", err)
	}
	if !result.Success {
		return "", fmt.Errorf("LLM service returned success=false: %s", result.Error)
	}

	c.logger.Debug("LLM completion",
		zap.String("purpose", req.Purpose),
		zap.Duration("duration", time.Since(start)),
		zap.Int("response_length", len(result.Response)),
	)
	return result.Response, nil
}

// Health calls the service's /health endpoint
func (c *ServiceClient) Health(ctx context.Context) error {
	url := c.baseURL + "/health"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	tracing.InjectTraceparent(ctx, req)
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("LLM service health: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("LLM service health: HTTP %d", resp.StatusCode)
	}
	return nil
}

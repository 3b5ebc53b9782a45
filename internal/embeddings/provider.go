package embeddings

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/Kocoro-lab/advisor/internal/circuitbreaker"
	"github.com/Kocoro-lab/advisor/internal/tracing"
	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
)

// Provider generates raw embeddings. The Service adds caching and metrics on top.
type Provider interface {
	Embed(ctx context.Context, texts []string, model string) ([][]float32, error)
	Name() string
}

// NewProvider builds the provider named by cfg.Provider
func NewProvider(cfg Config) (Provider, error) {
	cfg = cfg.withDefaults()
	switch strings.ToLower(cfg.Provider) {
	case "", "http":
		if cfg.BaseURL == "" {
			return nil, fmt.Errorf("embeddings: http provider needs a base url")
		}
		return NewHTTPProvider(cfg.BaseURL, cfg.Timeout), nil
	case "openai":
		return NewOpenAIProvider(cfg.APIKey, cfg.BaseURL, cfg.Timeout)
	default:
		return nil, fmt.Errorf("embeddings: unknown provider %q", cfg.Provider)
	}
}

// HTTPProvider calls the LLM service's /embeddings/ endpoint
type HTTPProvider struct {
	baseURL string
	httpw   *circuitbreaker.HTTPWrapper
}

// NewHTTPProvider creates a provider against baseURL
func NewHTTPProvider(baseURL string, timeout time.Duration) *HTTPProvider {
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	return &HTTPProvider{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpw:   circuitbreaker.NewHTTPWrapper(&http.Client{Timeout: timeout}, "embeddings-http", "embeddings", nil),
	}
}

func (p *HTTPProvider) Name() string { return "http" }

type embedRequest struct {
	Texts []string `json:"texts"`
	Model string   `json:"model"`
}

type embedResponse struct {
	Embeddings [][]float64 `json:"embeddings"`
	Dimensions int         `json:"dimensions"`
	ModelUsed  string      `json:"model_used"`
}

func (p *HTTPProvider) Embed(ctx context.Context, texts []string, model string) ([][]float32, error) {
	url := p.baseURL + "/embeddings/"
	ctx, span := tracing.StartHTTPSpan(ctx, http.MethodPost, url)
	defer span.End()

	buf, _ := json.Marshal(embedRequest{Texts: texts, Model: model})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(buf))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	tracing.InjectTraceparent(ctx, req)

	resp, err := p.httpw.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("embedding service returned %d: %s", resp.StatusCode, string(body))
	}

	var er embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&er); err != nil {
		return nil, err
	}
	return toFloat32(er.Embeddings), nil
}

// OpenAIProvider uses the official OpenAI SDK
type OpenAIProvider struct {
	client  openai.Client
	timeout time.Duration
}

// NewOpenAIProvider creates the provider. baseURL may be empty.
func NewOpenAIProvider(apiKey, baseURL string, timeout time.Duration) (*OpenAIProvider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("embeddings: openai API key is required")
	}
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(0),
	}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &OpenAIProvider{client: openai.NewClient(opts...), timeout: timeout}, nil
}

func (p *OpenAIProvider) Name() string { return "openai" }

func (p *OpenAIProvider) Embed(ctx context.Context, texts []string, model string) ([][]float32, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	params := openai.EmbeddingNewParams{Model: openai.EmbeddingModel(model)}
	if len(texts) == 1 {
		params.Input = openai.EmbeddingNewParamsInputUnion{OfString: openai.String(texts[0])}
	} else {
		params.Input = openai.EmbeddingNewParamsInputUnion{OfArrayOfStrings: texts}
	}

	resp, err := p.client.Embeddings.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("openai embeddings: %w", err)
	}
	out := make([][]float64, len(resp.Data))
	for _, d := range resp.Data {
		if int(d.Index) < len(out) {
			out[d.Index] = d.Embedding
		}
	}
	return toFloat32(out), nil
}

func toFloat32(in [][]float64) [][]float32 {
	out := make([][]float32, len(in))
	for i, vec := range in {
		v := make([]float32, len(vec))
		for j, f := range vec {
			v[j] = float32(f)
		}
		out[i] = v
	}
	return out
}

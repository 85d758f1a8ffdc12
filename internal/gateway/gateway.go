// Package gateway wraps an LLM provider with the single-call contract the
// extraction pipeline depends on: one JSON-mode chat completion per call,
// a hard request timeout, and classified failures. The gateway never
// retries — fallback policy belongs to the caller.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/duiywegkl/EchoGraph/internal/observe"
	"github.com/duiywegkl/EchoGraph/pkg/provider/llm"
)

var (
	// ErrTimeout reports that the request deadline elapsed before the
	// provider responded.
	ErrTimeout = errors.New("gateway: llm request timed out")

	// ErrTransport reports any provider or network failure other than a
	// timeout.
	ErrTransport = errors.New("gateway: llm transport failure")

	// ErrFormat reports a non-JSON body while JSON-only mode is active.
	ErrFormat = errors.New("gateway: llm returned non-JSON output")
)

// Gateway issues single-prompt chat completions against an [llm.Provider].
// Safe for concurrent use.
type Gateway struct {
	provider     llm.Provider
	providerName string
	timeout      time.Duration
	maxTokens    int
	temperature  float64
	jsonOnly     bool
}

// Option is a functional option for [New].
type Option func(*Gateway)

// WithTimeout sets the per-request deadline. Defaults to 60 seconds.
func WithTimeout(d time.Duration) Option {
	return func(g *Gateway) { g.timeout = d }
}

// WithMaxTokens sets the default completion cap for requests that do not
// specify their own.
func WithMaxTokens(n int) Option {
	return func(g *Gateway) { g.maxTokens = n }
}

// WithTemperature sets the default sampling temperature for requests that
// do not specify their own.
func WithTemperature(t float64) Option {
	return func(g *Gateway) { g.temperature = t }
}

// WithJSONOnly controls whether responses must parse as JSON. Defaults to
// true — the extraction pipeline consumes structured output exclusively.
func WithJSONOnly(on bool) Option {
	return func(g *Gateway) { g.jsonOnly = on }
}

// WithProviderName sets the provider label used in metrics. Defaults to "llm".
func WithProviderName(name string) Option {
	return func(g *Gateway) {
		if name != "" {
			g.providerName = name
		}
	}
}

// New creates a gateway over the given provider.
func New(p llm.Provider, opts ...Option) *Gateway {
	g := &Gateway{
		provider:     p,
		providerName: "llm",
		timeout:      60 * time.Second,
		jsonOnly:     true,
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

// Request describes one generation call. Zero MaxTokens/Temperature fall
// back to the gateway defaults.
type Request struct {
	Prompt        string
	SystemMessage string
	MaxTokens     int
	Temperature   float64
}

// Generate issues a single completion and returns the response text. In
// JSON-only mode the text is the sanitised JSON body (markdown code fences
// stripped). Failures are classified as [ErrTimeout], [ErrTransport], or
// [ErrFormat]; the gateway never retries internally.
func (g *Gateway) Generate(ctx context.Context, req Request) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	creq := llm.CompletionRequest{
		SystemPrompt: req.SystemMessage,
		Messages:     []llm.Message{{Role: "user", Content: req.Prompt}},
		MaxTokens:    req.MaxTokens,
		Temperature:  req.Temperature,
		JSONOnly:     g.jsonOnly,
	}
	if creq.MaxTokens == 0 {
		creq.MaxTokens = g.maxTokens
	}
	if creq.Temperature == 0 {
		creq.Temperature = g.temperature
	}

	met := observe.DefaultMetrics()
	start := time.Now()
	resp, err := g.provider.Complete(ctx, creq)
	met.LLMDuration.Record(ctx, time.Since(start).Seconds())
	if err != nil {
		met.RecordLLMRequest(ctx, g.providerName, "error")
		met.RecordLLMError(ctx, g.providerName)
		if errors.Is(err, context.DeadlineExceeded) || ctx.Err() == context.DeadlineExceeded {
			return "", fmt.Errorf("%w: %v", ErrTimeout, err)
		}
		return "", fmt.Errorf("%w: %v", ErrTransport, err)
	}
	met.RecordLLMRequest(ctx, g.providerName, "ok")
	if resp == nil {
		return "", fmt.Errorf("%w: empty response", ErrTransport)
	}

	content := resp.Content
	if g.jsonOnly {
		body := ExtractJSON(content)
		if !json.Valid([]byte(body)) {
			return "", fmt.Errorf("%w: %s", ErrFormat, preview(content))
		}
		return body, nil
	}
	return content, nil
}

// ExtractJSON strips markdown code fences and any prose surrounding the
// outermost JSON object or array. Models occasionally wrap structured
// output despite the response-format instruction; callers still validate
// the result.
func ExtractJSON(s string) string {
	s = strings.TrimSpace(s)

	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		if i := strings.LastIndex(s, "```"); i >= 0 {
			s = s[:i]
		}
		s = strings.TrimSpace(s)
	}

	start := strings.IndexAny(s, "{[")
	if start < 0 {
		return s
	}
	var end int
	if s[start] == '{' {
		end = strings.LastIndex(s, "}")
	} else {
		end = strings.LastIndex(s, "]")
	}
	if end <= start {
		return s
	}
	return s[start : end+1]
}

// preview truncates content for error messages.
func preview(s string) string {
	const limit = 120
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) > limit {
		return s[:limit] + "…"
	}
	return s
}

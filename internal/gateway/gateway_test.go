package gateway_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/duiywegkl/EchoGraph/internal/gateway"
	"github.com/duiywegkl/EchoGraph/pkg/provider/llm"
	"github.com/duiywegkl/EchoGraph/pkg/provider/llm/mock"
)

func TestGenerateJSONMode(t *testing.T) {
	t.Parallel()

	t.Run("valid json passes through", func(t *testing.T) {
		t.Parallel()
		p := &mock.Provider{
			CompleteResponse: &llm.CompletionResponse{Content: `{"entities": []}`},
		}
		g := gateway.New(p)
		got, err := g.Generate(context.Background(), gateway.Request{Prompt: "extract"})
		if err != nil {
			t.Fatalf("Generate: unexpected error: %v", err)
		}
		if got != `{"entities": []}` {
			t.Fatalf("Generate = %q", got)
		}
	})

	t.Run("fenced json is unwrapped", func(t *testing.T) {
		t.Parallel()
		p := &mock.Provider{
			CompleteResponse: &llm.CompletionResponse{
				Content: "```json\n{\"ok\": true}\n```",
			},
		}
		g := gateway.New(p)
		got, err := g.Generate(context.Background(), gateway.Request{Prompt: "extract"})
		if err != nil {
			t.Fatalf("Generate: unexpected error: %v", err)
		}
		if got != `{"ok": true}` {
			t.Fatalf("Generate = %q", got)
		}
	})

	t.Run("prose around json is stripped", func(t *testing.T) {
		t.Parallel()
		p := &mock.Provider{
			CompleteResponse: &llm.CompletionResponse{
				Content: `Here is the result: {"a": 1} hope that helps!`,
			},
		}
		g := gateway.New(p)
		got, err := g.Generate(context.Background(), gateway.Request{Prompt: "extract"})
		if err != nil {
			t.Fatalf("Generate: unexpected error: %v", err)
		}
		if got != `{"a": 1}` {
			t.Fatalf("Generate = %q", got)
		}
	})

	t.Run("non-json fails with ErrFormat", func(t *testing.T) {
		t.Parallel()
		p := &mock.Provider{
			CompleteResponse: &llm.CompletionResponse{Content: "sorry, I cannot do that"},
		}
		g := gateway.New(p)
		_, err := g.Generate(context.Background(), gateway.Request{Prompt: "extract"})
		if !errors.Is(err, gateway.ErrFormat) {
			t.Fatalf("expected ErrFormat, got %v", err)
		}
	})

	t.Run("json mode disabled returns raw text", func(t *testing.T) {
		t.Parallel()
		p := &mock.Provider{
			CompleteResponse: &llm.CompletionResponse{Content: "plain prose"},
		}
		g := gateway.New(p, gateway.WithJSONOnly(false))
		got, err := g.Generate(context.Background(), gateway.Request{Prompt: "chat"})
		if err != nil {
			t.Fatalf("Generate: unexpected error: %v", err)
		}
		if got != "plain prose" {
			t.Fatalf("Generate = %q", got)
		}
	})
}

func TestGenerateErrorClassification(t *testing.T) {
	t.Parallel()

	t.Run("transport error", func(t *testing.T) {
		t.Parallel()
		p := &mock.Provider{CompleteErr: errors.New("connection refused")}
		g := gateway.New(p)
		_, err := g.Generate(context.Background(), gateway.Request{Prompt: "x"})
		if !errors.Is(err, gateway.ErrTransport) {
			t.Fatalf("expected ErrTransport, got %v", err)
		}
	})

	t.Run("deadline maps to ErrTimeout", func(t *testing.T) {
		t.Parallel()
		p := &mock.Provider{
			CompleteFunc: func(ctx context.Context, _ llm.CompletionRequest) (*llm.CompletionResponse, error) {
				<-ctx.Done()
				return nil, ctx.Err()
			},
		}
		g := gateway.New(p, gateway.WithTimeout(10*time.Millisecond))
		_, err := g.Generate(context.Background(), gateway.Request{Prompt: "x"})
		if !errors.Is(err, gateway.ErrTimeout) {
			t.Fatalf("expected ErrTimeout, got %v", err)
		}
	})
}

func TestGenerateDefaults(t *testing.T) {
	t.Parallel()

	p := &mock.Provider{
		CompleteResponse: &llm.CompletionResponse{Content: `{}`},
	}
	g := gateway.New(p, gateway.WithMaxTokens(512), gateway.WithTemperature(0.3))
	if _, err := g.Generate(context.Background(), gateway.Request{Prompt: "x"}); err != nil {
		t.Fatalf("Generate: %v", err)
	}

	calls := p.Calls()
	if len(calls) != 1 {
		t.Fatalf("expected 1 call, got %d", len(calls))
	}
	req := calls[0].Req
	if req.MaxTokens != 512 || req.Temperature != 0.3 {
		t.Fatalf("defaults not applied: max_tokens=%d temperature=%v", req.MaxTokens, req.Temperature)
	}
	if !req.JSONOnly {
		t.Fatal("expected JSONOnly to be set")
	}

	// Per-request values win over gateway defaults.
	if _, err := g.Generate(context.Background(), gateway.Request{Prompt: "x", MaxTokens: 64, Temperature: 0.9}); err != nil {
		t.Fatalf("Generate: %v", err)
	}
	req = p.Calls()[1].Req
	if req.MaxTokens != 64 || req.Temperature != 0.9 {
		t.Fatalf("overrides not applied: max_tokens=%d temperature=%v", req.MaxTokens, req.Temperature)
	}
}

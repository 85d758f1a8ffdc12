package resilience

import (
	"context"
	"errors"
	"testing"

	"github.com/duiywegkl/EchoGraph/internal/extract"
	extractmock "github.com/duiywegkl/EchoGraph/internal/extract/mock"
	"github.com/duiywegkl/EchoGraph/pkg/graph"
)

func TestExtractorChain_PrimaryWins(t *testing.T) {
	primary := &extractmock.Extractor{
		Delta: graph.Delta{NodesToUpdate: []graph.NodeUpdate{{NodeID: "character_elara"}}},
	}
	fallback := &extractmock.Extractor{}

	chain := NewExtractorChain(primary, "llm_agent", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})
	chain.AddFallback("local_rules", fallback)

	d, method, err := chain.Extract(context.Background(), extract.TurnInput{UserText: "hi"})
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if method != "llm_agent" {
		t.Errorf("method = %q", method)
	}
	if len(d.NodesToUpdate) != 1 {
		t.Errorf("delta = %+v", d)
	}
	if got := len(fallback.Calls()); got != 0 {
		t.Errorf("fallback called %d times, want 0", got)
	}
}

func TestExtractorChain_FallsBack(t *testing.T) {
	primary := &extractmock.Extractor{Err: errors.New("llm down")}
	fallback := &extractmock.Extractor{} // empty delta, no error

	chain := NewExtractorChain(primary, "llm_agent", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})
	chain.AddFallback("local_rules", fallback)

	d, method, err := chain.Extract(context.Background(), extract.TurnInput{UserText: "hi"})
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if method != "local_rules" {
		t.Errorf("method = %q", method)
	}
	if !d.Empty() {
		t.Errorf("expected empty delta, got %+v", d)
	}
}

func TestExtractorChain_BreakerSkipsPrimary(t *testing.T) {
	primary := &extractmock.Extractor{Err: errors.New("llm down")}
	fallback := &extractmock.Extractor{}

	chain := NewExtractorChain(primary, "llm_agent", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 2},
	})
	chain.AddFallback("local_rules", fallback)

	// Two failures trip the primary's breaker.
	for range 3 {
		if _, _, err := chain.Extract(context.Background(), extract.TurnInput{}); err != nil {
			t.Fatalf("Extract: %v", err)
		}
	}
	// Primary saw only the first two calls; the third was short-circuited.
	if got := len(primary.Calls()); got != 2 {
		t.Errorf("primary called %d times, want 2", got)
	}
	if got := len(fallback.Calls()); got != 3 {
		t.Errorf("fallback called %d times, want 3", got)
	}
}

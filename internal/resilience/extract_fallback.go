package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/duiywegkl/EchoGraph/internal/extract"
	"github.com/duiywegkl/EchoGraph/pkg/graph"
)

// ExtractorChain implements [extract.Extractor] with failover from the
// LLM update agent to the deterministic rule extractor. The agent sits
// behind a circuit breaker so a misbehaving backend is bypassed without
// waiting out its timeout on every turn; the rule tail always yields a
// delta, so extraction as a whole never fails.
type ExtractorChain struct {
	group *FallbackGroup[extract.Extractor]
}

// Compile-time interface assertion.
var _ extract.Extractor = (*ExtractorChain)(nil)

// NewExtractorChain creates a chain with primary as the preferred extractor.
func NewExtractorChain(primary extract.Extractor, primaryName string, cfg FallbackConfig) *ExtractorChain {
	return &ExtractorChain{
		group: NewFallbackGroup(primary, primaryName, cfg),
	}
}

// AddFallback registers an additional extractor, tried after the ones
// already registered.
func (c *ExtractorChain) AddFallback(name string, e extract.Extractor) {
	c.group.AddFallback(name, e)
}

// Extract runs the chain and additionally reports which extractor produced
// the delta, for stats and metrics labelling.
func (c *ExtractorChain) Extract(ctx context.Context, in extract.TurnInput) (graph.Delta, string, error) {
	var lastErr error
	for i := range c.group.entries {
		entry := &c.group.entries[i]
		var d graph.Delta
		err := entry.breaker.Execute(func() error {
			var innerErr error
			d, innerErr = entry.value.ExtractTurn(ctx, in)
			return innerErr
		})
		if err == nil {
			return d, entry.name, nil
		}
		lastErr = err
		if errors.Is(err, ErrCircuitOpen) {
			slog.Debug("skipping extractor (circuit open)", "extractor", entry.name)
		} else {
			slog.Warn("extractor failed, trying next",
				"extractor", entry.name, "error", err)
		}
	}
	return graph.Delta{}, "", fmt.Errorf("%w: %v", ErrAllFailed, lastErr)
}

// ExtractTurn implements [extract.Extractor].
func (c *ExtractorChain) ExtractTurn(ctx context.Context, in extract.TurnInput) (graph.Delta, error) {
	d, _, err := c.Extract(ctx, in)
	return d, err
}

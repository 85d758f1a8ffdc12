// Package mock provides a test double for the extract package's
// [extract.Extractor] interface.
package mock

import (
	"context"
	"sync"

	"github.com/duiywegkl/EchoGraph/internal/extract"
	"github.com/duiywegkl/EchoGraph/pkg/graph"
)

// Extractor is a configurable mock. Set Delta/Err for fixed behaviour, or
// Func for per-call behaviour. All calls are recorded.
type Extractor struct {
	mu sync.Mutex

	Delta graph.Delta
	Err   error
	Func  func(ctx context.Context, in extract.TurnInput) (graph.Delta, error)

	calls []extract.TurnInput
}

// Compile-time interface assertion.
var _ extract.Extractor = (*Extractor)(nil)

// ExtractTurn implements [extract.Extractor].
func (m *Extractor) ExtractTurn(ctx context.Context, in extract.TurnInput) (graph.Delta, error) {
	m.mu.Lock()
	m.calls = append(m.calls, in)
	fn := m.Func
	d, err := m.Delta, m.Err
	m.mu.Unlock()

	if fn != nil {
		return fn(ctx, in)
	}
	return d, err
}

// Calls returns a snapshot of the recorded inputs.
func (m *Extractor) Calls() []extract.TurnInput {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]extract.TurnInput, len(m.calls))
	copy(out, m.calls)
	return out
}

// Reset clears the recorded calls.
func (m *Extractor) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = nil
}

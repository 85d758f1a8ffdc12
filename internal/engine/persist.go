package engine

import (
	"context"
	"fmt"

	"github.com/duiywegkl/EchoGraph/internal/session"
	"github.com/duiywegkl/EchoGraph/pkg/graph"
)

// FilePersister writes the graph file and the entities mirror for a
// session. It is the default [Persister]; the postgres store is swapped in
// when a DSN is configured.
type FilePersister struct {
	GraphPath    string
	EntitiesPath string
}

// Compile-time interface assertion.
var _ Persister = (*FilePersister)(nil)

// SaveGraph implements [Persister].
func (p *FilePersister) SaveGraph(_ context.Context, _ string, g *graph.Graph) error {
	if err := g.Save(p.GraphPath); err != nil {
		return fmt.Errorf("engine: save graph: %w", err)
	}
	if p.EntitiesPath != "" {
		if err := session.WriteEntitiesMirror(p.EntitiesPath, g); err != nil {
			return fmt.Errorf("engine: write entities mirror: %w", err)
		}
	}
	return nil
}

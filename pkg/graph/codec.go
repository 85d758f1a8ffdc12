package graph

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// fileFormat is the on-disk JSON layout. Nodes carry their full entity
// records (type, description, soft-delete flag, timestamps); edges carry
// the relationship string and attributes. The format round-trips
// loss-free through [Graph.Save] and [Graph.Load].
type fileFormat struct {
	FormatVersion string     `json:"format_version"`
	SavedAt       time.Time  `json:"saved_at"`
	Nodes         []Entity   `json:"nodes"`
	Edges         []Relation `json:"edges"`
}

// Rebuild constructs a graph from previously persisted nodes and edges,
// preserving their timestamps and soft-delete flags. Used by persistence
// backends other than the JSON file codec.
func Rebuild(nodes []Entity, edges []Relation) *Graph {
	g := New()
	g.mu.Lock()
	defer g.mu.Unlock()
	for i := range nodes {
		n := nodes[i]
		if n.Attributes == nil {
			n.Attributes = make(map[string]Value)
		}
		g.nodes[n.ID] = &n
	}
	g.edges = make([]*Relation, 0, len(edges))
	for i := range edges {
		e := edges[i]
		g.edges = append(g.edges, &e)
	}
	return g
}

// Save writes the graph to path atomically (temp file + rename). Parent
// directories are created as needed.
func (g *Graph) Save(path string) error {
	g.mu.RLock()
	ff := fileFormat{
		FormatVersion: g.version,
		SavedAt:       g.now(),
		Nodes:         make([]Entity, 0, len(g.nodes)),
		Edges:         make([]Relation, 0, len(g.edges)),
	}
	for _, n := range g.nodes {
		ff.Nodes = append(ff.Nodes, n.clone())
	}
	for _, e := range g.edges {
		ff.Edges = append(ff.Edges, e.clone())
	}
	g.mu.RUnlock()

	data, err := json.MarshalIndent(ff, "", "  ")
	if err != nil {
		return fmt.Errorf("graph: marshal: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("graph: mkdir %q: %w", filepath.Dir(path), err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("graph: write %q: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("graph: rename %q: %w", path, err)
	}
	return nil
}

// Load replaces the graph's contents with the file at path. A missing file
// is surfaced as the wrapped os error so callers can treat it as an empty
// graph with errors.Is(err, os.ErrNotExist).
func (g *Graph) Load(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("graph: read %q: %w", path, err)
	}

	var ff fileFormat
	if err := json.Unmarshal(data, &ff); err != nil {
		return fmt.Errorf("graph: decode %q: %w", path, err)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if ff.FormatVersion != "" {
		g.version = ff.FormatVersion
	}
	g.nodes = make(map[string]*Entity, len(ff.Nodes))
	for i := range ff.Nodes {
		n := ff.Nodes[i]
		if n.Attributes == nil {
			n.Attributes = make(map[string]Value)
		}
		g.nodes[n.ID] = &n
	}
	g.edges = make([]*Relation, 0, len(ff.Edges))
	for i := range ff.Edges {
		e := ff.Edges[i]
		g.edges = append(g.edges, &e)
	}
	return nil
}

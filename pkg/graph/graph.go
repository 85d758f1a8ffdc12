package graph

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// FormatVersion identifies the persisted graph file layout.
const FormatVersion = "1"

var (
	// ErrMissingEndpoint is returned by [Graph.AddEdge] when either endpoint
	// is absent from the graph.
	ErrMissingEndpoint = errors.New("graph: edge endpoint not present")

	// ErrNotFound is returned when a node lookup misses.
	ErrNotFound = errors.New("graph: node not found")
)

// Wildcard matches any source, target, or relationship in
// [Graph.DeleteEdges].
const Wildcard = "*"

// Graph is an in-memory typed directed multigraph. All methods are safe for
// concurrent use. Nodes are addressed by canonical ID; parallel edges
// between the same pair of nodes are allowed when their relationship
// strings differ.
type Graph struct {
	mu    sync.RWMutex
	nodes map[string]*Entity
	edges []*Relation

	version string
	now     func() time.Time
}

// New creates an empty graph.
func New() *Graph {
	return &Graph{
		nodes:   make(map[string]*Entity),
		version: FormatVersion,
		now:     time.Now,
	}
}

// UpsertNode inserts or updates the node with the given canonical id.
// Attributes present in attrs are merged over the existing ones; attributes
// not mentioned are preserved. The reserved keys "name" and "description"
// are lifted into the corresponding entity fields. LastModified is
// refreshed on every call. The stored entity copy is returned.
func (g *Graph) UpsertNode(id string, typ EntityType, attrs map[string]Value) Entity {
	g.mu.Lock()
	defer g.mu.Unlock()

	ts := g.now()
	node, ok := g.nodes[id]
	if !ok {
		_, name := SplitID(id)
		node = &Entity{
			ID:          id,
			Type:        typ,
			Name:        name,
			Attributes:  make(map[string]Value),
			CreatedTime: ts,
		}
		g.nodes[id] = node
	}
	if typ != "" && typ != TypeUnknown {
		node.Type = typ
	}
	for k, v := range attrs {
		switch k {
		case "name":
			if s, ok := v.AsString(); ok && s != "" {
				node.Name = s
			}
		case "description":
			node.Description = v.Text()
		default:
			node.Attributes[k] = v.clone()
		}
	}
	node.LastModified = ts
	return node.clone()
}

// Node returns a copy of the node with the given id.
func (g *Graph) Node(id string) (Entity, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	node, ok := g.nodes[id]
	if !ok {
		return Entity{}, false
	}
	return node.clone(), true
}

// Nodes returns copies of all nodes, soft-deleted ones included, ordered
// by id for deterministic output.
func (g *Graph) Nodes() []Entity {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]Entity, 0, len(g.nodes))
	for _, n := range g.nodes {
		out = append(out, n.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ActiveNodes returns copies of all nodes that are not soft-deleted.
func (g *Graph) ActiveNodes() []Entity {
	all := g.Nodes()
	out := all[:0]
	for _, n := range all {
		if !n.Deleted {
			out = append(out, n)
		}
	}
	return out
}

// Edges returns copies of all edges in insertion order.
func (g *Graph) Edges() []Relation {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]Relation, 0, len(g.edges))
	for _, e := range g.edges {
		out = append(out, e.clone())
	}
	return out
}

// AddEdge inserts a directed edge. Both endpoints must be present,
// otherwise [ErrMissingEndpoint] is returned. Re-adding an existing
// (source, target, relationship) triple merges attrs into the edge instead
// of duplicating it.
func (g *Graph) AddEdge(source, target, relationship string, attrs map[string]Value) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.nodes[source]; !ok {
		return fmt.Errorf("%w: source %q", ErrMissingEndpoint, source)
	}
	if _, ok := g.nodes[target]; !ok {
		return fmt.Errorf("%w: target %q", ErrMissingEndpoint, target)
	}

	for _, e := range g.edges {
		if e.SourceID == source && e.TargetID == target && e.Relationship == relationship {
			for k, v := range attrs {
				if e.Attributes == nil {
					e.Attributes = make(map[string]Value)
				}
				e.Attributes[k] = v.clone()
			}
			return nil
		}
	}

	edge := &Relation{
		SourceID:     source,
		TargetID:     target,
		Relationship: relationship,
		CreatedTime:  g.now(),
	}
	if len(attrs) > 0 {
		edge.Attributes = make(map[string]Value, len(attrs))
		for k, v := range attrs {
			edge.Attributes[k] = v.clone()
		}
	}
	g.edges = append(g.edges, edge)
	return nil
}

// DeleteNode hard-deletes the node and all incident edges. Reports whether
// the node existed.
func (g *Graph) DeleteNode(id string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.nodes[id]; !ok {
		return false
	}
	// Incident edges go first so edge integrity holds at every step.
	kept := g.edges[:0]
	for _, e := range g.edges {
		if e.SourceID != id && e.TargetID != id {
			kept = append(kept, e)
		}
	}
	g.edges = kept
	delete(g.nodes, id)
	return true
}

// MarkNodeDeleted soft-deletes the node: it stays in the graph and remains
// queryable but is excluded from context retrieval by default. Reports
// whether the node existed.
func (g *Graph) MarkNodeDeleted(id, reason string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	node, ok := g.nodes[id]
	if !ok {
		return false
	}
	node.Deleted = true
	node.DeletionReason = reason
	node.LastModified = g.now()
	return true
}

// DeleteEdges removes all edges matching (source, target, relationship).
// Each of the three accepts [Wildcard] to match anything. Returns the
// number of edges removed.
func (g *Graph) DeleteEdges(source, target, relationship string) int {
	g.mu.Lock()
	defer g.mu.Unlock()

	match := func(pattern, v string) bool { return pattern == Wildcard || pattern == v }

	removed := 0
	kept := g.edges[:0]
	for _, e := range g.edges {
		if match(source, e.SourceID) && match(target, e.TargetID) && match(relationship, e.Relationship) {
			removed++
			continue
		}
		kept = append(kept, e)
	}
	g.edges = kept
	return removed
}

// Neighborhood returns the edges incident to id together with the entities
// on their far ends. Soft-deleted neighbours are skipped unless
// includeDeleted is set. Returns [ErrNotFound] when id is absent.
func (g *Graph) Neighborhood(id string, includeDeleted bool) ([]Relation, []Entity, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if _, ok := g.nodes[id]; !ok {
		return nil, nil, fmt.Errorf("%w: %q", ErrNotFound, id)
	}

	var rels []Relation
	seen := map[string]struct{}{id: {}}
	var neighbours []Entity
	for _, e := range g.edges {
		if e.SourceID != id && e.TargetID != id {
			continue
		}
		other := e.TargetID
		if other == id {
			other = e.SourceID
		}
		n, ok := g.nodes[other]
		if !ok {
			continue
		}
		if n.Deleted && !includeDeleted {
			continue
		}
		rels = append(rels, e.clone())
		if _, dup := seen[other]; !dup {
			seen[other] = struct{}{}
			neighbours = append(neighbours, n.clone())
		}
	}
	return rels, neighbours, nil
}

// Clear empties all nodes and edges but preserves the format version
// metadata. Clearing an already empty graph is a no-op.
func (g *Graph) Clear() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.nodes = make(map[string]*Entity)
	g.edges = nil
}

// NodeCount returns the number of nodes, soft-deleted ones included.
func (g *Graph) NodeCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.nodes)
}

// EdgeCount returns the number of edges.
func (g *Graph) EdgeCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.edges)
}

// Stats summarises the graph for status endpoints.
type Stats struct {
	Nodes        int `json:"nodes"`
	Edges        int `json:"edges"`
	DeletedNodes int `json:"deleted_nodes"`
}

// Stats returns node/edge counts in a single lock acquisition.
func (g *Graph) Stats() Stats {
	g.mu.RLock()
	defer g.mu.RUnlock()
	st := Stats{Nodes: len(g.nodes), Edges: len(g.edges)}
	for _, n := range g.nodes {
		if n.Deleted {
			st.DeletedNodes++
		}
	}
	return st
}

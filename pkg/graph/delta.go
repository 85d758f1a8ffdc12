package graph

// DeletionType selects how a node deletion proposed by the extraction
// pipeline is applied.
type DeletionType string

const (
	// DeletionDeath soft-deletes: the node is kept with Deleted=true so the
	// narrative can still reference it (a dead character is not forgotten).
	DeletionDeath DeletionType = "death"

	// DeletionLost hard-deletes the node and all incident edges.
	DeletionLost DeletionType = "lost"

	// DeletionDefault soft-deletes, same as death.
	DeletionDefault DeletionType = "default"
)

// Delta is the execution-format set of graph mutations extracted from a
// single conversation turn. Absent fields mean "no change".
type Delta struct {
	NodesToUpdate []NodeUpdate `json:"nodes_to_update,omitempty"`
	EdgesToAdd    []EdgeAdd    `json:"edges_to_add,omitempty"`
	NodesToDelete []NodeDelete `json:"nodes_to_delete,omitempty"`
	EdgesToDelete []EdgeDelete `json:"edges_to_delete,omitempty"`
}

// NodeUpdate upserts a node. Type may be empty when the node already
// exists; Attributes are merged over the current ones.
type NodeUpdate struct {
	NodeID     string           `json:"node_id"`
	Type       EntityType       `json:"type,omitempty"`
	Attributes map[string]Value `json:"attributes,omitempty"`
}

// EdgeAdd inserts a directed edge between two canonical node IDs.
type EdgeAdd struct {
	Source       string `json:"source"`
	Target       string `json:"target"`
	Relationship string `json:"relationship"`
}

// NodeDelete removes a node according to DeletionType.
type NodeDelete struct {
	NodeID       string       `json:"node_id"`
	DeletionType DeletionType `json:"deletion_type,omitempty"`
	Reason       string       `json:"reason,omitempty"`
}

// EdgeDelete removes edges matching the triple; each of Source, Target and
// Relationship may be [Wildcard].
type EdgeDelete struct {
	Source       string `json:"source"`
	Target       string `json:"target"`
	Relationship string `json:"relationship"`
	Reason       string `json:"reason,omitempty"`
}

// Empty reports whether the delta carries no mutations at all.
func (d Delta) Empty() bool {
	return len(d.NodesToUpdate) == 0 && len(d.EdgesToAdd) == 0 &&
		len(d.NodesToDelete) == 0 && len(d.EdgesToDelete) == 0
}

// ApplyStats counts the mutations actually applied by [Graph.Apply].
type ApplyStats struct {
	NodesUpdated int `json:"nodes_updated"`
	EdgesAdded   int `json:"edges_added"`
	NodesDeleted int `json:"nodes_deleted"`
	EdgesDeleted int `json:"edges_deleted"`
}

// Apply executes a validated delta against the graph and returns counters
// for each mutation class. Order matters: node upserts first (so freshly
// created endpoints are available to edge adds), then edge adds, then edge
// deletions, then node deletions.
//
// Deletion semantics: "death" and "default" (or empty) soft-delete the
// node; "lost" hard-deletes it together with incident edges.
func (g *Graph) Apply(d Delta) ApplyStats {
	var st ApplyStats

	for _, nu := range d.NodesToUpdate {
		if nu.NodeID == "" {
			continue
		}
		g.UpsertNode(nu.NodeID, nu.Type, nu.Attributes)
		st.NodesUpdated++
	}

	for _, ea := range d.EdgesToAdd {
		if err := g.AddEdge(ea.Source, ea.Target, ea.Relationship, nil); err == nil {
			st.EdgesAdded++
		}
	}

	for _, ed := range d.EdgesToDelete {
		st.EdgesDeleted += g.DeleteEdges(ed.Source, ed.Target, ed.Relationship)
	}

	for _, nd := range d.NodesToDelete {
		switch nd.DeletionType {
		case DeletionLost:
			if g.DeleteNode(nd.NodeID) {
				st.NodesDeleted++
			}
		default:
			if g.MarkNodeDeleted(nd.NodeID, nd.Reason) {
				st.NodesDeleted++
			}
		}
	}

	return st
}

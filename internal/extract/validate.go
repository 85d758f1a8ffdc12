package extract

import (
	"strings"

	"github.com/duiywegkl/EchoGraph/pkg/graph"
)

// ValidationCounters records what Validate dropped or rewrote. All counts
// are informational — validation never fails.
type ValidationCounters struct {
	NodesNormalized int `json:"nodes_normalized"`
	EdgesDropped    int `json:"edges_dropped"`
	Deduplicated    int `json:"deduplicated"`
}

// Validate cleans a proposed delta against the current graph:
//
//   - node IDs are rewritten to the canonical <type>_<name> form, inferring
//     the type from attributes when the extractor left it unknown;
//   - edges_to_add whose endpoints neither exist in the graph nor are
//     created by the same delta are dropped;
//   - duplicate entries within each list are collapsed.
//
// The cleaned delta plus counters are returned; Validate never errors.
func Validate(d graph.Delta, g *graph.Graph) (graph.Delta, ValidationCounters) {
	var out graph.Delta
	var c ValidationCounters

	// Node updates: canonicalize IDs, infer missing types, de-dup by ID
	// (later updates merge into earlier ones).
	rewritten := make(map[string]string, len(d.NodesToUpdate))
	updateIdx := make(map[string]int, len(d.NodesToUpdate))
	for _, nu := range d.NodesToUpdate {
		id, typ, changed := canonicalizeNode(nu)
		if id == "" {
			continue
		}
		if changed {
			c.NodesNormalized++
			rewritten[nu.NodeID] = id
		}
		if i, dup := updateIdx[id]; dup {
			c.Deduplicated++
			merged := out.NodesToUpdate[i]
			// Merge into a fresh map: the stored Attributes may still alias
			// the caller's map from the first occurrence.
			attrs := make(map[string]graph.Value, len(merged.Attributes)+len(nu.Attributes))
			for k, v := range merged.Attributes {
				attrs[k] = v
			}
			for k, v := range nu.Attributes {
				attrs[k] = v
			}
			merged.Attributes = attrs
			out.NodesToUpdate[i] = merged
			continue
		}
		updateIdx[id] = len(out.NodesToUpdate)
		out.NodesToUpdate = append(out.NodesToUpdate, graph.NodeUpdate{
			NodeID:     id,
			Type:       typ,
			Attributes: nu.Attributes,
		})
	}

	created := make(map[string]struct{}, len(out.NodesToUpdate))
	for _, nu := range out.NodesToUpdate {
		created[nu.NodeID] = struct{}{}
	}

	endpointOK := func(id string) bool {
		if _, ok := created[id]; ok {
			return true
		}
		_, ok := g.Node(id)
		return ok
	}

	// Edge adds: remap rewritten endpoints, drop unknown endpoints, de-dup
	// on the (source, target, relationship) triple.
	seenEdges := make(map[[3]string]struct{}, len(d.EdgesToAdd))
	for _, ea := range d.EdgesToAdd {
		src := remap(rewritten, ea.Source)
		tgt := remap(rewritten, ea.Target)
		if src == "" || tgt == "" || ea.Relationship == "" || !endpointOK(src) || !endpointOK(tgt) {
			c.EdgesDropped++
			continue
		}
		key := [3]string{src, tgt, ea.Relationship}
		if _, dup := seenEdges[key]; dup {
			c.Deduplicated++
			continue
		}
		seenEdges[key] = struct{}{}
		out.EdgesToAdd = append(out.EdgesToAdd, graph.EdgeAdd{
			Source:       src,
			Target:       tgt,
			Relationship: ea.Relationship,
		})
	}

	// Node deletes: remap IDs, de-dup.
	seenDel := make(map[string]struct{}, len(d.NodesToDelete))
	for _, nd := range d.NodesToDelete {
		id := remap(rewritten, nd.NodeID)
		if id == "" {
			continue
		}
		if _, dup := seenDel[id]; dup {
			c.Deduplicated++
			continue
		}
		seenDel[id] = struct{}{}
		out.NodesToDelete = append(out.NodesToDelete, graph.NodeDelete{
			NodeID:       id,
			DeletionType: nd.DeletionType,
			Reason:       nd.Reason,
		})
	}

	// Edge deletes: wildcards pass through untouched; de-dup on the triple.
	seenEdgeDel := make(map[[3]string]struct{}, len(d.EdgesToDelete))
	for _, ed := range d.EdgesToDelete {
		src := remapWild(rewritten, ed.Source)
		tgt := remapWild(rewritten, ed.Target)
		if src == "" || tgt == "" {
			continue
		}
		key := [3]string{src, tgt, ed.Relationship}
		if _, dup := seenEdgeDel[key]; dup {
			c.Deduplicated++
			continue
		}
		seenEdgeDel[key] = struct{}{}
		out.EdgesToDelete = append(out.EdgesToDelete, graph.EdgeDelete{
			Source:       src,
			Target:       tgt,
			Relationship: ed.Relationship,
			Reason:       ed.Reason,
		})
	}

	return out, c
}

// Attribute keys whose presence implies the node describes a character.
var characterAttrHints = []string{"location", "personality", "mood", "occupation", "age"}

// canonicalizeNode returns the canonical ID and type for a node update,
// inferring the type from the existing ID prefix or from attribute hints
// when the extractor did not supply one. changed reports whether the ID was
// rewritten.
func canonicalizeNode(nu graph.NodeUpdate) (id string, typ graph.EntityType, changed bool) {
	raw := strings.TrimSpace(nu.NodeID)
	if raw == "" {
		return "", graph.TypeUnknown, false
	}

	typ = nu.Type
	name := raw

	// An ID already carrying a type prefix wins over the declared type.
	if t, n := graph.SplitID(raw); strings.HasPrefix(raw, string(t)+"_") {
		typ = t
		name = n
	}

	if typ == "" || typ == graph.TypeUnknown {
		typ = inferType(nu.Attributes)
	}

	id = graph.CanonicalID(typ, name)
	return id, typ, id != raw
}

// inferType guesses an entity type from attribute hints. A node carrying a
// "location" (or similar person-state) attribute is a character, not a
// location.
func inferType(attrs map[string]graph.Value) graph.EntityType {
	for _, hint := range characterAttrHints {
		if _, ok := attrs[hint]; ok {
			return graph.TypeCharacter
		}
	}
	return graph.TypeUnknown
}

func remap(rewritten map[string]string, id string) string {
	id = strings.TrimSpace(id)
	if to, ok := rewritten[id]; ok {
		return to
	}
	return id
}

func remapWild(rewritten map[string]string, id string) string {
	if id == graph.Wildcard {
		return id
	}
	return remap(rewritten, id)
}

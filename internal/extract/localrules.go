package extract

import (
	"context"
	"regexp"
	"strings"

	"github.com/duiywegkl/EchoGraph/pkg/graph"
)

// LocalRules is the deterministic fallback extractor used when the LLM
// agent is disabled or fails. It scans the assistant reply for bracketed
// graph directives and refreshes entities whose names appear in the text.
// It never invents endpoints and never returns an error — a turn that
// yields nothing produces an empty delta.
type LocalRules struct {
	known func() []graph.Entity
}

// Compile-time interface assertion.
var _ Extractor = (*LocalRules)(nil)

// NewLocalRules creates the rule extractor. known supplies the current
// active entities so that mention detection can only ever touch nodes that
// already exist.
func NewLocalRules(known func() []graph.Entity) *LocalRules {
	return &LocalRules{known: known}
}

// Bracketed directives some frontends embed in replies, e.g.
// [add_character: Elara | a wandering bard] or [remove_item: Rusty Key].
var (
	addDirectiveRe = regexp.MustCompile(
		`\[(?:add|new)_(character|location|item|event|concept|organization|skill)\s*[:：]\s*([^\]|]+?)(?:\s*\|\s*([^\]]*))?\]`)
	removeDirectiveRe = regexp.MustCompile(
		`\[(?:remove|delete)_(character|location|item|event|concept|organization|skill)\s*[:：]\s*([^\]]+?)\]`)
)

// ExtractTurn implements [Extractor].
func (l *LocalRules) ExtractTurn(_ context.Context, in TurnInput) (graph.Delta, error) {
	var d graph.Delta
	text := in.AssistantText

	seen := make(map[string]struct{})

	for _, m := range addDirectiveRe.FindAllStringSubmatch(text, -1) {
		typ := graph.ParseEntityType(m[1])
		name := strings.TrimSpace(m[2])
		if name == "" {
			continue
		}
		id := graph.CanonicalID(typ, name)
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}

		attrs := map[string]graph.Value{"name": graph.String(name)}
		if desc := strings.TrimSpace(m[3]); desc != "" {
			attrs["description"] = graph.String(desc)
		}
		d.NodesToUpdate = append(d.NodesToUpdate, graph.NodeUpdate{
			NodeID:     id,
			Type:       typ,
			Attributes: attrs,
		})
	}

	for _, m := range removeDirectiveRe.FindAllStringSubmatch(text, -1) {
		typ := graph.ParseEntityType(m[1])
		name := strings.TrimSpace(m[2])
		if name == "" {
			continue
		}
		d.NodesToDelete = append(d.NodesToDelete, graph.NodeDelete{
			NodeID:       graph.CanonicalID(typ, name),
			DeletionType: graph.DeletionDefault,
			Reason:       "directive",
		})
	}

	// Mention heuristic: known entities named in the turn get their
	// last_modified refreshed via an attribute-free update. Conservative on
	// purpose — no new nodes, no new edges.
	if l.known != nil {
		lower := strings.ToLower(in.UserText + " " + in.AssistantText)
		for _, e := range l.known() {
			if e.Name == "" {
				continue
			}
			if _, dup := seen[e.ID]; dup {
				continue
			}
			if containsWord(lower, strings.ToLower(e.Name)) {
				seen[e.ID] = struct{}{}
				d.NodesToUpdate = append(d.NodesToUpdate, graph.NodeUpdate{
					NodeID: e.ID,
					Type:   e.Type,
				})
			}
		}
	}

	return d, nil
}

// containsWord reports whether name occurs in text on word boundaries.
// A plain substring check would match "ara" inside "caravan".
func containsWord(text, name string) bool {
	idx := 0
	for {
		i := strings.Index(text[idx:], name)
		if i < 0 {
			return false
		}
		start := idx + i
		end := start + len(name)
		beforeOK := start == 0 || !isWordByte(text[start-1])
		afterOK := end == len(text) || !isWordByte(text[end])
		if beforeOK && afterOK {
			return true
		}
		idx = start + 1
	}
}

func isWordByte(b byte) bool {
	return b >= 'a' && b <= 'z' || b >= 'A' && b <= 'Z' || b >= '0' && b <= '9' || b == '_'
}

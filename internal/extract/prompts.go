package extract

import (
	"fmt"
	"strings"

	"github.com/duiywegkl/EchoGraph/pkg/graph"
)

// GraphSummary renders a compact text snapshot of the active graph for
// inclusion in extraction prompts. Soft-deleted nodes are omitted. limit
// caps the number of nodes rendered (0 means no cap).
func GraphSummary(g *graph.Graph, limit int) string {
	nodes := g.ActiveNodes()
	if limit > 0 && len(nodes) > limit {
		nodes = nodes[:limit]
	}

	var b strings.Builder
	b.WriteString("Entities:\n")
	if len(nodes) == 0 {
		b.WriteString("  (none)\n")
	}
	for _, n := range nodes {
		fmt.Fprintf(&b, "  - %s [%s]", n.ID, n.Type)
		if n.Description != "" {
			b.WriteString(": " + n.Description)
		}
		b.WriteString("\n")
	}

	b.WriteString("Relations:\n")
	edges := g.Edges()
	if len(edges) == 0 {
		b.WriteString("  (none)\n")
	}
	for _, e := range edges {
		fmt.Fprintf(&b, "  - %s -%s-> %s\n", e.SourceID, e.Relationship, e.TargetID)
	}
	return b.String()
}

const bootstrapSystemPrompt = `You are a narrative knowledge-graph builder. ` +
	`Given a character card and world-book text, identify the entities and ` +
	`relationships that define the story world. Respond with a single JSON ` +
	`object and nothing else.`

// bootstrapPrompt builds the character-card analysis prompt. The response
// schema requires relation endpoints to be entity names present in the same
// payload; name-to-ID resolution happens on our side.
func bootstrapPrompt(card CharacterCard, worldInfo string) string {
	var b strings.Builder
	b.WriteString("Analyze the following character card and world information.\n\n")

	fmt.Fprintf(&b, "Character name: %s\n", card.Name)
	if card.Description != "" {
		fmt.Fprintf(&b, "Description: %s\n", card.Description)
	}
	if card.Personality != "" {
		fmt.Fprintf(&b, "Personality: %s\n", card.Personality)
	}
	if card.Scenario != "" {
		fmt.Fprintf(&b, "Scenario: %s\n", card.Scenario)
	}
	if card.FirstMes != "" {
		fmt.Fprintf(&b, "Opening message: %s\n", card.FirstMes)
	}
	if worldInfo != "" {
		fmt.Fprintf(&b, "\nWorld information:\n%s\n", worldInfo)
	}

	b.WriteString(`
Extract every distinct entity (characters, locations, items, events,
concepts, organizations, skills) and the relationships between them.

Respond with JSON in exactly this shape:
{
  "main_character": "<name of the protagonist>",
  "entities": [
    {"name": "...", "type": "character|location|item|event|concept|organization|skill", "description": "...", "attributes": {}}
  ],
  "relationships": [
    {"source": "<entity name>", "target": "<entity name>", "relationship": "<short snake_case label>"}
  ]
}

Relationship endpoints MUST be names listed under "entities".`)
	return b.String()
}

const turnSystemPrompt = `You are a narrative memory extractor. Compare a ` +
	`new conversation turn against the current knowledge graph and propose ` +
	`only the changes the turn establishes. Respond with a single JSON ` +
	`object and nothing else.`

// turnPrompt builds the per-turn delta extraction prompt.
func turnPrompt(in TurnInput) string {
	var b strings.Builder
	b.WriteString("Current knowledge graph:\n")
	b.WriteString(in.GraphSummary)

	if in.RecentContext != "" {
		b.WriteString("\nRecent conversation:\n")
		b.WriteString(in.RecentContext)
	}

	b.WriteString("\nNew turn:\n")
	fmt.Fprintf(&b, "User: %s\n", in.UserText)
	fmt.Fprintf(&b, "Assistant: %s\n", in.AssistantText)

	b.WriteString(`
Propose graph updates established by this turn. Respond with JSON in
exactly this shape (omit empty lists):
{
  "nodes_to_update": [{"node_id": "<type>_<snake_case_name>", "type": "...", "attributes": {"description": "..."}}],
  "edges_to_add": [{"source": "<node_id>", "target": "<node_id>", "relationship": "<short snake_case label>"}],
  "nodes_to_delete": [{"node_id": "...", "deletion_type": "death|lost|default", "reason": "..."}],
  "edges_to_delete": [{"source": "...", "target": "...", "relationship": "...", "reason": "..."}]
}

Node IDs use the form <type>_<lowercase name with underscores>. Use
deletion_type "death" when a character dies but remains part of the story,
"lost" when something should be forgotten entirely. "*" is allowed in
edges_to_delete to match any source, target, or relationship.`)
	return b.String()
}

// RenderRecentTurns renders the last turns for prompt context, oldest
// first. Each element is a (user, assistant) pair.
func RenderRecentTurns(turns [][2]string) string {
	var b strings.Builder
	for _, t := range turns {
		fmt.Fprintf(&b, "User: %s\nAssistant: %s\n", t[0], t[1])
	}
	return b.String()
}

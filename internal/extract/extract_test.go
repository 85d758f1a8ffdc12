package extract_test

import (
	"context"
	"testing"

	"github.com/duiywegkl/EchoGraph/internal/extract"
	"github.com/duiywegkl/EchoGraph/internal/gateway"
	"github.com/duiywegkl/EchoGraph/pkg/graph"
	"github.com/duiywegkl/EchoGraph/pkg/provider/llm"
	"github.com/duiywegkl/EchoGraph/pkg/provider/llm/mock"
)

func TestAgentBootstrap(t *testing.T) {
	t.Parallel()

	p := &mock.Provider{
		CompleteResponse: &llm.CompletionResponse{Content: `{
			"main_character": "Elara",
			"entities": [
				{"name": "Elara", "type": "character", "description": "a wandering bard", "attributes": {"mood": "curious"}},
				{"name": "Silver Lute", "type": "item", "description": "her instrument"},
				{"name": "Unknown Castle", "type": "location"}
			],
			"relationships": [
				{"source": "Elara", "target": "Silver Lute", "relationship": "owns"},
				{"source": "Elara", "target": "Ghost King", "relationship": "fears"}
			]
		}`},
	}
	agent := extract.NewAgent(gateway.New(p))

	plan, err := agent.Bootstrap(context.Background(), extract.CharacterCard{Name: "Elara"}, "")
	if err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	if plan.MainCharacter != "Elara" {
		t.Errorf("MainCharacter = %q", plan.MainCharacter)
	}
	if plan.MainCharacterID != "character_elara" {
		t.Errorf("MainCharacterID = %q", plan.MainCharacterID)
	}
	if len(plan.Delta.NodesToUpdate) != 3 {
		t.Fatalf("expected 3 node updates, got %d", len(plan.Delta.NodesToUpdate))
	}
	if got := plan.Delta.NodesToUpdate[1].NodeID; got != "item_silver_lute" {
		t.Errorf("second node id = %q", got)
	}

	// The relation to the unlisted "Ghost King" must be dropped.
	if len(plan.Delta.EdgesToAdd) != 1 {
		t.Fatalf("expected 1 edge, got %d", len(plan.Delta.EdgesToAdd))
	}
	e := plan.Delta.EdgesToAdd[0]
	if e.Source != "character_elara" || e.Target != "item_silver_lute" || e.Relationship != "owns" {
		t.Errorf("edge = %+v", e)
	}
}

func TestAgentExtractTurn(t *testing.T) {
	t.Parallel()

	p := &mock.Provider{
		CompleteResponse: &llm.CompletionResponse{Content: `{
			"nodes_to_update": [
				{"node_id": "character_elara", "type": "character", "attributes": {"mood": "alarmed"}}
			],
			"edges_to_add": [
				{"source": "character_elara", "target": "location_ruins", "relationship": "located_in"}
			],
			"nodes_to_delete": [
				{"node_id": "character_old_guard", "deletion_type": "death", "reason": "killed in ambush"}
			],
			"edges_to_delete": [
				{"source": "character_elara", "target": "*", "relationship": "located_in", "reason": "moved"}
			]
		}`},
	}
	agent := extract.NewAgent(gateway.New(p))

	d, err := agent.ExtractTurn(context.Background(), extract.TurnInput{
		UserText:      "We run for the ruins!",
		AssistantText: "The old guard falls as you flee into the ruins.",
	})
	if err != nil {
		t.Fatalf("ExtractTurn: %v", err)
	}
	if len(d.NodesToUpdate) != 1 || d.NodesToUpdate[0].NodeID != "character_elara" {
		t.Errorf("nodes_to_update = %+v", d.NodesToUpdate)
	}
	if mood, ok := d.NodesToUpdate[0].Attributes["mood"]; !ok || mood.Text() != "alarmed" {
		t.Errorf("mood attribute = %+v", d.NodesToUpdate[0].Attributes)
	}
	if len(d.NodesToDelete) != 1 || d.NodesToDelete[0].DeletionType != graph.DeletionDeath {
		t.Errorf("nodes_to_delete = %+v", d.NodesToDelete)
	}
	if len(d.EdgesToDelete) != 1 || d.EdgesToDelete[0].Target != graph.Wildcard {
		t.Errorf("edges_to_delete = %+v", d.EdgesToDelete)
	}
}

func TestLocalRulesDirectives(t *testing.T) {
	t.Parallel()

	rules := extract.NewLocalRules(nil)
	d, err := rules.ExtractTurn(context.Background(), extract.TurnInput{
		AssistantText: "The door creaks open. [add_character: Elara | a wandering bard] " +
			"She drops her pack. [remove_item: Rusty Key]",
	})
	if err != nil {
		t.Fatalf("ExtractTurn: %v", err)
	}
	if len(d.NodesToUpdate) != 1 {
		t.Fatalf("expected 1 node update, got %d", len(d.NodesToUpdate))
	}
	nu := d.NodesToUpdate[0]
	if nu.NodeID != "character_elara" || nu.Type != graph.TypeCharacter {
		t.Errorf("node update = %+v", nu)
	}
	if desc := nu.Attributes["description"]; desc.Text() != "a wandering bard" {
		t.Errorf("description = %q", desc.Text())
	}
	if len(d.NodesToDelete) != 1 || d.NodesToDelete[0].NodeID != "item_rusty_key" {
		t.Fatalf("nodes_to_delete = %+v", d.NodesToDelete)
	}
	if d.NodesToDelete[0].DeletionType != graph.DeletionDefault {
		t.Errorf("deletion type = %q", d.NodesToDelete[0].DeletionType)
	}
}

func TestLocalRulesMentions(t *testing.T) {
	t.Parallel()

	g := graph.New()
	g.UpsertNode("character_elara", graph.TypeCharacter, map[string]graph.Value{"name": graph.String("Elara")})
	g.UpsertNode("location_ruins", graph.TypeLocation, map[string]graph.Value{"name": graph.String("Ruins")})
	g.UpsertNode("item_silver_lute", graph.TypeItem, map[string]graph.Value{"name": graph.String("Silver Lute")})

	rules := extract.NewLocalRules(g.ActiveNodes)
	d, err := rules.ExtractTurn(context.Background(), extract.TurnInput{
		UserText:      "Elara, what do you see?",
		AssistantText: "Nothing but crumbling walls ahead.",
	})
	if err != nil {
		t.Fatalf("ExtractTurn: %v", err)
	}
	if len(d.NodesToUpdate) != 1 || d.NodesToUpdate[0].NodeID != "character_elara" {
		t.Fatalf("nodes_to_update = %+v", d.NodesToUpdate)
	}

	// Never errors, even on empty input.
	d, err = rules.ExtractTurn(context.Background(), extract.TurnInput{})
	if err != nil {
		t.Fatalf("ExtractTurn on empty input: %v", err)
	}
	if !d.Empty() {
		t.Errorf("expected empty delta, got %+v", d)
	}
}

func TestValidateDropsUnknownEndpoints(t *testing.T) {
	t.Parallel()

	g := graph.New()
	g.UpsertNode("character_elara", graph.TypeCharacter, nil)

	d := graph.Delta{
		NodesToUpdate: []graph.NodeUpdate{
			{NodeID: "location_ruins", Type: graph.TypeLocation},
		},
		EdgesToAdd: []graph.EdgeAdd{
			// Existing endpoint + same-delta creation: kept.
			{Source: "character_elara", Target: "location_ruins", Relationship: "located_in"},
			// Unknown target: dropped.
			{Source: "character_elara", Target: "character_ghost_king", Relationship: "fears"},
		},
	}

	clean, counters := extract.Validate(d, g)
	if len(clean.EdgesToAdd) != 1 {
		t.Fatalf("expected 1 edge, got %+v", clean.EdgesToAdd)
	}
	if clean.EdgesToAdd[0].Target != "location_ruins" {
		t.Errorf("kept edge = %+v", clean.EdgesToAdd[0])
	}
	if counters.EdgesDropped != 1 {
		t.Errorf("EdgesDropped = %d", counters.EdgesDropped)
	}
}

func TestValidateNormalizesIDs(t *testing.T) {
	t.Parallel()

	g := graph.New()

	d := graph.Delta{
		NodesToUpdate: []graph.NodeUpdate{
			// Raw name with a declared type: canonicalized.
			{NodeID: "Silver Lute", Type: graph.TypeItem},
			// Unknown type, but a "location" attribute implies a character.
			{NodeID: "Elara", Attributes: map[string]graph.Value{"location": graph.String("ruins")}},
		},
		EdgesToAdd: []graph.EdgeAdd{
			{Source: "Elara", Target: "Silver Lute", Relationship: "owns"},
		},
	}

	clean, counters := extract.Validate(d, g)
	if len(clean.NodesToUpdate) != 2 {
		t.Fatalf("nodes = %+v", clean.NodesToUpdate)
	}
	if clean.NodesToUpdate[0].NodeID != "item_silver_lute" {
		t.Errorf("first id = %q", clean.NodesToUpdate[0].NodeID)
	}
	if clean.NodesToUpdate[1].NodeID != "character_elara" {
		t.Errorf("second id = %q", clean.NodesToUpdate[1].NodeID)
	}
	if counters.NodesNormalized != 2 {
		t.Errorf("NodesNormalized = %d", counters.NodesNormalized)
	}

	// Edge endpoints follow the rewritten IDs.
	if len(clean.EdgesToAdd) != 1 {
		t.Fatalf("edges = %+v", clean.EdgesToAdd)
	}
	e := clean.EdgesToAdd[0]
	if e.Source != "character_elara" || e.Target != "item_silver_lute" {
		t.Errorf("edge = %+v", e)
	}
}

func TestValidateDeduplicates(t *testing.T) {
	t.Parallel()

	g := graph.New()
	g.UpsertNode("character_elara", graph.TypeCharacter, nil)
	g.UpsertNode("location_ruins", graph.TypeLocation, nil)

	d := graph.Delta{
		NodesToUpdate: []graph.NodeUpdate{
			{NodeID: "character_elara", Type: graph.TypeCharacter, Attributes: map[string]graph.Value{"mood": graph.String("calm")}},
			{NodeID: "character_elara", Type: graph.TypeCharacter, Attributes: map[string]graph.Value{"mood": graph.String("alarmed")}},
		},
		EdgesToAdd: []graph.EdgeAdd{
			{Source: "character_elara", Target: "location_ruins", Relationship: "located_in"},
			{Source: "character_elara", Target: "location_ruins", Relationship: "located_in"},
		},
	}

	clean, counters := extract.Validate(d, g)
	if len(clean.NodesToUpdate) != 1 {
		t.Fatalf("nodes = %+v", clean.NodesToUpdate)
	}
	// Later duplicate wins on merged attributes.
	if mood := clean.NodesToUpdate[0].Attributes["mood"]; mood.Text() != "alarmed" {
		t.Errorf("mood = %q", mood.Text())
	}
	if len(clean.EdgesToAdd) != 1 {
		t.Fatalf("edges = %+v", clean.EdgesToAdd)
	}
	if counters.Deduplicated != 2 {
		t.Errorf("Deduplicated = %d", counters.Deduplicated)
	}
}

func TestValidateLeavesInputAttributesUntouched(t *testing.T) {
	t.Parallel()

	g := graph.New()
	g.UpsertNode("character_elara", graph.TypeCharacter, nil)

	first := map[string]graph.Value{"mood": graph.String("calm")}
	second := map[string]graph.Value{"location": graph.String("ruins")}
	d := graph.Delta{
		NodesToUpdate: []graph.NodeUpdate{
			{NodeID: "character_elara", Type: graph.TypeCharacter, Attributes: first},
			{NodeID: "character_elara", Type: graph.TypeCharacter, Attributes: second},
		},
	}

	clean, _ := extract.Validate(d, g)
	if len(clean.NodesToUpdate) != 1 {
		t.Fatalf("nodes = %+v", clean.NodesToUpdate)
	}
	merged := clean.NodesToUpdate[0].Attributes
	if merged["mood"].Text() != "calm" || merged["location"].Text() != "ruins" {
		t.Errorf("merged attributes = %+v", merged)
	}

	// The caller's maps must not pick up the merged keys.
	if len(first) != 1 || first["mood"].Text() != "calm" {
		t.Errorf("first input map mutated: %+v", first)
	}
	if len(second) != 1 || second["location"].Text() != "ruins" {
		t.Errorf("second input map mutated: %+v", second)
	}
}

func TestValidateWildcardEdgeDeletes(t *testing.T) {
	t.Parallel()

	g := graph.New()
	d := graph.Delta{
		EdgesToDelete: []graph.EdgeDelete{
			{Source: "character_elara", Target: "*", Relationship: "located_in"},
		},
	}
	clean, _ := extract.Validate(d, g)
	if len(clean.EdgesToDelete) != 1 || clean.EdgesToDelete[0].Target != "*" {
		t.Fatalf("edges_to_delete = %+v", clean.EdgesToDelete)
	}
}

func TestPerceptionDetect(t *testing.T) {
	t.Parallel()

	g := graph.New()
	g.UpsertNode("character_eldrinax", graph.TypeCharacter, map[string]graph.Value{"name": graph.String("Eldrinax")})
	g.UpsertNode("location_tower_of_whispers", graph.TypeLocation, map[string]graph.Value{"name": graph.String("Tower of Whispers")})
	g.UpsertNode("item_silver_lute", graph.TypeItem, map[string]graph.Value{"name": graph.String("Silver Lute")})

	p := extract.NewPerception()

	t.Run("exact match", func(t *testing.T) {
		t.Parallel()
		got := p.Detect("I hand the silver lute to the innkeeper", g)
		if len(got) != 1 {
			t.Fatalf("mentions = %+v", got)
		}
		if got[0].EntityID != "item_silver_lute" || !got[0].Exact || got[0].Confidence != 1 {
			t.Errorf("mention = %+v", got[0])
		}
	})

	t.Run("phonetic match", func(t *testing.T) {
		t.Parallel()
		got := p.Detect("what does Eldrinacks want from me", g)
		if len(got) == 0 {
			t.Fatal("expected a phonetic mention")
		}
		if got[0].EntityID != "character_eldrinax" || got[0].Exact {
			t.Errorf("mention = %+v", got[0])
		}
	})

	t.Run("no match", func(t *testing.T) {
		t.Parallel()
		if got := p.Detect("the weather is dreadful today", g); len(got) != 0 {
			t.Errorf("mentions = %+v", got)
		}
	})

	t.Run("deleted entities are skipped", func(t *testing.T) {
		t.Parallel()
		g2 := graph.New()
		g2.UpsertNode("character_elara", graph.TypeCharacter, map[string]graph.Value{"name": graph.String("Elara")})
		if !g2.MarkNodeDeleted("character_elara", "death") {
			t.Fatal("MarkNodeDeleted: node not found")
		}
		if got := p.Detect("Elara waves", g2); len(got) != 0 {
			t.Errorf("mentions = %+v", got)
		}
	})
}

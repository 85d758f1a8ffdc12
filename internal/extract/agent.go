package extract

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/duiywegkl/EchoGraph/internal/gateway"
	"github.com/duiywegkl/EchoGraph/pkg/graph"
)

// Agent is the LLM-driven update extractor. It performs the one-time
// character-card bootstrap and per-turn delta extraction through the
// gateway. Failures surface to the caller, which falls back to the rule
// extractor; the agent itself never retries.
type Agent struct {
	gw *gateway.Gateway
}

// Compile-time interface assertion.
var _ Extractor = (*Agent)(nil)

// NewAgent creates an agent over the given gateway.
func NewAgent(gw *gateway.Gateway) *Agent {
	return &Agent{gw: gw}
}

// bootstrapPayload is the JSON schema the bootstrap prompt requests.
type bootstrapPayload struct {
	MainCharacter string `json:"main_character"`
	Entities      []struct {
		Name        string         `json:"name"`
		Type        string         `json:"type"`
		Description string         `json:"description"`
		Attributes  map[string]any `json:"attributes"`
	} `json:"entities"`
	Relationships []struct {
		Source       string `json:"source"`
		Target       string `json:"target"`
		Relationship string `json:"relationship"`
	} `json:"relationships"`
}

// Bootstrap analyses a character card plus world-book text and returns the
// graph build plan. Relationship endpoints are resolved from entity names
// to canonical IDs; relations referencing names absent from the payload
// are dropped with a warning.
func (a *Agent) Bootstrap(ctx context.Context, card CharacterCard, worldInfo string) (BootstrapPlan, error) {
	body, err := a.gw.Generate(ctx, gateway.Request{
		SystemMessage: bootstrapSystemPrompt,
		Prompt:        bootstrapPrompt(card, worldInfo),
	})
	if err != nil {
		return BootstrapPlan{}, fmt.Errorf("extract: bootstrap: %w", err)
	}

	var payload bootstrapPayload
	if err := json.Unmarshal([]byte(body), &payload); err != nil {
		return BootstrapPlan{}, fmt.Errorf("extract: bootstrap: %w: %v", gateway.ErrFormat, err)
	}

	plan := BootstrapPlan{MainCharacter: payload.MainCharacter}
	if plan.MainCharacter == "" {
		plan.MainCharacter = card.Name
	}

	// First pass: entities, building the name -> canonical id mapping.
	idByName := make(map[string]string, len(payload.Entities))
	for _, e := range payload.Entities {
		if e.Name == "" {
			continue
		}
		typ := graph.ParseEntityType(e.Type)
		id := graph.CanonicalID(typ, e.Name)
		idByName[graph.NormalizeName(e.Name)] = id

		attrs := map[string]graph.Value{
			"name": graph.String(e.Name),
		}
		if e.Description != "" {
			attrs["description"] = graph.String(e.Description)
		}
		for k, v := range e.Attributes {
			attrs[k] = graph.FromAny(v)
		}
		plan.Delta.NodesToUpdate = append(plan.Delta.NodesToUpdate, graph.NodeUpdate{
			NodeID:     id,
			Type:       typ,
			Attributes: attrs,
		})
	}
	plan.MainCharacterID = idByName[graph.NormalizeName(plan.MainCharacter)]
	if plan.MainCharacterID == "" {
		plan.MainCharacterID = graph.CanonicalID(graph.TypeCharacter, plan.MainCharacter)
	}

	// Second pass: relationships, names resolved against the same payload.
	for _, r := range payload.Relationships {
		src, okS := idByName[graph.NormalizeName(r.Source)]
		tgt, okT := idByName[graph.NormalizeName(r.Target)]
		if !okS || !okT || r.Relationship == "" {
			slog.Warn("bootstrap relationship references unknown entity — dropped",
				"source", r.Source, "target", r.Target, "relationship", r.Relationship)
			continue
		}
		plan.Delta.EdgesToAdd = append(plan.Delta.EdgesToAdd, graph.EdgeAdd{
			Source:       src,
			Target:       tgt,
			Relationship: r.Relationship,
		})
	}

	return plan, nil
}

// deltaPayload mirrors the execution-format delta with loose attribute
// typing, as the model produces it.
type deltaPayload struct {
	NodesToUpdate []struct {
		NodeID     string         `json:"node_id"`
		Type       string         `json:"type"`
		Attributes map[string]any `json:"attributes"`
	} `json:"nodes_to_update"`
	EdgesToAdd []struct {
		Source       string `json:"source"`
		Target       string `json:"target"`
		Relationship string `json:"relationship"`
	} `json:"edges_to_add"`
	NodesToDelete []struct {
		NodeID       string `json:"node_id"`
		DeletionType string `json:"deletion_type"`
		Reason       string `json:"reason"`
	} `json:"nodes_to_delete"`
	EdgesToDelete []struct {
		Source       string `json:"source"`
		Target       string `json:"target"`
		Relationship string `json:"relationship"`
		Reason       string `json:"reason"`
	} `json:"edges_to_delete"`
}

// ExtractTurn implements [Extractor]: it asks the model to compare the
// turn against the current graph snapshot and returns the proposed delta.
// The result still passes through validation before application.
func (a *Agent) ExtractTurn(ctx context.Context, in TurnInput) (graph.Delta, error) {
	body, err := a.gw.Generate(ctx, gateway.Request{
		SystemMessage: turnSystemPrompt,
		Prompt:        turnPrompt(in),
	})
	if err != nil {
		return graph.Delta{}, fmt.Errorf("extract: turn: %w", err)
	}

	var payload deltaPayload
	if err := json.Unmarshal([]byte(body), &payload); err != nil {
		return graph.Delta{}, fmt.Errorf("extract: turn: %w: %v", gateway.ErrFormat, err)
	}

	var d graph.Delta
	for _, nu := range payload.NodesToUpdate {
		attrs := make(map[string]graph.Value, len(nu.Attributes))
		for k, v := range nu.Attributes {
			attrs[k] = graph.FromAny(v)
		}
		d.NodesToUpdate = append(d.NodesToUpdate, graph.NodeUpdate{
			NodeID:     nu.NodeID,
			Type:       graph.ParseEntityType(nu.Type),
			Attributes: attrs,
		})
	}
	for _, ea := range payload.EdgesToAdd {
		d.EdgesToAdd = append(d.EdgesToAdd, graph.EdgeAdd{
			Source:       ea.Source,
			Target:       ea.Target,
			Relationship: ea.Relationship,
		})
	}
	for _, nd := range payload.NodesToDelete {
		d.NodesToDelete = append(d.NodesToDelete, graph.NodeDelete{
			NodeID:       nd.NodeID,
			DeletionType: graph.DeletionType(nd.DeletionType),
			Reason:       nd.Reason,
		})
	}
	for _, ed := range payload.EdgesToDelete {
		d.EdgesToDelete = append(d.EdgesToDelete, graph.EdgeDelete{
			Source:       ed.Source,
			Target:       ed.Target,
			Relationship: ed.Relationship,
			Reason:       ed.Reason,
		})
	}
	return d, nil
}

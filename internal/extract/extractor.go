// Package extract implements the graph-update extraction pipeline: the
// LLM-driven update agent, the deterministic rule-based fallback, the
// perception extractor used for prompt enhancement, and the validation
// layer that cleans proposed deltas before they touch the graph.
package extract

import (
	"context"

	"github.com/duiywegkl/EchoGraph/pkg/graph"
)

// TurnInput is everything an extractor sees for a single conversation turn.
type TurnInput struct {
	// UserText and AssistantText are the turn being extracted.
	UserText      string
	AssistantText string

	// GraphSummary is a compact text rendering of the current graph.
	GraphSummary string

	// RecentContext is a rendering of the last few completed turns.
	RecentContext string
}

// Extractor proposes graph deltas for a conversation turn. Implementations
// that can fail (the LLM agent) return an error; the rule-based tail of the
// fallback chain always succeeds with a possibly empty delta.
type Extractor interface {
	ExtractTurn(ctx context.Context, in TurnInput) (graph.Delta, error)
}

// CharacterCard is the character description submitted by the frontend.
// Field names mirror the card format the chat frontend exports.
type CharacterCard struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Personality string `json:"personality,omitempty"`
	Scenario    string `json:"scenario,omitempty"`
	FirstMes    string `json:"first_mes,omitempty"`
	MesExample  string `json:"mes_example,omitempty"`
}

// BootstrapPlan is the graph build proposed from a character card and
// world-book text. MainCharacter names the protagonist node; the delta's
// endpoints are already resolved to canonical IDs.
type BootstrapPlan struct {
	MainCharacter   string
	MainCharacterID string
	Delta           graph.Delta
}

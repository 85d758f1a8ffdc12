// Package graph implements the per-session knowledge graph of the EchoGraph
// memory service: a typed directed multigraph of narrative entities and
// relations with attribute maps, soft deletion, and a round-trippable JSON
// persistence format.
package graph

import (
	"strings"
	"time"
)

// EntityType classifies a graph node.
type EntityType string

const (
	TypeCharacter    EntityType = "character"
	TypeLocation     EntityType = "location"
	TypeItem         EntityType = "item"
	TypeEvent        EntityType = "event"
	TypeConcept      EntityType = "concept"
	TypeOrganization EntityType = "organization"
	TypeSkill        EntityType = "skill"
	TypeUnknown      EntityType = "unknown"
)

// IsValid reports whether t is a recognised entity type.
func (t EntityType) IsValid() bool {
	switch t {
	case TypeCharacter, TypeLocation, TypeItem, TypeEvent,
		TypeConcept, TypeOrganization, TypeSkill, TypeUnknown:
		return true
	}
	return false
}

// ParseEntityType normalises a free-form type string. Unrecognised values
// map to [TypeUnknown] so that LLM output never produces an invalid node.
func ParseEntityType(s string) EntityType {
	t := EntityType(strings.ToLower(strings.TrimSpace(s)))
	if t.IsValid() {
		return t
	}
	return TypeUnknown
}

// NormalizeName lowercases name and replaces spaces with underscores.
// It is the canonical name normalisation used in entity IDs.
func NormalizeName(name string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(name)), " ", "_")
}

// CanonicalID builds the canonical entity ID "<type>_<normalized name>".
// Every node in a session graph is addressed by this form; renaming an
// entity is modelled as delete-old + add-new.
func CanonicalID(t EntityType, name string) string {
	return string(t) + "_" + NormalizeName(name)
}

// SplitID extracts the type prefix from a canonical entity ID. Returns
// [TypeUnknown] when the prefix is not a recognised type.
func SplitID(id string) (EntityType, string) {
	for _, t := range []EntityType{
		TypeCharacter, TypeLocation, TypeItem, TypeEvent,
		TypeConcept, TypeOrganization, TypeSkill, TypeUnknown,
	} {
		prefix := string(t) + "_"
		if strings.HasPrefix(id, prefix) {
			return t, strings.TrimPrefix(id, prefix)
		}
	}
	return TypeUnknown, id
}

// Entity is a graph node. ID is unique within a session's graph and encodes
// the type plus a deterministic normalisation of Name (see [CanonicalID]).
type Entity struct {
	ID             string           `json:"id"`
	Type           EntityType       `json:"type"`
	Name           string           `json:"name"`
	Description    string           `json:"description,omitempty"`
	Attributes     map[string]Value `json:"attributes,omitempty"`
	Deleted        bool             `json:"is_deleted,omitempty"`
	DeletionReason string           `json:"deletion_reason,omitempty"`
	CreatedTime    time.Time        `json:"created_time"`
	LastModified   time.Time        `json:"last_modified"`
}

// clone returns a deep copy so callers can never mutate stored state.
func (e *Entity) clone() Entity {
	c := *e
	if e.Attributes != nil {
		c.Attributes = make(map[string]Value, len(e.Attributes))
		for k, v := range e.Attributes {
			c.Attributes[k] = v.clone()
		}
	}
	return c
}

// Relation is a directed edge. Multiple edges between the same pair of
// nodes are allowed as long as their Relationship values differ.
type Relation struct {
	SourceID     string           `json:"source_id"`
	TargetID     string           `json:"target_id"`
	Relationship string           `json:"relationship"`
	Attributes   map[string]Value `json:"attributes,omitempty"`
	CreatedTime  time.Time        `json:"created_time"`
}

func (r *Relation) clone() Relation {
	c := *r
	if r.Attributes != nil {
		c.Attributes = make(map[string]Value, len(r.Attributes))
		for k, v := range r.Attributes {
			c.Attributes[k] = v.clone()
		}
	}
	return c
}

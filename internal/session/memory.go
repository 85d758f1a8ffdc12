// Package session holds per-session state: the knowledge graph, the
// rolling conversation log, and a small key-value state map, together with
// the persistence hooks that mirror them to disk.
package session

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/duiywegkl/EchoGraph/pkg/graph"
)

// DefaultHotMemorySize is how many recent conversation entries context
// retrieval includes by default.
const DefaultHotMemorySize = 10

// ConversationEntry is one logged (user, assistant) exchange.
type ConversationEntry struct {
	User      string    `json:"user"`
	Assistant string    `json:"assistant"`
	Timestamp time.Time `json:"timestamp"`
}

// Memory is the per-session state container. The conversation log is
// unbounded until reset; the graph is shared with the extraction pipeline.
// All methods are safe for concurrent use.
type Memory struct {
	graph *graph.Graph

	mu            sync.RWMutex
	conversations []ConversationEntry
	state         map[string]string
	hotSize       int
}

// MemoryOption configures a [Memory].
type MemoryOption func(*Memory)

// WithHotMemorySize sets how many recent conversation entries context
// retrieval includes when the caller does not say. Default: 10.
func WithHotMemorySize(n int) MemoryOption {
	return func(m *Memory) {
		if n > 0 {
			m.hotSize = n
		}
	}
}

// NewMemory creates a Memory over the given graph.
func NewMemory(g *graph.Graph, opts ...MemoryOption) *Memory {
	m := &Memory{
		graph:   g,
		state:   make(map[string]string),
		hotSize: DefaultHotMemorySize,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Graph returns the session's knowledge graph.
func (m *Memory) Graph() *graph.Graph {
	return m.graph
}

// AddConversation appends an exchange to the log.
func (m *Memory) AddConversation(user, assistant string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.conversations = append(m.conversations, ConversationEntry{
		User:      user,
		Assistant: assistant,
		Timestamp: time.Now(),
	})
}

// Conversations returns a snapshot of the log, oldest first.
func (m *Memory) Conversations() []ConversationEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]ConversationEntry, len(m.conversations))
	copy(out, m.conversations)
	return out
}

// RecentConversations returns the last n entries, oldest first.
func (m *Memory) RecentConversations(n int) []ConversationEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if n <= 0 || n > len(m.conversations) {
		n = len(m.conversations)
	}
	out := make([]ConversationEntry, n)
	copy(out, m.conversations[len(m.conversations)-n:])
	return out
}

// ConversationCount returns the number of logged exchanges.
func (m *Memory) ConversationCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.conversations)
}

// ClearConversations drops the conversation log but leaves graph and state
// untouched.
func (m *Memory) ClearConversations() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.conversations = nil
}

// SetState stores a key-value pair (e.g. the last character name).
func (m *Memory) SetState(key, value string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state[key] = value
}

// State returns the value for key and whether it was set.
func (m *Memory) State(key string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.state[key]
	return v, ok
}

// ClearState drops all key-value state.
func (m *Memory) ClearState() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = make(map[string]string)
}

// RetrieveContextForPrompt builds a text block combining the descriptions
// and 1-hop neighborhoods of the listed entities with the last recentTurns
// conversation entries. Truncation to a byte budget happens upstream.
func (m *Memory) RetrieveContextForPrompt(entityIDs []string, recentTurns int) string {
	if recentTurns <= 0 {
		recentTurns = m.hotSize
	}

	var b strings.Builder

	if len(entityIDs) > 0 {
		b.WriteString("Relevant knowledge:\n")
		for _, id := range entityIDs {
			node, ok := m.graph.Node(id)
			if !ok || node.Deleted {
				continue
			}
			fmt.Fprintf(&b, "- %s (%s)", node.Name, node.Type)
			if node.Description != "" {
				b.WriteString(": " + node.Description)
			}
			b.WriteString("\n")
			for k, v := range node.Attributes {
				fmt.Fprintf(&b, "  %s: %s\n", k, v.Text())
			}

			rels, neighbours, err := m.graph.Neighborhood(id, false)
			if err != nil {
				continue
			}
			names := make(map[string]string, len(neighbours))
			for _, n := range neighbours {
				names[n.ID] = n.Name
			}
			for _, r := range rels {
				other := r.TargetID
				arrow := "->"
				if other == id {
					other = r.SourceID
					arrow = "<-"
				}
				name := names[other]
				if name == "" {
					name = other
				}
				fmt.Fprintf(&b, "  %s %s %s\n", arrow, r.Relationship, name)
			}
		}
	}

	recent := m.RecentConversations(recentTurns)
	if len(recent) > 0 {
		b.WriteString("Recent conversation:\n")
		for _, e := range recent {
			fmt.Fprintf(&b, "User: %s\nAssistant: %s\n", e.User, e.Assistant)
		}
	}

	return b.String()
}

// entitiesMirror is the on-disk JSON mirror consumed by external viewers.
type entitiesMirror struct {
	Entities     []mirrorEntity `json:"entities"`
	LastModified time.Time      `json:"last_modified"`
}

type mirrorEntity struct {
	Name         string                 `json:"name"`
	Type         graph.EntityType       `json:"type"`
	Description  string                 `json:"description,omitempty"`
	CreatedTime  time.Time              `json:"created_time"`
	LastModified time.Time              `json:"last_modified"`
	Attributes   map[string]graph.Value `json:"attributes,omitempty"`
}

// SyncEntitiesToDisk writes the entities mirror for external tooling.
// Soft-deleted entities are excluded.
func (m *Memory) SyncEntitiesToDisk(path string) error {
	return WriteEntitiesMirror(path, m.graph)
}

// WriteEntitiesMirror writes the JSON entities mirror for a graph.
func WriteEntitiesMirror(path string, g *graph.Graph) error {
	nodes := g.ActiveNodes()
	mirror := entitiesMirror{
		Entities:     make([]mirrorEntity, 0, len(nodes)),
		LastModified: time.Now(),
	}
	for _, n := range nodes {
		mirror.Entities = append(mirror.Entities, mirrorEntity{
			Name:         n.Name,
			Type:         n.Type,
			Description:  n.Description,
			CreatedTime:  n.CreatedTime,
			LastModified: n.LastModified,
			Attributes:   n.Attributes,
		})
	}

	data, err := json.MarshalIndent(mirror, "", "  ")
	if err != nil {
		return fmt.Errorf("session: marshal entities mirror: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("session: create mirror dir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("session: write entities mirror: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("session: replace entities mirror: %w", err)
	}
	return nil
}

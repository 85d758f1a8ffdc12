// Package engine composes the per-session machinery: session memory, the
// sliding window with its coordinator and conflict resolver, the
// extraction chain, and persistence. One Engine serves one session; the
// process-wide registry lives in internal/app.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/duiywegkl/EchoGraph/internal/extract"
	"github.com/duiywegkl/EchoGraph/internal/observe"
	"github.com/duiywegkl/EchoGraph/internal/session"
	"github.com/duiywegkl/EchoGraph/internal/window"
	"github.com/duiywegkl/EchoGraph/pkg/graph"
)

// Bootstrap method labels returned in init results and stats.
const (
	MethodLLM            = "llm"
	MethodSimpleFallback = "simple_fallback"
	MethodExisting       = "existing"
	MethodFailed         = "failed"
)

// enhanceBytesPerTurn converts a context byte budget into a recent-turn
// count for prompt enhancement.
const enhanceBytesPerTurn = 200

// maxEnhanceRecentTurns caps the recent turns included by EnhancePrompt.
const maxEnhanceRecentTurns = 5

// truncationMarker is appended when the enhanced context is cut to fit the
// caller's budget.
const truncationMarker = "[...context truncated...]"

// Bootstrapper runs the one-time character-card analysis. Implemented by
// [extract.Agent]; nil when no LLM is configured.
type Bootstrapper interface {
	Bootstrap(ctx context.Context, card extract.CharacterCard, worldInfo string) (extract.BootstrapPlan, error)
}

// Persister writes a session's graph to durable storage.
type Persister interface {
	SaveGraph(ctx context.Context, sessionID string, g *graph.Graph) error
}

// Config wires up an [Engine].
type Config struct {
	SessionID string

	// WindowSize and Delay configure the sliding window; zero values take
	// the package defaults.
	WindowSize int
	Delay      int

	// HotMemorySize bounds recent-conversation retrieval.
	HotMemorySize int

	// Bootstrapper is the LLM card analyser; nil disables LLM bootstrap.
	Bootstrapper Bootstrapper

	// Extractor is the per-turn extraction chain. Required.
	Extractor window.Extractor

	// Persister saves the graph after mutations; nil keeps the session
	// in-memory only.
	Persister Persister

	// OnGraphUpdated is called after a non-empty delta is applied.
	OnGraphUpdated func(stats graph.ApplyStats, method string)
}

// Engine is the per-session facade. Mutating operations are serialized by
// the engine's mutex; the ordering guarantee (deltas for turn N applied
// before work on turn N+1 starts) follows from that.
type Engine struct {
	sessionID string

	memory     *session.Memory
	win        *window.Window
	coord      *window.Coordinator
	resolver   *window.Resolver
	perception *extract.Perception

	bootstrapper Bootstrapper
	extractor    window.Extractor
	persister    Persister

	mu              sync.Mutex
	characterName   string
	bootstrapMethod string
}

// New creates an Engine with a fresh graph.
func New(cfg Config) *Engine {
	return NewWithGraph(cfg, graph.New())
}

// NewWithGraph creates an Engine over an existing graph, e.g. one loaded
// from disk.
func NewWithGraph(cfg Config, g *graph.Graph) *Engine {
	e := &Engine{
		sessionID:    cfg.SessionID,
		memory:       session.NewMemory(g, session.WithHotMemorySize(cfg.HotMemorySize)),
		win:          window.New(cfg.WindowSize, cfg.Delay),
		perception:   extract.NewPerception(),
		bootstrapper: cfg.Bootstrapper,
		extractor:    cfg.Extractor,
		persister:    cfg.Persister,
	}
	e.resolver = window.NewResolver(e.win)

	var opts []window.CoordinatorOption
	if cfg.OnGraphUpdated != nil {
		opts = append(opts, window.WithOnApplied(cfg.OnGraphUpdated))
	}
	e.coord = window.NewCoordinator(e.win, cfg.Extractor, g, e.persist, opts...)
	return e
}

// SessionID returns the session this engine serves.
func (e *Engine) SessionID() string {
	return e.sessionID
}

// Memory exposes the session memory for read paths.
func (e *Engine) Memory() *session.Memory {
	return e.memory
}

// Graph returns the session's knowledge graph.
func (e *Engine) Graph() *graph.Graph {
	return e.memory.Graph()
}

func (e *Engine) persist(ctx context.Context) error {
	if e.persister == nil {
		return nil
	}
	return e.persister.SaveGraph(ctx, e.sessionID, e.Graph())
}

// ─────────────────────────────────────────────────────────────────────────────
// Bootstrap

// InitResult reports the outcome of a character bootstrap.
type InitResult struct {
	NodesAdded    int    `json:"nodes_added"`
	EdgesAdded    int    `json:"edges_added"`
	Method        string `json:"method"`
	CharacterName string `json:"character_name"`
}

// InitializeFromCharacter bootstraps the graph from a character card. A
// populated graph makes the call idempotent: current stats are returned
// without re-running the bootstrap. LLM failures degrade to a minimal
// single-node bootstrap; only an empty graph after both attempts is
// reported as failed.
func (e *Engine) InitializeFromCharacter(ctx context.Context, card extract.CharacterCard, worldInfo string) InitResult {
	e.mu.Lock()
	defer e.mu.Unlock()

	g := e.Graph()
	if g.NodeCount() > 0 {
		st := g.Stats()
		return InitResult{
			NodesAdded:    st.Nodes,
			EdgesAdded:    st.Edges,
			Method:        MethodExisting,
			CharacterName: e.characterName,
		}
	}
	return e.bootstrapLocked(ctx, card, worldInfo)
}

func (e *Engine) bootstrapLocked(ctx context.Context, card extract.CharacterCard, worldInfo string) InitResult {
	g := e.Graph()
	res := InitResult{CharacterName: card.Name}

	if e.bootstrapper != nil {
		start := time.Now()
		plan, err := e.bootstrapper.Bootstrap(ctx, card, worldInfo)
		observe.DefaultMetrics().BootstrapDuration.Record(ctx, time.Since(start).Seconds())
		if err == nil {
			clean, _ := extract.Validate(plan.Delta, g)
			stats := g.Apply(clean)
			res.NodesAdded = stats.NodesUpdated
			res.EdgesAdded = stats.EdgesAdded
			res.Method = MethodLLM
			if plan.MainCharacter != "" {
				res.CharacterName = plan.MainCharacter
			}
		} else {
			slog.Warn("llm bootstrap failed, using simple fallback",
				"session_id", e.sessionID, "error", err)
		}
	}

	if g.NodeCount() == 0 && card.Name != "" {
		g.UpsertNode(graph.CanonicalID(graph.TypeCharacter, card.Name), graph.TypeCharacter,
			map[string]graph.Value{
				"name":        graph.String(card.Name),
				"description": graph.String(card.Description),
			})
		res.NodesAdded = 1
		res.Method = MethodSimpleFallback
	}

	if g.NodeCount() == 0 {
		res.Method = MethodFailed
	} else {
		e.characterName = res.CharacterName
		e.memory.SetState("character_name", res.CharacterName)
		if err := e.persist(ctx); err != nil {
			slog.Warn("bootstrap persist failed", "session_id", e.sessionID, "error", err)
		}
	}
	e.bootstrapMethod = res.Method
	return res
}

// Reinitialize clears the graph and re-runs the bootstrap.
func (e *Engine) Reinitialize(ctx context.Context, card extract.CharacterCard, worldInfo string) InitResult {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.Graph().Clear()
	e.win.Reset()
	return e.bootstrapLocked(ctx, card, worldInfo)
}

// ─────────────────────────────────────────────────────────────────────────────
// Prompt enhancement

// EnhanceResult is the outcome of EnhancePrompt.
type EnhanceResult struct {
	EnhancedContext string            `json:"enhanced_context"`
	EntitiesFound   []extract.Mention `json:"entities_found"`
	Stats           EnhanceStats      `json:"stats"`
}

// EnhanceStats describes how the context block was assembled.
type EnhanceStats struct {
	EntityCount   int  `json:"entity_count"`
	RecentTurns   int  `json:"recent_turns"`
	ContextLength int  `json:"context_length"`
	Truncated     bool `json:"truncated"`
}

// EnhancePrompt detects which known entities the user input refers to,
// assembles a context block from their neighborhoods plus recent
// conversation, and truncates it to maxContextLength bytes. A zero
// recentTurnsHint derives the turn count from the byte budget.
func (e *Engine) EnhancePrompt(userInput string, maxContextLength, recentTurnsHint int) EnhanceResult {
	mentions := e.perception.Detect(userInput, e.Graph())
	ids := make([]string, len(mentions))
	for i, m := range mentions {
		ids[i] = m.EntityID
	}

	recentTurns := recentTurnsHint
	if recentTurns <= 0 && maxContextLength > 0 {
		recentTurns = maxContextLength / enhanceBytesPerTurn
		if recentTurns > maxEnhanceRecentTurns {
			recentTurns = maxEnhanceRecentTurns
		}
		if recentTurns < 1 {
			recentTurns = 1
		}
	}

	contextBlock := e.memory.RetrieveContextForPrompt(ids, recentTurns)
	truncated := false
	if maxContextLength > 0 && len(contextBlock) > maxContextLength {
		cut := maxContextLength - len(truncationMarker)
		if cut < 0 {
			cut = 0
		}
		contextBlock = contextBlock[:cut] + truncationMarker
		truncated = true
	}

	return EnhanceResult{
		EnhancedContext: contextBlock,
		EntitiesFound:   mentions,
		Stats: EnhanceStats{
			EntityCount:   len(mentions),
			RecentTurns:   recentTurns,
			ContextLength: len(contextBlock),
			Truncated:     truncated,
		},
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Turn processing

// UpdateResult is the outcome of the single-shot extraction path.
type UpdateResult struct {
	NodesUpdated int                        `json:"nodes_updated"`
	EdgesAdded   int                        `json:"edges_added"`
	NodesDeleted int                        `json:"nodes_deleted"`
	EdgesDeleted int                        `json:"edges_deleted"`
	Method       string                     `json:"method"`
	Validation   extract.ValidationCounters `json:"validation"`
}

// ExtractUpdatesFromResponse runs extraction immediately on the given
// turn, bypassing the window. The conversation is still logged.
func (e *Engine) ExtractUpdatesFromResponse(ctx context.Context, userInput, assistantResponse string) (UpdateResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	recent := e.memory.RecentConversations(3)
	e.memory.AddConversation(userInput, assistantResponse)

	g := e.Graph()
	in := extract.TurnInput{
		UserText:      userInput,
		AssistantText: assistantResponse,
		GraphSummary:  extract.GraphSummary(g, 50),
		RecentContext: renderEntries(recent),
	}
	delta, method, err := e.extractor.Extract(ctx, in)
	if err != nil {
		return UpdateResult{}, fmt.Errorf("engine: extract updates: %w", err)
	}

	clean, counters := extract.Validate(delta, g)
	stats := g.Apply(clean)
	if err := e.persist(ctx); err != nil {
		slog.Warn("persist failed, will retry on next persist",
			"session_id", e.sessionID, "error", err)
	}

	return UpdateResult{
		NodesUpdated: stats.NodesUpdated,
		EdgesAdded:   stats.EdgesAdded,
		NodesDeleted: stats.NodesDeleted,
		EdgesDeleted: stats.EdgesDeleted,
		Method:       method,
		Validation:   counters,
	}, nil
}

// ProcessConversation logs the turn and drives the windowed extraction
// path.
func (e *Engine) ProcessConversation(ctx context.Context, userInput, assistantResponse, externalID string) window.ProcessResult {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.memory.AddConversation(userInput, assistantResponse)
	return e.coord.ProcessNewConversation(ctx, userInput, assistantResponse, externalID)
}

// SyncConversation reconciles the window against an authoritative external
// history.
func (e *Engine) SyncConversation(history []window.AuthoritativeTurn) window.SyncResult {
	e.mu.Lock()
	defer e.mu.Unlock()

	met := observe.DefaultMetrics()
	start := time.Now()
	res := e.resolver.Sync(history)
	met.SyncDuration.Record(context.Background(), time.Since(start).Seconds())
	if res.ConflictsResolved > 0 {
		met.ConflictsResolved.Add(context.Background(), int64(res.ConflictsResolved))
	}
	return res
}

// ExtractionInFlight exposes the coordinator's in-flight probe.
func (e *Engine) ExtractionInFlight() bool {
	return e.coord.InFlight()
}

// ─────────────────────────────────────────────────────────────────────────────
// Lifecycle

// Clear empties the graph and persists the empty state.
func (e *Engine) Clear(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.Graph().Clear()
	if err := e.persist(ctx); err != nil {
		slog.Warn("persist failed after clear", "session_id", e.sessionID, "error", err)
	}
}

// Reset clears the conversation log, state, and window. With keepGraph the
// graph survives; otherwise it is cleared too.
func (e *Engine) Reset(ctx context.Context, keepGraph bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.memory.ClearConversations()
	e.memory.ClearState()
	e.win.Reset()
	if !keepGraph {
		e.Graph().Clear()
		if err := e.persist(ctx); err != nil {
			slog.Warn("persist failed after reset", "session_id", e.sessionID, "error", err)
		}
	}
}

// SessionStats is the stats envelope for status endpoints.
type SessionStats struct {
	SessionID       string      `json:"session_id"`
	CharacterName   string      `json:"character_name,omitempty"`
	BootstrapMethod string      `json:"method,omitempty"`
	Graph           graph.Stats `json:"graph"`
	Conversations   int         `json:"conversations"`
	Window          window.Info `json:"window"`
}

// Stats returns a snapshot of the session.
func (e *Engine) Stats() SessionStats {
	e.mu.Lock()
	name, method := e.characterName, e.bootstrapMethod
	e.mu.Unlock()

	return SessionStats{
		SessionID:       e.sessionID,
		CharacterName:   name,
		BootstrapMethod: method,
		Graph:           e.Graph().Stats(),
		Conversations:   e.memory.ConversationCount(),
		Window:          e.win.Info(),
	}
}

// CharacterName returns the character this session was bootstrapped from.
func (e *Engine) CharacterName() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.characterName
}

func renderEntries(entries []session.ConversationEntry) string {
	pairs := make([][2]string, len(entries))
	for i, en := range entries {
		pairs[i] = [2]string{en.User, en.Assistant}
	}
	return extract.RenderRecentTurns(pairs)
}

// Package app hosts the process-wide session registry: engine creation
// with double-checked locking, the async init task table, plugin character
// submissions, the coordinated-reinit set, and the tavern-mode gate.
package app

import (
	"context"
	"crypto/md5"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/duiywegkl/EchoGraph/internal/engine"
	"github.com/duiywegkl/EchoGraph/internal/extract"
	"github.com/duiywegkl/EchoGraph/internal/observe"
	"github.com/duiywegkl/EchoGraph/internal/storage"
	"github.com/duiywegkl/EchoGraph/internal/window"
	"github.com/duiywegkl/EchoGraph/pkg/graph"
)

// Errors surfaced at the external boundary. The HTTP and socket layers map
// them to status codes.
var (
	ErrSessionNotFound = errors.New("app: session not found")
	ErrTaskNotFound    = errors.New("app: task not found")
	ErrNoSocket        = errors.New("app: no plugin socket bound for session")
	ErrNoCharacterData = errors.New("app: no character data submitted for session")
)

// defaultMaxConcurrentCreations bounds how many session bootstraps may run
// at once.
const defaultMaxConcurrentCreations = 4

// Event names pushed to plugin sockets.
const (
	EventGraphUpdated           = "graph_updated"
	EventInitializationComplete = "initialization_complete"
	EventRequestCharacter       = "request_character_submission"
	EventAutoReinitComplete     = "auto_reinitialization_complete"
	EventAutoReinitFailed       = "auto_reinitialization_failed"
)

// EventSink is where the manager pushes unsolicited events. Implemented by
// the plugin channel hub; a nil sink drops events.
type EventSink interface {
	// PushEvent sends an event frame to the socket bound to sessionID.
	// Reports whether a socket was bound.
	PushEvent(sessionID, event string, data any) bool

	// HasSocket reports whether a socket is bound for sessionID.
	HasSocket(sessionID string) bool

	// CloseAll closes every bound socket with a normal close code.
	CloseAll()
}

// CharacterSubmission is character data pushed by the frontend plugin.
type CharacterSubmission struct {
	CharacterID   string                `json:"character_id"`
	CharacterName string                `json:"character_name"`
	Card          extract.CharacterCard `json:"character_data"`
	Timestamp     time.Time             `json:"timestamp"`
}

// Config wires up a [Manager].
type Config struct {
	Storage *storage.Manager

	// Bootstrapper is the shared LLM card analyser; nil disables LLM
	// bootstrap for every session.
	Bootstrapper engine.Bootstrapper

	// NewExtractor builds the per-session extraction chain over the
	// session's graph (the rule extractor needs the graph's entity list).
	NewExtractor func(g *graph.Graph) window.Extractor

	// NewPersister builds the per-session persistence backend.
	NewPersister func(sessionID string, isTest bool) engine.Persister

	// LoadGraph restores a previously persisted graph; nil or a miss means
	// sessions start empty.
	LoadGraph func(ctx context.Context, sessionID string, isTest bool) (*graph.Graph, bool)

	WindowSize    int
	Delay         int
	HotMemorySize int

	// MaxConcurrentCreations bounds parallel bootstraps; zero takes the
	// default.
	MaxConcurrentCreations int64
}

// Manager is the process-wide registry of session engines. Each shared map
// has its own lock; per-session creation is double-checked behind a
// per-session mutex and a global semaphore.
type Manager struct {
	cfg Config

	sessionsMu sync.RWMutex
	sessions   map[string]*engine.Engine

	locksMu       sync.Mutex
	creationLocks map[string]*sync.Mutex

	tasksMu sync.RWMutex
	tasks   map[string]*Task

	charMu        sync.RWMutex
	characterData map[string]CharacterSubmission // character id -> submission

	reinitMu       sync.Mutex
	pendingReinits map[string]struct{}

	tavernMode atomic.Bool

	sinkMu sync.RWMutex
	sink   EventSink

	createSem *semaphore.Weighted
}

// NewManager creates a Manager. Tavern mode starts enabled.
func NewManager(cfg Config) *Manager {
	maxCreate := cfg.MaxConcurrentCreations
	if maxCreate <= 0 {
		maxCreate = defaultMaxConcurrentCreations
	}
	m := &Manager{
		cfg:            cfg,
		sessions:       make(map[string]*engine.Engine),
		creationLocks:  make(map[string]*sync.Mutex),
		tasks:          make(map[string]*Task),
		characterData:  make(map[string]CharacterSubmission),
		pendingReinits: make(map[string]struct{}),
		createSem:      semaphore.NewWeighted(maxCreate),
	}
	m.tavernMode.Store(true)
	return m
}

// SetEventSink registers the plugin channel hub. Called once during wiring;
// settable after construction to break the package cycle.
func (m *Manager) SetEventSink(sink EventSink) {
	m.sinkMu.Lock()
	defer m.sinkMu.Unlock()
	m.sink = sink
}

func (m *Manager) eventSink() EventSink {
	m.sinkMu.RLock()
	defer m.sinkMu.RUnlock()
	return m.sink
}

// TavernModeActive reports the gate state.
func (m *Manager) TavernModeActive() bool {
	return m.tavernMode.Load()
}

// SetTavernMode flips the gate.
func (m *Manager) SetTavernMode(active bool) {
	m.tavernMode.Store(active)
	slog.Info("tavern mode changed", "active", active)
}

// SessionIDForCharacter derives the deterministic tavern session ID for a
// character name.
func SessionIDForCharacter(name string) string {
	sum := md5.Sum([]byte(name))
	return fmt.Sprintf("tavern_%s_%x", strings.ReplaceAll(strings.TrimSpace(name), " ", "_"), sum[:4])
}

// Session returns the engine for a session ID.
func (m *Manager) Session(sessionID string) (*engine.Engine, bool) {
	m.sessionsMu.RLock()
	defer m.sessionsMu.RUnlock()
	e, ok := m.sessions[sessionID]
	return e, ok
}

// SessionIDs returns the registered session IDs.
func (m *Manager) SessionIDs() []string {
	m.sessionsMu.RLock()
	defer m.sessionsMu.RUnlock()
	out := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		out = append(out, id)
	}
	return out
}

// lockFor returns the creation mutex for a session ID.
func (m *Manager) lockFor(sessionID string) *sync.Mutex {
	m.locksMu.Lock()
	defer m.locksMu.Unlock()
	l, ok := m.creationLocks[sessionID]
	if !ok {
		l = &sync.Mutex{}
		m.creationLocks[sessionID] = l
	}
	return l
}

// InitRequest is the bootstrap request accepted by both the sync and async
// paths.
type InitRequest struct {
	SessionID   string                `json:"session_id,omitempty"`
	Card        extract.CharacterCard `json:"character_card"`
	WorldInfo   string                `json:"world_info,omitempty"`
	IsTest      bool                  `json:"is_test,omitempty"`
	EnableAgent bool                  `json:"enable_agent,omitempty"`
}

// InitResponse is the bootstrap outcome.
type InitResponse struct {
	SessionID  string            `json:"session_id"`
	Message    string            `json:"message"`
	Init       engine.InitResult `json:"init"`
	GraphStats graph.Stats       `json:"graph_stats"`
}

// Initialize creates (or finds) the session and bootstraps it from the
// character card. Re-initializing a session with a populated graph is
// idempotent.
func (m *Manager) Initialize(ctx context.Context, req InitRequest) (InitResponse, error) {
	sessionID := req.SessionID
	if sessionID == "" {
		if req.Card.Name == "" {
			return InitResponse{}, fmt.Errorf("app: initialize: character card has no name")
		}
		sessionID = SessionIDForCharacter(req.Card.Name)
	}

	eng, err := m.getOrCreate(ctx, sessionID, req)
	if err != nil {
		return InitResponse{}, err
	}

	res := eng.InitializeFromCharacter(ctx, req.Card, req.WorldInfo)
	msg := "session initialized"
	if res.Method == engine.MethodExisting {
		msg = "session already initialized"
	}
	return InitResponse{
		SessionID:  sessionID,
		Message:    msg,
		Init:       res,
		GraphStats: eng.Graph().Stats(),
	}, nil
}

// getOrCreate returns the existing engine or builds one behind the
// per-session creation lock.
func (m *Manager) getOrCreate(ctx context.Context, sessionID string, req InitRequest) (*engine.Engine, error) {
	if eng, ok := m.Session(sessionID); ok {
		return eng, nil
	}

	lock := m.lockFor(sessionID)
	lock.Lock()
	defer lock.Unlock()

	// Re-check under the lock: another caller may have won the race.
	if eng, ok := m.Session(sessionID); ok {
		return eng, nil
	}

	if err := m.createSem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("app: create session: %w", err)
	}
	defer m.createSem.Release(1)

	if _, err := m.cfg.Storage.RegisterCharacter(req.Card.Name, sessionID, req.IsTest); err != nil {
		return nil, fmt.Errorf("app: register character: %w", err)
	}

	g := graph.New()
	if m.cfg.LoadGraph != nil {
		if loaded, ok := m.cfg.LoadGraph(ctx, sessionID, req.IsTest); ok {
			g = loaded
		}
	}

	var bootstrapper engine.Bootstrapper
	if req.EnableAgent {
		bootstrapper = m.cfg.Bootstrapper
	}
	var persister engine.Persister
	if m.cfg.NewPersister != nil {
		persister = m.cfg.NewPersister(sessionID, req.IsTest)
	}

	eng := engine.NewWithGraph(engine.Config{
		SessionID:     sessionID,
		WindowSize:    m.cfg.WindowSize,
		Delay:         m.cfg.Delay,
		HotMemorySize: m.cfg.HotMemorySize,
		Bootstrapper:  bootstrapper,
		Extractor:     m.cfg.NewExtractor(g),
		Persister:     persister,
		OnGraphUpdated: func(stats graph.ApplyStats, method string) {
			m.pushEvent(sessionID, EventGraphUpdated, map[string]any{
				"session_id": sessionID,
				"updates":    stats,
				"method":     method,
			})
		},
	}, g)

	m.sessionsMu.Lock()
	_, replaced := m.sessions[sessionID]
	m.sessions[sessionID] = eng
	m.sessionsMu.Unlock()

	if !replaced {
		observe.DefaultMetrics().ActiveSessions.Add(context.Background(), 1)
	}
	slog.Info("session created", "session_id", sessionID, "is_test", req.IsTest,
		"agent_enabled", bootstrapper != nil)
	return eng, nil
}

// pushEvent delivers an event through the sink, if one is registered.
func (m *Manager) pushEvent(sessionID, event string, data any) {
	if sink := m.eventSink(); sink != nil {
		sink.PushEvent(sessionID, event, data)
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Async initialization

// AsyncAck is returned by InitializeAsync.
type AsyncAck struct {
	TaskID        string `json:"task_id"`
	Message       string `json:"message"`
	EstimatedTime string `json:"estimated_time"`
}

// InitializeAsync enqueues the bootstrap on a background worker and
// returns the task handle immediately.
func (m *Manager) InitializeAsync(req InitRequest) AsyncAck {
	taskID := uuid.NewString()
	task := newTask(taskID, req.SessionID)

	m.tasksMu.Lock()
	m.tasks[taskID] = task
	m.tasksMu.Unlock()

	go m.runInit(task, req)

	return AsyncAck{
		TaskID:        taskID,
		Message:       "initialization started",
		EstimatedTime: "30s",
	}
}

// runInit drives one background bootstrap, reporting progress milestones.
func (m *Manager) runInit(task *Task, req InitRequest) {
	ctx := context.Background()

	task.Progress(0.1, "task accepted")

	sessionID := req.SessionID
	if sessionID == "" {
		if req.Card.Name == "" {
			task.Fail(fmt.Errorf("character card has no name"))
			return
		}
		sessionID = SessionIDForCharacter(req.Card.Name)
	}
	task.SetSessionID(sessionID)
	task.Progress(0.2, "creating session")

	eng, err := m.getOrCreate(ctx, sessionID, req)
	if err != nil {
		task.Fail(err)
		return
	}

	task.Progress(0.6, "analyzing character card")
	res := eng.InitializeFromCharacter(ctx, req.Card, req.WorldInfo)

	task.Progress(0.8, "building knowledge graph")
	stats := eng.Graph().Stats()

	task.Complete(InitResponse{
		SessionID:  sessionID,
		Message:    "session initialized",
		Init:       res,
		GraphStats: stats,
	}, "complete")

	m.pushEvent(sessionID, EventInitializationComplete, map[string]any{
		"session_id":  sessionID,
		"method":      res.Method,
		"graph_stats": stats,
	})
}

// TaskStatus returns the snapshot for a task ID.
func (m *Manager) TaskStatus(taskID string) (TaskView, error) {
	m.tasksMu.RLock()
	defer m.tasksMu.RUnlock()
	task, ok := m.tasks[taskID]
	if !ok {
		return TaskView{}, fmt.Errorf("%w: %q", ErrTaskNotFound, taskID)
	}
	return task.Snapshot(), nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Plugin character data & coordinated reinit

// SubmitCharacter stores plugin-submitted character data and, when the
// submission matches a pending coordinated reinit, dispatches the
// reinitialization on a worker.
func (m *Manager) SubmitCharacter(sub CharacterSubmission) {
	if sub.Timestamp.IsZero() {
		sub.Timestamp = time.Now()
	}
	if sub.CharacterName == "" {
		sub.CharacterName = sub.Card.Name
	}

	key := sub.CharacterID
	if key == "" {
		key = storage.CharacterKey(sub.CharacterName)
	}
	m.charMu.Lock()
	m.characterData[key] = sub
	m.charMu.Unlock()

	if sessionID, ok := m.takePendingReinit(sub); ok {
		go m.runAutoReinit(sessionID, sub)
	}
}

// takePendingReinit finds and removes the pending session the submission
// matches, by character id, by name, or by session-id prefix.
func (m *Manager) takePendingReinit(sub CharacterSubmission) (string, bool) {
	prefix := "tavern_" + strings.ReplaceAll(strings.TrimSpace(sub.CharacterName), " ", "_") + "_"

	m.reinitMu.Lock()
	defer m.reinitMu.Unlock()
	for sessionID := range m.pendingReinits {
		if m.submissionMatches(sessionID, sub, prefix) {
			delete(m.pendingReinits, sessionID)
			return sessionID, true
		}
	}
	return "", false
}

func (m *Manager) submissionMatches(sessionID string, sub CharacterSubmission, prefix string) bool {
	if strings.HasPrefix(sessionID, prefix) {
		return true
	}
	if info, ok := m.cfg.Storage.SessionInfo(sessionID); ok {
		if sub.CharacterID != "" && info.CharacterKey == storage.CharacterKey(sub.CharacterID) {
			return true
		}
		if sub.CharacterName != "" && strings.EqualFold(info.CharacterName, sub.CharacterName) {
			return true
		}
	}
	if eng, ok := m.Session(sessionID); ok {
		if sub.CharacterName != "" && strings.EqualFold(eng.CharacterName(), sub.CharacterName) {
			return true
		}
	}
	return false
}

// runAutoReinit performs the coordinated reinitialization for a matched
// submission.
func (m *Manager) runAutoReinit(sessionID string, sub CharacterSubmission) {
	ctx := context.Background()

	eng, ok := m.Session(sessionID)
	if !ok {
		m.pushEvent(sessionID, EventAutoReinitFailed, map[string]any{
			"session_id": sessionID,
			"error":      "session not found",
		})
		return
	}

	res := eng.Reinitialize(ctx, sub.Card, "")
	if res.Method == engine.MethodFailed {
		m.pushEvent(sessionID, EventAutoReinitFailed, map[string]any{
			"session_id": sessionID,
			"error":      "bootstrap produced an empty graph",
		})
		return
	}
	m.pushEvent(sessionID, EventAutoReinitComplete, map[string]any{
		"session_id":  sessionID,
		"method":      res.Method,
		"graph_stats": eng.Graph().Stats(),
	})
	slog.Info("coordinated reinitialization complete",
		"session_id", sessionID, "character", sub.CharacterName, "method", res.Method)
}

// RequestReinitialize marks the session for coordinated reinit and asks
// the plugin for fresh character data. Fails with [ErrNoSocket] when no
// plugin socket is bound.
func (m *Manager) RequestReinitialize(sessionID string) error {
	if _, ok := m.Session(sessionID); !ok {
		return fmt.Errorf("%w: %q", ErrSessionNotFound, sessionID)
	}
	sink := m.eventSink()
	if sink == nil || !sink.HasSocket(sessionID) {
		return fmt.Errorf("%w: %q", ErrNoSocket, sessionID)
	}

	m.reinitMu.Lock()
	m.pendingReinits[sessionID] = struct{}{}
	m.reinitMu.Unlock()

	sink.PushEvent(sessionID, EventRequestCharacter, map[string]any{
		"session_id": sessionID,
	})
	return nil
}

// ReinitializeFromPlugin re-runs the bootstrap using the last character
// data the plugin submitted for the session's character.
func (m *Manager) ReinitializeFromPlugin(sessionID string) error {
	eng, ok := m.Session(sessionID)
	if !ok {
		return fmt.Errorf("%w: %q", ErrSessionNotFound, sessionID)
	}

	sub, ok := m.lastSubmissionFor(sessionID, eng.CharacterName())
	if !ok {
		return fmt.Errorf("%w: %q", ErrNoCharacterData, sessionID)
	}
	go m.runAutoReinit(sessionID, sub)
	return nil
}

func (m *Manager) lastSubmissionFor(sessionID, characterName string) (CharacterSubmission, bool) {
	m.charMu.RLock()
	defer m.charMu.RUnlock()

	var best CharacterSubmission
	var found bool
	for _, sub := range m.characterData {
		if characterName != "" && !strings.EqualFold(sub.CharacterName, characterName) {
			prefix := "tavern_" + strings.ReplaceAll(sub.CharacterName, " ", "_") + "_"
			if !strings.HasPrefix(sessionID, prefix) {
				continue
			}
		}
		if !found || sub.Timestamp.After(best.Timestamp) {
			best, found = sub, true
		}
	}
	return best, found
}

// NewSessionForCharacter allocates a fresh session ID for an already
// registered character. The session engine itself is created lazily on the
// next Initialize call.
func (m *Manager) NewSessionForCharacter(characterName string) (string, error) {
	sessionID, err := m.cfg.Storage.CreateNewSession(storage.CharacterKey(characterName))
	if err != nil {
		return "", fmt.Errorf("app: new session: %w", err)
	}
	return sessionID, nil
}

// AvailableCharacters lists the characters the plugin has submitted.
func (m *Manager) AvailableCharacters() []CharacterSubmission {
	m.charMu.RLock()
	defer m.charMu.RUnlock()
	out := make([]CharacterSubmission, 0, len(m.characterData))
	for _, sub := range m.characterData {
		out = append(out, sub)
	}
	return out
}

// SocketClosed clears coordinated-reinit state for a disconnected session.
func (m *Manager) SocketClosed(sessionID string) {
	m.reinitMu.Lock()
	delete(m.pendingReinits, sessionID)
	m.reinitMu.Unlock()
}

// ─────────────────────────────────────────────────────────────────────────────
// Tavern session lookup & resets

// CurrentSession describes the most recent tavern session.
type CurrentSession struct {
	HasSession bool   `json:"has_session"`
	SessionID  string `json:"session_id,omitempty"`
	GraphNodes int    `json:"graph_nodes,omitempty"`
	GraphEdges int    `json:"graph_edges,omitempty"`
}

// CurrentTavernSession returns the most recently created tavern_* session.
func (m *Manager) CurrentTavernSession() CurrentSession {
	var bestID string
	var bestAt time.Time
	for _, info := range m.cfg.Storage.ListSessions() {
		if !strings.HasPrefix(info.SessionID, "tavern_") {
			continue
		}
		if _, ok := m.Session(info.SessionID); !ok {
			continue
		}
		if bestID == "" || info.CreatedAt.After(bestAt) {
			bestID, bestAt = info.SessionID, info.CreatedAt
		}
	}
	if bestID == "" {
		return CurrentSession{}
	}
	eng, _ := m.Session(bestID)
	st := eng.Graph().Stats()
	return CurrentSession{
		HasSession: true,
		SessionID:  bestID,
		GraphNodes: st.Nodes,
		GraphEdges: st.Edges,
	}
}

// ResetCounts reports what a process-wide reset dropped.
type ResetCounts struct {
	Sessions       int  `json:"sessions"`
	Tasks          int  `json:"tasks"`
	CharacterData  int  `json:"character_data"`
	PendingReinits int  `json:"pending_reinits"`
	StorageReset   bool `json:"storage_reset"`
}

// FullReset closes all sockets, drops all process-wide state, and reloads
// the storage registries.
func (m *Manager) FullReset() ResetCounts {
	counts := m.reset()
	if err := m.cfg.Storage.Reinitialize(); err != nil {
		slog.Warn("storage reinitialize failed during full reset", "error", err)
	} else {
		counts.StorageReset = true
	}
	return counts
}

// QuickReset drops process-wide state without touching storage.
func (m *Manager) QuickReset() ResetCounts {
	return m.reset()
}

func (m *Manager) reset() ResetCounts {
	if sink := m.eventSink(); sink != nil {
		sink.CloseAll()
	}

	var counts ResetCounts

	m.sessionsMu.Lock()
	counts.Sessions = len(m.sessions)
	m.sessions = make(map[string]*engine.Engine)
	m.sessionsMu.Unlock()

	observe.DefaultMetrics().ActiveSessions.Add(context.Background(), int64(-counts.Sessions))

	m.locksMu.Lock()
	m.creationLocks = make(map[string]*sync.Mutex)
	m.locksMu.Unlock()

	m.tasksMu.Lock()
	counts.Tasks = len(m.tasks)
	m.tasks = make(map[string]*Task)
	m.tasksMu.Unlock()

	m.charMu.Lock()
	counts.CharacterData = len(m.characterData)
	m.characterData = make(map[string]CharacterSubmission)
	m.charMu.Unlock()

	m.reinitMu.Lock()
	counts.PendingReinits = len(m.pendingReinits)
	m.pendingReinits = make(map[string]struct{})
	m.reinitMu.Unlock()

	slog.Info("process-wide reset", "sessions", counts.Sessions, "tasks", counts.Tasks)
	return counts
}

// ReinitializeMinimal re-bootstraps a session from its stored character
// name alone.
func (m *Manager) ReinitializeMinimal(ctx context.Context, sessionID string) (engine.InitResult, error) {
	eng, ok := m.Session(sessionID)
	if !ok {
		return engine.InitResult{}, fmt.Errorf("%w: %q", ErrSessionNotFound, sessionID)
	}
	name := eng.CharacterName()
	if name == "" {
		if info, ok := m.cfg.Storage.SessionInfo(sessionID); ok {
			name = info.CharacterName
		}
	}
	if name == "" {
		return engine.InitResult{}, fmt.Errorf("%w: %q", ErrNoCharacterData, sessionID)
	}
	return eng.Reinitialize(ctx, extract.CharacterCard{Name: name}, ""), nil
}

package app_test

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/duiywegkl/EchoGraph/internal/app"
	"github.com/duiywegkl/EchoGraph/internal/engine"
	"github.com/duiywegkl/EchoGraph/internal/extract"
	"github.com/duiywegkl/EchoGraph/internal/storage"
	"github.com/duiywegkl/EchoGraph/internal/window"
	"github.com/duiywegkl/EchoGraph/pkg/graph"
)

// nullChain is a do-nothing extraction chain.
type nullChain struct{}

func (nullChain) Extract(context.Context, extract.TurnInput) (graph.Delta, string, error) {
	return graph.Delta{}, "local_rules", nil
}

// sinkStub records pushed events.
type sinkStub struct {
	mu      sync.Mutex
	events  []string
	bound   map[string]bool
	closed  bool
	perSess map[string][]string
}

func newSinkStub() *sinkStub {
	return &sinkStub{bound: make(map[string]bool), perSess: make(map[string][]string)}
}

func (s *sinkStub) PushEvent(sessionID, event string, _ any) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	s.perSess[sessionID] = append(s.perSess[sessionID], event)
	return s.bound[sessionID]
}

func (s *sinkStub) HasSocket(sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bound[sessionID]
}

func (s *sinkStub) CloseAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}

func (s *sinkStub) sessionEvents(sessionID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.perSess[sessionID]...)
}

func newTestManager(t *testing.T) *app.Manager {
	t.Helper()
	st, err := storage.NewManager(t.TempDir())
	if err != nil {
		t.Fatalf("storage.NewManager: %v", err)
	}
	return app.NewManager(app.Config{
		Storage:      st,
		NewExtractor: func(*graph.Graph) window.Extractor { return nullChain{} },
	})
}

func TestSessionIDForCharacter(t *testing.T) {
	t.Parallel()

	id := app.SessionIDForCharacter("Elara the Bard")
	if !strings.HasPrefix(id, "tavern_Elara_the_Bard_") {
		t.Errorf("id = %q", id)
	}
	if id != app.SessionIDForCharacter("Elara the Bard") {
		t.Error("session id must be deterministic")
	}
	if id == app.SessionIDForCharacter("Someone Else") {
		t.Error("different characters must get different ids")
	}
}

func TestInitializeCreatesSession(t *testing.T) {
	t.Parallel()

	m := newTestManager(t)
	res, err := m.Initialize(context.Background(), app.InitRequest{
		Card: extract.CharacterCard{Name: "Elara", Description: "a bard"},
	})
	if err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if res.Init.Method != engine.MethodSimpleFallback {
		t.Errorf("method = %q", res.Init.Method)
	}
	if res.GraphStats.Nodes != 1 {
		t.Errorf("stats = %+v", res.GraphStats)
	}
	if _, ok := m.Session(res.SessionID); !ok {
		t.Error("session not registered")
	}

	// A second initialize is idempotent.
	again, err := m.Initialize(context.Background(), app.InitRequest{
		SessionID: res.SessionID,
		Card:      extract.CharacterCard{Name: "Elara"},
	})
	if err != nil {
		t.Fatalf("Initialize (again): %v", err)
	}
	if again.Init.Method != engine.MethodExisting {
		t.Errorf("second method = %q", again.Init.Method)
	}
}

func TestInitializeConcurrentSameSession(t *testing.T) {
	t.Parallel()

	m := newTestManager(t)
	const goroutines = 16

	var wg sync.WaitGroup
	ids := make([]string, goroutines)
	for i := range goroutines {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := m.Initialize(context.Background(), app.InitRequest{
				Card: extract.CharacterCard{Name: "Elara"},
			})
			if err != nil {
				t.Errorf("Initialize: %v", err)
				return
			}
			ids[i] = res.SessionID
		}()
	}
	wg.Wait()

	for _, id := range ids[1:] {
		if id != ids[0] {
			t.Fatalf("divergent session ids: %v", ids)
		}
	}
	if got := len(m.SessionIDs()); got != 1 {
		t.Fatalf("sessions = %d, want 1", got)
	}
}

func TestInitializeAsync(t *testing.T) {
	t.Parallel()

	m := newTestManager(t)
	sink := newSinkStub()
	m.SetEventSink(sink)

	ack := m.InitializeAsync(app.InitRequest{
		Card: extract.CharacterCard{Name: "Elara"},
	})
	if ack.TaskID == "" {
		t.Fatal("empty task id")
	}

	deadline := time.After(2 * time.Second)
	for {
		view, err := m.TaskStatus(ack.TaskID)
		if err != nil {
			t.Fatalf("TaskStatus: %v", err)
		}
		if view.Status == app.TaskCompleted {
			if view.Progress != 1.0 {
				t.Errorf("progress = %v", view.Progress)
			}
			if view.SessionID == "" {
				t.Error("task has no session id")
			}
			break
		}
		if view.Status == app.TaskFailed {
			t.Fatalf("task failed: %s", view.Error)
		}
		select {
		case <-deadline:
			t.Fatalf("task did not complete: %+v", view)
		case <-time.After(10 * time.Millisecond):
		}
	}

	if _, err := m.TaskStatus("nope"); err == nil {
		t.Error("expected error for unknown task")
	}
}

func TestCoordinatedReinit(t *testing.T) {
	t.Parallel()

	m := newTestManager(t)
	sink := newSinkStub()
	m.SetEventSink(sink)

	res, err := m.Initialize(context.Background(), app.InitRequest{
		Card: extract.CharacterCard{Name: "Elara"},
	})
	if err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	// Without a bound socket, the request is rejected.
	if err := m.RequestReinitialize(res.SessionID); err == nil {
		t.Fatal("expected ErrNoSocket")
	}

	sink.mu.Lock()
	sink.bound[res.SessionID] = true
	sink.mu.Unlock()

	if err := m.RequestReinitialize(res.SessionID); err != nil {
		t.Fatalf("RequestReinitialize: %v", err)
	}

	// A matching submission dispatches the reinit.
	m.SubmitCharacter(app.CharacterSubmission{
		CharacterName: "Elara",
		Card:          extract.CharacterCard{Name: "Elara", Description: "updated"},
	})

	deadline := time.After(2 * time.Second)
	for {
		events := sink.sessionEvents(res.SessionID)
		var done bool
		for _, ev := range events {
			if ev == app.EventAutoReinitComplete {
				done = true
			}
			if ev == app.EventAutoReinitFailed {
				t.Fatalf("reinit failed: events = %v", events)
			}
		}
		if done {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("no completion event: %v", events)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestSocketClosedClearsPending(t *testing.T) {
	t.Parallel()

	m := newTestManager(t)
	sink := newSinkStub()
	m.SetEventSink(sink)

	res, err := m.Initialize(context.Background(), app.InitRequest{
		Card: extract.CharacterCard{Name: "Elara"},
	})
	if err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	sink.mu.Lock()
	sink.bound[res.SessionID] = true
	sink.mu.Unlock()
	if err := m.RequestReinitialize(res.SessionID); err != nil {
		t.Fatalf("RequestReinitialize: %v", err)
	}

	m.SocketClosed(res.SessionID)

	// The submission no longer matches anything pending; no reinit events.
	m.SubmitCharacter(app.CharacterSubmission{CharacterName: "Elara"})
	time.Sleep(50 * time.Millisecond)
	for _, ev := range sink.sessionEvents(res.SessionID) {
		if ev == app.EventAutoReinitComplete || ev == app.EventAutoReinitFailed {
			t.Fatalf("unexpected reinit event %q after disconnect", ev)
		}
	}
}

func TestTavernModeGate(t *testing.T) {
	t.Parallel()

	m := newTestManager(t)
	if !m.TavernModeActive() {
		t.Fatal("tavern mode must start enabled")
	}
	m.SetTavernMode(false)
	if m.TavernModeActive() {
		t.Fatal("gate did not flip")
	}
}

func TestFullResetDropsEverything(t *testing.T) {
	t.Parallel()

	m := newTestManager(t)
	sink := newSinkStub()
	m.SetEventSink(sink)

	if _, err := m.Initialize(context.Background(), app.InitRequest{
		Card: extract.CharacterCard{Name: "Elara"},
	}); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	m.SubmitCharacter(app.CharacterSubmission{CharacterName: "Elara"})

	counts := m.FullReset()
	if counts.Sessions != 1 || counts.CharacterData != 1 {
		t.Errorf("counts = %+v", counts)
	}
	if !counts.StorageReset {
		t.Error("storage was not reinitialized")
	}
	if !sink.closed {
		t.Error("sockets were not closed")
	}
	if got := len(m.SessionIDs()); got != 0 {
		t.Errorf("sessions after reset = %d", got)
	}
}

func TestCurrentTavernSession(t *testing.T) {
	t.Parallel()

	m := newTestManager(t)
	if cur := m.CurrentTavernSession(); cur.HasSession {
		t.Fatalf("expected no session, got %+v", cur)
	}

	res, err := m.Initialize(context.Background(), app.InitRequest{
		Card: extract.CharacterCard{Name: "Elara"},
	})
	if err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	cur := m.CurrentTavernSession()
	if !cur.HasSession || cur.SessionID != res.SessionID || cur.GraphNodes != 1 {
		t.Errorf("current = %+v", cur)
	}
}

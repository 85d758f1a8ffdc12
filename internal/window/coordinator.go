package window

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/duiywegkl/EchoGraph/internal/extract"
	"github.com/duiywegkl/EchoGraph/internal/observe"
	"github.com/duiywegkl/EchoGraph/pkg/graph"
)

// recentContextTurns is how many completed turns precede the target in the
// extraction prompt.
const recentContextTurns = 3

// summaryNodeLimit caps the number of nodes rendered into the prompt's
// graph snapshot.
const summaryNodeLimit = 50

// Extractor is the extraction entry point the coordinator drives. The
// returned method labels which extractor in the chain produced the delta.
type Extractor interface {
	Extract(ctx context.Context, in extract.TurnInput) (graph.Delta, string, error)
}

// Coordinator decides when a pushed turn becomes the extraction target,
// runs the extractor chain on it, validates and applies the resulting
// delta, and persists the graph. Extraction for a session is serialized:
// while one is in flight, new turns only enqueue.
type Coordinator struct {
	win       *Window
	extractor Extractor
	g         *graph.Graph
	persist   func(ctx context.Context) error
	onApplied func(stats graph.ApplyStats, method string)

	mu       sync.Mutex
	inFlight bool
}

// CoordinatorOption configures a [Coordinator].
type CoordinatorOption func(*Coordinator)

// WithOnApplied registers a callback invoked after a non-empty delta is
// applied, used to push graph_updated events.
func WithOnApplied(fn func(stats graph.ApplyStats, method string)) CoordinatorOption {
	return func(c *Coordinator) { c.onApplied = fn }
}

// NewCoordinator wires a coordinator over the given window, extractor
// chain, and graph. persist is called after every applied delta; a nil
// persist is allowed for in-memory-only sessions.
func NewCoordinator(win *Window, extractor Extractor, g *graph.Graph, persist func(ctx context.Context) error, opts ...CoordinatorOption) *Coordinator {
	c := &Coordinator{win: win, extractor: extractor, g: g, persist: persist}
	for _, o := range opts {
		o(c)
	}
	return c
}

// ProcessResult is the outcome of one ProcessNewConversation call.
type ProcessResult struct {
	NewSequence     int              `json:"new_sequence"`
	TargetProcessed bool             `json:"target_processed"`
	WindowInfo      Info             `json:"window_info"`
	GragUpdates     graph.ApplyStats `json:"grag_updates"`

	// Method labels which extractor produced the applied delta; empty when
	// no target was processed.
	Method string `json:"method,omitempty"`

	// Validation counts what the validation layer dropped or rewrote.
	Validation extract.ValidationCounters `json:"validation"`
}

// ProcessNewConversation pushes the turn onto the window and, if a target
// is ready and no extraction is already in flight, extracts, validates,
// applies, and persists its delta. Extraction failures never fail the
// call: the rule extractor tail guarantees a (possibly empty) delta, and
// persistence errors are logged and retried on the next persist.
func (c *Coordinator) ProcessNewConversation(ctx context.Context, userText, assistantText, externalID string) ProcessResult {
	seq, target := c.win.Push(userText, assistantText, externalID)
	res := ProcessResult{NewSequence: seq}

	if target != nil && c.acquire() {
		defer c.release()
		c.processTarget(ctx, *target, &res)
	}

	res.WindowInfo = c.win.Info()
	return res
}

// ProcessPending extracts the currently ready target, if any, without
// pushing a new turn. Used to drain turns that were enqueued while an
// extraction was in flight.
func (c *Coordinator) ProcessPending(ctx context.Context) (ProcessResult, bool) {
	target, ok := c.win.Target()
	if !ok || target.Processed || !c.acquire() {
		return ProcessResult{WindowInfo: c.win.Info()}, false
	}
	defer c.release()

	var res ProcessResult
	res.NewSequence = target.Sequence
	c.processTarget(ctx, target, &res)
	res.WindowInfo = c.win.Info()
	return res, res.TargetProcessed
}

func (c *Coordinator) processTarget(ctx context.Context, target Turn, res *ProcessResult) {
	in := extract.TurnInput{
		UserText:      target.UserText,
		AssistantText: target.AssistantText,
		GraphSummary:  extract.GraphSummary(c.g, summaryNodeLimit),
		RecentContext: renderTurns(c.win.Before(target.Sequence, recentContextTurns)),
	}

	met := observe.DefaultMetrics()
	start := time.Now()
	delta, method, err := c.extractor.Extract(ctx, in)
	met.ExtractionDuration.Record(ctx, time.Since(start).Seconds())
	if err != nil {
		// Only possible when the whole chain (rule tail included) failed,
		// which a well-formed chain never does. The turn stays unprocessed
		// and becomes eligible again via ProcessPending.
		slog.Error("extraction chain failed", "sequence", target.Sequence, "error", err)
		met.RecordExtraction(ctx, "none", "error")
		return
	}
	met.RecordExtraction(ctx, method, "ok")

	clean, counters := extract.Validate(delta, c.g)
	stats := c.g.Apply(clean)
	met.RecordGraphUpdates(ctx, "node", int64(stats.NodesUpdated))
	met.RecordGraphUpdates(ctx, "edge", int64(stats.EdgesAdded))
	met.RecordGraphUpdates(ctx, "delete", int64(stats.NodesDeleted+stats.EdgesDeleted))

	if c.persist != nil {
		if err := c.persist(ctx); err != nil {
			slog.Warn("graph persist failed, will retry on next persist",
				"sequence", target.Sequence, "error", err)
		}
	}

	c.win.MarkProcessed(target.Sequence)
	res.TargetProcessed = true
	res.GragUpdates = stats
	res.Method = method
	res.Validation = counters

	if c.onApplied != nil && !clean.Empty() {
		c.onApplied(stats, method)
	}
}

// InFlight reports whether an extraction is currently running. Exposed for
// status endpoints and tests.
func (c *Coordinator) InFlight() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inFlight
}

func (c *Coordinator) acquire() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inFlight {
		return false
	}
	c.inFlight = true
	observe.DefaultMetrics().ExtractionsInFlight.Add(context.Background(), 1)
	return true
}

func (c *Coordinator) release() {
	c.mu.Lock()
	c.inFlight = false
	c.mu.Unlock()
	observe.DefaultMetrics().ExtractionsInFlight.Add(context.Background(), -1)
}

// renderTurns renders completed turns for prompt context, oldest first.
func renderTurns(turns []Turn) string {
	pairs := make([][2]string, len(turns))
	for i, t := range turns {
		pairs[i] = [2]string{t.UserText, t.AssistantText}
	}
	return extract.RenderRecentTurns(pairs)
}

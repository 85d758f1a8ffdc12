// Package window implements the delayed-extraction machinery: a bounded
// sliding window of conversation turns, the coordinator that decides when a
// turn becomes the extraction target and applies its validated delta, and
// the resolver that reconciles the window with an authoritative external
// chat history.
package window

import (
	"sync"
	"time"
)

const (
	// DefaultCapacity is the default window size.
	DefaultCapacity = 4

	// DefaultDelay is the default processing delay: the newest turn is held
	// back this many turns before it becomes the extraction target.
	DefaultDelay = 1
)

// Turn is one (user, assistant) exchange held in the window.
type Turn struct {
	Sequence          int       `json:"sequence"`
	UserText          string    `json:"user_text"`
	AssistantText     string    `json:"assistant_text"`
	Timestamp         time.Time `json:"timestamp"`
	ExternalMessageID string    `json:"external_message_id,omitempty"`
	Processed         bool      `json:"processed"`
}

// Window is a fixed-capacity FIFO of conversation turns. Sequence numbers
// are assigned monotonically starting at 1; overflow drops from the head.
// All methods are safe for concurrent use.
type Window struct {
	mu       sync.Mutex
	capacity int
	delay    int
	nextSeq  int
	turns    []Turn
}

// Info is a window snapshot for status responses.
type Info struct {
	Size        int `json:"size"`
	Capacity    int `json:"capacity"`
	Delay       int `json:"delay"`
	Unprocessed int `json:"unprocessed"`
}

// New creates a window. Non-positive capacity or negative delay fall back
// to the defaults.
func New(capacity, delay int) *Window {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if delay < 0 {
		delay = DefaultDelay
	}
	return &Window{capacity: capacity, delay: delay, nextSeq: 1}
}

// Push appends a new turn, assigning the next sequence number. If the push
// makes a turn ready for extraction, a copy of that target is returned.
func (w *Window) Push(userText, assistantText, externalID string) (int, *Turn) {
	w.mu.Lock()
	defer w.mu.Unlock()

	t := Turn{
		Sequence:          w.nextSeq,
		UserText:          userText,
		AssistantText:     assistantText,
		Timestamp:         time.Now(),
		ExternalMessageID: externalID,
	}
	w.nextSeq++
	w.turns = append(w.turns, t)
	if len(w.turns) > w.capacity {
		w.turns = w.turns[1:]
	}

	if target, ok := w.targetLocked(); ok && !target.Processed {
		c := target
		return t.Sequence, &c
	}
	return t.Sequence, nil
}

// Target returns the turn currently ready for extraction. A turn is ready
// once the window holds at least delay+1 turns; the target is the turn
// delay positions from the tail.
func (w *Window) Target() (Turn, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.targetLocked()
}

func (w *Window) targetLocked() (Turn, bool) {
	if len(w.turns) < w.delay+1 {
		return Turn{}, false
	}
	return w.turns[len(w.turns)-1-w.delay], true
}

// MarkProcessed flips the processed flag of the turn with the given
// sequence. Reports whether the turn was found.
func (w *Window) MarkProcessed(seq int) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	for i := range w.turns {
		if w.turns[i].Sequence == seq {
			w.turns[i].Processed = true
			return true
		}
	}
	return false
}

// Replace overwrites the text of the turn with the given sequence, keeping
// its sequence and processed flag. Reports whether the turn was found.
func (w *Window) Replace(seq int, userText, assistantText, externalID string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	for i := range w.turns {
		if w.turns[i].Sequence == seq {
			w.turns[i].UserText = userText
			w.turns[i].AssistantText = assistantText
			if externalID != "" {
				w.turns[i].ExternalMessageID = externalID
			}
			w.turns[i].Timestamp = time.Now()
			return true
		}
	}
	return false
}

// Remove deletes the turn with the given sequence. Later sequences keep
// their numbers, so ordering stays strictly increasing (with a gap).
func (w *Window) Remove(seq int) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	for i := range w.turns {
		if w.turns[i].Sequence == seq {
			w.turns = append(w.turns[:i], w.turns[i+1:]...)
			return true
		}
	}
	return false
}

// InsertBefore inserts a turn ahead of the turn with the given sequence.
// The inserted turn takes that sequence; it and every later turn shift up
// by one, preserving strict monotonic ordering. Reports whether the anchor
// sequence was found.
func (w *Window) InsertBefore(seq int, userText, assistantText, externalID string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	for i := range w.turns {
		if w.turns[i].Sequence == seq {
			t := Turn{
				Sequence:          seq,
				UserText:          userText,
				AssistantText:     assistantText,
				Timestamp:         time.Now(),
				ExternalMessageID: externalID,
			}
			w.turns = append(w.turns[:i], append([]Turn{t}, w.turns[i:]...)...)
			for j := i + 1; j < len(w.turns); j++ {
				w.turns[j].Sequence++
			}
			w.nextSeq++
			if len(w.turns) > w.capacity {
				w.turns = w.turns[1:]
			}
			return true
		}
	}
	return false
}

// Turns returns a snapshot of the window, oldest first.
func (w *Window) Turns() []Turn {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]Turn, len(w.turns))
	copy(out, w.turns)
	return out
}

// Before returns up to n turns preceding the given sequence, oldest first.
// Used to build the recent-context snippet for extraction prompts.
func (w *Window) Before(seq, n int) []Turn {
	w.mu.Lock()
	defer w.mu.Unlock()

	var out []Turn
	for _, t := range w.turns {
		if t.Sequence < seq {
			out = append(out, t)
		}
	}
	if len(out) > n {
		out = out[len(out)-n:]
	}
	return out
}

// Len returns the number of turns currently held.
func (w *Window) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.turns)
}

// HeadSequence returns the sequence of the oldest turn still in the
// window, or 0 when the window is empty. Turns below this horizon are out
// of reach for conflict resolution.
func (w *Window) HeadSequence() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.turns) == 0 {
		return 0
	}
	return w.turns[0].Sequence
}

// Info returns a snapshot for status responses.
func (w *Window) Info() Info {
	w.mu.Lock()
	defer w.mu.Unlock()
	info := Info{Size: len(w.turns), Capacity: w.capacity, Delay: w.delay}
	for _, t := range w.turns {
		if !t.Processed {
			info.Unprocessed++
		}
	}
	return info
}

// Reset drops all turns and restarts sequence numbering at 1.
func (w *Window) Reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.turns = nil
	w.nextSeq = 1
}

package window_test

import (
	"fmt"
	"testing"

	"github.com/duiywegkl/EchoGraph/internal/window"
)

func TestWindowReadiness(t *testing.T) {
	t.Parallel()

	w := window.New(4, 1)

	// Below delay+1 turns there is no target.
	if _, ok := w.Target(); ok {
		t.Fatal("empty window must have no target")
	}
	seq, target := w.Push("u1", "a1", "")
	if seq != 1 {
		t.Fatalf("first sequence = %d, want 1", seq)
	}
	if target != nil {
		t.Fatal("single turn with delay=1 must not be ready")
	}

	// The second push makes turn 1 the target (index len-1-delay).
	seq, target = w.Push("u2", "a2", "")
	if seq != 2 {
		t.Fatalf("second sequence = %d, want 2", seq)
	}
	if target == nil || target.Sequence != 1 {
		t.Fatalf("target = %+v, want sequence 1", target)
	}

	got, ok := w.Target()
	if !ok || got.Sequence != 1 {
		t.Fatalf("Target() = %+v, %v", got, ok)
	}
}

func TestWindowOverflowDropsHead(t *testing.T) {
	t.Parallel()

	w := window.New(4, 1)
	for i := 1; i <= 6; i++ {
		w.Push(fmt.Sprintf("u%d", i), fmt.Sprintf("a%d", i), "")
	}
	turns := w.Turns()
	if len(turns) != 4 {
		t.Fatalf("len = %d, want 4", len(turns))
	}
	if turns[0].Sequence != 3 || turns[3].Sequence != 6 {
		t.Fatalf("sequences = %d..%d, want 3..6", turns[0].Sequence, turns[3].Sequence)
	}
	if w.HeadSequence() != 3 {
		t.Fatalf("HeadSequence = %d, want 3", w.HeadSequence())
	}

	// Sequence numbers stay strictly increasing across the whole run.
	for i := 1; i < len(turns); i++ {
		if turns[i].Sequence <= turns[i-1].Sequence {
			t.Fatalf("sequence not strictly increasing: %+v", turns)
		}
	}
}

func TestWindowMutations(t *testing.T) {
	t.Parallel()

	t.Run("replace keeps sequence and flag", func(t *testing.T) {
		t.Parallel()
		w := window.New(4, 1)
		w.Push("u1", "a1", "")
		w.Push("u2", "a2", "")
		w.MarkProcessed(1)

		if !w.Replace(1, "u1'", "a1'", "msg-9") {
			t.Fatal("Replace reported not found")
		}
		turns := w.Turns()
		if turns[0].UserText != "u1'" || turns[0].ExternalMessageID != "msg-9" {
			t.Errorf("turn = %+v", turns[0])
		}
		if !turns[0].Processed {
			t.Error("processed flag lost on replace")
		}
	})

	t.Run("remove leaves a gap", func(t *testing.T) {
		t.Parallel()
		w := window.New(4, 1)
		w.Push("u1", "a1", "")
		w.Push("u2", "a2", "")
		w.Push("u3", "a3", "")
		if !w.Remove(2) {
			t.Fatal("Remove reported not found")
		}
		turns := w.Turns()
		if len(turns) != 2 || turns[0].Sequence != 1 || turns[1].Sequence != 3 {
			t.Fatalf("turns = %+v", turns)
		}
	})

	t.Run("insert_before renumbers tail", func(t *testing.T) {
		t.Parallel()
		w := window.New(4, 1)
		w.Push("u1", "a1", "")
		w.Push("u2", "a2", "")
		if !w.InsertBefore(2, "ux", "ax", "") {
			t.Fatal("InsertBefore reported not found")
		}
		turns := w.Turns()
		if len(turns) != 3 {
			t.Fatalf("len = %d", len(turns))
		}
		if turns[1].UserText != "ux" || turns[1].Sequence != 2 {
			t.Errorf("inserted = %+v", turns[1])
		}
		if turns[2].Sequence != 3 || turns[2].UserText != "u2" {
			t.Errorf("shifted = %+v", turns[2])
		}
	})
}

func TestWindowInfo(t *testing.T) {
	t.Parallel()

	w := window.New(4, 1)
	w.Push("u1", "a1", "")
	w.Push("u2", "a2", "")
	w.MarkProcessed(1)

	info := w.Info()
	if info.Size != 2 || info.Capacity != 4 || info.Delay != 1 || info.Unprocessed != 1 {
		t.Fatalf("info = %+v", info)
	}
}

func TestWindowReset(t *testing.T) {
	t.Parallel()

	w := window.New(4, 1)
	w.Push("u1", "a1", "")
	w.Push("u2", "a2", "")
	w.Reset()
	if w.Len() != 0 {
		t.Fatalf("len after reset = %d", w.Len())
	}
	seq, _ := w.Push("u1", "a1", "")
	if seq != 1 {
		t.Fatalf("sequence after reset = %d, want 1", seq)
	}
}

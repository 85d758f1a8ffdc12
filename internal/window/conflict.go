package window

import (
	"strings"

	"github.com/antzucaro/matchr"
)

// defaultMatchThreshold is the Jaro-Winkler similarity above which two
// turns without identifiers are considered the same turn.
const defaultMatchThreshold = 0.85

// AuthoritativeTurn is one entry of the externally supplied chat history
// the window is reconciled against.
type AuthoritativeTurn struct {
	Sequence          int    `json:"sequence,omitempty"`
	UserText          string `json:"user_text"`
	AssistantText     string `json:"assistant_text"`
	ExternalMessageID string `json:"external_message_id,omitempty"`
}

// SyncResult reports what a reconciliation pass did.
type SyncResult struct {
	SyncedTurns       int  `json:"synced_turns"`
	ConflictsDetected int  `json:"conflicts_detected"`
	ConflictsResolved int  `json:"conflicts_resolved"`
	OutOfWindow       int  `json:"out_of_window"`
	NewTurns          int  `json:"new_turns"`
	UpdatedTurns      int  `json:"updated_turns"`
	DeletedTurns      int  `json:"deleted_turns"`
	WindowSynced      bool `json:"window_synced"`
}

// Resolver reconciles the local window with an authoritative external
// history. Resolution is always authoritative-wins: diverging local turns
// are replaced in place. Deltas already applied for a replaced turn are
// not reverted; the next extraction sees the corrected text.
type Resolver struct {
	win       *Window
	threshold float64
}

// NewResolver creates a resolver over the given window.
func NewResolver(win *Window) *Resolver {
	return &Resolver{win: win, threshold: defaultMatchThreshold}
}

// Sync reconciles the window against history. Turns are matched by
// external message ID when present, else by sequence, else by fuzzy text
// similarity. Authoritative turns older than the window horizon are
// counted as out_of_window and skipped; unmatched authoritative turns are
// appended; unmatched local turns are removed.
func (r *Resolver) Sync(history []AuthoritativeTurn) SyncResult {
	var res SyncResult

	horizon := r.win.HeadSequence()
	local := r.win.Turns()

	byExternalID := make(map[string]int, len(local))
	bySequence := make(map[int]int, len(local))
	for i, t := range local {
		if t.ExternalMessageID != "" {
			byExternalID[t.ExternalMessageID] = i
		}
		bySequence[t.Sequence] = i
	}

	matched := make(map[int]struct{}, len(local))

	for _, auth := range history {
		if auth.Sequence > 0 && horizon > 0 && auth.Sequence < horizon {
			res.OutOfWindow++
			continue
		}

		idx, ok := r.findLocal(auth, local, byExternalID, bySequence, matched)
		if !ok {
			r.win.Push(auth.UserText, auth.AssistantText, auth.ExternalMessageID)
			res.NewTurns++
			continue
		}
		matched[idx] = struct{}{}

		lt := local[idx]
		if lt.UserText == auth.UserText && lt.AssistantText == auth.AssistantText {
			res.SyncedTurns++
			continue
		}

		res.ConflictsDetected++
		if r.win.Replace(lt.Sequence, auth.UserText, auth.AssistantText, auth.ExternalMessageID) {
			res.ConflictsResolved++
			res.UpdatedTurns++
		}
	}

	// Authoritative-wins extends to presence: local turns the history does
	// not account for are dropped.
	if len(history) > 0 {
		for i, t := range local {
			if _, ok := matched[i]; ok {
				continue
			}
			if r.win.Remove(t.Sequence) {
				res.DeletedTurns++
			}
		}
	}

	res.WindowSynced = true
	return res
}

// findLocal locates the local turn auth refers to. Returns the index into
// local and whether a match was found.
func (r *Resolver) findLocal(auth AuthoritativeTurn, local []Turn, byExternalID map[string]int, bySequence map[int]int, matched map[int]struct{}) (int, bool) {
	if auth.ExternalMessageID != "" {
		if i, ok := byExternalID[auth.ExternalMessageID]; ok {
			return i, true
		}
	}
	if auth.Sequence > 0 {
		if i, ok := bySequence[auth.Sequence]; ok {
			return i, true
		}
		return 0, false
	}

	// No identifiers: fuzzy-match against the unmatched local turns.
	authText := strings.ToLower(auth.UserText + "\n" + auth.AssistantText)
	best, bestScore := -1, 0.0
	for i, t := range local {
		if _, ok := matched[i]; ok {
			continue
		}
		localText := strings.ToLower(t.UserText + "\n" + t.AssistantText)
		if s := matchr.JaroWinkler(authText, localText, true); s > bestScore {
			best, bestScore = i, s
		}
	}
	if best >= 0 && bestScore >= r.threshold {
		return best, true
	}
	return 0, false
}

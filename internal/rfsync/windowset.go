package rfsync

import (
	"github.com/dougsko/rfmp/internal/clock"
	"github.com/dougsko/rfmp/internal/rfmp"
	"github.com/dougsko/rfmp/internal/store"
)

// DefaultWindowSeconds is W, the per-window duration (spec §4.7): three
// windows cover the last 3×W seconds of activity.
const DefaultWindowSeconds = 600

// WindowSet holds the three rotating Bloom windows and the recent-id index
// needed to answer SYNC ingest questions (spec §3.1's rotation invariant).
type WindowSet struct {
	clk     clock.Clock
	periodS uint32
	windows [3]*Window
	nextIdx int

	// recent tracks which window each locally-seen id landed in, so SYNC
	// ingest can replay "ids in window X" without rescanning the store.
	recent map[rfmp.ID]int
}

// SaltSource is supplied by callers so WindowSet stays deterministic under
// test; the engine passes values from its seeded math/rand generator.
type SaltSource func() uint32

// NewWindowSet opens window 0 at the current clock time using the supplied
// salt source for each rotation.
func NewWindowSet(clk clock.Clock, periodSeconds uint32, salt SaltSource) *WindowSet {
	ws := &WindowSet{clk: clk, periodS: periodSeconds, recent: make(map[rfmp.ID]int)}
	now := uint32(clk.Now().Unix())
	ws.windows[0] = NewWindow(0, now, salt())
	ws.windows[1] = NewWindow(1, now, salt())
	ws.windows[2] = NewWindow(2, now, salt())
	ws.windows[1].OpenedAt = now - 2*periodSeconds
	ws.windows[2].OpenedAt = now - periodSeconds
	ws.nextIdx = 0
	return ws
}

// RestoreWindowSet rebuilds a WindowSet from persisted rows (spec §3.2: sync
// state survives a restart within the window's lifetime).
func RestoreWindowSet(clk clock.Clock, periodSeconds uint32, rows []store.BloomWindowRow) *WindowSet {
	ws := &WindowSet{clk: clk, periodS: periodSeconds, recent: make(map[rfmp.ID]int)}
	for _, r := range rows {
		idx := r.WindowIndex % 3
		w := &Window{Index: idx, OpenedAt: r.OpenedAt, Salt: r.Salt, K: uint8(r.K), MLog2: uint8(r.MLog2), Count: r.Count}
		w.bits = BitSetFromBytes(w.MLog2, r.Bits)
		ws.windows[idx] = w
	}
	for i := range ws.windows {
		if ws.windows[i] == nil {
			ws.windows[i] = NewWindow(i, uint32(clk.Now().Unix()), 0)
		}
	}
	return ws
}

// Current returns the window new ids should be inserted into.
func (ws *WindowSet) Current() *Window {
	return ws.windows[ws.nextIdx]
}

// Insert records id in the current window and its recency index.
func (ws *WindowSet) Insert(id rfmp.ID) {
	ws.Current().Insert(id)
	ws.recent[id] = ws.nextIdx
}

// MaybeRotate opens a new window if the current one has been open at least
// periodS seconds, discarding the oldest of the three.
// Returns true if a rotation occurred.
func (ws *WindowSet) MaybeRotate(salt SaltSource) bool {
	now := uint32(ws.clk.Now().Unix())
	cur := ws.Current()
	if now-cur.OpenedAt < ws.periodS {
		return false
	}
	newIdx := (ws.nextIdx + 1) % 3
	ws.windows[newIdx] = NewWindow(newIdx, now, salt())
	ws.nextIdx = newIdx
	for id, idx := range ws.recent {
		if idx == newIdx {
			delete(ws.recent, id)
		}
	}
	return true
}

// Windows returns the three windows in index order, for persistence or wire
// encoding.
func (ws *WindowSet) Windows() [3]*Window {
	return ws.windows
}

// RecentInWindow returns every id this node has inserted into the window at
// idx, for the SYNC-ingest push/pull comparison.
func (ws *WindowSet) RecentInWindow(idx int) []rfmp.ID {
	var out []rfmp.ID
	for id, i := range ws.recent {
		if i == idx {
			out = append(out, id)
		}
	}
	return out
}

// MatchLocal finds the locally-held window whose opened_at rounds to the
// same W-second bucket as remoteOpenedAt, per spec §4.7 step 1. Returns nil
// if none matches (the windows are on disjoint sync horizons).
func (ws *WindowSet) MatchLocal(remoteOpenedAt uint32) *Window {
	bucket := func(t uint32) uint32 { return (t + ws.periodS/2) / ws.periodS }
	for _, w := range ws.windows {
		if bucket(w.OpenedAt) == bucket(remoteOpenedAt) {
			return w
		}
	}
	return nil
}

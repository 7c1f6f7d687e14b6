package rfsync

import (
	"github.com/dougsko/rfmp/internal/rfmp"
)

// ToWire renders the three windows as a SyncFrame, spec §4.3/§4.7.
func (ws *WindowSet) ToWire() rfmp.SyncFrame {
	var frame rfmp.SyncFrame
	for i, w := range ws.windows {
		frame.Windows[i] = rfmp.BloomWindowWire{
			OpenedAt: w.OpenedAt,
			Salt:     w.Salt,
			K:        w.K,
			MLog2:    w.MLog2,
			Bits:     w.Bytes(),
		}
	}
	return frame
}

// Candidates is the result of comparing a peer's SYNC frame against local
// state (spec §4.7's two directions).
type Candidates struct {
	// Push holds ids we hold that the remote's bit-field says it probably
	// lacks: we should send them.
	Push []rfmp.ID
	// Pull holds ids we should REQ. Ingest does not fill it; pull
	// candidates come from PullCandidatesFromIDs.
	Pull []rfmp.ID
}

// localIDLister supplies the set of "REQ-worthy" ids a node is willing to
// consider pulling — ordinarily the seen-cache/store's recent membership.
type localIDLister interface {
	Contains(id rfmp.ID) bool
}

// Ingest compares an incoming SYNC frame against local window state and
// returns push candidates: for each remote window whose opened_at matches a
// local window, the recent ids of that local window which the remote bit
// array, hashed with the remote window's own salt, does not contain.
//
// Only Push is filled. Pull stays empty and localKnown is not consulted.
func (ws *WindowSet) Ingest(frame rfmp.SyncFrame, localKnown localIDLister) Candidates {
	var out Candidates
	for _, remoteW := range frame.Windows {
		local := ws.MatchLocal(remoteW.OpenedAt)
		if local == nil {
			continue // disjoint sync horizon, spec §4.7 step 1
		}
		remote := &Window{Salt: remoteW.Salt, K: remoteW.K, MLog2: remoteW.MLog2, bits: BitSetFromBytes(remoteW.MLog2, remoteW.Bits)}

		for _, id := range ws.RecentInWindow(local.Index) {
			if !remote.Test(id) {
				out.Push = append(out.Push, id)
			}
		}
	}
	return out
}

// PullCandidatesFromIDs filters a caller-supplied candidate set (typically
// ids seen advertised in a peer's prior traffic or REQ responses) down to
// those not already known locally, producing pull candidates.
func PullCandidatesFromIDs(candidateIDs []rfmp.ID, localKnown localIDLister) []rfmp.ID {
	var out []rfmp.ID
	for _, id := range candidateIDs {
		if !localKnown.Contains(id) {
			out = append(out, id)
		}
	}
	return out
}

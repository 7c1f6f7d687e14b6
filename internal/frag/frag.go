// Package frag implements RFMP's fragmentation and reassembly (spec §4.5):
// splitting an oversize encoded MSG frame into FRAGs on the way out, and
// reassembling FRAGs keyed by (from_node, msg_id) on the way in.
package frag

import (
	"errors"
	"fmt"
	"time"

	"github.com/dougsko/rfmp/internal/rfmp"
)

// ErrIDMismatch is returned when a fully-reassembled buffer decodes to a
// MsgFrame whose fingerprint-derived id disagrees with the id the FRAGs
// carried.
var ErrIDMismatch = errors.New("frag: reassembled id mismatch")

// FragOverhead is the wire cost of everything in a FRAG frame but its
// payload (hdr + id + seq + total + payload_len), matching spec §4.5's
// "MTU - 12" segmentation policy.
const FragOverhead = 12

// Split breaks an encoded MSG frame into FRAGs of at most mtu-FragOverhead
// payload bytes each. Callers should only call Split when len(encodedMsg) >
// mtu; Split does not check that itself so it composes with an explicit
// pass-through decision at the call site.
func Split(mtu int, msgID rfmp.ID, encodedMsg []byte) []rfmp.FragFrame {
	chunkSize := mtu - FragOverhead
	if chunkSize <= 0 {
		chunkSize = 1
	}
	total := (len(encodedMsg) + chunkSize - 1) / chunkSize
	if total == 0 {
		total = 1
	}
	frags := make([]rfmp.FragFrame, 0, total)
	for seq := 0; seq < total; seq++ {
		start := seq * chunkSize
		end := start + chunkSize
		if end > len(encodedMsg) {
			end = len(encodedMsg)
		}
		frags = append(frags, rfmp.FragFrame{
			ID:      msgID,
			Seq:     uint8(seq),
			Total:   uint8(total),
			Payload: encodedMsg[start:end],
		})
	}
	return frags
}

// key identifies one in-progress reassembly buffer.
type key struct {
	fromNode string
	id       rfmp.ID
}

type buffer struct {
	total        uint8
	chunks       map[uint8][]byte
	lastActivity time.Time
}

func (b *buffer) complete() bool {
	if len(b.chunks) != int(b.total) {
		return false
	}
	for i := uint8(0); i < b.total; i++ {
		if _, ok := b.chunks[i]; !ok {
			return false
		}
	}
	return true
}

func (b *buffer) concat() []byte {
	out := make([]byte, 0)
	for i := uint8(0); i < b.total; i++ {
		out = append(out, b.chunks[i]...)
	}
	return out
}

// MaxBuffers caps outstanding reassembly buffers (spec §4.5); the oldest is
// evicted under pressure.
const MaxBuffers = 64

// TTL is how long a buffer may sit without a new unique seq before it is
// swept (spec §4.5).
const TTL = 300 * time.Second

// Reassembler holds in-progress FRAG buffers, owned entirely in memory and
// reconstructible from nothing (a cold-start node simply loses partial
// in-flight fragments and waits for a fresh send or REQ-driven resend).
type Reassembler struct {
	buffers map[key]*buffer
	order   []key // insertion order, oldest first, for eviction
}

// NewReassembler returns an empty Reassembler.
func NewReassembler() *Reassembler {
	return &Reassembler{buffers: make(map[key]*buffer)}
}

// Ingest folds one FRAG into its buffer. When the buffer becomes complete,
// it returns the reassembled MsgFrame and deletes the buffer. A duplicate
// seq is silently ignored (already stored).
func (r *Reassembler) Ingest(fromNode string, f rfmp.FragFrame, now time.Time) (*rfmp.MsgFrame, error) {
	k := key{fromNode: fromNode, id: f.ID}
	b, ok := r.buffers[k]
	if !ok {
		if len(r.buffers) >= MaxBuffers {
			r.evictOldest()
		}
		b = &buffer{total: f.Total, chunks: make(map[uint8][]byte)}
		r.buffers[k] = b
		r.order = append(r.order, k)
	}
	if f.Total != b.total {
		// Peer restarted the send with a different total; trust the latest.
		b.total = f.Total
	}
	if _, dup := b.chunks[f.Seq]; !dup {
		b.chunks[f.Seq] = f.Payload
		b.lastActivity = now
	}

	if !b.complete() {
		return nil, nil
	}

	raw := b.concat()
	delete(r.buffers, k)
	r.removeFromOrder(k)

	decoded, err := rfmp.Decode(raw)
	if err != nil {
		return nil, fmt.Errorf("frag: reassembled frame for %s/%s failed to decode: %w", fromNode, f.ID, err)
	}
	msg, ok := decoded.(rfmp.MsgFrame)
	if !ok {
		return nil, fmt.Errorf("%w: reassembled frame is a %s, not MSG", ErrIDMismatch, decoded.Type())
	}
	if msg.ID != f.ID {
		return nil, fmt.Errorf("%w: frags claimed %s, decoded msg is %s", ErrIDMismatch, f.ID, msg.ID)
	}
	return &msg, nil
}

// Sweep discards any buffer inactive for longer than TTL and returns the
// (fromNode, id) keys that were discarded, so the caller can decide whether
// to REQ the still-missing message.
func (r *Reassembler) Sweep(now time.Time) []struct {
	FromNode string
	ID       rfmp.ID
} {
	var discarded []struct {
		FromNode string
		ID       rfmp.ID
	}
	for k, b := range r.buffers {
		if now.Sub(b.lastActivity) > TTL {
			discarded = append(discarded, struct {
				FromNode string
				ID       rfmp.ID
			}{FromNode: k.fromNode, ID: k.id})
			delete(r.buffers, k)
			r.removeFromOrder(k)
		}
	}
	return discarded
}

// Outstanding returns the number of in-progress reassembly buffers.
func (r *Reassembler) Outstanding() int {
	return len(r.buffers)
}

func (r *Reassembler) evictOldest() {
	if len(r.order) == 0 {
		return
	}
	oldest := r.order[0]
	r.order = r.order[1:]
	delete(r.buffers, oldest)
}

func (r *Reassembler) removeFromOrder(k key) {
	for i, ok := range r.order {
		if ok == k {
			r.order = append(r.order[:i], r.order[i+1:]...)
			return
		}
	}
}

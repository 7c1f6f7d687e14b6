// Package rfsync implements C7, the anti-entropy synchronizer (spec §4.7):
// rotating Bloom-filter windows, SYNC emission/ingest, and REQ scheduling
// on detected gaps.
package rfsync

import (
	"github.com/bits-and-blooms/bitset"
	"github.com/dchest/siphash"

	"github.com/dougsko/rfmp/internal/rfmp"
)

// Default Bloom parameters (spec §4.7): k hash functions over an m-bit
// array, tuned for the expected population of one window.
const (
	DefaultK     = 4
	DefaultMLog2 = 10 // m = 1024
)

// Window is one rotating Bloom filter plus the metadata needed to compare
// it against a peer's matching window.
//
// The bit array is a plain bits-and-blooms/bitset.BitSet rather than the
// higher-level bloom/v3 filter: bloom/v3 picks its own hash family
// internally and offers no hook to swap in SipHash, but spec §4.7 requires
// SipHash-2-4(salt‖i, msg_id) specifically so two nodes comparing bit
// patterns agree on which bits a given id sets (see DESIGN.md).
type Window struct {
	Index    int
	OpenedAt uint32
	Salt     uint32
	K        uint8
	MLog2    uint8
	bits     *bitset.BitSet
	Count    int
}

// NewWindow returns an empty window opened at openedAt with the given salt.
func NewWindow(index int, openedAt, salt uint32) *Window {
	return &Window{
		Index:    index,
		OpenedAt: openedAt,
		Salt:     salt,
		K:        DefaultK,
		MLog2:    DefaultMLog2,
		bits:     bitset.New(1 << DefaultMLog2),
	}
}

// M returns the bit array length.
func (w *Window) M() uint {
	return 1 << w.MLog2
}

// indices returns the k bit positions an id maps to in this window.
func (w *Window) indices(id rfmp.ID) []uint {
	out := make([]uint, w.K)
	m := w.M()
	for i := uint8(0); i < w.K; i++ {
		k0 := uint64(w.Salt)<<32 | uint64(i)
		h := siphash.Hash(k0, 0, id[:])
		out[i] = uint(h % uint64(m))
	}
	return out
}

// Insert records id's presence in the window.
func (w *Window) Insert(id rfmp.ID) {
	for _, idx := range w.indices(id) {
		w.bits.Set(idx)
	}
	w.Count++
}

// Test reports probable membership; false positives are possible, false
// negatives are not.
func (w *Window) Test(id rfmp.ID) bool {
	for _, idx := range w.indices(id) {
		if !w.bits.Test(idx) {
			return false
		}
	}
	return true
}

// TestBits reports probable membership against another bit array of the
// same (k, m) shape, hashing with this window's salt; it fits a bit array
// restored from this window's own Bytes().
func (w *Window) TestBits(id rfmp.ID, foreign *bitset.BitSet) bool {
	for _, idx := range w.indices(id) {
		if !foreign.Test(idx) {
			return false
		}
	}
	return true
}

// Bytes renders the bit array as a packed byte slice for wire transport or
// store persistence, bit i in byte i/8 at offset i%8.
func (w *Window) Bytes() []byte {
	out := make([]byte, w.M()/8)
	for i := uint(0); i < w.M(); i++ {
		if w.bits.Test(i) {
			out[i/8] |= 1 << (i % 8)
		}
	}
	return out
}

// BitSetFromBytes reconstructs a *bitset.BitSet from a packed byte slice of
// the shape Bytes() produces.
func BitSetFromBytes(mLog2 uint8, raw []byte) *bitset.BitSet {
	bs := bitset.New(1 << mLog2)
	for byteIdx, b := range raw {
		if b == 0 {
			continue
		}
		for bit := uint(0); bit < 8; bit++ {
			if b&(1<<bit) != 0 {
				bs.Set(uint(byteIdx)*8 + bit)
			}
		}
	}
	return bs
}

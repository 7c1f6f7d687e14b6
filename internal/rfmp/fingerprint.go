package rfmp

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strings"
)

// IDLen is the wire length of a message id in bytes.
const IDLen = 6

// IDHexLen is the number of hex characters in a full message id.
const IDHexLen = IDLen * 2

// MinIDPrefixLen is the shortest hex prefix accepted for short-id
// comparisons per spec §4.3.
const MinIDPrefixLen = 8

// ID is a content-addressed RFMP message id: the first IDLen bytes of the
// fingerprint hash.
type ID [IDLen]byte

// String renders the id as lowercase hex.
func (id ID) String() string {
	return hex.EncodeToString(id[:])
}

// IsZero reports whether id is the zero value (no id / not set).
func (id ID) IsZero() bool {
	return id == ID{}
}

// ParseID parses a full id of exactly IDHexLen hex chars and rejects any
// other length. Short ids are not parsed here; they are matched with
// IDPrefixMatch.
func ParseID(s string) (ID, error) {
	var id ID
	if len(s) != IDHexLen {
		return id, fmt.Errorf("rfmp: id %q must be %d hex chars", s, IDHexLen)
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return id, fmt.Errorf("rfmp: id %q is not valid hex: %w", s, err)
	}
	copy(id[:], b)
	return id, nil
}

// Fingerprint computes the RFMP message id: the first IDLen bytes of
// SHA-256(fromNodeCanonical ‖ 0x1F ‖ be32(timestamp) ‖ 0x1F ‖ body).
//
// Using crypto/sha256 directly here is appropriate (see DESIGN.md): this is
// a one-line stdlib primitive, not a concern any retrieved example wraps a
// library around.
func Fingerprint(fromNode string, timestamp uint32, body []byte) ID {
	h := sha256.New()
	h.Write([]byte(fromNode))
	h.Write([]byte{0x1F})
	var ts [4]byte
	binary.BigEndian.PutUint32(ts[:], timestamp)
	h.Write(ts[:])
	h.Write([]byte{0x1F})
	h.Write(body)
	sum := h.Sum(nil)
	var id ID
	copy(id[:], sum[:IDLen])
	return id
}

// IDPrefixMatch reports whether short is a valid (>= MinIDPrefixLen hex
// chars) case-insensitive prefix of full's hex rendering.
func IDPrefixMatch(full ID, short string) bool {
	if len(short) < MinIDPrefixLen || len(short) > IDHexLen {
		return false
	}
	return strings.EqualFold(full.String()[:len(short)], short)
}

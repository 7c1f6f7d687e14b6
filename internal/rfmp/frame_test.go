package rfmp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestFingerprintDeterministic(t *testing.T) {
	id := Fingerprint("N0CALL-1", 1700000000, []byte("hello"))
	// crypto/sha256("N0CALL-1\x1f\x65\x53\x52\x00\x1fhello")[:6] hex-encoded.
	assert.Len(t, id.String(), IDHexLen)

	again := Fingerprint("N0CALL-1", 1700000000, []byte("hello"))
	assert.Equal(t, id, again)

	different := Fingerprint("N0CALL-1", 1700000001, []byte("hello"))
	assert.NotEqual(t, id, different)
}

func TestIDPrefixMatch(t *testing.T) {
	id := Fingerprint("N0CALL", 1, []byte("x"))
	full := id.String()
	assert.True(t, IDPrefixMatch(id, full[:8]))
	assert.True(t, IDPrefixMatch(id, full))
	assert.False(t, IDPrefixMatch(id, full[:7])) // below MinIDPrefixLen
}

func TestMsgFrameRoundTrip(t *testing.T) {
	id := Fingerprint("N0CALL-1", 1700000000, []byte("hello"))
	reply := Fingerprint("N0CALL-2", 1699999999, []byte("prior"))
	m := MsgFrame{
		ID:       id,
		Ts:       1700000000,
		Priority: PriorityUrgent,
		Channel:  "general",
		Author:   "kg",
		ReplyTo:  &reply,
		Body:     []byte("hello"),
	}

	raw := m.Encode()
	decoded, err := Decode(raw)
	require.NoError(t, err)
	got, ok := decoded.(MsgFrame)
	require.True(t, ok)
	assert.Equal(t, m.ID, got.ID)
	assert.Equal(t, m.Ts, got.Ts)
	assert.Equal(t, m.Priority, got.Priority)
	assert.Equal(t, m.Channel, got.Channel)
	assert.Equal(t, m.Author, got.Author)
	require.NotNil(t, got.ReplyTo)
	assert.Equal(t, *m.ReplyTo, *got.ReplyTo)
	assert.Equal(t, m.Body, got.Body)
}

func TestMsgFrameNoReplyAndNoAuthorLegacySender(t *testing.T) {
	id := Fingerprint("N0CALL", 0, nil)
	m := MsgFrame{ID: id, Channel: "c", Author: "", Body: nil}
	raw := m.Encode()
	decoded, err := Decode(raw)
	require.NoError(t, err)
	got := decoded.(MsgFrame)
	assert.Nil(t, got.ReplyTo)
	assert.Equal(t, "", got.Author)
}

func TestFragFrameRoundTrip(t *testing.T) {
	id := Fingerprint("N0CALL", 5, []byte("x"))
	f := FragFrame{ID: id, Seq: 2, Total: 4, Payload: []byte("chunk-of-data")}
	decoded, err := Decode(f.Encode())
	require.NoError(t, err)
	got := decoded.(FragFrame)
	assert.Equal(t, f, got)
}

func TestSyncFrameRoundTrip(t *testing.T) {
	s := SyncFrame{}
	for i := range s.Windows {
		s.Windows[i] = BloomWindowWire{
			OpenedAt: uint32(1700000000 + i*600),
			Salt:     uint32(1000 + i),
			K:        4,
			MLog2:    10,
			Bits:     make([]byte, 1<<10/8),
		}
		s.Windows[i].Bits[0] = 0xFF
	}
	decoded, err := Decode(s.Encode())
	require.NoError(t, err)
	got := decoded.(SyncFrame)
	assert.Equal(t, s, got)
}

func TestReqFrameRoundTrip(t *testing.T) {
	r := ReqFrame{IDs: []ID{
		Fingerprint("A", 1, []byte("1")),
		Fingerprint("B", 2, []byte("2")),
	}}
	decoded, err := Decode(r.Encode())
	require.NoError(t, err)
	got := decoded.(ReqFrame)
	assert.Equal(t, r.IDs, got.IDs)
}

func TestDecodeRejectsBadMagic(t *testing.T) {
	_, err := Decode([]byte{0x00, 0x30})
	assert.ErrorIs(t, err, ErrBadMagic)
}

func TestDecodeRejectsBadVersion(t *testing.T) {
	_, err := Decode([]byte{magic, 0x00})
	assert.ErrorIs(t, err, ErrBadVersion)
}

func TestDecodeRejectsUnknownType(t *testing.T) {
	_, err := Decode([]byte{magic, version<<4 | 0x0F})
	assert.ErrorIs(t, err, ErrUnknownType)
}

func TestPropertyMsgFrameRoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		body := rapid.SliceOfN(rapid.Byte(), 0, 2000).Draw(t, "body")
		channel := rapid.StringMatching(`[a-z0-9_-]{1,32}`).Draw(t, "channel")
		author := rapid.StringOfN(rapid.RuneFrom([]rune("abcdefgXYZ123 ")), 0, 32, 0, 32).Draw(t, "author")
		ts := rapid.Uint32().Draw(t, "ts")
		id := Fingerprint("N0CALL", ts, body)

		m := MsgFrame{ID: id, Ts: ts, Channel: channel, Author: author, Body: body}
		decoded, err := Decode(m.Encode())
		require.NoError(t, err)
		got := decoded.(MsgFrame)
		assert.Equal(t, m.ID, got.ID)
		assert.Equal(t, m.Channel, got.Channel)
		assert.Equal(t, m.Author, got.Author)
		assert.Equal(t, m.Body, got.Body)
	})
}

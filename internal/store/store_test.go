package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dougsko/rfmp/internal/rfmp"
)

func openTest(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rfmp.db")
	s, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func sampleMessage(t *testing.T, channel string, ts uint32, body string) Message {
	t.Helper()
	b := []byte(body)
	return Message{
		ID:        rfmp.Fingerprint("KJ7ABC-1", ts, b),
		FromNode:  "KJ7ABC-1",
		Author:    "KJ7ABC",
		Timestamp: ts,
		Channel:   channel,
		Priority:  rfmp.Priority(1),
		Body:      b,
	}
}

func TestInsertMessageDuplicate(t *testing.T) {
	ctx := context.Background()
	s := openTest(t)
	m := sampleMessage(t, "general", 1000, "hello")

	outcome, err := s.InsertMessage(ctx, m)
	require.NoError(t, err)
	assert.Equal(t, Inserted, outcome)

	outcome, err = s.InsertMessage(ctx, m)
	require.NoError(t, err)
	assert.Equal(t, Duplicate, outcome)
}

func TestInsertMessageRejectsBadFingerprint(t *testing.T) {
	ctx := context.Background()
	s := openTest(t)
	m := sampleMessage(t, "general", 1000, "hello")
	m.ID[0] ^= 0xFF

	_, err := s.InsertMessage(ctx, m)
	assert.ErrorIs(t, err, ErrIDMismatch)
}

func TestGetMessageByPrefix(t *testing.T) {
	ctx := context.Background()
	s := openTest(t)
	m := sampleMessage(t, "general", 1000, "hello")
	_, err := s.InsertMessage(ctx, m)
	require.NoError(t, err)

	got, err := s.GetMessage(ctx, m.ID.String()[:8])
	require.NoError(t, err)
	assert.Equal(t, m.ID, got.ID)
	assert.Equal(t, "hello", string(got.Body))
}

func TestGetMessageNotFound(t *testing.T) {
	s := openTest(t)
	_, err := s.GetMessage(context.Background(), "deadbeef")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListMessagesFilterAndOrder(t *testing.T) {
	ctx := context.Background()
	s := openTest(t)
	for i, body := range []string{"a", "b", "c"} {
		m := sampleMessage(t, "general", uint32(1000+i), body)
		_, err := s.InsertMessage(ctx, m)
		require.NoError(t, err)
	}
	other := sampleMessage(t, "offtopic", 2000, "x")
	_, err := s.InsertMessage(ctx, other)
	require.NoError(t, err)

	ch := "general"
	msgs, err := s.ListMessages(ctx, ListFilter{Channel: &ch})
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, "c", string(msgs[0].Body)) // newest first
	assert.Equal(t, "a", string(msgs[2].Body))
}

func TestFragmentRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := openTest(t)
	id := rfmp.Fingerprint("KJ7ABC-1", 42, []byte("big body"))

	for seq := uint8(0); seq < 3; seq++ {
		err := s.InsertFragment(ctx, Fragment{
			FromNode: "KJ7ABC-1", MsgID: id, Seq: seq, Total: 3, Payload: []byte{seq},
		})
		require.NoError(t, err)
	}

	frags, err := s.ListFragments(ctx, id)
	require.NoError(t, err)
	require.Len(t, frags, 3)
	assert.Equal(t, uint8(0), frags[0].Seq)

	require.NoError(t, s.DeleteFragments(ctx, id))
	frags, err = s.ListFragments(ctx, id)
	require.NoError(t, err)
	assert.Empty(t, frags)
}

func TestTxQueueLeaseAckNack(t *testing.T) {
	ctx := context.Background()
	s := openTest(t)

	entry, err := s.EnqueueTx(ctx, TxQueueEntry{
		FrameBytes: []byte{1, 2, 3}, Priority: 1, Purpose: PurposeMSG, EnqueuedAt: 100,
	})
	require.NoError(t, err)
	require.NotEmpty(t, entry.ID)

	leased, err := s.LeaseNextTx(ctx, 100, 30)
	require.NoError(t, err)
	require.NotNil(t, leased)
	assert.Equal(t, entry.ID, leased.ID)

	// Leased and not yet expired: nothing else eligible.
	again, err := s.LeaseNextTx(ctx, 110, 30)
	require.NoError(t, err)
	assert.Nil(t, again)

	require.NoError(t, s.NackTx(ctx, entry.ID, 110, 15))

	// Still not eligible until next_eligible_at.
	again, err = s.LeaseNextTx(ctx, 120, 30)
	require.NoError(t, err)
	assert.Nil(t, again)

	again, err = s.LeaseNextTx(ctx, 126, 30)
	require.NoError(t, err)
	require.NotNil(t, again)
	assert.Equal(t, entry.ID, again.ID)

	require.NoError(t, s.AckTx(ctx, entry.ID))
	depth, err := s.QueueDepth(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, depth)
}

func TestTxQueuePriorityOrder(t *testing.T) {
	ctx := context.Background()
	s := openTest(t)

	_, err := s.EnqueueTx(ctx, TxQueueEntry{FrameBytes: []byte{1}, Priority: 3, Purpose: PurposeMSG, EnqueuedAt: 100})
	require.NoError(t, err)
	urgent, err := s.EnqueueTx(ctx, TxQueueEntry{FrameBytes: []byte{2}, Priority: 0, Purpose: PurposeSYNC, EnqueuedAt: 100})
	require.NoError(t, err)

	leased, err := s.LeaseNextTx(ctx, 100, 30)
	require.NoError(t, err)
	require.NotNil(t, leased)
	assert.Equal(t, urgent.ID, leased.ID)
}

func TestSeenTouchAndContains(t *testing.T) {
	ctx := context.Background()
	s := openTest(t)
	id := rfmp.Fingerprint("KJ7ABC-1", 1, []byte("x"))

	ok, err := s.SeenContains(ctx, id)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.SeenTouch(ctx, id, 100))
	ok, err = s.SeenContains(ctx, id)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestBloomWindowSaveLoad(t *testing.T) {
	ctx := context.Background()
	s := openTest(t)

	w := BloomWindowRow{WindowIndex: 1, OpenedAt: 100, Salt: 42, K: 3, MLog2: 12, Bits: []byte{0xFF, 0x00}, Count: 7}
	require.NoError(t, s.SaveBloomWindow(ctx, w))

	loaded, err := s.LoadBloomWindows(ctx)
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	assert.Equal(t, w, loaded[0])

	w.Count = 9
	require.NoError(t, s.SaveBloomWindow(ctx, w))
	loaded, err = s.LoadBloomWindows(ctx)
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	assert.Equal(t, 9, loaded[0].Count)
}

func TestUpsertNodeAndChannel(t *testing.T) {
	ctx := context.Background()
	s := openTest(t)

	isNew, err := s.UpsertNode(ctx, "KJ7ABC-1", 100)
	require.NoError(t, err)
	assert.True(t, isNew)
	isNew, err = s.UpsertNode(ctx, "KJ7ABC-1", 200)
	require.NoError(t, err)
	assert.False(t, isNew)

	nodes, err := s.ListNodes(ctx, 200, nil)
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	assert.Equal(t, uint32(100), nodes[0].FirstSeen)
	assert.Equal(t, uint32(200), nodes[0].LastSeen)
	assert.Equal(t, 2, nodes[0].PacketCount)

	require.NoError(t, s.UpsertChannel(ctx, "general", 100))
	require.NoError(t, s.UpsertChannel(ctx, "general", 200))

	channels, err := s.ListChannels(ctx)
	require.NoError(t, err)
	require.Len(t, channels, 1)
	assert.Equal(t, 2, channels[0].MessageCount)
}

package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/dougsko/rfmp/internal/ax25"
	"github.com/dougsko/rfmp/internal/frag"
	"github.com/dougsko/rfmp/internal/kiss"
	"github.com/dougsko/rfmp/internal/rfmp"
	"github.com/dougsko/rfmp/internal/rfmperr"
	"github.com/dougsko/rfmp/internal/store"
)

// SubmitMessage builds, fragments and enqueues a locally-originated MSG
// (spec §6.3). It fails with rfmperr.ErrBackpressureDropped when the queue
// is over its high-water mark.
func (e *Engine) SubmitMessage(ctx context.Context, channel, body string, priority rfmp.Priority, replyTo *rfmp.ID, author string) (*store.Message, error) {
	depth, err := e.st.QueueDepth(ctx)
	if err != nil {
		return nil, fmt.Errorf("engine: submit_message: %w", err)
	}
	if depth >= e.cfg.Protocol.QueueHighWater {
		if e.mx != nil {
			e.mx.BackpressureDrop.Inc()
		}
		if e.bus != nil {
			e.bus.Publish(eventBackpressure(channel))
		}
		return nil, rfmperr.ErrBackpressureDropped
	}

	fromNode := e.cfg.Node.Canonical()
	ts := uint32(e.clk.Now().Unix())
	bodyBytes := []byte(body)
	id := rfmp.Fingerprint(fromNode, ts, bodyBytes)

	msg := rfmp.MsgFrame{
		ID:       id,
		Ts:       ts,
		Priority: priority,
		Channel:  channel,
		Author:   author,
		ReplyTo:  replyTo,
		Body:     bodyBytes,
	}
	encoded := msg.Encode()

	storeMsg := store.Message{
		ID: id, FromNode: fromNode, Author: author, Timestamp: ts,
		Channel: channel, Priority: priority, ReplyTo: replyTo, Body: bodyBytes,
	}
	if _, err := e.st.InsertMessage(ctx, storeMsg); err != nil {
		return nil, fmt.Errorf("engine: submit_message: insert: %w", err)
	}

	e.mu.Lock()
	e.seenCache.Touch(id)
	e.windows.Insert(id)
	e.mu.Unlock()
	if err := e.st.SeenTouch(ctx, id, ts); err != nil {
		e.log.Warn("seen_touch failed for locally-submitted message", "id", id, "error", err)
	}
	if _, err := e.st.UpsertNode(ctx, fromNode, ts); err != nil {
		e.log.Warn("upsert_node failed", "error", err)
	}
	if err := e.st.UpsertChannel(ctx, channel, ts); err != nil {
		e.log.Warn("upsert_channel failed", "error", err)
	}

	if err := e.enqueueFrame(ctx, encoded, int(priority), store.PurposeMSG, &id); err != nil {
		return nil, fmt.Errorf("engine: submit_message: enqueue: %w", err)
	}
	return &storeMsg, nil
}

// enqueueFrame fragments frameBytes if it exceeds the configured MTU, then
// hands the resulting frame(s) to the store-backed transmission queue
// wrapped in their AX.25/KISS envelope (spec §4.5/§4.1).
func (e *Engine) enqueueFrame(ctx context.Context, frameBytes []byte, priority int, purpose store.Purpose, msgID *rfmp.ID) error {
	mtu := e.cfg.Protocol.MTU
	now := uint32(e.clk.Now().Unix())

	if len(frameBytes) <= mtu {
		return e.enqueueWireFrame(ctx, frameBytes, priority, purpose, msgID, now)
	}

	var id rfmp.ID
	if msgID != nil {
		id = *msgID
	}
	frags := frag.Split(mtu, id, frameBytes)
	for _, f := range frags {
		if err := e.enqueueWireFrame(ctx, f.Encode(), priority, store.PurposeFRAG, msgID, now); err != nil {
			return err
		}
	}
	return nil
}

// enqueueWireFrame wraps one RFMP frame in its AX.25 UI + KISS envelope and
// stores it as a transmission queue entry, gating it behind the adaptive
// per-priority transmit delay from spec §4.7.
func (e *Engine) enqueueWireFrame(ctx context.Context, rfmpFrame []byte, priority int, purpose store.Purpose, msgID *rfmp.ID, now uint32) error {
	ax25Frame, err := ax25.Encode(ax25.Frame{Dest: e.destAddr, Source: e.srcAddr, Info: rfmpFrame})
	if err != nil {
		return fmt.Errorf("ax25 encode: %w", err)
	}
	wire := kiss.Encode(Port, ax25Frame)

	delay := e.txSched.AdaptiveDelay(priority, e.txSched.Congestion())
	nextEligibleAt := now + ceilSeconds(delay)

	_, err = e.st.EnqueueTx(ctx, store.TxQueueEntry{
		FrameBytes:     wire,
		Priority:       priority,
		Purpose:        purpose,
		MsgID:          msgID,
		EnqueuedAt:     now,
		NextEligibleAt: nextEligibleAt,
	})
	return err
}

// ceilSeconds rounds d up to the nearest whole second, so a sub-second
// adaptive delay still pushes NextEligibleAt (stored as unix seconds) past
// the current second rather than rounding away to nothing.
func ceilSeconds(d time.Duration) uint32 {
	if d <= 0 {
		return 0
	}
	return uint32((d + time.Second - 1) / time.Second)
}

package engine

import (
	"context"
	"fmt"

	"github.com/dougsko/rfmp/internal/events"
	"github.com/dougsko/rfmp/internal/rfmp"
	"github.com/dougsko/rfmp/internal/rfmperr"
	"github.com/dougsko/rfmp/internal/rfsync"
	"github.com/dougsko/rfmp/internal/store"
)

func eventBackpressure(channel string) events.Event {
	return events.Event{Kind: events.BackpressureDropped, Channel: channel, Detail: "tx queue over high water mark"}
}

// dispatch routes one decoded RFMP frame from fromNode per spec §4.9.
func (e *Engine) dispatch(ctx context.Context, fromNode string, frame rfmp.Frame) error {
	isNew, err := e.st.UpsertNode(ctx, fromNode, uint32(e.clk.Now().Unix()))
	if err != nil {
		e.log.Warn("upsert_node failed on receive", "from", fromNode, "error", err)
	}
	if isNew && e.bus != nil {
		e.bus.Publish(events.Event{Kind: events.NodeSeen, Callsign: fromNode})
	}
	e.reqSched.ResetPeer(fromNode)

	switch f := frame.(type) {
	case rfmp.MsgFrame:
		return e.dispatchMSG(ctx, fromNode, f)
	case rfmp.FragFrame:
		return e.dispatchFRAG(ctx, fromNode, f)
	case rfmp.SyncFrame:
		return e.dispatchSYNC(ctx, fromNode, f)
	case rfmp.ReqFrame:
		return e.dispatchREQ(ctx, fromNode, f)
	default:
		return fmt.Errorf("engine: dispatch: unhandled frame type %T", frame)
	}
}

// dispatchMSG runs the ingest pipeline: fingerprint check, dedup, durable
// insert, bookkeeping, and external publication (spec §4.9).
func (e *Engine) dispatchMSG(ctx context.Context, fromNode string, m rfmp.MsgFrame) error {
	want := rfmp.Fingerprint(fromNode, m.Ts, m.Body)
	if want != m.ID {
		if e.mx != nil {
			e.mx.FramesDropped.WithLabelValues("id_mismatch").Inc()
		}
		return fmt.Errorf("%w: from %s claimed %s, fingerprint is %s", rfmperr.ErrIDMismatch, fromNode, m.ID, want)
	}

	e.mu.Lock()
	alreadySeen := e.seenCache.Contains(m.ID)
	e.mu.Unlock()
	if alreadySeen {
		if e.mx != nil {
			e.mx.MessagesIngested.WithLabelValues("duplicate").Inc()
		}
		return nil
	}

	now := uint32(e.clk.Now().Unix())
	storeMsg := store.Message{
		ID: m.ID, FromNode: fromNode, Author: m.Author, Timestamp: m.Ts,
		Channel: m.Channel, Priority: m.Priority, ReplyTo: m.ReplyTo, Body: m.Body,
		ReceivedAt: &now,
	}
	outcome, err := e.st.InsertMessage(ctx, storeMsg)
	if err != nil {
		if e.mx != nil {
			e.mx.StoreErrors.Inc()
		}
		return fmt.Errorf("engine: dispatch MSG: insert: %w", err)
	}

	e.mu.Lock()
	e.seenCache.Touch(m.ID)
	e.windows.Insert(m.ID)
	e.mu.Unlock()
	if err := e.st.SeenTouch(ctx, m.ID, now); err != nil {
		e.log.Warn("seen_touch failed", "id", m.ID, "error", err)
	}
	if err := e.st.UpsertChannel(ctx, m.Channel, now); err != nil {
		e.log.Warn("upsert_channel failed", "error", err)
	}

	if e.mx != nil {
		if outcome == store.Inserted {
			e.mx.MessagesIngested.WithLabelValues("inserted").Inc()
		} else {
			e.mx.MessagesIngested.WithLabelValues("duplicate").Inc()
		}
	}
	if outcome == store.Inserted && e.bus != nil {
		e.bus.Publish(events.Event{Kind: events.NewMessage, MessageID: m.ID, Channel: m.Channel})
	}
	return nil
}

// dispatchFRAG folds one fragment into its reassembly buffer and, on
// completion, re-enters dispatch as a MSG (spec §4.5/§4.9).
func (e *Engine) dispatchFRAG(ctx context.Context, fromNode string, f rfmp.FragFrame) error {
	msg, err := e.reassembler.Ingest(fromNode, f, e.clk.Now())
	if err != nil {
		if e.mx != nil {
			e.mx.FramesDropped.WithLabelValues("reassembly_id_mismatch").Inc()
		}
		return fmt.Errorf("engine: dispatch FRAG: %w: %w", rfmperr.ErrReassemblyIDMismatch, err)
	}
	if msg == nil {
		return nil // buffer still incomplete
	}
	return e.dispatchMSG(ctx, fromNode, *msg)
}

// dispatchSYNC ingests a peer's Bloom windows and enqueues MSG re-sends for
// push candidates: ids we hold that the remote's bit-field says it
// probably lacks (spec §4.7 step 2/§4.9).
//
// Bloom membership tests answer "does this known id appear to be held?",
// never "what ids exist that I don't know about" — bits can't be reverse
// engineered into ids. So the symmetric "pull" direction (spec §4.7 step
// 3) is driven from concretely known gap ids instead of bit enumeration:
// see scheduleREQForGap, triggered by fragment reassembly timeouts in the
// housekeeping loop.
func (e *Engine) dispatchSYNC(ctx context.Context, fromNode string, s rfmp.SyncFrame) error {
	e.mu.Lock()
	e.lastSyncRecv = e.clk.Now()
	cands := e.windows.Ingest(s, storeKnown{ctx: ctx, st: e.st})
	e.mu.Unlock()

	if len(cands.Push) == 0 {
		return nil
	}
	return e.enqueuePush(ctx, cands.Push)
}

// scheduleREQForGap requests a single concretely-known missing id from
// fromNode, subject to the same rate limit and backoff as any other REQ.
func (e *Engine) scheduleREQForGap(ctx context.Context, fromNode string, id rfmp.ID) error {
	return e.scheduleREQ(ctx, fromNode, []rfmp.ID{id})
}

// enqueuePush re-sends push-candidate MSGs at priority+1 (spec §4.7's "pushes
// are always lower priority than fresh sends").
func (e *Engine) enqueuePush(ctx context.Context, ids []rfmp.ID) error {
	for _, id := range ids {
		stored, err := e.st.GetMessage(ctx, id.String())
		if err != nil {
			continue // no longer present locally, nothing to push
		}
		msg := rfmp.MsgFrame{ID: stored.ID, Ts: stored.Timestamp, Priority: stored.Priority, Channel: stored.Channel, Author: stored.Author, ReplyTo: stored.ReplyTo, Body: stored.Body}
		pushPriority := int(stored.Priority) + 1
		if err := e.enqueueFrame(ctx, msg.Encode(), pushPriority, store.PurposeMSG, &stored.ID); err != nil {
			return fmt.Errorf("engine: enqueue push candidate: %w", err)
		}
	}
	return nil
}

// scheduleREQ rate-limits and backs off REQs to fromNode per spec §4.7,
// chunking the candidate set at REQMaxIDsPerFrame ids per frame.
func (e *Engine) scheduleREQ(ctx context.Context, fromNode string, ids []rfmp.ID) error {
	if len(ids) == 0 {
		return nil
	}
	now := e.clk.Now()
	for _, reqFrame := range rfsync.Chunk(ids) {
		if !e.reqSched.Allow(fromNode, now) {
			e.reqSched.Rejected(fromNode, now)
			continue
		}
		if err := e.enqueueFrame(ctx, reqFrame.Encode(), 2, store.PurposeREQ, nil); err != nil {
			return fmt.Errorf("engine: enqueue REQ: %w", err)
		}
		if e.mx != nil {
			e.mx.ReqFramesSent.Inc()
		}
	}
	return nil
}

// dispatchREQ answers a peer's request for specific ids with stored MSGs,
// re-encoded and re-fragmented as needed (spec §4.9).
func (e *Engine) dispatchREQ(ctx context.Context, _ string, r rfmp.ReqFrame) error {
	for _, id := range r.IDs {
		stored, err := e.st.GetMessage(ctx, id.String())
		if err != nil {
			continue // not held locally, nothing to answer
		}
		msg := rfmp.MsgFrame{ID: stored.ID, Ts: stored.Timestamp, Priority: stored.Priority, Channel: stored.Channel, Author: stored.Author, ReplyTo: stored.ReplyTo, Body: stored.Body}
		if err := e.enqueueFrame(ctx, msg.Encode(), 2, store.PurposeMSG, &stored.ID); err != nil {
			return fmt.Errorf("engine: dispatch REQ: enqueue reply: %w", err)
		}
	}
	return nil
}

// storeKnown adapts the store's authoritative seen_contains check to
// rfsync's localIDLister. WindowSet.Ingest accepts it but does not consult it.
type storeKnown struct {
	ctx context.Context
	st  *store.Store
}

func (k storeKnown) Contains(id rfmp.ID) bool {
	ok, err := k.st.SeenContains(k.ctx, id)
	return err == nil && ok
}

package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"time"

	"github.com/dougsko/rfmp/internal/ax25"
	"github.com/dougsko/rfmp/internal/rfmp"
	"github.com/dougsko/rfmp/internal/rfmperr"
	"github.com/dougsko/rfmp/internal/store"
)

// runRX reads KISS frames, decodes AX.25 and RFMP, and dispatches them
// (spec §4.9's RX loop). It returns when ctx is cancelled or the inbound
// port is permanently exhausted.
func (e *Engine) runRX(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		kf, err := e.in.Next()
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, context.Canceled) {
				return nil
			}
			if e.mx != nil {
				e.mx.FramesDropped.WithLabelValues("kiss_truncated").Inc()
			}
			e.log.Warn("kiss decode error, continuing", "error", fmt.Errorf("%w: %w", rfmperr.ErrKissTruncated, err))
			continue
		}

		ax25Frame, err := ax25.Decode(kf.Payload)
		if err != nil {
			if e.mx != nil {
				e.mx.FramesDropped.WithLabelValues("ax25_malformed").Inc()
			}
			e.log.Warn("ax25 decode error, dropping frame", "error", fmt.Errorf("%w: %w", rfmperr.ErrAx25Malformed, err))
			continue
		}

		rfmpFrame, err := rfmp.Decode(ax25Frame.Info)
		if err != nil {
			e.classifyRFMPDropReason(err)
			e.log.Warn("rfmp decode error, dropping frame", "from", ax25Frame.Source, "error", err)
			continue
		}

		if err := e.dispatch(ctx, ax25Frame.Source.String(), rfmpFrame); err != nil {
			if e.mx != nil {
				e.mx.StoreErrors.Inc()
			}
			e.log.Error("dispatch failed, pausing RX briefly", "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(100 * time.Millisecond):
			}
		}
	}
}

func (e *Engine) classifyRFMPDropReason(err error) {
	if e.mx == nil {
		return
	}
	reason := "rfmp_other"
	switch {
	case errors.Is(err, rfmp.ErrBadMagic):
		reason = "rfmp_bad_magic"
	case errors.Is(err, rfmp.ErrBadVersion):
		reason = "rfmp_bad_version"
	case errors.Is(err, rfmp.ErrTruncated):
		reason = "rfmp_truncated"
	case errors.Is(err, rfmp.ErrUnknownType):
		reason = "rfmp_unknown_type"
	}
	e.mx.FramesDropped.WithLabelValues(reason).Inc()
}

// runTX periodically leases and transmits queue entries (spec §4.9's TX
// loop), backing off briefly whenever the queue is empty.
func (e *Engine) runTX(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		sent, err := e.txSched.RunOnce(ctx)
		if err != nil {
			e.log.Error("tx scheduler error", "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(100 * time.Millisecond):
			}
			continue
		}
		if !sent {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(50 * time.Millisecond):
			}
		}
	}
}

// runHousekeeping rotates Bloom windows and emits SYNCs on the jittered sync
// interval, and sweeps fragment buffers every 5s (spec §4.9). Seen-cache
// entries expire inside the cache and REQ tokens refill inside the rate
// limiter; this loop does neither.
func (e *Engine) runHousekeeping(ctx context.Context) error {
	syncInterval := time.Duration(e.cfg.Protocol.SyncIntervalS) * time.Second
	ticker := time.NewTicker(jitter(syncInterval, 0.2, e.rng))
	defer ticker.Stop()
	sweepTicker := time.NewTicker(5 * time.Second)
	defer sweepTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := e.maybeEmitSync(ctx); err != nil {
				e.log.Warn("sync emission failed", "error", err)
			}
			ticker.Reset(jitter(syncInterval, 0.2, e.rng))
		case <-sweepTicker.C:
			e.sweep(ctx)
		}
	}
}

func jitter(base time.Duration, frac float64, rng *rand.Rand) time.Duration {
	delta := (rng.Float64()*2 - 1) * frac
	return time.Duration(float64(base) * (1 + delta))
}

// maybeEmitSync rotates the Bloom windows when due, then enqueues a SYNC
// frame unless suppressed by recent receipt of one or by queue backpressure
// (spec §4.7).
func (e *Engine) maybeEmitSync(ctx context.Context) error {
	e.mu.Lock()
	e.windows.MaybeRotate(func() uint32 { return e.rng.Uint32() })
	sinceLastRecv := e.clk.Now().Sub(e.lastSyncRecv)
	e.mu.Unlock()
	if sinceLastRecv < 5*time.Second {
		return nil
	}

	depth, err := e.st.QueueDepth(ctx)
	if err != nil {
		return fmt.Errorf("engine: queue_depth: %w", err)
	}
	if depth > e.cfg.Protocol.QueueHighWater {
		return nil
	}

	e.mu.Lock()
	frame := e.windows.ToWire()
	e.mu.Unlock()

	if err := e.enqueueFrame(ctx, frame.Encode(), 1, store.PurposeSYNC, nil); err != nil {
		return fmt.Errorf("engine: enqueue sync: %w", err)
	}
	if e.mx != nil {
		e.mx.SyncFramesSent.Inc()
	}
	return nil
}

// sweep clears expired fragment buffers and REQs fragment gaps that timed
// out without being completed (spec §4.5/§4.6). The seen cache is not
// touched here; its entries expire inside the cache.
func (e *Engine) sweep(ctx context.Context) {
	now := e.clk.Now()
	for _, gap := range e.reassembler.Sweep(now) {
		if _, err := e.st.GetMessage(ctx, gap.ID.String()); err == nil {
			continue // arrived via another path meanwhile
		}
		if err := e.scheduleREQForGap(ctx, gap.FromNode, gap.ID); err != nil {
			e.log.Warn("failed to schedule gap REQ", "from", gap.FromNode, "id", gap.ID, "error", err)
		}
	}
}

// Package txq implements C8, the priority- and backoff-aware transmission
// scheduler (spec §4.8): dequeue ordering, CSMA-style defer, and the
// ack/nack lifecycle for queued frames.
package txq

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/dougsko/rfmp/internal/clock"
	"github.com/dougsko/rfmp/internal/events"
	"github.com/dougsko/rfmp/internal/metrics"
	"github.com/dougsko/rfmp/internal/store"
)

// Tunables from spec §4.8.
const (
	MaxCSMADefers      = 5
	CSMAMinBackoff     = 100 * time.Millisecond
	CSMAMaxBackoff     = 400 * time.Millisecond
	CarrierWindow      = 500 * time.Millisecond
	NackBaseDelay      = 250 * time.Millisecond
	NackMaxDelay       = 30 * time.Second
	MaxAttemptsBeforeDrop = 5
	LeaseDuration      = 5 * time.Second
)

// Adaptive transmit timing tunables (spec §4.7).
const (
	BaseSlot          = 500 * time.Millisecond
	MinInterFrameGap  = 250 * time.Millisecond
)

// CarrierSense reports whether the channel has shown carrier-detect within
// the last d, the input to C8's CSMA-style listen-before-send.
type CarrierSense interface {
	Busy(d time.Duration) bool
}

// Writer hands a fully-encoded frame to C1/C2 for transmission onto the
// wire. It returns an error only for immediate, local handoff failures
// (e.g. a closed port); link-level loss is invisible to this layer.
type Writer interface {
	Write(ctx context.Context, frameBytes []byte) error
}

// Scheduler drives the dequeue/CSMA/ack-nack lifecycle of spec §4.8.
type Scheduler struct {
	store *store.Store
	clk   clock.Clock
	sense CarrierSense
	out   Writer
	bus   *events.Bus
	mx    *metrics.Registry
	rng   *rand.Rand

	// mu guards lastSendAt and congestionLevel, updated from RunOnce and
	// read from Congestion by the engine at enqueue time.
	mu              sync.Mutex
	lastSendAt      time.Time
	congestionLevel float64
}

// New constructs a Scheduler. rng may be a seeded source in tests for
// deterministic CSMA backoff selection.
func New(st *store.Store, clk clock.Clock, sense CarrierSense, out Writer, bus *events.Bus, mx *metrics.Registry, rng *rand.Rand) *Scheduler {
	if rng == nil {
		rng = rand.New(rand.NewSource(1))
	}
	return &Scheduler{store: st, clk: clk, sense: sense, out: out, bus: bus, mx: mx, rng: rng}
}

// AdaptiveDelay computes the enqueue delay from spec §4.7: base_slot × (1 +
// priority) × (1 + uniform(0,1) × congestion), floored at MinInterFrameGap.
func (s *Scheduler) AdaptiveDelay(priority int, congestion float64) time.Duration {
	factor := float64(1+priority) * (1 + s.rng.Float64()*congestion)
	d := time.Duration(float64(BaseSlot) * factor)
	if d < MinInterFrameGap {
		return MinInterFrameGap
	}
	return d
}

// Congestion returns the current smoothed congestion estimate in [0,1],
// driven by recent CSMA defers and nacks, for AdaptiveDelay's enqueue-time
// call (spec §4.7).
func (s *Scheduler) Congestion() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.congestionLevel
}

// bumpCongestion nudges the congestion estimate by delta, clamped to [0,1].
func (s *Scheduler) bumpCongestion(delta float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.congestionLevel += delta
	if s.congestionLevel > 1 {
		s.congestionLevel = 1
	} else if s.congestionLevel < 0 {
		s.congestionLevel = 0
	}
}

// RunOnce performs one dequeue-CSMA-transmit cycle: lease the next eligible
// entry, defer on carrier detect, hand it to the writer, and ack or nack
// the result. Returns false when nothing was eligible to send.
func (s *Scheduler) RunOnce(ctx context.Context) (bool, error) {
	now := uint32(s.clk.Now().Unix())
	entry, err := s.store.LeaseNextTx(ctx, now, uint32(LeaseDuration.Seconds()))
	if err != nil {
		return false, fmt.Errorf("txq: lease: %w", err)
	}
	if entry == nil {
		return false, nil
	}

	if !s.awaitClearChannel(ctx, entry.ID) {
		// All CSMA defer attempts found the channel busy; drop the entry
		// from the queue and count it.
		if s.mx != nil {
			s.mx.FramesDropped.WithLabelValues("csma_exhausted").Inc()
		}
		_ = s.store.DropTx(ctx, entry.ID)
		return true, nil
	}

	if !s.awaitInterFrameGap(ctx) {
		return true, nil
	}

	if err := s.out.Write(ctx, entry.FrameBytes); err != nil {
		return true, s.handleFailure(ctx, *entry, now)
	}
	s.mu.Lock()
	s.lastSendAt = s.clk.Now()
	s.mu.Unlock()

	if err := s.store.AckTx(ctx, entry.ID); err != nil {
		return true, fmt.Errorf("txq: ack: %w", err)
	}
	if entry.MsgID != nil {
		if err := s.store.SetTransmittedAt(ctx, *entry.MsgID, now); err != nil {
			return true, fmt.Errorf("txq: set transmitted_at: %w", err)
		}
	}
	return true, nil
}

// awaitClearChannel performs spec §4.8 step 2: if carrier was detected
// within CarrierWindow, defer with a random CSMAMinBackoff..CSMAMaxBackoff
// sleep, up to MaxCSMADefers tries.
func (s *Scheduler) awaitClearChannel(ctx context.Context, txID string) bool {
	deferred := false
	for attempt := 0; attempt < MaxCSMADefers; attempt++ {
		if !s.sense.Busy(CarrierWindow) {
			if !deferred {
				s.bumpCongestion(-0.05)
			}
			return true
		}
		deferred = true
		s.bumpCongestion(0.15)
		backoff := CSMAMinBackoff + time.Duration(s.rng.Int63n(int64(CSMAMaxBackoff-CSMAMinBackoff)))
		select {
		case <-ctx.Done():
			return false
		case <-time.After(backoff):
		}
	}
	return false
}

// awaitInterFrameGap enforces spec §4.7/§4.8's MinInterFrameGap between
// consecutive transmissions, sleeping out whatever remains of the gap since
// the last successful send.
func (s *Scheduler) awaitInterFrameGap(ctx context.Context) bool {
	s.mu.Lock()
	elapsed := s.clk.Now().Sub(s.lastSendAt)
	s.mu.Unlock()
	if elapsed >= MinInterFrameGap {
		return true
	}
	select {
	case <-ctx.Done():
		return false
	case <-time.After(MinInterFrameGap - elapsed):
		return true
	}
}

// handleFailure applies spec §4.8 step 4: exponential nack backoff, capped
// at NackMaxDelay, dropping permanently after MaxAttemptsBeforeDrop.
func (s *Scheduler) handleFailure(ctx context.Context, entry store.TxQueueEntry, now uint32) error {
	s.bumpCongestion(0.2)
	attempts := entry.Attempts + 1
	if attempts >= MaxAttemptsBeforeDrop {
		if err := s.store.DropTx(ctx, entry.ID); err != nil {
			return fmt.Errorf("txq: drop permanently failed entry: %w", err)
		}
		if s.mx != nil {
			s.mx.TxPermanentFails.Inc()
		}
		if s.bus != nil {
			detail := fmt.Sprintf("dropped after %d attempts", attempts)
			var msgID [6]byte
			if entry.MsgID != nil {
				msgID = *entry.MsgID
			}
			s.bus.Publish(events.Event{Kind: events.TxPermanentFailure, MessageID: msgID, Detail: detail})
		}
		return nil
	}

	delay := time.Duration(1<<uint(attempts)) * NackBaseDelay
	if delay > NackMaxDelay {
		delay = NackMaxDelay
	}
	return s.store.NackTx(ctx, entry.ID, now, uint32(delay.Seconds()))
}

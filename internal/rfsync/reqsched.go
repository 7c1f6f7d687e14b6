package rfsync

import (
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/time/rate"

	"github.com/dougsko/rfmp/internal/rfmp"
)

// REQ scheduling limits (spec §4.7).
const (
	REQBucketCapacity     = 6
	REQRefillPerMinute    = 6
	REQBackoffInitial     = 30 * time.Second
	REQBackoffMax         = 600 * time.Second
	REQMaxIDsPerFrame     = 32
)

// ReqScheduler enforces the global REQ rate limit and per-peer exponential
// backoff described in spec §4.7.
type ReqScheduler struct {
	limiter *rate.Limiter

	mu       sync.Mutex
	backoffs map[string]*backoff.ExponentialBackOff
	until    map[string]time.Time
}

// NewReqScheduler returns a scheduler with a token bucket of REQBucketCapacity
// refilling at REQRefillPerMinute per minute.
func NewReqScheduler() *ReqScheduler {
	return &ReqScheduler{
		limiter:  rate.NewLimiter(rate.Limit(float64(REQRefillPerMinute)/60.0), REQBucketCapacity),
		backoffs: make(map[string]*backoff.ExponentialBackOff),
		until:    make(map[string]time.Time),
	}
}

func (s *ReqScheduler) peerBackoff(peer string) *backoff.ExponentialBackOff {
	b, ok := s.backoffs[peer]
	if !ok {
		b = backoff.NewExponentialBackOff()
		b.InitialInterval = REQBackoffInitial
		b.MaxInterval = REQBackoffMax
		b.Multiplier = 2
		b.RandomizationFactor = 0
		b.Reset()
		s.backoffs[peer] = b
	}
	return b
}

// Allow reports whether a REQ to peer may be sent at time now: the global
// token bucket must have a token available, and peer must not be within its
// backoff window.
func (s *ReqScheduler) Allow(peer string, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if until, ok := s.until[peer]; ok && now.Before(until) {
		return false
	}
	return s.limiter.AllowN(now, 1)
}

// Rejected records that a REQ to peer could not be sent (bucket exhausted or
// still backed off), advancing that peer's backoff per spec §4.7.
func (s *ReqScheduler) Rejected(peer string, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := s.peerBackoff(peer)
	d := b.NextBackOff()
	s.until[peer] = now.Add(d)
}

// ResetPeer clears peer's backoff state, called when any frame is received
// from that peer (spec §4.7's reset condition).
func (s *ReqScheduler) ResetPeer(peer string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.backoffs[peer]; ok {
		b.Reset()
	}
	delete(s.until, peer)
}

// Chunk splits a candidate id set into REQFrames of at most REQMaxIDsPerFrame
// ids each, for round-robin interleaving across peers.
func Chunk(ids []rfmp.ID) []rfmp.ReqFrame {
	var out []rfmp.ReqFrame
	for len(ids) > 0 {
		n := REQMaxIDsPerFrame
		if n > len(ids) {
			n = len(ids)
		}
		out = append(out, rfmp.ReqFrame{IDs: append([]rfmp.ID(nil), ids[:n]...)})
		ids = ids[n:]
	}
	return out
}

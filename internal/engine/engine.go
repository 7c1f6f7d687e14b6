// Package engine implements C9, the orchestrator that wires the KISS/AX.25/
// RFMP codecs, the store, the fragmenter, the seen cache, the sync engine
// and the TX scheduler into the three cooperative loops described in spec
// §4.9: RX, TX, and housekeeping.
package engine

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/errgroup"

	"github.com/dougsko/rfmp/internal/ax25"
	"github.com/dougsko/rfmp/internal/clock"
	"github.com/dougsko/rfmp/internal/config"
	"github.com/dougsko/rfmp/internal/events"
	"github.com/dougsko/rfmp/internal/frag"
	"github.com/dougsko/rfmp/internal/kiss"
	"github.com/dougsko/rfmp/internal/metrics"
	"github.com/dougsko/rfmp/internal/rfmperr"
	"github.com/dougsko/rfmp/internal/rfsync"
	"github.com/dougsko/rfmp/internal/seen"
	"github.com/dougsko/rfmp/internal/store"
	"github.com/dougsko/rfmp/internal/txq"
)

// Port is the KISS port number RFMP always transmits and expects on
// (spec §4.1/§6.2 never mention multiplexing across KISS ports).
const Port = 0

// Engine holds references to C1-C8 and drives the RX/TX/housekeeping loops.
type Engine struct {
	cfg config.Config
	st  *store.Store
	clk clock.Clock
	log *log.Logger

	srcAddr  ax25.Address
	destAddr ax25.Address

	bus *events.Bus
	mx  *metrics.Registry

	// mu guards seenCache and windows, the two pieces of engine state spec
	// §5 requires to live behind a single mutex shared by all three loops.
	mu        sync.Mutex
	seenCache *seen.Cache
	windows   *rfsync.WindowSet

	reassembler *frag.Reassembler
	reqSched    *rfsync.ReqScheduler
	txSched     *txq.Scheduler

	rng          *rand.Rand
	lastSyncRecv time.Time

	in  RXPort
	out txq.Writer
}

// RXPort is the inbound half of the KISS link: a stream of decoded KISS
// frames. cmd/rfmpd supplies one backed by a TCP connection or, in offline
// mode, by stdin.
type RXPort interface {
	Next() (kiss.Frame, error)
}

// Deps bundles the constructor's collaborators so New doesn't take an
// unwieldy positional parameter list.
type Deps struct {
	Store    *store.Store
	Clock    clock.Clock
	Logger   *log.Logger
	Bus      *events.Bus
	Metrics  *metrics.Registry
	In       RXPort
	Out      txq.Writer
	Carrier  txq.CarrierSense
	SaltSeed int64
}

// New builds an Engine from a validated Config and its runtime dependencies.
func New(cfg config.Config, d Deps) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("engine: invalid config: %w", err)
	}
	src, err := ax25.ParseAddress(cfg.Node.Canonical())
	if err != nil {
		return nil, fmt.Errorf("engine: node callsign: %w", err)
	}
	dest, err := ax25.ParseAddress(cfg.Protocol.DestCallsign)
	if err != nil {
		return nil, fmt.Errorf("engine: dest callsign: %w", err)
	}

	rng := rand.New(rand.NewSource(d.SaltSeed))
	rows, err := d.Store.LoadBloomWindows(context.Background())
	if err != nil {
		return nil, fmt.Errorf("engine: load bloom windows: %w", err)
	}
	var windows *rfsync.WindowSet
	if len(rows) == 3 {
		windows = rfsync.RestoreWindowSet(d.Clock, uint32(cfg.Protocol.BloomWindowS), rows)
	} else {
		windows = rfsync.NewWindowSet(d.Clock, uint32(cfg.Protocol.BloomWindowS), func() uint32 { return rng.Uint32() })
	}

	e := &Engine{
		cfg:         cfg,
		st:          d.Store,
		clk:         d.Clock,
		log:         d.Logger,
		srcAddr:     src,
		destAddr:    dest,
		bus:         d.Bus,
		mx:          d.Metrics,
		seenCache:   seen.NewDefault(),
		windows:     windows,
		reassembler: frag.NewReassembler(),
		reqSched:    rfsync.NewReqScheduler(),
		rng:         rng,
		in:          d.In,
		out:         d.Out,
	}
	e.txSched = txq.New(d.Store, d.Clock, d.Carrier, d.Out, d.Bus, d.Metrics, rng)
	return e, nil
}

// Run drives the RX, TX and housekeeping loops until ctx is cancelled, then
// persists the Bloom windows under a 5s deadline; if that deadline passes it
// returns an error wrapping rfmperr.ErrShutdownTimeout.
func (e *Engine) Run(ctx context.Context) error {
	if e.bus != nil {
		e.bus.Publish(events.Event{Kind: events.StatusChange, Detail: "connected"})
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return e.runRX(gctx) })
	g.Go(func() error { return e.runTX(gctx) })
	g.Go(func() error { return e.runHousekeeping(gctx) })

	err := g.Wait()
	if err != nil && ctx.Err() == nil {
		if e.bus != nil {
			e.bus.Publish(events.Event{Kind: events.StatusChange, Detail: fmt.Sprintf("stopped: %v", err)})
		}
		return err
	}

	drainCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var runErr error
	if drainErr := e.drain(drainCtx); drainErr != nil {
		if errors.Is(drainErr, context.DeadlineExceeded) {
			runErr = fmt.Errorf("%w: %w", rfmperr.ErrShutdownTimeout, drainErr)
		}
		e.log.Warn("drain on shutdown did not complete cleanly", "error", drainErr)
	}
	if e.bus != nil {
		e.bus.Publish(events.Event{Kind: events.StatusChange, Detail: "disconnected"})
	}
	return runErr
}

// drain persists bloom windows, matching spec §5's shutdown contract
// ("flushes the store writer, persists bloom windows").
func (e *Engine) drain(ctx context.Context) error {
	e.mu.Lock()
	windows := e.windows.Windows()
	e.mu.Unlock()
	for _, w := range windows {
		row := store.BloomWindowRow{
			WindowIndex: w.Index,
			OpenedAt:    w.OpenedAt,
			Salt:        w.Salt,
			K:           int(w.K),
			MLog2:       int(w.MLog2),
			Bits:        w.Bytes(),
			Count:       w.Count,
		}
		if err := e.st.SaveBloomWindow(ctx, row); err != nil {
			return err
		}
	}
	return nil
}

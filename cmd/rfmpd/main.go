// Command rfmpd runs one RFMP node: it dials (or, in offline mode, wraps
// stdin/stdout as) a KISS TNC link, opens the durable store, and drives the
// engine's RX/TX/housekeeping loops until asked to stop.
package main

import (
	"bufio"
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"

	"github.com/dougsko/rfmp/internal/clock"
	"github.com/dougsko/rfmp/internal/config"
	"github.com/dougsko/rfmp/internal/engine"
	"github.com/dougsko/rfmp/internal/events"
	"github.com/dougsko/rfmp/internal/kiss"
	"github.com/dougsko/rfmp/internal/metrics"
	"github.com/dougsko/rfmp/internal/store"
	"github.com/dougsko/rfmp/internal/tnc"
	"github.com/dougsko/rfmp/internal/txq"
)

func main() {
	cfg := config.Default()

	var (
		callsign    = pflag.StringP("callsign", "c", "", "node callsign, e.g. N0CALL (required)")
		ssid        = pflag.Int("ssid", cfg.Node.SSID, "node SSID, 0-15")
		tncHost     = pflag.StringP("tnc-host", "h", cfg.Network.TNCHost, "KISS TNC hostname or address")
		tncPort     = pflag.IntP("tnc-port", "p", cfg.Network.TNCPort, "KISS TNC TCP port")
		offline     = pflag.Bool("offline", false, "use stdin/stdout as the KISS link instead of dialing a TNC")
		dbPath      = pflag.StringP("db", "d", "", "path to the sqlite store (required)")
		mtu         = pflag.Int("mtu", cfg.Protocol.MTU, "maximum RFMP frame size before fragmentation")
		syncSecs    = pflag.Int("sync-interval", cfg.Protocol.SyncIntervalS, "seconds between SYNC emissions")
		bloomWinS   = pflag.Int("bloom-window", cfg.Protocol.BloomWindowS, "seconds per bloom window")
		bloomMLog2  = pflag.Int("bloom-m-log2", cfg.Protocol.BloomMLog2, "log2 of bloom filter bit width (validated only; windows always use m=1024)")
		bloomK      = pflag.Int("bloom-k", cfg.Protocol.BloomK, "bloom filter hash count (validated only; windows always use k=4)")
		reqPerMin   = pflag.Int("req-per-minute", cfg.Protocol.ReqPerMinute, "REQ frames per minute (validated only; the REQ limit is a fixed 6/min shared by all peers)")
		destCall    = pflag.String("dest-callsign", cfg.Protocol.DestCallsign, "AX.25 destination callsign for outbound frames")
		queueHWM    = pflag.Int("queue-high-water", cfg.Protocol.QueueHighWater, "tx queue depth that trips backpressure")
		metricsAddr = pflag.String("metrics-addr", ":9095", "listen address for the /metrics endpoint")
		verbose     = pflag.BoolP("verbose", "v", false, "debug-level logging")
	)
	pflag.Parse()

	logger := log.NewWithOptions(os.Stderr, log.Options{ReportTimestamp: true})
	if *verbose {
		logger.SetLevel(log.DebugLevel)
	}

	cfg.Node.Callsign = *callsign
	cfg.Node.SSID = *ssid
	cfg.Network.TNCHost = *tncHost
	cfg.Network.TNCPort = *tncPort
	cfg.Network.OfflineMode = *offline
	cfg.Protocol.MTU = *mtu
	cfg.Protocol.SyncIntervalS = *syncSecs
	cfg.Protocol.BloomWindowS = *bloomWinS
	cfg.Protocol.BloomMLog2 = *bloomMLog2
	cfg.Protocol.BloomK = *bloomK
	cfg.Protocol.ReqPerMinute = *reqPerMin
	cfg.Protocol.DestCallsign = *destCall
	cfg.Protocol.QueueHighWater = *queueHWM
	cfg.Storage.DatabasePath = *dbPath

	if err := cfg.Validate(); err != nil {
		logger.Fatal("invalid configuration", "error", err)
	}

	if err := run(cfg, logger, *metricsAddr); err != nil {
		logger.Fatal("rfmpd exited with error", "error", err)
	}
}

func run(cfg config.Config, logger *log.Logger, metricsAddr string) error {
	st, err := store.Open(cfg.Storage.DatabasePath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	reg := prometheus.NewRegistry()
	mx := metrics.New()
	mx.MustRegister(reg)
	bus := events.NewBus()

	httpSrv := &http.Server{Addr: metricsAddr, Handler: promhttpHandler(reg)}
	go func() {
		if serveErr := httpSrv.ListenAndServe(); serveErr != nil && serveErr != http.ErrServerClosed {
			logger.Warn("metrics listener stopped", "error", serveErr)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	in, out, carrier, closeLink, err := dialLink(ctx, cfg)
	if err != nil {
		return fmt.Errorf("dial link: %w", err)
	}
	defer closeLink()

	eng, err := engine.New(cfg, engine.Deps{
		Store:    st,
		Clock:    clock.Real{},
		Logger:   logger,
		Bus:      bus,
		Metrics:  mx,
		In:       in,
		Out:      out,
		Carrier:  carrier,
		SaltSeed: time.Now().UnixNano(),
	})
	if err != nil {
		return fmt.Errorf("build engine: %w", err)
	}

	logger.Info("rfmpd starting", "node", cfg.Node.Canonical(), "offline", cfg.Network.OfflineMode, "db", cfg.Storage.DatabasePath)
	runErr := eng.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = httpSrv.Shutdown(shutdownCtx)

	return runErr
}

func promhttpHandler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}

// dialLink builds the engine's RX/TX/carrier dependencies: a reconnecting
// TCP KISS client in normal operation, or stdin/stdout wrapped directly in
// offline mode (spec §6.2's offline_mode, used for tests and bench rigs
// with no real TNC attached).
func dialLink(ctx context.Context, cfg config.Config) (engine.RXPort, txq.Writer, txq.CarrierSense, func(), error) {
	if cfg.Network.OfflineMode {
		dec := kiss.NewDecoder(bufio.NewReader(os.Stdin))
		w := stdioWriter{w: os.Stdout}
		return dec, w, clearCarrier{}, func() {}, nil
	}

	c, err := tnc.Dial(ctx, cfg.Network.TNCHost, cfg.Network.TNCPort)
	if err != nil {
		return nil, nil, nil, func() {}, err
	}
	return c, c, clearCarrier{}, func() { _ = c.Close() }, nil
}

type stdioWriter struct{ w *os.File }

func (s stdioWriter) Write(_ context.Context, frameBytes []byte) error {
	_, err := s.w.Write(frameBytes)
	return err
}

// clearCarrier reports the channel as always clear. Offline and plain TCP
// KISS links give rfmpd no independent carrier-detect signal, so CSMA
// deferral degrades to "send immediately" rather than blocking forever.
type clearCarrier struct{}

func (clearCarrier) Busy(time.Duration) bool { return false }

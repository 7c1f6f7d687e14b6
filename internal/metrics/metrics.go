// Package metrics exposes the engine's counters over the spec §7 error
// kinds and the §4.9 dispatch/queue behavior, via prometheus/client_golang.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Registry bundles every counter the engine touches. Callers register it
// against their own *prometheus.Registry (or the default one) at startup.
type Registry struct {
	FramesDropped    *prometheus.CounterVec // label: reason
	StoreErrors      prometheus.Counter
	TxPermanentFails prometheus.Counter
	BackpressureDrop prometheus.Counter
	MessagesIngested *prometheus.CounterVec // label: outcome (inserted|duplicate)
	ReqFramesSent    prometheus.Counter
	SyncFramesSent   prometheus.Counter
	TxQueueDepth     prometheus.Gauge
}

// New constructs a Registry with namespace "rfmp". It does not register
// itself; call MustRegister to attach it to a prometheus.Registerer.
func New() *Registry {
	return &Registry{
		FramesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rfmp",
			Name:      "frames_dropped_total",
			Help:      "Frames dropped by classification reason (spec §7 FramingError/IdMismatch kinds).",
		}, []string{"reason"}),
		StoreErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "rfmp",
			Name:      "store_errors_total",
			Help:      "Failed RX dispatches, including failed message inserts; store operations are not retried.",
		}),
		TxPermanentFails: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "rfmp",
			Name:      "tx_permanent_failures_total",
			Help:      "Transmission queue entries dropped after exhausting retry attempts.",
		}),
		BackpressureDrop: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "rfmp",
			Name:      "backpressure_dropped_total",
			Help:      "submit_message calls rejected because the tx queue exceeded queue_high_water.",
		}),
		MessagesIngested: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rfmp",
			Name:      "messages_ingested_total",
			Help:      "MSG frames processed by ingest outcome.",
		}, []string{"outcome"}),
		ReqFramesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "rfmp",
			Name:      "req_frames_sent_total",
			Help:      "REQ frames enqueued by the sync engine.",
		}),
		SyncFramesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "rfmp",
			Name:      "sync_frames_sent_total",
			Help:      "SYNC frames enqueued by the sync engine.",
		}),
		TxQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "rfmp",
			Name:      "tx_queue_depth",
			Help:      "Current transmission queue depth.",
		}),
	}
}

// MustRegister attaches every collector in r to reg.
func (r *Registry) MustRegister(reg prometheus.Registerer) {
	reg.MustRegister(
		r.FramesDropped,
		r.StoreErrors,
		r.TxPermanentFails,
		r.BackpressureDrop,
		r.MessagesIngested,
		r.ReqFramesSent,
		r.SyncFramesSent,
		r.TxQueueDepth,
	)
}

// Package metrics exposes the daemon's Prometheus registry: an ambient
// concern carried across the rework even though spec.md's Non-goals
// exclude building a full observability product (spec.md says "not a
// monitoring/metrics product" — this is one `/metrics` endpoint and a
// handful of gauges/counters a real deployment would want wired to
// whatever scraper it already runs).
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Registry bundles the daemon's metrics. Callers construct one and
// pass it down to internal/daemon, internal/greylist and internal/sync
// so each updates its own instruments without importing this package's
// internals.
type Registry struct {
	ConnectionsActive prometheus.Gauge
	ConnectionsTotal  prometheus.Counter
	StutterBytes      prometheus.Counter
	GreyCount         prometheus.Gauge
	WhiteCount        prometheus.Gauge
	TrapCount         prometheus.Gauge
	ScanDuration      prometheus.Histogram
	SyncDropped       prometheus.Counter
}

// New registers and returns a Registry on reg. Pass
// prometheus.NewRegistry() for an isolated registry (eg in tests) or
// prometheus.DefaultRegisterer to expose via the default /metrics
// handler.
func New(reg prometheus.Registerer) *Registry {
	r := &Registry{
		ConnectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "greyd", Name: "connections_active",
			Help: "Number of SMTP connections currently open.",
		}),
		ConnectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "greyd", Name: "connections_total",
			Help: "Total SMTP connections accepted.",
		}),
		StutterBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "greyd", Name: "stutter_bytes_total",
			Help: "Total bytes written one-at-a-time to stuttered connections.",
		}),
		GreyCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "greyd", Name: "grey_entries",
			Help: "Current number of greylisted tuples.",
		}),
		WhiteCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "greyd", Name: "white_entries",
			Help: "Current number of whitelisted IPs.",
		}),
		TrapCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "greyd", Name: "trap_entries",
			Help: "Current number of trapped IPs.",
		}),
		ScanDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "greyd", Name: "scan_duration_seconds",
			Help:    "Duration of each store.Scan maintenance pass.",
			Buckets: prometheus.DefBuckets,
		}),
		SyncDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "greyd", Name: "sync_dropped_total",
			Help: "Sync datagrams dropped (bad HMAC, stale counter, malformed TLV).",
		}),
	}
	reg.MustRegister(
		r.ConnectionsActive, r.ConnectionsTotal, r.StutterBytes,
		r.GreyCount, r.WhiteCount, r.TrapCount, r.ScanDuration, r.SyncDropped,
	)
	return r
}

// Package metrics declares the process's prometheus vectors. Like the
// teacher's equivalent package, it's a flat list of package-level Vecs
// plus a Register() that's safe to call more than once; the core
// collector/session/store packages never import this package directly,
// they only return counts and durations that cmd/glassd records here.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	BGPSessionsActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "glassd_bgp_sessions_active",
			Help: "Currently established BGP sessions.",
		},
		[]string{"peer"},
	)

	BGPMessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "glassd_bgp_messages_total",
			Help: "BGP messages processed, by peer and message type.",
		},
		[]string{"peer", "type"},
	)

	BGPDecodeErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "glassd_bgp_decode_errors_total",
			Help: "BGP UPDATE decode failures by peer.",
		},
		[]string{"peer"},
	)

	BMPSessionsActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "glassd_bmp_sessions_active",
			Help: "Currently connected BMP-speaking routers.",
		},
		[]string{"router"},
	)

	BMPPeersActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "glassd_bmp_peers_active",
			Help: "Currently up BMP adj-RIB peers, by router.",
		},
		[]string{"router"},
	)

	BMPMessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "glassd_bmp_messages_total",
			Help: "BMP messages processed, by router and message type.",
		},
		[]string{"router", "type"},
	)

	RoutesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "glassd_routes_total",
			Help: "Routes currently retained, by table kind.",
		},
		[]string{"table"},
	)

	InternerEntries = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "glassd_interner_entries",
			Help: "Live entries in the attribute interner, by cache.",
		},
		[]string{"cache"},
	)

	InternerSweepDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "glassd_interner_sweep_duration_seconds",
			Help:    "Time taken to sweep expired interner entries.",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0},
		},
	)

	QueryDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "glassd_query_duration_seconds",
			Help:    "Looking-glass query latency by table query kind.",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 5.0},
		},
		[]string{"kind"},
	)

	QueryResultsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "glassd_query_results_total",
			Help: "Routes returned across all queries.",
		},
		[]string{"kind"},
	)
)

var registerOnce sync.Once

func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			BGPSessionsActive,
			BGPMessagesTotal,
			BGPDecodeErrorsTotal,
			BMPSessionsActive,
			BMPPeersActive,
			BMPMessagesTotal,
			RoutesTotal,
			InternerEntries,
			InternerSweepDuration,
			QueryDuration,
			QueryResultsTotal,
		)
	})
}

// Package metrics exposes Coinshift's operator-observability surface as
// Prometheus collectors: block-connect duration, swap counts by state,
// and L1 RPC call latency.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry bundles every collector Coinshift exports, registered
// against a dedicated prometheus.Registry rather than the global
// default so tests can construct independent instances.
type Registry struct {
	reg *prometheus.Registry

	BlockConnectDuration   *prometheus.HistogramVec
	BlockDisconnectTotal   prometheus.Counter
	SwapsByState           *prometheus.GaugeVec
	SwapCreatedTotal       prometheus.Counter
	SwapClaimedTotal       prometheus.Counter
	SwapCancelledTotal     prometheus.Counter
	L1RPCLatency           *prometheus.HistogramVec
	L1RPCErrorsTotal       *prometheus.CounterVec
	L1ObserverTickDuration prometheus.Histogram
	ReconstructionsTotal   prometheus.Counter
	RPCRequestsTotal       *prometheus.CounterVec
}

// New constructs a Registry with all collectors registered.
func New() *Registry {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Registry{
		reg: reg,

		BlockConnectDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "coinshift",
			Subsystem: "sidechain",
			Name:      "block_connect_duration_seconds",
			Help:      "Time spent connecting a sidechain block, by outcome.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"outcome"}),

		BlockDisconnectTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "coinshift",
			Subsystem: "sidechain",
			Name:      "block_disconnect_total",
			Help:      "Total number of sidechain blocks disconnected.",
		}),

		SwapsByState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "coinshift",
			Subsystem: "swap",
			Name:      "swaps_by_state",
			Help:      "Current count of swaps in each state.",
		}, []string{"state"}),

		SwapCreatedTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "coinshift",
			Subsystem: "swap",
			Name:      "created_total",
			Help:      "Total number of swaps created (SwapCreate connected).",
		}),

		SwapClaimedTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "coinshift",
			Subsystem: "swap",
			Name:      "claimed_total",
			Help:      "Total number of swaps claimed (SwapClaim connected).",
		}),

		SwapCancelledTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "coinshift",
			Subsystem: "swap",
			Name:      "cancelled_total",
			Help:      "Total number of swaps cancelled on expiry.",
		}),

		L1RPCLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "coinshift",
			Subsystem: "l1rpc",
			Name:      "call_duration_seconds",
			Help:      "L1 JSON-RPC call latency, by method.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method"}),

		L1RPCErrorsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "coinshift",
			Subsystem: "l1rpc",
			Name:      "errors_total",
			Help:      "L1 JSON-RPC call errors, by method.",
		}, []string{"method"}),

		L1ObserverTickDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "coinshift",
			Subsystem: "l1observer",
			Name:      "tick_duration_seconds",
			Help:      "Time spent in one L1 observer tick across all non-final swaps.",
			Buckets:   prometheus.DefBuckets,
		}),

		ReconstructionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "coinshift",
			Subsystem: "recovery",
			Name:      "reconstructions_total",
			Help:      "Total number of from-genesis swap-store reconstructions.",
		}),

		RPCRequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "coinshift",
			Subsystem: "rpc",
			Name:      "requests_total",
			Help:      "Total JSON-RPC requests handled, by method and outcome.",
		}, []string{"method", "outcome"}),
	}
}

// Gatherer exposes the underlying registry for promhttp.HandlerFor.
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.reg
}

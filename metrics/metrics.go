// Package metrics exposes Prometheus counters for the proposal engine and
// PT coordinator, an ambient observability concern carried regardless of
// spec.md's non-goals (those exclude GUIs/databases/real distributed
// coordination, not metrics). Grounded in the example pack's
// jhkimqd-chaos-utils and tclemos-pebble-bench, both of which instrument
// their hot loops with prometheus/client_golang.
package metrics

import (
	"net"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry bundles every counter and gauge the sampler touches per step.
type Registry struct {
	MovesProposed *prometheus.CounterVec
	MovesAccepted *prometheus.CounterVec
	SwapsProposed prometheus.Counter
	SwapsAccepted prometheus.Counter
	FlushCount    prometheus.Counter
	TreeSize      *prometheus.GaugeVec
	Likelihood    *prometheus.GaugeVec
}

// New registers a fresh set of collectors against reg. Pass
// prometheus.NewRegistry() in tests to avoid global-registry collisions
// across parallel test runs.
func New(reg prometheus.Registerer) *Registry {
	f := promauto.With(reg)
	return &Registry{
		MovesProposed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "tdinvert_moves_proposed_total",
			Help: "Proposals attempted, by move kind.",
		}, []string{"move"}),
		MovesAccepted: f.NewCounterVec(prometheus.CounterOpts{
			Name: "tdinvert_moves_accepted_total",
			Help: "Proposals accepted, by move kind.",
		}, []string{"move"}),
		SwapsProposed: f.NewCounter(prometheus.CounterOpts{
			Name: "tdinvert_pt_swaps_proposed_total",
			Help: "Parallel-tempering swaps proposed.",
		}),
		SwapsAccepted: f.NewCounter(prometheus.CounterOpts{
			Name: "tdinvert_pt_swaps_accepted_total",
			Help: "Parallel-tempering swaps accepted.",
		}),
		FlushCount: f.NewCounter(prometheus.CounterOpts{
			Name: "tdinvert_history_flush_total",
			Help: "Chain-history segment flushes.",
		}),
		TreeSize: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "tdinvert_tree_live_coefficients",
			Help: "Current live wavelet-coefficient count, by replica.",
		}, []string{"replica"}),
		Likelihood: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "tdinvert_negative_log_likelihood",
			Help: "Current cached negative log-likelihood, by replica.",
		}, []string{"replica"}),
	}
}

// Serve starts a /metrics HTTP endpoint on addr in its own goroutine. A
// bind failure is returned synchronously; errors the server returns after
// startup are discarded.
func Serve(addr string) (*http.Server, error) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	go func() {
		_ = srv.Serve(ln)
	}()
	return srv, nil
}

// Package metrics exposes prometheus collectors for the solve endpoints.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SolvesTotal counts solves by solver variant and result code.
	SolvesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "skein_solves_total",
		Help: "Number of solves by solver variant and result code.",
	}, []string{"variant", "result"})

	// SolveDuration observes wall-clock solve time per variant.
	SolveDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "skein_solve_duration_seconds",
		Help:    "Solve duration by solver variant.",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
	}, []string{"variant"})

	// LastObjective tracks the objective value of the last solve per variant.
	LastObjective = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "skein_last_objective_value",
		Help: "Objective value of the most recent solve by variant.",
	}, []string{"variant"})
)

// ObserveSolve records one finished solve.
func ObserveSolve(variant string, rc int, objective float64, elapsed time.Duration) {
	SolvesTotal.WithLabelValues(variant, strconv.Itoa(rc)).Inc()
	SolveDuration.WithLabelValues(variant).Observe(elapsed.Seconds())
	LastObjective.WithLabelValues(variant).Set(objective)
}

package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// PhaseTransitions counts entries into each round phase.
	PhaseTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "classroom",
		Name:      "phase_transitions_total",
		Help:      "Round phase transitions by target phase.",
	}, []string{"phase"})

	// Answers counts answer submissions by outcome kind.
	Answers = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "classroom",
		Name:      "answers_total",
		Help:      "Answer submissions by outcome.",
	}, []string{"result"})

	// StorePatchFailures counts patches dropped after the retry.
	StorePatchFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "classroom",
		Name:      "store_patch_failures_total",
		Help:      "Shared state patches dropped after retrying.",
	})

	// ActiveSessions tracks sessions held by this instance.
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "classroom",
		Name:      "active_sessions",
		Help:      "Sessions currently scheduled on this instance.",
	})
)

package controller

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	sessionsStarted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "dispenser",
		Name:      "sessions_started_total",
		Help:      "Number of monitoring sessions opened.",
	})

	sessionsFinalized = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dispenser",
		Name:      "sessions_finalized_total",
		Help:      "Number of session summaries written, by result code.",
	}, []string{"result"})

	stateTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dispenser",
		Name:      "state_transitions_total",
		Help:      "Number of workflow state transitions, by target state.",
	}, []string{"to"})

	dispenseResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dispenser",
		Name:      "dispense_events_total",
		Help:      "Number of dispense audit events, by result code.",
	}, []string{"result"})

	degradedAcks = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "dispenser",
		Name:      "degraded_acks_total",
		Help:      "Number of simulated acknowledgements returned by the transport fallback.",
	})
)

package main

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricCommandsReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lightsync_commands_received_total",
		Help: "Light commands delivered to the controller, by transport strategy.",
	}, []string{"strategy"})

	metricParseFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lightsync_parse_failures_total",
		Help: "Server messages dropped because they could not be decoded.",
	})

	metricFailovers = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lightsync_transport_failovers_total",
		Help: "Switches from the push channel to polling.",
	})

	metricPolls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lightsync_polls_total",
		Help: "Pull requests by endpoint and result.",
	}, []string{"endpoint", "result"})

	metricBeatsReported = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lightsync_beats_reported_total",
		Help: "Beat reports sent to the server, by result.",
	}, []string{"result"})

	metricConnState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "lightsync_connection_state",
		Help: "1 for the current transport connection state, 0 otherwise.",
	}, []string{"state"})
)

// setConnStateMetric flips the connection gauge to s.
func setConnStateMetric(s ConnState) {
	for _, st := range []ConnState{ConnConnecting, ConnLivePush, ConnLivePull, ConnDisconnected} {
		v := 0.0
		if st == s {
			v = 1
		}
		metricConnState.WithLabelValues(string(st)).Set(v)
	}
}

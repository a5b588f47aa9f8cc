package pool

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	sendsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pushpool_sends_total",
			Help: "Sends completed by a pool shard, by outcome.",
		},
		[]string{"pool", "shard", "outcome"},
	)
	sendDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pushpool_send_duration_seconds",
			Help:    "Time a shard spent on one send.",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"pool"},
	)
	inFlight = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pushpool_inflight_sends",
			Help: "Sends currently running on a pool's workers.",
		},
		[]string{"pool"},
	)
)

package collector

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	cyclesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lampwatch_cycles_total",
			Help: "Finished cycles by kind and result.",
		},
		[]string{"kind", "result"},
	)
	cycleDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "lampwatch_cycle_duration_seconds",
			Help:    "Wall time of a cycle by kind.",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 10),
		},
		[]string{"kind"},
	)
	devicesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lampwatch_device_fetches_total",
			Help: "Device fetches by result, after retries.",
		},
		[]string{"result"},
	)
	heartbeatsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lampwatch_heartbeats_total",
			Help: "UpdateStatus calls by result.",
		},
		[]string{"result"},
	)
)

func init() {
	prometheus.MustRegister(cyclesTotal, cycleDuration, devicesTotal, heartbeatsTotal)
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

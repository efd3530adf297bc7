package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	framesDecoded = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "hdlcrpc",
			Subsystem: "hdlc",
			Name:      "frames_total",
			Help:      "Decoded HDLC frames by status.",
		},
		[]string{"status"},
	)
	packetsDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "hdlcrpc",
			Subsystem: "client",
			Name:      "packets_dropped_total",
			Help:      "Inbound packets dropped by the client, by reason.",
		},
		[]string{"reason"},
	)
	callsCompleted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "hdlcrpc",
			Subsystem: "client",
			Name:      "calls_completed_total",
			Help:      "Finished calls by method type and outcome.",
		},
		[]string{"type", "outcome"},
	)
	callsPending = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "hdlcrpc",
			Subsystem: "client",
			Name:      "calls_pending",
			Help:      "Calls registered in pending-call tables.",
		},
	)
)

// Register adds the collectors to the default registry. It is safe to call
// more than once.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(framesDecoded, packetsDropped, callsCompleted, callsPending)
	})
}

func RecordFrame(status string) {
	framesDecoded.WithLabelValues(status).Inc()
}

func RecordDroppedPacket(reason string) {
	packetsDropped.WithLabelValues(reason).Inc()
}

func RecordCallCompleted(methodType, outcome string) {
	callsCompleted.WithLabelValues(methodType, outcome).Inc()
}

func CallStarted() {
	callsPending.Inc()
}

func CallFinished() {
	callsPending.Dec()
}

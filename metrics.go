package treenet

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds every treenet metric. It is separate from the prometheus
// default registry; serve it with MetricsHandler or MonitorOn.
var Registry = prometheus.NewRegistry()

var (
	factory = promauto.With(Registry)

	connsActive = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: "treenet",
		Name:      "connections_active",
		Help:      "Number of running connections",
	})

	packetsReceived = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "treenet",
		Name:      "packets_received_total",
		Help:      "Packets decoded from connections",
	}, []string{"packet_id"})

	packetsSent = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "treenet",
		Name:      "packets_sent_total",
		Help:      "Packets written to connections",
	}, []string{"packet_id"})

	decodeErrors = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "treenet",
		Name:      "decode_errors_total",
		Help:      "Read errors by kind",
	}, []string{"kind"})

	dispatchDuration = factory.NewHistogram(prometheus.HistogramOpts{
		Namespace: "treenet",
		Name:      "dispatch_duration_seconds",
		Help:      "Time spent notifying listeners of one packet",
		Buckets:   prometheus.DefBuckets,
	})
)

// Error kinds recorded by decode_errors_total.
const (
	errKindMalformed = "malformed"
	errKindDesync    = "desync"
)

// MetricsHandler serves Registry in the prometheus text format.
func MetricsHandler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// MonitorOn serves /metrics on port in the background.
func MonitorOn(port int) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", MetricsHandler())
	go func() {
		if err := http.ListenAndServe(fmt.Sprintf(":%d", port), mux); err != nil {
			logger.Errorf("metrics server: %v", err)
			return
		}
	}()
}

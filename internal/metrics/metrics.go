// Package metrics exposes pipeline counters over Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

var (
	PacketsReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "meshpipe_packets_received_total",
		Help: "Raw packets read from the device, by transport.",
	}, []string{"transport"})

	RowsDecoded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "meshpipe_rows_decoded_total",
		Help: "Rows produced by the decoder, by packet type.",
	}, []string{"type"})

	DecodeDegraded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "meshpipe_decode_degraded_total",
		Help: "Packets that fell back to a raw row.",
	})

	BatchesSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "meshpipe_batches_sent_total",
		Help: "Batches delivered to the sink, by flush reason.",
	}, []string{"reason"})

	RowsSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "meshpipe_rows_sent_total",
		Help: "Rows delivered to the sink.",
	})

	SendFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "meshpipe_send_failures_total",
		Help: "Batch sends that exhausted retries.",
	})

	SendDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "meshpipe_send_duration_seconds",
		Help:    "Sink write latency per batch.",
		Buckets: prometheus.DefBuckets,
	})

	BufferedRows = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "meshpipe_buffered_rows",
		Help: "Rows currently waiting in the batch buffer.",
	})

	ConnectionState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "meshpipe_connection_state",
		Help: "Device connection state as an enum ordinal.",
	})

	Reconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "meshpipe_reconnects_total",
		Help: "Device reconnect attempts.",
	})
)

// Serve starts the /metrics listener when addr is non-empty. Errors are
// logged, never fatal: metrics are ambient, ingestion is the job.
func Serve(addr string, log zerolog.Logger) {
	if addr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		log.Info().Str("addr", addr).Msg("metrics listener up")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("metrics listener failed")
		}
	}()
}

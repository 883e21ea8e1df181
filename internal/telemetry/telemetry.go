// Package telemetry exposes the pipeline's atomic statistics counters
// (spec.md §5, §6 get_statistics) as Prometheus metrics, served on a
// small net/http server. Grounded on the Prometheus client usage found
// in other_examples/rustyguts-bken and other_examples/iamprashant-voice-ai
// (both register client_golang collectors behind a /metrics handler);
// prism itself carries no metrics surface, so this component is wired
// entirely from the rest of the retrieved pack rather than the teacher.
package telemetry

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector wraps the named gauges/counters a running pipeline reports.
type Collector struct {
	log *slog.Logger

	VideoFramesCaptured     prometheus.Counter
	VideoPacketsEncoded     prometheus.Counter
	AudioPacketsEncoded     prometheus.Counter
	VideoPacketsDropped     prometheus.Counter
	AudioPacketsDroppedByQ  prometheus.Counter
	PacketsSent             prometheus.Counter
	BytesSent               prometheus.Counter
	QueueLatencyMs          prometheus.Gauge
	Backpressure            prometheus.Gauge
	Connected               prometheus.Gauge
}

// New registers and returns a Collector on a fresh registry.
func New() (*Collector, *prometheus.Registry) {
	reg := prometheus.NewRegistry()
	c := &Collector{
		log: slog.With("component", "telemetry"),
		VideoFramesCaptured: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "deskstream_video_frames_captured_total",
			Help: "Video frames submitted by the capture collaborator.",
		}),
		VideoPacketsEncoded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "deskstream_video_packets_encoded_total",
			Help: "Video packets produced by the encoder adapter.",
		}),
		AudioPacketsEncoded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "deskstream_audio_packets_encoded_total",
			Help: "Audio packets produced by the encoder adapter.",
		}),
		VideoPacketsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "deskstream_video_packets_dropped_total",
			Help: "Video packets dropped by backpressure or queue-full eviction.",
		}),
		AudioPacketsDroppedByQ: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "deskstream_audio_packets_dropped_total",
			Help: "Audio packets dropped by PacketQueue (spec invariant: always zero).",
		}),
		PacketsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "deskstream_packets_sent_total",
			Help: "Packets written through the transport by the Sender.",
		}),
		BytesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "deskstream_bytes_sent_total",
			Help: "Bytes written through the transport by the Sender.",
		}),
		QueueLatencyMs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "deskstream_queue_latency_ms",
			Help: "Current PacketQueue head-to-tail DTS span in milliseconds.",
		}),
		Backpressure: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "deskstream_backpressure",
			Help: "1 when the PacketQueue is rejecting video non-keyframes, else 0.",
		}),
		Connected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "deskstream_connected",
			Help: "1 when the stream transport is connected, else 0.",
		}),
	}
	reg.MustRegister(
		c.VideoFramesCaptured, c.VideoPacketsEncoded, c.AudioPacketsEncoded,
		c.VideoPacketsDropped, c.AudioPacketsDroppedByQ, c.PacketsSent, c.BytesSent,
		c.QueueLatencyMs, c.Backpressure, c.Connected,
	)
	return c, reg
}

// Serve runs a /metrics HTTP server until ctx is canceled.
func Serve(ctx context.Context, addr string, reg *prometheus.Registry) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		return srv.Close()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

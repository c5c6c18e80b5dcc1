package stream

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Exporter holds the Prometheus metrics for one stagecast instance.
// Counters advance on RTMP lifecycle events; gauges are refreshed from
// a manager snapshot before each scrape.
type Exporter struct {
	registry *prometheus.Registry

	publishesTotal   prometheus.Counter
	playsTotal       prometheus.Counter
	disconnectsTotal prometheus.Counter

	live            prometheus.Gauge
	viewers         prometheus.Gauge
	previewClients  prometheus.Gauge
	framesRendered  prometheus.Gauge
	framesDropped   prometheus.Gauge
	encoderFPS      prometheus.Gauge
	encoderBitrate  prometheus.Gauge
	encoderRestarts prometheus.Gauge
	queueDepth      prometheus.Gauge
}

// NewExporter creates and registers the stagecast metrics on a private
// registry.
func NewExporter() *Exporter {
	registry := prometheus.NewRegistry()

	e := &Exporter{
		registry: registry,
		publishesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stagecast_rtmp_publishes_total",
			Help: "Total number of external RTMP publishes started",
		}),
		playsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stagecast_rtmp_plays_total",
			Help: "Total number of RTMP play sessions started",
		}),
		disconnectsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stagecast_rtmp_disconnects_total",
			Help: "Total number of RTMP sessions closed",
		}),
		live: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "stagecast_live",
			Help: "Whether the production pipeline is live (1) or offline (0)",
		}),
		viewers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "stagecast_viewers",
			Help: "Current viewer count across RTMP players and preview clients",
		}),
		previewClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "stagecast_preview_clients",
			Help: "Connected preview websocket clients",
		}),
		framesRendered: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "stagecast_frames_rendered_total",
			Help: "Frames rendered since the current session started",
		}),
		framesDropped: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "stagecast_frames_dropped_total",
			Help: "Frames dropped since the current session started",
		}),
		encoderFPS: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "stagecast_encoder_fps",
			Help: "Encoder throughput over the last second",
		}),
		encoderBitrate: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "stagecast_encoder_bitrate_kbps",
			Help: "Raw bytes fed to the encoder over the last second",
		}),
		encoderRestarts: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "stagecast_encoder_restarts",
			Help: "Encoder process restarts in the current session",
		}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "stagecast_pipeline_queue_depth",
			Help: "Frames waiting in the pipeline queue",
		}),
	}

	registry.MustRegister(
		e.publishesTotal,
		e.playsTotal,
		e.disconnectsTotal,
		e.live,
		e.viewers,
		e.previewClients,
		e.framesRendered,
		e.framesDropped,
		e.encoderFPS,
		e.encoderBitrate,
		e.encoderRestarts,
		e.queueDepth,
	)
	return e
}

// IncPublishes counts one external publish start.
func (e *Exporter) IncPublishes() { e.publishesTotal.Inc() }

// IncPlays counts one play session start.
func (e *Exporter) IncPlays() { e.playsTotal.Inc() }

// IncDisconnects counts one closed session.
func (e *Exporter) IncDisconnects() { e.disconnectsTotal.Inc() }

// SetSnapshot refreshes all gauges from a manager snapshot.
func (e *Exporter) SetSnapshot(s Snapshot) {
	if s.Live {
		e.live.Set(1)
	} else {
		e.live.Set(0)
	}
	e.viewers.Set(float64(s.Viewers))
	e.previewClients.Set(float64(s.PreviewClients))
	e.framesRendered.Set(float64(s.FramesRendered))
	e.framesDropped.Set(float64(s.FramesDropped))
	e.encoderFPS.Set(s.EncoderFPS)
	e.encoderBitrate.Set(s.EncoderBitrateKbps)
	e.encoderRestarts.Set(float64(s.EncoderRestarts))
	e.queueDepth.Set(float64(s.QueueDepth))
}

// Handler serves the metrics endpoint. updateGauges runs before each
// scrape to refresh gauge values.
func (e *Exporter) Handler(updateGauges func()) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if updateGauges != nil {
			updateGauges()
		}
		promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
	})
}

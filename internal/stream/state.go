package stream

import (
	"time"

	"github.com/stagecast/stagecast/internal/preview"
)

// Snapshot aggregates the production metrics of one manager into a
// single point-in-time view.
type Snapshot struct {
	Live               bool      `json:"live"`
	Viewers            int       `json:"viewers"`
	PreviewClients     int       `json:"previewClients"`
	FramesRendered     int64     `json:"framesRendered"`
	FramesDropped      int64     `json:"framesDropped"`
	EncoderFPS         float64   `json:"encoderFps"`
	EncoderBitrateKbps float64   `json:"encoderBitrateKbps"`
	EncoderRestarts    int       `json:"encoderRestarts"`
	QueueDepth         int       `json:"queueDepth"`
	RestartCycles      int       `json:"restartCycles"`
	At                 time.Time `json:"at"`
}

// StateSink receives stream-state snapshots whenever the manager's
// externally visible state changes or on its periodic publish.
type StateSink interface {
	PublishState(s Snapshot)
}

// PreviewSink broadcasts state snapshots to all preview clients,
// piggybacked on their frame batches.
type PreviewSink struct {
	D *preview.Distributor
}

func (p PreviewSink) PublishState(s Snapshot) {
	p.D.BroadcastState(s)
}

// nopSink discards snapshots.
type nopSink struct{}

func (nopSink) PublishState(Snapshot) {}

package rtmp

import "time"

// EventType identifies a connection lifecycle event.
type EventType int

const (
	EventConnect EventType = iota
	EventDisconnect
	EventPublishStart
	EventPublishStop
	EventPlayStart
	EventPlayStop
)

func (t EventType) String() string {
	switch t {
	case EventConnect:
		return "connect"
	case EventDisconnect:
		return "disconnect"
	case EventPublishStart:
		return "publish-start"
	case EventPublishStop:
		return "publish-stop"
	case EventPlayStart:
		return "play-start"
	case EventPlayStop:
		return "play-stop"
	default:
		return "unknown"
	}
}

// Connection roles reported in events and stream snapshots.
const (
	RolePending   = "pending"
	RolePublisher = "publisher"
	RolePlayer    = "player"
)

// Event describes one lifecycle transition. Events carry observability
// data only; registries remain the authoritative state.
type Event struct {
	Type       EventType
	ConnID     string
	Role       string
	Path       string
	RemoteAddr string
	Duration   time.Duration // set on stop/disconnect events
	At         time.Time
}

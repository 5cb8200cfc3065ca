package stream

import (
	"github.com/sakif/coderunner/internal/executor"
)

// EventType tags one stream event.
type EventType string

const (
	EventConnected EventType = "connected"
	EventStatus    EventType = "status"
	EventStdout    EventType = "stdout"
	EventStderr    EventType = "stderr"
	EventExitCode  EventType = "exitCode"
	EventDone      EventType = "done"
	EventError     EventType = "error"
)

// Event is one frame pushed to the client. Timestamp is milliseconds since the
// epoch and is advisory; emission order is authoritative.
//
// Data is a pointer so that an empty stdout snapshot is still sent as "".
type Event struct {
	Type        EventType       `json:"type"`
	ExecutionID string          `json:"executionId,omitempty"`
	Status      executor.Status `json:"status,omitempty"`
	Data        *string         `json:"data,omitempty"`
	ExitCode    *int            `json:"exitCode,omitempty"`
	Error       string          `json:"error,omitempty"`
	Timestamp   int64           `json:"timestamp"`
}

// EventWriter is the transport side of a stream. Implementations need not be
// safe for concurrent use: the bridge calls them from one goroutine.
type EventWriter interface {
	WriteEvent(ev Event) error
	// WriteKeepAlive sends a frame that carries no event, only to keep
	// intermediaries from timing out an idle connection.
	WriteKeepAlive() error
}

// Package sync implements the push/pull reconciliation engine that keeps
// the local store eventually consistent with the central server.
package sync

import "time"

// Event types published on the engine's progress stream.
const (
	EventSyncStarted   = "sync.started"
	EventSyncProgress  = "sync.progress"
	EventSyncCompleted = "sync.completed"
	EventSyncFailed    = "sync.failed"
)

// Event is one progress notification from a sync run.
type Event struct {
	Type      string                 `json:"type"`
	Message   string                 `json:"message"`
	Data      map[string]interface{} `json:"data,omitempty"`
	Timestamp int64                  `json:"timestamp"`
}

func (e *Engine) emit(eventType, message string, data map[string]interface{}) {
	if e.events == nil {
		return
	}
	ev := Event{
		Type:      eventType,
		Message:   message,
		Data:      data,
		Timestamp: time.Now().UnixMilli(),
	}
	// A slow consumer must never stall the pipeline; drop instead.
	select {
	case e.events <- ev:
	default:
	}
}

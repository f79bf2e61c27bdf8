package upload

import "time"

// EventKind identifies what happened to a task.
type EventKind string

const (
	EventStarted   EventKind = "started"
	EventProgress  EventKind = "progress"
	EventRetrying  EventKind = "retrying"
	EventCompleted EventKind = "completed"
	EventFailed    EventKind = "failed"
	EventCancelled EventKind = "cancelled"
)

// Event is delivered to listeners as tasks advance. Listeners run on the
// worker goroutine and must not block.
type Event struct {
	Kind      EventKind
	AssetID   string
	Attempt   int
	Fraction  float64
	RemoteKey string
	Delay     time.Duration
	Err       error
}

// Listener observes queue events.
type Listener func(Event)

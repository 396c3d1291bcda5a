package pipe

import "time"

// DefaultEventLogSize bounds the event buffer. The log assumes a single
// consumer and deletes events once drained, so an unbounded producer
// with a stalled consumer caps out here and sheds the oldest events.
const DefaultEventLogSize = 9000

// Event types emitted by a Pipe.
const (
	EventBuffer  = "buffer"  // value: queue occupancy in bytes after the change
	EventDeliver = "deliver" // value: packet size in bytes
	EventDrop    = "drop"    // value: packet size in bytes
	EventLatency = "latency" // value: attempt-to-delivery latency in seconds
)

// Event is one telemetry record. IDs increase strictly in emit order.
type Event struct {
	ID    int64   `json:"id"`
	Time  float64 `json:"time"` // unix seconds
	Pipe  string  `json:"pipe"`
	Type  string  `json:"type"`
	Value float64 `json:"value"`
}

// EventLog is a bounded, drain-on-read event buffer. All access happens
// on the scheduler context.
type EventLog struct {
	maxSize int
	nextID  int64
	events  []Event
}

// NewEventLog creates a log bounded to maxSize events; a non-positive
// maxSize selects DefaultEventLogSize.
func NewEventLog(maxSize int) *EventLog {
	if maxSize <= 0 {
		maxSize = DefaultEventLogSize
	}
	return &EventLog{maxSize: maxSize, nextID: 1}
}

// Add appends an event, dropping from the head once the bound is hit.
func (l *EventLog) Add(t time.Time, pipeName, eventType string, value float64) {
	l.events = append(l.events, Event{
		ID:    l.nextID,
		Time:  unixSeconds(t),
		Pipe:  pipeName,
		Type:  eventType,
		Value: value,
	})
	l.nextID++

	if len(l.events) > l.maxSize {
		trimmed := make([]Event, l.maxSize)
		copy(trimmed, l.events[len(l.events)-l.maxSize:])
		l.events = trimmed
	}
}

// GetPending returns the buffered events and empties the log. The
// result is never nil.
func (l *EventLog) GetPending() []Event {
	events := l.events
	l.events = nil
	if events == nil {
		events = []Event{}
	}
	return events
}

// Len returns the number of buffered events.
func (l *EventLog) Len() int { return len(l.events) }

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}

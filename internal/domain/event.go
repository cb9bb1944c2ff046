package domain

import "time"

// EventDef is the immutable definition of an event.
type EventDef struct {
	Name   string
	Fields []string
	// Command optionally names the command producing this event.
	Command string
}

// Event is an event instance produced by a successful command.
type Event struct {
	Name     string                 `json:"name"`
	Data     Params                 `json:"data"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// Get returns an event field value, or nil.
func (e Event) Get(field string) interface{} {
	return e.Data.Value(field)
}

// RecordedEvent is an event as stored in a journal, with its position in
// the aggregate stream.
type RecordedEvent struct {
	AggregateType string    `json:"aggregate_type"`
	AggregateID   string    `json:"aggregate_id"`
	Version       int64     `json:"version"`
	Event         Event     `json:"event"`
	RecordedAt    time.Time `json:"recorded_at"`
}

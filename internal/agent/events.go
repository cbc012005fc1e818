package agent

import (
	"time"
)

// EventType enumerates the streaming event kinds emitted during an
// investigation, in the order a consumer may observe them.
type EventType string

const (
	EventThinking   EventType = "thinking"
	EventToolCall   EventType = "tool_call"
	EventToolResult EventType = "tool_result"
	EventAnswer     EventType = "answer"
	EventDone       EventType = "done"
	EventError      EventType = "error"
)

// Event is one streamed observation of investigation progress. Every
// tool_result follows its tool_call; answer, done, and error are terminal
// for their investigation.
type Event struct {
	Type      EventType `json:"type"`
	Hop       int       `json:"hop,omitempty"`
	Tool      string    `json:"tool,omitempty"`
	Arguments string    `json:"arguments,omitempty"`
	Content   string    `json:"content,omitempty"`
	State     State     `json:"state,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// EmitFunc receives events as they occur. A nil EmitFunc disables streaming.
// Implementations must not block for long: events are emitted synchronously
// from the hop loop.
type EmitFunc func(Event)

func (f EmitFunc) emit(ev Event) {
	if f == nil {
		return
	}
	ev.Timestamp = time.Now().UTC()
	f(ev)
}

package testutil

import (
	"github.com/calder-labs/stagecoach/core"
)

// EventLogBuilder provides a fluent helper for constructing plausible event
// streams in tests. Example:
//
//	events := NewEventLogBuilder("exec-1").
//		Node("s1:planning", "planning").Token("s1:planning", "thinking").
//		EndNode("s1:planning").Complete().Build()
//
// Chain only the parts you need.
type EventLogBuilder struct {
	executionID string
	events      []core.Event
}

// NewEventLogBuilder creates a builder for one execution's stream.
func NewEventLogBuilder(executionID string) *EventLogBuilder {
	return &EventLogBuilder{executionID: executionID}
}

// Node appends a node_start event (chainable).
func (b *EventLogBuilder) Node(nodeID, name string) *EventLogBuilder {
	b.events = append(b.events, core.NewNodeStartEvent(b.executionID, nodeID, name))
	return b
}

// ChildSession appends a session_start event announcing a delegated session
// nested under parentID (chainable).
func (b *EventLogBuilder) ChildSession(sessionID, name, parentID string) *EventLogBuilder {
	b.events = append(b.events, core.NewSessionStartEvent(b.executionID, sessionID, name, sessionID, parentID))
	return b
}

// Token appends a token event carrying streamed text (chainable).
func (b *EventLogBuilder) Token(nodeID, content string) *EventLogBuilder {
	b.events = append(b.events, core.NewTokenEvent(b.executionID, nodeID, content))
	return b
}

// EndNode appends a completed node_end event (chainable).
func (b *EventLogBuilder) EndNode(nodeID string) *EventLogBuilder {
	b.events = append(b.events, core.NewNodeEndEvent(b.executionID, nodeID, core.NodeStatusCompleted, ""))
	return b
}

// FailNode appends a failed node_end event with an error message (chainable).
func (b *EventLogBuilder) FailNode(nodeID, errMsg string) *EventLogBuilder {
	b.events = append(b.events, core.NewNodeEndEvent(b.executionID, nodeID, core.NodeStatusFailed, errMsg))
	return b
}

// Iteration appends an iteration marker event (chainable).
func (b *EventLogBuilder) Iteration(current, max int) *EventLogBuilder {
	b.events = append(b.events, core.NewIterationEvent(b.executionID, current, max))
	return b
}

// Error appends an execution-level error event (chainable).
func (b *EventLogBuilder) Error(msg string) *EventLogBuilder {
	b.events = append(b.events, core.NewErrorEvent(b.executionID, msg))
	return b
}

// Complete appends the terminating response_complete event (chainable).
func (b *EventLogBuilder) Complete() *EventLogBuilder {
	b.events = append(b.events, core.NewResponseCompleteEvent(b.executionID))
	return b
}

// Event appends an arbitrary event (chainable).
func (b *EventLogBuilder) Event(ev core.Event) *EventLogBuilder {
	b.events = append(b.events, ev)
	return b
}

// Build returns the accumulated event log.
func (b *EventLogBuilder) Build() []core.Event {
	return append([]core.Event{}, b.events...)
}

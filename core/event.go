package core

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// EventType discriminates the stream event union. The set is closed; consumers
// must tolerate unknown values arriving from newer producers by ignoring them.
type EventType string

const (
	// EventNodeStart opens a visible unit of work identified by NodeID.
	EventNodeStart EventType = "node_start"
	// EventToken carries incremental content for an open node (or, when the
	// node belongs to the terminal set, final-answer content).
	EventToken EventType = "token"
	// EventNodeEnd closes a node. It is strictly terminal for its NodeID.
	EventNodeEnd EventType = "node_end"
	// EventImage attaches an image to the response's media list.
	EventImage EventType = "image"
	// EventVideo attaches a video to the response's media list.
	EventVideo EventType = "video"
	// EventError reports a producer-side error tied to the execution.
	EventError EventType = "error"
	// EventResponseComplete marks the logical end of a response.
	EventResponseComplete EventType = "response_complete"
)

// Node end statuses carried in Data[DataKeyStatus].
const (
	NodeStatusCompleted = "completed"
	NodeStatusFailed    = "failed"
)

// Well-known keys for the structured Data payload.
const (
	DataKeyStatus    = "status"
	DataKeySessionID = "session_id"
	DataKeyParentID  = "parent_session_id"
	DataKeyAgentID   = "agent_id"
	DataKeyError     = "error"
	DataKeyCurrent   = "current"
	DataKeyMax       = "max"
	DataKeyURL       = "url"
)

// IterationNodePrefix marks loop-iteration bookkeeping nodes. Events with this
// prefix carry current/max counters only: they never receive token content and
// never become visible steps on the consumer side.
const IterationNodePrefix = "iteration-"

// Event is the append-only unit of the streaming protocol. After emission it
// must be treated as immutable. For a given NodeID within an execution, at
// most one node_start occurs, zero or more token events follow, and exactly
// one node_end is terminal.
type Event struct {
	ID          string         `json:"id"`
	Type        EventType      `json:"event_type"`
	ExecutionID string         `json:"execution_id"`
	NodeID      string         `json:"node_id,omitempty"`
	NodeName    string         `json:"node_name,omitempty"`
	Content     string         `json:"content,omitempty"`
	Data        map[string]any `json:"data,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
}

// NewID generates a unique identifier for events, sessions and tool calls.
func NewID() string { return uuid.NewString() }

func newEvent(t EventType, executionID string) Event {
	return Event{
		ID:          NewID(),
		Type:        t,
		ExecutionID: executionID,
		Timestamp:   time.Now().UTC(),
	}
}

// NewNodeStartEvent opens the node identified by nodeID.
func NewNodeStartEvent(executionID, nodeID, nodeName string) Event {
	e := newEvent(EventNodeStart, executionID)
	e.NodeID = nodeID
	e.NodeName = nodeName
	return e
}

// NewSessionStartEvent opens a node that simultaneously registers a delegated
// child session under parentID. Consumers nest all subsequent steps of
// sessionID beneath the step created here.
func NewSessionStartEvent(executionID, nodeID, nodeName, sessionID, parentID string) Event {
	e := NewNodeStartEvent(executionID, nodeID, nodeName)
	e.Data = map[string]any{
		DataKeySessionID: sessionID,
		DataKeyParentID:  parentID,
	}
	return e
}

// NewTokenEvent appends content to the node's buffer. An empty nodeID routes
// the content to the overall response (final-answer text).
func NewTokenEvent(executionID, nodeID, content string) Event {
	e := newEvent(EventToken, executionID)
	e.NodeID = nodeID
	e.Content = content
	return e
}

// NewNodeEndEvent closes a node with the given status. A non-empty errMsg is
// attached under Data["error"].
func NewNodeEndEvent(executionID, nodeID, status, errMsg string) Event {
	e := newEvent(EventNodeEnd, executionID)
	e.NodeID = nodeID
	e.Data = map[string]any{DataKeyStatus: status}
	if errMsg != "" {
		e.Data[DataKeyError] = errMsg
	}
	return e
}

// NewIterationEvent emits loop bookkeeping for a bounded tool-call loop.
func NewIterationEvent(executionID string, current, max int) Event {
	e := newEvent(EventNodeStart, executionID)
	e.NodeID = fmt.Sprintf("%s%d", IterationNodePrefix, current)
	e.Data = map[string]any{DataKeyCurrent: current, DataKeyMax: max}
	return e
}

// NewMediaEvent attaches an image or video URL to the response.
func NewMediaEvent(t EventType, executionID, url string) Event {
	e := newEvent(t, executionID)
	e.Data = map[string]any{DataKeyURL: url}
	return e
}

// NewErrorEvent reports a producer-side error.
func NewErrorEvent(executionID, msg string) Event {
	e := newEvent(EventError, executionID)
	e.Content = msg
	return e
}

// NewResponseCompleteEvent marks the logical end of a response.
func NewResponseCompleteEvent(executionID string) Event {
	return newEvent(EventResponseComplete, executionID)
}

// IsIterationMarker reports whether the event's NodeID follows the
// loop-iteration naming convention.
func (e Event) IsIterationMarker() bool {
	return strings.HasPrefix(e.NodeID, IterationNodePrefix)
}

// SessionID returns the child session id carried by a session-start event,
// or "" when the event does not register a session.
func (e Event) SessionID() string {
	if e.Data == nil {
		return ""
	}
	if v, ok := e.Data[DataKeySessionID].(string); ok {
		return v
	}
	return ""
}

// ParentSessionID returns the parent session id carried by a session-start
// event, or "" when absent.
func (e Event) ParentSessionID() string {
	if e.Data == nil {
		return ""
	}
	if v, ok := e.Data[DataKeyParentID].(string); ok {
		return v
	}
	return ""
}

// Status returns the node_end status, defaulting to completed when absent.
func (e Event) Status() string {
	if e.Data != nil {
		if v, ok := e.Data[DataKeyStatus].(string); ok {
			return v
		}
	}
	return NodeStatusCompleted
}

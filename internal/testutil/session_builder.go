package testutil

import (
	"github.com/calder-labs/stagecoach/core"
)

// SessionBuilder helps construct sessions with fluent chaining for tests.
// Example:
//
//	sess := NewSessionBuilder("sess-1").Agent("automation").User("run it").Build()
type SessionBuilder struct {
	id       string
	parentID string
	agentID  string
	state    string
	messages []core.Message
}

// NewSessionBuilder creates a new builder for a session with the given id.
// Use chainable methods then call Build.
func NewSessionBuilder(id string) *SessionBuilder {
	return &SessionBuilder{id: id}
}

// Parent sets the parent session id for a delegated session (chainable).
func (b *SessionBuilder) Parent(id string) *SessionBuilder { b.parentID = id; return b }

// Agent sets the agent the session runs for (chainable).
func (b *SessionBuilder) Agent(id string) *SessionBuilder { b.agentID = id; return b }

// State sets the pipeline state the session starts in (chainable).
func (b *SessionBuilder) State(state string) *SessionBuilder { b.state = state; return b }

// User appends a user text message to the transcript (chainable).
func (b *SessionBuilder) User(text string) *SessionBuilder {
	b.messages = append(b.messages, core.NewTextMessage(core.RoleUser, text))
	return b
}

// Assistant appends an assistant text message to the transcript (chainable).
func (b *SessionBuilder) Assistant(text string) *SessionBuilder {
	b.messages = append(b.messages, core.NewTextMessage(core.RoleAssistant, text))
	return b
}

// Message appends an arbitrary message to the transcript (chainable).
func (b *SessionBuilder) Message(m core.Message) *SessionBuilder {
	b.messages = append(b.messages, m)
	return b
}

// Build returns a *core.Session with the transcript pre-populated.
func (b *SessionBuilder) Build() *core.Session {
	s := core.NewSession(b.id, b.parentID, b.agentID)
	if b.state != "" {
		s.SetState(b.state)
	}
	for _, m := range b.messages {
		s.AppendMessage(m)
	}
	return s
}

package core

import (
	"fmt"
	"sync"
	"time"
)

// Session is one run of the pipeline state machine, root or delegated. A
// delegated session holds a non-owning back-reference to its parent id; the
// full set of sessions forms a forest kept by Registry.
type Session struct {
	ID       string    `json:"id"`
	ParentID string    `json:"parent_id,omitempty"`
	AgentID  string    `json:"agent_id"`
	State    string    `json:"state"`
	Created  time.Time `json:"created"`
	Updated  time.Time `json:"updated"`

	// Attempt counters, maintained by the pipeline executor.
	ToolIterations int `json:"tool_iterations"`
	ExecRetries    int `json:"exec_retries"`

	terminal   bool
	transcript []Message
	mu         sync.RWMutex
}

// NewSession creates a session bound to an agent. parentID is empty for roots.
func NewSession(id, parentID, agentID string) *Session {
	now := time.Now().UTC()
	return &Session{ID: id, ParentID: parentID, AgentID: agentID, Created: now, Updated: now}
}

// SetState records the current pipeline state label.
func (s *Session) SetState(state string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.State = state
	s.Updated = time.Now().UTC()
}

// MarkTerminal flags the session as finished (DONE or FAILED).
func (s *Session) MarkTerminal(state string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.State = state
	s.terminal = true
	s.Updated = time.Now().UTC()
}

// Terminal reports whether the session reached a terminal state.
func (s *Session) Terminal() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.terminal
}

// AppendMessage adds a message to the session transcript.
func (s *Session) AppendMessage(m Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transcript = append(s.transcript, m)
	s.Updated = time.Now().UTC()
}

// Transcript returns a defensive copy of the conversational history, filtered
// to user/assistant/tool roles.
func (s *Session) Transcript() []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	allowed := map[string]bool{RoleUser: true, RoleAssistant: true, RoleTool: true}
	out := make([]Message, 0, len(s.transcript))
	for _, m := range s.transcript {
		if allowed[m.Role] {
			out = append(out, m)
		}
	}
	return out
}

// IncrementToolIterations bumps the tool loop counter and returns the new value.
func (s *Session) IncrementToolIterations() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ToolIterations++
	return s.ToolIterations
}

// IncrementExecRetries bumps the error-handling retry counter and returns the
// new value.
func (s *Session) IncrementExecRetries() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ExecRetries++
	return s.ExecRetries
}

// Registry is an arena of session records keyed by id. Children are ordered by
// arrival; lookups go by id rather than relying on emission order. It is safe
// for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	children map[string][]string
	roots    []string
}

// NewRegistry constructs an empty session registry.
func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
		children: make(map[string][]string),
	}
}

// Register adds a session exactly once. A session with a parent must reference
// an already-registered parent so the forest stays cycle-free.
func (r *Registry) Register(s *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.sessions[s.ID]; exists {
		return fmt.Errorf("session %s already registered", s.ID)
	}
	if s.ParentID != "" {
		if _, ok := r.sessions[s.ParentID]; !ok {
			return fmt.Errorf("parent session %s not registered", s.ParentID)
		}
		r.children[s.ParentID] = append(r.children[s.ParentID], s.ID)
	} else {
		r.roots = append(r.roots, s.ID)
	}
	r.sessions[s.ID] = s
	return nil
}

// Get returns the session for id.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// ChildrenOf returns the ids of direct children in arrival order.
func (r *Registry) ChildrenOf(id string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.children[id]))
	copy(out, r.children[id])
	return out
}

// Roots returns the root session ids in arrival order.
func (r *Registry) Roots() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.roots))
	copy(out, r.roots)
	return out
}

package core

import "strings"

// Message roles used throughout the provider-facing message sequence.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Part represents a polymorphic segment of role-based content. Concrete part
// types implement the unexported isPart marker enabling a closed set.
type Part interface{ isPart() }

// TextPart is a plain text content segment.
type TextPart struct {
	Text string
}

func (TextPart) isPart() {}

// ToolCallPart wraps a normalized tool-call request as a content part.
type ToolCallPart struct {
	Call ToolCallRequest
}

func (ToolCallPart) isPart() {}

// ToolResultPart wraps a tool-call result (paired with its originating
// request) as a content part.
type ToolResultPart struct {
	Call   ToolCallRequest
	Result ToolCallResult
}

func (ToolResultPart) isPart() {}

// Message holds a role plus ordered heterogeneous parts. The message sequence
// handed to a provider is append-only: conventions add messages, never rewrite
// earlier ones.
type Message struct {
	Role  string `json:"role"`
	Parts []Part `json:"parts"`
}

// NewTextMessage builds a single-part text message.
func NewTextMessage(role, text string) Message {
	return Message{Role: role, Parts: []Part{TextPart{Text: text}}}
}

// Text concatenates all text parts preserving order.
func (m Message) Text() string {
	var b strings.Builder
	for _, p := range m.Parts {
		if tp, ok := p.(TextPart); ok {
			b.WriteString(tp.Text)
		}
	}
	return b.String()
}

// ToolCalls returns any tool-call parts preserving their original order.
func (m Message) ToolCalls() []ToolCallRequest {
	var calls []ToolCallRequest
	for _, p := range m.Parts {
		if tc, ok := p.(ToolCallPart); ok {
			calls = append(calls, tc.Call)
		}
	}
	return calls
}

// ToolResults returns any tool-result parts preserving their original order.
func (m Message) ToolResults() []ToolResultPart {
	var results []ToolResultPart
	for _, p := range m.Parts {
		if tr, ok := p.(ToolResultPart); ok {
			results = append(results, tr)
		}
	}
	return results
}

// Package model defines the normalized contract between the pipeline and
// model-inference providers: a request of role-based messages plus tool
// definitions, answered by streamed responses carrying text and/or normalized
// tool-call requests. Provider adapters (anthropic, openai) translate this
// contract into their vendor wire formats.
package model

import (
	"context"
	"fmt"

	"github.com/calder-labs/stagecoach/core"
)

// ToolDefinition declaratively exposes a callable function to the model.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"` // JSON Schema
}

// Request captures the normalized model input produced by the pipeline.
type Request struct {
	Instructions string           `json:"instructions"`
	Messages     []core.Message   `json:"messages"`
	Tools        []ToolDefinition `json:"tools,omitempty"`
	Stream       bool             `json:"stream,omitempty"`
}

// Response is a (partial or final) chunk emitted by a provider.
type Response struct {
	Partial      bool                   `json:"partial"`
	Text         string                 `json:"text,omitempty"`
	ToolCalls    []core.ToolCallRequest `json:"tool_calls,omitempty"`
	FinishReason string                 `json:"finish_reason,omitempty"`
}

// Info contains metadata about a provider implementation.
type Info struct {
	Name          string `json:"name"`
	Provider      string `json:"provider"`
	SupportsTools bool   `json:"supports_tools"`
}

// Provider is the minimal interface required to drive generation. Generate
// returns a response channel (partial chunks followed by one final response)
// and an error channel; both are closed when the call completes.
type Provider interface {
	Generate(ctx context.Context, req Request) (<-chan Response, <-chan error)

	// Info returns information about the provider implementation.
	Info() Info
}

// Complete drains a Generate call into a single final response, discarding
// partial chunks. Convenience for callers that do not stream.
func Complete(ctx context.Context, p Provider, req Request) (*Response, error) {
	respCh, errCh := p.Generate(ctx, req)
	var final *Response
	for {
		select {
		case resp, ok := <-respCh:
			if !ok {
				if final == nil {
					if err := <-errCh; err != nil {
						return nil, err
					}
					return nil, fmt.Errorf("provider returned no response")
				}
				return final, nil
			}
			if !resp.Partial {
				r := resp
				final = &r
			}
		case err, ok := <-errCh:
			if ok && err != nil {
				return nil, err
			}
			if !ok {
				errCh = nil
			}
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// MockProvider is a lightweight in-memory Provider useful for tests. Scripted
// responses are consumed in order; when the script is exhausted it falls back
// to echoing the last user message.
type MockProvider struct {
	info     Info
	script   []Response
	errs     []error
	requests []Request
}

// NewMockProvider constructs a MockProvider with tool support enabled.
func NewMockProvider(name string) *MockProvider {
	return &MockProvider{
		info: Info{Name: name, Provider: "mock", SupportsTools: true},
	}
}

// Script appends responses to be returned by successive Generate calls.
func (m *MockProvider) Script(responses ...Response) *MockProvider {
	m.script = append(m.script, responses...)
	return m
}

// FailNext queues an error returned before the next scripted response.
func (m *MockProvider) FailNext(err error) *MockProvider {
	m.errs = append(m.errs, err)
	return m
}

// Requests returns all requests seen so far, in order.
func (m *MockProvider) Requests() []Request { return m.requests }

// CallCount returns the number of Generate calls made.
func (m *MockProvider) CallCount() int { return len(m.requests) }

// Generate implements Provider.
func (m *MockProvider) Generate(ctx context.Context, req Request) (<-chan Response, <-chan error) {
	respCh := make(chan Response, 4)
	errCh := make(chan error, 1)
	m.requests = append(m.requests, req)

	if len(m.errs) > 0 {
		err := m.errs[0]
		m.errs = m.errs[1:]
		errCh <- err
		close(respCh)
		close(errCh)
		return respCh, errCh
	}

	var resp Response
	if len(m.script) > 0 {
		resp = m.script[0]
		m.script = m.script[1:]
	} else {
		var last string
		for _, msg := range req.Messages {
			if msg.Role == core.RoleUser {
				last = msg.Text()
			}
		}
		resp = Response{Text: "Mock response to: " + last, FinishReason: "stop"}
	}

	go func() {
		defer close(respCh)
		defer close(errCh)
		if req.Stream && resp.Text != "" && len(resp.ToolCalls) == 0 {
			for _, r := range resp.Text {
				select {
				case <-ctx.Done():
					errCh <- ctx.Err()
					return
				case respCh <- Response{Partial: true, Text: string(r)}:
				}
			}
		}
		select {
		case <-ctx.Done():
			errCh <- ctx.Err()
		case respCh <- resp:
		}
	}()
	return respCh, errCh
}

// Info implements Provider.
func (m *MockProvider) Info() Info { return m.info }

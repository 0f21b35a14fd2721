package core

import (
	"context"

	"github.com/calder-labs/stagecoach/logging"
)

// RunContext carries execution state & helpers for one pipeline run. It
// aggregates the ambient cancellation context, identifiers, the emit channel
// feeding the shared event stream, the session registry and a per-run model
// call limiter. A delegated child run derives its own RunContext via
// NewChildContext while emitting into the same stream.
type RunContext struct {
	Context     context.Context
	ExecutionID string
	Principal   string
	Session     *Session
	Registry    *Registry
	Emit        chan<- Event
	Limiter     *CallLimiter
	Logger      logging.Logger
}

// NewRunContext constructs a RunContext for a root session.
func NewRunContext(
	ctx context.Context,
	executionID, principal string,
	sess *Session,
	registry *Registry,
	emit chan<- Event,
	maxModelCalls int,
	logger logging.Logger,
) *RunContext {
	if logger == nil {
		logger = logging.NoOpLogger{}
	}
	return &RunContext{
		Context:     ctx,
		ExecutionID: executionID,
		Principal:   principal,
		Session:     sess,
		Registry:    registry,
		Emit:        emit,
		Limiter:     NewCallLimiter(maxModelCalls),
		Logger:      logger,
	}
}

// Done mirrors context.Context's Done.
func (rc *RunContext) Done() <-chan struct{} { return rc.Context.Done() }

// Err returns the cancellation error (if any) from the underlying context.
func (rc *RunContext) Err() error { return rc.Context.Err() }

// NewChildContext derives a context for a delegated child session. The child
// shares the execution id, registry, emit channel and limiter so its events
// interleave live on the same stream while the parent awaits completion.
func (rc *RunContext) NewChildContext(child *Session) *RunContext {
	return &RunContext{
		Context:     rc.Context,
		ExecutionID: rc.ExecutionID,
		Principal:   rc.Principal,
		Session:     child,
		Registry:    rc.Registry,
		Emit:        rc.Emit,
		Limiter:     rc.Limiter,
		Logger:      rc.Logger,
	}
}

// EmitEvent sends an event on the shared stream, honoring cancellation.
func (rc *RunContext) EmitEvent(ev Event) error {
	select {
	case <-rc.Context.Done():
		return rc.Context.Err()
	case rc.Emit <- ev:
		return nil
	}
}

// StartNode brackets the opening of a visible unit of work.
func (rc *RunContext) StartNode(nodeID, nodeName string) error {
	return rc.EmitEvent(NewNodeStartEvent(rc.ExecutionID, nodeID, nodeName))
}

// EndNode brackets the close of a visible unit of work.
func (rc *RunContext) EndNode(nodeID, status, errMsg string) error {
	return rc.EmitEvent(NewNodeEndEvent(rc.ExecutionID, nodeID, status, errMsg))
}

// EmitToken appends step-local content to nodeID's buffer. An empty nodeID
// routes content to the overall response.
func (rc *RunContext) EmitToken(nodeID, content string) error {
	return rc.EmitEvent(NewTokenEvent(rc.ExecutionID, nodeID, content))
}

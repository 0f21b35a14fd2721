// Package runner coordinates invocations: it creates the root session and
// run context, hands the request to the orchestrator, and streams events to
// the caller. Public methods are safe for concurrent use.
package runner

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/calder-labs/stagecoach/core"
	"github.com/calder-labs/stagecoach/logging"
	"github.com/calder-labs/stagecoach/orchestrator"
	"github.com/calder-labs/stagecoach/stream"
)

// Options holds dependency and configuration overrides passed to New().
type Options struct {
	// EventBufferSize sets channel buffering for events.
	EventBufferSize int
	// MaxModelCalls limits the number of model calls per invocation.
	MaxModelCalls int
	// Logger receives coordinator diagnostics.
	Logger logging.Logger
}

// Coordinator runs orchestrated invocations. Independent invocations run
// concurrently; each gets its own session registry and event stream.
type Coordinator struct {
	orch *orchestrator.Orchestrator

	eventBufferSize int
	maxModelCalls   int
	logger          logging.Logger

	activeRuns map[string]context.CancelFunc
	mu         sync.RWMutex
}

// New constructs a Coordinator with optional overrides.
func New(orch *orchestrator.Orchestrator, optFns ...func(o *Options)) *Coordinator {
	opts := Options{
		EventBufferSize: 100,
		MaxModelCalls:   25,
		Logger:          logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Coordinator{
		orch:            orch,
		eventBufferSize: opts.EventBufferSize,
		maxModelCalls:   opts.MaxModelCalls,
		logger:          opts.Logger,
		activeRuns:      make(map[string]context.CancelFunc),
	}
}

// Invoke starts an asynchronous invocation for principal. The returned event
// channel carries the live stream and is closed after the response_complete
// event; the error channel reports at most one orchestration error.
//
// Cancelling ctx stops event consumption only: in-flight sandbox executions
// run to completion and are logged, they are not assumed killed.
func (c *Coordinator) Invoke(ctx context.Context, principal, message string) (string, <-chan core.Event, <-chan error, error) {
	if message == "" {
		return "", nil, nil, fmt.Errorf("empty message")
	}

	executionID := core.NewID()
	registry := core.NewRegistry()
	root := core.NewSession(core.NewID(), "", "")
	if err := registry.Register(root); err != nil {
		return "", nil, nil, err
	}

	events := make(chan core.Event, c.eventBufferSize)
	errs := make(chan error, 1)

	ctx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.activeRuns[executionID] = cancel
	c.mu.Unlock()

	rc := core.NewRunContext(ctx, executionID, principal, root, registry, events, c.maxModelCalls, c.logger)

	go func() {
		defer func() {
			close(events)
			close(errs)
			cancel()
			c.mu.Lock()
			delete(c.activeRuns, executionID)
			c.mu.Unlock()
		}()

		c.logger.Info("runner.invoke.start", "execution_id", executionID, "principal", principal)

		_, err := c.orch.Run(rc, message)
		if err != nil {
			c.logger.Error("runner.invoke.failed", "execution_id", executionID, "error", err.Error())
			rc.EmitEvent(core.NewErrorEvent(executionID, err.Error()))
			select {
			case errs <- err:
			default:
			}
		}
		rc.EmitEvent(core.NewResponseCompleteEvent(executionID))
		c.logger.Info("runner.invoke.done", "execution_id", executionID)
	}()

	return executionID, events, errs, nil
}

// InvokeSync runs an invocation to completion and folds the event stream
// into an aggregate response.
func (c *Coordinator) InvokeSync(ctx context.Context, principal, message string) (*stream.Response, error) {
	_, events, errs, err := c.Invoke(ctx, principal, message)
	if err != nil {
		return nil, err
	}

	consumer := stream.NewConsumer()
	for ev := range events {
		consumer.Apply(ev)
	}
	consumer.Finalize()

	if err := <-errs; err != nil {
		return consumer.Response(), err
	}
	return consumer.Response(), nil
}

// Cancel stops consumption for a running invocation by execution id.
func (c *Coordinator) Cancel(executionID string) error {
	c.mu.Lock()
	cancel, exists := c.activeRuns[executionID]
	c.mu.Unlock()
	if !exists {
		return fmt.Errorf("execution %s not found", executionID)
	}
	cancel()
	return nil
}

// StreamTo copies an invocation's events onto w as newline-delimited frames,
// ending with the sentinel. It returns the orchestration error, if any.
func (c *Coordinator) StreamTo(ctx context.Context, w io.Writer, principal, message string) error {
	_, events, errs, err := c.Invoke(ctx, principal, message)
	if err != nil {
		return err
	}

	writer := stream.NewWriter(w)
	for ev := range events {
		if err := writer.Write(ev); err != nil {
			// The client went away. Keep draining so the run finishes and
			// is logged; its work is not rolled back.
			for range events {
			}
			break
		}
	}
	writer.Close()
	return <-errs
}

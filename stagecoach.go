// Package stagecoach provides a high-level façade over the orchestrator and
// runner, enabling rapid construction of multi-agent services. Most
// applications interact with this package by:
//  1. Creating a Stagecoach via New() with a definition store and a model
//     provider (optionally overriding tools, knowledge and sandbox runtime)
//  2. Invoking it asynchronously (Invoke) or synchronously (InvokeSync)
//
// The façade delegates classification and delegation to the orchestrator and
// pipeline packages while keeping setup ergonomics concise. All defaults are
// safe for local development and testing; production deployments typically
// supply a YAML-backed definition store, a real sandbox root and a structured
// logger.
package stagecoach

import (
	"context"

	"github.com/calder-labs/stagecoach/config"
	"github.com/calder-labs/stagecoach/core"
	"github.com/calder-labs/stagecoach/knowledge"
	"github.com/calder-labs/stagecoach/logging"
	"github.com/calder-labs/stagecoach/model"
	"github.com/calder-labs/stagecoach/orchestrator"
	"github.com/calder-labs/stagecoach/pipeline"
	"github.com/calder-labs/stagecoach/runner"
	"github.com/calder-labs/stagecoach/sandbox"
	"github.com/calder-labs/stagecoach/stream"
	"github.com/calder-labs/stagecoach/tool"
)

// Options configures a Stagecoach instance.
type Options struct {
	// Tools is the registry agents draw their toolboxes from.
	Tools *tool.Registry

	// Retriever serves the knowledge-gathering state. Nil disables it.
	Retriever knowledge.Retriever

	// Runtime executes generated code. Nil disables sandbox execution.
	Runtime sandbox.Runtime

	// Retry bounds model-call retries.
	Retry model.RetryConfig

	// MaxModelCalls limits model calls per invocation.
	MaxModelCalls int

	// Logger (defaults to NoOp logger if nil).
	Logger logging.Logger
}

// Stagecoach is the high-level façade aggregating the orchestrator and
// the invocation coordinator.
type Stagecoach struct {
	opts  Options
	coord *runner.Coordinator
}

// New creates a Stagecoach instance. The provider handles classification and
// any agent definition without its own model binding.
func New(store config.DefinitionStore, provider model.Provider, optFns ...func(o *Options)) *Stagecoach {
	opts := Options{
		Tools:         tool.NewRegistry(),
		Retry:         model.DefaultRetryConfig(),
		MaxModelCalls: 25,
		Logger:        logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	factory := func(def *config.AgentDefinition) (*pipeline.Executor, error) {
		return pipeline.New(def, provider, func(o *pipeline.Options) {
			o.Tools = opts.Tools.Subset(def.Tools)
			o.Retriever = opts.Retriever
			o.Runtime = opts.Runtime
			o.Retry = opts.Retry
		})
	}

	orch := orchestrator.New(store, provider, factory,
		func(o *orchestrator.Options) { o.Retry = opts.Retry })

	coord := runner.New(orch, func(o *runner.Options) {
		o.MaxModelCalls = opts.MaxModelCalls
		o.Logger = opts.Logger
	})

	return &Stagecoach{opts: opts, coord: coord}
}

// Invoke starts an asynchronous invocation returning the execution id plus
// event and error channels.
func (s *Stagecoach) Invoke(ctx context.Context, principal, message string) (string, <-chan core.Event, <-chan error, error) {
	return s.coord.Invoke(ctx, principal, message)
}

// InvokeSync runs an invocation to completion and returns the aggregate
// response with the reconstructed step tree.
func (s *Stagecoach) InvokeSync(ctx context.Context, principal, message string) (*stream.Response, error) {
	return s.coord.InvokeSync(ctx, principal, message)
}

// Cancel stops event consumption for a running invocation.
func (s *Stagecoach) Cancel(executionID string) error {
	return s.coord.Cancel(executionID)
}

// Coordinator exposes the underlying coordinator for callers that serve it
// over a transport.
func (s *Stagecoach) Coordinator() *runner.Coordinator { return s.coord }

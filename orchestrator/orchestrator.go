package orchestrator

import (
	"fmt"
	"strings"

	"github.com/calder-labs/stagecoach/config"
	"github.com/calder-labs/stagecoach/core"
	"github.com/calder-labs/stagecoach/model"
	"github.com/calder-labs/stagecoach/pipeline"
)

// ExecutorFactory builds a pipeline executor for one agent definition.
type ExecutorFactory func(def *config.AgentDefinition) (*pipeline.Executor, error)

// Result aggregates one orchestrated invocation.
type Result struct {
	Plan      *ExecutionPlan      `json:"plan"`
	Outcomes  []*pipeline.Outcome `json:"outcomes"`
	FinalText string              `json:"final_text"`
}

// Options configures an Orchestrator.
type Options struct {
	Retry model.RetryConfig
}

// Orchestrator classifies requests and delegates plan steps sequentially to
// pipeline runs. Delegated sessions emit into the caller's stream, so nested
// progress is visible live while the orchestrator awaits each child.
type Orchestrator struct {
	store    config.DefinitionStore
	provider model.Provider
	factory  ExecutorFactory
	opts     Options
}

// New constructs an Orchestrator. The provider is used for the single
// classification call; per-agent model binding happens inside the factory.
func New(store config.DefinitionStore, provider model.Provider, factory ExecutorFactory, optFns ...func(o *Options)) *Orchestrator {
	opts := Options{Retry: model.DefaultRetryConfig()}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Orchestrator{store: store, provider: provider, factory: factory, opts: opts}
}

const classifyInstructions = `You classify user requests for a multi-agent system.
Respond with a single JSON object and nothing else:
{"task_type": string, "complexity": "low"|"medium"|"high",
 "strategy": "DIRECT"|"KNOWLEDGE_AUGMENTED"|"EXPLORATORY"|"MULTI_STEP",
 "needs_knowledge": boolean,
 "execution_plan": [{"step_index": int, "target_agent": string, "instruction": string}]}
Available agents:
%s`

// Run orchestrates one request on the root session carried by rc. Planning is
// bracketed with node events on the root session; every delegated step gets a
// fresh child session before its pipeline run starts.
func (o *Orchestrator) Run(rc *core.RunContext, message string) (*Result, error) {
	defs, err := o.store.ListAgentDefinitions(rc.Context)
	if err != nil {
		return nil, fmt.Errorf("list agent definitions: %w", err)
	}
	if len(defs) == 0 {
		return nil, fmt.Errorf("no agent definitions configured")
	}

	plan := o.classify(rc, message, defs)

	result := &Result{Plan: plan}
	var finals []string
	for _, step := range plan.Steps {
		out := o.delegate(rc, plan, step, defs)
		result.Outcomes = append(result.Outcomes, out)
		if out.FinalText != "" {
			finals = append(finals, out.FinalText)
		}
		if err := rc.Err(); err != nil {
			return result, err
		}
	}
	result.FinalText = strings.Join(finals, "\n\n")
	return result, nil
}

// classify issues the classification call and falls back to the deterministic
// router on any malformed response. Planning errors are recovered here and
// never surfaced to the user.
func (o *Orchestrator) classify(rc *core.RunContext, message string, defs []*config.AgentDefinition) *ExecutionPlan {
	id := rc.Session.ID + ":planning"
	rc.StartNode(id, "planning")
	defer rc.EndNode(id, core.NodeStatusCompleted, "")

	var roster strings.Builder
	for _, def := range defs {
		fmt.Fprintf(&roster, "- %s: %s\n", def.ID, def.Description)
	}
	req := model.Request{
		Instructions: fmt.Sprintf(classifyInstructions, roster.String()),
		Messages:     []core.Message{core.NewTextMessage(core.RoleUser, message)},
	}

	if err := rc.Limiter.Increment(); err != nil {
		rc.Logger.Warn("orchestrator.classify.limited", "error", err.Error())
		return FallbackRoute(message, defs)
	}
	resp, err := model.CompleteWithRetry(rc.Context, o.provider, req, o.opts.Retry, rc.Logger)
	if err != nil {
		rc.Logger.Warn("orchestrator.classify.failed", "error", err.Error())
		return FallbackRoute(message, defs)
	}

	plan, err := ParsePlan(resp.Text)
	if err != nil {
		rc.Logger.Warn("orchestrator.plan.fallback", "error", err.Error())
		return FallbackRoute(message, defs)
	}
	if !o.knownAgents(plan, defs) {
		rc.Logger.Warn("orchestrator.plan.fallback", "error", "plan references unknown agent")
		return FallbackRoute(message, defs)
	}
	rc.EmitToken(id, fmt.Sprintf("strategy=%s steps=%d", plan.Strategy, len(plan.Steps)))
	return plan
}

func (o *Orchestrator) knownAgents(plan *ExecutionPlan, defs []*config.AgentDefinition) bool {
	known := make(map[string]bool, len(defs))
	for _, def := range defs {
		known[def.ID] = true
	}
	for _, step := range plan.Steps {
		if !known[step.TargetAgent] {
			return false
		}
	}
	return true
}

// delegate allocates a child session for one plan step and runs its pipeline,
// blocking until the child completes. The child's events interleave on the
// shared stream while this call waits.
func (o *Orchestrator) delegate(rc *core.RunContext, plan *ExecutionPlan, step PlanStep, defs []*config.AgentDefinition) *pipeline.Outcome {
	def := findDef(defs, step.TargetAgent)

	childID := core.NewID()
	child := core.NewSession(childID, rc.Session.ID, def.ID)
	if err := rc.Registry.Register(child); err != nil {
		return failedOutcome(childID, err)
	}

	nodeName := "agent:" + def.ID
	rc.EmitEvent(core.NewSessionStartEvent(rc.ExecutionID, childID, nodeName, childID, rc.Session.ID))

	// The plan's needs_knowledge=false must win over the agent's shape.
	if !plan.NeedsKnowledge && def.Pipeline.NeedsKnowledge {
		clone := *def
		clone.Pipeline.NeedsKnowledge = false
		def = &clone
	}

	exec, err := o.factory(def)
	if err != nil {
		rc.EndNode(childID, core.NodeStatusFailed, err.Error())
		return failedOutcome(childID, err)
	}

	childRC := rc.NewChildContext(child)
	out, err := exec.Run(childRC, step.Instruction)
	if err != nil {
		rc.EndNode(childID, core.NodeStatusFailed, err.Error())
		if out == nil {
			return failedOutcome(childID, err)
		}
		return out
	}

	status := core.NodeStatusCompleted
	if out.State == pipeline.StateFailed {
		status = core.NodeStatusFailed
	}
	rc.EndNode(childID, status, out.Error)
	return out
}

func findDef(defs []*config.AgentDefinition, id string) *config.AgentDefinition {
	for _, def := range defs {
		if def.ID == id {
			return def
		}
	}
	// Router and classifier both guarantee known targets; this is the safety
	// net for racing definition updates.
	return defs[0]
}

func failedOutcome(sessionID string, err error) *pipeline.Outcome {
	return &pipeline.Outcome{
		SessionID: sessionID,
		State:     pipeline.StateFailed,
		Error:     err.Error(),
		FinalText: "I wasn't able to run this step: " + err.Error() + ".",
	}
}

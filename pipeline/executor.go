package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/calder-labs/stagecoach/config"
	"github.com/calder-labs/stagecoach/core"
	"github.com/calder-labs/stagecoach/internal/util"
	"github.com/calder-labs/stagecoach/knowledge"
	"github.com/calder-labs/stagecoach/model"
	"github.com/calder-labs/stagecoach/sandbox"
	"github.com/calder-labs/stagecoach/tool"
)

// Outcome is the result of one pipeline run.
type Outcome struct {
	SessionID string                     `json:"session_id"`
	State     State                      `json:"state"`
	FinalText string                     `json:"final_text"`
	Attempts  []sandbox.ExecutionAttempt `json:"attempts,omitempty"`
	Error     string                     `json:"error,omitempty"`
}

// Options configures an Executor beyond its agent definition.
type Options struct {
	Tools            *tool.Registry
	Retriever        knowledge.Retriever
	Runtime          sandbox.Runtime
	SandboxMode      sandbox.Mode
	Retry            model.RetryConfig
	MaxIterations    int
	ErrorRetryBound  int
	Timeout          time.Duration
	ModelCallTimeout time.Duration
	KnowledgeLimit   int
	RetryOnTimeout   bool
}

// Executor drives one agent through the pipeline state machine. It is
// stateless across runs; all per-run state lives in the RunContext's session.
type Executor struct {
	def        *config.AgentDefinition
	provider   model.Provider
	convention model.Convention
	opts       Options
}

// New builds an Executor for an agent definition. Defaults come from the
// definition; optFns override them.
func New(def *config.AgentDefinition, provider model.Provider, optFns ...func(o *Options)) (*Executor, error) {
	opts := Options{
		Tools:           tool.NewRegistry(),
		SandboxMode:     sandbox.ModePersistent,
		Retry:           model.DefaultRetryConfig(),
		MaxIterations:   def.Pipeline.MaxIterations,
		ErrorRetryBound: 2,
		Timeout:         def.Pipeline.Timeout,
		KnowledgeLimit:  5,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.MaxIterations <= 0 {
		opts.MaxIterations = 3
	}

	conventionName := def.Convention
	if conventionName == "" {
		conventionName = model.ConventionStructured
	}
	convention, err := model.ConventionFor(conventionName)
	if err != nil {
		return nil, err
	}

	return &Executor{def: def, provider: provider, convention: convention, opts: opts}, nil
}

// Definition returns the agent definition this executor runs.
func (e *Executor) Definition() *config.AgentDefinition { return e.def }

// Run executes the full pipeline for one instruction. The returned error is
// reserved for cancellation; every other failure mode still flows through
// synthesis and lands in the Outcome.
func (e *Executor) Run(rc *core.RunContext, instruction string) (*Outcome, error) {
	if e.opts.Timeout > 0 {
		ctx, cancel := context.WithTimeout(rc.Context, e.opts.Timeout)
		defer cancel()
		shadow := *rc
		shadow.Context = ctx
		rc = &shadow
	}

	sess := rc.Session
	out := &Outcome{SessionID: sess.ID}
	sess.AppendMessage(core.NewTextMessage(core.RoleUser, instruction))

	var failure error

	failure = e.runPlanning(rc, instruction)
	if failure == nil {
		e.runKnowledgeGather(rc, instruction)
	}
	if failure == nil && e.hasActions() {
		failure = e.runActionLoop(rc, out)
	}

	finalText := e.runSynthesis(rc, failure)
	out.FinalText = finalText

	if err := rc.Err(); err != nil {
		out.State = StateFailed
		out.Error = err.Error()
		sess.MarkTerminal(string(StateFailed))
		return out, err
	}

	if failure != nil {
		out.State = StateFailed
		out.Error = failure.Error()
		sess.MarkTerminal(string(StateFailed))
	} else {
		out.State = StateDone
		sess.MarkTerminal(string(StateDone))
	}
	rc.Logger.Info("pipeline.run.done",
		"session_id", sess.ID,
		"agent_id", e.def.ID,
		"state", string(out.State),
		"model_calls", rc.Limiter.Count(),
	)
	return out, nil
}

func (e *Executor) enter(rc *core.RunContext, state State) {
	if err := checkTransition(State(rc.Session.State), state); err != nil {
		rc.Logger.Error("pipeline.transition.illegal", "session_id", rc.Session.ID, "error", err.Error())
	}
	rc.Session.SetState(string(state))
	rc.Logger.Debug("pipeline.state", "session_id", rc.Session.ID, "state", string(state))
}

func nodeID(sessionID string, state State, attempt int) string {
	if attempt > 1 {
		return fmt.Sprintf("%s:%s#%d", sessionID, state.NodeName(), attempt)
	}
	return sessionID + ":" + state.NodeName()
}

// hasActions reports whether the agent can act at all. Without tools or a
// runtime, planning flows straight into synthesis (direct answer).
func (e *Executor) hasActions() bool {
	return len(e.opts.Tools.Names()) > 0 || e.opts.Runtime != nil
}

func (e *Executor) runPlanning(rc *core.RunContext, instruction string) error {
	e.enter(rc, StatePlanning)
	id := nodeID(rc.Session.ID, StatePlanning, 0)
	rc.StartNode(id, StatePlanning.NodeName())

	req := model.Request{
		Instructions: e.systemPrompt() + "\n\nOutline a brief approach for the task before acting. Do not produce the final answer yet.",
		Messages:     rc.Session.Transcript(),
	}
	resp, err := e.modelCall(rc, req)
	if err != nil {
		rc.EndNode(id, core.NodeStatusFailed, err.Error())
		return err
	}
	if resp.Text != "" {
		rc.Session.AppendMessage(core.NewTextMessage(core.RoleAssistant, resp.Text))
		rc.EmitToken(id, resp.Text)
	}
	rc.EndNode(id, core.NodeStatusCompleted, "")
	return nil
}

// runKnowledgeGather is entered only when the agent's shape asks for it.
// Retrieval problems degrade to an empty context, never a failed run.
func (e *Executor) runKnowledgeGather(rc *core.RunContext, instruction string) {
	if !e.def.Pipeline.NeedsKnowledge || e.opts.Retriever == nil {
		return
	}
	e.enter(rc, StateKnowledgeGather)
	id := nodeID(rc.Session.ID, StateKnowledgeGather, 0)
	rc.StartNode(id, StateKnowledgeGather.NodeName())

	passages, err := e.opts.Retriever.Retrieve(rc.Context, instruction, e.opts.KnowledgeLimit)
	if err != nil {
		rc.Logger.Warn("pipeline.knowledge.failed", "session_id", rc.Session.ID, "error", err.Error())
		rc.EndNode(id, core.NodeStatusCompleted, "")
		return
	}
	if len(passages) > 0 {
		var b strings.Builder
		b.WriteString("Relevant context:\n")
		for _, p := range passages {
			fmt.Fprintf(&b, "- %s\n", p.Content)
		}
		rc.Session.AppendMessage(core.NewTextMessage(core.RoleUser, b.String()))
		rc.EmitToken(id, fmt.Sprintf("%d passages retrieved", len(passages)))
	}
	rc.EndNode(id, core.NodeStatusCompleted, "")
}

// runActionLoop alternates ACTION_GENERATION and EXECUTION, bounded by
// MaxIterations. Tool failures fold back into the loop as failed results;
// sandbox failures route through ERROR_HANDLING up to ErrorRetryBound;
// sandbox timeouts are fatal for the run unless RetryOnTimeout is set.
func (e *Executor) runActionLoop(rc *core.RunContext, out *Outcome) error {
	sess := rc.Session
	maxIter := e.opts.MaxIterations

	for iter := 1; iter <= maxIter; iter++ {
		rc.EmitEvent(core.NewIterationEvent(rc.ExecutionID, iter, maxIter))
		sess.IncrementToolIterations()
		finalIter := iter == maxIter

		e.enter(rc, StateActionGen)
		agID := nodeID(sess.ID, StateActionGen, iter)
		rc.StartNode(agID, StateActionGen.NodeName())

		resp, err := e.modelCall(rc, e.actionRequest(rc, finalIter))
		if err != nil {
			rc.EndNode(agID, core.NodeStatusFailed, err.Error())
			return err
		}
		rc.EndNode(agID, core.NodeStatusCompleted, "")

		calls := resp.ToolCalls
		code := extractCode(resp.Text)

		// No action requested: the loop is complete.
		if len(calls) == 0 && (code == "" || e.opts.Runtime == nil) {
			if resp.Text != "" {
				sess.AppendMessage(core.NewTextMessage(core.RoleAssistant, resp.Text))
			}
			return nil
		}

		e.enter(rc, StateExecution)
		exID := nodeID(sess.ID, StateExecution, iter)
		rc.StartNode(exID, StateExecution.NodeName())

		// Tool calls take precedence over inline code in the same response.
		if len(calls) > 0 {
			e.executeToolCalls(rc, exID, resp)
			rc.EndNode(exID, core.NodeStatusCompleted, "")
			continue
		}

		done, err := e.executeCode(rc, exID, resp.Text, code, out)
		if err != nil {
			rc.EndNode(exID, core.NodeStatusFailed, err.Error())
			return err
		}
		rc.EndNode(exID, core.NodeStatusCompleted, "")
		if done {
			return nil
		}

		// ERROR_HANDLING: feed the failure back with an explicit fix
		// instruction, bounded by the retry count.
		retries := sess.IncrementExecRetries()
		if retries > e.opts.ErrorRetryBound {
			last := out.Attempts[len(out.Attempts)-1]
			return fmt.Errorf("execution failed after %d retries: %s", e.opts.ErrorRetryBound, strings.TrimSpace(last.Result.Stderr))
		}
		e.enter(rc, StateErrorHandling)
		ehID := nodeID(sess.ID, StateErrorHandling, retries)
		rc.StartNode(ehID, StateErrorHandling.NodeName())
		last := out.Attempts[len(out.Attempts)-1]
		sess.AppendMessage(core.NewTextMessage(core.RoleUser, fmt.Sprintf(
			"The previous code failed with exit code %d. Fix this and produce a corrected version.\nstderr:\n%s",
			last.Result.ExitCode, last.Result.Stderr,
		)))
		rc.EndNode(ehID, core.NodeStatusCompleted, "")
	}

	// Iterations exhausted with the last execution unresolved.
	if n := len(out.Attempts); n > 0 {
		if last := out.Attempts[n-1]; last.Error != "" || (last.Result != nil && last.Result.ExitCode != 0) {
			return fmt.Errorf("action loop exhausted after %d iterations without a successful execution", e.opts.MaxIterations)
		}
	}
	return nil
}

func (e *Executor) executeToolCalls(rc *core.RunContext, exID string, resp *model.Response) {
	sess := rc.Session
	if msg, ok := e.convention.BuildAssistantCallMessage(resp.ToolCalls); ok {
		sess.AppendMessage(msg)
	} else if resp.Text != "" {
		sess.AppendMessage(core.NewTextMessage(core.RoleAssistant, resp.Text))
	}

	for _, call := range resp.ToolCalls {
		result := e.invokeTool(rc, call)
		sess.AppendMessage(e.convention.BuildResultMessage(call, result))
		status := "ok"
		if !result.Success {
			status = result.Error
		}
		rc.EmitToken(exID, fmt.Sprintf("%s: %s\n", call.Name, status))
	}
}

// invokeTool always produces a result object; a failure becomes
// ToolCallResult{Success: false} fed back into the loop.
func (e *Executor) invokeTool(rc *core.RunContext, call core.ToolCallRequest) core.ToolCallResult {
	t, ok := e.opts.Tools.Get(call.Name)
	if !ok {
		return core.ErrResult(fmt.Errorf("unknown tool %q", call.Name))
	}

	args := map[string]any{}
	if call.Arguments != "" {
		if err := json.Unmarshal([]byte(call.Arguments), &args); err != nil {
			return core.ErrResult(fmt.Errorf("malformed arguments for %s: %w", call.Name, err))
		}
	}

	payload, err := t.Call(rc, args)
	if err != nil {
		return core.ErrResult(err)
	}
	return core.OkResult(payload)
}

// executeCode runs generated source in the sandbox. Returns done=true when the
// run succeeded and the loop should close; done=false routes to error
// handling. A timeout is fatal unless RetryOnTimeout is configured.
func (e *Executor) executeCode(rc *core.RunContext, exID, fullText, code string, out *Outcome) (bool, error) {
	sess := rc.Session
	sess.AppendMessage(core.NewTextMessage(core.RoleAssistant, fullText))

	result, err := e.opts.Runtime.ExecInWorkspace(rc.Context, rc.Principal, code, e.opts.SandboxMode)
	attempt := sandbox.ExecutionAttempt{Index: len(out.Attempts) + 1, Source: code, Result: result}
	if err != nil {
		attempt.Error = err.Error()
	}
	out.Attempts = append(out.Attempts, attempt)

	if err != nil {
		if !sandbox.IsTimeout(err) || !e.opts.RetryOnTimeout {
			return false, err
		}
		// RetryOnTimeout: treat like an ordinary failed attempt.
		if attempt.Result == nil {
			attempt.Result = &sandbox.Result{ExitCode: -1, Stderr: err.Error()}
			out.Attempts[len(out.Attempts)-1] = attempt
		}
		return false, nil
	}

	if result.ExitCode == 0 {
		sess.AppendMessage(core.NewTextMessage(core.RoleUser, "Execution output:\n"+result.Stdout))
		rc.EmitToken(exID, result.Stdout)
		return true, nil
	}
	return false, nil
}

// runSynthesis always runs exactly once. It is the only state that emits
// final-answer content; a provider failure here degrades to locally built
// plain text rather than surfacing a raw error.
func (e *Executor) runSynthesis(rc *core.RunContext, failure error) string {
	e.enter(rc, StateSynthesis)
	id := nodeID(rc.Session.ID, StateSynthesis, 0)
	rc.StartNode(id, StateSynthesis.NodeName())

	instructions := e.systemPrompt() + "\n\nProduce the final user-facing answer based on the conversation so far. Be concise and direct."
	if failure != nil {
		instructions = e.systemPrompt() + fmt.Sprintf(
			"\n\nThe task could not be completed (%s). Explain to the user in plain language what went wrong and suggest what they could try instead. Do not include stack traces or internal identifiers.",
			failure.Error(),
		)
	}
	req := model.Request{Instructions: instructions, Messages: rc.Session.Transcript(), Stream: true}

	text, err := e.streamCall(rc, id, req)
	if err != nil {
		text = fallbackText(failure, err)
		rc.EmitToken(id, text)
	}
	rc.Session.AppendMessage(core.NewTextMessage(core.RoleAssistant, text))
	rc.EndNode(id, core.NodeStatusCompleted, "")
	return text
}

func fallbackText(failure, synthErr error) string {
	if failure != nil {
		return "I wasn't able to complete this request: " + plainLanguage(failure) + "."
	}
	return "I completed the task but could not produce a summary: " + plainLanguage(synthErr) + "."
}

func plainLanguage(err error) string {
	if err == nil {
		return "an internal error occurred"
	}
	if sandbox.IsTimeout(err) {
		return "the generated code took too long to run and was stopped"
	}
	if model.IsProviderError(err) {
		return "the language model backend was unavailable"
	}
	return strings.TrimSpace(err.Error())
}

func (e *Executor) systemPrompt() string {
	rendered, err := util.RenderTemplate(e.def.Prompt, map[string]any{
		"agent_name": e.def.Name,
		"tools":      e.opts.Tools.Names(),
	})
	if err != nil {
		return e.def.Prompt
	}
	return rendered
}

func (e *Executor) actionRequest(rc *core.RunContext, finalIter bool) model.Request {
	instructions := e.systemPrompt() + "\n\nDecide the next action. Use the available tools, or produce code in a fenced block to run, or answer directly when no action is needed."
	if finalIter {
		instructions = e.systemPrompt() + "\n\nThis is the final step: do not request any more tool calls. Answer with the information you have."
	}
	req := model.Request{Instructions: instructions, Messages: rc.Session.Transcript()}
	if !finalIter {
		req.Tools = e.opts.Tools.Definitions()
	}
	return req
}

func (e *Executor) modelCall(rc *core.RunContext, req model.Request) (*model.Response, error) {
	if err := rc.Limiter.Increment(); err != nil {
		return nil, err
	}
	ctx, cancel := e.callContext(rc)
	defer cancel()
	return model.CompleteWithRetry(ctx, e.provider, req, e.opts.Retry, rc.Logger)
}

// callContext bounds one model call independently of the overall pipeline
// timeout.
func (e *Executor) callContext(rc *core.RunContext) (context.Context, context.CancelFunc) {
	if e.opts.ModelCallTimeout > 0 {
		return context.WithTimeout(rc.Context, e.opts.ModelCallTimeout)
	}
	return rc.Context, func() {}
}

// streamCall drives a streaming generation, forwarding partial text as token
// events on node id. Falls back to a non-streaming retried call on error.
func (e *Executor) streamCall(rc *core.RunContext, id string, req model.Request) (string, error) {
	if err := rc.Limiter.Increment(); err != nil {
		return "", err
	}

	ctx, cancel := e.callContext(rc)
	defer cancel()
	respCh, errCh := e.provider.Generate(ctx, req)
	var final string
	var streamErr error

drain:
	for {
		select {
		case resp, ok := <-respCh:
			if !ok {
				break drain
			}
			if resp.Partial {
				rc.EmitToken(id, resp.Text)
			} else {
				final = resp.Text
			}
		case err, ok := <-errCh:
			if ok && err != nil {
				streamErr = err
				break drain
			}
			if !ok {
				errCh = nil
			}
		case <-rc.Done():
			return "", rc.Err()
		}
	}

	if streamErr == nil {
		return final, nil
	}

	req.Stream = false
	resp, err := model.CompleteWithRetry(ctx, e.provider, req, e.opts.Retry, rc.Logger)
	if err != nil {
		return "", err
	}
	rc.EmitToken(id, resp.Text)
	return resp.Text, nil
}

// extractCode returns the body of the first fenced code block, or "".
func extractCode(text string) string {
	start := strings.Index(text, "```")
	if start < 0 {
		return ""
	}
	rest := text[start+3:]
	if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
		// Drop the optional language tag line.
		firstLine := rest[:nl]
		if !strings.ContainsAny(firstLine, " \t") {
			rest = rest[nl+1:]
		}
	}
	end := strings.Index(rest, "```")
	if end < 0 {
		return strings.TrimSpace(rest)
	}
	return strings.TrimSpace(rest[:end])
}

package pipeline

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/calder-labs/stagecoach/config"
	"github.com/calder-labs/stagecoach/core"
	"github.com/calder-labs/stagecoach/knowledge"
	"github.com/calder-labs/stagecoach/logging"
	"github.com/calder-labs/stagecoach/model"
	"github.com/calder-labs/stagecoach/sandbox"
	"github.com/calder-labs/stagecoach/tool"
)

func testDef(needsKnowledge bool) *config.AgentDefinition {
	return &config.AgentDefinition{
		ID:         "tester",
		Name:       "Tester",
		Prompt:     "You are a test agent.",
		Convention: model.ConventionStructured,
		Pipeline: config.PipelineShape{
			NeedsKnowledge: needsKnowledge,
			MaxIterations:  3,
		},
	}
}

func newRun(t *testing.T) (*core.RunContext, func() []core.Event) {
	t.Helper()
	reg := core.NewRegistry()
	sess := core.NewSession("s1", "", "tester")
	if err := reg.Register(sess); err != nil {
		t.Fatalf("register session: %v", err)
	}
	emit := make(chan core.Event, 1024)
	rc := core.NewRunContext(context.Background(), "exec1", "alice", sess, reg, emit, 0, logging.NoOpLogger{})
	collect := func() []core.Event {
		var events []core.Event
		for {
			select {
			case ev := <-emit:
				events = append(events, ev)
			default:
				return events
			}
		}
	}
	return rc, collect
}

func nodeStarts(events []core.Event, name string) int {
	n := 0
	for _, ev := range events {
		if ev.Type == core.EventNodeStart && ev.NodeName == name {
			n++
		}
	}
	return n
}

type fakeRuntime struct {
	results []*sandbox.Result
	errs    []error
	calls   int
}

func (f *fakeRuntime) ExecInWorkspace(ctx context.Context, principal, source string, mode sandbox.Mode) (*sandbox.Result, error) {
	i := f.calls
	f.calls++
	var res *sandbox.Result
	var err error
	if i < len(f.results) {
		res = f.results[i]
	}
	if i < len(f.errs) {
		err = f.errs[i]
	}
	return res, err
}

func (f *fakeRuntime) ReadWorkspaceFile(principal, rel string) ([]byte, error) { return nil, nil }
func (f *fakeRuntime) WriteWorkspaceFile(principal, rel string, data []byte) error {
	return nil
}
func (f *fakeRuntime) ListWorkspaceFiles(principal, subdir string) ([]string, error) {
	return nil, nil
}

func TestRun_DirectAnswer(t *testing.T) {
	provider := model.NewMockProvider("m").Script(
		model.Response{Text: "plan: answer directly", FinishReason: "stop"},
		model.Response{Text: "The answer is 4.", FinishReason: "stop"},
	)
	exec, err := New(testDef(false), provider)
	if err != nil {
		t.Fatalf("new executor: %v", err)
	}

	rc, collect := newRun(t)
	out, err := exec.Run(rc, "what is 2+2?")
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if out.State != StateDone {
		t.Fatalf("expected DONE, got %s", out.State)
	}
	if out.FinalText != "The answer is 4." {
		t.Fatalf("unexpected final text %q", out.FinalText)
	}
	if provider.CallCount() != 2 {
		t.Fatalf("expected 2 model calls (planning + synthesis), got %d", provider.CallCount())
	}

	events := collect()
	if n := nodeStarts(events, "synthesis"); n != 1 {
		t.Fatalf("expected exactly one synthesis node, got %d", n)
	}
	if n := nodeStarts(events, "knowledge_gather"); n != 0 {
		t.Fatalf("knowledge_gather entered without needs_knowledge, %d starts", n)
	}
	if !rc.Session.Terminal() {
		t.Fatalf("session not terminal after run")
	}
}

func TestRun_CancelledRunYieldsFailedOutcome(t *testing.T) {
	provider := model.NewMockProvider("m").Script(
		model.Response{Text: "never reached", FinishReason: "stop"},
	)
	exec, err := New(testDef(false), provider)
	if err != nil {
		t.Fatalf("new executor: %v", err)
	}

	reg := core.NewRegistry()
	sess := core.NewSession("s1", "", "tester")
	if err := reg.Register(sess); err != nil {
		t.Fatalf("register session: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	emit := make(chan core.Event, 1024)
	rc := core.NewRunContext(ctx, "exec1", "alice", sess, reg, emit, 0, logging.NoOpLogger{})

	out, err := exec.Run(rc, "too late")
	if err == nil {
		t.Fatal("expected error from cancelled run")
	}
	if out.State != StateFailed {
		t.Fatalf("outcome state = %q, want FAILED", out.State)
	}
	if out.Error == "" {
		t.Fatal("outcome carries no diagnostic")
	}
	if !rc.Session.Terminal() {
		t.Fatal("session not terminal after cancelled run")
	}
}

func TestRun_KnowledgeGatherFoldsPassages(t *testing.T) {
	provider := model.NewMockProvider("m").Script(
		model.Response{Text: "plan", FinishReason: "stop"},
		model.Response{Text: "done", FinishReason: "stop"},
	)
	store := knowledge.NewInMemoryStore()
	store.Add("the deploy pipeline runs on merge to main", nil)

	exec, err := New(testDef(true), provider, func(o *Options) { o.Retriever = store })
	if err != nil {
		t.Fatalf("new executor: %v", err)
	}

	rc, collect := newRun(t)
	out, err := exec.Run(rc, "when does the deploy pipeline run?")
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if out.State != StateDone {
		t.Fatalf("expected DONE, got %s", out.State)
	}

	if n := nodeStarts(collect(), "knowledge_gather"); n != 1 {
		t.Fatalf("expected one knowledge_gather node, got %d", n)
	}

	// The synthesis request must carry the retrieved context.
	synReq := provider.Requests()[1]
	found := false
	for _, m := range synReq.Messages {
		if strings.Contains(m.Text(), "Relevant context") {
			found = true
		}
	}
	if !found {
		t.Fatalf("retrieved passages not folded into the transcript")
	}
}

func TestRun_ToolLoop(t *testing.T) {
	echo := tool.NewFunctionTool("echo", "Echo text back",
		map[string]any{
			"type":       "object",
			"properties": map[string]any{"text": map[string]any{"type": "string"}},
			"required":   []string{"text"},
		},
		func(rc *core.RunContext, args map[string]any) (any, error) {
			return args["text"], nil
		},
	)

	provider := model.NewMockProvider("m").Script(
		model.Response{Text: "plan", FinishReason: "stop"},
		model.Response{ToolCalls: []core.ToolCallRequest{{ID: "c1", Name: "echo", Arguments: `{"text":"hi"}`}}, FinishReason: "tool_calls"},
		model.Response{Text: "echo said hi", FinishReason: "stop"},
		model.Response{Text: "All done: hi", FinishReason: "stop"},
	)
	exec, err := New(testDef(false), provider, func(o *Options) {
		o.Tools = tool.NewRegistry(echo)
	})
	if err != nil {
		t.Fatalf("new executor: %v", err)
	}

	rc, collect := newRun(t)
	out, err := exec.Run(rc, "echo hi")
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if out.State != StateDone {
		t.Fatalf("expected DONE, got %s", out.State)
	}
	if provider.CallCount() != 4 {
		t.Fatalf("expected 4 model calls, got %d", provider.CallCount())
	}

	events := collect()
	if n := nodeStarts(events, "execution"); n != 1 {
		t.Fatalf("expected one execution node, got %d", n)
	}

	// Structured convention: tool result appended as a tool-role message.
	sawResult := false
	for _, m := range rc.Session.Transcript() {
		if m.Role == core.RoleTool && len(m.ToolResults()) == 1 {
			sawResult = true
		}
	}
	if !sawResult {
		t.Fatalf("tool result missing from transcript")
	}
}

func TestRun_ToolLoopBoundedByMaxIterations(t *testing.T) {
	noop := tool.NewFunctionTool("noop", "Does nothing",
		map[string]any{"type": "object", "properties": map[string]any{}},
		func(rc *core.RunContext, args map[string]any) (any, error) { return "ok", nil },
	)
	call := core.ToolCallRequest{ID: "c", Name: "noop", Arguments: "{}"}

	provider := model.NewMockProvider("m").Script(
		model.Response{Text: "plan", FinishReason: "stop"},
		model.Response{ToolCalls: []core.ToolCallRequest{call}},
		model.Response{ToolCalls: []core.ToolCallRequest{call}},
		model.Response{Text: "final", FinishReason: "stop"},
	)

	def := testDef(false)
	def.Pipeline.MaxIterations = 2
	exec, err := New(def, provider, func(o *Options) { o.Tools = tool.NewRegistry(noop) })
	if err != nil {
		t.Fatalf("new executor: %v", err)
	}

	rc, _ := newRun(t)
	out, err := exec.Run(rc, "loop forever")
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	// planning + 2 bounded action calls + synthesis
	if provider.CallCount() != 4 {
		t.Fatalf("expected 4 model calls, got %d", provider.CallCount())
	}
	if rc.Session.ToolIterations != 2 {
		t.Fatalf("expected 2 loop iterations, got %d", rc.Session.ToolIterations)
	}
	if out.State != StateDone {
		t.Fatalf("expected DONE, got %s", out.State)
	}

	// The final iteration's request must not offer tools.
	lastAction := provider.Requests()[2]
	if len(lastAction.Tools) != 0 {
		t.Fatalf("final iteration still offered tools")
	}
}

func TestRun_ToolFailureFoldsBackIntoLoop(t *testing.T) {
	var attempts int
	flaky := tool.NewFunctionTool("flaky", "Fails once, then succeeds",
		map[string]any{"type": "object", "properties": map[string]any{}},
		func(rc *core.RunContext, args map[string]any) (any, error) {
			attempts++
			if attempts == 1 {
				return nil, tool.NewToolError("flaky", "transient backend hiccup", "EXECUTION_ERROR")
			}
			return "steady now", nil
		},
	)
	call := core.ToolCallRequest{ID: "c", Name: "flaky", Arguments: "{}"}

	provider := model.NewMockProvider("m").Script(
		model.Response{Text: "plan", FinishReason: "stop"},
		model.Response{ToolCalls: []core.ToolCallRequest{call}},
		model.Response{ToolCalls: []core.ToolCallRequest{call}},
		model.Response{Text: "worked on the second try", FinishReason: "stop"},
		model.Response{Text: "The tool succeeded after a retry.", FinishReason: "stop"},
	)
	exec, err := New(testDef(false), provider, func(o *Options) {
		o.Tools = tool.NewRegistry(flaky)
	})
	if err != nil {
		t.Fatalf("new executor: %v", err)
	}

	rc, collect := newRun(t)
	out, err := exec.Run(rc, "use the flaky tool")
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if out.State != StateDone {
		t.Fatalf("expected DONE, got %s", out.State)
	}
	if attempts != 2 {
		t.Fatalf("expected 2 tool invocations, got %d", attempts)
	}

	// The first failure stays inside the tool loop: no error_handling node.
	if n := nodeStarts(collect(), "error_handling"); n != 0 {
		t.Fatalf("tool failure must not enter error handling, got %d nodes", n)
	}

	// Both results land in the transcript, failure first.
	var results []core.ToolResultPart
	for _, m := range rc.Session.Transcript() {
		results = append(results, m.ToolResults()...)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 tool results, got %d", len(results))
	}
	if results[0].Result.Success || !results[1].Result.Success {
		t.Fatalf("expected failure then success, got %v then %v",
			results[0].Result.Success, results[1].Result.Success)
	}
}

func TestRun_SandboxFailureRetriesBounded(t *testing.T) {
	codeResp := model.Response{Text: "```python\nraise SystemExit(1)\n```"}
	provider := model.NewMockProvider("m").Script(
		model.Response{Text: "plan", FinishReason: "stop"},
		codeResp, codeResp, codeResp,
		model.Response{Text: "sorry, it kept failing", FinishReason: "stop"},
	)
	rt := &fakeRuntime{
		results: []*sandbox.Result{
			{ExitCode: 1, Stderr: "boom 1"},
			{ExitCode: 1, Stderr: "boom 2"},
			{ExitCode: 1, Stderr: "boom 3"},
		},
	}

	def := testDef(false)
	def.Pipeline.MaxIterations = 5
	exec, err := New(def, provider, func(o *Options) { o.Runtime = rt })
	if err != nil {
		t.Fatalf("new executor: %v", err)
	}

	rc, collect := newRun(t)
	out, err := exec.Run(rc, "run something broken")
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if out.State != StateFailed {
		t.Fatalf("expected FAILED, got %s", out.State)
	}
	if !strings.Contains(out.Error, "after 2 retries") {
		t.Fatalf("unexpected error: %q", out.Error)
	}
	if len(out.Attempts) != 3 {
		t.Fatalf("expected 3 attempts (initial + 2 retries), got %d", len(out.Attempts))
	}

	events := collect()
	if n := nodeStarts(events, "error_handling"); n != 2 {
		t.Fatalf("expected 2 error_handling nodes, got %d", n)
	}
	if n := nodeStarts(events, "synthesis"); n != 1 {
		t.Fatalf("synthesis must run exactly once, got %d", n)
	}
	if out.FinalText == "" {
		t.Fatalf("failed run still needs user-facing text")
	}
}

func TestRun_SandboxTimeoutIsFatal(t *testing.T) {
	provider := model.NewMockProvider("m").Script(
		model.Response{Text: "plan", FinishReason: "stop"},
		model.Response{Text: "```python\nwhile True: pass\n```"},
		model.Response{Text: "it never finished", FinishReason: "stop"},
	)
	rt := &fakeRuntime{
		results: []*sandbox.Result{{ExitCode: -1}},
		errs:    []error{&sandbox.TimeoutError{Mode: sandbox.ModeIsolated, Limit: time.Second}},
	}

	exec, err := New(testDef(false), provider, func(o *Options) { o.Runtime = rt })
	if err != nil {
		t.Fatalf("new executor: %v", err)
	}

	rc, collect := newRun(t)
	out, err := exec.Run(rc, "run forever")
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if out.State != StateFailed {
		t.Fatalf("expected FAILED, got %s", out.State)
	}
	if len(out.Attempts) != 1 {
		t.Fatalf("timeout must not be retried, got %d attempts", len(out.Attempts))
	}

	events := collect()
	if n := nodeStarts(events, "error_handling"); n != 0 {
		t.Fatalf("error_handling entered after timeout, %d starts", n)
	}
	if n := nodeStarts(events, "synthesis"); n != 1 {
		t.Fatalf("synthesis must still run once, got %d", n)
	}
	if out.FinalText != "it never finished" {
		t.Fatalf("unexpected final text %q", out.FinalText)
	}
}

func TestRun_SandboxSuccess(t *testing.T) {
	provider := model.NewMockProvider("m").Script(
		model.Response{Text: "plan", FinishReason: "stop"},
		model.Response{Text: "```python\nprint(42)\n```"},
		model.Response{Text: "The result is 42.", FinishReason: "stop"},
	)
	rt := &fakeRuntime{results: []*sandbox.Result{{ExitCode: 0, Stdout: "42\n"}}}

	exec, err := New(testDef(false), provider, func(o *Options) { o.Runtime = rt })
	if err != nil {
		t.Fatalf("new executor: %v", err)
	}

	rc, _ := newRun(t)
	out, err := exec.Run(rc, "compute something")
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if out.State != StateDone {
		t.Fatalf("expected DONE, got %s", out.State)
	}
	if len(out.Attempts) != 1 || out.Attempts[0].Result.ExitCode != 0 {
		t.Fatalf("unexpected attempts: %#v", out.Attempts)
	}

	// Stdout folded back into the transcript for synthesis.
	found := false
	for _, m := range rc.Session.Transcript() {
		if strings.Contains(m.Text(), "42") && m.Role == core.RoleUser {
			found = true
		}
	}
	if !found {
		t.Fatalf("execution output missing from transcript")
	}
}

func TestTransitionTable(t *testing.T) {
	legal := [][2]State{
		{StatePlanning, StateKnowledgeGather},
		{StatePlanning, StateSynthesis},
		{StateActionGen, StateExecution},
		{StateExecution, StateErrorHandling},
		{StateErrorHandling, StateActionGen},
		{StateSynthesis, StateFailed},
	}
	for _, edge := range legal {
		if !CanTransition(edge[0], edge[1]) {
			t.Fatalf("expected legal edge %s -> %s", edge[0], edge[1])
		}
	}
	illegal := [][2]State{
		{StateSynthesis, StateActionGen},
		{StateKnowledgeGather, StateErrorHandling},
		{StateDone, StatePlanning},
	}
	for _, edge := range illegal {
		if CanTransition(edge[0], edge[1]) {
			t.Fatalf("expected illegal edge %s -> %s", edge[0], edge[1])
		}
	}
}

func TestExtractCode(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"```python\nprint(1)\n```", "print(1)"},
		{"prose only", ""},
		{"before ```\nx = 1\n``` after", "x = 1"},
		{"```\nno lang\n```", "no lang"},
	}
	for _, c := range cases {
		if got := extractCode(c.in); got != c.want {
			t.Fatalf("extractCode(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

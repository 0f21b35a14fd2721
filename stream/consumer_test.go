package stream

import (
	"testing"

	"github.com/calder-labs/stagecoach/core"
	"github.com/stretchr/testify/require"
)

func TestConsumer_RebuildsSessionTree(t *testing.T) {
	c := NewConsumer()

	// Root planning, then a delegated child session with its own steps.
	c.Apply(core.NewNodeStartEvent("e1", "root:planning", "planning"))
	c.Apply(core.NewNodeEndEvent("e1", "root:planning", core.NodeStatusCompleted, ""))

	c.Apply(core.NewSessionStartEvent("e1", "child1", "agent:automation", "child1", "root"))
	c.Apply(core.NewNodeStartEvent("e1", "child1:planning", "planning"))
	c.Apply(core.NewTokenEvent("e1", "child1:planning", "plan text"))
	c.Apply(core.NewNodeEndEvent("e1", "child1:planning", core.NodeStatusCompleted, ""))
	c.Apply(core.NewNodeStartEvent("e1", "child1:synthesis", "synthesis"))
	c.Apply(core.NewTokenEvent("e1", "child1:synthesis", "the answer"))
	c.Apply(core.NewNodeEndEvent("e1", "child1:synthesis", core.NodeStatusCompleted, ""))
	c.Apply(core.NewNodeEndEvent("e1", "child1", core.NodeStatusCompleted, ""))
	c.Apply(core.NewResponseCompleteEvent("e1"))

	resp := c.Response()
	require.True(t, resp.Complete)
	require.Equal(t, "the answer", resp.FinalAnswer)

	// Root has planning plus the delegated agent step; the child's steps
	// nest under the agent step, not the root.
	require.Len(t, resp.Steps, 2)
	require.Equal(t, "planning", resp.Steps[0].Name)
	agent := resp.Steps[1]
	require.Equal(t, "agent:automation", agent.Name)
	require.Equal(t, "child1", agent.SessionID)
	require.Len(t, agent.Children, 2)
	require.Equal(t, "plan text", agent.Children[0].Content)
	require.Equal(t, StepCompleted, agent.Children[1].Status)
}

func TestConsumer_IterationMarkersInvisible(t *testing.T) {
	c := NewConsumer()
	c.Apply(core.NewIterationEvent("e1", 1, 3))
	c.Apply(core.NewIterationEvent("e1", 2, 3))
	require.Empty(t, c.Response().Steps)
}

func TestConsumer_DesyncSynthesizesImplicitStep(t *testing.T) {
	c := NewConsumer()
	// Token arrives for a node with no prior node_start.
	c.Apply(core.NewTokenEvent("e1", "s1:execution", "orphan output"))

	resp := c.Response()
	require.Len(t, resp.Steps, 1)
	require.True(t, resp.Steps[0].Implicit)
	require.Equal(t, "execution", resp.Steps[0].Name)
	require.Equal(t, "orphan output", resp.Steps[0].Content)

	// A later start for the same node does not duplicate the step.
	c.Apply(core.NewNodeStartEvent("e1", "s1:execution", "execution"))
	require.Len(t, c.Response().Steps, 1)
}

func TestConsumer_FinalAnswerRouting(t *testing.T) {
	c := NewConsumer()
	c.Apply(core.NewNodeStartEvent("e1", "s1:action_generation", "action_generation"))
	c.Apply(core.NewTokenEvent("e1", "s1:action_generation", "intermediate"))
	c.Apply(core.NewNodeStartEvent("e1", "s1:synthesis", "synthesis"))
	c.Apply(core.NewTokenEvent("e1", "s1:synthesis", "final "))
	c.Apply(core.NewTokenEvent("e1", "s1:synthesis", "words"))
	// empty node id routes straight to the final answer
	c.Apply(core.NewTokenEvent("e1", "", "!"))

	resp := c.Response()
	require.Equal(t, "final words!", resp.FinalAnswer)
	require.Equal(t, "intermediate", resp.Steps[0].Content)
}

func TestConsumer_NodeEndIsTerminal(t *testing.T) {
	c := NewConsumer()
	c.Apply(core.NewNodeStartEvent("e1", "s1:execution", "execution"))
	c.Apply(core.NewNodeEndEvent("e1", "s1:execution", core.NodeStatusFailed, "exit 1"))
	// A replayed end with a different status does not reopen the step.
	c.Apply(core.NewNodeEndEvent("e1", "s1:execution", core.NodeStatusCompleted, ""))

	step := c.Response().Steps[0]
	require.Equal(t, StepFailed, step.Status)
	require.Equal(t, "exit 1", step.Error)
}

func TestConsumer_TokensAfterEndAreDropped(t *testing.T) {
	c := NewConsumer()
	c.Apply(core.NewNodeStartEvent("e1", "s1:execution", "execution"))
	c.Apply(core.NewTokenEvent("e1", "s1:execution", "before"))
	c.Apply(core.NewNodeEndEvent("e1", "s1:execution", core.NodeStatusCompleted, ""))
	c.Apply(core.NewTokenEvent("e1", "s1:execution", " after-end"))

	require.Equal(t, "before", c.Response().Steps[0].Content)

	// Same rule protects the final answer: a late synthesis token neither
	// reopens the step nor grows the answer.
	c.Apply(core.NewNodeStartEvent("e1", "s1:synthesis", "synthesis"))
	c.Apply(core.NewTokenEvent("e1", "s1:synthesis", "answer"))
	c.Apply(core.NewNodeEndEvent("e1", "s1:synthesis", core.NodeStatusCompleted, ""))
	c.Apply(core.NewTokenEvent("e1", "s1:synthesis", " stale"))

	resp := c.Response()
	require.Equal(t, "answer", resp.FinalAnswer)
	require.Equal(t, "answer", resp.Steps[1].Content)
}

func TestConsumer_MediaAndErrors(t *testing.T) {
	c := NewConsumer()
	c.Apply(core.NewMediaEvent(core.EventImage, "e1", "https://example.com/a.png"))
	c.Apply(core.NewMediaEvent(core.EventVideo, "e1", "https://example.com/b.mp4"))
	c.Apply(core.NewErrorEvent("e1", "backend unavailable"))

	resp := c.Response()
	require.Len(t, resp.Media, 2)
	require.Equal(t, "image", resp.Media[0].Kind)
	require.Equal(t, "backend unavailable", resp.Err)
}

func TestConsumer_UnknownEventTypesIgnored(t *testing.T) {
	c := NewConsumer()
	c.Apply(core.Event{Type: core.EventType("telemetry"), ExecutionID: "e1"})
	require.Empty(t, c.Response().Steps)
}

func TestConsumer_FinalizeClosesDanglingSteps(t *testing.T) {
	c := NewConsumer()
	c.Apply(core.NewNodeStartEvent("e1", "s1:execution", "execution"))
	c.Finalize()
	c.Finalize() // idempotent

	step := c.Response().Steps[0]
	require.Equal(t, StepFailed, step.Status)
	require.Equal(t, "stream interrupted", step.Error)
}

package stream_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/calder-labs/stagecoach/internal/testutil"
	"github.com/calder-labs/stagecoach/stream"
)

// Replays a full delegated run through the consumer, including the parts a
// consumer must stay silent about (iteration markers) and a failed branch.
func TestConsumer_ReplayFullRun(t *testing.T) {
	log := testutil.NewEventLogBuilder("e1").
		Node("root:planning", "planning").
		EndNode("root:planning").
		ChildSession("auto", "agent:automation", "root").
		Node("auto:planning", "planning").
		EndNode("auto:planning").
		Iteration(1, 3).
		Node("auto:execution", "execution").
		FailNode("auto:execution", "exit 1").
		Node("auto:error_handling", "error_handling").
		EndNode("auto:error_handling").
		Node("auto:execution#2", "execution").
		EndNode("auto:execution#2").
		Node("auto:synthesis", "synthesis").
		Token("auto:synthesis", "recovered after a retry").
		EndNode("auto:synthesis").
		EndNode("auto").
		Complete().
		Build()

	c := stream.NewConsumer()
	for _, ev := range log {
		c.Apply(ev)
	}

	resp := c.Response()
	require.True(t, resp.Complete)
	require.Equal(t, "recovered after a retry", resp.FinalAnswer)

	require.Len(t, resp.Steps, 2)
	agent := resp.Steps[1]
	require.Equal(t, "agent:automation", agent.Name)
	require.Len(t, agent.Children, 5)
	require.Equal(t, stream.StepFailed, agent.Children[1].Status)
	require.Equal(t, "exit 1", agent.Children[1].Error)
	require.Equal(t, stream.StepCompleted, agent.Children[3].Status)
}

// Reconstruction is deterministic: the same log fed through two fresh
// consumers yields byte-identical trees, including the awkward parts
// (iteration markers, a token with no prior node_start, late tokens).
func TestConsumer_ReplayIsDeterministic(t *testing.T) {
	log := testutil.NewEventLogBuilder("e1").
		Node("root:planning", "planning").
		EndNode("root:planning").
		ChildSession("auto", "agent:automation", "root").
		Iteration(1, 3).
		Token("auto:execution", "orphan output").
		Node("auto:execution", "execution").
		EndNode("auto:execution").
		Token("auto:execution", "late").
		Node("auto:synthesis", "synthesis").
		Token("auto:synthesis", "done").
		EndNode("auto:synthesis").
		EndNode("auto").
		Complete().
		Build()

	replay := func() []byte {
		c := stream.NewConsumer()
		for _, ev := range log {
			c.Apply(ev)
		}
		c.Finalize()
		data, err := json.Marshal(c.Response())
		require.NoError(t, err)
		return data
	}

	require.Equal(t, string(replay()), string(replay()))
}

func TestConsumer_ReplayInterruptedRun(t *testing.T) {
	log := testutil.NewEventLogBuilder("e1").
		Node("s1:planning", "planning").
		EndNode("s1:planning").
		Node("s1:execution", "execution").
		Error("backend unavailable").
		Build()

	c := stream.NewConsumer()
	for _, ev := range log {
		c.Apply(ev)
	}
	c.Finalize()

	resp := c.Response()
	require.False(t, resp.Complete)
	require.Equal(t, "backend unavailable", resp.Err)
	require.Equal(t, stream.StepFailed, resp.Steps[1].Status)
	require.Equal(t, "stream interrupted", resp.Steps[1].Error)
}

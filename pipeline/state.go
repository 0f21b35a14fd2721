// Package pipeline implements the per-agent finite-state machine: plan,
// gather knowledge, generate actions, execute them with bounded recovery, and
// always close with a synthesis step that produces the user-facing text.
package pipeline

import "fmt"

// State enumerates the pipeline states. Session.State carries the string form.
type State string

const (
	StatePlanning        State = "PLANNING"
	StateKnowledgeGather State = "KNOWLEDGE_GATHER"
	StateActionGen       State = "ACTION_GENERATION"
	StateExecution       State = "EXECUTION"
	StateErrorHandling   State = "ERROR_HANDLING"
	StateSynthesis       State = "SYNTHESIS"
	StateDone            State = "DONE"
	StateFailed          State = "FAILED"
)

// NodeName is the step label emitted on the event stream for this state.
func (s State) NodeName() string {
	switch s {
	case StatePlanning:
		return "planning"
	case StateKnowledgeGather:
		return "knowledge_gather"
	case StateActionGen:
		return "action_generation"
	case StateExecution:
		return "execution"
	case StateErrorHandling:
		return "error_handling"
	case StateSynthesis:
		return "synthesis"
	default:
		return string(s)
	}
}

// Terminal reports whether the state ends the session.
func (s State) Terminal() bool { return s == StateDone || s == StateFailed }

// transitions is the enumerated state/transition table. Synthesis is reachable
// from every working state so a run can always close with user-facing text.
var transitions = map[State][]State{
	StatePlanning:        {StateKnowledgeGather, StateActionGen, StateSynthesis},
	StateKnowledgeGather: {StateActionGen, StateSynthesis},
	StateActionGen:       {StateExecution, StateSynthesis},
	StateExecution:       {StateActionGen, StateErrorHandling, StateSynthesis},
	StateErrorHandling:   {StateActionGen, StateSynthesis},
	StateSynthesis:       {StateDone, StateFailed},
}

// CanTransition reports whether from → to is a legal edge.
func CanTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// checkTransition returns an error for illegal edges. Illegal edges are
// programming mistakes, not runtime conditions.
func checkTransition(from, to State) error {
	if from == "" {
		return nil
	}
	if !CanTransition(from, to) {
		return fmt.Errorf("illegal pipeline transition %s -> %s", from, to)
	}
	return nil
}

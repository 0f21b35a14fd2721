package orchestrator

import (
	"sort"
	"strings"

	"github.com/calder-labs/stagecoach/config"
)

// automationKeywords trigger the highest-priority routing tier.
var automationKeywords = []string{
	"run", "execute", "script", "deploy", "install", "automate",
	"schedule", "cron", "restart", "provision",
}

// FallbackRoute deterministically routes a message to exactly one agent when
// classification produced no usable plan. Priority: automation keywords, then
// agent-declared domain keywords, then the conversational default. It is
// total: with at least one definition it always returns a single-step plan.
func FallbackRoute(message string, defs []*config.AgentDefinition) *ExecutionPlan {
	if len(defs) == 0 {
		return nil
	}
	sorted := make([]*config.AgentDefinition, len(defs))
	copy(sorted, defs)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	target := pickTarget(message, sorted)
	return &ExecutionPlan{
		TaskType:       "fallback",
		Complexity:     "unknown",
		Strategy:       StrategyDirect,
		NeedsKnowledge: target.Pipeline.NeedsKnowledge,
		Steps: []PlanStep{{
			StepIndex:   0,
			TargetAgent: target.ID,
			Instruction: message,
		}},
	}
}

func pickTarget(message string, sorted []*config.AgentDefinition) *config.AgentDefinition {
	lowered := strings.ToLower(message)

	// Tier 1: automation intent goes to an automation-capable agent.
	if containsAny(lowered, automationKeywords) {
		for _, def := range sorted {
			if isAutomationAgent(def) {
				return def
			}
		}
	}

	// Tier 2: agent-declared domain keywords.
	for _, def := range sorted {
		if def.MatchesKeyword(message) {
			return def
		}
	}

	// Tier 3: conversational default. An agent without keywords is the
	// generalist; otherwise the first by id.
	for _, def := range sorted {
		if len(def.Keywords) == 0 {
			return def
		}
	}
	return sorted[0]
}

func isAutomationAgent(def *config.AgentDefinition) bool {
	if strings.Contains(strings.ToLower(def.ID), "automation") {
		return true
	}
	for _, kw := range def.Keywords {
		if containsAny(strings.ToLower(kw), automationKeywords) {
			return true
		}
	}
	return false
}

func containsAny(lowered string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(lowered, kw) {
			return true
		}
	}
	return false
}

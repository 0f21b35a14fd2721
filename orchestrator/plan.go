// Package orchestrator classifies an inbound request into an execution plan
// and delegates each plan step to a pipeline run, aggregating the results.
package orchestrator

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/kaptinlin/jsonrepair"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Strategy describes how a plan intends to satisfy the request.
type Strategy string

const (
	StrategyDirect             Strategy = "DIRECT"
	StrategyKnowledgeAugmented Strategy = "KNOWLEDGE_AUGMENTED"
	StrategyExploratory        Strategy = "EXPLORATORY"
	StrategyMultiStep          Strategy = "MULTI_STEP"
)

// PlanStep delegates one instruction to one agent.
type PlanStep struct {
	StepIndex   int    `json:"step_index"`
	TargetAgent string `json:"target_agent"`
	Instruction string `json:"instruction"`
}

// ExecutionPlan is created once per invocation and immutable afterwards.
type ExecutionPlan struct {
	TaskType       string     `json:"task_type"`
	Complexity     string     `json:"complexity"`
	Strategy       Strategy   `json:"strategy"`
	NeedsKnowledge bool       `json:"needs_knowledge"`
	Steps          []PlanStep `json:"execution_plan"`
}

const planSchemaJSON = `{
  "type": "object",
  "required": ["task_type", "strategy", "needs_knowledge", "execution_plan"],
  "properties": {
    "task_type": {"type": "string", "minLength": 1},
    "complexity": {"type": "string"},
    "strategy": {"enum": ["DIRECT", "KNOWLEDGE_AUGMENTED", "EXPLORATORY", "MULTI_STEP"]},
    "needs_knowledge": {"type": "boolean"},
    "execution_plan": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["step_index", "target_agent", "instruction"],
        "properties": {
          "step_index": {"type": "integer", "minimum": 0},
          "target_agent": {"type": "string", "minLength": 1},
          "instruction": {"type": "string", "minLength": 1}
        }
      }
    }
  }
}`

var planSchema = jsonschema.MustCompileString("plan.json", planSchemaJSON)

// ParsePlan turns a model classification response into a validated plan.
// Mild JSON damage (code fences, trailing commas, single quotes) is repaired
// before validation; anything that still fails the schema is an error, which
// callers answer with the deterministic fallback router.
func ParsePlan(raw string) (*ExecutionPlan, error) {
	cleaned := stripFences(raw)
	repaired, err := jsonrepair.JSONRepair(cleaned)
	if err != nil {
		return nil, fmt.Errorf("repair plan json: %w", err)
	}

	var doc any
	if err := json.Unmarshal([]byte(repaired), &doc); err != nil {
		return nil, fmt.Errorf("decode plan json: %w", err)
	}
	if err := planSchema.Validate(doc); err != nil {
		return nil, fmt.Errorf("plan schema validation: %w", err)
	}

	var plan ExecutionPlan
	if err := json.Unmarshal([]byte(repaired), &plan); err != nil {
		return nil, fmt.Errorf("decode plan: %w", err)
	}
	sort.SliceStable(plan.Steps, func(i, j int) bool {
		return plan.Steps[i].StepIndex < plan.Steps[j].StepIndex
	})
	return &plan, nil
}

// stripFences removes a surrounding markdown code fence, if present.
func stripFences(raw string) string {
	s := strings.TrimSpace(raw)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:]
	}
	if end := strings.LastIndex(s, "```"); end >= 0 {
		s = s[:end]
	}
	return strings.TrimSpace(s)
}

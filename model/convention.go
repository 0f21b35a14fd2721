package model

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strings"

	"github.com/calder-labs/stagecoach/core"
)

// Convention names accepted in agent definitions.
const (
	ConventionInline     = "inline"
	ConventionStructured = "structured"
)

// ResultPayloadCeiling bounds the serialized size of a structured tool result.
// Larger payloads are replaced by a {truncated: true, summary} object.
const ResultPayloadCeiling = 8000

// inlineListPreviewItems is how many list items an inline digest shows.
const inlineListPreviewItems = 3

// inlineDigestCeiling bounds the length of an inline natural-language digest.
const inlineDigestCeiling = 1200

// Convention reconciles the two incompatible tool-calling message conventions
// used by different backends. The message sequence is append-only: a
// convention only ever produces messages to append, never rewrites history.
//
// Selected once per agent definition, not re-derived per call.
type Convention interface {
	// Name returns the convention identifier.
	Name() string

	// BuildAssistantCallMessage returns the synthetic assistant turn
	// enumerating structured call objects, or ok=false when the convention
	// embeds calls in the assistant turn already and no extra turn is needed.
	BuildAssistantCallMessage(calls []core.ToolCallRequest) (core.Message, bool)

	// BuildResultMessage serializes one tool result as a message to append
	// after the assistant turn.
	BuildResultMessage(call core.ToolCallRequest, result core.ToolCallResult) core.Message
}

// ConventionFor resolves a convention by name. Unknown names are an error so
// misconfigured agent definitions fail at load time, not mid-run.
func ConventionFor(name string) (Convention, error) {
	switch name {
	case ConventionInline:
		return inlineConvention{}, nil
	case ConventionStructured:
		return structuredConvention{}, nil
	default:
		return nil, fmt.Errorf("unknown tool-call convention %q", name)
	}
}

// inlineConvention matches backends where the assistant turn already embeds
// the call. Tool results are appended as plain natural-language content with
// no synthetic turn; list-shaped payloads become a count plus a truncated
// item preview.
type inlineConvention struct{}

func (inlineConvention) Name() string { return ConventionInline }

func (inlineConvention) BuildAssistantCallMessage([]core.ToolCallRequest) (core.Message, bool) {
	return core.Message{}, false
}

func (inlineConvention) BuildResultMessage(call core.ToolCallRequest, result core.ToolCallResult) core.Message {
	var b strings.Builder
	if result.Success {
		fmt.Fprintf(&b, "Result of %s: %s", call.Name, digestPayload(result.Payload))
	} else {
		fmt.Fprintf(&b, "Tool %s failed: %s", call.Name, result.Error)
	}
	text := b.String()
	if len(text) > inlineDigestCeiling {
		text = text[:inlineDigestCeiling] + "… (truncated)"
	}
	return core.NewTextMessage(core.RoleUser, text)
}

// digestPayload renders a short human-readable digest of a tool payload.
func digestPayload(payload any) string {
	if payload == nil {
		return "ok"
	}
	v := reflect.ValueOf(payload)
	if v.Kind() == reflect.Slice || v.Kind() == reflect.Array {
		n := v.Len()
		preview := n
		if preview > inlineListPreviewItems {
			preview = inlineListPreviewItems
		}
		items := make([]string, 0, preview)
		for i := 0; i < preview; i++ {
			items = append(items, compactJSON(v.Index(i).Interface()))
		}
		suffix := ""
		if n > preview {
			suffix = ", …"
		}
		return fmt.Sprintf("%d items: [%s%s]", n, strings.Join(items, ", "), suffix)
	}
	return compactJSON(payload)
}

func compactJSON(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}

// structuredConvention matches backends that require an explicit assistant
// turn enumerating structured call objects before any tool-result turns.
type structuredConvention struct{}

func (structuredConvention) Name() string { return ConventionStructured }

func (structuredConvention) BuildAssistantCallMessage(calls []core.ToolCallRequest) (core.Message, bool) {
	parts := make([]core.Part, 0, len(calls))
	for _, call := range calls {
		parts = append(parts, core.ToolCallPart{Call: call})
	}
	return core.Message{Role: core.RoleAssistant, Parts: parts}, true
}

func (structuredConvention) BuildResultMessage(call core.ToolCallRequest, result core.ToolCallResult) core.Message {
	bounded := result
	if result.Success {
		serialized := compactJSON(result.Payload)
		if len(serialized) > ResultPayloadCeiling {
			bounded.Payload = map[string]any{
				"truncated": true,
				"summary":   serialized[:ResultPayloadCeiling],
			}
		}
	}
	return core.Message{
		Role:  core.RoleTool,
		Parts: []core.Part{core.ToolResultPart{Call: call, Result: bounded}},
	}
}

// Package anthropic provides a provider adapter for the Anthropic Messages
// API. It follows the inline tool-calling convention: the assistant turn
// already embeds tool_use blocks, and tool results travel as content blocks
// rather than synthetic turns.
package anthropic

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/shared/constant"
	"github.com/calder-labs/stagecoach/core"
	"github.com/calder-labs/stagecoach/model"
)

// Options configures the Anthropic provider adapter.
type Options struct {
	Model       anthropic.Model
	Temperature float64
	MaxTokens   int64
	APIKey      string
}

// Provider wraps the Anthropic Messages API behind the generic model.Provider
// interface.
type Provider struct {
	client *anthropic.Client
	opts   Options
}

// NewProvider creates a new Anthropic provider using the official client.
func NewProvider(optFns ...func(o *Options)) *Provider {
	opts := Options{
		Model:       anthropic.ModelClaude3_5Sonnet20241022,
		Temperature: 0.7,
		MaxTokens:   4096,
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	var clientOpts []option.RequestOption
	if opts.APIKey != "" {
		clientOpts = append(clientOpts, option.WithAPIKey(opts.APIKey))
	}
	client := anthropic.NewClient(clientOpts...)

	return &Provider{client: &client, opts: opts}
}

// NewProviderFromClient creates a new Anthropic provider from an existing client.
func NewProviderFromClient(client *anthropic.Client, optFns ...func(o *Options)) *Provider {
	opts := Options{
		Model:       anthropic.ModelClaude3_5Sonnet20241022,
		Temperature: 0.7,
		MaxTokens:   4096,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Provider{client: client, opts: opts}
}

// Generate implements model.Provider. The Anthropic path is non-streaming:
// a single final response is emitted.
func (p *Provider) Generate(ctx context.Context, req model.Request) (<-chan model.Response, <-chan error) {
	out := make(chan model.Response, 1)
	errCh := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errCh)

		params := anthropic.MessageNewParams{
			Model:       p.opts.Model,
			Messages:    p.buildMessages(req.Messages),
			MaxTokens:   p.opts.MaxTokens,
			Temperature: anthropic.Float(p.opts.Temperature),
		}

		if system := p.systemBlocks(req); len(system) > 0 {
			params.System = system
		}
		if len(req.Tools) > 0 {
			params.Tools = p.buildTools(req.Tools)
		}

		resp, err := p.client.Messages.New(ctx, params)
		if err != nil {
			errCh <- &model.ProviderError{Provider: "anthropic", Err: err}
			return
		}

		var final model.Response
		for _, block := range resp.Content {
			switch block.Type {
			case "text":
				final.Text += block.AsText().Text
			case "tool_use":
				toolBlock := block.AsToolUse()
				args := ""
				if toolBlock.Input != nil {
					if argsBytes, err := json.Marshal(toolBlock.Input); err == nil {
						args = string(argsBytes)
					}
				}
				final.ToolCalls = append(final.ToolCalls, core.ToolCallRequest{
					ID:        toolBlock.ID,
					Name:      toolBlock.Name,
					Arguments: args,
				})
			}
		}

		final.FinishReason = "stop"
		if resp.StopReason != "" {
			final.FinishReason = string(resp.StopReason)
		}
		out <- final
	}()

	return out, errCh
}

// systemBlocks merges the request instructions and any system-role messages.
func (p *Provider) systemBlocks(req model.Request) []anthropic.TextBlockParam {
	var blocks []anthropic.TextBlockParam
	if req.Instructions != "" {
		blocks = append(blocks, anthropic.TextBlockParam{Text: req.Instructions})
	}
	for _, m := range req.Messages {
		if m.Role == core.RoleSystem {
			if text := m.Text(); text != "" {
				blocks = append(blocks, anthropic.TextBlockParam{Text: text})
			}
		}
	}
	return blocks
}

// buildMessages converts normalized messages to Anthropic message params.
func (p *Provider) buildMessages(messages []core.Message) []anthropic.MessageParam {
	var out []anthropic.MessageParam
	for _, m := range messages {
		switch m.Role {
		case core.RoleSystem:
			continue // handled separately
		case core.RoleAssistant:
			if content := p.assistantContent(m); len(content) > 0 {
				out = append(out, anthropic.NewAssistantMessage(content...))
			}
		default:
			// Tool results and unknown roles travel as user content blocks.
			if content := p.userContent(m); len(content) > 0 {
				out = append(out, anthropic.NewUserMessage(content...))
			}
		}
	}
	return out
}

func (p *Provider) userContent(m core.Message) []anthropic.ContentBlockParamUnion {
	var content []anthropic.ContentBlockParamUnion
	for _, part := range m.Parts {
		switch pt := part.(type) {
		case core.TextPart:
			if pt.Text != "" {
				content = append(content, anthropic.NewTextBlock(pt.Text))
			}
		case core.ToolResultPart:
			serialized, _ := json.Marshal(pt.Result.Payload)
			body := string(serialized)
			if !pt.Result.Success {
				body = pt.Result.Error
			}
			content = append(content, anthropic.NewToolResultBlock(pt.Call.ID, body, !pt.Result.Success))
		}
	}
	return content
}

func (p *Provider) assistantContent(m core.Message) []anthropic.ContentBlockParamUnion {
	var content []anthropic.ContentBlockParamUnion
	for _, part := range m.Parts {
		switch pt := part.(type) {
		case core.TextPart:
			if pt.Text != "" {
				content = append(content, anthropic.NewTextBlock(pt.Text))
			}
		case core.ToolCallPart:
			var input any
			if pt.Call.Arguments != "" {
				if err := json.Unmarshal([]byte(pt.Call.Arguments), &input); err != nil {
					input = pt.Call.Arguments
				}
			}
			content = append(content, anthropic.NewToolUseBlock(pt.Call.ID, input, pt.Call.Name))
		}
	}
	return content
}

// buildTools converts normalized tool definitions to the Anthropic format.
func (p *Provider) buildTools(tools []model.ToolDefinition) []anthropic.ToolUnionParam {
	out := make([]anthropic.ToolUnionParam, len(tools))
	for i, tool := range tools {
		inputSchema := anthropic.ToolInputSchemaParam{
			Type: constant.Object("object"),
		}
		if tool.Parameters != nil {
			if properties, exists := tool.Parameters["properties"]; exists {
				inputSchema.Properties = properties
			}
			if required, exists := tool.Parameters["required"]; exists {
				switch req := required.(type) {
				case []string:
					inputSchema.Required = req
				case []any:
					for _, r := range req {
						if s, ok := r.(string); ok {
							inputSchema.Required = append(inputSchema.Required, s)
						}
					}
				}
			}
		}
		out[i] = anthropic.ToolUnionParamOfTool(inputSchema, tool.Name)
	}
	return out
}

// Info returns metadata describing this provider implementation.
func (p *Provider) Info() model.Info {
	return model.Info{
		Name:          fmt.Sprintf("%s", p.opts.Model),
		Provider:      "anthropic",
		SupportsTools: true,
	}
}

package openaicompat

import (
	"encoding/json"

	"github.com/pipewise/pipewise"
)

// parseResponse converts an OpenAI-format response into a pipewise
// ChatResponse, extracting content, tool calls, and usage from choices[0].
func parseResponse(resp chatResponse) pipewise.ChatResponse {
	var out pipewise.ChatResponse
	if len(resp.Choices) == 0 {
		return out
	}

	ch := resp.Choices[0]
	if ch.Message != nil {
		out.Content = ch.Message.Content
		out.ToolCalls = parseToolCalls(ch.Message.ToolCalls)
	}
	if resp.Usage != nil {
		out.Usage = pipewise.Usage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		}
	}
	return out
}

// parseToolCalls converts OpenAI tool call requests to pipewise ToolCalls.
// OpenAI returns function.arguments as a JSON string; invalid JSON falls
// back to an empty object so the registry's validation reports it.
func parseToolCalls(tcs []toolCallRequest) []pipewise.ToolCall {
	if len(tcs) == 0 {
		return nil
	}
	out := make([]pipewise.ToolCall, 0, len(tcs))
	for _, tc := range tcs {
		args := json.RawMessage(tc.Function.Arguments)
		if !json.Valid(args) {
			args = json.RawMessage(`{}`)
		}
		out = append(out, pipewise.ToolCall{
			ID:   tc.ID,
			Name: tc.Function.Name,
			Args: args,
		})
	}
	return out
}

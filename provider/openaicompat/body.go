package openaicompat

import (
	"encoding/json"

	"github.com/pipewise/pipewise"
)

// buildBody converts a pipewise ChatRequest into the OpenAI wire shape.
// The system prompt becomes the leading role:"system" message.
func buildBody(req pipewise.ChatRequest, model string) chatRequest {
	msgs := make([]message, 0, len(req.Messages)+1)
	if req.System != "" {
		msgs = append(msgs, message{Role: "system", Content: req.System})
	}

	for _, m := range req.Messages {
		switch {
		case m.Role == "assistant" && len(m.ToolCalls) > 0:
			tcs := make([]toolCallRequest, 0, len(m.ToolCalls))
			for _, tc := range m.ToolCalls {
				tcs = append(tcs, toolCallRequest{
					ID:   tc.ID,
					Type: "function",
					Function: functionCall{
						Name:      tc.Name,
						Arguments: string(tc.Args),
					},
				})
			}
			msgs = append(msgs, message{Role: "assistant", Content: m.Content, ToolCalls: tcs})

		case m.Role == "tool":
			msgs = append(msgs, message{Role: "tool", Content: m.Content, ToolCallID: m.ToolCallID})

		default:
			msgs = append(msgs, message{Role: m.Role, Content: m.Content})
		}
	}

	body := chatRequest{
		Model:     model,
		Messages:  msgs,
		MaxTokens: req.MaxTokens,
	}
	if req.Model != "" {
		body.Model = req.Model
	}
	if req.Temperature != 0 {
		t := req.Temperature
		body.Temperature = &t
	}
	if len(req.Tools) > 0 {
		body.Tools = buildToolDefs(req.Tools)
	}
	return body
}

// buildToolDefs converts pipewise tool definitions to the OpenAI format.
func buildToolDefs(tools []pipewise.ToolDefinition) []tool {
	out := make([]tool, 0, len(tools))
	for _, t := range tools {
		params := t.Parameters
		if len(params) == 0 {
			params = json.RawMessage(`{"type":"object"}`)
		}
		out = append(out, tool{
			Type: "function",
			Function: function{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  params,
			},
		})
	}
	return out
}

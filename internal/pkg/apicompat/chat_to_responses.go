package apicompat

import (
	"encoding/json"
	"strings"

	"github.com/google/uuid"
)

// ChatToResponses converts a Chat Completions request into a Responses API
// payload. The result is a generic map so the codex parity defaults can be
// layered on afterwards without re-parsing.
func ChatToResponses(req *ChatRequest) (map[string]any, error) {
	input, instructions := convertChatMessages(req.Messages)

	// Responses requires a leading user turn; synthesise one when the
	// conversation starts with anything else. An empty input stays empty.
	if len(input) > 0 && input[0].Role != "user" {
		lead := ResponsesInputItem{
			Role:    "user",
			Content: []ResponsesContentPart{{Type: "input_text", Text: " "}},
		}
		input = append([]ResponsesInputItem{lead}, input...)
	}

	payload := map[string]any{
		"model": req.Model,
		"input": input,
	}

	if req.Instructions != "" {
		payload["instructions"] = req.Instructions
	} else if instructions != "" {
		payload["instructions"] = instructions
	}

	if req.MaxTokens != nil && *req.MaxTokens > 0 {
		payload["max_output_tokens"] = *req.MaxTokens
	}
	if req.Temperature != nil {
		payload["temperature"] = *req.Temperature
	}
	if req.TopP != nil {
		payload["top_p"] = *req.TopP
	}
	if req.Stream {
		payload["stream"] = true
	}
	if len(req.Tools) > 0 {
		payload["tools"] = convertChatToolsToResponses(req.Tools)
	}
	if len(req.ToolChoice) > 0 {
		payload["tool_choice"] = req.ToolChoice
	}
	if len(req.Reasoning) > 0 {
		payload["reasoning"] = req.Reasoning
	}
	if req.ReasoningEffort != "" {
		payload["reasoning_effort"] = req.ReasoningEffort
	}

	return payload, nil
}

// convertChatMessages translates the messages array into Responses input
// items. System messages are collected into the returned instructions string
// (joined with blank lines) instead of becoming input items.
func convertChatMessages(msgs []ChatMessage) ([]ResponsesInputItem, string) {
	items := []ResponsesInputItem{}
	var systemTexts []string

	for _, m := range msgs {
		switch m.Role {
		case "system":
			if text := extractChatContentText(m.Content); text != "" {
				systemTexts = append(systemTexts, text)
			}
		case "assistant":
			items = append(items, chatAssistantToResponses(m)...)
		case "tool":
			items = append(items, chatToolToResponses(m))
		default:
			// user and any unknown role become a user message.
			items = append(items, chatUserToResponses(m))
		}
	}

	return items, strings.Join(systemTexts, "\n\n")
}

// chatUserToResponses maps a user (or unknown-role) ChatMessage to a Responses
// input message with input_text parts.
func chatUserToResponses(m ChatMessage) ResponsesInputItem {
	return ResponsesInputItem{
		Role:    "user",
		Content: chatContentToInputParts(m.Content),
	}
}

// chatAssistantToResponses maps an assistant ChatMessage to one or more input
// items: a message for text content, plus function_call items for each tool
// call.
func chatAssistantToResponses(m ChatMessage) []ResponsesInputItem {
	var items []ResponsesInputItem

	if text := extractChatContentText(m.Content); text != "" {
		items = append(items, ResponsesInputItem{
			Role:    "assistant",
			Content: []ResponsesContentPart{{Type: "output_text", Text: text}},
		})
	}

	for _, tc := range m.ToolCalls {
		items = append(items, ResponsesInputItem{
			Type:      "function_call",
			CallID:    tc.ID,
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}

	return items
}

// chatToolToResponses maps a tool ChatMessage to a function_call_output item.
// Tool messages without a tool_call_id get a fresh call id so upstream never
// sees an empty one.
func chatToolToResponses(m ChatMessage) ResponsesInputItem {
	callID := m.ToolCallID
	if callID == "" {
		callID = "call_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	}
	return ResponsesInputItem{
		Type:   "function_call_output",
		CallID: callID,
		Output: toolContentToOutput(m.Content),
	}
}

// toolContentToOutput renders tool-result content as a single string: text
// parts join with newlines, anything else is kept as its JSON text.
func toolContentToOutput(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}

	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}

	var parts []ChatContentPart
	if json.Unmarshal(raw, &parts) == nil {
		var texts []string
		allText := true
		for _, p := range parts {
			if p.Type == "text" {
				texts = append(texts, p.Text)
			} else {
				allText = false
			}
		}
		if allText && len(texts) > 0 {
			return strings.Join(texts, "\n")
		}
	}

	return string(raw)
}

// chatContentToInputParts converts ChatMessage.Content into input_text parts,
// preserving part boundaries for multi-part messages.
func chatContentToInputParts(raw json.RawMessage) []ResponsesContentPart {
	if len(raw) == 0 {
		return []ResponsesContentPart{{Type: "input_text", Text: ""}}
	}

	var s string
	if json.Unmarshal(raw, &s) == nil {
		return []ResponsesContentPart{{Type: "input_text", Text: s}}
	}

	var parts []ChatContentPart
	if json.Unmarshal(raw, &parts) == nil {
		out := make([]ResponsesContentPart, 0, len(parts))
		for _, p := range parts {
			if p.Type == "text" {
				out = append(out, ResponsesContentPart{Type: "input_text", Text: p.Text})
			}
		}
		if len(out) > 0 {
			return out
		}
	}

	return []ResponsesContentPart{{Type: "input_text", Text: ""}}
}

// convertChatToolsToResponses maps Chat Completions function tools to
// Responses API function tools. The schema passes through as-is; strict is
// kept explicit (null when the client omitted it).
func convertChatToolsToResponses(tools []ChatTool) []ResponsesTool {
	out := make([]ResponsesTool, 0, len(tools))
	for _, t := range tools {
		if t.Type != "function" {
			continue
		}
		out = append(out, ResponsesTool{
			Type:        "function",
			Name:        t.Function.Name,
			Description: t.Function.Description,
			Parameters:  t.Function.Parameters,
			Strict:      t.Function.Strict,
		})
	}
	return out
}

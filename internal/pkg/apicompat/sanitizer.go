package apicompat

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/tidwall/gjson"
)

// EmptyOutputFallback replaces the assistant message when upstream completes
// with no visible output at all.
const EmptyOutputFallback = "[upstream returned no assistant output; please retry]"

// toolProtocolRe matches internal tool-protocol chatter that must never be
// shown as assistant text: "assistant to=functions.x", "to=functions.x" and
// bare "functions.x" references.
var toolProtocolRe = regexp.MustCompile(`(?i)assistant to=functions\.[\w.-]+|\bto=functions\.[\w.-]+|\bfunctions\.[A-Za-z_][\w-]*`)

// plannerPrefixes mark planner scratchpad text by its opening words.
var plannerPrefixes = []string{
	"The user earlier asked:",
	"Now we need to reply final message",
	"Need summary:",
	"List commands run:",
	"Need final instructions:",
	"[Use functions tool",
}

// plannerStartRe matches the short imperative openers planner text uses.
var plannerStartRe = regexp.MustCompile(`^(?:Need to|Now run|Let's run|Use tool|Use functions|Input to tool|We'll run)\b|^Command:`)

// plannerMarkers are the phrases counted when they appear mid-text; two or
// more anywhere condemn the whole text.
var plannerMarkers = append(append([]string{}, plannerPrefixes...),
	"Need to ", "Now run ", "Let's run ", "Use tool ", "Use functions ",
	"Input to tool ", "Command: ", "We'll run ",
)

// ShouldDropVisibleText reports whether a visible text part leaks internal
// tool-protocol or planner chatter and must be suppressed.
func ShouldDropVisibleText(text string) bool {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return false
	}

	if toolProtocolRe.MatchString(trimmed) {
		return true
	}
	for _, prefix := range plannerPrefixes {
		if strings.HasPrefix(trimmed, prefix) {
			return true
		}
	}
	if plannerStartRe.MatchString(trimmed) {
		return true
	}

	found := 0
	for _, marker := range plannerMarkers {
		if strings.Contains(trimmed, marker) {
			found++
			if found >= 2 {
				return true
			}
		}
	}
	return false
}

// IsSentinelToolName reports whether a function-call name is an internal
// sentinel (the "functions." namespace) rather than a client tool.
func IsSentinelToolName(name string) bool {
	return strings.HasPrefix(strings.ToLower(name), "functions.")
}

// visibleContentPart keeps only output_text and refusal parts, with the
// planner/tool-protocol check applied to output_text.
func visibleContentPart(part ResponsesContentPart) bool {
	switch part.Type {
	case "output_text":
		return !ShouldDropVisibleText(part.Text)
	case "refusal":
		return true
	default:
		return false
	}
}

// SanitizeResponse strips reasoning artifacts and internal tool-protocol
// leakage from an accumulated response object. Idempotent.
func SanitizeResponse(resp *ResponsesResponse) *ResponsesResponse {
	if resp == nil {
		return nil
	}

	resp.Reasoning = nil

	out := resp.Output[:0]
	for _, item := range resp.Output {
		switch item.Type {
		case "reasoning":
			continue
		case "function_call":
			if IsSentinelToolName(item.Name) {
				continue
			}
		case "message", "":
			kept := make([]ResponsesContentPart, 0, len(item.Content))
			for _, part := range item.Content {
				if visibleContentPart(part) {
					kept = append(kept, part)
				}
			}
			if len(kept) == 0 {
				continue
			}
			item.Content = kept
		}
		out = append(out, item)
	}
	resp.Output = out
	return resp
}

// SanitizeResponseMap applies the same stripping to a generic response map,
// preserving fields the typed model does not know about. Used on the
// Responses-SSE passthrough path.
func SanitizeResponseMap(resp map[string]any) map[string]any {
	if resp == nil {
		return nil
	}

	delete(resp, "reasoning")

	rawOutput, ok := resp["output"].([]any)
	if !ok {
		return resp
	}

	kept := make([]any, 0, len(rawOutput))
	for _, raw := range rawOutput {
		item, ok := raw.(map[string]any)
		if !ok {
			kept = append(kept, raw)
			continue
		}
		itemType, _ := item["type"].(string)
		switch itemType {
		case "reasoning":
			continue
		case "function_call":
			if name, _ := item["name"].(string); IsSentinelToolName(name) {
				continue
			}
		case "message", "":
			parts, ok := item["content"].([]any)
			if ok {
				filtered := make([]any, 0, len(parts))
				for _, rawPart := range parts {
					part, ok := rawPart.(map[string]any)
					if !ok {
						continue
					}
					partType, _ := part["type"].(string)
					text, _ := part["text"].(string)
					if visibleContentPart(ResponsesContentPart{Type: partType, Text: text}) {
						filtered = append(filtered, rawPart)
					}
				}
				if len(filtered) == 0 {
					continue
				}
				item["content"] = filtered
			}
		}
		kept = append(kept, raw)
	}
	resp["output"] = kept
	return resp
}

// SanitizeChatResponse strips sentinel tool calls and leaked internal text
// from a chat.completion object delivered by upstream.
func SanitizeChatResponse(resp *ChatResponse) *ChatResponse {
	if resp == nil {
		return nil
	}
	for i := range resp.Choices {
		msg := &resp.Choices[i].Message

		if len(msg.ToolCalls) > 0 {
			kept := msg.ToolCalls[:0]
			for _, tc := range msg.ToolCalls {
				if !IsSentinelToolName(tc.Function.Name) {
					kept = append(kept, tc)
				}
			}
			msg.ToolCalls = kept
		}

		if text := extractChatContentText(msg.Content); text != "" && ShouldDropVisibleText(text) {
			msg.Content = nil
		}
	}
	return resp
}

// EnsureNonEmptyChat patches a chat.completion whose assistant output ended
// up empty after sanitisation, so clients never see an empty choices entry.
// Reports whether a patch was applied.
func EnsureNonEmptyChat(resp *ChatResponse) bool {
	if resp == nil {
		return false
	}

	if len(resp.Choices) == 0 {
		resp.Choices = []ChatChoice{{Index: 0, Message: ChatMessage{Role: "assistant"}}}
	}

	choice := &resp.Choices[0]
	text := extractChatContentText(choice.Message.Content)
	if text != "" || len(choice.Message.ToolCalls) > 0 {
		return false
	}

	content, _ := json.Marshal(EmptyOutputFallback)
	choice.Message.Role = "assistant"
	choice.Message.Content = content
	choice.FinishReason = "stop"
	return true
}

// SanitizeFrame filters one upstream Responses SSE frame for the passthrough
// path. The returned frame may be rewritten (completed responses are
// sanitised in place); ok=false means the frame must be suppressed entirely.
func SanitizeFrame(frame SSEFrame) (SSEFrame, bool) {
	if frame.Data == "[DONE]" {
		return frame, true
	}

	eventType := frame.Event
	if eventType == "" {
		eventType = gjson.Get(frame.Data, "type").String()
	}

	switch {
	case strings.HasPrefix(eventType, "response.reasoning"):
		return SSEFrame{}, false

	case eventType == "response.output_item.added", eventType == "response.output_item.done":
		itemType := gjson.Get(frame.Data, "item.type").String()
		if itemType == "reasoning" {
			return SSEFrame{}, false
		}
		if itemType == "function_call" && IsSentinelToolName(gjson.Get(frame.Data, "item.name").String()) {
			return SSEFrame{}, false
		}

	case eventType == "response.content_part.added", eventType == "response.content_part.done":
		partType := gjson.Get(frame.Data, "part.type").String()
		if partType != "output_text" && partType != "refusal" {
			return SSEFrame{}, false
		}

	case eventType == "response.output_text.delta":
		if ShouldDropVisibleText(gjson.Get(frame.Data, "delta").String()) {
			return SSEFrame{}, false
		}

	case eventType == "response.output_text.done":
		if ShouldDropVisibleText(gjson.Get(frame.Data, "text").String()) {
			return SSEFrame{}, false
		}

	case eventType == "response.created" || eventType == "response.completed" ||
		eventType == "response.incomplete" || eventType == "response.failed":
		var payload map[string]any
		if err := json.Unmarshal([]byte(frame.Data), &payload); err != nil {
			return frame, true
		}
		if resp, ok := payload["response"].(map[string]any); ok {
			payload["response"] = SanitizeResponseMap(resp)
			if data, err := json.Marshal(payload); err == nil {
				frame.Data = string(data)
			}
		}
	}

	return frame, true
}

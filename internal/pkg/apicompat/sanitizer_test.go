package apicompat

import (
	"encoding/json"
	"reflect"
	"testing"
)

func TestShouldDropVisibleText(t *testing.T) {
	tests := []struct {
		name string
		text string
		want bool
	}{
		{"plain answer", "The capital of France is Paris.", false},
		{"empty", "", false},
		{"tool protocol to=functions", "assistant to=functions.shell", true},
		{"bare functions reference", "Need to run functions.shell", true},
		{"planner prefix", "The user earlier asked: what is up", true},
		{"planner reply marker", "Now we need to reply final message", true},
		{"imperative opener", "Let's run the build and see", true},
		{"command opener", "Command: ls -la", true},
		{"two markers mid-text", "First Need summary: of it, then List commands run: here", true},
		{"single marker mid-text", "He said Need summary: once only", false},
		{"mentions need casually", "You need to update your password", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ShouldDropVisibleText(tt.text); got != tt.want {
				t.Errorf("ShouldDropVisibleText(%q) = %v, want %v", tt.text, got, tt.want)
			}
		})
	}
}

func TestIsSentinelToolName(t *testing.T) {
	if !IsSentinelToolName("functions.shell") {
		t.Error("functions.shell should be sentinel")
	}
	if !IsSentinelToolName("Functions.Shell") {
		t.Error("sentinel check must be case-insensitive")
	}
	if IsSentinelToolName("get_weather") {
		t.Error("client tool flagged as sentinel")
	}
}

func TestSanitizeResponse(t *testing.T) {
	resp := &ResponsesResponse{
		ID:        "resp_1",
		Status:    "completed",
		Reasoning: json.RawMessage(`{"summary":"x"}`),
		Output: []ResponsesOutput{
			{Type: "reasoning", Summary: []ResponsesSummary{{Type: "summary_text", Text: "y"}}},
			{Type: "function_call", CallID: "c0", Name: "functions.shell", Arguments: "{}"},
			{Type: "function_call", CallID: "c1", Name: "get_weather", Arguments: `{"city":"Paris"}`},
			{Type: "message", Role: "assistant", Content: []ResponsesContentPart{
				{Type: "output_text", Text: "Need to run functions.shell"},
				{Type: "output_text", Text: "ans"},
				{Type: "reasoning_text", Text: "hidden"},
			}},
		},
	}

	got := SanitizeResponse(resp)

	if got.Reasoning != nil {
		t.Error("top-level reasoning must be stripped")
	}
	if len(got.Output) != 2 {
		t.Fatalf("len(output) = %d, want 2", len(got.Output))
	}
	if got.Output[0].Name != "get_weather" {
		t.Errorf("kept call = %+v", got.Output[0])
	}
	if len(got.Output[1].Content) != 1 || got.Output[1].Content[0].Text != "ans" {
		t.Errorf("kept message = %+v", got.Output[1])
	}

	// Idempotence: sanitising a sanitised response changes nothing.
	before, _ := json.Marshal(got)
	again, _ := json.Marshal(SanitizeResponse(got))
	if string(before) != string(again) {
		t.Error("SanitizeResponse is not idempotent")
	}
}

func TestSanitizeResponseMapPreservesUnknownFields(t *testing.T) {
	var resp map[string]any
	raw := `{"id":"resp_1","reasoning":{"s":"x"},"custom_field":42,
		"output":[
			{"type":"reasoning","summary":"y"},
			{"type":"message","role":"assistant","content":[{"type":"output_text","text":"ans","annotations":[]}]}
		]}`
	if err := json.Unmarshal([]byte(raw), &resp); err != nil {
		t.Fatal(err)
	}

	got := SanitizeResponseMap(resp)
	if _, ok := got["reasoning"]; ok {
		t.Error("reasoning must be removed")
	}
	if _, ok := got["custom_field"]; !ok {
		t.Error("unknown fields must survive")
	}
	output := got["output"].([]any)
	if len(output) != 1 {
		t.Fatalf("len(output) = %d, want 1", len(output))
	}
}

func TestEnsureNonEmptyChat(t *testing.T) {
	t.Run("patches empty output with fallback", func(t *testing.T) {
		resp := &ChatResponse{Choices: []ChatChoice{{Message: ChatMessage{Role: "assistant"}}}}
		if !EnsureNonEmptyChat(resp) {
			t.Fatal("expected patch")
		}
		if got := extractChatContentText(resp.Choices[0].Message.Content); got != EmptyOutputFallback {
			t.Errorf("content = %q", got)
		}
		if resp.Choices[0].FinishReason != "stop" {
			t.Errorf("finish_reason = %q", resp.Choices[0].FinishReason)
		}
	})

	t.Run("leaves tool-call replies alone", func(t *testing.T) {
		resp := &ChatResponse{Choices: []ChatChoice{{
			Message: ChatMessage{
				Role:      "assistant",
				ToolCalls: []ChatToolCall{{ID: "c1", Function: ChatFunctionCall{Name: "f"}}},
			},
			FinishReason: "tool_calls",
		}}}
		if EnsureNonEmptyChat(resp) {
			t.Error("tool-call reply should not be patched")
		}
	})

	t.Run("creates a choice when none exist", func(t *testing.T) {
		resp := &ChatResponse{}
		if !EnsureNonEmptyChat(resp) {
			t.Fatal("expected patch")
		}
		if len(resp.Choices) != 1 {
			t.Fatalf("choices = %d", len(resp.Choices))
		}
	})
}

func TestSanitizeFrame(t *testing.T) {
	tests := []struct {
		name     string
		frame    SSEFrame
		wantKeep bool
	}{
		{
			name:     "reasoning delta dropped",
			frame:    SSEFrame{Event: "response.reasoning.delta", Data: `{"type":"response.reasoning.delta","delta":"thinking..."}`},
			wantKeep: false,
		},
		{
			name:     "reasoning summary dropped",
			frame:    SSEFrame{Data: `{"type":"response.reasoning_summary_text.delta","delta":"x"}`},
			wantKeep: false,
		},
		{
			name:     "reasoning output item dropped",
			frame:    SSEFrame{Data: `{"type":"response.output_item.added","item":{"type":"reasoning"}}`},
			wantKeep: false,
		},
		{
			name:     "sentinel function call item dropped",
			frame:    SSEFrame{Data: `{"type":"response.output_item.added","item":{"type":"function_call","name":"functions.shell"}}`},
			wantKeep: false,
		},
		{
			name:     "non-text content part dropped",
			frame:    SSEFrame{Data: `{"type":"response.content_part.added","part":{"type":"reasoning_text"}}`},
			wantKeep: false,
		},
		{
			name:     "refusal content part kept",
			frame:    SSEFrame{Data: `{"type":"response.content_part.added","part":{"type":"refusal"}}`},
			wantKeep: true,
		},
		{
			name:     "planner text delta dropped",
			frame:    SSEFrame{Data: `{"type":"response.output_text.delta","delta":"Need to run functions.shell"}`},
			wantKeep: false,
		},
		{
			name:     "ordinary delta kept",
			frame:    SSEFrame{Data: `{"type":"response.output_text.delta","delta":"ans"}`},
			wantKeep: true,
		},
		{
			name:     "done sentinel kept",
			frame:    SSEFrame{Data: "[DONE]"},
			wantKeep: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, keep := SanitizeFrame(tt.frame)
			if keep != tt.wantKeep {
				t.Errorf("keep = %v, want %v", keep, tt.wantKeep)
			}
		})
	}
}

func TestSanitizeFrameCompletedResponse(t *testing.T) {
	data := `{"type":"response.completed","response":{
		"id":"resp_1",
		"reasoning":{"summary":"x"},
		"output":[
			{"type":"reasoning","summary":"y"},
			{"type":"message","role":"assistant","content":[{"type":"output_text","text":"ans"}]}
		],
		"usage":{"input_tokens":3,"output_tokens":1,"total_tokens":4}}}`

	out, keep := SanitizeFrame(SSEFrame{Event: "response.completed", Data: data})
	if !keep {
		t.Fatal("completed frame must be kept")
	}

	var payload map[string]any
	if err := json.Unmarshal([]byte(out.Data), &payload); err != nil {
		t.Fatal(err)
	}
	resp := payload["response"].(map[string]any)
	if _, ok := resp["reasoning"]; ok {
		t.Error("response.reasoning must be absent")
	}
	output := resp["output"].([]any)
	if len(output) != 1 {
		t.Fatalf("len(output) = %d, want 1", len(output))
	}
	item := output[0].(map[string]any)
	if item["type"] != "message" {
		t.Errorf("surviving item = %v", item)
	}
	if !reflect.DeepEqual(resp["usage"], map[string]any{
		"input_tokens": float64(3), "output_tokens": float64(1), "total_tokens": float64(4),
	}) {
		t.Errorf("usage = %v", resp["usage"])
	}
}

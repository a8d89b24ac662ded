package apicompat

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// defaultInstructions is used when the client sends no instructions at all.
const defaultInstructions = "You are a helpful assistant."

// sessionIDHeaders are the header names a session id may arrive under.
var sessionIDHeaders = []string{"session_id", "session-id", "x-session-id", "x-session_id"}

// SessionIDFromHeaders lifts the session id from the request headers.
func SessionIDFromHeaders(h http.Header) string {
	for _, name := range sessionIDHeaders {
		if v := strings.TrimSpace(h.Get(name)); v != "" {
			return v
		}
	}
	return ""
}

// BuildUpstreamPayload rewrites a client body (Chat Completions or Responses
// shaped) into the upstream Responses payload, applying the codex parity
// defaults. The boolean reports whether the body was Chat Completions shaped.
func BuildUpstreamPayload(body []byte, sessionID string) ([]byte, bool, error) {
	isChat := gjson.GetBytes(body, "messages").IsArray()

	var raw []byte
	if isChat {
		var req ChatRequest
		if err := json.Unmarshal(body, &req); err != nil {
			return nil, true, err
		}
		payload, err := ChatToResponses(&req)
		if err != nil {
			return nil, true, err
		}
		raw, err = json.Marshal(payload)
		if err != nil {
			return nil, true, err
		}
	} else {
		raw = normalizeResponsesBody(body)
	}

	out, err := ApplyCodexDefaults(raw, sessionID)
	return out, isChat, err
}

// normalizeResponsesBody wraps a string input (or prompt) into a single user
// input_text item. Array inputs pass through untouched.
func normalizeResponsesBody(body []byte) []byte {
	input := gjson.GetBytes(body, "input")
	if input.IsArray() {
		return body
	}

	wrap := func(text string) []byte {
		items := []ResponsesInputItem{{
			Role:    "user",
			Content: []ResponsesContentPart{{Type: "input_text", Text: text}},
		}}
		out, err := sjson.SetBytes(body, "input", items)
		if err != nil {
			return body
		}
		return out
	}

	if input.Type == gjson.String {
		return wrap(input.String())
	}
	if prompt := gjson.GetBytes(body, "prompt"); !input.Exists() && prompt.Type == gjson.String {
		out := wrap(prompt.String())
		out, _ = sjson.DeleteBytes(out, "prompt")
		return out
	}
	return body
}

// ApplyCodexDefaults layers the codex parity defaults onto a Responses
// payload: forced store/stream, tool and verbosity defaults, the
// reasoning.encrypted_content include, prompt cache keying, instruction
// defaulting and reasoning-effort normalisation.
func ApplyCodexDefaults(raw []byte, sessionID string) ([]byte, error) {
	var err error

	// Upstream is always streamed and never stores conversations.
	if raw, err = sjson.SetBytes(raw, "store", false); err != nil {
		return nil, err
	}
	if raw, err = sjson.SetBytes(raw, "stream", true); err != nil {
		return nil, err
	}

	if !gjson.GetBytes(raw, "tool_choice").Exists() {
		raw, _ = sjson.SetBytes(raw, "tool_choice", "auto")
	}
	if !gjson.GetBytes(raw, "parallel_tool_calls").Exists() {
		raw, _ = sjson.SetBytes(raw, "parallel_tool_calls", true)
	}
	if !gjson.GetBytes(raw, "text.verbosity").Exists() {
		raw, _ = sjson.SetBytes(raw, "text.verbosity", "medium")
	}

	raw = ensureEncryptedReasoningInclude(raw)

	if sessionID != "" && !gjson.GetBytes(raw, "prompt_cache_key").Exists() {
		raw, _ = sjson.SetBytes(raw, "prompt_cache_key", sessionID)
	}

	if strings.TrimSpace(gjson.GetBytes(raw, "instructions").String()) == "" {
		raw, _ = sjson.SetBytes(raw, "instructions", defaultInstructions)
	}

	// Flat reasoning_effort moves under reasoning.effort.
	if effort := gjson.GetBytes(raw, "reasoning_effort"); effort.Exists() {
		raw, _ = sjson.DeleteBytes(raw, "reasoning_effort")
		if !gjson.GetBytes(raw, "reasoning.effort").Exists() && effort.String() != "" {
			raw, _ = sjson.SetBytes(raw, "reasoning.effort", effort.String())
		}
	}
	if gjson.GetBytes(raw, "reasoning.effort").Exists() && !gjson.GetBytes(raw, "reasoning.summary").Exists() {
		raw, _ = sjson.SetBytes(raw, "reasoning.summary", "auto")
	}

	model := gjson.GetBytes(raw, "model").String()
	if strings.HasPrefix(model, "gpt-5") {
		raw, _ = sjson.DeleteBytes(raw, "max_output_tokens")
	}
	raw = clampReasoningEffort(raw, model)

	return raw, nil
}

// ensureEncryptedReasoningInclude makes sure include carries
// "reasoning.encrypted_content" exactly once.
func ensureEncryptedReasoningInclude(raw []byte) []byte {
	const want = "reasoning.encrypted_content"

	include := gjson.GetBytes(raw, "include")
	values := []string{}
	if include.IsArray() {
		for _, v := range include.Array() {
			if s := v.String(); s != "" {
				if s == want {
					return raw
				}
				values = append(values, s)
			}
		}
	}
	values = append(values, want)
	out, err := sjson.SetBytes(raw, "include", values)
	if err != nil {
		return raw
	}
	return out
}

// clampReasoningEffort applies the per-model effort limits. The bare model id
// is whatever follows the last slash.
func clampReasoningEffort(raw []byte, model string) []byte {
	effort := gjson.GetBytes(raw, "reasoning.effort").String()
	if effort == "" {
		return raw
	}

	bare := model
	if idx := strings.LastIndex(bare, "/"); idx >= 0 {
		bare = bare[idx+1:]
	}

	clamped := effort
	switch {
	case bare == "gpt-5.1-codex-mini":
		if effort == "high" || effort == "xhigh" {
			clamped = "high"
		} else {
			clamped = "medium"
		}
	case strings.HasPrefix(bare, "gpt-5.2") || strings.HasPrefix(bare, "gpt-5.3"):
		if effort == "minimal" {
			clamped = "low"
		}
	case bare == "gpt-5.1":
		if effort == "xhigh" {
			clamped = "high"
		}
	}

	if clamped != effort {
		raw, _ = sjson.SetBytes(raw, "reasoning.effort", clamped)
	}
	return raw
}

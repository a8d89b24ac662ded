package apicompat

import (
	"encoding/json"
	"strings"
	"time"
)

// ---------------------------------------------------------------------------
// Non-streaming: ResponsesResponse → ChatResponse
// ---------------------------------------------------------------------------

// ResponsesToChat converts a Responses API response into a Chat Completions
// response. Reasoning output items are ignored; only message and function_call
// output items are mapped. Callers sanitise the input first.
func ResponsesToChat(resp *ResponsesResponse) *ChatResponse {
	out := &ChatResponse{
		ID:      resp.ID,
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   resp.Model,
	}
	if resp.CreatedAt > 0 {
		out.Created = resp.CreatedAt
	}

	msg := ChatMessage{Role: "assistant"}
	finishReason := ResponsesStatusToChat(resp.Status, resp.IncompleteDetails)

	var textParts []string
	for _, item := range resp.Output {
		switch item.Type {
		case "message", "":
			for _, part := range item.Content {
				if part.Type == "output_text" && part.Text != "" {
					textParts = append(textParts, part.Text)
				}
			}
		case "function_call":
			msg.ToolCalls = append(msg.ToolCalls, ChatToolCall{
				Index: len(msg.ToolCalls),
				ID:    item.CallID,
				Type:  "function",
				Function: ChatFunctionCall{
					Name:      item.Name,
					Arguments: item.Arguments,
				},
			})
			// case "reasoning": ignored
		}
	}

	if len(textParts) > 0 {
		content, _ := json.Marshal(strings.Join(textParts, ""))
		msg.Content = content
	}

	if len(msg.ToolCalls) > 0 && finishReason == "stop" {
		finishReason = "tool_calls"
	}

	out.Choices = []ChatChoice{{
		Index:        0,
		Message:      msg,
		FinishReason: finishReason,
	}}

	if resp.Usage != nil {
		out.Usage = &ChatUsage{
			PromptTokens:     resp.Usage.InputTokens,
			CompletionTokens: resp.Usage.OutputTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		}
	}

	return out
}

// ---------------------------------------------------------------------------
// Streaming: ResponsesStreamEvent → []ChatStreamChunk (stateful converter)
// ---------------------------------------------------------------------------

// ResponsesToChatStreamState tracks state for converting a sequence of
// Responses SSE events into Chat Completions SSE chunks.
type ResponsesToChatStreamState struct {
	ResponseID string
	Model      string
	Created    int64

	// toolCallIndex is the next tool_calls array index to assign.
	toolCallIndex int
	// outputIndexToToolIdx maps Responses output_index → Chat tool_calls index.
	outputIndexToToolIdx map[int]int
	// argsStreamed marks tool indices whose arguments arrived via deltas.
	argsStreamed map[int]bool

	emittedText bool
	finished    bool
}

// NewResponsesToChatStreamState returns an initialised stream state.
func NewResponsesToChatStreamState() *ResponsesToChatStreamState {
	return &ResponsesToChatStreamState{
		Created:              time.Now().Unix(),
		outputIndexToToolIdx: make(map[int]int),
		argsStreamed:         make(map[int]bool),
	}
}

// Finished reports whether a terminal chunk has been produced.
func (s *ResponsesToChatStreamState) Finished() bool { return s.finished }

// ResponsesEventToChatChunks converts a single Responses SSE event into zero
// or more Chat Completions SSE chunks, updating state as it goes. Reasoning
// events, sentinel tool calls and leaked planner text produce nothing.
func ResponsesEventToChatChunks(
	evt *ResponsesStreamEvent,
	state *ResponsesToChatStreamState,
) []ChatStreamChunk {
	switch evt.Type {
	case "response.created":
		return handleResponseCreated(evt, state)
	case "response.output_text.delta":
		return handleOutputTextDelta(evt, state)
	case "response.output_item.added":
		return handleOutputItemAdded(evt, state)
	case "response.function_call_arguments.delta":
		return handleFuncCallArgsDelta(evt, state)
	case "response.function_call_arguments.done":
		return handleFuncCallArgsDone(evt, state)
	case "response.completed", "response.incomplete":
		return handleResponseCompleted(evt, state)
	default:
		// reasoning events, output_text.done, content_part.*: nothing to emit.
		return nil
	}
}

// --- handler: response.created ---

func handleResponseCreated(evt *ResponsesStreamEvent, state *ResponsesToChatStreamState) []ChatStreamChunk {
	if evt.Response != nil {
		state.ResponseID = evt.Response.ID
		state.Model = evt.Response.Model
		if evt.Response.CreatedAt > 0 {
			state.Created = evt.Response.CreatedAt
		}
	}
	return nil
}

// --- handler: response.output_text.delta ---

func handleOutputTextDelta(evt *ResponsesStreamEvent, state *ResponsesToChatStreamState) []ChatStreamChunk {
	if evt.Delta == "" || ShouldDropVisibleText(evt.Delta) {
		return nil
	}
	state.emittedText = true
	return []ChatStreamChunk{state.makeChunk(ChatStreamChoice{
		Index: 0,
		Delta: ChatStreamDelta{Content: evt.Delta},
	}, nil)}
}

// --- handler: response.output_item.added (function_call only) ---

func handleOutputItemAdded(evt *ResponsesStreamEvent, state *ResponsesToChatStreamState) []ChatStreamChunk {
	if evt.Item == nil || evt.Item.Type != "function_call" {
		return nil
	}
	if IsSentinelToolName(evt.Item.Name) {
		// No mapping registered: argument deltas for this item stay invisible.
		return nil
	}

	idx := state.toolCallIndex
	state.outputIndexToToolIdx[evt.OutputIndex] = idx
	state.toolCallIndex++

	return []ChatStreamChunk{state.makeChunk(ChatStreamChoice{
		Index: 0,
		Delta: ChatStreamDelta{
			ToolCalls: []ChatToolCall{{
				Index: idx,
				ID:    evt.Item.CallID,
				Type:  "function",
				Function: ChatFunctionCall{
					Name: evt.Item.Name,
				},
			}},
		},
	}, nil)}
}

// --- handler: response.function_call_arguments.delta ---

func handleFuncCallArgsDelta(evt *ResponsesStreamEvent, state *ResponsesToChatStreamState) []ChatStreamChunk {
	if evt.Delta == "" {
		return nil
	}
	idx, ok := state.outputIndexToToolIdx[evt.OutputIndex]
	if !ok {
		return nil
	}
	state.argsStreamed[idx] = true
	return []ChatStreamChunk{state.makeChunk(ChatStreamChoice{
		Index: 0,
		Delta: ChatStreamDelta{
			ToolCalls: []ChatToolCall{{
				Index: idx,
				Function: ChatFunctionCall{
					Arguments: evt.Delta,
				},
			}},
		},
	}, nil)}
}

// --- handler: response.function_call_arguments.done ---

// Upstream may deliver arguments only in the done event; replay them then.
func handleFuncCallArgsDone(evt *ResponsesStreamEvent, state *ResponsesToChatStreamState) []ChatStreamChunk {
	idx, ok := state.outputIndexToToolIdx[evt.OutputIndex]
	if !ok || state.argsStreamed[idx] || evt.Arguments == "" {
		return nil
	}
	state.argsStreamed[idx] = true
	return []ChatStreamChunk{state.makeChunk(ChatStreamChoice{
		Index: 0,
		Delta: ChatStreamDelta{
			ToolCalls: []ChatToolCall{{
				Index: idx,
				Function: ChatFunctionCall{
					Arguments: evt.Arguments,
				},
			}},
		},
	}, nil)}
}

// --- handler: response.completed / response.incomplete ---

func handleResponseCompleted(evt *ResponsesStreamEvent, state *ResponsesToChatStreamState) []ChatStreamChunk {
	if state.finished {
		return nil
	}
	state.finished = true

	var usage *ChatUsage
	status := "completed"
	var details *ResponsesIncompleteDetails
	if evt.Response != nil {
		status = evt.Response.Status
		details = evt.Response.IncompleteDetails
		if evt.Response.Usage != nil {
			u := evt.Response.Usage
			usage = &ChatUsage{
				PromptTokens:     u.InputTokens,
				CompletionTokens: u.OutputTokens,
				TotalTokens:      u.TotalTokens,
			}
		}
	}

	var chunks []ChatStreamChunk

	// Everything was suppressed or upstream produced nothing: patch in the
	// fallback text so the client never receives an empty stream.
	if !state.emittedText && state.toolCallIndex == 0 {
		chunks = append(chunks, state.makeChunk(ChatStreamChoice{
			Index: 0,
			Delta: ChatStreamDelta{Content: EmptyOutputFallback},
		}, nil))
	}

	finishReason := ResponsesStatusToChat(status, details)
	if state.toolCallIndex > 0 {
		finishReason = "tool_calls"
	}

	chunks = append(chunks, state.makeChunk(ChatStreamChoice{
		Index:        0,
		Delta:        ChatStreamDelta{},
		FinishReason: &finishReason,
	}, usage))
	return chunks
}

// --- helpers ---

func (s *ResponsesToChatStreamState) makeChunk(choice ChatStreamChoice, usage *ChatUsage) ChatStreamChunk {
	return ChatStreamChunk{
		ID:      s.ResponseID,
		Object:  "chat.completion.chunk",
		Created: s.Created,
		Model:   s.Model,
		Choices: []ChatStreamChoice{choice},
		Usage:   usage,
	}
}

// ChatChunkToSSE formats a ChatStreamChunk as an SSE data frame.
func ChatChunkToSSE(chunk ChatStreamChunk) (string, error) {
	data, err := json.Marshal(chunk)
	if err != nil {
		return "", err
	}
	return "data: " + string(data) + "\n\n", nil
}

// ChatResponseToChunks re-serialises a buffered chat.completion as a short
// chunk sequence for clients that asked for SSE: one content/tool_calls chunk
// then a terminal chunk with finish_reason and usage.
func ChatResponseToChunks(resp *ChatResponse) []ChatStreamChunk {
	created := resp.Created
	if created == 0 {
		created = time.Now().Unix()
	}

	mk := func(choice ChatStreamChoice, usage *ChatUsage) ChatStreamChunk {
		return ChatStreamChunk{
			ID:      resp.ID,
			Object:  "chat.completion.chunk",
			Created: created,
			Model:   resp.Model,
			Choices: []ChatStreamChoice{choice},
			Usage:   usage,
		}
	}

	var chunks []ChatStreamChunk
	finish := "stop"
	if len(resp.Choices) > 0 {
		choice := resp.Choices[0]
		if choice.FinishReason != "" {
			finish = choice.FinishReason
		}
		if text := extractChatContentText(choice.Message.Content); text != "" {
			chunks = append(chunks, mk(ChatStreamChoice{
				Index: 0,
				Delta: ChatStreamDelta{Role: "assistant", Content: text},
			}, nil))
		}
		if len(choice.Message.ToolCalls) > 0 {
			chunks = append(chunks, mk(ChatStreamChoice{
				Index: 0,
				Delta: ChatStreamDelta{ToolCalls: choice.Message.ToolCalls},
			}, nil))
		}
	}

	chunks = append(chunks, mk(ChatStreamChoice{
		Index:        0,
		Delta:        ChatStreamDelta{},
		FinishReason: &finish,
	}, resp.Usage))
	return chunks
}

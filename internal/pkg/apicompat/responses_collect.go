package apicompat

import (
	"encoding/json"
	"io"
	"sort"
)

// responsesAccumulator rebuilds a full response object from a Responses SSE
// stream. If upstream delivers a response.completed event its embedded
// response wins; otherwise the output is reassembled from item/delta events.
type responsesAccumulator struct {
	meta      ResponsesResponse
	completed *ResponsesResponse

	// Fallback reassembly, keyed by output_index.
	items       map[int]*ResponsesOutput
	textByIndex map[int]string
	order       []int
}

func newResponsesAccumulator() *responsesAccumulator {
	return &responsesAccumulator{
		meta:        ResponsesResponse{Object: "response", Status: "completed"},
		items:       make(map[int]*ResponsesOutput),
		textByIndex: make(map[int]string),
	}
}

func (a *responsesAccumulator) observe(evt *ResponsesStreamEvent) {
	switch evt.Type {
	case "response.created":
		if evt.Response != nil {
			a.meta.ID = evt.Response.ID
			a.meta.Model = evt.Response.Model
			a.meta.CreatedAt = evt.Response.CreatedAt
		}

	case "response.output_item.added":
		if evt.Item != nil {
			a.track(evt.OutputIndex, *evt.Item)
		}

	case "response.output_item.done":
		if evt.Item != nil {
			a.track(evt.OutputIndex, *evt.Item)
		}

	case "response.output_text.delta":
		a.textByIndex[evt.OutputIndex] += evt.Delta

	case "response.output_text.done":
		if evt.Text != "" {
			a.textByIndex[evt.OutputIndex] = evt.Text
		}

	case "response.function_call_arguments.done":
		if item, ok := a.items[evt.OutputIndex]; ok && evt.Arguments != "" {
			item.Arguments = evt.Arguments
		}

	case "response.completed", "response.incomplete", "response.failed":
		if evt.Response != nil {
			a.completed = evt.Response
		}
	}
}

func (a *responsesAccumulator) track(index int, item ResponsesOutput) {
	if _, seen := a.items[index]; !seen {
		a.order = append(a.order, index)
	}
	copied := item
	a.items[index] = &copied
}

// result returns the best available response object.
func (a *responsesAccumulator) result() *ResponsesResponse {
	if a.completed != nil {
		return a.completed
	}

	resp := a.meta
	sort.Ints(a.order)
	for _, idx := range a.order {
		item := *a.items[idx]
		if (item.Type == "message" || item.Type == "") && len(item.Content) == 0 {
			if text := a.textByIndex[idx]; text != "" {
				item.Content = []ResponsesContentPart{{Type: "output_text", Text: text}}
			}
		}
		resp.Output = append(resp.Output, item)
	}

	// Deltas with no corresponding item event still become one message.
	if len(resp.Output) == 0 {
		var all string
		indexes := make([]int, 0, len(a.textByIndex))
		for idx := range a.textByIndex {
			indexes = append(indexes, idx)
		}
		sort.Ints(indexes)
		for _, idx := range indexes {
			all += a.textByIndex[idx]
		}
		if all != "" {
			resp.Output = []ResponsesOutput{{
				Type:    "message",
				Role:    "assistant",
				Content: []ResponsesContentPart{{Type: "output_text", Text: all}},
			}}
		}
	}

	return &resp
}

// CollectResponsesStream consumes an upstream Responses SSE stream and returns
// the accumulated response object. Malformed frames are skipped; the stream
// error (if any) is returned once the readable frames are accounted for.
func CollectResponsesStream(r io.Reader) (*ResponsesResponse, error) {
	acc := newResponsesAccumulator()

	err := DecodeSSEStream(r, func(frame SSEFrame) error {
		if frame.Data == "" || frame.Data == "[DONE]" {
			return nil
		}
		var evt ResponsesStreamEvent
		if uerr := json.Unmarshal([]byte(frame.Data), &evt); uerr != nil {
			return nil // tolerate malformed frames
		}
		if evt.Type == "" {
			evt.Type = frame.Event
		}
		acc.observe(&evt)
		return nil
	})
	if err != nil {
		return acc.result(), err
	}
	return acc.result(), nil
}

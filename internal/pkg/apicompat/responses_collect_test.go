package apicompat

import (
	"strings"
	"testing"
)

func sseBody(events ...string) string {
	var b strings.Builder
	for _, e := range events {
		b.WriteString("data: ")
		b.WriteString(e)
		b.WriteString("\n\n")
	}
	b.WriteString("data: [DONE]\n\n")
	return b.String()
}

func TestCollectResponsesStreamCompletedWins(t *testing.T) {
	body := sseBody(
		`{"type":"response.created","response":{"id":"resp_1","model":"gpt-5-codex"}}`,
		`{"type":"response.output_text.delta","output_index":0,"delta":"partial"}`,
		`{"type":"response.completed","response":{"id":"resp_1","status":"completed","output":[{"type":"message","role":"assistant","content":[{"type":"output_text","text":"final"}]}],"usage":{"input_tokens":3,"output_tokens":1,"total_tokens":4}}}`,
	)

	resp, err := CollectResponsesStream(strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	if len(resp.Output) != 1 || resp.Output[0].Content[0].Text != "final" {
		t.Errorf("output = %+v", resp.Output)
	}
	if resp.Usage == nil || resp.Usage.TotalTokens != 4 {
		t.Errorf("usage = %+v", resp.Usage)
	}
}

func TestCollectResponsesStreamReassemblesFromDeltas(t *testing.T) {
	body := sseBody(
		`{"type":"response.created","response":{"id":"resp_1","model":"gpt-5-codex","created_at":1700000000}}`,
		`{"type":"response.output_item.added","output_index":0,"item":{"type":"message","role":"assistant"}}`,
		`{"type":"response.output_text.delta","output_index":0,"delta":"he"}`,
		`{"type":"response.output_text.delta","output_index":0,"delta":"llo"}`,
	)

	resp, err := CollectResponsesStream(strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	if resp.ID != "resp_1" || resp.Model != "gpt-5-codex" {
		t.Errorf("meta = %+v", resp)
	}
	if len(resp.Output) != 1 {
		t.Fatalf("len(output) = %d, want 1", len(resp.Output))
	}
	if got := resp.Output[0].Content[0].Text; got != "hello" {
		t.Errorf("text = %q", got)
	}
}

func TestCollectResponsesStreamTextDoneOverridesDeltas(t *testing.T) {
	body := sseBody(
		`{"type":"response.output_item.added","output_index":0,"item":{"type":"message","role":"assistant"}}`,
		`{"type":"response.output_text.delta","output_index":0,"delta":"garbled"}`,
		`{"type":"response.output_text.done","output_index":0,"text":"clean"}`,
	)

	resp, err := CollectResponsesStream(strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	if got := resp.Output[0].Content[0].Text; got != "clean" {
		t.Errorf("text = %q", got)
	}
}

func TestCollectResponsesStreamFunctionCallArgsFromDone(t *testing.T) {
	body := sseBody(
		`{"type":"response.output_item.added","output_index":0,"item":{"type":"function_call","call_id":"c1","name":"get_weather"}}`,
		`{"type":"response.function_call_arguments.done","output_index":0,"arguments":"{\"city\":\"Paris\"}"}`,
	)

	resp, err := CollectResponsesStream(strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	if len(resp.Output) != 1 {
		t.Fatalf("len(output) = %d, want 1", len(resp.Output))
	}
	call := resp.Output[0]
	if call.Type != "function_call" || call.CallID != "c1" || call.Arguments != `{"city":"Paris"}` {
		t.Errorf("call = %+v", call)
	}
}

func TestCollectResponsesStreamDeltasWithoutItems(t *testing.T) {
	body := sseBody(
		`{"type":"response.output_text.delta","output_index":0,"delta":"orphan "}`,
		`{"type":"response.output_text.delta","output_index":1,"delta":"text"}`,
	)

	resp, err := CollectResponsesStream(strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	if len(resp.Output) != 1 {
		t.Fatalf("len(output) = %d, want 1", len(resp.Output))
	}
	if got := resp.Output[0].Content[0].Text; got != "orphan text" {
		t.Errorf("text = %q", got)
	}
}

func TestCollectResponsesStreamToleratesMalformedFrames(t *testing.T) {
	body := "data: {not json\n\n" + sseBody(
		`{"type":"response.output_text.delta","output_index":0,"delta":"ok"}`,
	)

	resp, err := CollectResponsesStream(strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	if got := resp.Output[0].Content[0].Text; got != "ok" {
		t.Errorf("text = %q", got)
	}
}

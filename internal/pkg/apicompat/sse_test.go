package apicompat

import (
	"strings"
	"testing"
)

func TestSSEDecoderFrameBoundaries(t *testing.T) {
	dec := &SSEDecoder{}

	frames := dec.Feed([]byte("event: response.created\ndata: {\"a\":1}\n\ndata: {\"b\":2}\n\n"))
	if len(frames) != 2 {
		t.Fatalf("len(frames) = %d, want 2", len(frames))
	}
	if frames[0].Event != "response.created" || frames[0].Data != `{"a":1}` {
		t.Errorf("frame 0 = %+v", frames[0])
	}
	if frames[1].Event != "" || frames[1].Data != `{"b":2}` {
		t.Errorf("frame 1 = %+v", frames[1])
	}
}

func TestSSEDecoderCRLF(t *testing.T) {
	dec := &SSEDecoder{}
	frames := dec.Feed([]byte("event: x\r\ndata: {\"a\":1}\r\n\r\n"))
	if len(frames) != 1 {
		t.Fatalf("len(frames) = %d, want 1", len(frames))
	}
	if frames[0].Event != "x" || frames[0].Data != `{"a":1}` {
		t.Errorf("frame = %+v", frames[0])
	}
}

func TestSSEDecoderMultiDataLines(t *testing.T) {
	dec := &SSEDecoder{}
	frames := dec.Feed([]byte("data: {\"a\":\ndata: 1}\n\n"))
	if len(frames) != 1 {
		t.Fatalf("len(frames) = %d, want 1", len(frames))
	}
	if frames[0].Data != `{"a":1}` {
		t.Errorf("data = %q", frames[0].Data)
	}
}

func TestSSEDecoderSplitAcrossFeeds(t *testing.T) {
	dec := &SSEDecoder{}
	if frames := dec.Feed([]byte("data: {\"a\"")); len(frames) != 0 {
		t.Fatalf("partial frame emitted early: %+v", frames)
	}
	frames := dec.Feed([]byte(":1}\n\n"))
	if len(frames) != 1 || frames[0].Data != `{"a":1}` {
		t.Fatalf("frames = %+v", frames)
	}
}

func TestSSEDecoderFlushTrailingPartial(t *testing.T) {
	dec := &SSEDecoder{}
	dec.Feed([]byte("data: tail"))

	frame, ok := dec.Flush()
	if !ok {
		t.Fatal("expected trailing frame")
	}
	if frame.Data != "tail" {
		t.Errorf("data = %q", frame.Data)
	}

	if _, ok := dec.Flush(); ok {
		t.Error("second flush should be empty")
	}
}

func TestDecodeSSEStream(t *testing.T) {
	input := "event: a\ndata: 1\n\ndata: 2\n\ndata: trailing"
	var got []SSEFrame
	err := DecodeSSEStream(strings.NewReader(input), func(f SSEFrame) error {
		got = append(got, f)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 {
		t.Fatalf("len(frames) = %d, want 3 (trailing partial flushed)", len(got))
	}
	if got[2].Data != "trailing" {
		t.Errorf("trailing frame = %+v", got[2])
	}
}

func TestFormatSSE(t *testing.T) {
	if got := FormatSSEEvent("response.completed", "{}"); got != "event: response.completed\ndata: {}\n\n" {
		t.Errorf("FormatSSEEvent = %q", got)
	}
	if got := FormatSSEEvent("", "{}"); got != "data: {}\n\n" {
		t.Errorf("FormatSSEEvent no type = %q", got)
	}
	if got := FormatSSEDone(); got != "data: [DONE]\n\n" {
		t.Errorf("FormatSSEDone = %q", got)
	}
}

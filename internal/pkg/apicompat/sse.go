package apicompat

import (
	"bytes"
	"fmt"
	"io"
	"strings"
)

// SSEFrame is one decoded server-sent event: an optional event type and the
// concatenated data payload.
type SSEFrame struct {
	Event string
	Data  string
}

// SSEDecoder splits a byte stream into SSE frames. Frames end at a blank line
// ("\n\n" or "\r\n\r\n"); a frame may carry an "event:" line and one or more
// "data:" lines whose payloads concatenate into a single JSON event. The
// decoder holds partial frames across Feed calls.
type SSEDecoder struct {
	buf []byte
}

// Feed appends raw bytes and returns any frames completed by them.
func (d *SSEDecoder) Feed(p []byte) []SSEFrame {
	d.buf = append(d.buf, p...)

	var frames []SSEFrame
	for {
		idx, skip := frameBoundary(d.buf)
		if idx < 0 {
			break
		}
		block := d.buf[:idx]
		d.buf = d.buf[idx+skip:]
		if frame, ok := parseSSEBlock(block); ok {
			frames = append(frames, frame)
		}
	}
	return frames
}

// Flush returns the trailing partial frame, if any. Call at end-of-stream.
func (d *SSEDecoder) Flush() (SSEFrame, bool) {
	block := d.buf
	d.buf = nil
	if len(bytes.TrimSpace(block)) == 0 {
		return SSEFrame{}, false
	}
	return parseSSEBlock(block)
}

// frameBoundary finds the earliest blank-line boundary, returning its offset
// and the separator length.
func frameBoundary(buf []byte) (int, int) {
	lf := bytes.Index(buf, []byte("\n\n"))
	crlf := bytes.Index(buf, []byte("\r\n\r\n"))

	switch {
	case lf < 0 && crlf < 0:
		return -1, 0
	case crlf < 0:
		return lf, 2
	case lf < 0:
		return crlf, 4
	case crlf < lf:
		return crlf, 4
	default:
		return lf, 2
	}
}

// parseSSEBlock interprets the lines of one frame block.
func parseSSEBlock(block []byte) (SSEFrame, bool) {
	var frame SSEFrame
	var data []string
	seen := false

	for _, line := range strings.Split(string(block), "\n") {
		line = strings.TrimSuffix(line, "\r")
		switch {
		case strings.HasPrefix(line, "event:"):
			frame.Event = strings.TrimSpace(line[len("event:"):])
			seen = true
		case strings.HasPrefix(line, "data:"):
			data = append(data, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
			seen = true
		}
	}

	frame.Data = strings.Join(data, "")
	return frame, seen
}

// DecodeSSEStream reads the whole stream, invoking fn once per frame. The
// trailing partial frame (if any) is flushed through fn as well.
func DecodeSSEStream(r io.Reader, fn func(SSEFrame) error) error {
	dec := &SSEDecoder{}
	buf := make([]byte, 16*1024)

	for {
		n, err := r.Read(buf)
		if n > 0 {
			for _, frame := range dec.Feed(buf[:n]) {
				if ferr := fn(frame); ferr != nil {
					return ferr
				}
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
	}

	if frame, ok := dec.Flush(); ok {
		return fn(frame)
	}
	return nil
}

// FormatSSEEvent formats an event type and data as one SSE frame.
func FormatSSEEvent(eventType, data string) string {
	if eventType != "" {
		return fmt.Sprintf("event: %s\ndata: %s\n\n", eventType, data)
	}
	return fmt.Sprintf("data: %s\n\n", data)
}

// FormatSSEDone returns the SSE [DONE] sentinel frame.
func FormatSSEDone() string {
	return "data: [DONE]\n\n"
}

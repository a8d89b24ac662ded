package service

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/thibautrey/multicodex-proxy/internal/pkg/logger"
)

const (
	traceRetentionMax  = 1000
	traceErrorMaxChars = 500
)

// TraceEntry is one request trace. Entries are immutable once appended.
type TraceEntry struct {
	ID        string `json:"id"`
	At        int64  `json:"at"` // epoch ms
	Route     string `json:"route"`
	AccountID string `json:"accountId,omitempty"`
	Email     string `json:"email,omitempty"`
	Model     string `json:"model,omitempty"`

	Status    int   `json:"status"`
	IsError   bool  `json:"isError"`
	Stream    bool  `json:"stream"`
	LatencyMs int64 `json:"latencyMs"`

	TokensInput  int     `json:"tokensInput"`
	TokensOutput int     `json:"tokensOutput"`
	TokensTotal  int     `json:"tokensTotal"`
	CostUsd      float64 `json:"costUsd"`

	Usage       json.RawMessage `json:"usage,omitempty"`
	RequestBody string          `json:"requestBody,omitempty"`

	Error         string `json:"error,omitempty"`
	UpstreamError string `json:"upstreamError,omitempty"`

	UpstreamContentType   string `json:"upstreamContentType,omitempty"`
	UpstreamEmptyBody     bool   `json:"upstreamEmptyBody,omitempty"`
	AssistantEmptyOutput  bool   `json:"assistantEmptyOutput,omitempty"`
	AssistantFinishReason string `json:"assistantFinishReason,omitempty"`
}

// TraceLog maintains two newline-delimited JSON files: a retention-capped
// window of full traces, and an unbounded slim history for long-range stats.
// Writes to each file go through a serial queue.
type TraceLog struct {
	windowPath  string
	historyPath string
	retention   int

	windowMu sync.Mutex // serialises window file writes and the in-memory window
	window   []TraceEntry

	historyMu sync.Mutex // serialises history file appends
}

// NewTraceLog opens (or creates) the trace files. The history file is seeded
// from the window log when it does not exist yet.
func NewTraceLog(windowPath, historyPath string) (*TraceLog, error) {
	t := &TraceLog{
		windowPath:  windowPath,
		historyPath: historyPath,
		retention:   traceRetentionMax,
	}

	window, err := readTraceFile(windowPath)
	if err != nil {
		return nil, err
	}
	t.window = window

	if _, err := os.Stat(historyPath); os.IsNotExist(err) && len(window) > 0 {
		if err := t.seedHistory(window); err != nil {
			return nil, err
		}
	}
	return t, nil
}

// Append derives the computed fields of the entry (id, isError, token totals,
// cost) and writes it to both logs. It returns once both writes are durable.
func (t *TraceLog) Append(entry TraceEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.At == 0 {
		entry.At = time.Now().UnixMilli()
	}
	entry.IsError = entry.Status >= 400
	deriveTokens(&entry)
	entry.CostUsd = EstimateCostUSD(entry.Model, entry.TokensInput, entry.TokensOutput)

	if err := t.appendWindow(entry); err != nil {
		return err
	}
	return t.appendHistory(slimTrace(entry))
}

// ReadWindow returns the retained window, newest last, filtered to entries
// with at within [sinceMs, untilMs] inclusive. Zero bounds mean unbounded.
func (t *TraceLog) ReadWindow(sinceMs, untilMs int64) []TraceEntry {
	t.windowMu.Lock()
	defer t.windowMu.Unlock()

	out := make([]TraceEntry, 0, len(t.window))
	for _, e := range t.window {
		if inRange(e.At, sinceMs, untilMs) {
			out = append(out, e)
		}
	}
	return out
}

// ReadHistory parses the slim history file, skipping malformed lines.
func (t *TraceLog) ReadHistory(sinceMs, untilMs int64) ([]TraceEntry, error) {
	t.historyMu.Lock()
	defer t.historyMu.Unlock()

	entries, err := readTraceFile(t.historyPath)
	if err != nil {
		return nil, err
	}
	out := entries[:0]
	for _, e := range entries {
		if inRange(e.At, sinceMs, untilMs) {
			out = append(out, e)
		}
	}
	return out, nil
}

func inRange(at, sinceMs, untilMs int64) bool {
	if sinceMs > 0 && at < sinceMs {
		return false
	}
	if untilMs > 0 && at > untilMs {
		return false
	}
	return true
}

func (t *TraceLog) appendWindow(entry TraceEntry) error {
	t.windowMu.Lock()
	defer t.windowMu.Unlock()

	t.window = append(t.window, entry)
	if len(t.window) > t.retention {
		t.window = t.window[len(t.window)-t.retention:]
		return t.rewriteWindowLocked()
	}
	return appendLine(t.windowPath, entry)
}

func (t *TraceLog) rewriteWindowLocked() error {
	if err := os.MkdirAll(filepath.Dir(t.windowPath), 0o755); err != nil {
		return err
	}
	tmp := t.windowPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	enc := json.NewEncoder(w)
	for _, e := range t.window {
		if err := enc.Encode(&e); err != nil {
			f.Close()
			return err
		}
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, t.windowPath)
}

func (t *TraceLog) appendHistory(entry TraceEntry) error {
	t.historyMu.Lock()
	defer t.historyMu.Unlock()
	return appendLine(t.historyPath, entry)
}

func (t *TraceLog) seedHistory(window []TraceEntry) error {
	t.historyMu.Lock()
	defer t.historyMu.Unlock()

	for _, e := range window {
		if err := appendLine(t.historyPath, slimTrace(e)); err != nil {
			return err
		}
	}
	logger.L().Info("trace history seeded from window log",
		zap.Int("entries", len(window)))
	return nil
}

// slimTrace drops the bulky fields that only matter for live inspection.
func slimTrace(e TraceEntry) TraceEntry {
	e.RequestBody = ""
	e.Usage = nil
	e.Error = truncate(e.Error, traceErrorMaxChars)
	e.UpstreamError = truncate(e.UpstreamError, traceErrorMaxChars)
	return e
}

// deriveTokens fills token totals from the raw usage object, accepting both
// the Responses and Chat Completions field names.
func deriveTokens(e *TraceEntry) {
	if len(e.Usage) == 0 {
		return
	}
	raw := string(e.Usage)

	input := gjson.Get(raw, "input_tokens")
	if !input.Exists() {
		input = gjson.Get(raw, "prompt_tokens")
	}
	output := gjson.Get(raw, "output_tokens")
	if !output.Exists() {
		output = gjson.Get(raw, "completion_tokens")
	}
	total := gjson.Get(raw, "total_tokens")

	e.TokensInput = int(input.Int())
	e.TokensOutput = int(output.Int())
	if total.Exists() {
		e.TokensTotal = int(total.Int())
	} else {
		e.TokensTotal = e.TokensInput + e.TokensOutput
	}
}

func appendLine(path string, entry TraceEntry) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()

	data, err := json.Marshal(&entry)
	if err != nil {
		return err
	}
	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("append trace line: %w", err)
	}
	return nil
}

// readTraceFile parses a JSONL trace file, skipping malformed lines.
func readTraceFile(path string) ([]TraceEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var out []TraceEntry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e TraceEntry
		if err := json.Unmarshal(line, &e); err != nil {
			continue
		}
		out = append(out, e)
	}
	if err := scanner.Err(); err != nil {
		return out, err
	}
	return out, nil
}

// Package eventlog provides the append-only JSONL streams kept per worker:
// raw output, progress, and findings. Writers append one line per record;
// readers get robust line-by-line parsing, efficient tailing, and bounded
// views. Files are never rewritten and readers tolerate a partial trailing
// line from a worker that crashed mid-write.
package eventlog

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/zjrosen/maestro/internal/orchestration/events"
)

// ProgressEntry is one record in a worker's progress stream.
// The wire field is agent_id for compatibility with the worker protocol.
type ProgressEntry struct {
	Timestamp time.Time           `json:"timestamp"`
	AgentID   string              `json:"agent_id"`
	Status    events.WorkerStatus `json:"status"`
	Message   string              `json:"message,omitempty"`
	Progress  int                 `json:"progress"`
}

// FindingEntry is one record in a worker's findings stream.
type FindingEntry struct {
	Timestamp   time.Time          `json:"timestamp"`
	AgentID     string             `json:"agent_id"`
	FindingType events.FindingType `json:"finding_type"`
	Severity    events.Severity    `json:"severity"`
	Message     string             `json:"message"`
	Data        map[string]any     `json:"data,omitempty"`
}

// ParseErrorEntry is the sentinel record substituted for an unparseable line
// when the caller asks for parsed output. It never surfaces as a top-level
// failure.
type ParseErrorEntry struct {
	Type       string `json:"type"`
	LineNumber int    `json:"line_number"`
	Raw        string `json:"raw"`
	Error      string `json:"error"`
}

// ParseErrorType is the type tag on ParseErrorEntry records.
const ParseErrorType = "parse_error"

// rawPreviewLen bounds how much of a malformed line the sentinel carries.
const rawPreviewLen = 200

// Append serializes the object as one JSON line and appends it to the file.
// The write is a single syscall so concurrent appenders to distinct records
// never interleave within a line. The file handle is not kept open; each
// append opens, writes, and closes.
func Append(path string, obj any) error {
	data, err := json.Marshal(obj)
	if err != nil {
		return fmt.Errorf("marshaling log entry: %w", err)
	}
	data = append(data, '\n')

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600) //nolint:gosec // G304: path owned by the worker's workspace
	if err != nil {
		return fmt.Errorf("opening log for append: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return fmt.Errorf("appending log entry: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("closing log: %w", err)
	}
	return nil
}

// newParseError builds the sentinel record for a malformed line.
func newParseError(lineNumber int, raw string, err error) ParseErrorEntry {
	if len(raw) > rawPreviewLen {
		raw = raw[:rawPreviewLen]
	}
	return ParseErrorEntry{
		Type:       ParseErrorType,
		LineNumber: lineNumber,
		Raw:        raw,
		Error:      err.Error(),
	}
}

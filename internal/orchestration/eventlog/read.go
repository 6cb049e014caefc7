package eventlog

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"github.com/zjrosen/maestro/internal/log"
)

// Format selects how read_bounded returns stream content.
type Format string

// Read formats.
const (
	FormatText   Format = "text"
	FormatJSONL  Format = "jsonl"
	FormatParsed Format = "parsed"
)

// IsValid reports whether f is a known format.
func (f Format) IsValid() bool {
	return f == FormatText || f == FormatJSONL || f == FormatParsed
}

// ReadOptions bound and shape a stream read.
type ReadOptions struct {
	// Tail limits the read to the last N lines. Zero means all lines
	// (still subject to DefaultReadLimit).
	Tail int

	// Filter is a regex applied to the serialized line. Empty matches all.
	Filter string

	// Format selects text, jsonl, or parsed output. Defaults to text.
	Format Format

	// IncludeMetadata adds file statistics to the result.
	IncludeMetadata bool
}

// DefaultReadLimit caps an unbounded read so one call can never return an
// entire multi-hundred-MiB stream.
const DefaultReadLimit = 1000

// Metadata describes the underlying file at read time.
type Metadata struct {
	Path          string    `json:"path"`
	SizeBytes     int64     `json:"size_bytes"`
	TotalLines    int       `json:"total_lines"`
	ReturnedLines int       `json:"returned_lines"`
	SkippedLines  int       `json:"skipped_lines"`
	ModifiedAt    time.Time `json:"modified_at"`
	Truncated     bool      `json:"truncated"`
}

// ReadResult is the outcome of a bounded read. Exactly one of Text, Lines,
// or Objects is populated depending on the requested format.
type ReadResult struct {
	Text    string            `json:"text,omitempty"`
	Lines   []string          `json:"lines,omitempty"`
	Objects []json.RawMessage `json:"objects,omitempty"`

	Metadata *Metadata `json:"metadata,omitempty"`
}

// Large-file tail tuning. For files at or above largeFileThreshold the tail
// seeks from EOF instead of reading the whole file; bytesPerLineEstimate
// sizes the tail window.
const (
	largeFileThreshold   = 1 << 20
	bytesPerLineEstimate = 300
)

// ReadTail returns the last n successfully parsed objects in chronological
// order. Blank and malformed lines are skipped.
func ReadTail(path string, n int) ([]json.RawMessage, error) {
	res, err := ReadBounded(path, ReadOptions{Tail: n, Format: FormatJSONL})
	if err != nil {
		return nil, err
	}
	out := make([]json.RawMessage, 0, len(res.Lines))
	for _, line := range res.Lines {
		out = append(out, json.RawMessage(line))
	}
	return out, nil
}

// ReadFiltered returns up to limit objects whose serialized line matches the
// regex, oldest first.
func ReadFiltered(path, pattern string, limit int) ([]json.RawMessage, error) {
	res, err := ReadBounded(path, ReadOptions{Tail: limit, Filter: pattern, Format: FormatJSONL})
	if err != nil {
		return nil, err
	}
	out := make([]json.RawMessage, 0, len(res.Lines))
	for _, line := range res.Lines {
		out = append(out, json.RawMessage(line))
	}
	return out, nil
}

// ReadBounded reads a bounded, optionally filtered, optionally tailed view
// of a JSONL stream. A missing file returns an empty result, not an error:
// a worker that has not yet emitted anything has an empty stream.
func ReadBounded(path string, opts ReadOptions) (*ReadResult, error) {
	if opts.Format == "" {
		opts.Format = FormatText
	}
	if !opts.Format.IsValid() {
		return nil, fmt.Errorf("unknown read format %q", opts.Format)
	}
	limit := opts.Tail
	if limit <= 0 || limit > DefaultReadLimit {
		limit = DefaultReadLimit
	}

	var filter *regexp.Regexp
	if opts.Filter != "" {
		var err error
		filter, err = regexp.Compile(opts.Filter)
		if err != nil {
			return nil, fmt.Errorf("compiling filter: %w", err)
		}
	}

	f, err := os.Open(path) //nolint:gosec // G304: path owned by the worker's workspace
	if err != nil {
		if os.IsNotExist(err) {
			res := &ReadResult{}
			if opts.IncludeMetadata {
				res.Metadata = &Metadata{Path: path}
			}
			return res, nil
		}
		return nil, fmt.Errorf("opening stream: %w", err)
	}
	defer func() { _ = f.Close() }()

	// Shared lock for the duration of the read; appenders are not blocked
	// from the OS side but the registry writer takes the exclusive side
	// when rewriting is ever needed.
	if err := unix.Flock(int(f.Fd()), unix.LOCK_SH); err != nil {
		return nil, fmt.Errorf("locking stream: %w", err)
	}
	defer func() { _ = unix.Flock(int(f.Fd()), unix.LOCK_UN) }()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat stream: %w", err)
	}

	var raw []byte
	if info.Size() >= largeFileThreshold {
		// Seek back far enough to cover the requested tail, capped at the
		// start of the file. Decoding starts after the first (possibly
		// partial) newline in the window.
		back := int64(limit) * bytesPerLineEstimate
		if back > info.Size() {
			back = info.Size()
		}
		if _, err := f.Seek(-back, io.SeekEnd); err != nil {
			return nil, fmt.Errorf("seeking stream tail: %w", err)
		}
		raw = make([]byte, back)
		n, err := io.ReadFull(f, raw)
		if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("reading stream tail: %w", err)
		}
		raw = raw[:n]
		if back < info.Size() {
			if idx := strings.IndexByte(string(raw), '\n'); idx >= 0 {
				raw = raw[idx+1:]
			}
		}
	} else {
		raw, err = os.ReadFile(path) //nolint:gosec // G304: same path as above
		if err != nil {
			return nil, fmt.Errorf("reading stream: %w", err)
		}
	}

	lines := strings.Split(string(raw), "\n")
	res := &ReadResult{}
	meta := &Metadata{
		Path:       path,
		SizeBytes:  info.Size(),
		ModifiedAt: info.ModTime(),
	}

	// Walk from the end accepting up to limit lines, then reverse back to
	// chronological order. Blank lines are free; malformed lines are
	// skipped (or surfaced as sentinels in parsed format).
	type accepted struct {
		line    string
		lineNum int
		object  json.RawMessage
		bad     bool
		badErr  error
	}
	var kept []accepted
	total := 0
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimRight(lines[i], "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		total++
		if len(kept) >= limit {
			continue
		}
		if filter != nil && !filter.MatchString(line) {
			continue
		}
		// Text reads pass raw lines through: pane captures and pre-tee logs
		// are not JSONL, and the text view is their safety net.
		if opts.Format != FormatText && !json.Valid([]byte(line)) {
			meta.SkippedLines++
			parseErr := fmt.Errorf("invalid JSON")
			log.Warn(log.CatEventLog, "Skipping malformed stream line", "path", path, "line", i+1)
			if opts.Format == FormatParsed {
				kept = append(kept, accepted{line: line, lineNum: i + 1, bad: true, badErr: parseErr})
			}
			continue
		}
		kept = append(kept, accepted{line: line, lineNum: i + 1, object: json.RawMessage(line)})
	}

	// Reverse into chronological order.
	for l, r := 0, len(kept)-1; l < r; l, r = l+1, r-1 {
		kept[l], kept[r] = kept[r], kept[l]
	}

	meta.TotalLines = total
	meta.ReturnedLines = len(kept)
	meta.Truncated = total > len(kept)+meta.SkippedLines

	switch opts.Format {
	case FormatText:
		var b strings.Builder
		for _, k := range kept {
			b.WriteString(k.line)
			b.WriteByte('\n')
		}
		res.Text = b.String()
	case FormatJSONL:
		for _, k := range kept {
			if k.bad {
				continue
			}
			res.Lines = append(res.Lines, k.line)
		}
	case FormatParsed:
		for _, k := range kept {
			if k.bad {
				sentinel := newParseError(k.lineNum, k.line, k.badErr)
				data, err := json.Marshal(sentinel)
				if err != nil {
					continue
				}
				res.Objects = append(res.Objects, data)
				continue
			}
			res.Objects = append(res.Objects, k.object)
		}
	}

	if opts.IncludeMetadata {
		res.Metadata = meta
	}
	return res, nil
}

package supervisor

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"

	"github.com/zjrosen/maestro/internal/log"
)

// Tee preprocesses a worker's stdout before it reaches the output stream.
// Worker tool-result payloads have been observed at 35-40 KB per line, which
// overwhelms bounded-response consumers, so oversized lines are truncated at
// write time. Each processed line is appended with a single write.
type Tee struct {
	// LineCap is the maximum emitted line length in bytes.
	LineCap int
	// FieldCap is the threshold above which a string field value gets a
	// preview substituted for its content.
	FieldCap int
}

// NewTee creates a tee with the given caps. Zero values get the defaults
// (8 KiB line cap, 2 KiB field cap).
func NewTee(lineCap, fieldCap int) *Tee {
	if lineCap <= 0 {
		lineCap = 8 * 1024
	}
	if fieldCap <= 0 {
		fieldCap = 2 * 1024
	}
	return &Tee{LineCap: lineCap, FieldCap: fieldCap}
}

// Preview shape for truncated string fields.
const (
	previewHeadLines = 30
	previewTailLines = 10
)

// truncationMarker is the substring present in every truncated value. Its
// presence in an incoming line also disables re-truncation.
const truncationMarker = "[TRUNCATED:"

var base64Run = regexp.MustCompile(`[A-Za-z0-9+/=]{100,}`)

// Run copies lines from r into the output stream at path, truncating as it
// goes. It returns when r reaches EOF (worker exit closes the pipe).
func (t *Tee) Run(r io.Reader, path string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600) //nolint:gosec // G304: path owned by the worker's workspace
	if err != nil {
		return fmt.Errorf("opening output stream: %w", err)
	}
	defer func() { _ = f.Close() }()

	scanner := bufio.NewScanner(r)
	// Raw worker lines can far exceed the emitted cap before processing.
	scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)

	for scanner.Scan() {
		line := t.Process(scanner.Text())
		if _, err := f.Write(append([]byte(line), '\n')); err != nil {
			return fmt.Errorf("writing output stream: %w", err)
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading worker output: %w", err)
	}
	return nil
}

// Process returns the line to write for one raw input line.
func (t *Tee) Process(line string) string {
	if len(line) <= t.LineCap {
		return line
	}

	var obj map[string]any
	if err := json.Unmarshal([]byte(line), &obj); err != nil {
		// Not JSON. Cut at the cap, keeping room for the marker.
		return t.truncateRaw(line)
	}

	if isProtected(obj) {
		return line
	}
	if alreadyTruncated(line, obj) {
		return line
	}

	t.truncateValue(obj)

	out, err := json.Marshal(obj)
	if err != nil {
		log.Warn(log.CatSupervisor, "Failed to re-encode truncated line, falling back to raw cut", "len", len(line))
		return t.truncateRaw(line)
	}
	if len(out) > t.LineCap {
		// Many medium fields can still add up past the cap.
		return t.truncateRaw(string(out))
	}
	return string(out)
}

// isProtected reports whether the object must never be truncated: error
// records and the system init record carry diagnostic state in full.
func isProtected(obj map[string]any) bool {
	typ, _ := obj["type"].(string)
	if typ == "error" {
		return true
	}
	if typ == "system" {
		subtype, _ := obj["subtype"].(string)
		return subtype == "init"
	}
	return false
}

// alreadyTruncated reports whether the line was truncated upstream.
func alreadyTruncated(line string, obj map[string]any) bool {
	if t, ok := obj["truncated"].(bool); ok && t {
		return true
	}
	return strings.Contains(line, truncationMarker)
}

// truncateValue walks the object and replaces oversized string values with
// previews, setting an adjacent truncated flag in the containing object.
func (t *Tee) truncateValue(v any) {
	switch node := v.(type) {
	case map[string]any:
		touched := false
		for key, val := range node {
			switch inner := val.(type) {
			case string:
				if len(inner) > t.FieldCap {
					node[key] = t.preview(inner)
					touched = true
				} else if replaced := stripBase64(inner); replaced != inner {
					node[key] = replaced
					touched = true
				}
			default:
				t.truncateValue(val)
			}
		}
		if touched {
			node["truncated"] = true
		}
	case []any:
		for _, item := range node {
			t.truncateValue(item)
		}
	}
}

// preview renders the head and tail of an oversized string with a marker in
// between. Single-line blobs fall back to a character cut so the result is
// always within the field cap.
func (t *Tee) preview(s string) string {
	s = stripBase64(s)
	lines := strings.Split(s, "\n")
	if len(lines) > previewHeadLines+previewTailLines {
		removed := len(lines) - previewHeadLines - previewTailLines
		removedChars := 0
		for _, l := range lines[previewHeadLines : len(lines)-previewTailLines] {
			removedChars += len(l) + 1
		}
		marker := fmt.Sprintf("%s %d lines (%d chars) removed]", truncationMarker, removed, removedChars)
		parts := make([]string, 0, previewHeadLines+previewTailLines+1)
		parts = append(parts, lines[:previewHeadLines]...)
		parts = append(parts, marker)
		parts = append(parts, lines[len(lines)-previewTailLines:]...)
		s = strings.Join(parts, "\n")
	}
	if len(s) > t.FieldCap {
		head := t.FieldCap * 3 / 4
		tail := t.FieldCap / 8
		removed := len(s) - head - tail
		s = s[:head] + fmt.Sprintf("%s %d lines (%d chars) removed]", truncationMarker, strings.Count(s[head:len(s)-tail], "\n"), removed) + s[len(s)-tail:]
	}
	return s
}

// truncateRaw cuts a non-JSON (or unrecoverable) line at the cap.
func (t *Tee) truncateRaw(line string) string {
	marker := fmt.Sprintf("%s %d chars removed]", truncationMarker, len(line)-t.LineCap)
	keep := t.LineCap - len(marker)
	if keep < 0 {
		keep = 0
	}
	return line[:keep] + marker
}

// base64MinAlphabet is the minimum distinct-character count for a run to
// count as base64. Long repeated-character padding matches the charset but
// is ordinary text and must keep its head/tail preview.
const base64MinAlphabet = 4

// stripBase64 replaces base64-looking runs with a size marker.
func stripBase64(s string) string {
	return base64Run.ReplaceAllStringFunc(s, func(run string) string {
		if distinctChars(run) < base64MinAlphabet {
			return run
		}
		return fmt.Sprintf("[BASE64_DATA: %d bytes]", len(run))
	})
}

// distinctChars counts distinct bytes in s, stopping once the base64
// alphabet threshold is reached.
func distinctChars(s string) int {
	var seen [256]bool
	count := 0
	for i := 0; i < len(s); i++ {
		if !seen[s[i]] {
			seen[s[i]] = true
			count++
			if count >= base64MinAlphabet {
				return count
			}
		}
	}
	return count
}

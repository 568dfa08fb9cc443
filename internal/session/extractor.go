package session

import (
	"encoding/json"
	"strings"
	"time"
	"unicode"
)

// DefaultExtractInterval is the minimum gap between parse attempts on a
// growing buffer. Scanning every chunk would be quadratic on long
// unfinished objects.
const DefaultExtractInterval = 100 * time.Millisecond

// ExtractedCall is one tool call pulled out of model text.
type ExtractedCall struct {
	ServerName string
	MethodName string
	Arguments  map[string]any
}

type span struct {
	start, end int
}

// Extractor incrementally scans streaming model text for embedded tool
// calls of the shape {"name": "server.method", "arguments": {...}}.
// Complete call objects are removed from the visible content; partial or
// malformed JSON is left pending until later chunks complete it. The
// scan is idempotent: re-running over the same prefix never re-emits a
// call.
type Extractor struct {
	minInterval time.Duration
	now         func() time.Time

	buf      strings.Builder
	calls    []ExtractedCall
	spans    []span
	emitted  int
	lastScan time.Time
}

// NewExtractor creates an extractor with the default rate limit.
func NewExtractor() *Extractor {
	return &Extractor{
		minInterval: DefaultExtractInterval,
		now:         time.Now,
	}
}

// Append adds a stream chunk to the buffer.
func (e *Extractor) Append(text string) {
	e.buf.WriteString(text)
}

// Extract scans for new complete tool calls, rate-limited. Returns the
// calls found since the previous drain, possibly none when the rate
// limit suppressed the scan.
func (e *Extractor) Extract() []ExtractedCall {
	now := e.now()
	if !e.lastScan.IsZero() && now.Sub(e.lastScan) < e.minInterval {
		return nil
	}
	e.lastScan = now
	e.scan()
	return e.drain()
}

// Flush scans unconditionally and returns any remaining new calls. Call
// once the stream is done.
func (e *Extractor) Flush() []ExtractedCall {
	e.lastScan = e.now()
	e.scan()
	return e.drain()
}

// Calls returns every call extracted so far, in emission order.
func (e *Extractor) Calls() []ExtractedCall {
	out := make([]ExtractedCall, len(e.calls))
	copy(out, e.calls)
	return out
}

func (e *Extractor) drain() []ExtractedCall {
	if e.emitted == len(e.calls) {
		return nil
	}
	out := make([]ExtractedCall, len(e.calls)-e.emitted)
	copy(out, e.calls[e.emitted:])
	e.emitted = len(e.calls)
	return out
}

// VisibleContent returns the buffer with every extracted region removed.
// Whitespace is collapsed only at removal seams, never inside surviving
// prose.
func (e *Extractor) VisibleContent() string {
	text := e.buf.String()
	if len(e.spans) == 0 {
		return text
	}

	var sb strings.Builder
	pos := 0
	for _, sp := range e.spans {
		gap := text[pos:sp.start]
		if endsWithSpace(sb.String()) {
			gap = strings.TrimLeftFunc(gap, unicode.IsSpace)
		}
		sb.WriteString(gap)
		pos = sp.end
	}
	tail := text[pos:]
	if endsWithSpace(sb.String()) {
		tail = strings.TrimLeftFunc(tail, unicode.IsSpace)
	}
	sb.WriteString(tail)
	return sb.String()
}

func endsWithSpace(s string) bool {
	if s == "" {
		return false
	}
	return unicode.IsSpace(rune(s[len(s)-1]))
}

// scan walks the buffer outside already-extracted regions looking for
// balanced top-level objects that parse as tool calls. An unbalanced
// region at the end of the buffer is left pending.
func (e *Extractor) scan() {
	text := e.buf.String()
	i := 0
	for i < len(text) {
		if sp, ok := e.spanAt(i); ok {
			i = sp.end
			continue
		}
		if text[i] != '{' {
			i++
			continue
		}

		end, complete := balancedEnd(text, i)
		if !complete {
			// Pending: a later chunk may close it.
			return
		}

		if call, ok := parseToolCall(text[i:end]); ok {
			e.calls = append(e.calls, call)
			e.insertSpan(span{start: i, end: end})
		}
		i = end
	}
}

func (e *Extractor) spanAt(pos int) (span, bool) {
	for _, sp := range e.spans {
		if pos >= sp.start && pos < sp.end {
			return sp, true
		}
	}
	return span{}, false
}

func (e *Extractor) insertSpan(sp span) {
	for idx, existing := range e.spans {
		if sp.start < existing.start {
			e.spans = append(e.spans[:idx], append([]span{sp}, e.spans[idx:]...)...)
			return
		}
	}
	e.spans = append(e.spans, sp)
}

// balancedEnd finds the end of the brace-balanced region starting at
// start, respecting JSON strings and escapes. Returns the index one past
// the closing brace, or false when the region is still open.
func balancedEnd(text string, start int) (int, bool) {
	depth := 0
	inString := false
	escaped := false

	for i := start; i < len(text); i++ {
		c := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i + 1, true
			}
		}
	}
	return 0, false
}

// parseToolCall checks whether a balanced region is a tool call: a JSON
// object with a dotted name and an arguments object.
func parseToolCall(region string) (ExtractedCall, bool) {
	var obj struct {
		Name      string         `json:"name"`
		Arguments map[string]any `json:"arguments"`
	}
	if err := json.Unmarshal([]byte(region), &obj); err != nil {
		return ExtractedCall{}, false
	}
	if obj.Name == "" || obj.Arguments == nil {
		return ExtractedCall{}, false
	}

	server, method, found := strings.Cut(obj.Name, ".")
	if !found || server == "" || method == "" {
		return ExtractedCall{}, false
	}
	return ExtractedCall{
		ServerName: server,
		MethodName: method,
		Arguments:  obj.Arguments,
	}, true
}

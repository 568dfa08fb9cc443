package session

import (
	"testing"
	"time"
)

// unlimitedExtractor disables the rate limit so tests can scan on demand.
func unlimitedExtractor() *Extractor {
	e := NewExtractor()
	e.minInterval = 0
	return e
}

func TestExtractSimpleCall(t *testing.T) {
	e := unlimitedExtractor()
	e.Append(`Hello {"name":"s1.ping","arguments":{}} world`)

	calls := e.Extract()
	if len(calls) != 1 {
		t.Fatalf("got %d calls", len(calls))
	}
	if calls[0].ServerName != "s1" || calls[0].MethodName != "ping" {
		t.Errorf("call = %+v", calls[0])
	}
	if calls[0].Arguments == nil || len(calls[0].Arguments) != 0 {
		t.Errorf("arguments = %+v", calls[0].Arguments)
	}
}

func TestExtractSplitsNameOnFirstDot(t *testing.T) {
	e := unlimitedExtractor()
	e.Append(`{"name":"fs.read.file","arguments":{"path":"/a"}}`)

	calls := e.Extract()
	if len(calls) != 1 {
		t.Fatalf("got %d calls", len(calls))
	}
	if calls[0].ServerName != "fs" || calls[0].MethodName != "read.file" {
		t.Errorf("split = %s / %s", calls[0].ServerName, calls[0].MethodName)
	}
}

func TestExtractPartialJSONLeftPending(t *testing.T) {
	e := unlimitedExtractor()
	e.Append(`Working on it {"name":"s1.ping","argu`)

	if calls := e.Extract(); len(calls) != 0 {
		t.Fatalf("partial object emitted: %+v", calls)
	}

	e.Append(`ments":{}}`)
	calls := e.Extract()
	if len(calls) != 1 {
		t.Fatalf("completed object not emitted, got %d", len(calls))
	}
	if got := e.VisibleContent(); got != "Working on it " {
		t.Errorf("visible = %q", got)
	}
}

func TestExtractIdempotentOnRepeatedScans(t *testing.T) {
	e := unlimitedExtractor()
	e.Append(`{"name":"s1.ping","arguments":{}}`)

	first := e.Extract()
	if len(first) != 1 {
		t.Fatalf("got %d calls", len(first))
	}

	for i := 0; i < 5; i++ {
		if again := e.Extract(); len(again) != 0 {
			t.Fatalf("re-scan %d emitted %d calls", i, len(again))
		}
	}
	if total := e.Calls(); len(total) != 1 {
		t.Errorf("total calls = %d", len(total))
	}
}

func TestExtractMultipleCallsInOrder(t *testing.T) {
	e := unlimitedExtractor()
	e.Append(`{"name":"a.first","arguments":{}} then {"name":"b.second","arguments":{}}`)

	calls := e.Extract()
	if len(calls) != 2 {
		t.Fatalf("got %d calls", len(calls))
	}
	if calls[0].MethodName != "first" || calls[1].MethodName != "second" {
		t.Errorf("order wrong: %+v", calls)
	}
}

func TestExtractIgnoresNonCallObjects(t *testing.T) {
	e := unlimitedExtractor()
	e.Append(`The config is {"retries": 3} as shown.`)

	if calls := e.Extract(); len(calls) != 0 {
		t.Fatalf("non-call object extracted: %+v", calls)
	}
	if got := e.VisibleContent(); got != `The config is {"retries": 3} as shown.` {
		t.Errorf("visible content altered: %q", got)
	}
}

func TestExtractRespectsStringsWithBraces(t *testing.T) {
	e := unlimitedExtractor()
	e.Append(`{"name":"s.echo","arguments":{"text":"closing } brace and \" quote"}}`)

	calls := e.Extract()
	if len(calls) != 1 {
		t.Fatalf("got %d calls", len(calls))
	}
	if calls[0].Arguments["text"] != `closing } brace and " quote` {
		t.Errorf("arguments = %+v", calls[0].Arguments)
	}
}

func TestVisibleContentCollapsesSeamWhitespace(t *testing.T) {
	e := unlimitedExtractor()
	e.Append("Hello \n{\"name\":\"s1.ping\",\"arguments\":{}}\n done")
	e.Extract()

	got := e.VisibleContent()
	if got != "Hello \ndone" {
		t.Errorf("visible = %q", got)
	}
}

func TestVisibleContentKeepsTrailingProse(t *testing.T) {
	e := unlimitedExtractor()
	e.Append(`Hello {"name":"s1.ping","arguments":{}}`)
	e.Extract()

	if got := e.VisibleContent(); got != "Hello " {
		t.Errorf("visible = %q", got)
	}
}

func TestExtractRateLimited(t *testing.T) {
	e := NewExtractor()
	current := time.Unix(1000, 0)
	e.now = func() time.Time { return current }

	e.Append(`{"name":"s1.a","arguments":{}}`)
	if calls := e.Extract(); len(calls) != 1 {
		t.Fatalf("first scan suppressed: %d", len(calls))
	}

	// Within the window the scan is skipped entirely.
	e.Append(`{"name":"s1.b","arguments":{}}`)
	if calls := e.Extract(); len(calls) != 0 {
		t.Fatal("scan ran inside the rate-limit window")
	}

	current = current.Add(DefaultExtractInterval)
	if calls := e.Extract(); len(calls) != 1 {
		t.Fatal("scan did not resume after the window")
	}

	// Flush ignores the window.
	e.Append(`{"name":"s1.c","arguments":{}}`)
	if calls := e.Flush(); len(calls) != 1 {
		t.Fatal("flush did not scan")
	}
}

package mcp

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestNewTransportSelectsByCommand(t *testing.T) {
	logs := NewLogBuffer()

	tr := NewTransport(&ServerConfig{Command: "https://example.com/mcp"}, Handlers{}, logs, nil)
	if _, ok := tr.(*HTTPTransport); !ok {
		t.Errorf("https command selected %T, want HTTPTransport", tr)
	}

	tr = NewTransport(&ServerConfig{Command: "npx"}, Handlers{}, logs, nil)
	if _, ok := tr.(*StdioTransport); !ok {
		t.Errorf("plain command selected %T, want StdioTransport", tr)
	}
}

func TestStdioStartFailsForMissingBinary(t *testing.T) {
	cfg := &ServerConfig{Command: "/nonexistent/definitely-not-a-binary"}
	tr := NewStdioTransport(cfg, Handlers{}, NewLogBuffer(), nil)

	err := tr.Start(context.Background())
	if !IsKind(err, KindTransportCreationFailed) {
		t.Fatalf("got %v, want TransportCreationFailed", err)
	}
}

func TestStdioStartRequiresCommand(t *testing.T) {
	tr := NewStdioTransport(&ServerConfig{}, Handlers{}, NewLogBuffer(), nil)
	if err := tr.Start(context.Background()); !IsKind(err, KindTransportCreationFailed) {
		t.Fatalf("got %v, want TransportCreationFailed", err)
	}
}

func TestStdioSendBeforeStartIsClosed(t *testing.T) {
	tr := NewStdioTransport(&ServerConfig{Command: "cat"}, Handlers{}, NewLogBuffer(), nil)

	err := tr.Send(context.Background(), &JSONRPCMessage{JSONRPC: "2.0", Method: "ping"})
	if !IsKind(err, KindTransportClosed) {
		t.Fatalf("got %v, want TransportClosed", err)
	}
}

func TestStdioSendAfterClose(t *testing.T) {
	closed := make(chan struct{})
	tr := NewStdioTransport(&ServerConfig{Command: "cat"}, Handlers{
		OnClose: func() { close(closed) },
	}, NewLogBuffer(), nil)

	if err := tr.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if err := tr.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	err := tr.Send(context.Background(), &JSONRPCMessage{JSONRPC: "2.0", Method: "ping"})
	if !IsKind(err, KindTransportClosed) {
		t.Fatalf("got %v, want TransportClosed", err)
	}

	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("close handler never fired")
	}
}

func TestStdioCloseIsIdempotent(t *testing.T) {
	var closes atomic.Int32
	tr := NewStdioTransport(&ServerConfig{Command: "cat"}, Handlers{
		OnClose: func() { closes.Add(1) },
	}, NewLogBuffer(), nil)

	if err := tr.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	_ = tr.Close()
	_ = tr.Close()

	time.Sleep(100 * time.Millisecond)
	if n := closes.Load(); n > 1 {
		t.Errorf("close handler fired %d times", n)
	}
}

func TestHeadersFromEnv(t *testing.T) {
	headers := headersFromEnv(map[string]string{
		"MCP_AUTH_TOKEN":   "secret",
		"HEADER_X-Api-Key": "k1",
		"HEADER_":          "ignored",
		"UNRELATED":        "x",
		"PATH":             "/bin",
	})

	if headers["Authorization"] != "Bearer secret" {
		t.Errorf("Authorization = %q", headers["Authorization"])
	}
	if headers["X-Api-Key"] != "k1" {
		t.Errorf("X-Api-Key = %q", headers["X-Api-Key"])
	}
	if len(headers) != 2 {
		t.Errorf("unexpected headers: %v", headers)
	}
}

func TestHTTPStartRequiresURL(t *testing.T) {
	tr := NewHTTPTransport(&ServerConfig{}, Handlers{}, nil)
	if err := tr.Start(context.Background()); !IsKind(err, KindTransportCreationFailed) {
		t.Fatalf("got %v, want TransportCreationFailed", err)
	}
}

func TestHTTPStartFailsForUnreachableURL(t *testing.T) {
	tr := NewHTTPTransport(&ServerConfig{Command: "http://127.0.0.1:1/stream"}, Handlers{}, nil)
	if err := tr.Start(context.Background()); !IsKind(err, KindTransportCreationFailed) {
		t.Fatalf("got %v, want TransportCreationFailed", err)
	}
}

func TestHTTPSendAfterClose(t *testing.T) {
	tr := NewHTTPTransport(&ServerConfig{Command: "http://127.0.0.1:1/stream"}, Handlers{}, nil)
	_ = tr.Close()

	err := tr.Send(context.Background(), &JSONRPCMessage{JSONRPC: "2.0", Method: "ping"})
	if !IsKind(err, KindTransportClosed) {
		t.Fatalf("got %v, want TransportClosed", err)
	}
}

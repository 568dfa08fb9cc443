package mcp

import (
	"context"
	"log/slog"
)

// Handlers bundles the observer callbacks wired into a transport at
// construction time. Transports never expose assignable callback fields.
type Handlers struct {
	// OnMessage is invoked for every decoded JSON-RPC message.
	OnMessage func(msg *JSONRPCMessage)

	// OnClose is invoked exactly once when the underlying stream ends,
	// whether by Close or by unexpected end of stream.
	OnClose func()

	// OnError is invoked for stream-level errors that do not end the
	// transport on their own.
	OnError func(err error)
}

func (h Handlers) message(msg *JSONRPCMessage) {
	if h.OnMessage != nil {
		h.OnMessage(msg)
	}
}

func (h Handlers) closed() {
	if h.OnClose != nil {
		h.OnClose()
	}
}

func (h Handlers) errored(err error) {
	if h.OnError != nil {
		h.OnError(err)
	}
}

// Transport frames JSON-RPC messages over a byte-stream carrier.
type Transport interface {
	// Start opens the carrier. Fails with a TransportCreationFailed error
	// when the child cannot be spawned or the URL cannot be opened.
	Start(ctx context.Context) error

	// Send writes one message. Fails with TransportClosed after Close,
	// otherwise with TransportSendFailed on write errors.
	Send(ctx context.Context, msg *JSONRPCMessage) error

	// Close tears the carrier down. Idempotent.
	Close() error
}

// NewTransport selects the transport implementation for a server config:
// an http:// or https:// command opens the event-stream transport, any
// other command spawns a child process speaking stdio. Stderr from child
// processes drains into logs.
func NewTransport(cfg *ServerConfig, handlers Handlers, logs *LogBuffer, logger *slog.Logger) Transport {
	if cfg.IsHTTP() {
		return NewHTTPTransport(cfg, handlers, logger)
	}
	return NewStdioTransport(cfg, handlers, logs, logger)
}

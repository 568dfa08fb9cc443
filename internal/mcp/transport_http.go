package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
)

const (
	// envAuthToken holds a bearer token for the event-stream transport.
	envAuthToken = "MCP_AUTH_TOKEN"

	// envHeaderPrefix marks env keys whose remainder names an HTTP header.
	envHeaderPrefix = "HEADER_"
)

// HTTPTransport frames JSON-RPC over an HTTP event stream: requests are
// POSTed to the configured URL and inbound messages arrive on a
// server-sent event stream.
type HTTPTransport struct {
	config   *ServerConfig
	handlers Handlers
	logger   *slog.Logger
	client   *http.Client
	headers  map[string]string

	connected  atomic.Bool
	closeOnce  sync.Once
	notifyOnce sync.Once
	cancel     context.CancelFunc
	wg         sync.WaitGroup
}

// NewHTTPTransport creates an event-stream transport for the given config.
// The config's command holds the URL.
func NewHTTPTransport(cfg *ServerConfig, handlers Handlers, logger *slog.Logger) *HTTPTransport {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPTransport{
		config:   cfg,
		handlers: handlers,
		logger:   logger.With("transport", "http"),
		client:   &http.Client{},
		headers:  headersFromEnv(EffectiveEnv(cfg.Env)),
	}
}

// headersFromEnv derives HTTP headers from the effective environment:
// MCP_AUTH_TOKEN becomes an Authorization bearer header and any key
// prefixed HEADER_ contributes the remainder as a header name.
func headersFromEnv(env map[string]string) map[string]string {
	headers := make(map[string]string)
	for k, v := range env {
		switch {
		case k == envAuthToken && v != "":
			headers["Authorization"] = "Bearer " + v
		case strings.HasPrefix(k, envHeaderPrefix) && len(k) > len(envHeaderPrefix):
			headers[k[len(envHeaderPrefix):]] = v
		}
	}
	return headers
}

// Start opens the event stream. Fails with TransportCreationFailed when
// the URL cannot be opened.
func (t *HTTPTransport) Start(ctx context.Context) error {
	url := t.config.Command
	if url == "" {
		return NewError(KindTransportCreationFailed, "URL is required for the event-stream transport")
	}

	streamCtx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel

	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, url, nil)
	if err != nil {
		cancel()
		return WrapError(KindTransportCreationFailed, "create stream request", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	t.applyHeaders(req)

	resp, err := t.client.Do(req)
	if err != nil {
		cancel()
		return WrapError(KindTransportCreationFailed, "open event stream", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		cancel()
		return NewError(KindTransportCreationFailed,
			fmt.Sprintf("event stream returned HTTP %d", resp.StatusCode))
	}

	t.connected.Store(true)
	t.logger.Info("event stream open", "url", url)

	t.wg.Add(1)
	go t.streamLoop(resp.Body)

	return nil
}

// Send POSTs one message to the endpoint. A JSON-RPC message in the POST
// response body is dispatched like any inbound message.
func (t *HTTPTransport) Send(ctx context.Context, msg *JSONRPCMessage) error {
	if !t.connected.Load() {
		return NewError(KindTransportClosed, "transport is closed")
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return WrapError(KindTransportSendFailed, "marshal message", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.config.Command, bytes.NewReader(body))
	if err != nil {
		return WrapError(KindTransportSendFailed, "create request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	t.applyHeaders(req)

	resp, err := t.client.Do(req)
	if err != nil {
		return WrapError(KindTransportSendFailed, "post message", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return NewError(KindTransportSendFailed,
			fmt.Sprintf("HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(data))))
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	var reply JSONRPCMessage
	if json.Unmarshal(data, &reply) == nil && (reply.ID != nil || reply.Method != "") {
		t.handlers.message(&reply)
	}
	return nil
}

// Close tears down the event stream. Idempotent.
func (t *HTTPTransport) Close() error {
	t.closeOnce.Do(func() {
		t.connected.Store(false)
		if t.cancel != nil {
			t.cancel()
		}
	})
	return nil
}

func (t *HTTPTransport) applyHeaders(req *http.Request) {
	for k, v := range t.headers {
		req.Header.Set(k, v)
	}
}

// streamLoop reads server-sent events and dispatches JSON-RPC payloads.
// Unexpected end of stream triggers the close handler.
func (t *HTTPTransport) streamLoop(body io.ReadCloser) {
	defer t.wg.Done()
	defer body.Close()
	defer t.connected.Store(false)
	defer t.notifyOnce.Do(t.handlers.closed)

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, stdioReadBufferSize), stdioReadBufferSize)

	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")

		var msg JSONRPCMessage
		if err := json.Unmarshal([]byte(data), &msg); err != nil {
			t.logger.Debug("discarding malformed event", "data", data)
			continue
		}
		if msg.Method == "" && msg.ID == nil {
			continue
		}
		t.handlers.message(&msg)
	}

	if err := scanner.Err(); err != nil && !isClosedErr(err) {
		t.logger.Error("event stream read error", "error", err)
		t.handlers.errored(err)
	}
}

func isClosedErr(err error) bool {
	return err == nil ||
		strings.Contains(err.Error(), "context canceled") ||
		strings.Contains(err.Error(), "use of closed")
}

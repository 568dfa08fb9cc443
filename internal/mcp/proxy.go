package mcp

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/haasonsaas/mcpcore/internal/observability"
)

// ProxyState is the lifecycle state of a transport proxy.
type ProxyState string

const (
	ProxyDisconnected ProxyState = "disconnected"
	ProxyConnected    ProxyState = "connected"
	ProxyClosing      ProxyState = "closing"
	ProxyClosed       ProxyState = "closed"
	ProxyErrored      ProxyState = "error"
)

// Error sources reported by the proxy error callback.
const (
	ProxySourceClient = "client"
	ProxySourceServer = "server"
	ProxySourceProxy  = "proxy"
)

// ProxyLastError records the most recent error seen by a proxy.
type ProxyLastError struct {
	Time    time.Time `json:"time"`
	Message string    `json:"message"`
	Source  string    `json:"source"`
}

// ProxyMetrics counts messages and errors on each side of the splice.
type ProxyMetrics struct {
	ToClient     int64           `json:"toClient"`
	ToServer     int64           `json:"toServer"`
	FromClient   int64           `json:"fromClient"`
	FromServer   int64           `json:"fromServer"`
	ClientErrors int64           `json:"clientErrors"`
	ServerErrors int64           `json:"serverErrors"`
	IsHealthy    bool            `json:"isHealthy"`
	LastError    *ProxyLastError `json:"lastError,omitempty"`
}

// ProxyOptions configures a proxy's behaviour and observer hooks.
type ProxyOptions struct {
	// AutoCloseOnDisconnect closes the peer transport when one side
	// closes, tearing the whole splice down.
	AutoCloseOnDisconnect bool

	// OnStateChange is invoked after every state transition.
	OnStateChange func(state ProxyState)

	// OnError is invoked for errors, with the side that produced them.
	OnError func(source string, err error)
}

// wrappedTransports tracks which transports are currently spliced by a
// proxy. A transport may be wrapped by at most one proxy at a time; a
// second wrap is rejected with a ProxyError-kinded error.
var (
	wrapMu            sync.Mutex
	wrappedTransports = make(map[Transport]*Proxy)
)

// Proxy splices two transports bidirectionally: messages arriving on one
// side are forwarded to the other, with per-side counters. When both
// sides are the same transport object, forwarding is disabled and only
// close/error are observed.
type Proxy struct {
	opts   ProxyOptions
	logger *slog.Logger
	obs    *observability.Metrics

	mu              sync.Mutex
	state           ProxyState
	metrics         ProxyMetrics
	clientTransport Transport
	serverTransport Transport
	shared          bool
}

// NewProxy creates a proxy in the disconnected state. Wire the handlers
// returned by ClientHandlers and ServerHandlers into the two transports,
// then call Start.
func NewProxy(opts ProxyOptions, obs *observability.Metrics, logger *slog.Logger) *Proxy {
	if logger == nil {
		logger = slog.Default()
	}
	return &Proxy{
		opts:   opts,
		logger: logger.With("component", "proxy"),
		obs:    obs,
		state:  ProxyDisconnected,
		metrics: ProxyMetrics{
			IsHealthy: true,
		},
	}
}

// ClientHandlers returns the handler set for the client-side transport.
func (p *Proxy) ClientHandlers() Handlers {
	return Handlers{
		OnMessage: func(msg *JSONRPCMessage) { p.forward(ProxySourceClient, msg) },
		OnClose:   func() { p.sideClosed(ProxySourceClient) },
		OnError:   func(err error) { p.sideErrored(ProxySourceClient, err) },
	}
}

// ServerHandlers returns the handler set for the server-side transport.
func (p *Proxy) ServerHandlers() Handlers {
	return Handlers{
		OnMessage: func(msg *JSONRPCMessage) { p.forward(ProxySourceServer, msg) },
		OnClose:   func() { p.sideClosed(ProxySourceServer) },
		OnError:   func(err error) { p.sideErrored(ProxySourceServer, err) },
	}
}

// Start attaches the two transports and moves the proxy to connected.
// Both transports must already be started by the caller. Passing the same
// transport for both sides selects the shared mode, which observes
// close/error but never forwards (forwarding would echo every message
// back to its sender). A transport already spliced by another proxy is
// rejected.
func (p *Proxy) Start(clientTransport, serverTransport Transport) error {
	if clientTransport == nil || serverTransport == nil {
		return NewError(KindProxyError, "both transports are required")
	}

	p.mu.Lock()
	if p.state != ProxyDisconnected {
		p.mu.Unlock()
		return NewError(KindProxyError, "proxy already started")
	}
	p.mu.Unlock()

	shared := clientTransport == serverTransport

	wrapMu.Lock()
	if other, ok := wrappedTransports[clientTransport]; ok && other != p {
		wrapMu.Unlock()
		return NewError(KindProxyError, "transport is already spliced by another proxy")
	}
	if !shared {
		if other, ok := wrappedTransports[serverTransport]; ok && other != p {
			wrapMu.Unlock()
			return NewError(KindProxyError, "transport is already spliced by another proxy")
		}
	}
	wrappedTransports[clientTransport] = p
	wrappedTransports[serverTransport] = p
	wrapMu.Unlock()

	p.mu.Lock()
	p.clientTransport = clientTransport
	p.serverTransport = serverTransport
	p.shared = shared
	p.mu.Unlock()

	if shared {
		p.logger.Info("proxy observing shared transport")
	} else {
		p.logger.Info("proxy splicing transports")
	}

	p.setState(ProxyConnected)
	return nil
}

// State returns the current lifecycle state.
func (p *Proxy) State() ProxyState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Metrics returns a copy of the current counters.
func (p *Proxy) Metrics() ProxyMetrics {
	p.mu.Lock()
	defer p.mu.Unlock()
	m := p.metrics
	if p.metrics.LastError != nil {
		le := *p.metrics.LastError
		m.LastError = &le
	}
	return m
}

// Close tears the splice down and closes both transports. Idempotent;
// a second call while closing or closed is a no-op.
func (p *Proxy) Close() error {
	p.mu.Lock()
	if p.state == ProxyClosing || p.state == ProxyClosed {
		p.mu.Unlock()
		return nil
	}
	p.state = ProxyClosing
	ct, st := p.clientTransport, p.serverTransport
	p.clientTransport, p.serverTransport = nil, nil
	cb := p.opts.OnStateChange
	p.mu.Unlock()

	if cb != nil {
		cb(ProxyClosing)
	}

	if ct != nil {
		_ = ct.Close()
	}
	if st != nil && st != ct {
		_ = st.Close()
	}

	wrapMu.Lock()
	if ct != nil && wrappedTransports[ct] == p {
		delete(wrappedTransports, ct)
	}
	if st != nil && wrappedTransports[st] == p {
		delete(wrappedTransports, st)
	}
	wrapMu.Unlock()

	p.setState(ProxyClosed)
	return nil
}

// forward relays one message from the named side to its peer. Counters
// are updated on every forward; in shared mode nothing is relayed.
func (p *Proxy) forward(from string, msg *JSONRPCMessage) {
	p.mu.Lock()
	if p.state != ProxyConnected || p.shared {
		p.mu.Unlock()
		return
	}

	var dest Transport
	var direction string
	if from == ProxySourceClient {
		p.metrics.FromClient++
		dest = p.serverTransport
		direction = "to_server"
	} else {
		p.metrics.FromServer++
		dest = p.clientTransport
		direction = "to_client"
	}
	p.mu.Unlock()

	if dest == nil {
		return
	}

	if err := dest.Send(context.Background(), msg); err != nil {
		p.sideErrored(ProxySourceProxy, err)
		return
	}

	p.mu.Lock()
	if direction == "to_server" {
		p.metrics.ToServer++
	} else {
		p.metrics.ToClient++
	}
	p.mu.Unlock()

	p.obs.ObserveProxyForward(direction)
}

// sideClosed reacts to one side's transport closing.
func (p *Proxy) sideClosed(source string) {
	p.mu.Lock()
	if p.state != ProxyConnected {
		p.mu.Unlock()
		return
	}
	autoClose := p.opts.AutoCloseOnDisconnect
	p.mu.Unlock()

	p.logger.Info("proxy side closed", "source", source)

	if autoClose {
		_ = p.Close()
		return
	}
	p.setState(ProxyDisconnected)
}

// sideErrored records an error against a side and pushes the proxy into
// the error state.
func (p *Proxy) sideErrored(source string, err error) {
	p.mu.Lock()
	if p.state == ProxyClosing || p.state == ProxyClosed {
		// Errors surfacing during teardown must not overwrite the
		// terminal state.
		p.mu.Unlock()
		return
	}
	switch source {
	case ProxySourceClient:
		p.metrics.ClientErrors++
	case ProxySourceServer:
		p.metrics.ServerErrors++
	}
	p.metrics.IsHealthy = false
	p.metrics.LastError = &ProxyLastError{
		Time:    time.Now(),
		Message: err.Error(),
		Source:  source,
	}
	cb := p.opts.OnError
	p.mu.Unlock()

	p.logger.Error("proxy error", "source", source, "error", err)
	p.setState(ProxyErrored)

	if cb != nil {
		cb(source, err)
	}
}

func (p *Proxy) setState(state ProxyState) {
	p.mu.Lock()
	if p.state == state {
		p.mu.Unlock()
		return
	}
	p.state = state
	cb := p.opts.OnStateChange
	p.mu.Unlock()

	if cb != nil {
		cb(state)
	}
}

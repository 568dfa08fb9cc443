package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"sync/atomic"
)

const (
	// muxStreamStdout is the stream id contributing to the message path
	// when the container runtime multiplexes stdout/stderr.
	muxStreamStdout = 1

	muxHeaderLen = 8

	stdioReadBufferSize = 1024 * 1024 // 1MB
)

// StdioTransport spawns a child process and frames newline-delimited
// JSON-RPC over its stdin/stdout. Stderr is drained into the owning
// supervisor's log buffer.
type StdioTransport struct {
	config   *ServerConfig
	handlers Handlers
	logs     *LogBuffer
	logger   *slog.Logger

	process *exec.Cmd
	stdin   io.WriteCloser

	connected atomic.Bool
	closeOnce sync.Once
	notifyOnce sync.Once
	stopChan  chan struct{}
	wg        sync.WaitGroup
}

// NewStdioTransport creates a stdio transport for the given config.
func NewStdioTransport(cfg *ServerConfig, handlers Handlers, logs *LogBuffer, logger *slog.Logger) *StdioTransport {
	if logger == nil {
		logger = slog.Default()
	}
	return &StdioTransport{
		config:   cfg,
		handlers: handlers,
		logs:     logs,
		logger:   logger.With("transport", "stdio"),
		stopChan: make(chan struct{}),
	}
}

// Start spawns the child process with a sanitised environment and begins
// reading frames.
func (t *StdioTransport) Start(ctx context.Context) error {
	if t.config.Command == "" {
		return NewError(KindTransportCreationFailed, "command is required for stdio transport")
	}

	t.process = exec.Command(t.config.Command, t.config.Args...) // #nosec G204 -- command comes from validated server config

	env := EffectiveEnv(t.config.Env)
	t.process.Env = make([]string, 0, len(env))
	for k, v := range env {
		t.process.Env = append(t.process.Env, fmt.Sprintf("%s=%s", k, v))
	}

	stdin, err := t.process.StdinPipe()
	if err != nil {
		return WrapError(KindTransportCreationFailed, "stdin pipe", err)
	}
	t.stdin = stdin

	stdout, err := t.process.StdoutPipe()
	if err != nil {
		return WrapError(KindTransportCreationFailed, "stdout pipe", err)
	}

	stderr, err := t.process.StderrPipe()
	if err != nil {
		return WrapError(KindTransportCreationFailed, "stderr pipe", err)
	}

	if err := t.process.Start(); err != nil {
		return WrapError(KindTransportCreationFailed, "start process", err)
	}

	t.connected.Store(true)
	t.logger.Info("started server process",
		"command", t.config.Command,
		"pid", t.process.Process.Pid)

	t.wg.Add(2)
	go t.readLoop(stdout)
	go t.drainStderr(stderr)

	// Reap the process once both pipes are drained.
	go func() {
		t.wg.Wait()
		_ = t.process.Wait()
		t.notifyOnce.Do(t.handlers.closed)
	}()

	return nil
}

// Send writes one newline-delimited JSON frame to the child's stdin.
func (t *StdioTransport) Send(_ context.Context, msg *JSONRPCMessage) error {
	if !t.connected.Load() {
		return NewError(KindTransportClosed, "transport is closed")
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return WrapError(KindTransportSendFailed, "marshal message", err)
	}
	if _, err := t.stdin.Write(append(data, '\n')); err != nil {
		return WrapError(KindTransportSendFailed, "write frame", err)
	}
	return nil
}

// Close stops the child process. Idempotent.
func (t *StdioTransport) Close() error {
	t.closeOnce.Do(func() {
		t.connected.Store(false)
		close(t.stopChan)
		if t.stdin != nil {
			_ = t.stdin.Close()
		}
		if t.process != nil && t.process.Process != nil {
			_ = t.process.Process.Kill()
		}
	})
	return nil
}

// readLoop decodes frames from the child's stdout. When the container
// runtime multiplexes stdout/stderr into a single framed stream, the
// framing is decoded first; only the stdout stream contributes to the
// message path.
func (t *StdioTransport) readLoop(stdout io.Reader) {
	defer t.wg.Done()
	defer t.connected.Store(false)

	br := bufio.NewReaderSize(stdout, stdioReadBufferSize)

	if first, err := br.Peek(1); err == nil && first[0] <= 2 {
		// Printable JSON never starts below 0x03; this is the
		// container runtime's stream-id prefix.
		t.readMultiplexed(br)
		return
	}

	t.readLines(br)
}

// readLines handles the plain newline-delimited frame format. Partial
// frames are buffered by the scanner until a newline is observed.
func (t *StdioTransport) readLines(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, stdioReadBufferSize), stdioReadBufferSize)

	for scanner.Scan() {
		select {
		case <-t.stopChan:
			return
		default:
		}
		t.handleFrame(scanner.Bytes())
	}

	if err := scanner.Err(); err != nil {
		t.logger.Error("stdout read error", "error", err)
		t.handlers.errored(err)
	}
}

// readMultiplexed decodes the container runtime's stream framing: one
// byte of stream id, three reserved bytes, a big-endian payload length,
// then the payload. Non-stdout frames are discarded from the message
// path but still logged.
func (t *StdioTransport) readMultiplexed(r io.Reader) {
	var pending bytes.Buffer
	header := make([]byte, muxHeaderLen)

	for {
		select {
		case <-t.stopChan:
			return
		default:
		}

		if _, err := io.ReadFull(r, header); err != nil {
			if err != io.EOF && err != io.ErrUnexpectedEOF {
				t.logger.Error("stream header read error", "error", err)
				t.handlers.errored(err)
			}
			return
		}

		streamID := header[0]
		size := binary.BigEndian.Uint32(header[4:8])
		payload := make([]byte, size)
		if _, err := io.ReadFull(r, payload); err != nil {
			if err != io.EOF && err != io.ErrUnexpectedEOF {
				t.handlers.errored(err)
			}
			return
		}

		if streamID != muxStreamStdout {
			t.logPayloadLines(payload)
			continue
		}

		pending.Write(payload)
		for {
			line, err := pending.ReadBytes('\n')
			if err != nil {
				// Partial frame: keep it buffered until a newline arrives.
				pending.Write(line)
				break
			}
			t.handleFrame(bytes.TrimRight(line, "\n"))
		}
	}
}

// handleFrame parses one frame and dispatches it.
func (t *StdioTransport) handleFrame(frame []byte) {
	frame = bytes.TrimSpace(frame)
	if len(frame) == 0 {
		return
	}

	var msg JSONRPCMessage
	if err := json.Unmarshal(frame, &msg); err != nil || (msg.Method == "" && msg.ID == nil) {
		t.logger.Debug("discarding non-JSON-RPC frame", "frame", string(frame))
		return
	}
	t.handlers.message(&msg)
}

// drainStderr captures stderr lines into the log buffer, classified by
// substring match.
func (t *StdioTransport) drainStderr(stderr io.Reader) {
	defer t.wg.Done()

	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		select {
		case <-t.stopChan:
			return
		default:
		}

		line := scanner.Text()
		if line == "" {
			continue
		}
		if t.logs != nil {
			t.logs.Append(classifyLogLine(line), line, nil)
		}
		t.logger.Debug("server stderr", "message", line)
	}
}

func (t *StdioTransport) logPayloadLines(payload []byte) {
	if t.logs == nil {
		return
	}
	for _, line := range bytes.Split(payload, []byte{'\n'}) {
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		t.logs.Append(classifyLogLine(string(line)), string(line), nil)
	}
}

package mcp

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestErrorMessageFormat(t *testing.T) {
	err := NewError(KindToolInvocationFailed, "bad arg").WithServer("s1").WithTool("ping")

	msg := err.Error()
	for _, want := range []string{"tool_invocation_failed", "server=s1", "tool=ping", "bad arg"} {
		if !strings.Contains(msg, want) {
			t.Errorf("message %q missing %q", msg, want)
		}
	}
}

func TestErrorUnwrapPreservesCause(t *testing.T) {
	cause := errors.New("connection refused")
	err := WrapError(KindTransportConnectionFailed, "dial", cause)

	if !errors.Is(err, cause) {
		t.Error("cause lost from chain")
	}
}

func TestIsKindThroughWrapping(t *testing.T) {
	inner := NewError(KindServerDisabled, "off").WithServer("s1")
	outer := fmt.Errorf("start: %w", inner)

	if !IsKind(outer, KindServerDisabled) {
		t.Error("kind not found through fmt.Errorf wrapping")
	}
	if IsKind(outer, KindServerNotFound) {
		t.Error("wrong kind matched")
	}
}

func TestKindOfUnknownForPlainErrors(t *testing.T) {
	if got := KindOf(errors.New("plain")); got != KindUnknown {
		t.Errorf("got %q, want unknown", got)
	}
	if got := KindOf(NewError(KindProxyError, "x")); got != KindProxyError {
		t.Errorf("got %q, want proxy_error", got)
	}
}

func TestAsError(t *testing.T) {
	inner := NewError(KindToolNotFound, "missing").WithTool("ls")
	wrapped := fmt.Errorf("route: %w", inner)

	me, ok := AsError(wrapped)
	if !ok {
		t.Fatal("AsError failed on wrapped chain")
	}
	if me.ToolName != "ls" {
		t.Errorf("tool = %q", me.ToolName)
	}
}

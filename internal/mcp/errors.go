package mcp

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorKind categorizes runtime errors for routing and retry decisions.
type ErrorKind string

const (
	KindServerNotFound            ErrorKind = "server_not_found"
	KindServerAlreadyExists       ErrorKind = "server_already_exists"
	KindServerDisabled            ErrorKind = "server_disabled"
	KindServerNotConnected        ErrorKind = "server_not_connected"
	KindServerStartFailed         ErrorKind = "server_start_failed"
	KindServerStopFailed          ErrorKind = "server_stop_failed"
	KindTransportCreationFailed   ErrorKind = "transport_creation_failed"
	KindTransportConnectionFailed ErrorKind = "transport_connection_failed"
	KindTransportClosed           ErrorKind = "transport_closed"
	KindTransportSendFailed       ErrorKind = "transport_send_failed"
	KindProxyError                ErrorKind = "proxy_error"
	KindToolNotFound              ErrorKind = "tool_not_found"
	KindToolInvocationFailed      ErrorKind = "tool_invocation_failed"
	KindToolResponseError         ErrorKind = "tool_response_error"
	KindCompletionsNotSupported   ErrorKind = "completions_not_supported"
	KindCompletionsFailed         ErrorKind = "completions_failed"
	KindInvalidConfiguration      ErrorKind = "invalid_configuration"
	KindOperationTimeout          ErrorKind = "operation_timeout"
	KindUnknown                   ErrorKind = "unknown"
)

// Error is a structured runtime error. It carries the originating server
// and tool where known, and preserves the cause chain for diagnosis.
type Error struct {
	// Kind categorizes the error.
	Kind ErrorKind

	// ServerID is the id of the server the error originated from, if any.
	ServerID string

	// ToolName is the tool involved, if any.
	ToolName string

	// Message is the human-readable error message.
	Message string

	// Details carries optional structured context.
	Details map[string]any

	// Cause is the underlying error.
	Cause error
}

// Error implements the error interface.
func (e *Error) Error() string {
	var parts []string

	parts = append(parts, fmt.Sprintf("[%s]", e.Kind))

	if e.ServerID != "" {
		parts = append(parts, "server="+e.ServerID)
	}
	if e.ToolName != "" {
		parts = append(parts, "tool="+e.ToolName)
	}

	if e.Message != "" {
		parts = append(parts, e.Message)
	} else if e.Cause != nil {
		parts = append(parts, e.Cause.Error())
	}

	return strings.Join(parts, " ")
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new Error of the given kind.
func NewError(kind ErrorKind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// WrapError creates a new Error of the given kind wrapping cause.
func WrapError(kind ErrorKind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// WithServer sets the originating server id.
func (e *Error) WithServer(id string) *Error {
	e.ServerID = id
	return e
}

// WithTool sets the tool name.
func (e *Error) WithTool(name string) *Error {
	e.ToolName = name
	return e
}

// WithDetails attaches structured context.
func (e *Error) WithDetails(details map[string]any) *Error {
	e.Details = details
	return e
}

// IsKind reports whether err is or wraps an Error of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var me *Error
	return errors.As(err, &me) && me.Kind == kind
}

// KindOf extracts the error kind from an error chain. Returns KindUnknown
// for errors that do not carry one.
func KindOf(err error) ErrorKind {
	var me *Error
	if errors.As(err, &me) {
		return me.Kind
	}
	return KindUnknown
}

// AsError extracts an *Error from an error chain.
func AsError(err error) (*Error, bool) {
	var me *Error
	if errors.As(err, &me) {
		return me, true
	}
	return nil, false
}

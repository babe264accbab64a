// Package bridgeerr provides standardized error handling for the Mochi Link
// bridge.
//
// This package implements a consistent error format across the connection
// and protocol layer:
//   - Structured errors with machine-readable codes
//   - A fixed set of local codes (spec §6's codes plus closed,
//     unsupported_version and invalid_frame)
//   - Optional details for debugging
//   - A Remote variant that carries a connector's verbatim error through
//
// Error Structure:
//   - Code: machine-readable error identifier (e.g. "not_connected")
//   - Message: human-readable error message
//   - Details: optional additional context (wrapped errors)
//
// Usage patterns:
//
//	// Simple error
//	return bridgeerr.NotConnected("srv1")
//
//	// Wrap an underlying error
//	return bridgeerr.Wrap(bridgeerr.CodeConnectionLost, "write failed", err)
//
//	// Remote error, code/message preserved verbatim
//	return bridgeerr.Remote("command_blacklisted", "stop is forbidden")
package bridgeerr

import "fmt"

// BridgeError is a machine-readable error surfaced to Request Broker callers.
type BridgeError struct {
	// Code is one of the Code* constants below, or, for an error built by
	// Remote, the connector's own error code.
	Code string

	// Message is a human-readable description.
	Message string

	// Details carries a wrapped error's text, if any.
	Details string
}

func (e *BridgeError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Code, e.Message, e.Details)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Error codes surfaced to callers, per spec §6.
const (
	CodeNotConnected          = "not_connected"
	CodeUnsupportedCapability = "unsupported_capability"
	CodeTimeout               = "timeout"
	CodeConnectionLost        = "connection_lost"
	CodeMalformedFrame        = "malformed_frame"
	CodeAuthFailed            = "auth_failed"
	CodeAuthTimeout           = "auth_timeout"
	CodeSuperseded            = "superseded"
	CodeClosed                = "closed"
	CodeUnsupportedVersion    = "unsupported_version"
	CodeInvalidFrame          = "invalid_frame"
)

// New creates a BridgeError with no details.
func New(code, message string) *BridgeError {
	return &BridgeError{Code: code, Message: message}
}

// Wrap attaches an underlying error's text as Details.
func Wrap(code, message string, err error) *BridgeError {
	details := ""
	if err != nil {
		details = err.Error()
	}
	return &BridgeError{Code: code, Message: message, Details: details}
}

// NotConnected reports that serverID has no Active session.
func NotConnected(serverID string) *BridgeError {
	return New(CodeNotConnected, fmt.Sprintf("server %s is not connected", serverID))
}

// UnsupportedCapability reports a pre-flight capability check failure.
func UnsupportedCapability(serverID, capability string) *BridgeError {
	return New(CodeUnsupportedCapability, fmt.Sprintf("server %s does not advertise capability %s", serverID, capability))
}

// Timeout reports a request that fired its deadline before a response arrived.
func Timeout(op string, d string) *BridgeError {
	return New(CodeTimeout, fmt.Sprintf("%s timed out after %s", op, d))
}

// ConnectionLost reports a session that closed while a request was pending.
// reason carries the session close reason (e.g. "superseded", "heartbeat_timeout").
func ConnectionLost(reason string) *BridgeError {
	return &BridgeError{Code: CodeConnectionLost, Message: "connection lost", Details: reason}
}

// Closed reports a send/request against an already-closed session.
func Closed(reason string) *BridgeError {
	return &BridgeError{Code: CodeClosed, Message: "session closed", Details: reason}
}

// Remote wraps a connector's response error verbatim: code becomes .Code
// exactly as the connector sent it (spec §6, §8 scenario 2), not folded
// into a fixed "remote_error" bucket.
func Remote(code, message string) *BridgeError {
	return &BridgeError{Code: code, Message: message}
}

// MalformedFrame reports an envelope that failed to decode.
func MalformedFrame(details string) *BridgeError {
	return &BridgeError{Code: CodeMalformedFrame, Message: "malformed frame", Details: details}
}

// UnsupportedVersion reports a frame whose version is not "2.0".
func UnsupportedVersion(got string) *BridgeError {
	return New(CodeUnsupportedVersion, fmt.Sprintf("unsupported protocol version %q", got))
}

// InvalidFrame reports a structurally decodable frame missing required fields.
func InvalidFrame(details string) *BridgeError {
	return &BridgeError{Code: CodeInvalidFrame, Message: "invalid frame", Details: details}
}

// AuthFailed is the single code ever returned to a remote peer for any
// handshake failure — spec §4.3/§7 require that the specific failing step
// never leak to the connector.
func AuthFailed() *BridgeError {
	return New(CodeAuthFailed, "authentication failed")
}

// AuthTimeout reports a handshake that never arrived within the deadline.
func AuthTimeout() *BridgeError {
	return New(CodeAuthTimeout, "handshake timed out")
}

// Superseded reports a session evicted by a newer handshake for the same serverId.
func Superseded() *BridgeError {
	return New(CodeSuperseded, "session superseded by a newer connection")
}

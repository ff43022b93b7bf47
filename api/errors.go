// Package api holds the types and contracts shared across the server's
// subpackages: the error taxonomy, the handler contract, and the small
// set of observer interfaces an embedding application can install.
package api

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// Code is a member of the closed error taxonomy. Every fallible
// operation in the library returns (or delivers to a callback) one of
// these instead of an ad-hoc error string, so callers can switch on
// cause rather than parse messages.
type Code int

const (
	CodeNone Code = iota

	// generic
	CodeInvalidParam
	CodeOutOfMemory
	CodeNotFound
	CodeAlreadyExists
	CodeNullPointer
	CodeBufferTooSmall
	CodeTimeout
	CodeCancelled
	CodeNotSupported

	// server
	CodeServerInit
	CodeServerListen
	CodeServerStop
	CodeConnectionLimit
	CodeServerAlreadyRunning
	CodeServerNotRunning
	CodeInvalidConfig

	// connection
	CodeConnInit
	CodeConnAccept
	CodeConnStart
	CodeConnClose
	CodeConnReset
	CodeConnTimeout
	CodeConnRefused
	CodeConnBroken

	// http
	CodeRequestInit
	CodeResponseInit
	CodeResponseSend
	CodeInvalidMethod
	CodeInvalidVersion
	CodeHeaderTooLarge
	CodeBodyTooLarge
	CodeMalformed
	CodeFileTooLarge
	CodeIO

	// tls
	CodeTLSInit
	CodeTLSContext
	CodeTLSHandshake
	CodeTLSCertLoad
	CodeTLSKeyLoad
	CodeTLSVerifyFailed
	CodeTLSExpired
	CodeTLSNotYetValid
	CodeTLSRead
	CodeTLSWrite
	CodeTLSWantRead
	CodeTLSWantWrite

	// router
	CodeRouterInit
	CodeRouterAdd
	CodeRouteNotFound
	CodeRouteAlreadyExists
	CodeInvalidRoutePattern

	// rate limit
	CodeRateLimitExceeded

	// websocket
	CodeWSInit
	CodeWSHandshake
	CodeWSFrame
	CodeWSTooLarge
	CodeWSInvalidOpcode
	CodeWSNotConnected
	CodeWSAlreadyConnected
	CodeWSClosed

	// config
	CodeConfigParse
	CodeConfigInvalid
	CodeConfigFileNotFound
	CodeConfigMissingRequired
)

var codeNames = map[Code]string{
	CodeNone:                  "none",
	CodeInvalidParam:          "invalid_param",
	CodeOutOfMemory:           "out_of_memory",
	CodeNotFound:              "not_found",
	CodeAlreadyExists:         "already_exists",
	CodeNullPointer:           "null_pointer",
	CodeBufferTooSmall:        "buffer_too_small",
	CodeTimeout:               "timeout",
	CodeCancelled:             "cancelled",
	CodeNotSupported:          "not_supported",
	CodeServerInit:            "server_init",
	CodeServerListen:          "server_listen",
	CodeServerStop:            "server_stop",
	CodeConnectionLimit:       "connection_limit",
	CodeServerAlreadyRunning:  "server_already_running",
	CodeServerNotRunning:      "server_not_running",
	CodeInvalidConfig:         "invalid_config",
	CodeConnInit:              "connection_init",
	CodeConnAccept:            "connection_accept",
	CodeConnStart:             "connection_start",
	CodeConnClose:             "connection_close",
	CodeConnReset:             "connection_reset",
	CodeConnTimeout:           "connection_timeout",
	CodeConnRefused:           "connection_refused",
	CodeConnBroken:            "connection_broken",
	CodeRequestInit:           "request_init",
	CodeResponseInit:          "response_init",
	CodeResponseSend:          "response_send",
	CodeInvalidMethod:         "invalid_method",
	CodeInvalidVersion:        "invalid_version",
	CodeHeaderTooLarge:        "header_too_large",
	CodeBodyTooLarge:          "body_too_large",
	CodeMalformed:             "malformed",
	CodeFileTooLarge:          "file_too_large",
	CodeIO:                    "io",
	CodeTLSInit:               "tls_init",
	CodeTLSContext:            "tls_context",
	CodeTLSHandshake:          "tls_handshake",
	CodeTLSCertLoad:           "tls_cert_load",
	CodeTLSKeyLoad:            "tls_key_load",
	CodeTLSVerifyFailed:       "tls_verify_failed",
	CodeTLSExpired:            "tls_expired",
	CodeTLSNotYetValid:        "tls_not_yet_valid",
	CodeTLSRead:               "tls_read",
	CodeTLSWrite:              "tls_write",
	CodeTLSWantRead:           "tls_want_read",
	CodeTLSWantWrite:          "tls_want_write",
	CodeRouterInit:            "router_init",
	CodeRouterAdd:             "router_add",
	CodeRouteNotFound:         "route_not_found",
	CodeRouteAlreadyExists:    "route_already_exists",
	CodeInvalidRoutePattern:   "invalid_route_pattern",
	CodeRateLimitExceeded:     "rate_limit_exceeded",
	CodeWSInit:                "websocket_init",
	CodeWSHandshake:           "websocket_handshake",
	CodeWSFrame:               "websocket_frame",
	CodeWSTooLarge:            "websocket_too_large",
	CodeWSInvalidOpcode:       "websocket_invalid_opcode",
	CodeWSNotConnected:        "websocket_not_connected",
	CodeWSAlreadyConnected:    "websocket_already_connected",
	CodeWSClosed:              "websocket_closed",
	CodeConfigParse:           "config_parse",
	CodeConfigInvalid:         "config_invalid",
	CodeConfigFileNotFound:    "config_file_not_found",
	CodeConfigMissingRequired: "config_missing_required",
}

// String renders the code's stable, lowercase, snake_case name. It is
// used as the Prometheus label value in metrics.Registry, so the
// spelling must never change once released.
func (c Code) String() string {
	if s, ok := codeNames[c]; ok {
		return s
	}
	return fmt.Sprintf("code(%d)", int(c))
}

// retryable is the narrow set of codes spec.md §7 calls out as
// transport-retryable: transient write EAGAIN, TLS want-read/want-write
// loops, and transient accept failures.
var retryable = map[Code]bool{
	CodeTLSWantRead:  true,
	CodeTLSWantWrite: true,
	CodeConnRefused:  true,
}

// Retryable reports whether the FSM should loop on this error rather
// than tear the connection down.
func (c Code) Retryable() bool { return retryable[c] }

// Error is the structured error value every public operation in the
// library returns. Context carries loggable key/value pairs (conn id,
// path, ...) without string-formatting them into Message.
type Error struct {
	Code    Code
	Message string
	Context map[string]any
	cause   error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Code.String())
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.cause != nil {
		b.WriteString(": ")
		b.WriteString(e.cause.Error())
	}
	return b.String()
}

// Unwrap lets errors.Is/errors.As and github.com/pkg/errors.Cause see
// through to the wrapped cause.
func (e *Error) Unwrap() error { return e.cause }

// New builds an *Error with no wrapped cause.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap builds an *Error that carries cause as its Unwrap target. cause
// is run through errors.WithStack so the stack at the point it crossed
// into this package survives into logs even though the caller keeps
// switching on Code/CodeOf rather than parsing the message.
func Wrap(code Code, cause error, message string) *Error {
	if cause != nil {
		cause = errors.WithStack(cause)
	}
	return &Error{Code: code, Message: message, cause: cause}
}

// WithContext attaches a loggable field and returns the receiver for
// chaining at the call site.
func (e *Error) WithContext(key string, value any) *Error {
	if e.Context == nil {
		e.Context = make(map[string]any, 4)
	}
	e.Context[key] = value
	return e
}

// CodeOf extracts the taxonomy code from any error, defaulting to
// CodeIO for errors the library did not originate (e.g. raw syscall
// errors surfaced by the reactor).
func CodeOf(err error) Code {
	if err == nil {
		return CodeNone
	}
	var e *Error
	for err != nil {
		if ae, ok := err.(*Error); ok {
			e = ae
			break
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = u.Unwrap()
	}
	if e != nil {
		return e.Code
	}
	return CodeIO
}

// sanitizeSubstrings are matched case-insensitively against any text
// that will be logged or ever reflected back to a client, per spec.md
// §7 "Sanitization".
var sanitizeSubstrings = []string{
	"password", "token", "secret", "key", "auth", "credential", "private", "session",
}

// SanitizeCap bounds the length of a sanitized message.
const SanitizeCap = 256

// Sanitize redacts any sensitive substring match and truncates to
// SanitizeCap, so internal error detail never leaks into a response
// body or an externally-shipped log line.
func Sanitize(msg string) string {
	lower := strings.ToLower(msg)
	redacted := msg
	for _, needle := range sanitizeSubstrings {
		if strings.Contains(lower, needle) {
			redacted = "[redacted]"
			break
		}
	}
	if len(redacted) > SanitizeCap {
		redacted = redacted[:SanitizeCap]
	}
	return redacted
}

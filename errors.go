package pgwire

import (
	"fmt"

	"github.com/arbendium/pgwire/internal/protocol"
)

// Error kinds, per spec.md §7. Errors the public API returns are of these
// types (possibly wrapping a lower-level internal error via errors.Unwrap),
// except the context error Query returns when its ctx ends first; the idle
// watchdog and diagnostics-server failures reach EventError as plain errors.

// ConnectionError wraps a failure to establish a connection before
// ReadyForQuery was reached, as distinct from TransportError which can also
// occur mid-session.
type ConnectionError struct {
	Err error
}

func (e *ConnectionError) Error() string { return fmt.Sprintf("connect: %v", e.Err) }
func (e *ConnectionError) Unwrap() error { return e.Err }

// AuthenticationError reports bad credentials, a SCRAM verification
// failure, or an unsupported authentication mechanism. Fatal to the session.
type AuthenticationError struct {
	Reason string
}

func (e *AuthenticationError) Error() string { return "authentication failed: " + e.Reason }

// ConfigError reports invalid configuration, or a password-provider result
// that was not a string, raised at connect time.
type ConfigError struct {
	Reason string
}

func (e *ConfigError) Error() string { return "config: " + e.Reason }

// QueryTimeoutError reports that a query's client-side read timeout
// expired before the query completed. Scoped to that query; the session
// remains usable.
type QueryTimeoutError struct {
	Timeout string
}

func (e *QueryTimeoutError) Error() string { return fmt.Sprintf("query timed out after %s", e.Timeout) }

// PrepareError reports that converting a caller-supplied parameter value
// to its wire form failed (e.g. a circular toPostgres chain).
type PrepareError struct {
	Reason string
}

func (e *PrepareError) Error() string { return "prepare value: " + e.Reason }

// CancelledError reports that a query was removed from the queue before it
// was ever submitted to the server.
type CancelledError struct{}

func (CancelledError) Error() string { return "query cancelled before submission" }

// ClientClosedError reports that a query was enqueued after Session.End was
// called.
type ClientClosedError struct{}

func (ClientClosedError) Error() string { return "session is closed" }

// ConnectionTerminatedError reports that the transport closed (expectedly,
// via explicit End(), or unexpectedly) while queries were queued or active.
type ConnectionTerminatedError struct {
	Unexpected bool
}

func (e *ConnectionTerminatedError) Error() string {
	if e.Unexpected {
		return "connection terminated unexpectedly"
	}
	return "connection terminated"
}

// ServerError is a parsed ErrorResponse from the backend. Not necessarily
// fatal — scoped to the query that was active when it arrived, unless it
// arrived outside any active query (in which case the session itself is
// marked non-queryable).
type ServerError struct {
	Severity   string
	Code       string
	Message    string
	Detail     string
	Hint       string
	Position   string
	Where      string
	File       string
	Line       string
	Routine    string
	RawFields  map[protocol.ErrorField]string
}

func (e *ServerError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Severity, e.Message, e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Severity, e.Message)
}

// newServerError builds a ServerError from a decoded ErrorResponse/NoticeResponse.
func newServerError(fields map[protocol.ErrorField]string) *ServerError {
	e := &ServerError{RawFields: fields}
	e.Severity = fields[protocol.FieldSeverity]
	if e.Severity == "" {
		e.Severity = fields[protocol.FieldSeverityV]
	}
	e.Code = fields[protocol.FieldCode]
	e.Message = fields[protocol.FieldMessage]
	e.Detail = fields[protocol.FieldDetail]
	e.Hint = fields[protocol.FieldHint]
	e.Position = fields[protocol.FieldPosition]
	e.Where = fields[protocol.FieldWhere]
	e.File = fields[protocol.FieldFile]
	e.Line = fields[protocol.FieldLine]
	e.Routine = fields[protocol.FieldRoutine]
	return e
}

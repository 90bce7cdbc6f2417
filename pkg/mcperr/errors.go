// Package mcperr classifies the failures produced while talking to MCP
// servers. Every error leaving the transport, client, OAuth, and manager
// layers carries one of four kinds so callers can branch with errors.As
// instead of matching strings.
package mcperr

import (
	"errors"
	"fmt"
)

// Kind is the broad failure class of an Error.
type Kind string

const (
	// KindTransport covers spawn failures, broken pipes, process exits,
	// refused connections and unexpected HTTP statuses.
	KindTransport Kind = "transport"
	// KindProtocol covers malformed payloads, unknown response ids and
	// request timeouts.
	KindProtocol Kind = "protocol"
	// KindAuth covers endpoint discovery, code exchange and refresh failures.
	KindAuth Kind = "auth"
	// KindConfig covers invalid or incomplete server definitions.
	KindConfig Kind = "config"
)

var (
	ErrNotConnected      = errors.New("server is not connected")
	ErrServerNotFound    = errors.New("server not found")
	ErrTimeout           = errors.New("request timed out")
	ErrCancelled         = errors.New("request cancelled")
	ErrUnknownResponseID = errors.New("response id does not match any pending request")
	ErrMalformed         = errors.New("malformed message")
	ErrFrameTooLarge     = errors.New("frame exceeds maximum line length")
	ErrProcessExited     = errors.New("process exited")
	ErrAuthRequired      = errors.New("authentication required")
	ErrNotInitialized    = errors.New("session not initialized")
	// ErrHTMLResponse marks an HTTP reply whose body was an HTML page.
	ErrHTMLResponse = errors.New(HTMLResponseHint)
)

// Error is a classified failure. Op names the operation that failed
// ("spawn", "initialize", "tools/call", "refresh", ...).
type Error struct {
	Kind     Kind
	Op       string
	ServerID string
	Err      error
}

func (e *Error) Error() string {
	msg := string(e.Kind) + " error"
	if e.Op != "" {
		msg += " during " + e.Op
	}
	if e.ServerID != "" {
		msg += fmt.Sprintf(" (server %q)", e.ServerID)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// WithServer returns a copy of e tagged with serverID.
func (e *Error) WithServer(serverID string) *Error {
	clone := *e
	clone.ServerID = serverID
	return &clone
}

func newError(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func Transport(op string, err error) *Error { return newError(KindTransport, op, err) }
func Protocol(op string, err error) *Error  { return newError(KindProtocol, op, err) }
func Auth(op string, err error) *Error      { return newError(KindAuth, op, err) }
func Config(op string, err error) *Error    { return newError(KindConfig, op, err) }

// Configf builds a config error from a format string.
func Configf(op, format string, args ...any) *Error {
	return Config(op, fmt.Errorf(format, args...))
}

// KindOf reports the kind of the first *Error in err's chain, or "" when
// err is not classified.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

func IsTransport(err error) bool { return KindOf(err) == KindTransport }
func IsProtocol(err error) bool  { return KindOf(err) == KindProtocol }
func IsAuth(err error) bool      { return KindOf(err) == KindAuth }
func IsConfig(err error) bool    { return KindOf(err) == KindConfig }

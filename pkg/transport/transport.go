// Package transport moves framed JSON-RPC messages between this process and
// an MCP server. Two variants exist: Stdio spawns the server as a subprocess
// and speaks newline-delimited JSON over its stdin/stdout, HTTP drives the
// go-sdk streamable or legacy SSE client connection for a remote endpoint.
package transport

import (
	"context"
	"strings"
	"sync"

	"github.com/vikashloomba/mcp-hub-go/pkg/mcperr"
)

// Kind identifies the transport variant.
type Kind string

const (
	KindStdio Kind = "stdio"
	KindHTTP  Kind = "http"
)

// DefaultMaxLineLength bounds a single inbound frame.
const DefaultMaxLineLength = 4 << 20

// Transport is the capability shared by every variant. The set of variants
// is closed: only this package implements it.
//
// Receive returns the next inbound frame. A frame that could not be read
// cleanly is reported as a protocol error and the next call continues with
// the following frame; any other error is terminal and matches Err().
type Transport interface {
	Kind() Kind
	Send(ctx context.Context, msg []byte) error
	Receive(ctx context.Context) ([]byte, error)
	Close() error
	// Done is closed once the transport can no longer deliver frames.
	Done() <-chan struct{}
	// Err reports why Done was closed. It is nil after a clean Close.
	Err() error

	sealed()
}

// LogLevel classifies diagnostic output from a server.
type LogLevel string

const (
	LevelDebug LogLevel = "debug"
	LevelInfo  LogLevel = "info"
	LevelWarn  LogLevel = "warn"
	LevelError LogLevel = "error"
)

// LogLine is one line of diagnostic output, such as subprocess stderr.
type LogLine struct {
	Level   LogLevel
	Message string
}

// LogFunc receives diagnostic lines. It must not block.
type LogFunc func(LogLine)

// DetectLevel guesses the level of a free-form log line.
func DetectLevel(line string) LogLevel {
	lower := strings.ToLower(line)
	switch {
	case strings.Contains(lower, "error") || strings.Contains(lower, "fatal") || strings.Contains(lower, "panic"):
		return LevelError
	case strings.Contains(lower, "warn"):
		return LevelWarn
	case strings.Contains(lower, "debug") || strings.Contains(lower, "trace"):
		return LevelDebug
	default:
		return LevelInfo
	}
}

type inbound struct {
	data []byte
	err  error
}

// mailbox is the inbound queue and termination state shared by the variants.
type mailbox struct {
	incoming chan inbound
	done     chan struct{}

	mu     sync.Mutex
	err    error
	closed bool
}

func newMailbox(size int) *mailbox {
	return &mailbox{incoming: make(chan inbound, size), done: make(chan struct{})}
}

// deliver queues a frame or frame error. It gives up once the mailbox is
// finished so producers never block on a dead consumer.
func (m *mailbox) deliver(in inbound) bool {
	select {
	case <-m.done:
		return false
	default:
	}
	select {
	case m.incoming <- in:
		return true
	case <-m.done:
		return false
	}
}

// finish records the terminal error (first one wins) and closes done.
func (m *mailbox) finish(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	m.err = err
	close(m.done)
}

func (m *mailbox) isFinished() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *mailbox) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.err
}

func (m *mailbox) Done() <-chan struct{} { return m.done }

func (m *mailbox) sealed() {}

func (m *mailbox) receive(ctx context.Context) ([]byte, error) {
	select {
	case in := <-m.incoming:
		return in.data, in.err
	default:
	}
	select {
	case in := <-m.incoming:
		return in.data, in.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-m.done:
		select {
		case in := <-m.incoming:
			return in.data, in.err
		default:
		}
		if err := m.Err(); err != nil {
			return nil, err
		}
		return nil, mcperr.Transport("receive", mcperr.ErrCancelled)
	}
}

package mcpmgr

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/vikashloomba/mcp-hub-go/pkg/oauth"
	"github.com/vikashloomba/mcp-hub-go/pkg/transport"
)

// EventType tags an Event.
type EventType string

const (
	EventStatus EventType = "status"
	EventTools  EventType = "tools"
	EventLog    EventType = "log"
	EventOAuth  EventType = "oauth"
	// EventOAuthRequired is emitted when an HTTP server rejected the
	// connection for lack of a token.
	EventOAuthRequired EventType = "oauth_required"
)

// Event is a manager notification. Which fields are set depends on Type.
type Event struct {
	Type     EventType
	ServerID string
	Time     time.Time

	// status
	State State
	Error string

	// tools
	Tools []*mcp.Tool

	// log
	Level   transport.LogLevel
	Message string

	// oauth
	OAuthStatus oauth.Status
}

// Subscription is a bounded event feed. Events that do not fit in the
// buffer are dropped and counted.
type Subscription struct {
	id      string
	ch      chan Event
	dropped atomic.Uint64
	bus     *eventBus
	once    sync.Once
}

// Events returns the receive side of the feed. It is closed by Close or by
// Manager.Shutdown.
func (s *Subscription) Events() <-chan Event { return s.ch }

// Dropped reports how many events did not fit in the buffer.
func (s *Subscription) Dropped() uint64 { return s.dropped.Load() }

// Close unsubscribes. Safe to call more than once.
func (s *Subscription) Close() { s.bus.remove(s) }

type eventBus struct {
	mu     sync.RWMutex
	subs   map[string]*Subscription
	closed bool

	logMu   sync.Mutex
	logs    []Event
	logSize int
}

func newEventBus(logSize int) *eventBus {
	return &eventBus{subs: map[string]*Subscription{}, logSize: logSize}
}

func (b *eventBus) subscribe(buffer int) *Subscription {
	if buffer < 0 {
		buffer = 0
	}
	s := &Subscription{id: uuid.NewString(), ch: make(chan Event, buffer), bus: b}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		s.once.Do(func() { close(s.ch) })
		return s
	}
	b.subs[s.id] = s
	return s
}

func (b *eventBus) remove(s *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, s.id)
	s.once.Do(func() { close(s.ch) })
}

func (b *eventBus) publish(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	if ev.Type == EventLog {
		b.logMu.Lock()
		b.logs = append(b.logs, ev)
		if over := len(b.logs) - b.logSize; over > 0 {
			b.logs = append(b.logs[:0], b.logs[over:]...)
		}
		b.logMu.Unlock()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subs {
		select {
		case s.ch <- ev:
		default:
			s.dropped.Add(1)
		}
	}
}

func (b *eventBus) drainLogs() []Event {
	b.logMu.Lock()
	defer b.logMu.Unlock()
	out := b.logs
	b.logs = nil
	return out
}

func (b *eventBus) close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for id, s := range b.subs {
		delete(b.subs, id)
		s.once.Do(func() { close(s.ch) })
	}
}

// Subscribe returns a feed of every future event. buffer bounds how many
// undelivered events are held; publishing never blocks.
func (m *Manager) Subscribe(buffer int) *Subscription {
	return m.events.subscribe(buffer)
}

// DrainLogs returns and clears the buffered log events, oldest first.
func (m *Manager) DrainLogs() []Event {
	return m.events.drainLogs()
}

// OnToolsChanged registers a callback invoked whenever a server's tool
// list changes, including when it connects or goes away. Handlers run
// without the manager lock held.
func (m *Manager) OnToolsChanged(handler func(serverID string)) {
	if handler == nil {
		return
	}
	m.mu.Lock()
	m.toolsChangedHandlers = append(m.toolsChangedHandlers, handler)
	m.mu.Unlock()
}

// OnServerRemoved registers a callback invoked after RemoveServer deletes
// the server from the manager.
func (m *Manager) OnServerRemoved(handler func(string)) {
	if handler == nil {
		return
	}
	m.mu.Lock()
	m.serverRemovedHandlers = append(m.serverRemovedHandlers, handler)
	m.mu.Unlock()
}

func (m *Manager) notifyToolsChanged(serverID string) {
	m.mu.RLock()
	handlers := append([]func(string){}, m.toolsChangedHandlers...)
	m.mu.RUnlock()
	for _, h := range handlers {
		runHook(h, serverID)
	}
}

func (m *Manager) notifyServerRemoved(serverID string) {
	m.mu.RLock()
	handlers := append([]func(string){}, m.serverRemovedHandlers...)
	m.mu.RUnlock()
	for _, h := range handlers {
		runHook(h, serverID)
	}
}

// runHook isolates panics in caller-provided hooks.
func runHook(handler func(string), id string) {
	defer func() { _ = recover() }()
	handler(id)
}

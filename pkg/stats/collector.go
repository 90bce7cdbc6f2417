// Package stats aggregates tool-call statistics per MCP server.
package stats

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"
)

// DefaultCapacity is the number of recent calls kept per server.
const DefaultCapacity = 200

// ToolCallRecord describes one completed tool call.
type ToolCallRecord struct {
	Tool       string `json:"tool"`
	Client     string `json:"client"`
	DurationMs int64  `json:"durationMs"`
	Success    bool   `json:"success"`
	// Timestamp is unix seconds.
	Timestamp int64 `json:"timestamp"`
}

// ToolStats is the per-tool breakdown.
type ToolStats struct {
	Calls           uint64 `json:"calls"`
	Errors          uint64 `json:"errors"`
	TotalDurationMs int64  `json:"totalDurationMs"`
}

// ServerStats is a snapshot of one server's counters. Recent is ordered
// oldest to newest.
type ServerStats struct {
	TotalCalls      uint64               `json:"totalCalls"`
	TotalErrors     uint64               `json:"totalErrors"`
	TotalDurationMs int64                `json:"totalDurationMs"`
	Tools           map[string]ToolStats `json:"tools"`
	Clients         map[string]uint64    `json:"clients"`
	Recent          []ToolCallRecord     `json:"recent"`
}

// serverStats holds the live counters. recent is a ring buffer: once full,
// next points at the oldest entry.
type serverStats struct {
	totals  ServerStats
	recent  []ToolCallRecord
	next    int
	wrapped bool
}

// Collector is safe for concurrent use.
type Collector struct {
	mu       sync.Mutex
	capacity int
	servers  map[string]*serverStats
}

// NewCollector returns a collector keeping capacity recent calls per
// server. Non-positive capacities use DefaultCapacity.
func NewCollector(capacity int) *Collector {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Collector{capacity: capacity, servers: map[string]*serverStats{}}
}

// Record adds rec to serverID's counters.
func (c *Collector) Record(serverID string, rec ToolCallRecord) {
	if rec.Timestamp == 0 {
		rec.Timestamp = time.Now().Unix()
	}
	if rec.Client == "" {
		rec.Client = "unknown"
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.ensure(serverID)
	s.add(rec, c.capacity)
}

func (c *Collector) ensure(serverID string) *serverStats {
	s, ok := c.servers[serverID]
	if !ok {
		s = &serverStats{totals: ServerStats{Tools: map[string]ToolStats{}, Clients: map[string]uint64{}}}
		c.servers[serverID] = s
	}
	return s
}

func (s *serverStats) add(rec ToolCallRecord, capacity int) {
	s.totals.TotalCalls++
	s.totals.TotalDurationMs += rec.DurationMs
	tool := s.totals.Tools[rec.Tool]
	tool.Calls++
	tool.TotalDurationMs += rec.DurationMs
	if !rec.Success {
		s.totals.TotalErrors++
		tool.Errors++
	}
	s.totals.Tools[rec.Tool] = tool
	s.totals.Clients[rec.Client]++

	if len(s.recent) < capacity {
		s.recent = append(s.recent, rec)
		return
	}
	s.recent[s.next] = rec
	s.next = (s.next + 1) % capacity
	s.wrapped = true
}

func (s *serverStats) snapshot() ServerStats {
	out := ServerStats{
		TotalCalls:      s.totals.TotalCalls,
		TotalErrors:     s.totals.TotalErrors,
		TotalDurationMs: s.totals.TotalDurationMs,
		Tools:           make(map[string]ToolStats, len(s.totals.Tools)),
		Clients:         make(map[string]uint64, len(s.totals.Clients)),
		Recent:          make([]ToolCallRecord, 0, len(s.recent)),
	}
	for k, v := range s.totals.Tools {
		out.Tools[k] = v
	}
	for k, v := range s.totals.Clients {
		out.Clients[k] = v
	}
	if s.wrapped {
		out.Recent = append(out.Recent, s.recent[s.next:]...)
		out.Recent = append(out.Recent, s.recent[:s.next]...)
	} else {
		out.Recent = append(out.Recent, s.recent...)
	}
	return out
}

// Get returns a deep copy of serverID's stats. Unknown servers yield zero
// counters.
func (c *Collector) Get(serverID string) ServerStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.servers[serverID]
	if !ok {
		return ServerStats{Tools: map[string]ToolStats{}, Clients: map[string]uint64{}, Recent: []ToolCallRecord{}}
	}
	return s.snapshot()
}

// All returns a deep copy of every server's stats.
func (c *Collector) All() map[string]ServerStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]ServerStats, len(c.servers))
	for id, s := range c.servers {
		out[id] = s.snapshot()
	}
	return out
}

// ServerIDs lists servers with recorded stats, sorted.
func (c *Collector) ServerIDs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, 0, len(c.servers))
	for id := range c.servers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Reset clears serverID's counters. Other servers are untouched.
func (c *Collector) Reset(serverID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.servers[serverID]; ok {
		delete(c.servers, serverID)
		c.ensure(serverID)
	}
}

// Remove forgets serverID entirely.
func (c *Collector) Remove(serverID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.servers, serverID)
}

// MarshalJSON encodes every server's stats for persistence.
func (c *Collector) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.All())
}

// Restore replaces the collector's contents with data produced by
// MarshalJSON. Recent lists longer than the capacity keep their newest
// entries.
func (c *Collector) Restore(data []byte) error {
	var saved map[string]ServerStats
	if err := json.Unmarshal(data, &saved); err != nil {
		return fmt.Errorf("stats: decode: %w", err)
	}
	servers := make(map[string]*serverStats, len(saved))
	for id, snap := range saved {
		s := &serverStats{totals: ServerStats{
			TotalCalls:      snap.TotalCalls,
			TotalErrors:     snap.TotalErrors,
			TotalDurationMs: snap.TotalDurationMs,
			Tools:           snap.Tools,
			Clients:         snap.Clients,
		}}
		if s.totals.Tools == nil {
			s.totals.Tools = map[string]ToolStats{}
		}
		if s.totals.Clients == nil {
			s.totals.Clients = map[string]uint64{}
		}
		recent := snap.Recent
		if len(recent) > c.capacity {
			recent = recent[len(recent)-c.capacity:]
		}
		s.recent = append(make([]ToolCallRecord, 0, c.capacity), recent...)
		if len(s.recent) == c.capacity {
			s.wrapped = true
		}
		servers[id] = s
	}
	c.mu.Lock()
	c.servers = servers
	c.mu.Unlock()
	return nil
}

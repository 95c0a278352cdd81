// Package audit implements the append-only audit sink (spec §4.6): every
// policy/shadowing/approval decision is logged exactly once, queryable and
// exportable in multiple formats, with PII redaction on export.
//
// Grounded in the teacher's pkg/audit (structured event logging with a
// generated id and timestamp, JSON writer), generalized from a single JSON
// writer into a queryable in-memory log with json/csv/cef export.
package audit

import (
	"crypto/rand"
	"encoding/hex"
	"sort"
	"sync"
	"time"
)

// Entry is one audit record (spec §4.6, §6 "audit_entries").
type Entry struct {
	ID        string
	Timestamp time.Time
	Server    string
	Tool      string
	Args      map[string]any
	RiskLevel string
	Decision  string
	SessionID string
	Duration  time.Duration
	Error     string

	// TraceID correlates this entry with the proxy core's handling of the
	// request that produced it (a google/uuid value assigned once per
	// inbound tool call, not to be confused with ID, which is this record's
	// own identity per spec's literal "128-bit random hex string").
	TraceID string
}

func newEntryID() string {
	buf := make([]byte, 16)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

// Subscriber is notified synchronously, in insertion order, on every Log
// call (spec §4.6: "subscribers must not block").
type Subscriber func(Entry)

// Sink is the append-only audit log.
type Sink struct {
	mu          sync.Mutex
	entries     []Entry
	subscribers []Subscriber
}

// NewSink builds an empty Sink.
func NewSink() *Sink {
	return &Sink{}
}

// Subscribe registers a tail subscriber.
func (s *Sink) Subscribe(fn Subscriber) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscribers = append(s.subscribers, fn)
}

// Log assigns a fresh id and timestamp to entry and appends it, then
// notifies subscribers synchronously in insertion order (spec §4.6).
func (s *Sink) Log(entry Entry) Entry {
	entry.ID = newEntryID()
	entry.Timestamp = time.Now()

	s.mu.Lock()
	s.entries = append(s.entries, entry)
	subs := append([]Subscriber(nil), s.subscribers...)
	s.mu.Unlock()

	for _, sub := range subs {
		sub(entry)
	}
	return entry
}

// Filters is the AND-composed filter set for Query (spec §4.6).
type Filters struct {
	Since     time.Time
	Until     time.Time
	Server    string
	Tool      string
	RiskLevel string
	Decision  string
	Limit     int
}

// Query returns entries matching every set filter, sorted by timestamp
// descending, with an optional result limit (spec §4.6).
func (s *Sink) Query(f Filters) []Entry {
	s.mu.Lock()
	snapshot := append([]Entry(nil), s.entries...)
	s.mu.Unlock()

	var out []Entry
	for _, e := range snapshot {
		if !f.Since.IsZero() && e.Timestamp.Before(f.Since) {
			continue
		}
		if !f.Until.IsZero() && e.Timestamp.After(f.Until) {
			continue
		}
		if f.Server != "" && e.Server != f.Server {
			continue
		}
		if f.Tool != "" && e.Tool != f.Tool {
			continue
		}
		if f.RiskLevel != "" && e.RiskLevel != f.RiskLevel {
			continue
		}
		if f.Decision != "" && e.Decision != f.Decision {
			continue
		}
		out = append(out, e)
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out
}

// Stats summarizes the audit log since an optional cutoff (spec §4.6).
type Stats struct {
	Total      int
	Allowed    int
	Denied     int
	ByRisk     map[string]int
	ByServer   map[string]int
	TopTools   []ToolCount
}

// ToolCount is one entry in Stats.TopTools.
type ToolCount struct {
	Tool  string
	Count int
}

// GetStats computes Stats over every entry at or after since (zero value
// means "all time").
func (s *Sink) GetStats(since time.Time) Stats {
	s.mu.Lock()
	snapshot := append([]Entry(nil), s.entries...)
	s.mu.Unlock()

	stats := Stats{ByRisk: make(map[string]int), ByServer: make(map[string]int)}
	toolOrder := make([]string, 0)
	toolCounts := make(map[string]int)

	for _, e := range snapshot {
		if !since.IsZero() && e.Timestamp.Before(since) {
			continue
		}
		stats.Total++
		switch e.Decision {
		case "allowed":
			stats.Allowed++
		case "denied":
			stats.Denied++
		}
		if e.RiskLevel != "" {
			stats.ByRisk[e.RiskLevel]++
		}
		if e.Server != "" {
			stats.ByServer[e.Server]++
		}
		if _, seen := toolCounts[e.Tool]; !seen {
			toolOrder = append(toolOrder, e.Tool)
		}
		toolCounts[e.Tool]++
	}

	// top_tools: top 10 by count, stable under ties by insertion order
	// (spec §4.6) — toolOrder already reflects first-seen order, and
	// sort.SliceStable preserves it for equal counts.
	all := make([]ToolCount, 0, len(toolOrder))
	for _, name := range toolOrder {
		all = append(all, ToolCount{Tool: name, Count: toolCounts[name]})
	}
	sort.SliceStable(all, func(i, j int) bool { return all[i].Count > all[j].Count })
	if len(all) > 10 {
		all = all[:10]
	}
	stats.TopTools = all

	return stats
}

package proxycore

import (
	"encoding/json"
	"time"
)

// pendingRequest is one in-flight client->upstream request (spec §4.8
// "Pending requests table").
type pendingRequest struct {
	id        string
	rawID     json.RawMessage
	method    string
	start     time.Time
	deadline  time.Time
	timer     *time.Timer
	fromTools bool
	traceID   string
}

// pendingTable enforces "at most one entry per id; every entry is removed
// exactly once" (spec §4.8). It is only ever touched from the core's single
// run loop goroutine, so it needs no internal locking.
type pendingTable struct {
	entries map[string]*pendingRequest
}

func newPendingTable() *pendingTable {
	return &pendingTable{entries: make(map[string]*pendingRequest)}
}

func (p *pendingTable) insert(req *pendingRequest) {
	p.entries[req.id] = req
}

func (p *pendingTable) get(id string) (*pendingRequest, bool) {
	r, ok := p.entries[id]
	return r, ok
}

// remove deletes and stops the entry's timer, returning it if present. Safe
// to call more than once for the same id (no-op after the first).
func (p *pendingTable) remove(id string) (*pendingRequest, bool) {
	r, ok := p.entries[id]
	if !ok {
		return nil, false
	}
	if r.timer != nil {
		r.timer.Stop()
	}
	delete(p.entries, id)
	return r, true
}

func (p *pendingTable) all() []*pendingRequest {
	out := make([]*pendingRequest, 0, len(p.entries))
	for _, r := range p.entries {
		out = append(out, r)
	}
	return out
}

func (p *pendingTable) len() int { return len(p.entries) }

package session

import (
	"strings"
	"sync"
	"time"
)

// Cache is the session grant cache (spec §4.5). It wraps a Store so the
// underlying persistence can be in-memory or Redis-backed, while Check's
// match semantics, Create's id/duration handling, and Revoke's bookkeeping
// stay identical either way.
type Cache struct {
	mu    sync.Mutex
	store Store
	now   func() time.Time

	cleanupInterval time.Duration
	lastCleanup     time.Time
}

// NewCache builds a Cache over store.
func NewCache(store Store) *Cache {
	return &Cache{store: store, now: time.Now, cleanupInterval: 60 * time.Second}
}

// Check implements spec §4.5 "Match": scans active grants most-recent-first,
// returning the first matching grant and recording its use.
func (c *Cache) Check(tool, server string) (*Grant, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	grants, err := c.store.All()
	if err != nil {
		return nil, err
	}
	now := c.now()

	for i := range grants {
		g := &grants[i]
		if !g.isActive(now) {
			continue
		}
		if g.Server != "" && g.Server != server {
			continue
		}
		if !matchesScope(g, tool) {
			continue
		}

		g.UseCount++
		g.LastUsedAt = now
		if err := c.store.Update(*g); err != nil {
			return nil, err
		}
		matched := *g
		return &matched, nil
	}
	return nil, nil
}

func matchesScope(g *Grant, tool string) bool {
	switch g.Scope {
	case ScopeExact:
		return g.Pattern == tool
	case ScopeTool:
		return matchesToolGlob(g.Pattern, tool)
	case ScopeServer:
		return true // server field already checked by the caller
	default:
		return false
	}
}

// matchesToolGlob implements spec §4.5's restricted glob grammar for
// scope=tool: bare "*", a prefix "*suffix", a suffix "prefix*", or an exact
// match.
func matchesToolGlob(pattern, tool string) bool {
	if pattern == "*" {
		return true
	}
	if strings.HasPrefix(pattern, "*") {
		return strings.HasSuffix(tool, strings.TrimPrefix(pattern, "*"))
	}
	if strings.HasSuffix(pattern, "*") {
		return strings.HasPrefix(tool, strings.TrimSuffix(pattern, "*"))
	}
	return pattern == tool
}

// Create implements spec §4.5 "create(options)".
func (c *Cache) Create(opts CreateOptions) (*Grant, error) {
	now := c.now()
	g := Grant{
		ID:        newGrantID(),
		Scope:     opts.Scope,
		Pattern:   opts.Pattern,
		Server:    opts.Server,
		CreatedAt: now,
		ExpiresAt: now.Add(durationFor(opts.Duration)),
	}
	if opts.hasAuditFields() {
		g.Approver = opts.Approver
		g.ToolName = opts.ToolName
		g.ToolArgs = opts.ToolArgs
		g.RiskLevel = opts.RiskLevel
		g.Reason = opts.Reason
		g.Source = opts.Source
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.store.Insert(g); err != nil {
		return nil, err
	}
	return &g, nil
}

// Revoke implements spec §4.5 "revoke(id, by?, reason?) -> bool": stamps
// revocation only if the grant was previously unrevoked.
func (c *Cache) Revoke(id, by, reason string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	g, ok, err := c.store.Get(id)
	if err != nil {
		return false, err
	}
	if !ok || g.isRevoked() {
		return false, nil
	}
	g.RevokedAt = c.now()
	g.RevokedBy = by
	g.RevokeReason = reason
	if err := c.store.Update(g); err != nil {
		return false, err
	}
	return true, nil
}

// RevokeByPattern bulk-revokes every active, non-revoked grant whose
// Pattern equals pattern (spec §4.5).
func (c *Cache) RevokeByPattern(pattern, by, reason string) (int, error) {
	return c.revokeWhere(by, reason, func(g Grant) bool { return g.Pattern == pattern })
}

// RevokeByServer bulk-revokes every active, non-revoked grant whose Server
// equals server (spec §4.5).
func (c *Cache) RevokeByServer(server, by, reason string) (int, error) {
	return c.revokeWhere(by, reason, func(g Grant) bool { return g.Server == server })
}

// RevokeAll revokes every currently-active grant (spec §4.5).
func (c *Cache) RevokeAll(by, reason string) (int, error) {
	return c.revokeWhere(by, reason, func(Grant) bool { return true })
}

func (c *Cache) revokeWhere(by, reason string, match func(Grant) bool) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	grants, err := c.store.All()
	if err != nil {
		return 0, err
	}
	now := c.now()
	count := 0
	for _, g := range grants {
		if !g.isActive(now) || !match(g) {
			continue
		}
		g.RevokedAt = now
		g.RevokedBy = by
		g.RevokeReason = reason
		if err := c.store.Update(g); err != nil {
			return count, err
		}
		count++
	}
	return count, nil
}

// Cleanup physically prunes expired grants and returns the count removed
// (spec §4.5 "Cleanup"). Check/List already ignore expired grants lazily;
// this is the periodic (or manual admin) sweep that frees storage.
func (c *Cache) Cleanup() (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	grants, err := c.store.All()
	if err != nil {
		return 0, err
	}
	now := c.now()
	count := 0
	for _, g := range grants {
		if g.isExpired(now) {
			if err := c.store.Delete(g.ID); err != nil {
				return count, err
			}
			count++
		}
	}
	c.lastCleanup = now
	return count, nil
}

// StartCleanupTicker runs Cleanup on an unreferenced ticker every interval
// (spec §4.5 default 60s; spec §5 "Background tickers... must be detached
// from process-exit holding"). Returns a stop function.
func (c *Cache) StartCleanupTicker(interval time.Duration) (stop func()) {
	if interval <= 0 {
		interval = c.cleanupInterval
	}
	ticker := time.NewTicker(interval)
	done := make(chan struct{})
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				_, _ = c.Cleanup()
			}
		}
	}()
	return func() { close(done) }
}

// Stats implements spec §4.5 "Stats".
type Stats struct {
	Total           int
	Active          int
	Expired         int
	Revoked         int
	TotalApprovals  int
	ByScope         map[Scope]int
	ByServer        map[string]int
	LastCleanup     time.Time
}

func (c *Cache) GetStats() (Stats, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	grants, err := c.store.All()
	if err != nil {
		return Stats{}, err
	}
	now := c.now()

	s := Stats{ByScope: make(map[Scope]int), ByServer: make(map[string]int), LastCleanup: c.lastCleanup}
	for _, g := range grants {
		s.Total++
		s.TotalApprovals += g.UseCount
		s.ByScope[g.Scope]++
		if g.Server != "" {
			s.ByServer[g.Server]++
		}
		switch {
		case g.isRevoked():
			s.Revoked++
		case g.isExpired(now):
			s.Expired++
		default:
			s.Active++
		}
	}
	return s, nil
}

// Package tenantcache is the Tenant Cache (spec component 4.B): an
// in-memory, read-many/write-rare snapshot of the active policy bundle per
// (tenant, channel), grounded on internal/session.Store's RWMutex-guarded map
// idiom and generalized with single-flight load deduplication.
package tenantcache

import (
	"context"
	"log/slog"
	"regexp"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"promptgate/internal/domain"
)

// CompiledRule pairs a static FilterRule with its once-compiled regex, owned
// by the Snapshot and immutable for its lifetime.
type CompiledRule struct {
	Rule    domain.FilterRule
	Pattern *regexp.Regexp // nil for non-regex rule types (similarity, ml)
}

// Snapshot is the immutable, in-memory projection of one tenant/channel's
// active bundle. A new Snapshot is built on every load; readers hold it by
// value reference for the request's duration and never see a mixed set.
type Snapshot struct {
	Bundle    domain.PolicyBundle
	Rules     []CompiledRule
	Allowlist []domain.ListEntry
	Blocklist []domain.ListEntry
	LoadedAt  time.Time
}

// RulesOfType filters the compiled rule set to one FilterRule type.
func (s *Snapshot) RulesOfType(t domain.RuleType) []CompiledRule {
	var out []CompiledRule
	for _, r := range s.Rules {
		if r.Rule.Type == t && r.Rule.Enabled {
			out = append(out, r)
		}
	}
	return out
}

// Loader builds a fresh Snapshot for (tenant, channel), typically backed by
// ruledb.Store plus the pattern compiler in internal/detect/pattern.
type Loader func(ctx context.Context, tenant string, channel domain.Channel) (*Snapshot, error)

type key struct {
	tenant  string
	channel domain.Channel
}

// Cache is the Tenant Cache. Safe for concurrent use.
type Cache struct {
	load Loader
	ttl  time.Duration

	mu      sync.RWMutex
	entries map[key]*Snapshot

	group singleflight.Group
}

// New creates a Tenant Cache with the given loader and TTL (default 300s
// when ttl <= 0, per spec §4.B).
func New(loader Loader, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = 300 * time.Second
	}
	return &Cache{
		load:    loader,
		ttl:     ttl,
		entries: make(map[key]*Snapshot),
	}
}

// Get returns the cached snapshot for (tenant, channel), loading (once, even
// under concurrent callers) on miss or TTL expiry. A stale-but-warm entry is
// returned immediately without blocking on the store.
func (c *Cache) Get(ctx context.Context, tenant string, channel domain.Channel) (*Snapshot, error) {
	k := key{tenant, channel}

	c.mu.RLock()
	snap, ok := c.entries[k]
	c.mu.RUnlock()

	if ok && time.Since(snap.LoadedAt) < c.ttl {
		return snap, nil
	}

	sfKey := tenant + "|" + string(channel)
	v, err, _ := c.group.Do(sfKey, func() (interface{}, error) {
		fresh, err := c.load(ctx, tenant, channel)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.entries[k] = fresh
		c.mu.Unlock()
		return fresh, nil
	})
	if err != nil {
		if ok {
			// Loader failed but we still have a stale warm entry: serve it
			// rather than failing the request outright.
			slog.Warn("tenant cache reload failed, serving stale snapshot",
				"tenant", tenant, "channel", channel, "error", err)
			return snap, nil
		}
		return nil, err
	}
	return v.(*Snapshot), nil
}

// Purge forces a reload on next access for every channel of tenant.
func (c *Cache) Purge(tenant string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k := range c.entries {
		if k.tenant == tenant {
			delete(c.entries, k)
		}
	}
	slog.Info("tenant cache purged", "tenant", tenant)
}

// PurgeAll invalidates every cached snapshot, used after any bundle
// activation to guarantee the next request observes the new bundle.
func (c *Cache) PurgeAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[key]*Snapshot)
	slog.Info("tenant cache purged: all tenants")
}

// Stats reports the number of warm entries, for /policy/status.
func (c *Cache) Stats() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

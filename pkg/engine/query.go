package engine

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/opereon/opereon/pkg/model"
	"github.com/opereon/opereon/pkg/telemetry"
)

// queryRunner computes a query's value on a host. The executor provides this.
type queryRunner func(ctx context.Context, q *QueryDef, host *HostDef, args map[string]model.NodeSet) (model.NodeSet, error)

// QueryCache caches query results per (query, host, arguments) with the
// query's declared TTL. Concurrent requests for the same key share a single
// computation; the result, or the error, is delivered to all of them.
// Failed computations are never cached.
type QueryCache struct {
	mu      sync.Mutex
	entries map[string]*cacheEntry
	group   singleflight.Group
	run     queryRunner
	now     func() time.Time
}

type cacheEntry struct {
	val model.NodeSet
	exp time.Time
}

// NewQueryCache returns an empty cache computing misses through run.
func NewQueryCache(run queryRunner) *QueryCache {
	return &QueryCache{
		entries: make(map[string]*cacheEntry),
		run:     run,
		now:     time.Now,
	}
}

// Get returns the cached value for the query on the host, computing it when
// absent or expired. A zero cache interval disables caching for the query.
func (c *QueryCache) Get(ctx context.Context, q *QueryDef, host *HostDef, args map[string]model.NodeSet) (model.NodeSet, error) {
	if q.CacheInterval <= 0 {
		telemetry.QueryCacheMisses.Inc()
		return c.compute(ctx, q, host, args)
	}

	key := cacheKey(q, host, args)

	c.mu.Lock()
	if e, ok := c.entries[key]; ok && c.now().Before(e.exp) {
		c.mu.Unlock()
		telemetry.QueryCacheHits.Inc()
		return e.val, nil
	}
	c.mu.Unlock()

	telemetry.QueryCacheMisses.Inc()
	v, err, _ := c.group.Do(key, func() (interface{}, error) {
		// Another waiter may have populated the entry while this call was
		// queued behind the in-flight computation.
		c.mu.Lock()
		if e, ok := c.entries[key]; ok && c.now().Before(e.exp) {
			c.mu.Unlock()
			return e.val, nil
		}
		c.mu.Unlock()

		val, err := c.compute(ctx, q, host, args)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.entries[key] = &cacheEntry{val: val, exp: c.now().Add(q.CacheInterval)}
		c.mu.Unlock()
		return val, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(model.NodeSet), nil
}

// Invalidate drops every cached entry of the named query, across hosts and
// argument sets.
func (c *QueryCache) Invalidate(name string) {
	prefix := name + "\x00"
	c.mu.Lock()
	defer c.mu.Unlock()
	for k := range c.entries {
		if strings.HasPrefix(k, prefix) {
			delete(c.entries, k)
		}
	}
}

// Purge drops all cached entries.
func (c *QueryCache) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*cacheEntry)
}

func (c *QueryCache) compute(ctx context.Context, q *QueryDef, host *HostDef, args map[string]model.NodeSet) (model.NodeSet, error) {
	v, err := c.run(ctx, q, host, args)
	if err != nil {
		return nil, NewCacheComputationError("query "+q.Name, err).WithHost(host.Hostname)
	}
	return v, nil
}

func cacheKey(q *QueryDef, host *HostDef, args map[string]model.NodeSet) string {
	var b strings.Builder
	b.WriteString(q.Name)
	b.WriteByte(0)
	b.WriteString(host.Hostname)

	names := make([]string, 0, len(args))
	for n := range args {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, n := range names {
		b.WriteByte(0)
		b.WriteString(n)
		b.WriteByte('=')
		for _, node := range args[n] {
			b.WriteString(node.AsString())
			b.WriteByte(';')
		}
	}
	return b.String()
}

// Package schema holds a TTL-bounded memo of CiviCRM entity names and
// per-entity field metadata.
package schema

import (
	"sync"
	"time"
)

// DefaultTTL is the lifetime of a cache entry in the default deployment.
const DefaultTTL = 15 * time.Minute

type entry[T any] struct {
	value   T
	expires time.Time
}

// Cache stores the entity list and per-entity field lists under one TTL.
// Reads past expiry behave as misses. Safe for concurrent use.
type Cache struct {
	ttl time.Duration
	now func() time.Time

	mu       sync.RWMutex
	entities *entry[[]string]
	fields   map[string]entry[[]map[string]any]
}

// Option customizes a Cache.
type Option func(*Cache)

// WithClock replaces the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// New creates a cache whose entries live for ttl. A non-positive ttl uses DefaultTTL.
func New(ttl time.Duration, opts ...Option) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	c := &Cache{
		ttl:    ttl,
		now:    time.Now,
		fields: map[string]entry[[]map[string]any]{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// TTL reports the configured entry lifetime.
func (c *Cache) TTL() time.Duration { return c.ttl }

// Entities returns the cached entity names, or ok=false when absent or expired.
func (c *Cache) Entities() ([]string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.entities == nil || !c.now().Before(c.entities.expires) {
		return nil, false
	}
	return append([]string(nil), c.entities.value...), true
}

// SetEntities replaces the entity list and restarts its TTL window.
func (c *Cache) SetEntities(names []string) {
	e := &entry[[]string]{
		value:   append([]string(nil), names...),
		expires: c.now().Add(c.ttl),
	}
	c.mu.Lock()
	c.entities = e
	c.mu.Unlock()
}

// Fields returns the cached field metadata for entity, or ok=false when absent or expired.
// Entity names are case-sensitive.
func (c *Cache) Fields(entity string) ([]map[string]any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.fields[entity]
	if !ok || !c.now().Before(e.expires) {
		return nil, false
	}
	return append([]map[string]any(nil), e.value...), true
}

// SetFields replaces the field metadata for entity and restarts its TTL window.
func (c *Cache) SetFields(entity string, fields []map[string]any) {
	e := entry[[]map[string]any]{
		value:   append([]map[string]any(nil), fields...),
		expires: c.now().Add(c.ttl),
	}
	c.mu.Lock()
	c.fields[entity] = e
	c.mu.Unlock()
}

// Sweep drops expired entries and reports how many were removed.
func (c *Cache) Sweep() int {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	if c.entities != nil && !now.Before(c.entities.expires) {
		c.entities = nil
		n++
	}
	for name, e := range c.fields {
		if !now.Before(e.expires) {
			delete(c.fields, name)
			n++
		}
	}
	return n
}

// Stats describes cache occupancy, including entries not yet swept.
type Stats struct {
	EntitiesCached bool `json:"entities_cached"`
	FieldEntries   int  `json:"field_entries"`
	Expired        int  `json:"expired"`
}

// Stats returns a snapshot of cache occupancy.
func (c *Cache) Stats() Stats {
	now := c.now()
	c.mu.RLock()
	defer c.mu.RUnlock()

	var st Stats
	if c.entities != nil {
		if now.Before(c.entities.expires) {
			st.EntitiesCached = true
		} else {
			st.Expired++
		}
	}
	for _, e := range c.fields {
		if now.Before(e.expires) {
			st.FieldEntries++
		} else {
			st.Expired++
		}
	}
	return st
}

// Package cache provides a fingerprint-keyed, TTL-bounded result cache.
//
// Entries are never swept in the background. Staleness is checked on read and
// expired entries are evicted at that point.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"sync"
	"time"
)

// DefaultTTL applies when Put is called with a non-positive ttl.
const DefaultTTL = time.Hour

type entry[V any] struct {
	payload   V
	tags      []string
	createdAt time.Time
	ttl       time.Duration
}

func (e entry[V]) expired(now time.Time) bool {
	return now.After(e.createdAt.Add(e.ttl))
}

// Cache maps fingerprints to payloads. It is safe for concurrent use.
type Cache[V any] struct {
	mu         sync.Mutex
	entries    map[string]entry[V]
	defaultTTL time.Duration
	now        func() time.Time
}

// New creates a cache whose entries live for defaultTTL unless Put says otherwise.
func New[V any](defaultTTL time.Duration) *Cache[V] {
	if defaultTTL <= 0 {
		defaultTTL = DefaultTTL
	}
	return &Cache[V]{
		entries:    make(map[string]entry[V]),
		defaultTTL: defaultTTL,
		now:        time.Now,
	}
}

// WithClock replaces the time source. Used by tests.
func (c *Cache[V]) WithClock(now func() time.Time) *Cache[V] {
	c.now = now
	return c
}

// Get returns the payload for fingerprint. A miss is a normal outcome.
func (c *Cache[V]) Get(fingerprint string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero V
	e, ok := c.entries[fingerprint]
	if !ok {
		return zero, false
	}
	if e.expired(c.now()) {
		delete(c.entries, fingerprint)
		return zero, false
	}
	return e.payload, true
}

// Put stores payload under fingerprint. Tags allow later group invalidation.
func (c *Cache[V]) Put(fingerprint string, payload V, ttl time.Duration, tags ...string) {
	if ttl <= 0 {
		ttl = c.defaultTTL
	}
	normalized := make([]string, 0, len(tags))
	for _, t := range tags {
		normalized = append(normalized, normalizeTag(t))
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[fingerprint] = entry[V]{
		payload:   payload,
		tags:      normalized,
		createdAt: c.now(),
		ttl:       ttl,
	}
}

// Delete removes a single entry.
func (c *Cache[V]) Delete(fingerprint string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, fingerprint)
}

// InvalidateTag removes every entry carrying tag and returns how many were removed.
func (c *Cache[V]) InvalidateTag(tag string) int {
	tag = normalizeTag(tag)
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for fp, e := range c.entries {
		for _, t := range e.tags {
			if t == tag {
				delete(c.entries, fp)
				removed++
				break
			}
		}
	}
	return removed
}

// Len returns the number of stored entries, expired or not.
func (c *Cache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Fingerprint hashes already-normalized fields into a stable key.
func Fingerprint(parts ...string) string {
	h := sha256.New()
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

func normalizeTag(t string) string {
	return strings.ToLower(strings.TrimSpace(t))
}

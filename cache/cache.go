// Package cache provides the short-TTL read caches used by retrieval and
// prompt assembly. TTL bounds staleness; no cross-instance coherence is
// required, so both implementations are process-local.
package cache

import (
	"strings"
	"sync"
	"time"
)

// Cache is the injected cache abstraction. Invalidate removes every entry
// whose key starts with the given prefix.
type Cache interface {
	Get(key string) (any, bool)
	Set(key string, value any, ttl time.Duration)
	Invalidate(prefix string)
}

type entry struct {
	value     any
	expiresAt time.Time
}

// TTLMap is a mutex-guarded time-boxed key/value map with best-effort
// eviction. It supports prefix invalidation, which the prompt cache needs
// when an anchor write lands.
type TTLMap struct {
	mu      sync.RWMutex
	entries map[string]entry
}

// NewTTLMap creates an empty TTLMap.
func NewTTLMap() *TTLMap {
	return &TTLMap{entries: make(map[string]entry)}
}

// Get returns the live value for key, expiring lazily.
func (m *TTLMap) Get(key string) (any, bool) {
	m.mu.RLock()
	e, ok := m.entries[key]
	m.mu.RUnlock()
	if !ok {
		return nil, false
	}
	if time.Now().After(e.expiresAt) {
		m.mu.Lock()
		delete(m.entries, key)
		m.mu.Unlock()
		return nil, false
	}
	return e.value, true
}

// Set stores value under key for ttl. Expired entries are swept
// opportunistically so the map stays bounded under churn.
func (m *TTLMap) Set(key string, value any, ttl time.Duration) {
	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.entries) > 0 && len(m.entries)%256 == 0 {
		for k, e := range m.entries {
			if now.After(e.expiresAt) {
				delete(m.entries, k)
			}
		}
	}
	m.entries[key] = entry{value: value, expiresAt: now.Add(ttl)}
}

// Invalidate drops every entry whose key starts with prefix.
func (m *TTLMap) Invalidate(prefix string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k := range m.entries {
		if strings.HasPrefix(k, prefix) {
			delete(m.entries, k)
		}
	}
}

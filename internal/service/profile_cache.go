package service

import (
	"sync"

	"feedgraph/internal/models"
	"feedgraph/internal/observability"
)

// ProfileCache memoizes profiles by pub for the life of a client. Entries
// change only through Put and Invalidate.
type ProfileCache struct {
	mu       sync.RWMutex
	profiles map[string]models.Profile
}

// NewProfileCache creates an empty cache.
func NewProfileCache() *ProfileCache {
	return &ProfileCache{profiles: make(map[string]models.Profile)}
}

// Get returns the cached profile of pub.
func (c *ProfileCache) Get(pub string) (models.Profile, bool) {
	c.mu.RLock()
	p, ok := c.profiles[pub]
	c.mu.RUnlock()
	if ok {
		observability.ProfileCacheLookups.WithLabelValues("hit").Inc()
	} else {
		observability.ProfileCacheLookups.WithLabelValues("miss").Inc()
	}
	return p, ok
}

// Put stores p under p.Pub.
func (c *ProfileCache) Put(p models.Profile) {
	c.mu.Lock()
	c.profiles[p.Pub] = p
	c.mu.Unlock()
}

// Invalidate drops the given pubs, or everything when none are given.
func (c *ProfileCache) Invalidate(pubs ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(pubs) == 0 {
		c.profiles = make(map[string]models.Profile)
		return
	}
	for _, pub := range pubs {
		delete(c.profiles, pub)
	}
}

// Len returns the number of cached profiles.
func (c *ProfileCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.profiles)
}

// Package model caches per-model metadata from the Kiro ListAvailableModels
// API, bounded by a TTL.
package model

import (
	"sort"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// Info is one model record from ListAvailableModels.
type Info struct {
	ModelID     string       `json:"modelId"`
	TokenLimits *TokenLimits `json:"tokenLimits,omitempty"`
}

// TokenLimits carries the model's context bounds.
type TokenLimits struct {
	MaxInputTokens *int `json:"maxInputTokens,omitempty"`
}

// ListResponse is the ListAvailableModels response body.
type ListResponse struct {
	Models []Info `json:"models"`
}

// Cache is a TTL-bounded model-info cache. Update replaces the whole mapping
// atomically; a partially refreshed cache is never observable.
type Cache struct {
	mu            sync.RWMutex
	models        map[string]Info
	lastUpdate    time.Time
	ttl           time.Duration
	defaultTokens int
}

// NewCache creates an empty cache. defaultTokens is returned for models with
// no recorded limit.
func NewCache(ttl time.Duration, defaultTokens int) *Cache {
	return &Cache{
		models:        make(map[string]Info),
		ttl:           ttl,
		defaultTokens: defaultTokens,
	}
}

// Update replaces the entire cache contents.
func (c *Cache) Update(models []Info) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.models = make(map[string]Info, len(models))
	for _, m := range models {
		c.models[m.ModelID] = m
	}
	c.lastUpdate = time.Now()

	log.Debugf("Model cache updated with %d models", len(models))
}

// IsStale reports whether the cache needs a refresh. An empty cache is always
// stale.
func (c *Cache) IsStale() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if len(c.models) == 0 {
		return true
	}
	return time.Since(c.lastUpdate) > c.ttl
}

// GetMaxInputTokens returns the model's input-token limit, or the configured
// default when the model is unknown or reports no limit.
func (c *Cache) GetMaxInputTokens(modelID string) int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if m, ok := c.models[modelID]; ok {
		if m.TokenLimits != nil && m.TokenLimits.MaxInputTokens != nil {
			return *m.TokenLimits.MaxInputTokens
		}
	}
	return c.defaultTokens
}

// ModelIDs returns all cached model ids, sorted.
func (c *Cache) ModelIDs() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	ids := make([]string, 0, len(c.models))
	for id := range c.models {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func intPtr(v int) *int { return &v }

func TestCacheStaleness(t *testing.T) {
	t.Run("empty cache is stale", func(t *testing.T) {
		c := NewCache(time.Hour, 200000)
		assert.True(t, c.IsStale())
	})

	t.Run("fresh after update", func(t *testing.T) {
		c := NewCache(time.Hour, 200000)
		c.Update([]Info{{ModelID: "m-1"}})
		assert.False(t, c.IsStale())
	})

	t.Run("stale after TTL", func(t *testing.T) {
		c := NewCache(time.Millisecond, 200000)
		c.Update([]Info{{ModelID: "m-1"}})
		time.Sleep(5 * time.Millisecond)
		assert.True(t, c.IsStale())
	})

	t.Run("update to empty list is stale again", func(t *testing.T) {
		c := NewCache(time.Hour, 200000)
		c.Update([]Info{{ModelID: "m-1"}})
		c.Update(nil)
		assert.True(t, c.IsStale())
	})
}

func TestCacheUpdateReplaces(t *testing.T) {
	c := NewCache(time.Hour, 200000)
	c.Update([]Info{
		{ModelID: "old-model", TokenLimits: &TokenLimits{MaxInputTokens: intPtr(100000)}},
	})
	c.Update([]Info{
		{ModelID: "new-model", TokenLimits: &TokenLimits{MaxInputTokens: intPtr(50000)}},
	})

	assert.Equal(t, []string{"new-model"}, c.ModelIDs())
	// The old model's limit is gone with it.
	assert.Equal(t, 200000, c.GetMaxInputTokens("old-model"))
	assert.Equal(t, 50000, c.GetMaxInputTokens("new-model"))
}

func TestGetMaxInputTokens(t *testing.T) {
	c := NewCache(time.Hour, 200000)
	c.Update([]Info{
		{ModelID: "limited", TokenLimits: &TokenLimits{MaxInputTokens: intPtr(128000)}},
		{ModelID: "no-limits"},
		{ModelID: "nil-limit", TokenLimits: &TokenLimits{}},
	})

	assert.Equal(t, 128000, c.GetMaxInputTokens("limited"))
	assert.Equal(t, 200000, c.GetMaxInputTokens("no-limits"))
	assert.Equal(t, 200000, c.GetMaxInputTokens("nil-limit"))
	assert.Equal(t, 200000, c.GetMaxInputTokens("unknown"))
}

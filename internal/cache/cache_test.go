package cache

import (
	"testing"
	"time"

	"FusionChat/internal/session"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKey(t *testing.T) {
	assert.Equal(t, Key("a", "b"), Key("a", "b"))
	assert.NotEqual(t, Key("ab", ""), Key("a", "b"))
	assert.Len(t, Key("x"), 64)
}

func TestModelCache(t *testing.T) {
	c := NewModelCache(time.Minute)

	_, ok := c.Get("ollama")
	assert.False(t, ok)

	in := []session.Model{{ID: "llama3", ProviderID: "ollama"}}
	c.Set("ollama", in)
	in[0].ID = "mutated"

	got, ok := c.Get("ollama")
	require.True(t, ok)
	assert.Equal(t, "llama3", got[0].ID)

	c.Invalidate("ollama")
	_, ok = c.Get("ollama")
	assert.False(t, ok)
}

func TestModelCache_Expires(t *testing.T) {
	c := NewModelCache(20 * time.Millisecond)
	c.Set("grok", []session.Model{{ID: "grok-3"}})
	require.Eventually(t, func() bool {
		_, ok := c.Get("grok")
		return !ok
	}, time.Second, 10*time.Millisecond)
}

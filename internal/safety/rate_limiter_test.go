package safety

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSourceLimiterIsPerSource(t *testing.T) {
	sl := NewSourceLimiter(1, 2)
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	assert.True(t, sl.AllowAt("a", now))
	assert.True(t, sl.AllowAt("a", now))
	assert.False(t, sl.AllowAt("a", now), "burst exhausted")
	assert.True(t, sl.AllowAt("b", now), "other sources unaffected")

	assert.True(t, sl.AllowAt("a", now.Add(time.Second)), "refilled after one second")
	assert.Equal(t, map[string]int64{"a": 1}, sl.Blocked())
}

func TestSourceLimiterDisabled(t *testing.T) {
	sl := NewSourceLimiter(0, 0)
	for i := 0; i < 100; i++ {
		assert.True(t, sl.Allow("flood"))
	}
	assert.Empty(t, sl.Blocked())
}

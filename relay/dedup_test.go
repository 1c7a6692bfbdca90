package relay

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDedupCacheFirstSightNotDuplicate(t *testing.T) {
	c := newDedupCache(10, time.Minute)
	require.False(t, c.seenOrInsert("a"))
	require.True(t, c.seenOrInsert("a"))
}

func TestDedupCacheEvictsLeastRecentlyUsed(t *testing.T) {
	c := newDedupCache(2, time.Minute)
	c.seenOrInsert("a")
	c.seenOrInsert("b")
	// Touch a so b becomes least-recently-used.
	c.seenOrInsert("a")
	c.seenOrInsert("c")

	require.True(t, c.seenOrInsert("a"), "a should still be present")
	require.False(t, c.seenOrInsert("b"), "b should have been evicted and treated as novel again")
}

func TestDedupCacheExpiresByTTL(t *testing.T) {
	c := newDedupCache(10, time.Millisecond)
	var tick time.Time
	c.now = func() time.Time { return tick }

	c.seenOrInsert("a")
	tick = tick.Add(time.Second)

	require.False(t, c.seenOrInsert("a"), "expired entry must be treated as novel")
}

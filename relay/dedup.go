/*
File Name:  dedup.go
Copyright:  2024 Fluxon Contributors

Dedup cache: a bounded LRU of recently-seen PacketIds, keyed the same way
identity.TrustedPeerSet is (container/list + map; see DESIGN.md's
stdlib-justified exceptions -- no off-the-shelf LRU exists in the pack).
Entries additionally expire on a wall-clock TTL independent of LRU
pressure, since a quiet mesh should still forget old PacketIds rather
than hold them forever.
*/
package relay

import (
	"container/list"
	"sync"
	"time"
)

// DefaultDedupCap is the default dedup cache capacity (spec §4.4, "~2000").
const DefaultDedupCap = 2000

// DefaultDedupTTL is how long an entry survives absent LRU pressure
// (spec §4.4, "~5 min").
const DefaultDedupTTL = 5 * time.Minute

type dedupEntry struct {
	packetID  string
	firstSeen time.Time
}

// dedupCache is a bounded, time-expiring LRU of PacketIds.
type dedupCache struct {
	mu    sync.Mutex
	cap   int
	ttl   time.Duration
	order *list.List
	index map[string]*list.Element

	now func() time.Time
}

func newDedupCache(capacity int, ttl time.Duration) *dedupCache {
	if capacity <= 0 {
		capacity = DefaultDedupCap
	}
	return &dedupCache{
		cap:   capacity,
		ttl:   ttl,
		order: list.New(),
		index: make(map[string]*list.Element),
		now:   time.Now,
	}
}

// seenOrInsert reports whether packetID was already present (a duplicate).
// If not present, it is inserted as the most-recently-used entry. Expired
// entries are treated as absent and are evicted lazily as they're touched.
func (c *dedupCache) seenOrInsert(packetID string) (duplicate bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if el, ok := c.index[packetID]; ok {
		entry := el.Value.(*dedupEntry)
		if now.Sub(entry.firstSeen) > c.ttl {
			// Expired: treat as a fresh sighting, not a duplicate.
			c.order.MoveToFront(el)
			entry.firstSeen = now
			return false
		}
		c.order.MoveToFront(el)
		return true
	}

	el := c.order.PushFront(&dedupEntry{packetID: packetID, firstSeen: now})
	c.index[packetID] = el

	for c.order.Len() > c.cap {
		oldest := c.order.Back()
		if oldest == nil {
			break
		}
		c.order.Remove(oldest)
		delete(c.index, oldest.Value.(*dedupEntry).packetID)
	}
	return false
}

// insertOnly records packetID as seen without reporting duplicate status,
// used by outbound broadcast to suppress our own echo (spec §4.4).
func (c *dedupCache) insertOnly(packetID string) {
	c.seenOrInsert(packetID)
}

func (c *dedupCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

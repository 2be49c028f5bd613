// Package qos layers reliable ordered delivery over the best-effort
// publish/subscribe core: publishers keep a bounded cache of sent
// messages and heartbeat their sequence range, subscribers acknowledge
// with the set of sequence numbers they are missing, and publishers
// retransmit only those.
package qos

import "sort"

// DefaultDepth is the default cache depth for publishers and
// subscribers.
const DefaultDepth = 8

type cacheEntry struct {
	sn      uint32
	payload []byte
}

// Cache is a bounded deque of the most recent published messages,
// ordered by sequence number.
type Cache struct {
	depth   int
	entries []cacheEntry
}

// NewCache returns an empty cache of the given depth.
func NewCache(depth int) *Cache {
	if depth <= 0 {
		depth = DefaultDepth
	}
	return &Cache{depth: depth}
}

// Empty reports whether the cache has no entries.
func (c *Cache) Empty() bool {
	return len(c.entries) == 0
}

// Size returns the number of cached messages.
func (c *Cache) Size() int {
	return len(c.entries)
}

// Capacity returns the cache depth.
func (c *Cache) Capacity() int {
	return c.depth
}

// Avail returns how many more messages fit.
func (c *Cache) Avail() int {
	return c.depth - len(c.entries)
}

// MinSN returns the lowest cached sequence number.
func (c *Cache) MinSN() uint32 {
	return c.entries[0].sn
}

// MaxSN returns the highest cached sequence number.
func (c *Cache) MaxSN() uint32 {
	return c.entries[len(c.entries)-1].sn
}

// Add inserts a message, evicting the oldest when full.
func (c *Cache) Add(sn uint32, payload []byte) {
	if len(c.entries) >= c.depth {
		c.entries = c.entries[1:]
	}
	c.entries = append(c.entries, cacheEntry{sn: sn, payload: payload})
	sort.Slice(c.entries, func(i, j int) bool { return c.entries[i].sn < c.entries[j].sn })
}

// Get returns the cached payload for sn.
func (c *Cache) Get(sn uint32) ([]byte, bool) {
	i := sort.Search(len(c.entries), func(i int) bool { return c.entries[i].sn >= sn })
	if i < len(c.entries) && c.entries[i].sn == sn {
		return c.entries[i].payload, true
	}
	return nil, false
}

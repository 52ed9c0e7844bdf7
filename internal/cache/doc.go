// Package cache provides a small generic cache bounded by total weight.
//
// Entries carry a caller-supplied weight (usually a byte count). When the
// total weight exceeds the limit, the least recently accessed entries are
// dropped until the cache is back at three quarters of the limit, so a
// burst of inserts pays for one sort instead of one scan per insert.
//
//	c := cache.New[string, []byte](1<<20, func(b []byte) int { return len(b) })
//	c.Set("key", data)
//	data, ok := c.Get("key")
//
// Cache is safe for concurrent use and must not be copied after creation.
package cache

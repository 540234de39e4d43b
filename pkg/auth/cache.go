package auth

import "time"

// cacheEntry is a value with its insertion time and lifetime. It is valid
// while now - storedAt < ttl.
type cacheEntry[T any] struct {
	value    T
	storedAt time.Time
	ttl      time.Duration
}

func (e cacheEntry[T]) age(now time.Time) time.Duration {
	return now.Sub(e.storedAt)
}

func (e cacheEntry[T]) valid(now time.Time) bool {
	return e.age(now) < e.ttl
}

func hitRate(hits, misses uint64) float64 {
	total := hits + misses
	if total == 0 {
		return 0
	}
	return float64(hits) / float64(total)
}

// Package querycache is the in-memory caching layer for availability
// queries. Entries are keyed hierarchically, served fresh within
// StaleAfter, revalidated in the background until EvictAfter, and evicted
// by LRU pressure or push invalidation. Prefetching warms adjacent calendar
// months and the navigator moves between months optimistically.
package querycache

import (
	"strconv"
	"strings"
)

// Key is a hierarchical cache key. Prefix matching gives partial
// invalidation: dropping everything under a resource without touching
// other resources.
type Key []string

// AvailabilityKey builds the canonical key for one resource-month-party
// availability query.
func AvailabilityKey(resourceID, period string, partySize int) Key {
	return Key{"availability", resourceID, period, "p" + strconv.Itoa(partySize)}
}

// ResourcePrefix matches every availability entry for one resource.
func ResourcePrefix(resourceID string) Key {
	return Key{"availability", resourceID}
}

// String renders the key in storage form.
func (k Key) String() string {
	return strings.Join(k, ":")
}

// HasPrefix reports whether the key starts with every segment of prefix.
func (k Key) HasPrefix(prefix Key) bool {
	if len(prefix) > len(k) {
		return false
	}
	for i, seg := range prefix {
		if k[i] != seg {
			return false
		}
	}
	return true
}

package authstore

import (
	"errors"

	"github.com/libp2p/go-libp2p/core/peer"
)

// SeqPerMilli converts a millisecond interval into seq units. Log seq numbers
// are wall-clock milliseconds times 1000 plus an in-millisecond counter.
const SeqPerMilli = 1000

// Cache retains authenticators verified while auditing others, at most one per
// interval per subject, so other witnesses can be answered later.
type Cache struct {
	store    *Store
	interval uint64
}

// NewCache wraps store with the given admission interval in milliseconds.
func NewCache(store *Store, intervalMillis int64) *Cache {
	if intervalMillis < 0 {
		intervalMillis = 0
	}
	return &Cache{store: store, interval: uint64(intervalMillis) * SeqPerMilli}
}

// Store returns the underlying store for queries.
func (c *Cache) Store() *Store {
	return c.store
}

// Offer caches a if it lies at least one interval past the newest cached
// authenticator for the subject. It reports whether a was admitted.
func (c *Cache) Offer(subject peer.ID, a Authenticator) bool {
	if newest, ok := c.store.MostRecent(subject); ok {
		if a.Seq <= newest.Seq || a.Seq-newest.Seq < c.interval {
			return false
		}
	}
	if err := c.store.Insert(subject, a); err != nil {
		if !errors.Is(err, ErrConflict) {
			log.Warnf("Failed to cache authenticator %d for %s: %v", a.Seq, subject.ShortString(), err)
		}
		return false
	}
	return true
}

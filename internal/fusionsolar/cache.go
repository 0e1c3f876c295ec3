package fusionsolar

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"

	"github.com/ANIKETSHETTY47/smartenergy-backend/internal/domain"
)

// Factory builds an adapter bound to one user's credentials.
type Factory func(user domain.User) (Adapter, error)

type cacheEntry struct {
	fingerprint string
	adapter     Adapter
}

// Cache keeps one adapter per user id so the vendor session survives
// between polling ticks. An entry is rebuilt when the user's stored
// credentials change.
type Cache struct {
	factory Factory

	mu      sync.Mutex
	entries map[int64]cacheEntry
}

func NewCache(factory Factory) *Cache {
	return &Cache{
		factory: factory,
		entries: make(map[int64]cacheEntry),
	}
}

func (c *Cache) Get(user domain.User) (Adapter, error) {
	fp := fingerprint(user)

	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[user.ID]; ok && e.fingerprint == fp {
		return e.adapter, nil
	}

	a, err := c.factory(user)
	if err != nil {
		delete(c.entries, user.ID)
		return nil, err
	}

	c.entries[user.ID] = cacheEntry{fingerprint: fp, adapter: a}

	return a, nil
}

func (c *Cache) Evict(userID int64) {
	c.mu.Lock()
	delete(c.entries, userID)
	c.mu.Unlock()
}

func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func fingerprint(u domain.User) string {
	h := sha256.New()
	h.Write([]byte(u.HuaweiUsername.String))
	h.Write([]byte{0})
	h.Write([]byte(u.HuaweiPasswordEncrypted.String))
	return hex.EncodeToString(h.Sum(nil))
}

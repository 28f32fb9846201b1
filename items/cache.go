package items

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/dgraph-io/ristretto"
)

// CachedStore serves reads of an underlying Store from a ristretto cache.
// Cache entries are keyed by a write generation that every write through the
// CachedStore bumps, so a write is visible to the next read. Writes made
// around the CachedStore, e.g. by another process sharing a RedisStore, are
// picked up once the TTL expires.
type CachedStore struct {
	store Store
	cache *ristretto.Cache
	ttl   time.Duration
	gen   atomic.Uint64
}

var _ Store = (*CachedStore)(nil)

// NewCachedStore wraps store with a cache of at most maxEntries reads.
func NewCachedStore(store Store, maxEntries int64, ttl time.Duration) (*CachedStore, error) {
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: maxEntries * 10,
		MaxCost:     maxEntries,
		BufferItems: 64,

		IgnoreInternalCost: true,
	})
	if err != nil {
		return nil, errors.Wrap(err, "create item cache")
	}

	return &CachedStore{store: store, cache: cache, ttl: ttl}, nil
}

// Close releases the cache.
func (c *CachedStore) Close() {
	c.cache.Close()
}

func (c *CachedStore) List(ctx context.Context) ([]Item, error) {
	key := fmt.Sprintf("list/%d", c.gen.Load())
	if v, ok := c.cache.Get(key); ok {
		return append([]Item(nil), v.([]Item)...), nil
	}

	list, err := c.store.List(ctx)
	if err != nil {
		return nil, err
	}
	c.cache.SetWithTTL(key, list, 1, c.ttl)
	return append([]Item(nil), list...), nil
}

func (c *CachedStore) Get(ctx context.Context, id ID) (Item, error) {
	key := fmt.Sprintf("get/%d/%d", c.gen.Load(), id)
	if v, ok := c.cache.Get(key); ok {
		return v.(Item), nil
	}

	it, err := c.store.Get(ctx, id)
	if err != nil {
		return Item{}, err
	}
	c.cache.SetWithTTL(key, it, 1, c.ttl)
	return it, nil
}

func (c *CachedStore) Create(ctx context.Context, data Data) (Item, error) {
	defer c.gen.Add(1)
	return c.store.Create(ctx, data)
}

func (c *CachedStore) Update(ctx context.Context, id ID, data Data) (Item, error) {
	defer c.gen.Add(1)
	return c.store.Update(ctx, id, data)
}

func (c *CachedStore) Move(ctx context.Context, o Order) (Item, error) {
	defer c.gen.Add(1)
	return c.store.Move(ctx, o)
}

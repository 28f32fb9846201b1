package items

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingStore struct {
	Store
	lists atomic.Int32
	gets  atomic.Int32
}

func (c *countingStore) List(ctx context.Context) ([]Item, error) {
	c.lists.Add(1)
	return c.Store.List(ctx)
}

func (c *countingStore) Get(ctx context.Context, id ID) (Item, error) {
	c.gets.Add(1)
	return c.Store.Get(ctx, id)
}

func TestCachedStore_ServesRepeatedReads(t *testing.T) {
	ctx := context.Background()
	backing := &countingStore{Store: NewMemoryStore()}
	c, err := NewCachedStore(backing, 100, time.Minute)
	require.NoError(t, err)
	defer c.Close()

	created, err := c.Create(ctx, Data{Title: "a"})
	require.NoError(t, err)

	_, err = c.List(ctx)
	require.NoError(t, err)
	_, err = c.Get(ctx, created.ID)
	require.NoError(t, err)
	c.cache.Wait()

	list, err := c.List(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)
	it, err := c.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, created, it)

	assert.Equal(t, int32(1), backing.lists.Load())
	assert.Equal(t, int32(1), backing.gets.Load())
}

func TestCachedStore_WritesInvalidate(t *testing.T) {
	ctx := context.Background()
	backing := &countingStore{Store: NewMemoryStore()}
	c, err := NewCachedStore(backing, 100, time.Minute)
	require.NoError(t, err)
	defer c.Close()

	a, err := c.Create(ctx, Data{Title: "a"})
	require.NoError(t, err)
	_, err = c.List(ctx)
	require.NoError(t, err)
	c.cache.Wait()

	b, err := c.Create(ctx, Data{Title: "b"})
	require.NoError(t, err)
	list, err := c.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []ID{b.ID, a.ID}, ids(list))

	_, err = c.Move(ctx, Order{Prev: &b.ID, Curr: a.ID})
	require.NoError(t, err)
	_, err = c.Move(ctx, Order{Curr: a.ID, Next: &b.ID})
	require.NoError(t, err)
	list, err = c.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []ID{a.ID, b.ID}, ids(list))

	_, err = c.Update(ctx, a.ID, Data{Title: "renamed"})
	require.NoError(t, err)
	it, err := c.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, "renamed", it.Data.Title)
}

func TestCachedStore_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	c, err := NewCachedStore(NewMemoryStore(), 100, time.Minute)
	require.NoError(t, err)
	defer c.Close()

	_, err = c.Create(ctx, Data{Title: "a"})
	require.NoError(t, err)
	list, err := c.List(ctx)
	require.NoError(t, err)
	c.cache.Wait()

	list[0].Data.Title = "mutated"
	again, err := c.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, "a", again[0].Data.Title)
}

package items

import (
	"context"
	"slices"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/parkerroan/sortgate/sortkey"
)

// MemoryStore is a Store held in process memory.
type MemoryStore struct {
	mu     sync.Mutex
	items  map[ID]Item
	byKey  map[sortkey.Key]ID
	front  *sortkey.Key // smallest key, nil when empty
	lastID ID
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		items: make(map[ID]Item),
		byKey: make(map[sortkey.Key]ID),
	}
}

func (s *MemoryStore) List(_ context.Context) ([]Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	list := make([]Item, 0, len(s.items))
	for _, it := range s.items {
		list = append(list, it)
	}
	slices.SortFunc(list, func(a, b Item) int {
		return a.Key.Compare(b.Key)
	})
	return list, nil
}

func (s *MemoryStore) Get(_ context.Context, id ID) (Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.get(id)
}

func (s *MemoryStore) get(id ID) (Item, error) {
	it, ok := s.items[id]
	if !ok {
		return Item{}, notFound(id)
	}
	return it, nil
}

func (s *MemoryStore) Create(_ context.Context, data Data) (Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.lastID++
	it := Item{ID: s.lastID, Key: sortkey.InFront(s.front), Data: data}
	s.items[it.ID] = it
	s.byKey[it.Key] = it.ID
	s.front = &it.Key
	return it, nil
}

func (s *MemoryStore) Update(_ context.Context, id ID, data Data) (Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	it, err := s.get(id)
	if err != nil {
		return Item{}, err
	}
	it.Data = data
	s.items[id] = it
	return it, nil
}

func (s *MemoryStore) Move(_ context.Context, o Order) (Item, error) {
	if err := o.validate(); err != nil {
		return Item{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	curr, err := s.get(o.Curr)
	if err != nil {
		return Item{}, err
	}
	prev, err := neighbourKey(o.Prev, s.get)
	if err != nil {
		return Item{}, err
	}
	next, err := neighbourKey(o.Next, s.get)
	if err != nil {
		return Item{}, err
	}

	key, ok := NewKey(prev, next)
	if !ok || key == curr.Key {
		return curr, nil
	}
	if holder, taken := s.byKey[key]; taken {
		return Item{}, errors.WithDetailf(ErrConflict, "key %s already held by %s", key, holder)
	}

	oldKey := curr.Key
	delete(s.byKey, oldKey)
	curr.Key = key
	s.items[curr.ID] = curr
	s.byKey[key] = curr.ID

	switch {
	case key.Less(*s.front):
		s.front = &curr.Key
	case oldKey == *s.front:
		// the front item moved back; only this case needs a scan
		s.resetFront()
	}
	return curr, nil
}

// resetFront recomputes the smallest key.
func (s *MemoryStore) resetFront() {
	s.front = nil
	for k := range s.byKey {
		if s.front == nil || k.Less(*s.front) {
			s.front = &k
		}
	}
}

package items

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/jpillora/backoff"
	"github.com/parkerroan/sortgate/sortkey"
	"github.com/redis/go-redis/v9"
)

const idSize = 8

// hashGetter is satisfied by both *redis.Client and *redis.Tx.
type hashGetter interface {
	HGet(ctx context.Context, key, field string) *redis.StringCmd
}

// RedisStore is a Store kept in Redis under a key prefix:
//
//	<prefix>:items  hash, item id -> item JSON
//	<prefix>:order  sorted set, all scores 0, member = encoded key + big-endian id
//	<prefix>:seq    last allocated item id
//
// Members of the order set compare bytewise in key order, so ZRANGE returns
// the list in order. Writes run in WATCH/MULTI transactions and are retried
// when another client changed the watched keys in between.
type RedisStore struct {
	rdb         *redis.Client
	itemsKey    string
	orderKey    string
	seqKey      string
	maxAttempts int
	backoff     backoff.Backoff
}

var _ Store = (*RedisStore)(nil)

func NewRedisStore(rdb *redis.Client, opts ...func(*RedisStore)) *RedisStore {
	s := &RedisStore{
		rdb:         rdb,
		maxAttempts: 10,
		backoff: backoff.Backoff{
			Min:    5 * time.Millisecond,
			Max:    500 * time.Millisecond,
			Factor: 2,
			Jitter: true,
		},
	}
	WithPrefix("sortgate")(s)

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// WithPrefix sets the prefix of all Redis keys.
// default: "sortgate"
func WithPrefix(prefix string) func(*RedisStore) {
	return func(s *RedisStore) {
		s.itemsKey = prefix + ":items"
		s.orderKey = prefix + ":order"
		s.seqKey = prefix + ":seq"
	}
}

// WithMaxAttempts bounds how often a transaction is retried after losing a
// race with another writer. It then fails with ErrConflict.
func WithMaxAttempts(n int) func(*RedisStore) {
	return func(s *RedisStore) {
		s.maxAttempts = n
	}
}

func (s *RedisStore) List(ctx context.Context) ([]Item, error) {
	var order *redis.StringSliceCmd
	var all *redis.MapStringStringCmd
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		order = pipe.ZRange(ctx, s.orderKey, 0, -1)
		all = pipe.HGetAll(ctx, s.itemsKey)
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "read item list")
	}

	raw := all.Val()
	list := make([]Item, 0, len(raw))
	for _, member := range order.Val() {
		_, id, err := decodeMember(member)
		if err != nil {
			return nil, err
		}
		it, err := decodeItem(raw[id.String()])
		if err != nil {
			return nil, errors.Wrapf(err, "item %s", id)
		}
		list = append(list, it)
	}
	return list, nil
}

func (s *RedisStore) Get(ctx context.Context, id ID) (Item, error) {
	return s.get(ctx, s.rdb, id)
}

func (s *RedisStore) get(ctx context.Context, c hashGetter, id ID) (Item, error) {
	raw, err := c.HGet(ctx, s.itemsKey, id.String()).Result()
	if errors.Is(err, redis.Nil) {
		return Item{}, notFound(id)
	}
	if err != nil {
		return Item{}, errors.Wrapf(err, "get item %s", id)
	}
	it, err := decodeItem(raw)
	return it, errors.Wrapf(err, "item %s", id)
}

func (s *RedisStore) Create(ctx context.Context, data Data) (Item, error) {
	seq, err := s.rdb.Incr(ctx, s.seqKey).Result()
	if err != nil {
		return Item{}, errors.Wrap(err, "allocate item id")
	}

	it := Item{ID: ID(seq), Data: data}
	err = s.transact(ctx, func(tx *redis.Tx) error {
		first, err := tx.ZRange(ctx, s.orderKey, 0, 0).Result()
		if err != nil {
			return err
		}

		var front *sortkey.Key
		if len(first) > 0 {
			k, _, err := decodeMember(first[0])
			if err != nil {
				return err
			}
			front = &k
		}
		it.Key = sortkey.InFront(front)

		return s.write(ctx, tx, it, nil)
	}, s.orderKey)
	if err != nil {
		return Item{}, errors.Wrap(err, "create item")
	}
	return it, nil
}

func (s *RedisStore) Update(ctx context.Context, id ID, data Data) (Item, error) {
	var it Item
	err := s.transact(ctx, func(tx *redis.Tx) error {
		var err error
		if it, err = s.get(ctx, tx, id); err != nil {
			return err
		}
		it.Data = data
		return s.write(ctx, tx, it, nil)
	}, s.itemsKey)
	return it, err
}

func (s *RedisStore) Move(ctx context.Context, o Order) (Item, error) {
	if err := o.validate(); err != nil {
		return Item{}, err
	}

	var curr Item
	err := s.transact(ctx, func(tx *redis.Tx) error {
		var err error
		if curr, err = s.get(ctx, tx, o.Curr); err != nil {
			return err
		}
		lookup := func(id ID) (Item, error) { return s.get(ctx, tx, id) }
		prev, err := neighbourKey(o.Prev, lookup)
		if err != nil {
			return err
		}
		next, err := neighbourKey(o.Next, lookup)
		if err != nil {
			return err
		}

		key, ok := NewKey(prev, next)
		if !ok || key == curr.Key {
			return nil
		}
		if err := s.checkFree(ctx, tx, key); err != nil {
			return err
		}

		oldKey := curr.Key
		curr.Key = key
		return s.write(ctx, tx, curr, &oldKey)
	}, s.itemsKey, s.orderKey)
	return curr, err
}

// checkFree fails with ErrConflict when another item already holds key.
func (s *RedisStore) checkFree(ctx context.Context, tx *redis.Tx, key sortkey.Key) error {
	lo := sortkey.Encode(key)
	// The encoding is prefix-free and ends in a terminator byte, so every
	// member holding key lies in [lo, lo with its last byte incremented).
	hi := append([]byte(nil), lo...)
	hi[len(hi)-1]++

	held, err := tx.ZRangeByLex(ctx, s.orderKey, &redis.ZRangeBy{
		Min:   "[" + string(lo),
		Max:   "(" + string(hi),
		Count: 1,
	}).Result()
	if err != nil {
		return err
	}
	if len(held) > 0 {
		_, id, _ := decodeMember(held[0])
		return errors.WithDetailf(ErrConflict, "key %s already held by %s", key, id)
	}
	return nil
}

// write stores it and its order entry in one MULTI, replacing the order entry
// for oldKey when given.
func (s *RedisStore) write(ctx context.Context, tx *redis.Tx, it Item, oldKey *sortkey.Key) error {
	payload, err := json.Marshal(it)
	if err != nil {
		return errors.Wrapf(err, "encode item %s", it.ID)
	}

	_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, s.itemsKey, it.ID.String(), payload)
		if oldKey != nil {
			pipe.ZRem(ctx, s.orderKey, encodeMember(*oldKey, it.ID))
		}
		pipe.ZAdd(ctx, s.orderKey, redis.Z{Score: 0, Member: encodeMember(it.Key, it.ID)})
		return nil
	})
	return err
}

// transact runs fn under WATCH of keys, retrying with backoff when the
// transaction loses a race.
func (s *RedisStore) transact(ctx context.Context, fn func(*redis.Tx) error, keys ...string) error {
	b := s.backoff
	for attempt := 1; ; attempt++ {
		err := s.rdb.Watch(ctx, fn, keys...)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
		if attempt >= s.maxAttempts {
			return errors.WithDetailf(ErrConflict, "transaction still contended after %d attempts", attempt)
		}

		select {
		case <-time.After(b.Duration()):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func encodeMember(key sortkey.Key, id ID) string {
	b := key.AppendEncoded(make([]byte, 0, key.Len()+2+idSize))
	return string(binary.BigEndian.AppendUint64(b, uint64(id)))
}

func decodeMember(member string) (sortkey.Key, ID, error) {
	key, rest, err := sortkey.Decode([]byte(member))
	if err != nil {
		return sortkey.Key{}, 0, errors.Wrapf(err, "order member %x", member)
	}
	if len(rest) != idSize {
		return sortkey.Key{}, 0, errors.Newf("order member %x: id has %d bytes", member, len(rest))
	}
	return key, ID(binary.BigEndian.Uint64(rest)), nil
}

func decodeItem(raw string) (Item, error) {
	var it Item
	if err := json.Unmarshal([]byte(raw), &it); err != nil {
		return Item{}, errors.Wrap(err, "decode item")
	}
	return it, nil
}

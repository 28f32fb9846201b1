package sortgate

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/jpillora/backoff"
	"github.com/redis/go-redis/v9"
	"golang.org/x/exp/slog"
	"golang.org/x/sync/semaphore"
)

// ErrChannelFull is returned by Publish when the publisher is not keeping up.
var ErrChannelFull = errors.New("publish operation could not proceed; channel full")

const batchSize = 100

// RejectionEvent is the structure of the data sent through the broker for
// every reported rejection.
type RejectionEvent struct {
	GateID    string    `json:"gate_id"`   // The gate that rejected the request
	Stage     string    `json:"stage"`     // StagePreFilter or StageExact
	Timestamp time.Time `json:"timestamp"` // When the request was rejected
	Key       string    `json:"key"`       // The client address
}

func (e RejectionEvent) MarshalBinary() ([]byte, error) {
	return json.Marshal(e)
}

// MessageBroker is an interface that defines the methods that a broker must implement.
// The broker is responsible for publishing and consuming rejection events and could be
// implemented in any message broker, e.g., Redis, Kafka, etc.
type MessageBroker interface {
	Start(ctx context.Context, handlerFunc func(RejectionEvent))
	Publish(ctx context.Context, event RejectionEvent) error
}

// RedisMessageBroker is an implementation of the MessageBroker interface
// that uses a Redis stream.
type RedisMessageBroker struct {
	stream string
	client *redis.Client

	// how far back to read on startup
	initialLoadOffset time.Duration
	maxStreamLen      int64
	readBlock         time.Duration

	backoff        *backoff.Backoff
	publishChannel chan RejectionEvent

	sem *semaphore.Weighted
}

func NewRedisMessageBroker(rdb *redis.Client, opts ...func(*RedisMessageBroker)) *RedisMessageBroker {
	b := backoff.Backoff{
		Min:    100 * time.Millisecond,
		Max:    10 * time.Second,
		Factor: 2,
		Jitter: true,
	}

	rb := &RedisMessageBroker{
		client:         rdb,
		stream:         "sortgate:rejections",
		readBlock:      time.Second,
		backoff:        &b,
		publishChannel: make(chan RejectionEvent, batchSize),
		sem:            semaphore.NewWeighted(int64(10)),
	}

	for _, opt := range opts {
		opt(rb)
	}

	return rb
}

// WithMaxThreads sets the maximum number of concurrent stream writes.
func WithMaxThreads(maxThreads int) func(*RedisMessageBroker) {
	return func(rb *RedisMessageBroker) {
		rb.sem = semaphore.NewWeighted(int64(maxThreads))
	}
}

// WithStream sets the Redis stream name.
// default: "sortgate:rejections"
func WithStream(stream string) func(*RedisMessageBroker) {
	return func(rb *RedisMessageBroker) {
		rb.stream = stream
	}
}

// WithCappedStream sets the approximate Redis stream max length.
func WithCappedStream(maxLen int64) func(*RedisMessageBroker) {
	return func(rb *RedisMessageBroker) {
		rb.maxStreamLen = maxLen
	}
}

// WithInitLoadOffset makes Consume start with the events of the given
// duration before startup instead of only new ones.
func WithInitLoadOffset(offset time.Duration) func(*RedisMessageBroker) {
	return func(rb *RedisMessageBroker) {
		rb.initialLoadOffset = offset
	}
}

// WithReadBlock sets how long one XREAD waits for new entries.
// default: 1s
func WithReadBlock(d time.Duration) func(*RedisMessageBroker) {
	return func(rb *RedisMessageBroker) {
		rb.readBlock = d
	}
}

// WithPublishBuffer sets how many events may wait for the publisher before
// Publish starts failing with ErrChannelFull.
func WithPublishBuffer(size int) func(*RedisMessageBroker) {
	return func(rb *RedisMessageBroker) {
		rb.publishChannel = make(chan RejectionEvent, size)
	}
}

// Start runs the publisher and the consumer in the background until ctx is done.
func (r *RedisMessageBroker) Start(ctx context.Context, handlerFunc func(RejectionEvent)) {
	go func() {
		if err := r.StartPublisher(ctx); err != nil {
			slog.Error("error publishing rejection events", slog.Any("error", err))
		}
	}()

	go func() {
		if err := r.Consume(ctx, handlerFunc); err != nil {
			slog.Error("error consuming rejection events", slog.Any("error", err))
		}
	}()
}

// Publish queues an event for the publisher. It never blocks the request
// path: a full queue drops the event with ErrChannelFull.
func (r *RedisMessageBroker) Publish(ctx context.Context, event RejectionEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	select {
	case r.publishChannel <- event:
		return nil
	default:
		return ErrChannelFull
	}
}

// StartPublisher drains the publish queue in batches, writing each batch as
// one stream entry, until ctx is done.
func (r *RedisMessageBroker) StartPublisher(ctx context.Context) error {
	for {
		events := make([]RejectionEvent, 0, batchSize)

		// Block until we receive the first event
		select {
		case event := <-r.publishChannel:
			events = append(events, event)
		case <-ctx.Done():
			return nil
		}

	gather:
		for len(events) < batchSize {
			select {
			case event := <-r.publishChannel:
				events = append(events, event)
			default:
				break gather
			}
		}

		if err := r.sem.Acquire(ctx, 1); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return errors.Wrap(err, "acquire publish slot")
		}

		go func(events []RejectionEvent) {
			defer r.sem.Release(1)

			publishCtx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
			defer cancel()
			if err := r.publish(publishCtx, events); err != nil {
				slog.Error("error publishing rejection events to redis",
					slog.Int("events", len(events)),
					slog.Any("error", err),
				)
			}
		}(events)
	}
}

// Consume reads events from the stream and hands each one to handlerFunc
// until ctx is done. Read errors are retried with backoff.
func (r *RedisMessageBroker) Consume(ctx context.Context, handlerFunc func(RejectionEvent)) error {
	var lastMessageID string
	for lastMessageID == "" {
		if ctx.Err() != nil {
			return nil
		}
		id, err := r.loadInitialMessageID(ctx)
		if err != nil {
			slog.Error("error locating rejection stream tail", slog.String("stream", r.stream), slog.Any("error", err))
			time.Sleep(r.backoff.Duration())
			continue
		}
		lastMessageID = id
	}
	r.backoff.Reset()

	for {
		if ctx.Err() != nil {
			if errors.Is(ctx.Err(), context.Canceled) {
				return nil
			}
			return ctx.Err()
		}

		streams, err := r.client.XRead(ctx, &redis.XReadArgs{
			Streams: []string{r.stream, lastMessageID},
			Count:   batchSize,
			Block:   r.readBlock,
		}).Result()
		switch {
		case errors.Is(err, redis.Nil):
			continue
		case ctx.Err() != nil:
			continue
		case err != nil:
			slog.Error("error reading rejection stream", slog.String("stream", r.stream), slog.Any("error", err))
			time.Sleep(r.backoff.Duration())
			continue
		}
		r.backoff.Reset()

		var wg sync.WaitGroup
		for _, stream := range streams {
			for _, message := range stream.Messages {
				lastMessageID = message.ID

				events, err := decodeEvents(message)
				if err != nil {
					slog.Warn("skipping malformed rejection message",
						slog.String("id", message.ID),
						slog.Any("error", err),
					)
					continue
				}

				for _, event := range events {
					wg.Add(1)
					go func(event RejectionEvent) {
						defer wg.Done()
						handlerFunc(event)
					}(event)
				}
			}
		}
		wg.Wait()
	}
}

func decodeEvents(message redis.XMessage) ([]RejectionEvent, error) {
	raw, ok := message.Values["events"].(string)
	if !ok {
		return nil, errors.Newf("message %s has no events field", message.ID)
	}

	var events []RejectionEvent
	if err := json.Unmarshal([]byte(raw), &events); err != nil {
		return nil, errors.Wrapf(err, "decode message %s", message.ID)
	}
	return events, nil
}

// loadInitialMessageID returns the concrete stream id to read after: the
// newest entry, "0-0" for an empty stream, or an id built from a millisecond
// timestamp when an initial load offset is set. A literal "$" would be
// re-evaluated by every XREAD and drop entries added between two reads.
func (r *RedisMessageBroker) loadInitialMessageID(ctx context.Context) (string, error) {
	if r.initialLoadOffset > 0 {
		return strconv.FormatInt(time.Now().Add(-r.initialLoadOffset).UnixMilli(), 10), nil
	}

	last, err := r.client.XRevRangeN(ctx, r.stream, "+", "-", 1).Result()
	if err != nil {
		return "", errors.Wrapf(err, "read tail of %s", r.stream)
	}
	if len(last) == 0 {
		return "0-0", nil
	}
	return last[0].ID, nil
}

func (r *RedisMessageBroker) publish(ctx context.Context, events []RejectionEvent) error {
	payload, err := json.Marshal(events)
	if err != nil {
		return errors.Wrap(err, "encode rejection events")
	}

	args := &redis.XAddArgs{
		Stream: r.stream,
		Values: map[string]interface{}{"events": payload},
	}
	if r.maxStreamLen > 0 {
		args.MaxLen = r.maxStreamLen
		args.Approx = true
	}

	return errors.Wrapf(r.client.XAdd(ctx, args).Err(), "xadd %s", r.stream)
}

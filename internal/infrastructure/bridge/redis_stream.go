package bridge

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// recordField is the stream entry field holding the encoded envelope.
const recordField = "m"

// RedisStreams stores each space log in a Redis stream trimmed to roughly
// MaxLen entries.
type RedisStreams struct {
	client    redis.UniversalClient
	maxLen    int64
	block     time.Duration
	batch     int64
	ownClient bool
}

// RedisOptions tunes the Redis transport.
type RedisOptions struct {
	MaxLen int64
	Block  time.Duration
	Batch  int64
}

// NewRedisStreams wraps client. The transport does not close a client it
// did not create.
func NewRedisStreams(client redis.UniversalClient, opts RedisOptions) *RedisStreams {
	if opts.Block <= 0 {
		opts.Block = 5 * time.Second
	}
	if opts.Batch <= 0 {
		opts.Batch = 100
	}
	return &RedisStreams{client: client, maxLen: opts.MaxLen, block: opts.Block, batch: opts.Batch}
}

// DialRedisStreams connects to addr and verifies the connection.
func DialRedisStreams(ctx context.Context, redisOpts *redis.Options, opts RedisOptions) (*RedisStreams, error) {
	client := redis.NewClient(redisOpts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	t := NewRedisStreams(client, opts)
	t.ownClient = true
	return t, nil
}

func (t *RedisStreams) Append(ctx context.Context, stream string, data []byte) error {
	args := &redis.XAddArgs{
		Stream: stream,
		Values: map[string]any{recordField: data},
	}
	if t.maxLen > 0 {
		args.MaxLen = t.maxLen
		args.Approx = true
	}
	if err := t.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("xadd %s: %w", stream, err)
	}
	return nil
}

func (t *RedisStreams) Read(ctx context.Context, stream, cursor string) ([]Record, string, error) {
	if cursor == "" {
		cursor = "0"
	}
	res, err := t.client.XRead(ctx, &redis.XReadArgs{
		Streams: []string{stream, cursor},
		Count:   t.batch,
		Block:   t.block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, cursor, nil
	}
	if err != nil {
		return nil, cursor, fmt.Errorf("xread %s: %w", stream, err)
	}

	var records []Record
	for _, s := range res {
		for _, msg := range s.Messages {
			cursor = msg.ID
			raw, ok := msg.Values[recordField].(string)
			if !ok {
				continue
			}
			records = append(records, Record{ID: msg.ID, Data: []byte(raw)})
		}
	}
	return records, cursor, nil
}

func (t *RedisStreams) Tail(ctx context.Context, stream string) (string, error) {
	msgs, err := t.client.XRevRangeN(ctx, stream, "+", "-", 1).Result()
	if err != nil {
		return "", fmt.Errorf("xrevrange %s: %w", stream, err)
	}
	if len(msgs) == 0 {
		return "", nil
	}
	return msgs[0].ID, nil
}

func (t *RedisStreams) Ping(ctx context.Context) error {
	return t.client.Ping(ctx).Err()
}

// Release is a no-op: Redis reads are stateless on the client side.
func (t *RedisStreams) Release(string) {}

func (t *RedisStreams) Close() error {
	if !t.ownClient {
		return nil
	}
	return t.client.Close()
}

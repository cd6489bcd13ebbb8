package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const DefaultRedisKey = "noticed:batches"

// Redis keeps batches in a list: RPUSH to append, LPOP to claim.
// Ids come from an INCR counter stored next to the list.
type Redis struct {
	client *redis.Client
	key    string
}

// DialRedis connects using a redis:// url and checks the connection.
func DialRedis(ctx context.Context, url, key string) (*Redis, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opt)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return NewRedis(client, key), nil
}

func NewRedis(client *redis.Client, key string) *Redis {
	if key == "" {
		key = DefaultRedisKey
	}
	return &Redis{client: client, key: key}
}

func (r *Redis) Append(ctx context.Context, payload []byte) (int64, error) {
	id, err := r.client.Incr(ctx, r.key+":seq").Result()
	if err != nil {
		return 0, err
	}
	b, err := json.Marshal(envelope{ID: id, CreatedAt: time.Now().UTC(), Payload: payload})
	if err != nil {
		return 0, err
	}
	if err := r.client.RPush(ctx, r.key, b).Err(); err != nil {
		return 0, err
	}
	return id, nil
}

func (r *Redis) Claim(ctx context.Context) (Batch, error) {
	raw, err := r.client.LPop(ctx, r.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return Batch{}, ErrEmpty
	}
	if err != nil {
		return Batch{}, err
	}
	var e envelope
	if err := json.Unmarshal(raw, &e); err != nil {
		return Batch{}, fmt.Errorf("redis batch: %w", err)
	}
	return Batch{ID: e.ID, Payload: e.Payload, CreatedAt: e.CreatedAt}, nil
}

func (r *Redis) Len(ctx context.Context) (int, error) {
	n, err := r.client.LLen(ctx, r.key).Result()
	return int(n), err
}

func (r *Redis) Close() error { return r.client.Close() }

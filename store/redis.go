package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Redis is a Store backed by Redis sets and hashes.
type Redis struct {
	rdb    *redis.Client
	prefix string
}

// NewRedis wraps an existing client. Keys are namespaced under prefix.
func NewRedis(rdb *redis.Client, prefix string) *Redis {
	if prefix == "" {
		prefix = "chainmsg"
	}
	return &Redis{rdb: rdb, prefix: prefix}
}

// OpenRedis connects to addr and verifies the connection.
func OpenRedis(ctx context.Context, addr, password string, db int, prefix string) (*Redis, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return NewRedis(rdb, prefix), nil
}

func (r *Redis) key(owner, kind string) string {
	return fmt.Sprintf("%s:%s:%s", r.prefix, owner, kind)
}

func (r *Redis) members(ctx context.Context, key string) (map[string]struct{}, error) {
	ids, err := r.rdb.SMembers(ctx, key).Result()
	if err != nil {
		return nil, err
	}
	out := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		out[id] = struct{}{}
	}
	return out, nil
}

func (r *Redis) MarkDeleted(ctx context.Context, owner, id string) error {
	_, err := r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SAdd(ctx, r.key(owner, markDeleted), id)
		pipe.HDel(ctx, r.key(owner, "archive"), id)
		return nil
	})
	return err
}

func (r *Redis) DeletedIDs(ctx context.Context, owner string) (map[string]struct{}, error) {
	return r.members(ctx, r.key(owner, markDeleted))
}

func (r *Redis) MarkRead(ctx context.Context, owner, id string) error {
	return r.rdb.SAdd(ctx, r.key(owner, markRead), id).Err()
}

func (r *Redis) ReadIDs(ctx context.Context, owner string) (map[string]struct{}, error) {
	return r.members(ctx, r.key(owner, markRead))
}

func (r *Redis) Archive(ctx context.Context, owner string, rec Record) error {
	deleted, err := r.rdb.SIsMember(ctx, r.key(owner, markDeleted), rec.ID).Result()
	if err != nil {
		return err
	}
	if deleted {
		return nil
	}
	b, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return r.rdb.HSet(ctx, r.key(owner, "archive"), rec.ID, b).Err()
}

func (r *Redis) Archived(ctx context.Context, owner string) ([]Record, error) {
	vals, err := r.rdb.HGetAll(ctx, r.key(owner, "archive")).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Record, 0, len(vals))
	for _, v := range vals {
		var rec Record
		if err := json.Unmarshal([]byte(v), &rec); err != nil {
			return nil, fmt.Errorf("decode archived message: %w", err)
		}
		out = append(out, rec)
	}
	sortNewestFirst(out)
	return out, nil
}

func (r *Redis) Close() error {
	return r.rdb.Close()
}

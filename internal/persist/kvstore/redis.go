package kvstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/redis/go-redis/v9"
)

// RedisStore is a Store over a redis server. Every key is stored under a
// namespace prefix so several stores can share one server.
type RedisStore struct {
	Client    *redis.Client
	namespace string
}

var _ Store = (*RedisStore)(nil)

// OpenRedis connects to redisURL and checks the connection.
func OpenRedis(ctx context.Context, redisURL, namespace string) (*RedisStore, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	rdb := redis.NewClient(opt)
	if _, err := rdb.Ping(ctx).Result(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to reach redis: %w", err)
	}
	return NewRedisStore(rdb, namespace), nil
}

// NewRedisStore wraps an existing client.
func NewRedisStore(client *redis.Client, namespace string) *RedisStore {
	return &RedisStore{Client: client, namespace: namespace}
}

// Kind implements Store.
func (s *RedisStore) Kind() string { return "redis" }

func (s *RedisStore) key(k []byte) string {
	return s.namespace + string(k)
}

func (s *RedisStore) Get(ctx context.Context, key []byte) ([]byte, bool, error) {
	v, err := s.Client.Get(ctx, s.key(key)).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	} else if err != nil {
		return nil, false, err
	}
	return v, true, nil
}

// scanKeys returns every full redis key with the given store prefix, sorted.
func (s *RedisStore) scanKeys(ctx context.Context, prefix []byte) ([]string, error) {
	var keys []string
	iter := s.Client.Scan(ctx, 0, escapeGlob(s.key(prefix))+"*", 500).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("redis scan: %w", err)
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *RedisStore) Scan(ctx context.Context, prefix []byte, fn func(key, value []byte) error) error {
	keys, err := s.scanKeys(ctx, prefix)
	if err != nil {
		return err
	}
	const batch = 256
	for start := 0; start < len(keys); start += batch {
		end := min(start+batch, len(keys))
		vals, err := s.Client.MGet(ctx, keys[start:end]...).Result()
		if err != nil {
			return fmt.Errorf("redis mget: %w", err)
		}
		for i, v := range vals {
			str, ok := v.(string)
			if !ok {
				// deleted between SCAN and MGET
				continue
			}
			k := strings.TrimPrefix(keys[start+i], s.namespace)
			if err := fn([]byte(k), []byte(str)); err != nil {
				return err
			}
		}
	}
	return nil
}

// Apply runs ops in one MULTI/EXEC transaction. Prefix deletes are expanded
// to the matching keys before the transaction starts, including keys set
// earlier in the same batch.
func (s *RedisStore) Apply(ctx context.Context, ops []Op) error {
	expanded := make([][]string, len(ops))
	var pendingSets []string
	for i, op := range ops {
		switch op.Kind {
		case OpSet:
			pendingSets = append(pendingSets, s.key(op.Key))
		case OpDeletePrefix:
			keys, err := s.scanKeys(ctx, op.Key)
			if err != nil {
				return err
			}
			full := s.key(op.Key)
			for _, k := range pendingSets {
				if strings.HasPrefix(k, full) {
					keys = append(keys, k)
				}
			}
			expanded[i] = keys
		}
	}

	_, err := s.Client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, op := range ops {
			switch op.Kind {
			case OpSet:
				pipe.Set(ctx, s.key(op.Key), bytes.Clone(op.Value), 0)
			case OpDelete:
				pipe.Del(ctx, s.key(op.Key))
			case OpDeletePrefix:
				if len(expanded[i]) > 0 {
					pipe.Del(ctx, expanded[i]...)
				}
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis exec: %w", err)
	}
	return nil
}

// IsStorageFull reports redis out-of-memory rejections.
func (s *RedisStore) IsStorageFull(err error) bool {
	var rerr redis.Error
	if errors.As(err, &rerr) {
		return strings.HasPrefix(rerr.Error(), "OOM")
	}
	return false
}

func (s *RedisStore) Close() error {
	return s.Client.Close()
}

func escapeGlob(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '*', '?', '[', ']', '\\':
			b.WriteByte('\\')
		}
		b.WriteByte(s[i])
	}
	return b.String()
}

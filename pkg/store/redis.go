package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/redis/go-redis/v9"

	"github.com/Mindburn-Labs/mcphost/pkg/trust"
)

// RedisStore keeps each record set in one hash, one JSON field per record.
// Saves replace the hash inside MULTI/EXEC so readers never observe a
// partial set.
type RedisStore struct {
	client *redis.Client
	prefix string
}

var _ trust.Persistence = (*RedisStore)(nil)

// NewRedisStore creates a store backed by Redis.
func NewRedisStore(addr, password string, db int, prefix string) *RedisStore {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return NewRedisStoreFromClient(rdb, prefix)
}

// NewRedisStoreFromClient wraps an existing client.
func NewRedisStoreFromClient(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "mcphost:trust"
	}
	return &RedisStore{client: client, prefix: prefix}
}

// Ping checks connectivity.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close releases the client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) certificatesKey() string { return s.prefix + ":certificates" }
func (s *RedisStore) authoritiesKey() string  { return s.prefix + ":authorities" }

func (s *RedisStore) LoadCertificates(ctx context.Context) ([]trust.Certificate, error) {
	certs, err := loadHash[trust.Certificate](ctx, s.client, s.certificatesKey())
	if err != nil {
		return nil, err
	}
	sort.Slice(certs, func(i, j int) bool { return certs[i].ServerID < certs[j].ServerID })
	return certs, nil
}

func (s *RedisStore) SaveCertificates(ctx context.Context, certs []trust.Certificate) error {
	fields := make(map[string]any, len(certs))
	for _, c := range certs {
		b, err := json.Marshal(c)
		if err != nil {
			return err
		}
		fields[c.ServerID] = b
	}
	return s.replaceHash(ctx, s.certificatesKey(), fields)
}

func (s *RedisStore) LoadAuthorities(ctx context.Context) ([]trust.Authority, error) {
	auths, err := loadHash[trust.Authority](ctx, s.client, s.authoritiesKey())
	if err != nil {
		return nil, err
	}
	sort.Slice(auths, func(i, j int) bool { return auths[i].Fingerprint < auths[j].Fingerprint })
	return auths, nil
}

func (s *RedisStore) SaveAuthorities(ctx context.Context, authorities []trust.Authority) error {
	fields := make(map[string]any, len(authorities))
	for _, a := range authorities {
		b, err := json.Marshal(a)
		if err != nil {
			return err
		}
		fields[a.Fingerprint] = b
	}
	return s.replaceHash(ctx, s.authoritiesKey(), fields)
}

func (s *RedisStore) replaceHash(ctx context.Context, key string, fields map[string]any) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key)
		if len(fields) > 0 {
			pipe.HSet(ctx, key, fields)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis replace %s: %w", key, err)
	}
	return nil
}

func loadHash[T any](ctx context.Context, client *redis.Client, key string) ([]T, error) {
	raw, err := client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("redis load %s: %w", key, err)
	}
	out := make([]T, 0, len(raw))
	for field, value := range raw {
		var rec T
		if err := json.Unmarshal([]byte(value), &rec); err != nil {
			return nil, fmt.Errorf("redis decode %s[%s]: %w", key, field, err)
		}
		out = append(out, rec)
	}
	return out, nil
}

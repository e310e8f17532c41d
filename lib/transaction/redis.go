/*
Copyright 2024 Gravitational, Inc.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package transaction

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gravitational/trace"
	"github.com/redis/go-redis/v9"

	"github.com/gravitational/u2fval/lib/defaults"
)

// RedisConfig holds parameters of the Redis-backed transaction store.
type RedisConfig struct {
	// Addrs lists the Redis servers to connect to.
	Addrs []string
	// TTL is how long a pending ceremony stays valid.
	TTL time.Duration
	// MaxPerUser caps the number of pending ceremonies per user.
	MaxPerUser int
}

// CheckAndSetDefaults validates the configuration.
func (c *RedisConfig) CheckAndSetDefaults() error {
	if len(c.Addrs) == 0 {
		return trace.BadParameter("missing Addrs")
	}
	if c.TTL == 0 {
		c.TTL = defaults.TransactionTTL
	}
	if c.MaxPerUser == 0 {
		c.MaxPerUser = defaults.MaxTransactions
	}
	return nil
}

// RedisStore keeps pending ceremonies in Redis. Each user owns a list of
// live transaction IDs plus one body key per transaction; expiry is
// delegated to Redis key TTLs.
type RedisStore struct {
	client     redis.UniversalClient
	ttl        time.Duration
	maxPerUser int
}

// NewRedisStore creates a Redis-backed transaction store.
func NewRedisStore(cfg RedisConfig) (*RedisStore, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	client := redis.NewUniversalClient(&redis.UniversalOptions{Addrs: cfg.Addrs})
	return &RedisStore{
		client:     client,
		ttl:        cfg.TTL,
		maxPerUser: cfg.MaxPerUser,
	}, nil
}

// Close releases the Redis connections.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func userKey(clientID int64, user string) string {
	return fmt.Sprintf("%d/%s", clientID, user)
}

func bodyKey(listKey, transactionID string) string {
	return listKey + "_" + transactionID
}

// Store implements Store.
func (s *RedisStore) Store(ctx context.Context, clientID int64, user string, challenge, data []byte) error {
	listKey := userKey(clientID, user)
	transactionID := ID(challenge)

	// Evict the oldest transactions until the new one fits. Body keys of
	// already expired entries may be gone; deleting them is a no-op.
	for {
		n, err := s.client.LLen(ctx, listKey).Result()
		if err != nil {
			return trace.Wrap(err)
		}
		if n < int64(s.maxPerUser) {
			break
		}
		oldest, err := s.client.LPop(ctx, listKey).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				break
			}
			return trace.Wrap(err)
		}
		if err := s.client.Del(ctx, bodyKey(listKey, oldest)).Err(); err != nil {
			return trace.Wrap(err)
		}
	}

	if err := s.client.RPush(ctx, listKey, transactionID).Err(); err != nil {
		return trace.Wrap(err)
	}
	if err := s.client.Expire(ctx, listKey, s.ttl).Err(); err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(s.client.Set(ctx, bodyKey(listKey, transactionID), data, s.ttl).Err())
}

// Retrieve implements Store.
func (s *RedisStore) Retrieve(ctx context.Context, clientID int64, user, transactionID string) ([]byte, error) {
	listKey := userKey(clientID, user)
	key := bodyKey(listKey, transactionID)
	data, err := s.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, trace.NotFound("transaction %v not found", transactionID)
		}
		return nil, trace.Wrap(err)
	}
	if err := s.client.LRem(ctx, listKey, 1, transactionID).Err(); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return nil, trace.Wrap(err)
	}
	return data, nil
}

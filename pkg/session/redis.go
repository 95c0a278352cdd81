package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/redis/go-redis/v9"
)

// RedisGrantStore backs the Store interface with Redis, letting the
// session grant cache be shared across multiple orchestrator processes
// (spec §9 SUPPLEMENTED FEATURES) instead of being confined to one core's
// memory. Every grant is stored as a JSON value under a single hash keyed
// by grant id, so All() is one HGETALL.
type RedisGrantStore struct {
	client  *redis.Client
	hashKey string
	ctx     context.Context
}

// NewRedisGrantStore wraps an existing client. hashKey namespaces the
// grants (e.g. "overwatch:session:grants") so multiple Overwatch
// deployments can share a Redis instance.
func NewRedisGrantStore(client *redis.Client, hashKey string) *RedisGrantStore {
	return &RedisGrantStore{client: client, hashKey: hashKey, ctx: context.Background()}
}

func (s *RedisGrantStore) Insert(g Grant) error {
	data, err := json.Marshal(g)
	if err != nil {
		return fmt.Errorf("session: marshal grant: %w", err)
	}
	return s.client.HSet(s.ctx, s.hashKey, g.ID, data).Err()
}

func (s *RedisGrantStore) Update(g Grant) error {
	return s.Insert(g)
}

func (s *RedisGrantStore) Delete(id string) error {
	return s.client.HDel(s.ctx, s.hashKey, id).Err()
}

func (s *RedisGrantStore) Get(id string) (Grant, bool, error) {
	data, err := s.client.HGet(s.ctx, s.hashKey, id).Bytes()
	if err == redis.Nil {
		return Grant{}, false, nil
	}
	if err != nil {
		return Grant{}, false, fmt.Errorf("session: get grant: %w", err)
	}
	var g Grant
	if err := json.Unmarshal(data, &g); err != nil {
		return Grant{}, false, fmt.Errorf("session: unmarshal grant: %w", err)
	}
	return g, true, nil
}

// All returns every grant ordered by CreatedAt descending, matching
// MemoryStore.All() and the SQLite store's "ORDER BY created_at DESC" so
// Cache.Check's most-recent-first match semantics hold regardless of
// backend. HGETALL itself carries no order.
func (s *RedisGrantStore) All() ([]Grant, error) {
	raw, err := s.client.HGetAll(s.ctx, s.hashKey).Result()
	if err != nil {
		return nil, fmt.Errorf("session: list grants: %w", err)
	}
	out := make([]Grant, 0, len(raw))
	for _, data := range raw {
		var g Grant
		if err := json.Unmarshal([]byte(data), &g); err != nil {
			continue
		}
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

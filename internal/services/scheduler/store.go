package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/agrinet/ruleworker/internal/model"
)

const compensationPrefix = "rule:compensation:"

// RedisStore persists pending compensations in the same Redis backing
// the cooldown ledger, keyed by compensation id.
type RedisStore struct {
	client  *redis.Client
	timeout time.Duration
}

func NewRedisStore(client *redis.Client, timeout time.Duration) *RedisStore {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &RedisStore{client: client, timeout: timeout}
}

func (s *RedisStore) Save(ctx context.Context, c model.Compensation) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	b, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("compensation marshal: %w", err)
	}
	if err := s.client.Set(ctx, compensationPrefix+c.ID, b, 0).Err(); err != nil {
		return fmt.Errorf("compensation save %s: %w", c.ID, err)
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, id string) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if err := s.client.Del(ctx, compensationPrefix+id).Err(); err != nil {
		return fmt.Errorf("compensation delete %s: %w", id, err)
	}
	return nil
}

func (s *RedisStore) List(ctx context.Context) ([]model.Compensation, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var out []model.Compensation
	iter := s.client.Scan(ctx, 0, compensationPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		raw, err := s.client.Get(ctx, iter.Val()).Bytes()
		if err != nil {
			if err == redis.Nil {
				continue
			}
			return nil, fmt.Errorf("compensation list: %w", err)
		}
		var c model.Compensation
		if err := json.Unmarshal(raw, &c); err != nil {
			// a corrupt entry must not block restore of the others
			continue
		}
		out = append(out, c)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("compensation list: %w", err)
	}
	return out, nil
}

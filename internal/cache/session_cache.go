package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"pairquiz/internal/model"
)

// SessionCache keeps a JSON snapshot of each live session in Redis so a
// rejoining client can be served without a durable-store round trip. The
// coordinator refreshes the snapshot on every mutation and deletes it when a
// session reaches a terminal state or is evicted.
type SessionCache interface {
	Set(ctx context.Context, session *model.Session) error
	Get(ctx context.Context, id string) (*model.Session, error)
	Delete(ctx context.Context, id string) error
}

type sessionCache struct {
	client *redis.Client
	ttl    time.Duration
}

func NewSessionCache(client *redis.Client, ttl time.Duration) SessionCache {
	return &sessionCache{
		client: client,
		ttl:    ttl,
	}
}

func (c *sessionCache) key(id string) string {
	return "pairquiz:session:" + id
}

func (c *sessionCache) Set(ctx context.Context, session *model.Session) error {
	data, err := json.Marshal(session)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, c.key(session.ID), data, c.ttl).Err()
}

// Get returns nil, nil on a cache miss.
func (c *sessionCache) Get(ctx context.Context, id string) (*model.Session, error) {
	data, err := c.client.Get(ctx, c.key(id)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var session model.Session
	if err := json.Unmarshal([]byte(data), &session); err != nil {
		return nil, err
	}
	return &session, nil
}

func (c *sessionCache) Delete(ctx context.Context, id string) error {
	return c.client.Del(ctx, c.key(id)).Err()
}

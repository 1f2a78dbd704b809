package kueri

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrStateNotFound is returned by a StatePersister when nothing is stored
// under the requested name.
var ErrStateNotFound = errors.New("kueri: dehydrated state not found")

// StatePersister stores dehydrated states between a prefetching process and
// the processes that hydrate them.
type StatePersister interface {
	Save(ctx context.Context, name string, state *DehydratedState, ttl time.Duration) error
	Load(ctx context.Context, name string) (*DehydratedState, error)
	Delete(ctx context.Context, name string) error
}

// RedisClient is the subset of the go-redis API used by RedisPersister.
// *redis.Client, *redis.ClusterClient and redis.UniversalClient satisfy it.
type RedisClient interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// RedisPersister keeps dehydrated states in Redis as JSON strings.
type RedisPersister struct {
	client RedisClient
	prefix string
}

// NewRedisPersister returns a persister writing under prefix (for example
// "kueri:state:").
func NewRedisPersister(client RedisClient, prefix string) *RedisPersister {
	return &RedisPersister{client: client, prefix: prefix}
}

func (p *RedisPersister) key(name string) string {
	return p.prefix + name
}

// Save stores state under name for ttl. A zero ttl keeps it until deleted.
func (p *RedisPersister) Save(ctx context.Context, name string, state *DehydratedState, ttl time.Duration) error {
	data, err := EncodeState(state)
	if err != nil {
		return fmt.Errorf("encode state %s: %w", name, err)
	}
	if err := p.client.Set(ctx, p.key(name), data, ttl).Err(); err != nil {
		return fmt.Errorf("save state %s: %w", name, err)
	}
	return nil
}

// Load reads the state stored under name.
func (p *RedisPersister) Load(ctx context.Context, name string) (*DehydratedState, error) {
	data, err := p.client.Get(ctx, p.key(name)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrStateNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load state %s: %w", name, err)
	}
	return DecodeState(data)
}

// Delete removes the state stored under name.
func (p *RedisPersister) Delete(ctx context.Context, name string) error {
	if err := p.client.Del(ctx, p.key(name)).Err(); err != nil {
		return fmt.Errorf("delete state %s: %w", name, err)
	}
	return nil
}

// PrefetchAndSave prefetches items and saves the resulting state under name.
func (c *Client) PrefetchAndSave(ctx context.Context, persister StatePersister, name string, ttl time.Duration, items ...PrefetchItem) (*DehydratedState, error) {
	state, err := c.Prefetch(ctx, items...)
	if err != nil {
		return nil, err
	}
	if err := persister.Save(ctx, name, state, ttl); err != nil {
		return nil, err
	}
	return state, nil
}

// LoadAndHydrate loads the state saved under name and hydrates it.
func (c *Client) LoadAndHydrate(ctx context.Context, persister StatePersister, name string) (int, error) {
	state, err := persister.Load(ctx, name)
	if err != nil {
		return 0, err
	}
	return c.Hydrate(state)
}

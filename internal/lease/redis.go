package lease

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Renew only extends a key this holder still owns.
var renewScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
end
return 0
`)

var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// Redis is a lease shared across replicas through a single Redis key.
type Redis struct {
	client redis.UniversalClient
	key    string
	token  string
}

// NewRedis creates a contender for key. Each replica creates its own; the
// random token identifies the holder.
func NewRedis(client redis.UniversalClient, key string) *Redis {
	return &Redis{client: client, key: "lease:" + key, token: uuid.NewString()}
}

// Dial connects to the Redis server at url (redis://...).
func Dial(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

// Acquire renews the lease when held, otherwise tries to take it.
func (r *Redis) Acquire(ctx context.Context, ttl time.Duration) (bool, error) {
	renewed, err := renewScript.Run(ctx, r.client, []string{r.key}, r.token, ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("renew lease: %w", err)
	}
	if renewed == 1 {
		return true, nil
	}
	ok, err := r.client.SetNX(ctx, r.key, r.token, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire lease: %w", err)
	}
	return ok, nil
}

// Release deletes the key if this contender still holds it.
func (r *Redis) Release(ctx context.Context) error {
	if err := releaseScript.Run(ctx, r.client, []string{r.key}, r.token).Err(); err != nil {
		return fmt.Errorf("release lease: %w", err)
	}
	return nil
}

// Package lease gives one process at a time the right to run a projection.
//
// Leases are an optimisation against duplicate work. Correctness does not
// depend on them: the tracking row lock and the conditional cursor commit
// already stop two processes from applying the same batch.
package lease

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// renewScript extends the TTL only if the caller still owns the key.
var renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// releaseScript deletes the key only if the caller still owns it.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Redis holds leases as keys with a TTL. A process that stops renewing loses
// its leases once the TTL passes.
type Redis struct {
	client *redis.Client
	owner  string
	ttl    time.Duration
	prefix string
}

// NewRedis creates a lease manager. An empty owner gets a random id.
func NewRedis(client *redis.Client, owner string, ttl time.Duration) *Redis {
	if owner == "" {
		owner = uuid.NewString()
	}
	return &Redis{
		client: client,
		owner:  owner,
		ttl:    ttl,
		prefix: "projector:lease:",
	}
}

// Owner returns this process's owner id.
func (r *Redis) Owner() string { return r.owner }

func (r *Redis) key(name string) string { return r.prefix + name }

// Acquire takes or renews the lease on name.
func (r *Redis) Acquire(ctx context.Context, name string) (bool, error) {
	key := r.key(name)

	ok, err := r.client.SetNX(ctx, key, r.owner, r.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire lease %s: %w", name, err)
	}
	if ok {
		return true, nil
	}

	renewed, err := renewScript.Run(ctx, r.client, []string{key}, r.owner, r.ttl.Milliseconds()).Int64()
	if err != nil && !errors.Is(err, redis.Nil) {
		return false, fmt.Errorf("failed to renew lease %s: %w", name, err)
	}
	return renewed == 1, nil
}

// Release gives up the lease on name if this process holds it.
func (r *Redis) Release(ctx context.Context, name string) error {
	if err := releaseScript.Run(ctx, r.client, []string{r.key(name)}, r.owner).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("failed to release lease %s: %w", name, err)
	}
	return nil
}

// Holder returns the current owner of name, or "" if nobody holds it.
func (r *Redis) Holder(ctx context.Context, name string) (string, error) {
	owner, err := r.client.Get(ctx, r.key(name)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read lease %s: %w", name, err)
	}
	return owner, nil
}

package guard

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the key only while it still holds our token, so an
// expired lease never releases a newer holder.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Redis is a distributed guard for orchestrators running on several
// instances. The TTL bounds how long a crashed holder can wedge a key.
type Redis struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedis creates a redis-backed guard
func NewRedis(client *redis.Client, ttl time.Duration) *Redis {
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &Redis{client: client, prefix: "labforge:lease:", ttl: ttl}
}

// TryAcquire sets the lease key if absent; it never waits
func (r *Redis) TryAcquire(ctx context.Context, key string) (Lease, error) {
	token := uuid.New().String()
	ok, err := r.client.SetNX(ctx, r.prefix+key, token, r.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lease: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("%w for %s", ErrAlreadyInProgress, key)
	}
	return &redisLease{client: r.client, key: r.prefix + key, token: token}, nil
}

type redisLease struct {
	client *redis.Client
	key    string
	token  string
	once   sync.Once
}

func (l *redisLease) Release(ctx context.Context) error {
	var err error
	l.once.Do(func() {
		err = releaseScript.Run(ctx, l.client, []string{l.key}, l.token).Err()
	})
	if err != nil {
		return fmt.Errorf("failed to release lease: %w", err)
	}
	return nil
}

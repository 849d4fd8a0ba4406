package lease

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/instagram-autoposter/internal/config"
	"github.com/instagram-autoposter/pkg/logger"
)

// renewScript extends the lease only while we still own it
var renewScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// releaseScript deletes the lease only while we still own it
var releaseScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Lease is a Redis-backed leadership lease. Only one process holds a key at a time;
// the holder must re-acquire before the TTL lapses.
type Lease struct {
	client goredis.UniversalClient
	key    string
	owner  string
	ttl    time.Duration
	log    *logger.Logger

	mu   sync.Mutex
	held bool
}

// New creates a lease on key owned by a fresh random identity
func New(client goredis.UniversalClient, key string, ttl time.Duration, log *logger.Logger) *Lease {
	if ttl <= 0 {
		ttl = 90 * time.Second
	}
	return &Lease{
		client: client,
		key:    key,
		owner:  uuid.NewString(),
		ttl:    ttl,
		log:    log.WithComponent("lease"),
	}
}

// Connect dials Redis for the configured lease
func Connect(ctx context.Context, cfg config.LeaseConfig) (goredis.UniversalClient, error) {
	client := goredis.NewUniversalClient(&goredis.UniversalOptions{
		Addrs:       []string{cfg.RedisAddr},
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: 5 * time.Second,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

// Acquire renews the lease if held, otherwise tries to take it. It reports
// whether this process is the holder afterwards.
func (l *Lease) Acquire(ctx context.Context) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.held {
		n, err := renewScript.Run(ctx, l.client, []string{l.key}, l.owner, l.ttl.Milliseconds()).Int64()
		if err != nil {
			return false, fmt.Errorf("renew lease %s: %w", l.key, err)
		}
		if n == 1 {
			return true, nil
		}
		l.held = false
		l.log.Warn().Str("key", l.key).Msg("Lease lost")
	}

	ok, err := l.client.SetNX(ctx, l.key, l.owner, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire lease %s: %w", l.key, err)
	}
	if ok {
		l.held = true
		l.log.Info().Str("key", l.key).Dur("ttl", l.ttl).Msg("Lease acquired")
	}
	return ok, nil
}

// Release gives up the lease if held
func (l *Lease) Release(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.held {
		return nil
	}
	l.held = false
	if err := releaseScript.Run(ctx, l.client, []string{l.key}, l.owner).Err(); err != nil && !errors.Is(err, goredis.Nil) {
		return fmt.Errorf("release lease %s: %w", l.key, err)
	}
	return nil
}

// Held reports whether this process believes it holds the lease
func (l *Lease) Held() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.held
}

// Holder returns the current owner identity stored in Redis, or "" when free
func (l *Lease) Holder(ctx context.Context) (string, error) {
	owner, err := l.client.Get(ctx, l.key).Result()
	if errors.Is(err, goredis.Nil) {
		return "", nil
	}
	return owner, err
}

// Owner returns this process's lease identity
func (l *Lease) Owner() string {
	return l.owner
}

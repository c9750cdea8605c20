package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
)

const (
	defaultRedisTTL  = 15 * time.Minute
	defaultRedisPoll = 250 * time.Millisecond
	redisOpTimeout   = 2 * time.Second
)

// releaseScript deletes the key only while it still carries our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// renewScript extends the key's expiry only while it still carries our token.
var renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// Redis is a lock shared by every agent pointed at the same Redis, for
// replicas that mount one repositories volume.
type Redis struct {
	client *redis.Client
	logger *slog.Logger
	prefix string
	ttl    time.Duration
	poll   time.Duration
}

// NewRedis connects to addr and verifies the server answers. ttl bounds how
// long a crashed holder can keep a key; a live holder renews it every ttl/3
// until release.
func NewRedis(addr, password string, db int, ttl time.Duration, logger *slog.Logger) (*Redis, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}
	return newRedis(client, ttl, logger), nil
}

func newRedis(client *redis.Client, ttl time.Duration, logger *slog.Logger) *Redis {
	if ttl <= 0 {
		ttl = defaultRedisTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Redis{
		client: client,
		logger: logger,
		prefix: "autodeploy:lock:",
		ttl:    ttl,
		poll:   defaultRedisPoll,
	}
}

// Client exposes the underlying connection so other components can share it.
func (r *Redis) Client() *redis.Client {
	return r.client
}

// Acquire implements Locker by polling SET NX until it wins or ctx ends.
func (r *Redis) Acquire(ctx context.Context, key string) (func(), error) {
	redisKey := r.prefix + key
	token := uuid.NewString()
	ticker := time.NewTicker(r.poll)
	defer ticker.Stop()
	for {
		ok, err := r.client.SetNX(ctx, redisKey, token, r.ttl).Result()
		if err != nil && ctx.Err() == nil {
			return nil, fmt.Errorf("redis lock %s: %w", key, err)
		}
		if ok {
			renewCtx, stopRenew := context.WithCancel(context.Background())
			go r.keepAlive(renewCtx, redisKey, token)
			return r.releaser(redisKey, token, stopRenew), nil
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %s: %v", ErrLockTimeout, key, ctx.Err())
		case <-ticker.C:
		}
	}
}

func (r *Redis) releaser(redisKey, token string, stopRenew context.CancelFunc) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			stopRenew()
			r.release(redisKey, token)
		})
	}
}

// keepAlive pushes the key's expiry forward while the lock is held, so a
// deploy that outlives ttl keeps other agents out.
func (r *Redis) keepAlive(ctx context.Context, redisKey, token string) {
	ticker := time.NewTicker(max(r.ttl/3, 10*time.Millisecond))
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		opCtx, cancel := context.WithTimeout(ctx, redisOpTimeout)
		renewed, err := renewScript.Run(opCtx, r.client, []string{redisKey}, token, r.ttl.Milliseconds()).Int()
		cancel()
		switch {
		case ctx.Err() != nil:
			return
		case err != nil:
			r.logger.Warn("redis lock renewal failed", "key", redisKey, "error", err)
		case renewed == 0:
			r.logger.Error("redis lock lost before release", "key", redisKey)
			return
		}
	}
}

func (r *Redis) release(redisKey, token string) {
	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()
	if err := releaseScript.Run(ctx, r.client, []string{redisKey}, token).Err(); err != nil && !errors.Is(err, redis.Nil) {
		r.logger.Error("redis lock release failed", "key", redisKey, "error", err)
	}
}

// Close releases the connection.
func (r *Redis) Close() error {
	if r.client == nil {
		return nil
	}
	return r.client.Close()
}

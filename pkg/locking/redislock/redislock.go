// Package redislock implements locking.Locker against Redis, using
// SET NX PX for acquisition and a Lua script for compare-and-delete
// release/renew so a holder can never clobber a lock it no longer owns.
package redislock

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"chronos/pkg/locking"
)

// releaseScript deletes the key only if its value still matches the
// caller's token — the atomic compare-and-delete that makes Release
// safe against a lock that already expired and was re-acquired by
// someone else.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end
`)

// renewScript extends the key's TTL only if its value still matches.
var renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
else
	return 0
end
`)

// Locker is a Redis-backed locking.Locker.
type Locker struct {
	client *redis.Client
	prefix string
}

// New connects to addr and returns a Locker keying locks under
// "locks:<prefix><name>".
func New(addr, prefix string) (*Locker, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return &Locker{client: client, prefix: prefix}, nil
}

func (l *Locker) key(name string) string {
	return "locks:" + l.prefix + name
}

func (l *Locker) Acquire(ctx context.Context, name string, ttl time.Duration) (string, bool, error) {
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, l.key(name), token, ttl).Result()
	if err != nil {
		return "", false, fmt.Errorf("failed to acquire lock %q: %w", name, err)
	}
	if !ok {
		return "", false, nil
	}
	return token, true, nil
}

func (l *Locker) Renew(ctx context.Context, name, token string, ttl time.Duration) error {
	res, err := renewScript.Run(ctx, l.client, []string{l.key(name)}, token, ttl.Milliseconds()).Int64()
	if err != nil {
		return fmt.Errorf("failed to renew lock %q: %w", name, err)
	}
	if res == 0 {
		return locking.ErrNotHeld
	}
	return nil
}

func (l *Locker) Release(ctx context.Context, name, token string) error {
	res, err := releaseScript.Run(ctx, l.client, []string{l.key(name)}, token).Int64()
	if err != nil {
		return fmt.Errorf("failed to release lock %q: %w", name, err)
	}
	if res == 0 {
		return locking.ErrNotHeld
	}
	return nil
}

func (l *Locker) Close() error {
	return l.client.Close()
}

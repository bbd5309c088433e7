// Package locking defines the Lock Manager contract used for
// coordination that spans beyond a single job row — named mutexes
// protecting a shared external resource. The election that picks which
// worker runs the stale-recovery sweep lives in pkg/coordination, not
// here. Two backends
// satisfy Locker: pkg/locking/redislock (SET NX PX, primary) and
// pkg/locking/etcdlock (concurrency.Mutex, alternate).
package locking

import (
	"context"
	"errors"
	"time"
)

// ErrNotHeld is returned by Release or Renew when the caller's token no
// longer matches the current holder — the lock expired and was taken by
// someone else.
var ErrNotHeld = errors.New("lock not held by this token")

// Locker acquires, renews and releases named, TTL-bound distributed
// locks. A held lock is identified by an opaque token the holder must
// present to Renew or Release; this, not the caller's identity alone,
// guards against a worker trying to release a lock it already lost to
// expiry.
type Locker interface {
	// Acquire attempts to take the named lock for ttl. ok is false if
	// another holder currently has it.
	Acquire(ctx context.Context, name string, ttl time.Duration) (token string, ok bool, err error)

	// Renew extends a held lock's TTL. Returns ErrNotHeld if token no
	// longer matches the current holder.
	Renew(ctx context.Context, name, token string, ttl time.Duration) error

	// Release gives up a held lock early. Returns ErrNotHeld if token no
	// longer matches the current holder.
	Release(ctx context.Context, name, token string) error

	Close() error
}

// WithLock acquires name, runs fn, and releases it afterward regardless
// of fn's outcome. Returns false if the lock could not be acquired.
func WithLock(ctx context.Context, l Locker, name string, ttl time.Duration, fn func(ctx context.Context) error) (bool, error) {
	token, ok, err := l.Acquire(ctx, name, ttl)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	defer l.Release(ctx, name, token)
	return true, fn(ctx)
}

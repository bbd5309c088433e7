// Package etcdlock implements locking.Locker against etcd, using a
// concurrency.Session (lease-backed, auto-renewed by etcd's client
// keepalive) and a concurrency.Mutex per held lock. It is the alternate
// backend behind pkg/locking for deployments that already run etcd for
// the stale-recovery leader election rather than add Redis.
package etcdlock

import (
	"context"
	"fmt"
	"sync"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"

	"chronos/pkg/locking"
)

// Locker is an etcd-backed locking.Locker. Each acquired lock owns its
// own Session (hence its own lease), so ttl is honored per-lock rather
// than shared across a single connection-wide session.
type Locker struct {
	client *clientv3.Client
	prefix string

	mu      sync.Mutex
	held    map[string]*heldLock // token -> held lock
}

type heldLock struct {
	name    string
	session *concurrency.Session
	mutex   *concurrency.Mutex
}

func New(endpoints []string, prefix string) (*Locker, error) {
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to etcd: %w", err)
	}
	return &Locker{client: cli, prefix: prefix, held: make(map[string]*heldLock)}, nil
}

func (l *Locker) key(name string) string {
	return "/locks/" + l.prefix + name
}

// Acquire opens a dedicated session with a lease TTL derived from ttl,
// then attempts a non-blocking TryLock. On failure, the session is
// closed immediately so its lease doesn't linger.
func (l *Locker) Acquire(ctx context.Context, name string, ttl time.Duration) (string, bool, error) {
	secs := int(ttl.Seconds())
	if secs < 1 {
		secs = 1
	}
	sess, err := concurrency.NewSession(l.client, concurrency.WithTTL(secs))
	if err != nil {
		return "", false, fmt.Errorf("failed to open etcd session for lock %q: %w", name, err)
	}

	mtx := concurrency.NewMutex(sess, l.key(name))
	if err := mtx.TryLock(ctx); err != nil {
		sess.Close()
		if err == concurrency.ErrLocked {
			return "", false, nil
		}
		return "", false, fmt.Errorf("failed to acquire lock %q: %w", name, err)
	}

	token := sess.Lease().String()
	l.mu.Lock()
	l.held[token] = &heldLock{name: name, session: sess, mutex: mtx}
	l.mu.Unlock()

	return token, true, nil
}

// Renew is a no-op beyond verifying the token is still held: etcd's
// client keeps the underlying lease alive via background keepalive for
// as long as the session is open.
func (l *Locker) Renew(ctx context.Context, name, token string, ttl time.Duration) error {
	l.mu.Lock()
	hl, ok := l.held[token]
	l.mu.Unlock()
	if !ok || hl.name != name {
		return locking.ErrNotHeld
	}
	return nil
}

func (l *Locker) Release(ctx context.Context, name, token string) error {
	l.mu.Lock()
	hl, ok := l.held[token]
	if ok {
		delete(l.held, token)
	}
	l.mu.Unlock()
	if !ok || hl.name != name {
		return locking.ErrNotHeld
	}
	if err := hl.mutex.Unlock(ctx); err != nil {
		hl.session.Close()
		return fmt.Errorf("failed to release lock %q: %w", name, err)
	}
	return hl.session.Close()
}

func (l *Locker) Close() error {
	return l.client.Close()
}

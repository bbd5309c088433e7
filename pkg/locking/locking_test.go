package locking

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memLocker is a minimal in-process Locker for exercising WithLock's
// acquire/run/release sequencing without a real Redis or etcd backend.
type memLocker struct {
	mu      sync.Mutex
	holders map[string]string // name -> token
	seq     int
}

func newMemLocker() *memLocker {
	return &memLocker{holders: make(map[string]string)}
}

func (l *memLocker) Acquire(ctx context.Context, name string, ttl time.Duration) (string, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, held := l.holders[name]; held {
		return "", false, nil
	}
	l.seq++
	token := string(rune('a' + l.seq))
	l.holders[name] = token
	return token, true, nil
}

func (l *memLocker) Renew(ctx context.Context, name, token string, ttl time.Duration) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.holders[name] != token {
		return ErrNotHeld
	}
	return nil
}

func (l *memLocker) Release(ctx context.Context, name, token string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.holders[name] != token {
		return ErrNotHeld
	}
	delete(l.holders, name)
	return nil
}

func (l *memLocker) Close() error { return nil }

func TestWithLock_RunsFnAndReleases(t *testing.T) {
	l := newMemLocker()
	ran := false

	ok, err := WithLock(context.Background(), l, "sweep", time.Second, func(ctx context.Context) error {
		ran = true
		return nil
	})

	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, ran)

	_, held := l.holders["sweep"]
	assert.False(t, held, "lock must be released after fn returns")
}

func TestWithLock_SkipsFnWhenAlreadyHeld(t *testing.T) {
	l := newMemLocker()
	_, ok, err := l.Acquire(context.Background(), "sweep", time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	ran := false
	ok, err = WithLock(context.Background(), l, "sweep", time.Second, func(ctx context.Context) error {
		ran = true
		return nil
	})

	require.NoError(t, err)
	assert.False(t, ok)
	assert.False(t, ran, "fn must not run when the lock is already held")
}

func TestWithLock_ReleasesEvenWhenFnFails(t *testing.T) {
	l := newMemLocker()
	fnErr := errors.New("boom")

	ok, err := WithLock(context.Background(), l, "sweep", time.Second, func(ctx context.Context) error {
		return fnErr
	})

	assert.True(t, ok)
	assert.ErrorIs(t, err, fnErr)

	_, held := l.holders["sweep"]
	assert.False(t, held, "lock must be released even when fn returns an error")
}

func TestRenewRelease_ErrNotHeldAfterTokenMismatch(t *testing.T) {
	l := newMemLocker()
	_, ok, err := l.Acquire(context.Background(), "sweep", time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	err = l.Renew(context.Background(), "sweep", "wrong-token", time.Second)
	assert.ErrorIs(t, err, ErrNotHeld)

	err = l.Release(context.Background(), "sweep", "wrong-token")
	assert.ErrorIs(t, err, ErrNotHeld)
}

package distributed

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	// ErrLockTimeout is returned when the lock could not be taken in time.
	ErrLockTimeout = errors.New("lock acquisition timeout")
	// ErrLockNotHeld is returned when unlocking a lock owned by someone else.
	ErrLockNotHeld = errors.New("lock was not held by this holder")
)

var unlockScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("del", KEYS[1])
	else
		return 0
	end
`)

var renewScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("pexpire", KEYS[1], ARGV[2])
	else
		return 0
	end
`)

// Lock is a single-holder redis lock (SET NX PX) renewed at half its TTL
// while held.
type Lock struct {
	client redis.Cmdable
	key    string
	value  string
	ttl    time.Duration

	mu        sync.Mutex
	stopRenew chan struct{}
}

// NewLock creates a lock handle; nothing is acquired until Lock or TryLock.
func NewLock(client redis.Cmdable, key string, ttl time.Duration) *Lock {
	return &Lock{
		client: client,
		key:    key,
		value:  generateLockValue(),
		ttl:    ttl,
	}
}

func generateLockValue() string {
	b := make([]byte, 16)
	rand.Read(b)
	return hex.EncodeToString(b)
}

// Lock blocks until the lock is held, ctx ends, or timeout elapses.
func (l *Lock) Lock(ctx context.Context, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		ok, err := l.TryLock(ctx)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("%w: %s", ErrLockTimeout, l.key)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
}

// TryLock attempts to acquire the lock without blocking
func (l *Lock) TryLock(ctx context.Context) (bool, error) {
	acquired, err := l.client.SetNX(ctx, l.key, l.value, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to try lock %s: %w", l.key, err)
	}
	if !acquired {
		return false, nil
	}

	l.mu.Lock()
	l.stopRenew = make(chan struct{})
	stop := l.stopRenew
	l.mu.Unlock()

	go l.renew(stop)
	return true, nil
}

// Unlock releases the lock if this holder still owns it.
func (l *Lock) Unlock(ctx context.Context) error {
	l.mu.Lock()
	if l.stopRenew != nil {
		close(l.stopRenew)
		l.stopRenew = nil
	}
	l.mu.Unlock()

	released, err := unlockScript.Run(ctx, l.client, []string{l.key}, l.value).Int64()
	if err != nil {
		return fmt.Errorf("failed to unlock %s: %w", l.key, err)
	}
	if released == 0 {
		return ErrLockNotHeld
	}
	return nil
}

func (l *Lock) renew(stop <-chan struct{}) {
	ticker := time.NewTicker(l.ttl / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), l.ttl/2)
			kept, err := renewScript.Run(ctx, l.client, []string{l.key}, l.value, l.ttl.Milliseconds()).Int64()
			cancel()
			if err != nil || kept == 0 {
				return
			}
		case <-stop:
			return
		}
	}
}

// LockManager hands out locks under a common key prefix.
type LockManager struct {
	client redis.Cmdable
	prefix string
}

// NewLockManager creates a new lock manager
func NewLockManager(client redis.Cmdable, prefix string) *LockManager {
	return &LockManager{
		client: client,
		prefix: prefix,
	}
}

// WithLock runs fn while holding the lock for key.
func (lm *LockManager) WithLock(ctx context.Context, key string, ttl, wait time.Duration, fn func() error) error {
	lock := NewLock(lm.client, lm.prefix+key, ttl)
	if err := lock.Lock(ctx, wait); err != nil {
		return err
	}
	defer lock.Unlock(context.Background())
	return fn()
}

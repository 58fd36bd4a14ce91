package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/capitalize-ai/deck-assistant/pkg/logger"
)

// ErrLockLost is returned when a document lock expired before a commit.
var ErrLockLost = errors.New("document lock lost")

// Locker serializes executions per document.
type Locker interface {
	Lock(ctx context.Context, key string) (Lease, error)
}

// Lease is a held document lock.
type Lease interface {
	// Check confirms the lock is still held, extending it when less than
	// half of its expiry remains.
	Check(ctx context.Context) error
	// Unlock releases the lock. Calling it more than once is a no-op.
	Unlock()
}

// LocalLocker is an in-process keyed mutex.
type LocalLocker struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	ch   chan struct{}
	refs int
}

// NewLocalLocker creates an in-process locker.
func NewLocalLocker() *LocalLocker {
	return &LocalLocker{locks: make(map[string]*keyLock)}
}

type localLease struct {
	once    sync.Once
	release func()
}

func (l *localLease) Check(context.Context) error { return nil }

func (l *localLease) Unlock() { l.once.Do(l.release) }

// Lock blocks until the key is free or ctx is done.
func (l *LocalLocker) Lock(ctx context.Context, key string) (Lease, error) {
	l.mu.Lock()
	kl, ok := l.locks[key]
	if !ok {
		kl = &keyLock{ch: make(chan struct{}, 1)}
		l.locks[key] = kl
	}
	kl.refs++
	l.mu.Unlock()

	select {
	case kl.ch <- struct{}{}:
	case <-ctx.Done():
		l.release(key, kl)
		return nil, ctx.Err()
	}

	return &localLease{release: func() {
		<-kl.ch
		l.release(key, kl)
	}}, nil
}

func (l *LocalLocker) release(key string, kl *keyLock) {
	l.mu.Lock()
	kl.refs--
	if kl.refs == 0 {
		delete(l.locks, key)
	}
	l.mu.Unlock()
}

// RedisLocker serializes executions across processes with redsync.
type RedisLocker struct {
	rs     *redsync.Redsync
	expiry time.Duration
	logger *logger.Logger
}

// NewRedisLocker creates a distributed locker on an existing client.
func NewRedisLocker(client redis.UniversalClient, expiry time.Duration, log *logger.Logger) *RedisLocker {
	return &RedisLocker{
		rs:     redsync.New(goredis.NewPool(client)),
		expiry: expiry,
		logger: log,
	}
}

// Lock acquires the document mutex, retrying until ctx is done.
func (l *RedisLocker) Lock(ctx context.Context, key string) (Lease, error) {
	mutex := l.rs.NewMutex("deck:lock:"+key,
		redsync.WithExpiry(l.expiry),
		redsync.WithTries(64),
		redsync.WithRetryDelay(50*time.Millisecond),
	)
	if err := mutex.LockContext(ctx); err != nil {
		return nil, fmt.Errorf("failed to lock document %s: %w", key, err)
	}
	return &redisLease{mutex: mutex, key: key, expiry: l.expiry, logger: l.logger}, nil
}

type redisLease struct {
	mutex  *redsync.Mutex
	key    string
	expiry time.Duration
	once   sync.Once
	logger *logger.Logger
}

func (l *redisLease) Check(ctx context.Context) error {
	left := time.Until(l.mutex.Until())
	if left <= 0 {
		return fmt.Errorf("%w: %s expired %s ago", ErrLockLost, l.key, -left)
	}
	if left > l.expiry/2 {
		return nil
	}
	ok, err := l.mutex.ExtendContext(ctx)
	if err != nil || !ok {
		return fmt.Errorf("%w: %s could not be extended: %v", ErrLockLost, l.key, err)
	}
	return nil
}

func (l *redisLease) Unlock() {
	l.once.Do(func() {
		if _, err := l.mutex.Unlock(); err != nil {
			l.logger.Error("failed to unlock document mutex", zap.String("document_id", l.key), zap.Error(err))
		}
	})
}

// NewRedisClient connects to redis and checks the connection.
func NewRedisClient(ctx context.Context, url string) (redis.UniversalClient, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return client, nil
}

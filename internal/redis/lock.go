package redis

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/driftboard/notifier/internal/metrics"
)

// Lock is a TTL-based soft lock for electing a single active worker.
// Ownership is proven by comparing the stored token to ours before every
// renew or release. The read-compare-act gap is accepted: the TTL is short
// and everything downstream of the lock is idempotent, so a stolen lock
// costs at most duplicate processing.
type Lock struct {
	client *Client
	key    string
	ttl    time.Duration
	logger *zap.Logger

	mu     sync.Mutex
	token  string
	hbStop context.CancelFunc
	hbDone chan struct{}
}

// NewLock creates a lock on the given key. The lock is not held until
// Acquire succeeds.
func NewLock(client *Client, key string, ttl time.Duration, logger *zap.Logger) *Lock {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Lock{
		client: client,
		key:    key,
		ttl:    ttl,
		logger: logger,
	}
}

// Acquire sets the lock key only if absent, storing a fresh owner token.
// Returns whether this caller now holds the lock.
func (l *Lock) Acquire(ctx context.Context) (bool, error) {
	token := uuid.NewString()

	ok, err := l.client.rdb.SetNX(ctx, l.key, token, l.ttl).Result()
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}

	l.mu.Lock()
	l.token = token
	l.mu.Unlock()

	metrics.RecordLockAcquired()
	l.logger.Debug("worker lock acquired", zap.String("key", l.key))
	return true, nil
}

// StartHeartbeat begins background renewal at half the TTL. Each tick
// re-extends the TTL only while the stored token still matches ours; on
// mismatch the heartbeat stops silently (the lock was stolen after expiry).
func (l *Lock) StartHeartbeat(ctx context.Context) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.hbStop != nil {
		return // already running
	}

	hbCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	l.hbStop = cancel
	l.hbDone = done
	token := l.token

	go func() {
		defer close(done)
		ticker := time.NewTicker(l.ttl / 2)
		defer ticker.Stop()

		for {
			select {
			case <-hbCtx.Done():
				return
			case <-ticker.C:
				if !l.renew(hbCtx, token) {
					return
				}
			}
		}
	}()
}

// renew extends the TTL if we still own the key. Returns false when the
// heartbeat should stop. Storage errors are logged and swallowed; losing
// the lock is not fatal.
func (l *Lock) renew(ctx context.Context, token string) bool {
	val, err := l.client.rdb.Get(ctx, l.key).Result()
	if err == redis.Nil {
		metrics.RecordLockLost()
		l.logger.Warn("worker lock expired before renewal", zap.String("key", l.key))
		return false
	}
	if err != nil {
		l.logger.Error("lock heartbeat read failed", zap.Error(err), zap.String("key", l.key))
		return true // transient, try again next tick
	}
	if val != token {
		metrics.RecordLockLost()
		l.logger.Warn("worker lock stolen, stopping heartbeat", zap.String("key", l.key))
		return false
	}

	if err := l.client.rdb.Expire(ctx, l.key, l.ttl).Err(); err != nil {
		l.logger.Error("lock heartbeat renewal failed", zap.Error(err), zap.String("key", l.key))
	}
	return true
}

// StopHeartbeat cancels the background renewal and waits for it to exit.
func (l *Lock) StopHeartbeat() {
	l.mu.Lock()
	stop := l.hbStop
	done := l.hbDone
	l.hbStop = nil
	l.hbDone = nil
	l.mu.Unlock()

	if stop != nil {
		stop()
		<-done
	}
}

// Release deletes the key only if the stored token still matches ours.
// Errors are logged and swallowed; the TTL reaps the key either way.
func (l *Lock) Release(ctx context.Context) {
	l.mu.Lock()
	token := l.token
	l.token = ""
	l.mu.Unlock()

	if token == "" {
		return
	}

	val, err := l.client.rdb.Get(ctx, l.key).Result()
	if err == redis.Nil {
		return
	}
	if err != nil {
		l.logger.Error("lock release read failed", zap.Error(err), zap.String("key", l.key))
		return
	}
	if val != token {
		// Someone else owns it now; never delete their key.
		l.logger.Warn("skipping release of stolen lock", zap.String("key", l.key))
		return
	}

	if err := l.client.rdb.Del(ctx, l.key).Err(); err != nil {
		l.logger.Error("lock release failed", zap.Error(err), zap.String("key", l.key))
	}
}

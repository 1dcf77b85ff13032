package redisx

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/jcmexdev/saga-orchestrator/internal/coordinator"
)

// DefaultLockTTL bounds how long a crashed instance can keep a saga locked.
// A live holder extends the lock every third of it, however long the saga
// runs.
const DefaultLockTTL = 5 * time.Minute

// releaseScript deletes the lock only if it still holds our token, so an
// expired lock re-acquired by another instance is left alone.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// extendScript resets the expiry only while the lock still holds our token.
var extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// Locker is a coordinator.Locker shared by every orchestrator instance
// pointing at the same Redis.
type Locker struct {
	client *redis.Client
	ttl    time.Duration
}

var _ coordinator.Locker = (*Locker)(nil)

func NewLocker(client *redis.Client, ttl time.Duration) *Locker {
	if ttl <= 0 {
		ttl = DefaultLockTTL
	}
	return &Locker{client: client, ttl: ttl}
}

// Acquire sets saga:lock:<id> with NX. It returns coordinator.ErrSagaBusy
// when another holder owns the key. The lock is kept alive until the
// returned release func is called.
func (l *Locker) Acquire(ctx context.Context, sagaID string) (func(), error) {
	key := GenerateKey("lock", sagaID)
	token := uuid.NewString()

	ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("redisx: acquire %s: %w", key, err)
	}
	if !ok {
		return nil, coordinator.ErrSagaBusy
	}

	ctx = context.WithoutCancel(ctx)
	stop := make(chan struct{})
	stopped := make(chan struct{})
	go l.keepAlive(ctx, sagaID, key, token, stop, stopped)

	var once sync.Once
	release := func() {
		once.Do(func() {
			close(stop)
			<-stopped

			ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			if err := releaseScript.Run(ctx, l.client, []string{key}, token).Err(); err != nil {
				slog.ErrorContext(ctx, "release saga lock", "saga_id", sagaID, "error", err)
			}
		})
	}
	return release, nil
}

// keepAlive extends the lock every ttl/3 until stop is closed or the lock
// turns out to belong to someone else.
func (l *Locker) keepAlive(ctx context.Context, sagaID, key, token string, stop <-chan struct{}, stopped chan<- struct{}) {
	defer close(stopped)
	every := l.ttl / 3
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}

		extendCtx, cancel := context.WithTimeout(ctx, every)
		n, err := extendScript.Run(extendCtx, l.client, []string{key}, token, l.ttl.Milliseconds()).Int()
		cancel()
		switch {
		case err != nil:
			slog.WarnContext(ctx, "extend saga lock", "saga_id", sagaID, "error", err)
		case n == 0:
			slog.ErrorContext(ctx, "saga lock lost", "saga_id", sagaID)
			return
		}
	}
}

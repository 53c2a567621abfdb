package passlock

import (
	"context"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// ErrLocked is returned when another detection pass holds the lock.
var ErrLocked = errors.New("detection pass already running")

const keyPrefix = "balancewatch:pass:"

// releaseScript deletes the key only if it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// RedisLock serializes detection passes across processes with SET NX + TTL.
type RedisLock struct {
	client *redis.Client
	ttl    time.Duration
	l      *zap.Logger
}

// NewRedisLock connects to redis and verifies the connection.
func NewRedisLock(ctx context.Context, l *zap.Logger, addr, password string, db int, ttl time.Duration) (*RedisLock, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := client.Ping(pingCtx).Result(); err != nil {
		_ = client.Close()
		return nil, errors.Wrap(err, "connect to redis")
	}

	l.Info("connected to redis for pass locking", zap.String("addr", addr))

	return &RedisLock{client: client, ttl: ttl, l: l}, nil
}

// Acquire takes the lock for key. The returned func releases it.
func (r *RedisLock) Acquire(ctx context.Context, key string) (func(), error) {
	token := uuid.NewString()
	ok, err := r.client.SetNX(ctx, keyPrefix+key, token, r.ttl).Result()
	if err != nil {
		return nil, errors.Wrap(err, "acquire pass lock")
	}
	if !ok {
		return nil, errors.Wrap(ErrLocked, key)
	}

	return func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := releaseScript.Run(releaseCtx, r.client, []string{keyPrefix + key}, token).Err(); err != nil && err != redis.Nil {
			r.l.Warn("failed to release pass lock", zap.String("key", key), zap.Error(err))
		}
	}, nil
}

// Close closes the redis client.
func (r *RedisLock) Close() error {
	return r.client.Close()
}

// LocalLock serializes detection passes inside one process.
type LocalLock struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func NewLocalLock() *LocalLock {
	return &LocalLock{held: make(map[string]struct{})}
}

// Acquire takes the lock for key without blocking.
func (l *LocalLock) Acquire(_ context.Context, key string) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.held[key]; ok {
		return nil, errors.Wrap(ErrLocked, key)
	}
	l.held[key] = struct{}{}

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.held, key)
			l.mu.Unlock()
		})
	}, nil
}

package redis

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"ChainForge/internal/dependency"
	xerrors "ChainForge/internal/errors"
)

// 只有持有者的令牌匹配时才删除锁。
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
end
return 0
`)

// Locker 基于 SET NX PX 的分布式锁，用于多个进程共享依赖缓存目录时串行化同一个包的安装。
type Locker struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	retry  time.Duration
}

// LockerOption 调整锁参数。
type LockerOption func(*Locker)

// WithLockTTL 设置锁的过期时间，防止持有者崩溃后锁永不释放。
func WithLockTTL(ttl time.Duration) LockerOption {
	return func(l *Locker) {
		if ttl > 0 {
			l.ttl = ttl
		}
	}
}

// WithRetryInterval 设置抢锁失败后的等待间隔。
func WithRetryInterval(interval time.Duration) LockerOption {
	return func(l *Locker) {
		if interval > 0 {
			l.retry = interval
		}
	}
}

// NewLocker 创建分布式锁。
func NewLocker(client *redis.Client, prefix string, opts ...LockerOption) *Locker {
	l := &Locker{
		client: client,
		prefix: normalizePrefix(prefix),
		ttl:    5 * time.Minute,
		retry:  200 * time.Millisecond,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}
	return l
}

// Key 返回锁对应的 Redis 键。
func (l *Locker) Key(name string) string {
	return l.prefix + ":lock:" + name
}

// Acquire 实现 dependency.Locker，阻塞直到拿到锁或 ctx 结束。
func (l *Locker) Acquire(ctx context.Context, name string) (func(), error) {
	key := l.Key(name)
	token := uuid.NewString()
	for {
		ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取分布式锁失败",
				xerrors.WithMetadata("lock", key))
		}
		if ok {
			return func() {
				releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
				defer cancel()
				_ = releaseScript.Run(releaseCtx, l.client, []string{key}, token).Err()
			}, nil
		}
		timer := time.NewTimer(l.retry)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

var _ dependency.Locker = (*Locker)(nil)

package cleaner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Locker 清理锁
type Locker interface {
	// TryLock 尝试加锁，锁被占用时返回 false
	TryLock(ctx context.Context) (bool, error)
	// Unlock 释放自己持有的锁
	Unlock(ctx context.Context) error
}

// NopLocker 单实例部署使用，总是加锁成功
type NopLocker struct{}

// TryLock 总是成功
func (NopLocker) TryLock(context.Context) (bool, error) { return true, nil }

// Unlock 无操作
func (NopLocker) Unlock(context.Context) error { return nil }

// unlockScript 只删除值等于自己令牌的锁，避免误删其他节点在锁过期后获得的锁
var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// ErrLockNotHeld 释放未持有的锁
var ErrLockNotHeld = errors.New("未持有清理锁")

// RedisLocker 基于 SET NX 的分布式锁
type RedisLocker struct {
	client redis.UniversalClient
	key    string
	ttl    time.Duration

	mu    sync.Mutex
	token string
}

// NewRedisLocker 创建分布式清理锁，ttl 应大于一次清理的耗时
func NewRedisLocker(client redis.UniversalClient, key string, ttl time.Duration) *RedisLocker {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &RedisLocker{
		client: client,
		key:    key,
		ttl:    ttl,
	}
}

// TryLock 尝试加锁
func (l *RedisLocker) TryLock(ctx context.Context) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	token := uuid.New().String()
	ok, err := l.client.SetNX(ctx, l.key, token, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("加锁失败: %w", err)
	}
	if ok {
		l.token = token
	}
	return ok, nil
}

// Unlock 释放锁
func (l *RedisLocker) Unlock(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.token == "" {
		return ErrLockNotHeld
	}
	token := l.token
	l.token = ""

	n, err := unlockScript.Run(ctx, l.client, []string{l.key}, token).Int()
	if err != nil {
		return fmt.Errorf("释放锁失败: %w", err)
	}
	if n == 0 {
		return ErrLockNotHeld
	}
	return nil
}

package syncqueue

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"time"

	"github.com/redis/go-redis/v9"
)

// Locker 提供跨进程的 drain 互斥。TryAcquire 拿不到锁时返回 ok=false 且 err=nil。
type Locker interface {
	TryAcquire(ctx context.Context, key string) (release func(context.Context) error, ok bool, err error)
}

// NewRedisClient 按地址/密码/库号构造 go-redis 客户端。
func NewRedisClient(addr, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
}

// RedisLocker 通过 SET NX + 随机 token 加锁，释放时用 Lua 校验 token 后删除，
// 避免锁过期后误删其他进程持有的锁。
type RedisLocker struct {
	client redis.Cmdable
	prefix string
	ttl    time.Duration
}

// NewRedisLocker 构造 RedisLocker，key 形如 <prefix><tag>。
func NewRedisLocker(client redis.Cmdable, prefix string, ttl time.Duration) *RedisLocker {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &RedisLocker{client: client, prefix: prefix, ttl: ttl}
}

const unlockScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end
`

func (l *RedisLocker) TryAcquire(ctx context.Context, key string) (func(context.Context) error, bool, error) {
	token, err := newToken()
	if err != nil {
		return nil, false, err
	}
	fullKey := l.prefix + key
	ok, err := l.client.SetNX(ctx, fullKey, token, l.ttl).Result()
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}
	release := func(ctx context.Context) error {
		_, err := l.client.Eval(ctx, unlockScript, []string{fullKey}, token).Result()
		return err
	}
	return release, true, nil
}

func newToken() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

package redis

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"ChainProbe/internal/web3/txn"
)

// unlockScript 只在令牌匹配时删除锁，避免误删其他进程续上的锁。
var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// renewScript 只在令牌匹配时延长锁的过期时间。
var renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)

// NonceLocker 用 SET NX PX 实现跨进程的账户级互斥。持有期间每 ttl/3 续期一次，
// 进程崩溃后锁最多保留 ttl。
type NonceLocker struct {
	client redis.Cmdable
	prefix string
	ttl    time.Duration
	retry  time.Duration
}

var _ txn.Locker = (*NonceLocker)(nil)

// NewNonceLocker 创建分布式锁；ttl 是持有者失联后锁的最长保留时间。
func NewNonceLocker(client redis.Cmdable, prefix string, ttl time.Duration) *NonceLocker {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &NonceLocker{client: client, prefix: prefixOrDefault(prefix), ttl: ttl, retry: 50 * time.Millisecond}
}

func (l *NonceLocker) key(account common.Address) string {
	return l.prefix + "nonce-lock:" + strings.ToLower(account.Hex())
}

// Lock 轮询获取锁，直到成功或 ctx 结束。
func (l *NonceLocker) Lock(ctx context.Context, account common.Address) (func(), error) {
	key := l.key(account)
	token := uuid.NewString()
	for {
		ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("获取 Redis 账户锁失败: %w", err)
		}
		if ok {
			break
		}
		timer := time.NewTimer(l.retry)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}

	stop := make(chan struct{})
	renewed := make(chan struct{})
	go l.keepAlive(key, token, stop, renewed)

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			<-renewed
			releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			// 释放失败时锁会在 ttl 后自然过期。
			_ = unlockScript.Run(releaseCtx, l.client, []string{key}, token).Err()
		})
	}, nil
}

// keepAlive 在 stop 关闭前定期续期；锁已被他人持有时停止续期。
func (l *NonceLocker) keepAlive(key, token string, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(max(l.ttl/3, time.Millisecond))
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), l.ttl/3+time.Second)
			kept, err := renewScript.Run(ctx, l.client, []string{key}, token, l.ttl.Milliseconds()).Int()
			cancel()
			if err == nil && kept == 0 {
				return
			}
		}
	}
}

package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultKeyPrefix = "chainprobe:"

// Config 描述 Redis 连接参数。Address 可以是 host:port，也可以是
// redis:// 或 rediss:// URL；URL 中的密码与库号会被显式字段覆盖。
type Config struct {
	Address     string
	Password    string
	DB          int
	KeyPrefix   string
	DialTimeout time.Duration
}

func (c Config) options() (*redis.Options, error) {
	addr := strings.TrimSpace(c.Address)
	if addr == "" {
		return nil, errors.New("Redis address 不能为空")
	}
	opts := &redis.Options{Addr: addr}
	if strings.Contains(addr, "://") {
		parsed, err := redis.ParseURL(addr)
		if err != nil {
			return nil, fmt.Errorf("解析 Redis URL 失败: %w", err)
		}
		opts = parsed
	}
	if c.Password != "" {
		opts.Password = c.Password
	}
	if c.DB != 0 {
		opts.DB = c.DB
	}
	if c.DialTimeout > 0 {
		opts.DialTimeout = c.DialTimeout
	}
	return opts, nil
}

// NewClient 建立连接并做一次 PING，失败时关闭客户端。
func NewClient(ctx context.Context, cfg Config) (*redis.Client, error) {
	opts, err := cfg.options()
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("连接 Redis %s 失败: %w", opts.Addr, err)
	}
	return client, nil
}

func prefixOrDefault(prefix string) string {
	if p := strings.TrimSpace(prefix); p != "" {
		return p
	}
	return defaultKeyPrefix
}

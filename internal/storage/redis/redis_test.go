package redis

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"ChainProbe/internal/checkpoint"
	"ChainProbe/internal/conversation"
	xerrors "ChainProbe/internal/errors"
)

func testConfig(t *testing.T) Config {
	t.Helper()
	addr := os.Getenv("CHAINPROBE_REDIS_ADDR")
	if addr == "" {
		t.Skip("CHAINPROBE_REDIS_ADDR not set")
	}
	return Config{Address: addr, KeyPrefix: "chainprobe-test:" + uuid.NewString() + ":"}
}

func TestCheckpointStoreRoundTrip(t *testing.T) {
	cfg := testConfig(t)
	client, err := NewClient(context.Background(), cfg)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer client.Close()

	store := NewCheckpointStore(client, cfg.KeyPrefix, time.Minute)
	ctx := context.Background()
	state := conversation.NewState("run-1", conversation.SeedMessage("0xabc", "drain"))
	if err := store.Save(ctx, checkpoint.Checkpoint{RunID: "run-1", State: state, Next: "planner", Status: checkpoint.StatusRunning}); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := store.Load(ctx, "run-1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got.Next != "planner" || got.State.RunID != "run-1" {
		t.Fatalf("unexpected checkpoint %+v", got)
	}
	if _, err := store.Load(ctx, "missing"); !xerrors.HasCode(err, xerrors.CodeNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestNonceLockerExcludesSecondHolder(t *testing.T) {
	cfg := testConfig(t)
	client, err := NewClient(context.Background(), cfg)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer client.Close()

	locker := NewNonceLocker(client, cfg.KeyPrefix, time.Second)
	account := common.HexToAddress("0x01")
	unlock, err := locker.Lock(context.Background(), account)
	if err != nil {
		t.Fatalf("lock: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	if _, err := locker.Lock(ctx, account); err == nil {
		t.Fatalf("second holder should time out")
	}

	unlock()
	again, err := locker.Lock(context.Background(), account)
	if err != nil {
		t.Fatalf("relock: %v", err)
	}
	again()
}

func TestNewClientRequiresAddress(t *testing.T) {
	if _, err := NewClient(context.Background(), Config{}); err == nil {
		t.Fatalf("expected error for empty address")
	}
}

func TestConfigOptionsAcceptsURLs(t *testing.T) {
	opts, err := Config{Address: "rediss://:secret@cache.internal:6380/2", DB: 5}.options()
	if err != nil {
		t.Fatalf("options: %v", err)
	}
	if opts.Addr != "cache.internal:6380" || opts.Password != "secret" || opts.DB != 5 || opts.TLSConfig == nil {
		t.Fatalf("unexpected options %+v", opts)
	}
	plain, err := Config{Address: " 127.0.0.1:6379 ", Password: "pw", DialTimeout: time.Second}.options()
	if err != nil || plain.Addr != "127.0.0.1:6379" || plain.Password != "pw" || plain.DialTimeout != time.Second {
		t.Fatalf("unexpected plain options %+v (%v)", plain, err)
	}
	if _, err := (Config{}).options(); err == nil {
		t.Fatalf("expected empty address error")
	}
	if prefixOrDefault("  ") != "chainprobe:" {
		t.Fatalf("unexpected default prefix")
	}
}

func TestNonceLockerRenewsWhileHeld(t *testing.T) {
	cfg := testConfig(t)
	client, err := NewClient(context.Background(), cfg)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer client.Close()

	locker := NewNonceLocker(client, cfg.KeyPrefix, 300*time.Millisecond)
	account := common.HexToAddress("0x02")
	unlock, err := locker.Lock(context.Background(), account)
	if err != nil {
		t.Fatalf("lock: %v", err)
	}

	// 持有时间超过 ttl 的三倍，锁仍然有效。
	time.Sleep(time.Second)
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if _, err := locker.Lock(ctx, account); err == nil {
		t.Fatalf("lock expired while still held")
	}

	unlock()
	if n, err := client.Exists(context.Background(), locker.key(account)).Result(); err != nil || n != 0 {
		t.Fatalf("lock should be released, exists=%d err=%v", n, err)
	}
}

package txn

import (
	"context"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// Locker serializes nonce acquisition and submission per signing account.
type Locker interface {
	Lock(ctx context.Context, account common.Address) (unlock func(), err error)
}

// LocalLocker is an in-process Locker backed by one single-slot channel per account.
type LocalLocker struct {
	mu    sync.Mutex
	slots map[common.Address]chan struct{}
}

// NewLocalLocker creates an empty in-process locker.
func NewLocalLocker() *LocalLocker {
	return &LocalLocker{slots: make(map[common.Address]chan struct{})}
}

// Lock blocks until the account slot is free or ctx is done.
func (l *LocalLocker) Lock(ctx context.Context, account common.Address) (func(), error) {
	l.mu.Lock()
	slot, ok := l.slots[account]
	if !ok {
		slot = make(chan struct{}, 1)
		l.slots[account] = slot
	}
	l.mu.Unlock()

	select {
	case slot <- struct{}{}:
		var once sync.Once
		return func() { once.Do(func() { <-slot }) }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

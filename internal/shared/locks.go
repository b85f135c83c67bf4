package shared

import (
	"context"
	"fmt"
	"sync"
)

// AccountLockKey names the critical section guarding an account balance.
func AccountLockKey(accountID int64) string {
	return fmt.Sprintf("ledger:account:%d", accountID)
}

// AccountSlotLockKey guards lazy creation of a member's account of one type.
func AccountSlotLockKey(memberID int64, accountType string) string {
	return fmt.Sprintf("ledger:member:%d:%s", memberID, accountType)
}

// AidRequestLockKey names the critical section guarding a mutual aid request.
func AidRequestLockKey(requestID int64) string {
	return fmt.Sprintf("mutualaid:request:%d", requestID)
}

// KeyedLocker hands out one exclusive slot per key. Holders of different
// keys never wait on each other. Slots are dropped once nobody references them.
type KeyedLocker struct {
	mu    sync.Mutex
	slots map[string]*lockSlot
}

type lockSlot struct {
	ch   chan struct{}
	refs int
}

// NewKeyedLocker constructs an empty locker.
func NewKeyedLocker() *KeyedLocker {
	return &KeyedLocker{slots: make(map[string]*lockSlot)}
}

// Lock blocks until key is free or ctx is done. The returned func releases
// the slot and is safe to call more than once.
func (l *KeyedLocker) Lock(ctx context.Context, key string) (func(), error) {
	l.mu.Lock()
	slot, ok := l.slots[key]
	if !ok {
		slot = &lockSlot{ch: make(chan struct{}, 1)}
		l.slots[key] = slot
	}
	slot.refs++
	l.mu.Unlock()

	select {
	case slot.ch <- struct{}{}:
	case <-ctx.Done():
		l.release(key, slot)
		return nil, ctx.Err()
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			<-slot.ch
			l.release(key, slot)
		})
	}, nil
}

func (l *KeyedLocker) release(key string, slot *lockSlot) {
	l.mu.Lock()
	slot.refs--
	if slot.refs == 0 {
		delete(l.slots, key)
	}
	l.mu.Unlock()
}

// Len reports how many keys are currently held or awaited.
func (l *KeyedLocker) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.slots)
}

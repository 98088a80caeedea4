package services

import (
	"context"
	"sort"
	"sync"
	"time"
)

// AccountLocker serializes settlements touching the same account before
// the database transaction begins. Locks are always taken in ascending
// account-id order so two settlements over an overlapping account set
// cannot deadlock. The database row locks remain the source of truth;
// this keeps lock waits bounded and visible as SettlementTimeout.
type AccountLocker struct {
	mu    sync.Mutex
	locks map[string]chan struct{}
}

func NewAccountLocker() *AccountLocker {
	return &AccountLocker{locks: make(map[string]chan struct{})}
}

func (l *AccountLocker) lockChan(id string) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	ch, ok := l.locks[id]
	if !ok {
		ch = make(chan struct{}, 1)
		l.locks[id] = ch
	}
	return ch
}

// LockAll acquires every listed account lock or none. On success the
// returned release function must be called exactly once. On timeout or
// context cancellation it returns ErrSettlementTimeout with all
// partially acquired locks released.
func (l *AccountLocker) LockAll(ctx context.Context, accountIDs []string, timeout time.Duration) (func(), error) {
	ids := make([]string, 0, len(accountIDs))
	seen := make(map[string]bool, len(accountIDs))
	for _, id := range accountIDs {
		if !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	acquired := make([]chan struct{}, 0, len(ids))
	releaseAcquired := func() {
		for _, ch := range acquired {
			<-ch
		}
	}

	for _, id := range ids {
		ch := l.lockChan(id)
		select {
		case ch <- struct{}{}:
			acquired = append(acquired, ch)
		case <-deadline.C:
			releaseAcquired()
			return nil, ErrSettlementTimeout
		case <-ctx.Done():
			releaseAcquired()
			return nil, ErrSettlementTimeout
		}
	}

	var once sync.Once
	return func() { once.Do(releaseAcquired) }, nil
}

package shared

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// ErrLockTimeout is returned when a keyed lock could not be acquired within
// the configured wait bound. Callers surface it as a transient, retryable
// busy condition rather than blocking indefinitely.
var ErrLockTimeout = errors.New("keyed lock acquisition timed out")

// KeyedLock provides mutual exclusion scoped to a string key. Operations on
// different keys proceed fully in parallel; operations on the same key are
// serialized. Lock slots are reference counted and removed when the last
// waiter releases, so the map does not grow with the number of keys ever seen.
type KeyedLock struct {
	mutex sync.Mutex
	slots map[string]*lockSlot
}

type lockSlot struct {
	ch   chan struct{}
	refs int
}

// NewKeyedLock creates an empty keyed lock set.
func NewKeyedLock() *KeyedLock {
	return &KeyedLock{
		slots: make(map[string]*lockSlot),
	}
}

// Acquire takes the lock for key, waiting at most maxWait. It returns a
// release function on success and ErrLockTimeout if the bound elapses first.
// Context cancellation also aborts the wait.
func (l *KeyedLock) Acquire(ctx context.Context, key string, maxWait time.Duration) (func(), error) {
	l.mutex.Lock()
	slot, exists := l.slots[key]
	if !exists {
		slot = &lockSlot{ch: make(chan struct{}, 1)}
		l.slots[key] = slot
	}
	slot.refs++
	l.mutex.Unlock()

	timer := time.NewTimer(maxWait)
	defer timer.Stop()

	select {
	case slot.ch <- struct{}{}:
		return func() {
			<-slot.ch
			l.mutex.Lock()
			slot.refs--
			if slot.refs == 0 {
				delete(l.slots, key)
			}
			l.mutex.Unlock()
		}, nil
	case <-timer.C:
		l.releaseRef(key, slot)
		logrus.WithFields(logrus.Fields{
			"component": "KeyedLock",
			"key":       key,
			"max_wait":  maxWait,
		}).Warn("Lock acquisition timed out")
		return nil, ErrLockTimeout
	case <-ctx.Done():
		l.releaseRef(key, slot)
		return nil, ctx.Err()
	}
}

func (l *KeyedLock) releaseRef(key string, slot *lockSlot) {
	l.mutex.Lock()
	slot.refs--
	if slot.refs == 0 {
		delete(l.slots, key)
	}
	l.mutex.Unlock()
}

// ActiveKeys returns the number of keys currently holding or awaiting a lock.
func (l *KeyedLock) ActiveKeys() int {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	return len(l.slots)
}

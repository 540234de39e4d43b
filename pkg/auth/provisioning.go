package auth

import (
	"context"
	"sync"
	"time"

	sserr "github.com/StricklySoft/stricklysoft-identity/pkg/errors"
)

// DefaultProvisioningGrace is how long an idle per-identifier mutex is kept
// before it is reclaimed.
const DefaultProvisioningGrace = 5 * time.Second

// lockEntry is one per-identifier mutex. sem has capacity one so waiting
// for it can be abandoned when the context ends. refs counts holders and
// waiters; it and reclaim are guarded by ProvisioningLock.mu.
type lockEntry struct {
	sem     chan struct{}
	refs    int
	reclaim *time.Timer
}

// ProvisioningLock is a registry of per-identifier mutexes.
//
// Entries are created on first use and reclaimed after the grace period
// following the last release. An entry with a holder or a waiter is never
// reclaimed, so two callers for the same identifier always share a mutex.
// The registry lock guards only map operations and is never held while fn
// runs.
type ProvisioningLock struct {
	grace time.Duration

	mu      sync.Mutex
	entries map[string]*lockEntry
}

// NewProvisioningLock returns a registry. A non-positive grace reclaims
// entries immediately on release.
func NewProvisioningLock(grace time.Duration) *ProvisioningLock {
	return &ProvisioningLock{
		grace:   grace,
		entries: make(map[string]*lockEntry),
	}
}

// WithLock runs fn while holding the mutex for identifier. If ctx ends
// while waiting, fn is not run and a timeout error is returned.
func (l *ProvisioningLock) WithLock(ctx context.Context, identifier string, fn func(ctx context.Context) error) error {
	e := l.acquire(identifier)
	select {
	case e.sem <- struct{}{}:
	case <-ctx.Done():
		l.release(identifier, e)
		return sserr.Wrap(ctx.Err(), sserr.CodeTimeout, "auth: gave up waiting for provisioning lock")
	}
	defer func() {
		<-e.sem
		l.release(identifier, e)
	}()
	return fn(ctx)
}

// Len returns the number of registered identifiers.
func (l *ProvisioningLock) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

func (l *ProvisioningLock) acquire(identifier string) *lockEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[identifier]
	if !ok {
		e = &lockEntry{sem: make(chan struct{}, 1)}
		l.entries[identifier] = e
	}
	if e.reclaim != nil {
		e.reclaim.Stop()
		e.reclaim = nil
	}
	e.refs++
	return e
}

func (l *ProvisioningLock) release(identifier string, e *lockEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e.refs--
	if e.refs > 0 {
		return
	}
	if l.grace <= 0 {
		l.reclaimLocked(identifier, e)
		return
	}
	e.reclaim = time.AfterFunc(l.grace, func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		l.reclaimLocked(identifier, e)
	})
}

// reclaimLocked deletes e if it is still the registered, unused entry. A
// timer that fired while acquire was stopping it finds refs > 0 here.
func (l *ProvisioningLock) reclaimLocked(identifier string, e *lockEntry) {
	if cur, ok := l.entries[identifier]; ok && cur == e && e.refs == 0 {
		delete(l.entries, identifier)
	}
}

// Package lock provides the locking primitives used to guard a mirror
// directory against concurrent readers, writers and removal/rename.
package lock

import (
	"context"
	"time"

	"github.com/sasha-s/go-deadlock"
)

// RWMutex wraps a deadlock-detecting reader/writer mutex. A Set holds two
// of them as named fields: the outer rm lock and the inner read/write lock.
type RWMutex struct {
	mu deadlock.RWMutex
}

func (m *RWMutex) Lock()    { m.mu.Lock() }
func (m *RWMutex) Unlock()  { m.mu.Unlock() }
func (m *RWMutex) RLock()   { m.mu.RLock() }
func (m *RWMutex) RUnlock() { m.mu.RUnlock() }

// TryRLock attempts to acquire the read lock without blocking.
func (m *RWMutex) TryRLock() bool { return m.mu.TryRLock() }

// TryLock attempts to acquire the write lock without blocking.
func (m *RWMutex) TryLock() bool { return m.mu.TryLock() }

// RLockWithContext blocks trying to acquire the read lock, backing off and
// re-checking ctx so that a caller with a short deadline does not wait
// behind a long-running writer (e.g. an in-place gc) indefinitely.
func (m *RWMutex) RLockWithContext(ctx context.Context) error {
	for {
		if m.TryRLock() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
			time.Sleep(time.Second)
		}
	}
}

// LockWithContext is the write-lock equivalent of RLockWithContext.
func (m *RWMutex) LockWithContext(ctx context.Context) error {
	for {
		if m.TryLock() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
			time.Sleep(time.Second)
		}
	}
}

// Set is the per mirror directory lock set described in the directory
// manager's contract: an outer rm lock guarding deletion/rename of the
// directory itself, and an inner read/write lock guarding its contents.
//
// Lock order is always outer before inner: rm.RLock/rm.Lock, then
// Read/Write. A goroutine that already holds Write must never try to
// acquire rm.Lock on the same Set - doing so risks deadlocking against a
// concurrent rm.RLock waiting for that same Write to release.
type Set struct {
	rm RWMutex // guards existence: RLock held by any other lock holder, Lock held by remove/rename
	rw RWMutex // guards content: RLock for readers (E, G, D lookups), Lock for writers (D fetch, H in-place gc)
}

// RRead acquires the rm read lock (the directory will not be removed) and
// then the content read lock. Callers must call RUnread to release both.
func (s *Set) RRead(ctx context.Context) error {
	if err := s.rm.RLockWithContext(ctx); err != nil {
		return err
	}
	if err := s.rw.RLockWithContext(ctx); err != nil {
		s.rm.RUnlock()
		return err
	}
	return nil
}

func (s *Set) RUnread() {
	s.rw.RUnlock()
	s.rm.RUnlock()
}

// RWrite acquires the rm read lock and then the exclusive content lock -
// used by the fetch coordinator and by in-place gc, both of which mutate
// the directory's contents without renaming or removing it.
func (s *Set) RWrite(ctx context.Context) error {
	if err := s.rm.RLockWithContext(ctx); err != nil {
		return err
	}
	if err := s.rw.LockWithContext(ctx); err != nil {
		s.rm.RUnlock()
		return err
	}
	return nil
}

func (s *Set) RUnwrite() {
	s.rw.Unlock()
	s.rm.RUnlock()
}

// Remove acquires the exclusive rm lock, excluding every other lock on this
// Set (readers, writers and other removers) for the duration. Used by the
// compactor to delete an expired mirror or to swap a copy-swap gc result
// into place.
func (s *Set) Remove(ctx context.Context) error {
	return s.rm.LockWithContext(ctx)
}

func (s *Set) Unremove() {
	s.rm.Unlock()
}

// TryRRead is the non-blocking form of RRead, used where a caller wants to
// observe whether a mirror is quiescent without queueing behind a writer.
func (s *Set) TryRRead() bool {
	if !s.rm.TryRLock() {
		return false
	}
	if !s.rw.TryRLock() {
		s.rm.RUnlock()
		return false
	}
	return true
}

// TryRemove is the non-blocking form of Remove: it reports false at once
// when any other lock on this Set is held.
func (s *Set) TryRemove() bool {
	return s.rm.TryLock()
}

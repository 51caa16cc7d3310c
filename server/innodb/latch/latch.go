// Package latch provides the exclusive/shared latch primitive the replay
// engine builds its decode latch on, plus a
// condition-variable pairing for latches that need "await with the latch
// held, release on wait, re-acquire on signal" — the decode latch's
// suspend/resume handshake is the motivating case.
package latch

import "sync"

// Latch is a reentrance-free reader/writer lock. The replay engine's
// decode latch is a Latch, and this package's own Cond wraps its
// exclusive side. (internal/redo's redo latch and writer latch are plain
// sync.Mutex values, not Latch.)
type Latch struct {
	mu sync.RWMutex
}

// NewLatch returns an unlocked Latch.
func NewLatch() *Latch {
	return &Latch{}
}

// Lock acquires the latch exclusively.
func (l *Latch) Lock() {
	l.mu.Lock()
}

// Unlock releases an exclusive hold.
func (l *Latch) Unlock() {
	l.mu.Unlock()
}

// RLock acquires the latch in shared mode.
func (l *Latch) RLock() {
	l.mu.RLock()
}

// RUnlock releases a shared hold.
func (l *Latch) RUnlock() {
	l.mu.RUnlock()
}

// TryLock attempts to acquire the latch exclusively without blocking.
func (l *Latch) TryLock() bool {
	return l.mu.TryLock()
}

// TryRLock attempts to acquire the latch in shared mode without blocking.
func (l *Latch) TryRLock() bool {
	return l.mu.TryRLock()
}

// Cond pairs a Latch's exclusive side with a condition variable, so a
// caller already holding the latch can atomically release it and wait,
// then re-acquire it before Wait returns. This replaces a reflective
// field-updater-based wait/notify scheme with the standard sync.Cond
// idiom.
type Cond struct {
	L    *Latch
	cond *sync.Cond
}

// NewCond builds a Cond over l. l must not be used for shared (RLock)
// access by anything that also calls Wait/Signal/Broadcast on this Cond:
// sync.Cond requires its Locker to be a plain exclusive lock.
func NewCond(l *Latch) *Cond {
	return &Cond{L: l, cond: sync.NewCond(&exclusiveOnly{l})}
}

// Wait releases L, blocks until Signal or Broadcast, then re-acquires L
// before returning. The caller must hold L exactly once before calling.
func (c *Cond) Wait() { c.cond.Wait() }

// Signal wakes one goroutine waiting on c, if any. The caller must hold L.
func (c *Cond) Signal() { c.cond.Signal() }

// Broadcast wakes every goroutine waiting on c. The caller must hold L.
func (c *Cond) Broadcast() { c.cond.Broadcast() }

// exclusiveOnly adapts Latch to sync.Locker by hiding its shared side,
// since sync.Cond's internal notify list assumes a single acquisition
// discipline.
type exclusiveOnly struct{ l *Latch }

func (e *exclusiveOnly) Lock()   { e.l.Lock() }
func (e *exclusiveOnly) Unlock() { e.l.Unlock() }

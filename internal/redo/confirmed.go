package redo

import (
	"runtime"

	"go.uber.org/atomic"
)

// confirmedLocked is the sentinel stored in confirmedPos while a writer is
// mid-update. No real commit position is ever -1, so it is safe to use as
// a single-word CAS lock instead of a separate mutex.
const confirmedLocked = -1

// spinRetries bounds how long confirmed() spins on the sentinel before
// yielding the processor to whoever holds it.
const spinRetries = 64

// confirmedPosition tracks the highest byte offset in the redo stream
// known to have been durably accepted, alongside the TxnId of the call
// that advanced it. Concurrent callers linearize through a CAS on pos:
// whoever flips it to confirmedLocked owns the update until it publishes
// the new, larger position.
type confirmedPosition struct {
	pos   atomic.Int64
	txnID atomic.Int64
}

func newConfirmedPosition() *confirmedPosition {
	return &confirmedPosition{}
}

// confirmed idempotently advances the pair to (pos, txnId) if pos is
// greater than the current confirmed position. Calls with a non-increasing
// pos leave state unchanged.
func (c *confirmedPosition) confirmed(pos int64, txnId TxnId) {
	spins := 0
	for {
		cur := c.pos.Load()
		if cur != confirmedLocked && cur >= pos {
			return
		}
		if cur == confirmedLocked {
			spins++
			if spins > spinRetries {
				runtime.Gosched()
				spins = 0
			}
			continue
		}
		if c.pos.CAS(cur, confirmedLocked) {
			c.txnID.Store(int64(txnId))
			c.pos.Store(pos)
			return
		}
	}
}

// get returns the current (position, txnId) pair, spinning past any
// in-flight update the way confirmed() does.
func (c *confirmedPosition) get() (int64, TxnId) {
	spins := 0
	for {
		cur := c.pos.Load()
		if cur != confirmedLocked {
			return cur, TxnId(c.txnID.Load())
		}
		spins++
		if spins > spinRetries {
			runtime.Gosched()
			spins = 0
		}
	}
}

// higherConfirmed merges other's confirmed pair into c if other is ahead.
func (c *confirmedPosition) higherConfirmed(other *confirmedPosition) {
	pos, txnId := other.get()
	c.confirmed(pos, txnId)
}

// copyConfirmed overwrites c's state with other's, under the same
// sentinel-lock protocol (used when rebinding a context to a fresh
// writer that must inherit the prior writer's watermark).
func (c *confirmedPosition) copyConfirmed(other *confirmedPosition) {
	pos, txnId := other.get()
	for {
		cur := c.pos.Load()
		if cur == confirmedLocked {
			runtime.Gosched()
			continue
		}
		if c.pos.CAS(cur, confirmedLocked) {
			c.txnID.Store(int64(txnId))
			c.pos.Store(pos)
			return
		}
	}
}

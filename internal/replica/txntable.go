package replica

import (
	"github.com/nimbusdb/redo/internal/redo"
)

// hashSpread is Knuth's multiplicative hash constant, 2^63*(sqrt(5)-1),
// truncated to an odd 64-bit unsigned value. Multiplying a TxnId by it
// scrambles the low bits so identifiers minted with a common stride (every
// TransactionContext mints id, id+stride, id+2*stride, ...) still spread
// evenly across the transaction table's buckets.
const hashSpread uint64 = 0x9E3779B97F4A7C15

func scramble(id redo.TxnId) uint64 {
	return uint64(id) * hashSpread
}

// txnEntry is the replay side's bookkeeping for one in-flight transaction:
// a reference to whatever local transaction handle the collaborator
// database uses, plus the worker this transaction's operations have been
// pinned to since its first dispatch.
type txnEntry struct {
	txn    LocalTransaction
	worker WorkerHandle
}

// txnTable maps a transaction's scrambled TxnId to its txnEntry. It is
// accessed only from the decoder goroutine and so needs no locking of its
// own; a plain Go map already grows on insert, so there is nothing else to
// model there.
type txnTable struct {
	entries map[uint64]*txnEntry
}

func newTxnTable() *txnTable {
	return &txnTable{entries: make(map[uint64]*txnEntry)}
}

func (t *txnTable) get(id redo.TxnId) (*txnEntry, bool) {
	e, ok := t.entries[scramble(id)]
	return e, ok
}

// getOrCreate resolves id's txnEntry, creating a fresh one (worker
// unbound) if this is the first record seen for id. newTxn is called only
// on creation, letting the caller defer building the LocalTransaction
// until it's actually needed.
func (t *txnTable) getOrCreate(id redo.TxnId, newTxn func() LocalTransaction) *txnEntry {
	key := scramble(id)
	if e, ok := t.entries[key]; ok {
		return e
	}
	e := &txnEntry{txn: newTxn(), worker: noWorker}
	t.entries[key] = e
	return e
}

func (t *txnTable) delete(id redo.TxnId) {
	delete(t.entries, scramble(id))
}

// forEach visits every currently tracked transaction. Order is undefined,
// matching Go's map iteration; nothing depends on table traversal order.
func (t *txnTable) forEach(fn func(id uint64, e *txnEntry)) {
	for k, e := range t.entries {
		fn(k, e)
	}
}

func (t *txnTable) len() int { return len(t.entries) }

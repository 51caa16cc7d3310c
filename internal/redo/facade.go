package redo

// This file is the exported surface of TransactionContext: everything
// above is shaped for the encoder's own bookkeeping, but a database
// driving the redo pipeline — or a replay engine's test double producing
// a stream to decode — needs plain, capitalized entry points. Each method
// here is a direct pass-through to the unexported encoder it names.

// NextTransactionId mints a fresh, positive TxnId from this context.
func (c *TransactionContext) NextTransactionId() TxnId {
	return c.nextTransactionId()
}

// StoreAutoCommit encodes a non-transactional store, committed as soon as
// mode's durability requirement is satisfied.
func (c *TransactionContext) StoreAutoCommit(mode DurabilityMode, ix IndexId, key, value []byte) (int64, error) {
	return c.redoStoreAutoCommit(mode, ix, key, value)
}

// StoreNoLockAutoCommit is StoreAutoCommit's STORE_NO_LOCK sibling.
func (c *TransactionContext) StoreNoLockAutoCommit(mode DurabilityMode, ix IndexId, key, value []byte) (int64, error) {
	return c.redoStoreNoLockAutoCommit(mode, ix, key, value)
}

// DeleteAutoCommit encodes a non-transactional delete, committed as soon
// as mode's durability requirement is satisfied.
func (c *TransactionContext) DeleteAutoCommit(mode DurabilityMode, ix IndexId, key []byte) (int64, error) {
	return c.redoDeleteAutoCommit(mode, ix, key)
}

// DeleteNoLockAutoCommit is DeleteAutoCommit's DELETE_NO_LOCK sibling.
func (c *TransactionContext) DeleteNoLockAutoCommit(mode DurabilityMode, ix IndexId, key []byte) (int64, error) {
	return c.redoDeleteNoLockAutoCommit(mode, ix, key)
}

// EnterTransaction records that txnId has begun.
func (c *TransactionContext) EnterTransaction(txnId TxnId) error {
	return c.redoEnter(txnId)
}

// Rollback records an in-progress rollback of txnId, without yet
// finalizing it (no flush, no commit boundary).
func (c *TransactionContext) Rollback(txnId TxnId) error {
	return c.redoRollback(txnId)
}

// RollbackFinal finalizes txnId's rollback, flushing per mode.
func (c *TransactionContext) RollbackFinal(mode DurabilityMode, txnId TxnId) (int64, error) {
	return c.redoRollbackFinal(mode, txnId)
}

// Commit records an in-progress commit of txnId, without yet finalizing
// it (no flush, no commit boundary).
func (c *TransactionContext) Commit(txnId TxnId) error {
	return c.redoCommit(txnId)
}

// CommitFinal finalizes txnId's commit, flushing per mode.
func (c *TransactionContext) CommitFinal(mode DurabilityMode, txnId TxnId) (int64, error) {
	return c.redoCommitFinal(mode, txnId)
}

// Store records a transactional store, not yet a commit boundary.
func (c *TransactionContext) Store(txnId TxnId, ix IndexId, key, value []byte) error {
	return c.redoStore(txnId, ix, key, value)
}

// Delete records a transactional delete, not yet a commit boundary.
func (c *TransactionContext) Delete(txnId TxnId, ix IndexId, key []byte) error {
	return c.redoDelete(txnId, ix, key)
}

// StoreCommitFinal records a transactional store that also finalizes the
// transaction's commit, flushing per mode.
func (c *TransactionContext) StoreCommitFinal(mode DurabilityMode, txnId TxnId, ix IndexId, key, value []byte) (int64, error) {
	return c.redoStoreCommitFinal(mode, txnId, ix, key, value)
}

// DeleteCommitFinal records a transactional delete that also finalizes
// the transaction's commit, flushing per mode.
func (c *TransactionContext) DeleteCommitFinal(mode DurabilityMode, txnId TxnId, ix IndexId, key []byte) (int64, error) {
	return c.redoDeleteCommitFinal(mode, txnId, ix, key)
}

// LockShared, LockUpgradable and LockExclusive record that txnId has
// acquired the named lock strength on (ix, key), so a replica's own lock
// table stays consistent with the primary's.
func (c *TransactionContext) LockShared(txnId TxnId, ix IndexId, key []byte) error {
	return c.redoLockShared(txnId, ix, key)
}

func (c *TransactionContext) LockUpgradable(txnId TxnId, ix IndexId, key []byte) error {
	return c.redoLockUpgradable(txnId, ix, key)
}

func (c *TransactionContext) LockExclusive(txnId TxnId, ix IndexId, key []byte) error {
	return c.redoLockExclusive(txnId, ix, key)
}

// Custom records an opaque, application-defined redo payload.
func (c *TransactionContext) Custom(txnId TxnId, message []byte) error {
	return c.redoCustom(txnId, message)
}

// CustomLock records an opaque, application-defined redo payload scoped
// to a lock on (ix, key).
func (c *TransactionContext) CustomLock(txnId TxnId, ix IndexId, key, message []byte) error {
	return c.redoCustomLock(txnId, ix, key, message)
}

// Timestamp marks the stream with the current wall-clock time.
func (c *TransactionContext) Timestamp() error {
	return c.redoTimestamp()
}

// NopRandom pads the stream with size bytes of random filler.
func (c *TransactionContext) NopRandom(size int) error {
	return c.doRedoNopRandom(size)
}

// Reset flushes and starts a fresh delta-encoding epoch.
func (c *TransactionContext) Reset() error {
	return c.doRedoReset()
}

// Close, Shutdown and EndFile encode and flush their respective bare
// housekeeping markers.
func (c *TransactionContext) Close() error    { return c.redoClose() }
func (c *TransactionContext) Shutdown() error { return c.redoShutdown() }
func (c *TransactionContext) EndFile() error  { return c.redoEndFile() }

// RenameIndex records that ix was renamed to newName under txnId.
func (c *TransactionContext) RenameIndex(txnId TxnId, ix IndexId, newName []byte) error {
	return c.redoRenameIndex(txnId, ix, newName)
}

// DeleteIndex records that ix was dropped under txnId.
func (c *TransactionContext) DeleteIndex(txnId TxnId, ix IndexId) error {
	return c.redoDeleteIndex(txnId, ix)
}

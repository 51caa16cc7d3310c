package redo

import (
	"encoding/binary"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/atomic"
)

// TransactionContext batches redo operations from many concurrent
// transactions into one flat buffer and hands completed buffers to a bound
// Writer. A database runs a small, fixed pool of contexts; a transaction is
// sharded to one by hashing its TxnId, which bounds lock contention on the
// shared buffer to 1/N of all active transactions.
//
// Two independent critical sections protect a context: the redo latch
// (redoMu) guards the buffer and the writer binding, and the context
// monitor (mu) guards the UndoLog registry and the identifier high-water
// mark. The redo latch is always acquired before the writer's own latch,
// never the reverse.
type TransactionContext struct {
	index   int
	stride  int64
	initial int64

	mu sync.Mutex

	redoMu        sync.Mutex
	buf           []byte
	pos           int
	firstTxnId    TxnId
	firstSlotPos  int
	lastTxnId     TxnId
	writer        Writer
	writerLatched bool

	undo *undoRegistry

	highWater atomic.Int64

	confirmedPos *confirmedPosition
}

// NewTransactionContext builds the index'th of numContexts contexts sharing
// a database. TxnIds minted by this context start at index+1 and climb by
// numContexts each time, so no two contexts ever mint the same id.
func NewTransactionContext(index, numContexts, bufSize int) *TransactionContext {
	if numContexts < 1 {
		numContexts = 1
	}
	initial := int64(index + 1)
	stride := int64(numContexts)

	c := &TransactionContext{
		index:        index,
		stride:       stride,
		initial:      initial,
		buf:          make([]byte, bufSize),
		undo:         newUndoRegistry(),
		confirmedPos: newConfirmedPosition(),
	}
	c.highWater.Store(initial - stride)
	return c
}

// nextTransactionId mints a fresh, positive TxnId. On overflow past the
// signed 64-bit range the context reseeds under its monitor rather than
// wrapping negative, trading strict global monotonicity at that one
// boundary for the postcondition that every minted id is positive.
func (c *TransactionContext) nextTransactionId() TxnId {
	if v := c.highWater.Add(c.stride); v > 0 {
		return TxnId(v)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if v := c.highWater.Load(); v > 0 {
		return TxnId(c.highWater.Add(c.stride))
	}

	reseed := c.initial % c.stride
	if reseed <= 0 {
		reseed += c.stride
	}
	c.highWater.Store(reseed)
	return TxnId(reseed)
}

func (c *TransactionContext) checkWriter() error {
	if c.writer == nil {
		return ErrClosed
	}
	if cause := c.writer.CloseCause(); cause != nil {
		return cause
	}
	return nil
}

// BindWriter flushes any buffered content to the currently bound writer (if
// any) and switches to w. A buffer that cannot be flushed because the old
// writer turned unmodifiable mid-switch is discarded rather than blocking
// the switch, per the failover contract: the new writer starts a fresh
// epoch regardless.
func (c *TransactionContext) BindWriter(w Writer) error {
	c.redoMu.Lock()
	defer c.redoMu.Unlock()

	if c.writer != nil && c.pos > 0 {
		if _, err := c.redoFlush(false); err != nil {
			if err != ErrUnmodifiable {
				return err
			}
			c.pos = 0
			c.firstTxnId = 0
			c.firstSlotPos = 0
		}
	}
	c.writer = w
	return nil
}

// Flush forces any buffered records out to the writer without declaring a
// commit boundary.
func (c *TransactionContext) Flush() error {
	c.redoMu.Lock()
	defer c.redoMu.Unlock()
	if c.writer == nil {
		return nil
	}
	_, err := c.redoFlush(false)
	return err
}

// redoFlush writes the buffer to the bound writer, backfilling the
// reserved transactional prefix if one is pending. Callers must hold
// redoMu. When commit is true, the write is reported to the writer as
// completing a commit spanning the whole (post-backfill) buffer;
// otherwise no commit boundary is reported.
func (c *TransactionContext) redoFlush(commit bool) (int64, error) {
	if c.pos == 0 {
		return 0, nil
	}

	hadTxn := c.firstTxnId != 0
	if hadTxn {
		delta := int64(c.firstTxnId) - int64(c.writer.LastTxnId())
		realLen := varLongLen(delta)
		writeVarLong(c.buf[c.firstSlotPos+1:], delta)
		if gap := maxVarLongLen - realLen; gap > 0 {
			tailStart := c.firstSlotPos + 1 + maxVarLongLen
			newTailStart := c.firstSlotPos + 1 + realLen
			copy(c.buf[newTailStart:c.pos-gap], c.buf[tailStart:c.pos])
			c.pos -= gap
		}
	}

	// commitLen is computed only now, after any backfill shrink, so it
	// always matches the length actually handed to Write.
	commitLen := int64(-1)
	if commit {
		commitLen = int64(c.pos)
	}

	c.writer.Lock()
	c.writerLatched = true
	commitPos, err := c.writer.Write(c.buf, 0, c.pos, commitLen)
	if err == nil && hadTxn {
		c.writer.SetLastTxnId(c.lastTxnId)
	}
	c.writer.Unlock()
	c.writerLatched = false

	c.pos = 0
	c.firstTxnId = 0
	c.firstSlotPos = 0

	if err != nil {
		return commitPos, wrapWriterErr(c.writer, err)
	}
	if commitPos > 0 {
		c.confirmedPos.confirmed(commitPos, c.lastTxnId)
	}
	return commitPos, nil
}

// flushForMode issues the writer call (or none) that mode requires once a
// record has already been appended, returning the commit position SYNC
// callers must await.
func (c *TransactionContext) flushForMode(mode DurabilityMode) (int64, error) {
	if mode == DurabilityNoFlush {
		return 0, nil
	}
	pos, err := c.redoFlush(mode == DurabilitySync)
	if err != nil || mode != DurabilitySync {
		return 0, err
	}
	return pos, nil
}

// storeAutoCommit encodes a single, non-transactional, immediately
// committed store or delete. op is one of OpStore/OpStoreNoLock/
// OpDelete/OpDeleteNoLock.
func (c *TransactionContext) storeAutoCommit(mode DurabilityMode, op Op, ix IndexId, key, value []byte) (int64, error) {
	if len(key) == 0 {
		return 0, ErrKeyEmpty
	}
	if len(key) > MaxKeyLength {
		return 0, ErrKeyTooLarge
	}

	c.redoMu.Lock()
	defer c.redoMu.Unlock()

	if err := c.checkWriter(); err != nil {
		return 0, err
	}
	mode = c.writer.OpWriteCheck(mode)
	if mode == DurabilityNoRedo {
		return 0, nil
	}

	hasValue := op == OpStore || op == OpStoreNoLock
	operandLen := 8 + uvarintLen(len(key)) + len(key)
	if hasValue {
		operandLen += uvarintLen(len(value)) + len(value)
	}
	if err := c.ensureSpace(c.recordLen(false, 0, operandLen)); err != nil {
		return 0, err
	}

	c.buf[c.pos] = byte(op)
	c.pos++
	c.appendIndexId(ix)
	c.appendBytes(key)
	if hasValue {
		c.appendBytes(value)
	}
	if c.writer.ShouldWriteTerminators() {
		c.appendTerminator()
	}

	return c.flushForMode(mode)
}

func (c *TransactionContext) redoStoreAutoCommit(mode DurabilityMode, ix IndexId, key, value []byte) (int64, error) {
	return c.storeAutoCommit(mode, OpStore, ix, key, value)
}

func (c *TransactionContext) redoStoreNoLockAutoCommit(mode DurabilityMode, ix IndexId, key, value []byte) (int64, error) {
	return c.storeAutoCommit(mode, OpStoreNoLock, ix, key, value)
}

func (c *TransactionContext) redoDeleteAutoCommit(mode DurabilityMode, ix IndexId, key []byte) (int64, error) {
	return c.storeAutoCommit(mode, OpDelete, ix, key, nil)
}

func (c *TransactionContext) redoDeleteNoLockAutoCommit(mode DurabilityMode, ix IndexId, key []byte) (int64, error) {
	return c.storeAutoCommit(mode, OpDeleteNoLock, ix, key, nil)
}

// txnOp encodes a transactional record carrying no operands beyond its
// TxnId (enter/rollback/commit and their final variants).
func (c *TransactionContext) txnOp(mode DurabilityMode, txnId TxnId, op Op, final bool) (int64, error) {
	c.redoMu.Lock()
	defer c.redoMu.Unlock()

	if err := c.checkWriter(); err != nil {
		return 0, err
	}
	mode = c.writer.OpWriteCheck(mode)
	if mode == DurabilityNoRedo {
		return 0, nil
	}

	if err := c.ensureSpace(c.recordLen(true, txnId)); err != nil {
		return 0, err
	}
	c.appendOpcodeAndTxn(op, txnId)
	if c.writer.ShouldWriteTerminators() {
		c.appendTerminator()
	}

	if !final {
		return 0, nil
	}
	return c.flushForMode(mode)
}

func (c *TransactionContext) redoEnter(txnId TxnId) error {
	_, err := c.txnOp(DurabilityNoFlush, txnId, OpTxnEnter, false)
	return err
}

func (c *TransactionContext) redoRollback(txnId TxnId) error {
	_, err := c.txnOp(DurabilityNoFlush, txnId, OpTxnRollback, false)
	return err
}

func (c *TransactionContext) redoRollbackFinal(mode DurabilityMode, txnId TxnId) (int64, error) {
	return c.txnOp(mode, txnId, OpTxnRollbackFinal, true)
}

func (c *TransactionContext) redoCommit(txnId TxnId) error {
	_, err := c.txnOp(DurabilityNoFlush, txnId, OpTxnCommit, false)
	return err
}

func (c *TransactionContext) redoCommitFinal(mode DurabilityMode, txnId TxnId) (int64, error) {
	return c.txnOp(mode, txnId, OpTxnCommitFinal, true)
}

// txnStoreOp encodes a transactional store/delete, optionally final
// (committing the transaction once this record is durable per mode).
func (c *TransactionContext) txnStoreOp(mode DurabilityMode, txnId TxnId, op Op, ix IndexId, key, value []byte, final bool) (int64, error) {
	if len(key) == 0 {
		return 0, ErrKeyEmpty
	}
	if len(key) > MaxKeyLength {
		return 0, ErrKeyTooLarge
	}

	c.redoMu.Lock()
	defer c.redoMu.Unlock()

	if err := c.checkWriter(); err != nil {
		return 0, err
	}
	mode = c.writer.OpWriteCheck(mode)
	if mode == DurabilityNoRedo {
		return 0, nil
	}

	hasValue := op == OpTxnStore || op == OpTxnStoreCommitFinal
	operandLen := 8 + uvarintLen(len(key)) + len(key)
	if hasValue {
		operandLen += uvarintLen(len(value)) + len(value)
	}
	if err := c.ensureSpace(c.recordLen(true, txnId, operandLen)); err != nil {
		return 0, err
	}

	c.appendOpcodeAndTxn(op, txnId)
	c.appendIndexId(ix)
	c.appendBytes(key)
	if hasValue {
		c.appendBytes(value)
	}
	if c.writer.ShouldWriteTerminators() {
		c.appendTerminator()
	}

	if !final {
		return 0, nil
	}
	return c.flushForMode(mode)
}

func (c *TransactionContext) redoStore(txnId TxnId, ix IndexId, key, value []byte) error {
	_, err := c.txnStoreOp(DurabilityNoFlush, txnId, OpTxnStore, ix, key, value, false)
	return err
}

func (c *TransactionContext) redoDelete(txnId TxnId, ix IndexId, key []byte) error {
	_, err := c.txnStoreOp(DurabilityNoFlush, txnId, OpTxnDelete, ix, key, nil, false)
	return err
}

func (c *TransactionContext) redoStoreCommitFinal(mode DurabilityMode, txnId TxnId, ix IndexId, key, value []byte) (int64, error) {
	return c.txnStoreOp(mode, txnId, OpTxnStoreCommitFinal, ix, key, value, true)
}

func (c *TransactionContext) redoDeleteCommitFinal(mode DurabilityMode, txnId TxnId, ix IndexId, key []byte) (int64, error) {
	return c.txnStoreOp(mode, txnId, OpTxnDeleteCommitFinal, ix, key, nil, true)
}

// redoLock encodes a lock-notification record: no collaborator data
// actually changes, but a replica must know the lock was acquired so its
// own lock table stays consistent with the primary's.
func (c *TransactionContext) redoLock(txnId TxnId, op Op, ix IndexId, key []byte) error {
	if len(key) == 0 {
		return ErrKeyEmpty
	}
	c.redoMu.Lock()
	defer c.redoMu.Unlock()

	if err := c.checkWriter(); err != nil {
		return err
	}
	operandLen := 8 + uvarintLen(len(key)) + len(key)
	if err := c.ensureSpace(c.recordLen(true, txnId, operandLen)); err != nil {
		return err
	}
	c.appendOpcodeAndTxn(op, txnId)
	c.appendIndexId(ix)
	c.appendBytes(key)
	if c.writer.ShouldWriteTerminators() {
		c.appendTerminator()
	}
	return nil
}

func (c *TransactionContext) redoLockShared(txnId TxnId, ix IndexId, key []byte) error {
	return c.redoLock(txnId, OpTxnLockShared, ix, key)
}

func (c *TransactionContext) redoLockUpgradable(txnId TxnId, ix IndexId, key []byte) error {
	return c.redoLock(txnId, OpTxnLockUpgradable, ix, key)
}

func (c *TransactionContext) redoLockExclusive(txnId TxnId, ix IndexId, key []byte) error {
	return c.redoLock(txnId, OpTxnLockExclusive, ix, key)
}

// customOp encodes an opaque collaborator-defined message, optionally
// scoped to a lock on (ix, key).
func (c *TransactionContext) customOp(txnId TxnId, op Op, ix IndexId, key, message []byte) error {
	c.redoMu.Lock()
	defer c.redoMu.Unlock()

	if err := c.checkWriter(); err != nil {
		return err
	}
	operandLen := uvarintLen(len(message)) + len(message)
	if op == OpTxnCustomLock {
		operandLen += 8 + uvarintLen(len(key)) + len(key)
	}
	if err := c.ensureSpace(c.recordLen(true, txnId, operandLen)); err != nil {
		return err
	}

	c.appendOpcodeAndTxn(op, txnId)
	if op == OpTxnCustomLock {
		c.appendIndexId(ix)
		c.appendBytes(key)
	}
	c.appendBytes(message)
	if c.writer.ShouldWriteTerminators() {
		c.appendTerminator()
	}
	return nil
}

func (c *TransactionContext) redoCustom(txnId TxnId, message []byte) error {
	return c.customOp(txnId, OpTxnCustom, 0, nil, message)
}

func (c *TransactionContext) redoCustomLock(txnId TxnId, ix IndexId, key, message []byte) error {
	return c.customOp(txnId, OpTxnCustomLock, ix, key, message)
}

// redoTimestamp marks the stream with the current wall-clock time, purely
// as a diagnostic breadcrumb for recovery tooling.
func (c *TransactionContext) redoTimestamp() error {
	c.redoMu.Lock()
	defer c.redoMu.Unlock()

	if err := c.checkWriter(); err != nil {
		return err
	}
	if err := c.ensureSpace(c.recordLen(false, 0, 8)); err != nil {
		return err
	}
	c.buf[c.pos] = byte(OpTimestamp)
	c.pos++
	binary.LittleEndian.PutUint64(c.buf[c.pos:], uint64(time.Now().UnixNano()))
	c.pos += 8
	if c.writer.ShouldWriteTerminators() {
		c.appendTerminator()
	}
	return nil
}

// doRedoNopRandom pads the stream with size bytes of random filler,
// breaking up runs that would otherwise look like a truncated record to a
// decoder resynchronizing after a corrupt terminator. The filler is
// length-prefixed like any other byte-slice operand so a decoder never
// has to guess where it ends.
func (c *TransactionContext) doRedoNopRandom(size int) error {
	c.redoMu.Lock()
	defer c.redoMu.Unlock()

	if err := c.checkWriter(); err != nil {
		return err
	}
	if err := c.ensureSpace(c.recordLen(false, 0, uvarintLen(size)+size)); err != nil {
		return err
	}
	c.buf[c.pos] = byte(OpNopRandom)
	c.pos++
	c.pos = len(writeUvarint(c.buf[:c.pos], uint64(size)))
	rand.Read(c.buf[c.pos : c.pos+size])
	c.pos += size
	if c.writer.ShouldWriteTerminators() {
		c.appendTerminator()
	}
	return nil
}

// doRedoReset flushes and then zeroes the stream's notion of the last-seen
// TxnId, starting a brand new delta-encoding epoch from scratch. Used when
// a log file rotates or a fresh replica resynchronizes from a checkpoint.
func (c *TransactionContext) doRedoReset() error {
	c.redoMu.Lock()
	defer c.redoMu.Unlock()

	if err := c.checkWriter(); err != nil {
		return err
	}
	if err := c.ensureSpace(c.recordLen(false, 0)); err != nil {
		return err
	}
	c.buf[c.pos] = byte(OpReset)
	c.pos++
	if c.writer.ShouldWriteTerminators() {
		c.appendTerminator()
	}
	if _, err := c.redoFlush(false); err != nil {
		return err
	}
	c.lastTxnId = 0
	c.writer.SetLastTxnId(0)
	return nil
}

// redoOpMarker encodes and immediately flushes a bare housekeeping opcode.
func (c *TransactionContext) redoOpMarker(op Op) error {
	c.redoMu.Lock()
	defer c.redoMu.Unlock()

	if c.writer == nil {
		return nil
	}
	if err := c.ensureSpace(c.recordLen(false, 0)); err != nil {
		return err
	}
	c.buf[c.pos] = byte(op)
	c.pos++
	if c.writer.ShouldWriteTerminators() {
		c.appendTerminator()
	}
	_, err := c.redoFlush(false)
	return err
}

func (c *TransactionContext) redoClose() error    { return c.redoOpMarker(OpClose) }
func (c *TransactionContext) redoShutdown() error { return c.redoOpMarker(OpShutdown) }
func (c *TransactionContext) redoEndFile() error  { return c.redoOpMarker(OpEndFile) }

// redoRenameIndex and redoDeleteIndex carry their TxnId as a plain 8-byte
// operand rather than through the delta-encoded epoch, since index admin
// operations are rare enough that the compression is not worth the extra
// bookkeeping, and they must remain decodable even outside any transaction
// epoch.
func (c *TransactionContext) redoRenameIndex(txnId TxnId, ix IndexId, newName []byte) error {
	c.redoMu.Lock()
	defer c.redoMu.Unlock()

	if err := c.checkWriter(); err != nil {
		return err
	}
	operandLen := 8 + 8 + uvarintLen(len(newName)) + len(newName)
	if err := c.ensureSpace(c.recordLen(false, 0, operandLen)); err != nil {
		return err
	}
	c.buf[c.pos] = byte(OpRenameIndex)
	c.pos++
	c.appendTxnIdRaw(txnId)
	c.appendIndexId(ix)
	c.appendBytes(newName)
	if c.writer.ShouldWriteTerminators() {
		c.appendTerminator()
	}
	_, err := c.redoFlush(false)
	return err
}

func (c *TransactionContext) redoDeleteIndex(txnId TxnId, ix IndexId) error {
	c.redoMu.Lock()
	defer c.redoMu.Unlock()

	if err := c.checkWriter(); err != nil {
		return err
	}
	if err := c.ensureSpace(c.recordLen(false, 0, 16)); err != nil {
		return err
	}
	c.buf[c.pos] = byte(OpDeleteIndex)
	c.pos++
	c.appendTxnIdRaw(txnId)
	c.appendIndexId(ix)
	if c.writer.ShouldWriteTerminators() {
		c.appendTerminator()
	}
	_, err := c.redoFlush(false)
	return err
}

// RegisterUndoLog, UnregisterUndoLog, HasUndoLogs, WriteToMaster and
// DeleteUndoLogs guard the per-context UndoLog registry with the context
// monitor, independent of the redo latch: undo bookkeeping never needs to
// wait on a buffer flush.

func (c *TransactionContext) RegisterUndoLog(log *UndoLog) UndoHandle {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.undo.register(log)
}

func (c *TransactionContext) UnregisterUndoLog(h UndoHandle) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.undo.unregister(h)
}

func (c *TransactionContext) HasUndoLogs() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.undo.hasUndoLogs()
}

// WriteToMaster visits every registered UndoLog, most-recently-registered
// first, the order recovery must replay them in to undo nested operations
// before the ones they depend on.
func (c *TransactionContext) WriteToMaster(fn func(*UndoLog)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.undo.forEach(fn)
}

func (c *TransactionContext) DeleteUndoLogs() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.undo = newUndoRegistry()
}

// Confirmed, ConfirmedPosition, HigherConfirmed and CopyConfirmed expose
// this context's confirmed-position watermark to callers coordinating
// durability across contexts (e.g. a checkpoint that must wait for every
// context to confirm past a given position).

func (c *TransactionContext) Confirmed(pos int64, txnId TxnId) {
	c.confirmedPos.confirmed(pos, txnId)
}

func (c *TransactionContext) ConfirmedPosition() (int64, TxnId) {
	return c.confirmedPos.get()
}

func (c *TransactionContext) HigherConfirmed(other *TransactionContext) {
	c.confirmedPos.higherConfirmed(other.confirmedPos)
}

func (c *TransactionContext) CopyConfirmed(other *TransactionContext) {
	c.confirmedPos.copyConfirmed(other.confirmedPos)
}

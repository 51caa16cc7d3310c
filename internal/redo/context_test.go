package redo

import (
	"bytes"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memoryWriter is a minimal in-process Writer used to drive
// TransactionContext without touching a real file or network sink.
type memoryWriter struct {
	mu         sync.Mutex
	out        bytes.Buffer
	lastTxnId  TxnId
	terminated bool
	closeCause error
	nextPos    int64
}

func (w *memoryWriter) OpWriteCheck(mode DurabilityMode) DurabilityMode { return mode }

func (w *memoryWriter) Write(buf []byte, offset, length int, commitLen int64) (int64, error) {
	w.out.Write(buf[offset : offset+length])
	w.nextPos += int64(length)
	if commitLen >= 0 {
		return w.nextPos, nil
	}
	return 0, nil
}

func (w *memoryWriter) ShouldWriteTerminators() bool { return w.terminated }
func (w *memoryWriter) Lock()                        { w.mu.Lock() }
func (w *memoryWriter) Unlock()                      { w.mu.Unlock() }
func (w *memoryWriter) LastTxnId() TxnId             { return w.lastTxnId }
func (w *memoryWriter) SetLastTxnId(id TxnId)        { w.lastTxnId = id }
func (w *memoryWriter) CloseCause() error            { return w.closeCause }

func newTestContext(t *testing.T) (*TransactionContext, *memoryWriter) {
	t.Helper()
	c := NewTransactionContext(0, 1, 4096)
	w := &memoryWriter{}
	require.NoError(t, c.BindWriter(w))
	return c, w
}

func TestNextTransactionIdIsPositiveAndStrided(t *testing.T) {
	c := NewTransactionContext(2, 4, 1024)
	first := c.nextTransactionId()
	second := c.nextTransactionId()
	assert.EqualValues(t, 3, first)
	assert.EqualValues(t, 7, second)
}

func TestNextTransactionIdReseedsOnOverflow(t *testing.T) {
	c := NewTransactionContext(0, 3, 1024)
	c.highWater.Store(9223372036854775805) // one stride shy of overflow

	id := c.nextTransactionId()
	assert.Greater(t, int64(id), int64(0))
}

func TestRedoStoreAutoCommitSyncReturnsCommitPosition(t *testing.T) {
	c, _ := newTestContext(t)

	pos, err := c.redoStoreAutoCommit(DurabilitySync, 1, []byte("k"), []byte("v"))
	require.NoError(t, err)
	assert.Greater(t, pos, int64(0))
}

func TestRedoStoreAutoCommitNoFlushDefersWrite(t *testing.T) {
	c, w := newTestContext(t)

	pos, err := c.redoStoreAutoCommit(DurabilityNoFlush, 1, []byte("k"), []byte("v"))
	require.NoError(t, err)
	assert.EqualValues(t, 0, pos)
	assert.Equal(t, 0, w.out.Len(), "NO_FLUSH must not reach the writer yet")
	assert.Greater(t, c.pos, 0, "the record must still be sitting in the buffer")
}

func TestRedoStoreAutoCommitRejectsOversizeKey(t *testing.T) {
	c, _ := newTestContext(t)

	big := make([]byte, MaxKeyLength+1)
	_, err := c.redoStoreAutoCommit(DurabilitySync, 1, big, nil)
	assert.ErrorIs(t, err, ErrKeyTooLarge)
}

func TestRedoStoreAutoCommitRejectsEmptyKey(t *testing.T) {
	c, _ := newTestContext(t)

	_, err := c.redoStoreAutoCommit(DurabilitySync, 1, nil, []byte("v"))
	assert.ErrorIs(t, err, ErrKeyEmpty)
}

func TestTransactionalEpochBackfillsDeltaAgainstWriter(t *testing.T) {
	c, w := newTestContext(t)
	w.lastTxnId = 100

	txn := TxnId(107)
	require.NoError(t, c.redoEnter(txn))
	require.NoError(t, c.redoStore(txn, 1, []byte("k"), []byte("v")))
	_, err := c.redoCommitFinal(DurabilitySync, txn)
	require.NoError(t, err)

	assert.EqualValues(t, txn, w.lastTxnId, "the writer's view must advance to the last TxnId in the flushed buffer")

	// The flushed stream must be decodable: opcode, then a small varlong
	// delta (107-100=7 fits in one byte), not the reserved nine-byte slot.
	out := w.out.Bytes()
	require.NotEmpty(t, out)
	assert.EqualValues(t, OpTxnEnter, out[0])
	_, n := readVarLong(out[1:])
	assert.Equal(t, 1, n, "small deltas must be compacted down from the reserved slot")
}

func TestSecondTransactionalRecordInEpochChainsOffFirst(t *testing.T) {
	c, w := newTestContext(t)
	w.lastTxnId = 0

	txnA := TxnId(5)
	txnB := TxnId(6)
	require.NoError(t, c.redoEnter(txnA))
	require.NoError(t, c.redoEnter(txnB))
	_, err := c.redoCommitFinal(DurabilitySync, txnB)
	require.NoError(t, err)

	assert.EqualValues(t, txnB, w.lastTxnId)
}

func TestRedoCommitFinalNoSyncReturnsZeroButStillFlushes(t *testing.T) {
	c, w := newTestContext(t)

	txn := TxnId(1)
	require.NoError(t, c.redoEnter(txn))
	pos, err := c.redoCommitFinal(DurabilityNoSync, txn)
	require.NoError(t, err)
	assert.EqualValues(t, 0, pos)
	assert.Greater(t, w.out.Len(), 0, "NO_SYNC still flushes, it just doesn't wait on durability")
}

func TestRedoNoRedoModeSkipsEncodingEntirely(t *testing.T) {
	c, w := newTestContext(t)

	pos, err := c.redoStoreAutoCommit(DurabilityNoRedo, 1, []byte("k"), []byte("v"))
	require.NoError(t, err)
	assert.EqualValues(t, 0, pos)
	assert.Equal(t, 0, w.out.Len())
	assert.Equal(t, 0, c.pos)
}

func TestWriteSpanningEndOfBufferFlushesAndContinues(t *testing.T) {
	c := NewTransactionContext(0, 1, 64)
	w := &memoryWriter{}
	require.NoError(t, c.BindWriter(w))

	key := bytes.Repeat([]byte{'k'}, 40)
	_, err := c.redoStoreAutoCommit(DurabilityNoFlush, 1, key, nil)
	require.NoError(t, err)
	firstLen := w.out.Len() + c.pos

	_, err = c.redoStoreAutoCommit(DurabilityNoFlush, 1, key, nil)
	require.NoError(t, err)

	assert.Greater(t, w.out.Len(), 0, "the first record must have been flushed out to make room")
	assert.Equal(t, firstLen, w.out.Len()+0, "nothing from the first record is lost across the boundary flush")
}

func TestBindWriterFlushesPendingBufferFirst(t *testing.T) {
	c, w1 := newTestContext(t)
	_, err := c.redoStoreAutoCommit(DurabilityNoFlush, 1, []byte("k"), []byte("v"))
	require.NoError(t, err)
	assert.Equal(t, 0, w1.out.Len())

	w2 := &memoryWriter{}
	require.NoError(t, c.BindWriter(w2))

	assert.Greater(t, w1.out.Len(), 0, "switching writers must flush what was pending on the old one")
	assert.Equal(t, 0, w2.out.Len(), "the new writer starts with a clean epoch")
}

func TestUndoLogRegistryIntegratesWithContext(t *testing.T) {
	c, _ := newTestContext(t)

	h := c.RegisterUndoLog(&UndoLog{TxnId: 42})
	assert.True(t, c.HasUndoLogs())

	var visited []TxnId
	c.WriteToMaster(func(l *UndoLog) { visited = append(visited, l.TxnId) })
	assert.Equal(t, []TxnId{42}, visited)

	c.UnregisterUndoLog(h)
	assert.False(t, c.HasUndoLogs())
}

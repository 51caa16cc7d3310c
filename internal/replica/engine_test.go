package replica_test

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nimbusdb/redo/internal/redo"
	"github.com/nimbusdb/redo/internal/replica"
	"github.com/nimbusdb/redo/internal/txntest"
)

// memoryWriter is a minimal redo.Writer, enough to produce a byte stream
// the engine can decode straight back out of a bytes.Reader.
type memoryWriter struct {
	mu        sync.Mutex
	buf       bytes.Buffer
	lastTxnId redo.TxnId
}

func (w *memoryWriter) OpWriteCheck(mode redo.DurabilityMode) redo.DurabilityMode { return mode }

func (w *memoryWriter) Write(buf []byte, offset, length int, commitLen int64) (int64, error) {
	w.buf.Write(buf[offset : offset+length])
	if commitLen >= 0 {
		return 1, nil
	}
	return 0, nil
}

func (w *memoryWriter) ShouldWriteTerminators() bool { return false }
func (w *memoryWriter) Lock()                        { w.mu.Lock() }
func (w *memoryWriter) Unlock()                      { w.mu.Unlock() }
func (w *memoryWriter) LastTxnId() redo.TxnId        { return w.lastTxnId }
func (w *memoryWriter) SetLastTxnId(id redo.TxnId)   { w.lastTxnId = id }
func (w *memoryWriter) CloseCause() error            { return nil }

func buildStream(t *testing.T, fn func(c *redo.TransactionContext)) []byte {
	t.Helper()
	c := redo.NewTransactionContext(0, 1, 8192)
	w := &memoryWriter{}
	require.NoError(t, c.BindWriter(w))
	fn(c)
	require.NoError(t, c.Flush())
	return w.buf.Bytes()
}

func openerFor(db *txntest.Database) func(redo.IndexId) (replica.Index, error) {
	return func(ix redo.IndexId) (replica.Index, error) { return db.Index(ix), nil }
}

// replayedSignal returns an onLeader callback for NewEngine and a channel
// that callback closes. The engine calls onLeader once the decoder has
// reached end-of-stream and drained its workers; Close stops decoding at
// the next record, so tests wait on the channel before calling Close.
func replayedSignal() (func(), chan struct{}) {
	done := make(chan struct{})
	return func() { close(done) }, done
}

func waitReplayed(t *testing.T, replayed chan struct{}) {
	t.Helper()
	select {
	case <-replayed:
	case <-time.After(5 * time.Second):
		t.Fatal("engine never reached end of stream")
	}
}

func TestEngineReplaysTxnStoreCommit(t *testing.T) {
	txn := redo.TxnId(1)
	stream := buildStream(t, func(c *redo.TransactionContext) {
		require.NoError(t, c.EnterTransaction(txn))
		_, err := c.StoreCommitFinal(redo.DurabilitySync, txn, 7, []byte("k1"), []byte("v1"))
		require.NoError(t, err)
	})

	db := txntest.NewDatabase()
	repl := txntest.NewReplication()
	onLeader, replayed := replayedSignal()
	eng := replica.NewEngine(replica.Config{}, db, repl, db.NewTransaction, openerFor(db), nil, onLeader)

	require.NoError(t, eng.StartReceiving(bytes.NewReader(stream), false))
	waitReplayed(t, replayed)
	eng.Close()

	v, ok := db.Index(7).Get([]byte("k1"))
	assert.True(t, ok)
	assert.Equal(t, []byte("v1"), v)
	assert.Len(t, repl.Stores(), 1)
}

func TestEngineReplaysAutoCommitStoreAndDelete(t *testing.T) {
	stream := buildStream(t, func(c *redo.TransactionContext) {
		_, err := c.StoreAutoCommit(redo.DurabilitySync, 3, []byte("a"), []byte("b"))
		require.NoError(t, err)
		_, err = c.DeleteAutoCommit(redo.DurabilitySync, 3, []byte("a"))
		require.NoError(t, err)
	})

	db := txntest.NewDatabase()
	onLeader, replayed := replayedSignal()
	eng := replica.NewEngine(replica.Config{}, db, nil, db.NewTransaction, openerFor(db), nil, onLeader)

	require.NoError(t, eng.StartReceiving(bytes.NewReader(stream), false))
	waitReplayed(t, replayed)
	eng.Close()

	_, ok := db.Index(3).Get([]byte("a"))
	assert.False(t, ok)
}

func TestEngineAppliesStoreBeforeRollbackRecord(t *testing.T) {
	// Redo replay is forward-only: the store already happened by the time
	// the rollback record arrives. Undoing it is the UndoLog's job, a
	// separate subsystem this engine never touches.
	txn := redo.TxnId(5)
	stream := buildStream(t, func(c *redo.TransactionContext) {
		require.NoError(t, c.EnterTransaction(txn))
		require.NoError(t, c.Store(txn, 9, []byte("x"), []byte("y")))
		_, err := c.RollbackFinal(redo.DurabilitySync, txn)
		require.NoError(t, err)
	})

	db := txntest.NewDatabase()
	var mu sync.Mutex
	var txns []*txntest.Transaction
	newTxn := func(id redo.TxnId) replica.LocalTransaction {
		tt := txntest.NewTransaction(id, db.Locker)
		mu.Lock()
		txns = append(txns, tt)
		mu.Unlock()
		return tt
	}

	onLeader, replayed := replayedSignal()
	eng := replica.NewEngine(replica.Config{}, db, nil, newTxn, openerFor(db), nil, onLeader)
	require.NoError(t, eng.StartReceiving(bytes.NewReader(stream), false))
	waitReplayed(t, replayed)
	eng.Close()

	v, ok := db.Index(9).Get([]byte("x"))
	require.True(t, ok)
	assert.Equal(t, []byte("y"), v)

	require.Len(t, txns, 1)
	assert.True(t, txns[0].RolledBack())
}

func TestSuspendResumeRoundTrips(t *testing.T) {
	db := txntest.NewDatabase()
	var stream []byte
	for i := 0; i < 20; i++ {
		txn := redo.TxnId(i + 1)
		stream = append(stream, buildStream(t, func(c *redo.TransactionContext) {
			require.NoError(t, c.EnterTransaction(txn))
			_, err := c.StoreCommitFinal(redo.DurabilitySync, txn, 1, []byte(fmt.Sprintf("k%d", i)), []byte("v"))
			require.NoError(t, err)
		})...)
	}

	onLeader, replayed := replayedSignal()
	eng := replica.NewEngine(replica.Config{}, db, nil, db.NewTransaction, openerFor(db), nil, onLeader)
	require.NoError(t, eng.StartReceiving(bytes.NewReader(stream), false))

	require.NoError(t, eng.Suspend())
	require.NoError(t, eng.Resume())

	waitReplayed(t, replayed)
	eng.Close()

	assert.Equal(t, 20, db.Index(1).Len())
}

func TestEngineReplaysRenameAndDeleteIndex(t *testing.T) {
	txn := redo.TxnId(1)
	stream := buildStream(t, func(c *redo.TransactionContext) {
		require.NoError(t, c.RenameIndex(txn, 4, []byte("new_name")))
		require.NoError(t, c.DeleteIndex(txn, 4))
	})

	db := txntest.NewDatabase()
	repl := txntest.NewReplication()
	onLeader, replayed := replayedSignal()
	eng := replica.NewEngine(replica.Config{}, db, repl, db.NewTransaction, openerFor(db), nil, onLeader)

	require.NoError(t, eng.StartReceiving(bytes.NewReader(stream), false))
	waitReplayed(t, replayed)
	eng.Close()

	name, ok := db.RenamedTo(4)
	assert.True(t, ok)
	assert.Equal(t, []byte("new_name"), name)
	assert.Len(t, repl.Renames(), 1)
	assert.Len(t, repl.Drops(), 1)

	// ReplicaDeleteTree's actual removal runs on a detached goroutine, not
	// joined by Close, so it must be polled for.
	assert.Eventually(t, func() bool { return db.Dropped(4) }, time.Second, 5*time.Millisecond)
}

func TestEngineReplaysCustomAndCustomLock(t *testing.T) {
	txn := redo.TxnId(2)
	stream := buildStream(t, func(c *redo.TransactionContext) {
		require.NoError(t, c.EnterTransaction(txn))
		require.NoError(t, c.Custom(txn, []byte("hello")))
		require.NoError(t, c.CustomLock(txn, 6, []byte("key"), []byte("world")))
		_, err := c.CommitFinal(redo.DurabilitySync, txn)
		require.NoError(t, err)
	})

	db := txntest.NewDatabase()
	handler := &txntest.EchoHandler{}
	db.SetCustomTxnHandler(handler)

	onLeader, replayed := replayedSignal()
	eng := replica.NewEngine(replica.Config{}, db, nil, db.NewTransaction, openerFor(db), nil, onLeader)
	require.NoError(t, eng.StartReceiving(bytes.NewReader(stream), false))
	waitReplayed(t, replayed)
	eng.Close()

	assert.Equal(t, [][]byte{[]byte("hello")}, handler.Messages())
	keyed := handler.Keyed()
	require.Len(t, keyed, 1)
	assert.Equal(t, []byte("world"), keyed[0].Message)
	assert.EqualValues(t, 6, keyed[0].Index)
	assert.Equal(t, []byte("key"), keyed[0].Key)
}

type panicHandler struct{}

func (panicHandler) Redo(ctx context.Context, db replica.LocalDatabase, txn replica.LocalTransaction, message []byte) error {
	panic("boom")
}

func (panicHandler) RedoWithKey(ctx context.Context, db replica.LocalDatabase, txn replica.LocalTransaction, message []byte, ix redo.IndexId, key []byte) error {
	return nil
}

func TestWorkerPanicNotifiesEventListenerAndDisablesEngine(t *testing.T) {
	txn := redo.TxnId(3)
	stream := buildStream(t, func(c *redo.TransactionContext) {
		require.NoError(t, c.EnterTransaction(txn))
		require.NoError(t, c.Custom(txn, []byte("boom")))
		_, err := c.CommitFinal(redo.DurabilitySync, txn)
		require.NoError(t, err)
	})

	db := txntest.NewDatabase()
	listener := &txntest.RecordingListener{}
	db.SetEventListener(listener)
	db.SetCustomTxnHandler(panicHandler{})

	eng := replica.NewEngine(replica.Config{}, db, nil, db.NewTransaction, openerFor(db), nil, nil)
	require.NoError(t, eng.StartReceiving(bytes.NewReader(stream), false))
	// The panic disables the engine, so end-of-stream may never be
	// reached; wait for the panic's event instead before closing.
	require.Eventually(t, func() bool { return len(listener.Events()) > 0 }, 5*time.Second, 5*time.Millisecond)
	eng.Close()

	events := listener.Events()
	require.Len(t, events, 1)
	assert.Equal(t, replica.EventReplicationPanic, events[0].Kind)
	assert.Error(t, events[0].Cause)
}

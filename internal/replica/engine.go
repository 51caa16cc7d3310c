package replica

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	jujuerrors "github.com/juju/errors"

	"github.com/nimbusdb/redo/internal/redo"
	"github.com/nimbusdb/redo/logger"
	"github.com/nimbusdb/redo/server/innodb/latch"
)

// decoder state, guarded by decodeLatch.
const (
	stateDisabled = iota
	stateRunning
	stateDoSuspend
	stateSuspended
)

const (
	defaultQueueDepth = 64
	defaultIndexTTL   = 5 * time.Minute
)

// Config controls how a ReplRedoEngine sizes its worker pool and index
// cache. Zero values pick the same defaults NewEngine would pick on its
// own.
type Config struct {
	// MaxThreads is the worker pool size. Zero or negative reads the
	// logical CPU count the way internal/replica.DefaultSize documents;
	// a resolved size of 1 makes the engine run every dispatched body
	// synchronously on the decoder goroutine instead of handing it to a
	// worker.
	MaxThreads int
	// QueueDepth is the per-worker task queue capacity.
	QueueDepth int
	// IndexTTL is how long an unused index stays open in the cache.
	IndexTTL time.Duration
}

// ReplRedoEngine is the replay side of the redo pipeline: it decodes a
// stream of records produced by a TransactionContext (or a peer's) and
// replays each one's effect against a LocalDatabase, preserving
// per-transaction order while letting unrelated transactions run
// concurrently.
//
// The engine itself never touches the stream's bytes — that's
// internal/redo.Decoder's job — and never knows what an Index actually
// stores — that's LocalDatabase's job. It only orchestrates: acquire
// locks synchronously on the decoder goroutine, then hand the operation's
// body to the worker bound to its transaction.
type ReplRedoEngine struct {
	db       LocalDatabase
	repl     ReplicationManager
	newTxn   func(redo.TxnId) LocalTransaction
	isMeta   func(redo.IndexId) bool
	onLeader func()

	workers     *WorkerGroup
	synchronous bool
	txns        *txnTable
	indexes     *indexCache

	decodeLatch *latch.Latch
	decodeCond  *latch.Cond
	state       int
	decoder     *redo.Decoder
	decoderDone chan struct{}
}

// NewEngine builds a ReplRedoEngine. newTxn mints a fresh LocalTransaction
// for a TxnId the first time the decoder sees it; openIndex resolves an
// IndexId to the collaborator's open index (the engine wraps it in a
// TTL cache, so openIndex itself does not need to cache anything);
// isMetaIndex reports whether an IndexId names internal metadata whose
// replayed stores are not surfaced to repl's NotifyStore hook (rename and
// drop notifications are sent for every index); onLeader is called once, after a clean
// end-of-stream, to promote this instance to leader. Any of the callback
// parameters may be nil except newTxn and openIndex.
func NewEngine(
	cfg Config,
	db LocalDatabase,
	repl ReplicationManager,
	newTxn func(redo.TxnId) LocalTransaction,
	openIndex func(redo.IndexId) (Index, error),
	isMetaIndex func(redo.IndexId) bool,
	onLeader func(),
) *ReplRedoEngine {
	ttl := cfg.IndexTTL
	if ttl <= 0 {
		ttl = defaultIndexTTL
	}
	queueDepth := cfg.QueueDepth
	if queueDepth <= 0 {
		queueDepth = defaultQueueDepth
	}
	if isMetaIndex == nil {
		isMetaIndex = func(redo.IndexId) bool { return false }
	}

	e := &ReplRedoEngine{
		db:       db,
		repl:     repl,
		newTxn:   newTxn,
		isMeta:   isMetaIndex,
		onLeader: onLeader,
		txns:     newTxnTable(),
		indexes:  newIndexCache(ttl, openIndex),
		state:    stateDisabled,
	}
	e.decodeLatch = latch.NewLatch()
	e.decodeCond = latch.NewCond(e.decodeLatch)

	size := DefaultSize(cfg.MaxThreads)
	e.synchronous = size <= 1
	e.workers = NewWorkerGroup(size, queueDepth, e.fail)
	return e
}

// StartReceiving begins decoding r on a new goroutine. terminators must
// match the value ShouldWriteTerminators reported on the encoding side.
func (e *ReplRedoEngine) StartReceiving(r io.Reader, terminators bool) error {
	e.decodeLatch.Lock()
	defer e.decodeLatch.Unlock()
	if e.state != stateDisabled {
		return ErrAlreadyRunning
	}
	e.decoder = redo.NewDecoder(r, terminators)
	e.decoderDone = make(chan struct{})
	e.state = stateRunning
	go e.decodeLoop()
	return nil
}

// Suspend blocks until the decoder reaches a record boundary and the
// worker group has drained every task enqueued before the call, then
// returns with the decode latch held exclusively — so the suspended
// state is stable until the caller calls Resume. Suspend fails if the
// engine is not currently running.
func (e *ReplRedoEngine) Suspend() error {
	e.decodeLatch.Lock()
	if e.state != stateRunning {
		e.decodeLatch.Unlock()
		return ErrNotRunning
	}
	e.state = stateDoSuspend
	for e.state != stateSuspended {
		e.decodeCond.Wait()
	}
	e.workers.Join()
	return nil
}

// Resume releases a suspension started by Suspend, resuming decode. The
// caller must be the same logical owner that called Suspend and is still
// holding the decode latch Suspend returned with.
func (e *ReplRedoEngine) Resume() error {
	if e.state != stateSuspended {
		e.decodeLatch.Unlock()
		return ErrNotRunning
	}
	e.state = stateRunning
	e.decodeCond.Broadcast()
	e.decodeLatch.Unlock()
	return nil
}

// Close stops the engine. If decoding is blocked inside a read on the
// underlying source, Close will not return until that read unblocks —
// the caller is responsible for closing the source itself first if it
// can block indefinitely; the engine offers no cancellation for an
// in-flight read: there is no cancellation for an operation already
// underway.
func (e *ReplRedoEngine) Close() {
	e.decodeLatch.Lock()
	running := e.state != stateDisabled
	e.state = stateDisabled
	e.decodeCond.Broadcast()
	e.decodeLatch.Unlock()

	if running && e.decoderDone != nil {
		<-e.decoderDone
	}
	e.workers.Close()
}

func (e *ReplRedoEngine) decodeLoop() {
	defer close(e.decoderDone)
	for {
		rec, err := e.decoder.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				e.endOfStream()
			} else {
				e.fail(err)
			}
			return
		}

		e.decodeLatch.Lock()
		if e.state == stateDoSuspend {
			e.state = stateSuspended
			e.decodeCond.Broadcast()
			for e.state == stateSuspended {
				e.decodeCond.Wait()
			}
		}
		if e.state == stateDisabled {
			e.decodeLatch.Unlock()
			return
		}
		e.dispatch(rec)
		e.decodeLatch.Unlock()
	}
}

// endOfStream runs the clean-shutdown path: roll back whatever
// transactions never reached a terminal record, drain the worker group,
// go DISABLED, and promote this instance to leader.
func (e *ReplRedoEngine) endOfStream() {
	e.reset()
	e.workers.Join()
	e.decodeLatch.Lock()
	e.state = stateDisabled
	e.decodeLatch.Unlock()
	if e.onLeader != nil {
		e.onLeader()
	}
}

// reset issues RecoveryCleanup(true) against every tracked transaction on
// its own bound worker, counted down by a barrier so the decoder does not
// proceed until every one has been handled — the same behavior a stream
// RESET record or a clean end-of-stream both need.
func (e *ReplRedoEngine) reset() {
	var wg sync.WaitGroup
	e.txns.forEach(func(_ uint64, entry *txnEntry) {
		wg.Add(1)
		e.runBound(entry.worker, func() {
			defer wg.Done()
			entry.txn.RecoveryCleanup(context.Background(), true)
		})
	})
	wg.Wait()
	e.txns = newTxnTable()
}

// fail is the panic boundary: any throwable on the replay path, whether
// from a worker task or the decode goroutine itself, ends up here. It
// disables the engine, annotates the cause with juju/errors so the chain
// survives past this boundary, and notifies the database's event
// listener rather than propagating — a single bad record must not bring
// down the process hosting the engine.
func (e *ReplRedoEngine) fail(cause interface{}) {
	e.decodeLatch.Lock()
	e.state = stateDisabled
	e.decodeLatch.Unlock()

	err, ok := cause.(error)
	if !ok {
		err = fmt.Errorf("%v", cause)
	}
	annotated := jujuerrors.Annotate(err, "replication replay panicked")
	logger.Errorf("replica: %v", annotated)
	if e.db != nil {
		if l := e.db.EventListener(); l != nil {
			l.OnEvent(EventReplicationPanic, "replication replay panicked", annotated)
		}
	}
}

func (e *ReplRedoEngine) runBound(hint WorkerHandle, task func()) WorkerHandle {
	if e.synchronous {
		task()
		return noWorker
	}
	return e.workers.Enqueue(hint, task)
}

func (e *ReplRedoEngine) runAny(task func()) {
	if e.synchronous {
		task()
		return
	}
	e.workers.EnqueueAny(task)
}

// entryFor resolves rec's txnEntry, minting a fresh LocalTransaction on
// first sight of the TxnId.
func (e *ReplRedoEngine) entryFor(txnId redo.TxnId) *txnEntry {
	return e.txns.getOrCreate(txnId, func() LocalTransaction {
		txn := e.newTxn(txnId)
		txn.Enter()
		return txn
	})
}

// dispatch routes one decoded record to its visitor. It runs under the
// decode latch: everything it does directly (lock acquisition, table
// lookups, enqueueing) must be non-blocking, because Suspend is waiting
// on this same latch.
func (e *ReplRedoEngine) dispatch(rec redo.Record) {
	switch rec.Op {
	case redo.OpReset:
		e.reset()

	case redo.OpTimestamp, redo.OpNopRandom, redo.OpShutdown, redo.OpClose, redo.OpEndFile:
		// bare markers; nothing to replay.

	case redo.OpStore, redo.OpStoreNoLock:
		e.visitAutoCommit(rec, false)
	case redo.OpDelete, redo.OpDeleteNoLock:
		e.visitAutoCommit(rec, true)

	case redo.OpRenameIndex:
		e.visitRenameIndex(rec)
	case redo.OpDeleteIndex:
		e.visitDeleteIndex(rec)

	case redo.OpTxnEnter:
		e.entryFor(rec.TxnId)
	case redo.OpTxnRollback, redo.OpTxnRollbackFinal:
		e.visitRollback(rec)
	case redo.OpTxnCommit, redo.OpTxnCommitFinal:
		e.visitCommit(rec)
	case redo.OpTxnStore, redo.OpTxnStoreCommitFinal:
		e.visitTxnStore(rec, false)
	case redo.OpTxnDelete, redo.OpTxnDeleteCommitFinal:
		e.visitTxnStore(rec, true)
	case redo.OpTxnLockShared:
		e.visitLock(rec, redo.LockUnsafe, (LocalTransaction).LockShared)
	case redo.OpTxnLockUpgradable:
		e.visitLock(rec, redo.LockUnsafe, (LocalTransaction).LockUpgradable)
	case redo.OpTxnLockExclusive:
		e.visitLock(rec, redo.LockUnsafe, (LocalTransaction).LockExclusive)
	case redo.OpTxnCustom:
		e.visitCustom(rec, false)
	case redo.OpTxnCustomLock:
		e.visitCustom(rec, true)

	default:
		logger.Errorf("replica: no visitor for opcode %s, skipping", rec.Op)
	}
}

// visitAutoCommit replays a non-transactional store or delete. A STORE_NO_LOCK
// or DELETE_NO_LOCK record currently aliases its locking sibling: the
// engine still wraps the replay in a single-statement transaction and
// still locks, rather than actually skipping lock acquisition as the
// opcode name suggests. This is a known, intentionally preserved quirk:
// the "no-lock" contract is not actually honored on replay, but changing
// the observable behavior now would be a bigger risk than keeping the
// existing (if misleadingly named) behavior.
func (e *ReplRedoEngine) visitAutoCommit(rec redo.Record, isDelete bool) {
	txn := e.newTxn(0)
	txn.Enter()
	if err := txn.LockUpgradable(context.Background(), rec.IndexId, rec.Key); err != nil {
		logger.Errorf("replica: auto-commit lock failed for index %d: %v", rec.IndexId, err)
		txn.Exit()
		return
	}
	e.runAny(func() {
		defer txn.Exit()

		if !e.applyStoreOrDelete(context.Background(), nil, rec, isDelete) {
			txn.Reset()
			return
		}
		if err := txn.CommitAll(context.Background()); err != nil {
			logger.Errorf("replica: auto-commit replay failed for index %d: %v", rec.IndexId, err)
		}
	})
}

func (e *ReplRedoEngine) visitRollback(rec redo.Record) {
	entry := e.entryFor(rec.TxnId)
	entry.worker = e.runBound(entry.worker, func() {
		entry.txn.Reset()
		entry.txn.Exit()
		e.txns.delete(rec.TxnId)
	})
}

func (e *ReplRedoEngine) visitCommit(rec redo.Record) {
	entry := e.entryFor(rec.TxnId)
	entry.worker = e.runBound(entry.worker, func() {
		e.finishTxn(rec.TxnId, entry)
	})
}

func (e *ReplRedoEngine) finishTxn(txnId redo.TxnId, entry *txnEntry) {
	if err := entry.txn.CommitAll(context.Background()); err != nil {
		logger.Errorf("replica: commit replay failed for txn %d: %v", txnId, err)
	}
	entry.txn.Exit()
	e.txns.delete(txnId)
}

func (e *ReplRedoEngine) visitTxnStore(rec redo.Record, isDelete bool) {
	entry := e.entryFor(rec.TxnId)
	if err := entry.txn.LockUpgradable(context.Background(), rec.IndexId, rec.Key); err != nil {
		logger.Errorf("replica: lock acquire failed for txn %d on index %d: %v", rec.TxnId, rec.IndexId, err)
		return
	}
	commit := rec.Op.IsCommit()
	entry.worker = e.runBound(entry.worker, func() {
		if err := entry.txn.LockExclusive(context.Background(), rec.IndexId, rec.Key); err != nil {
			logger.Errorf("replica: lock promotion failed for txn %d on index %d: %v", rec.TxnId, rec.IndexId, err)
			return
		}
		e.applyStoreOrDelete(context.Background(), entry.txn, rec, isDelete)
		if commit {
			e.finishTxn(rec.TxnId, entry)
		}
	})
}

// visitLock acquires the requested lock mode synchronously, on the
// decoder goroutine, before returning — this is the one visitor that
// never hands work to a worker, since a lock record carries no body of
// its own. mode is not used (every caller passes LockUnsafe); the lock is
// always acquired, even for a transaction whose own LockMode is UNSAFE,
// because replay locks exist for replica-side consistency independent of
// what the source transaction asked for.
func (e *ReplRedoEngine) visitLock(rec redo.Record, mode redo.LockMode, acquire func(LocalTransaction, context.Context, redo.IndexId, []byte) error) {
	entry := e.entryFor(rec.TxnId)
	if err := acquire(entry.txn, context.Background(), rec.IndexId, rec.Key); err != nil {
		logger.Errorf("replica: lock acquire failed for txn %d on index %d: %v", rec.TxnId, rec.IndexId, err)
	}
}

func (e *ReplRedoEngine) visitCustom(rec redo.Record, withLock bool) {
	entry := e.entryFor(rec.TxnId)
	if withLock {
		if err := entry.txn.LockUpgradable(context.Background(), rec.IndexId, rec.Key); err != nil {
			logger.Errorf("replica: lock acquire failed for custom op on txn %d: %v", rec.TxnId, err)
			return
		}
	}
	entry.worker = e.runBound(entry.worker, func() {
		handler := e.db.CustomTxnHandler()
		if handler == nil {
			return
		}
		var err error
		if withLock {
			err = handler.RedoWithKey(context.Background(), e.db, entry.txn, rec.Message, rec.IndexId, rec.Key)
		} else {
			err = handler.Redo(context.Background(), e.db, entry.txn, rec.Message)
		}
		if err != nil {
			logger.Errorf("replica: custom redo handler failed for txn %d: %v", rec.TxnId, err)
		}
	})
}

func (e *ReplRedoEngine) visitRenameIndex(rec redo.Record) {
	e.runAny(func() {
		idx, err := e.resolveIndex(rec.IndexId)
		if err != nil {
			logger.Errorf("replica: rename: could not open index %d: %v", rec.IndexId, err)
			return
		}
		if err := e.db.RenameIndex(context.Background(), idx, rec.NewName, rec.TxnId); err != nil {
			logger.Errorf("replica: rename index %d failed: %v", rec.IndexId, err)
			return
		}
		e.indexes.invalidate(rec.IndexId)
		if e.repl != nil {
			e.repl.NotifyRename(rec.IndexId, rec.NewName)
		}
	})
}

// visitDeleteIndex resolves the index under its owning transaction — so
// an on-demand open cannot deadlock against a lock that transaction
// already holds — then hands the (possibly expensive) tree deletion to
// its own goroutine rather than the bound worker, so it cannot stall
// that transaction's subsequent operations. A deletion that fails is
// only logged: it is safe to retry at the next restart, unlike a store
// or delete whose redo record would otherwise be silently lost.
func (e *ReplRedoEngine) visitDeleteIndex(rec redo.Record) {
	entry := e.entryFor(rec.TxnId)
	entry.worker = e.runBound(entry.worker, func() {
		if _, err := e.db.AnyIndexById(context.Background(), entry.txn, rec.IndexId); err != nil {
			logger.Errorf("replica: delete-index: could not open index %d: %v", rec.IndexId, err)
			return
		}
		e.indexes.invalidate(rec.IndexId)
		drop := e.db.ReplicaDeleteTree(rec.IndexId)
		if e.repl != nil {
			e.repl.NotifyDrop(rec.IndexId)
		}
		if drop == nil {
			return
		}
		go func() {
			if err := drop(); err != nil {
				logger.Errorf("replica: deferred deletion of index %d failed, will retry at restart: %v", rec.IndexId, err)
			}
		}()
	})
}

// resolveIndex looks up ix without a bound transaction, suitable for the
// non-transactional paths (auto-commit store/delete, rename).
func (e *ReplRedoEngine) resolveIndex(ix redo.IndexId) (Index, error) {
	return e.indexes.get(ix, time.Now())
}

// applyStoreOrDelete performs rec's store or delete against its target
// index, reopening once if the cached handle had gone stale (ErrClosedIndex
// is recoverable: the underlying index can legitimately close and reopen
// between replayed records). txn is nil for the non-transactional path. It
// reports success so callers that wrapped the call in a synthetic
// transaction know whether to commit or roll back.
func (e *ReplRedoEngine) applyStoreOrDelete(ctx context.Context, txn LocalTransaction, rec redo.Record, isDelete bool) bool {
	idx, err := e.indexes.get(rec.IndexId, time.Now())
	if err != nil {
		logger.Errorf("replica: could not open index %d: %v", rec.IndexId, err)
		return false
	}

	apply := func(idx Index) error {
		if isDelete {
			return idx.Delete(ctx, rec.Key)
		}
		return idx.Put(ctx, rec.Key, rec.Value)
	}

	err = apply(idx)
	if errors.Is(err, ErrClosedIndex) {
		e.indexes.invalidate(rec.IndexId)
		if idx, err = e.indexes.get(rec.IndexId, time.Now()); err != nil {
			logger.Errorf("replica: reopen of index %d failed: %v", rec.IndexId, err)
			return false
		}
		err = apply(idx)
	}
	if err != nil {
		logger.Errorf("replica: apply failed for index %d: %v", rec.IndexId, err)
		return false
	}

	if e.repl != nil && !isDelete && !e.isMeta(rec.IndexId) {
		e.repl.NotifyStore(rec.IndexId, rec.Key, rec.Value)
	}
	return true
}

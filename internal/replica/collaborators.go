package replica

import (
	"context"

	"github.com/nimbusdb/redo/internal/redo"
)

// LocalTransaction is the narrow slice of the collaborator's transaction
// type the replay engine drives.
type LocalTransaction interface {
	Enter()
	Exit()
	Commit(ctx context.Context) error
	CommitAll(ctx context.Context) error
	Reset()
	LockShared(ctx context.Context, ix redo.IndexId, key []byte) error
	LockUpgradable(ctx context.Context, ix redo.IndexId, key []byte) error
	LockExclusive(ctx context.Context, ix redo.IndexId, key []byte) error
	// RecoveryCleanup rolls the transaction back (if rollback is true) or
	// merely discards its tracked state, returning true if the
	// transaction was still open and had to be acted on.
	RecoveryCleanup(ctx context.Context, rollback bool) bool
	Attach(tag []byte)
	SetDurabilityMode(mode redo.DurabilityMode)
	LockMode() redo.LockMode
}

// LocalDatabase is the narrow slice of the collaborator database the
// engine needs to resolve indexes and report on itself.
type LocalDatabase interface {
	AnyIndexById(ctx context.Context, txn LocalTransaction, ix redo.IndexId) (Index, error)
	RenameIndex(ctx context.Context, idx Index, newName []byte, txnId redo.TxnId) error
	// ReplicaDeleteTree schedules (possibly asynchronous) removal of the
	// index's storage. A nil function means there is nothing to do.
	ReplicaDeleteTree(ix redo.IndexId) func() error
	CustomTxnHandler() TransactionHandler
	EventListener() EventListener
	IsClosed() bool
}

// ReplicationManager is the narrow slice of the collaborator the engine
// notifies of successfully replayed changes.
type ReplicationManager interface {
	ReadPosition() int64
	NotifyStore(ix redo.IndexId, key, value []byte)
	NotifyRename(ix redo.IndexId, newName []byte)
	NotifyDrop(ix redo.IndexId)
}

// TransactionHandler resolves TXN_CUSTOM[_LOCK] payloads the way an
// application-defined redo handler would.
type TransactionHandler interface {
	Redo(ctx context.Context, db LocalDatabase, txn LocalTransaction, message []byte) error
	RedoWithKey(ctx context.Context, db LocalDatabase, txn LocalTransaction, message []byte, ix redo.IndexId, key []byte) error
}

// EventKind enumerates the events the engine can raise against an
// EventListener. REPLICATION_PANIC covers the engine's panic boundary;
// the others round out the contract for uncaught notify-hook exceptions,
// which must never abort replay.
type EventKind int

const (
	EventReplicationPanic EventKind = iota
	EventUncaughtException
)

// EventListener receives engine-lifecycle notifications. A nil listener
// is legal; the engine simply skips notification.
type EventListener interface {
	OnEvent(kind EventKind, message string, cause error)
}

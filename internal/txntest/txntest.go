// Package txntest provides reference LocalTransaction, LocalDatabase,
// ReplicationManager and TransactionHandler implementations good enough
// to drive the replay engine end to end in tests, without pulling in any
// real storage engine. It is the collaborator side of the narrow
// interfaces internal/replica declares, trimmed down to lock bookkeeping
// plus an in-memory keyspace.
package txntest

import (
	"context"
	"sync"

	"github.com/nimbusdb/redo/internal/locking"
	"github.com/nimbusdb/redo/internal/redo"
	"github.com/nimbusdb/redo/internal/replica"
)

// Transaction is a minimal LocalTransaction: it tracks lock acquisition
// through a shared locking.Manager and records its own lifecycle, with
// no storage of its own.
type Transaction struct {
	ID     redo.TxnId
	locker *locking.Manager

	mu         sync.Mutex
	open       bool
	committed  bool
	rolledBack bool
	tag        []byte
	mode       redo.LockMode
	durability redo.DurabilityMode
}

// NewTransaction returns a Transaction that locks through locker.
func NewTransaction(id redo.TxnId, locker *locking.Manager) *Transaction {
	return &Transaction{ID: id, locker: locker, mode: redo.LockUpgradableRead}
}

func (t *Transaction) Enter() {
	t.mu.Lock()
	t.open = true
	t.mu.Unlock()
}

func (t *Transaction) Exit() {
	t.mu.Lock()
	t.open = false
	t.mu.Unlock()
}

func (t *Transaction) Commit(ctx context.Context) error {
	t.mu.Lock()
	t.committed = true
	t.mu.Unlock()
	return nil
}

// CommitAll commits and releases every lock this transaction holds.
func (t *Transaction) CommitAll(ctx context.Context) error {
	if err := t.Commit(ctx); err != nil {
		return err
	}
	t.locker.Release(int64(t.ID))
	return nil
}

// Reset rolls the transaction back and releases its locks.
func (t *Transaction) Reset() {
	t.mu.Lock()
	t.rolledBack = true
	t.mu.Unlock()
	t.locker.Release(int64(t.ID))
}

func (t *Transaction) LockShared(ctx context.Context, ix redo.IndexId, key []byte) error {
	return t.locker.Acquire(ctx, int64(t.ID), int64(ix), key, locking.Shared)
}

func (t *Transaction) LockUpgradable(ctx context.Context, ix redo.IndexId, key []byte) error {
	return t.locker.Acquire(ctx, int64(t.ID), int64(ix), key, locking.Upgradable)
}

func (t *Transaction) LockExclusive(ctx context.Context, ix redo.IndexId, key []byte) error {
	return t.locker.Acquire(ctx, int64(t.ID), int64(ix), key, locking.Exclusive)
}

// RecoveryCleanup rolls the transaction back when rollback is true and
// reports whether it was still open beforehand.
func (t *Transaction) RecoveryCleanup(ctx context.Context, rollback bool) bool {
	t.mu.Lock()
	wasOpen := t.open
	t.mu.Unlock()
	if rollback {
		t.Reset()
	}
	return wasOpen
}

func (t *Transaction) Attach(tag []byte) {
	t.mu.Lock()
	t.tag = tag
	t.mu.Unlock()
}

func (t *Transaction) SetDurabilityMode(mode redo.DurabilityMode) {
	t.mu.Lock()
	t.durability = mode
	t.mu.Unlock()
}

func (t *Transaction) LockMode() redo.LockMode {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.mode
}

// Committed reports whether Commit/CommitAll ran.
func (t *Transaction) Committed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.committed
}

// RolledBack reports whether Reset ran.
func (t *Transaction) RolledBack() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.rolledBack
}

// MemoryIndex is an in-memory keyspace good enough to exercise the
// engine's Put/Delete replay path; it is not a B-tree and never will be.
type MemoryIndex struct {
	id redo.IndexId

	mu   sync.Mutex
	data map[string][]byte
}

func NewMemoryIndex(id redo.IndexId) *MemoryIndex {
	return &MemoryIndex{id: id, data: make(map[string][]byte)}
}

func (m *MemoryIndex) IndexId() redo.IndexId { return m.id }

func (m *MemoryIndex) Put(ctx context.Context, key, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[string(key)] = append([]byte(nil), value...)
	return nil
}

func (m *MemoryIndex) Delete(ctx context.Context, key []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, string(key))
	return nil
}

// Get returns a copy of the value stored under key, for test assertions.
func (m *MemoryIndex) Get(key []byte) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[string(key)]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), v...), true
}

func (m *MemoryIndex) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.data)
}

// Database is a minimal LocalDatabase: a map of lazily-created
// MemoryIndex keyed by IndexId, plus bookkeeping of renames and drops so
// tests can assert on them.
type Database struct {
	Locker *locking.Manager

	mu       sync.Mutex
	indexes  map[redo.IndexId]*MemoryIndex
	renamed  map[redo.IndexId][]byte
	dropped  map[redo.IndexId]bool
	handler  replica.TransactionHandler
	listener replica.EventListener
	closed   bool
}

func NewDatabase() *Database {
	return &Database{
		Locker:  locking.NewManager(),
		indexes: make(map[redo.IndexId]*MemoryIndex),
		renamed: make(map[redo.IndexId][]byte),
		dropped: make(map[redo.IndexId]bool),
	}
}

// Index returns (creating if necessary) the MemoryIndex for id.
func (d *Database) Index(id redo.IndexId) *MemoryIndex {
	d.mu.Lock()
	defer d.mu.Unlock()
	idx, ok := d.indexes[id]
	if !ok {
		idx = NewMemoryIndex(id)
		d.indexes[id] = idx
	}
	return idx
}

func (d *Database) NewTransaction(id redo.TxnId) replica.LocalTransaction {
	return NewTransaction(id, d.Locker)
}

func (d *Database) AnyIndexById(ctx context.Context, txn replica.LocalTransaction, ix redo.IndexId) (replica.Index, error) {
	d.mu.Lock()
	closed := d.closed
	d.mu.Unlock()
	if closed {
		return nil, replica.ErrUnmodifiableReplica
	}
	return d.Index(ix), nil
}

func (d *Database) RenameIndex(ctx context.Context, idx replica.Index, newName []byte, txnId redo.TxnId) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.renamed[idx.IndexId()] = append([]byte(nil), newName...)
	return nil
}

// ReplicaDeleteTree removes id from the index map and records the drop.
func (d *Database) ReplicaDeleteTree(ix redo.IndexId) func() error {
	return func() error {
		d.mu.Lock()
		defer d.mu.Unlock()
		delete(d.indexes, ix)
		d.dropped[ix] = true
		return nil
	}
}

func (d *Database) SetCustomTxnHandler(h replica.TransactionHandler) { d.handler = h }
func (d *Database) CustomTxnHandler() replica.TransactionHandler     { return d.handler }

func (d *Database) SetEventListener(l replica.EventListener) { d.listener = l }
func (d *Database) EventListener() replica.EventListener     { return d.listener }

func (d *Database) Close()         { d.mu.Lock(); d.closed = true; d.mu.Unlock() }
func (d *Database) IsClosed() bool { d.mu.Lock(); defer d.mu.Unlock(); return d.closed }

// RenamedTo reports the last name an index was renamed to, for assertions.
func (d *Database) RenamedTo(ix redo.IndexId) ([]byte, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	n, ok := d.renamed[ix]
	return n, ok
}

// Dropped reports whether ix was ever handed to ReplicaDeleteTree.
func (d *Database) Dropped(ix redo.IndexId) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dropped[ix]
}

// StoreEvent records one NotifyStore call.
type StoreEvent struct {
	Index redo.IndexId
	Key   []byte
	Value []byte
}

// RenameEvent records one NotifyRename call.
type RenameEvent struct {
	Index   redo.IndexId
	NewName []byte
}

// Replication is a reference ReplicationManager that just records what it
// was told, for test assertions.
type Replication struct {
	mu      sync.Mutex
	pos     int64
	stores  []StoreEvent
	renames []RenameEvent
	drops   []redo.IndexId
}

func NewReplication() *Replication { return &Replication{} }

func (r *Replication) ReadPosition() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pos
}

func (r *Replication) SetPosition(pos int64) {
	r.mu.Lock()
	r.pos = pos
	r.mu.Unlock()
}

func (r *Replication) NotifyStore(ix redo.IndexId, key, value []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stores = append(r.stores, StoreEvent{ix, append([]byte(nil), key...), append([]byte(nil), value...)})
}

func (r *Replication) NotifyRename(ix redo.IndexId, newName []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.renames = append(r.renames, RenameEvent{ix, append([]byte(nil), newName...)})
}

func (r *Replication) NotifyDrop(ix redo.IndexId) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.drops = append(r.drops, ix)
}

func (r *Replication) Stores() []StoreEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]StoreEvent(nil), r.stores...)
}

func (r *Replication) Renames() []RenameEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]RenameEvent(nil), r.renames...)
}

func (r *Replication) Drops() []redo.IndexId {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]redo.IndexId(nil), r.drops...)
}

// RecordingListener is a reference EventListener that records every
// event it was handed, for test assertions.
type RecordingListener struct {
	mu     sync.Mutex
	events []RecordedEvent
}

// RecordedEvent is one OnEvent call.
type RecordedEvent struct {
	Kind    replica.EventKind
	Message string
	Cause   error
}

func (l *RecordingListener) OnEvent(kind replica.EventKind, message string, cause error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, RecordedEvent{kind, message, cause})
}

func (l *RecordingListener) Events() []RecordedEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]RecordedEvent(nil), l.events...)
}

// EchoHandler is a reference TransactionHandler that records every custom
// redo payload it was handed.
type EchoHandler struct {
	mu       sync.Mutex
	messages [][]byte
	keyed    []KeyedMessage
}

// KeyedMessage is one RedoWithKey call.
type KeyedMessage struct {
	Message []byte
	Index   redo.IndexId
	Key     []byte
}

func (h *EchoHandler) Redo(ctx context.Context, db replica.LocalDatabase, txn replica.LocalTransaction, message []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.messages = append(h.messages, append([]byte(nil), message...))
	return nil
}

func (h *EchoHandler) RedoWithKey(ctx context.Context, db replica.LocalDatabase, txn replica.LocalTransaction, message []byte, ix redo.IndexId, key []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.keyed = append(h.keyed, KeyedMessage{append([]byte(nil), message...), ix, append([]byte(nil), key...)})
	return nil
}

func (h *EchoHandler) Messages() [][]byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([][]byte(nil), h.messages...)
}

func (h *EchoHandler) Keyed() []KeyedMessage {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]KeyedMessage(nil), h.keyed...)
}

package redo

import (
	"os"
	"sync"

	"go.uber.org/atomic"

	pkgerrors "github.com/pkg/errors"

	"github.com/nimbusdb/redo/logger"
)

// FileWriter is a local, non-replicated redo log sink: one append-only
// *os.File plus the exclusive latch and lastTxnId bookkeeping every
// Writer implementation must expose. It never writes terminators, since
// a local file's records are already framed by the context's own
// delta-encoding scheme — there is no concurrent reader resynchronizing
// mid-stream the way a replication consumer would need to.
//
// FileWriter holds no buffer of its own, since each TransactionContext
// already owns one and flushes straight through to Write.
type FileWriter struct {
	mu sync.Mutex

	f        *os.File
	pos      int64
	lastTxn  atomic.Int64
	closed   bool
	closeErr atomic.Error
}

// OpenFileWriter opens (creating if necessary) a redo log file at path,
// appending to any existing content. The returned writer's LastTxnId
// starts at 0; a caller resuming from an existing file is responsible
// for replaying it first and calling SetLastTxnId with the result.
func OpenFileWriter(path string) (*FileWriter, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0644)
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "redo: open file writer %s", path)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, pkgerrors.Wrapf(err, "redo: stat file writer %s", path)
	}
	return &FileWriter{f: f, pos: info.Size()}, nil
}

// OpWriteCheck never downgrades: a local file can always fsync.
func (w *FileWriter) OpWriteCheck(mode DurabilityMode) DurabilityMode { return mode }

// ShouldWriteTerminators is always false for a local file.
func (w *FileWriter) ShouldWriteTerminators() bool { return false }

func (w *FileWriter) Lock()   { w.mu.Lock() }
func (w *FileWriter) Unlock() { w.mu.Unlock() }

func (w *FileWriter) LastTxnId() TxnId      { return TxnId(w.lastTxn.Load()) }
func (w *FileWriter) SetLastTxnId(id TxnId) { w.lastTxn.Store(int64(id)) }

func (w *FileWriter) CloseCause() error {
	return w.closeErr.Load()
}

// Write appends buf[offset:offset+length] to the file. commitLen >= 0
// means this write completes a commit and must be fsynced before
// returning a non-zero position; commitLen < 0 means the bytes only need
// to reach the OS, not the disk.
//
// Write must be called with the writer already locked (TransactionContext
// acquires the writer latch itself before calling, always after its own
// redo latch), so no internal locking is needed here beyond what guards
// closeErr.
func (w *FileWriter) Write(buf []byte, offset, length int, commitLen int64) (int64, error) {
	if w.closed {
		return 0, w.latchedClose(ErrClosed)
	}
	if _, err := w.f.Write(buf[offset : offset+length]); err != nil {
		return 0, w.latchedClose(pkgerrors.Wrap(err, "redo: file write"))
	}
	w.pos += int64(length)

	if commitLen < 0 {
		return 0, nil
	}
	if err := w.f.Sync(); err != nil {
		return 0, w.latchedClose(pkgerrors.Wrap(err, "redo: file sync"))
	}
	return w.pos, nil
}

// latchedClose records cause as the writer's permanent close reason (if
// none is latched yet) so subsequent callers' errors chain back to the
// first root cause instead of a later, possibly misleading symptom.
func (w *FileWriter) latchedClose(cause error) error {
	w.closed = true
	if w.closeErr.Load() == nil {
		w.closeErr.Store(cause)
		logger.Errorf("redo: file writer closing: %v", cause)
	}
	return cause
}

// Close fsyncs and closes the underlying file. It is not part of the
// Writer interface: only the owner that opened the file calls it, not a
// TransactionContext that merely has it bound.
func (w *FileWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	return w.f.Close()
}

// Position reports the current end-of-file offset, usable as a
// checkpoint's "redo file is at least this long" marker.
func (w *FileWriter) Position() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.pos
}

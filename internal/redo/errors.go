package redo

import "errors"

// Sentinel errors for the redo pipeline, grouped by subsystem the way the
// teacher's manager package groups its error vars.
var (
	ErrKeyTooLarge        = errors.New("redo: key exceeds maximum length")
	ErrKeyEmpty           = errors.New("redo: key must not be empty")
	ErrClosed             = errors.New("redo: writer is closed")
	ErrUnmodifiable       = errors.New("redo: replica is unmodifiable")
	ErrWriterMismatch     = errors.New("redo: writer not bound to this context")
	ErrUndoNotRegistered  = errors.New("redo: undo log handle not registered")
	ErrBadOpcode          = errors.New("redo: unrecognized opcode in stream")
	ErrTerminatorMismatch = errors.New("redo: record terminator does not match")
)

// MaxKeyLength bounds key size the way a B-tree collaborator would reject
// an oversize key before it ever reaches the redo pipeline. Enforced here
// too since redoStoreAutoCommit has no collaborator in front of it.
const MaxKeyLength = 2048

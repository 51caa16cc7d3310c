package replica

import "github.com/pkg/errors"

// Sentinel errors for the replay engine, grouped the way
// internal/redo/errors.go groups the write-side ones.
var (
	ErrClosedIndex         = errors.New("replica: index is closed")
	ErrUnmodifiableReplica = errors.New("replica: database is an unmodifiable replica")
	ErrSuspended           = errors.New("replica: decoder is suspended")
	ErrAlreadyRunning      = errors.New("replica: engine already receiving")
	ErrNotRunning          = errors.New("replica: engine is not receiving")
)

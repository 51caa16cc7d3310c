package redo

// Writer is the sink a TransactionContext flushes its encoded buffer to.
// Implementations include a local redo file and a replicated writer; this
// module only depends on the narrow contract below.
type Writer interface {
	// OpWriteCheck may downgrade the requested durability mode, e.g. a
	// replica-side writer that cannot fsync downgrades SYNC to NO_SYNC.
	OpWriteCheck(mode DurabilityMode) DurabilityMode

	// Write delivers buf[offset:offset+length] to the sink. commitLen is a
	// hint: -1 means "no commit boundary here"; any other value tells the
	// writer how many trailing bytes of this write complete a commit, so
	// it can issue its durability operation (fsync, replicate-ack) at the
	// right boundary. The returned position is non-zero only when the
	// caller must await durability.
	Write(buf []byte, offset, length int, commitLen int64) (commitPos int64, err error)

	// ShouldWriteTerminators reports whether a 4-byte terminator must
	// follow every record (true for replicated streams, false for a local
	// file where records are framed by the file's own sequential layout).
	ShouldWriteTerminators() bool

	// Lock/Unlock provide the writer's own exclusive latch. The redo latch
	// is always acquired first; acquiring the writer latch while already
	// holding some other writer's latch is forbidden.
	Lock()
	Unlock()

	// LastTxnId/SetLastTxnId track the stream's last-seen TxnId, used to
	// compute delta encodings across buffers from possibly many contexts.
	LastTxnId() TxnId
	SetLastTxnId(TxnId)

	// CloseCause returns any latched close exception, so the first root
	// cause survives retries instead of being masked by a later I/O error.
	CloseCause() error
}

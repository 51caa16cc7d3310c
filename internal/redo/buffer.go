package redo

import "encoding/binary"

// txnHeaderLen is the opcode byte plus the full 9-byte reserved slot used
// for the first transactional record of a freshly started epoch.
const txnHeaderLen = 1 + maxVarLongLen

// appendOpcodeAndTxn writes the opcode byte and the transactional prefix.
// If this is the first transactional record since firstTxnId was last
// cleared (by a flush or by the buffer starting out empty), it reserves
// the full 9-byte slot and records the epoch's anchor TxnId instead of
// writing a delta immediately — the real delta depends on the writer's
// last-seen TxnId, which is only known at flush time. Every subsequent
// record in the same epoch encodes its delta against the context's own
// running lastTxnId right away.
func (c *TransactionContext) appendOpcodeAndTxn(op Op, txnId TxnId) {
	if c.firstTxnId == 0 {
		c.firstSlotPos = c.pos
		c.buf[c.pos] = byte(op)
		c.pos++
		for i := 0; i < maxVarLongLen; i++ {
			c.buf[c.pos+i] = 0
		}
		c.pos += maxVarLongLen
		c.firstTxnId = txnId
	} else {
		c.buf[c.pos] = byte(op)
		c.pos++
		delta := int64(txnId) - int64(c.lastTxnId)
		c.pos += writeVarLong(c.buf[c.pos:], delta)
	}
	c.lastTxnId = txnId
}

// appendIndexId writes id as a little-endian 8-byte operand.
func (c *TransactionContext) appendIndexId(id IndexId) {
	binary.LittleEndian.PutUint64(c.buf[c.pos:], uint64(id))
	c.pos += 8
}

// appendTxnIdRaw writes a full, non-delta-encoded TxnId operand, used by
// the semi-transactional index admin opcodes (RENAME_INDEX/DELETE_INDEX)
// that carry their TxnId explicitly rather than via the epoch scheme.
func (c *TransactionContext) appendTxnIdRaw(id TxnId) {
	binary.LittleEndian.PutUint64(c.buf[c.pos:], uint64(id))
	c.pos += 8
}

// appendBytes writes an unsigned-varint length prefix followed by b. A nil
// slice is written as a zero-length slice; callers that must distinguish
// null from empty encode that distinction via the opcode instead.
func (c *TransactionContext) appendBytes(b []byte) {
	c.pos = len(writeUvarint(c.buf[:c.pos], uint64(len(b))))
	copy(c.buf[c.pos:], b)
	c.pos += len(b)
}

// appendTerminator appends the 4-byte non-zero hash of the TxnId most
// recently encoded by this context (falling back to the writer's view if
// this context has never encoded a transactional record). Decoding
// reconstructs the identical absolute TxnId by the time it would verify
// this terminator, since the delta chain is exact.
func (c *TransactionContext) appendTerminator() {
	src := c.lastTxnId
	if src == 0 {
		src = c.writer.LastTxnId()
	}
	binary.LittleEndian.PutUint32(c.buf[c.pos:], terminatorHash(src))
	c.pos += 4
}

// terminatorHash never returns 0, so a zeroed, unwritten buffer tail can
// never be mistaken for a valid terminator.
func terminatorHash(txnId TxnId) uint32 {
	h := uint32(txnId) ^ uint32(int64(txnId)>>32)
	h = h*2654435761 + 0x9e3779b9
	if h == 0 {
		h = 1
	}
	return h
}

// recordLen computes the exact number of bytes appendOpcodeAndTxn and its
// operands will consume, so the caller can flush in advance instead of
// overrunning the fixed buffer mid-record.
func (c *TransactionContext) recordLen(isTxn bool, txnId TxnId, operandLens ...int) int {
	n := 1 // opcode
	if isTxn {
		if c.firstTxnId == 0 {
			n += maxVarLongLen
		} else {
			n += varLongLen(int64(txnId) - int64(c.lastTxnId))
		}
	}
	for _, l := range operandLens {
		n += l
	}
	if c.writer != nil && c.writer.ShouldWriteTerminators() {
		n += 4
	}
	return n
}

func uvarintLen(n int) int {
	var tmp [binary.MaxVarintLen64]byte
	return binary.PutUvarint(tmp[:], uint64(n))
}

// ensureSpace flushes the current buffer (without declaring a commit) if
// fewer than need bytes remain, so that the record about to be appended
// always lands contiguously. This is the "write spanning end-of-buffer"
// boundary case: the in-flight record is never split across two flushes.
func (c *TransactionContext) ensureSpace(need int) error {
	if len(c.buf)-c.pos >= need {
		return nil
	}
	if need > len(c.buf) {
		return ErrKeyTooLarge
	}
	_, err := c.redoFlush(false)
	return err
}

package redo

import (
	"bufio"
	"encoding/binary"
	"io"
)

// Record is one decoded redo entry. Which fields are populated depends on
// Op. TxnId is always the fully resolved, delta-reconstructed identifier —
// callers never see a raw delta.
type Record struct {
	Op      Op
	TxnId   TxnId
	IndexId IndexId
	Key     []byte
	Value   []byte
	Message []byte
	NewName []byte
}

// Decoder is a pull-parser over a byte stream of redo records, the mirror
// image of TransactionContext's encoder. It carries exactly the state a
// writer carries — the last-seen TxnId used to resolve delta encodings —
// so that decoding a stream produced by one context's flushes reproduces
// the original, absolute TxnIds.
type Decoder struct {
	r           *bufio.Reader
	terminators bool
	lastTxnId   TxnId
}

// NewDecoder wraps r. terminators must match the ShouldWriteTerminators
// value the encoding side's Writer reported: a replicated stream carries
// a 4-byte terminator after every record, a local redo file does not.
func NewDecoder(r io.Reader, terminators bool) *Decoder {
	return &Decoder{r: bufio.NewReader(r), terminators: terminators}
}

// LastTxnId returns the decoder's current view of the stream's last-seen
// TxnId, the same value a RedoWriter would report.
func (d *Decoder) LastTxnId() TxnId { return d.lastTxnId }

// Next decodes and returns the next record. It returns io.EOF (unwrapped)
// when the stream ends cleanly between records; any other error or an EOF
// in the middle of a record is returned as io.ErrUnexpectedEOF or the
// underlying read error.
func (d *Decoder) Next() (Record, error) {
	opByte, err := d.r.ReadByte()
	if err != nil {
		return Record{}, err
	}
	op := Op(opByte)
	rec := Record{Op: op}

	switch {
	case op.IsTxn():
		delta, err := readVarLongFrom(d.r)
		if err != nil {
			return Record{}, unexpected(err)
		}
		rec.TxnId = d.lastTxnId + TxnId(delta)
		d.lastTxnId = rec.TxnId

		if err := d.decodeTxnOperands(&rec); err != nil {
			return Record{}, err
		}

	case op == OpRenameIndex:
		txnId, err := d.readRawTxnId()
		if err != nil {
			return Record{}, err
		}
		rec.TxnId = txnId
		if rec.IndexId, err = d.readIndexId(); err != nil {
			return Record{}, err
		}
		if rec.NewName, err = d.readBytes(); err != nil {
			return Record{}, err
		}

	case op == OpDeleteIndex:
		txnId, err := d.readRawTxnId()
		if err != nil {
			return Record{}, err
		}
		rec.TxnId = txnId
		if rec.IndexId, err = d.readIndexId(); err != nil {
			return Record{}, err
		}

	case op == OpStore, op == OpStoreNoLock:
		var err error
		if rec.IndexId, err = d.readIndexId(); err != nil {
			return Record{}, err
		}
		if rec.Key, err = d.readBytes(); err != nil {
			return Record{}, err
		}
		if rec.Value, err = d.readBytes(); err != nil {
			return Record{}, err
		}

	case op == OpDelete, op == OpDeleteNoLock:
		var err error
		if rec.IndexId, err = d.readIndexId(); err != nil {
			return Record{}, err
		}
		if rec.Key, err = d.readBytes(); err != nil {
			return Record{}, err
		}

	case op == OpTimestamp:
		var buf [8]byte
		if _, err := io.ReadFull(d.r, buf[:]); err != nil {
			return Record{}, unexpected(err)
		}

	case op == OpNopRandom:
		if _, err := d.readBytes(); err != nil {
			return Record{}, err
		}

	case op == OpReset:
		d.lastTxnId = 0

	case op == OpShutdown, op == OpClose, op == OpEndFile:
		// bare markers, no operands.

	default:
		return Record{}, ErrBadOpcode
	}

	if d.terminators {
		if err := d.verifyTerminator(rec); err != nil {
			return Record{}, err
		}
	}
	return rec, nil
}

func (d *Decoder) decodeTxnOperands(rec *Record) error {
	var err error
	switch rec.Op {
	case OpTxnEnter, OpTxnRollback, OpTxnRollbackFinal, OpTxnCommit, OpTxnCommitFinal:
		// no operands beyond the TxnId delta.
	case OpTxnStore, OpTxnStoreCommitFinal:
		if rec.IndexId, err = d.readIndexId(); err != nil {
			return err
		}
		if rec.Key, err = d.readBytes(); err != nil {
			return err
		}
		if rec.Value, err = d.readBytes(); err != nil {
			return err
		}
	case OpTxnDelete, OpTxnDeleteCommitFinal:
		if rec.IndexId, err = d.readIndexId(); err != nil {
			return err
		}
		if rec.Key, err = d.readBytes(); err != nil {
			return err
		}
	case OpTxnLockShared, OpTxnLockUpgradable, OpTxnLockExclusive:
		if rec.IndexId, err = d.readIndexId(); err != nil {
			return err
		}
		if rec.Key, err = d.readBytes(); err != nil {
			return err
		}
	case OpTxnCustom:
		if rec.Message, err = d.readBytes(); err != nil {
			return err
		}
	case OpTxnCustomLock:
		if rec.IndexId, err = d.readIndexId(); err != nil {
			return err
		}
		if rec.Key, err = d.readBytes(); err != nil {
			return err
		}
		if rec.Message, err = d.readBytes(); err != nil {
			return err
		}
	default:
		return ErrBadOpcode
	}
	return nil
}

func (d *Decoder) readIndexId() (IndexId, error) {
	var buf [8]byte
	if _, err := io.ReadFull(d.r, buf[:]); err != nil {
		return 0, unexpected(err)
	}
	return IndexId(binary.LittleEndian.Uint64(buf[:])), nil
}

func (d *Decoder) readRawTxnId() (TxnId, error) {
	var buf [8]byte
	if _, err := io.ReadFull(d.r, buf[:]); err != nil {
		return 0, unexpected(err)
	}
	return TxnId(binary.LittleEndian.Uint64(buf[:])), nil
}

func (d *Decoder) readBytes() ([]byte, error) {
	n, err := readUvarint(d.r)
	if err != nil {
		return nil, unexpected(err)
	}
	if n == 0 {
		return []byte{}, nil
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(d.r, b); err != nil {
		return nil, unexpected(err)
	}
	return b, nil
}

func (d *Decoder) verifyTerminator(rec Record) error {
	src := d.lastTxnId
	var buf [4]byte
	if _, err := io.ReadFull(d.r, buf[:]); err != nil {
		return unexpected(err)
	}
	if binary.LittleEndian.Uint32(buf[:]) != terminatorHash(src) {
		return ErrTerminatorMismatch
	}
	return nil
}

// unexpected promotes a clean io.EOF encountered mid-record to
// io.ErrUnexpectedEOF so callers can tell a truncated stream from one that
// simply ended between records.
func unexpected(err error) error {
	if err == io.EOF {
		return io.ErrUnexpectedEOF
	}
	return err
}

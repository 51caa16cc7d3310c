package redo

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestUndoRegistryOrderAndLifecycle(t *testing.T) {
	r := newUndoRegistry()
	assert.False(t, r.hasUndoLogs())

	a := &UndoLog{TxnId: 1}
	b := &UndoLog{TxnId: 2}
	c := &UndoLog{TxnId: 3}

	ha := r.register(a)
	hb := r.register(b)
	hc := r.register(c)
	assert.True(t, r.hasUndoLogs())

	var seen []TxnId
	r.forEach(func(l *UndoLog) { seen = append(seen, l.TxnId) })
	assert.Equal(t, []TxnId{3, 2, 1}, seen)

	r.unregister(hb)
	seen = nil
	r.forEach(func(l *UndoLog) { seen = append(seen, l.TxnId) })
	assert.Equal(t, []TxnId{3, 1}, seen)

	assert.True(t, r.contains(ha))
	assert.False(t, r.contains(hb))
	assert.True(t, r.contains(hc))

	r.unregister(ha)
	r.unregister(hc)
	assert.False(t, r.hasUndoLogs())
}

func TestUndoHandleStaleAfterSlotReuse(t *testing.T) {
	r := newUndoRegistry()

	h1 := r.register(&UndoLog{TxnId: 1})
	r.unregister(h1)

	h2 := r.register(&UndoLog{TxnId: 2})

	// h1's slot has been recycled into h2; the stale handle must not be
	// mistaken for a handle to the new occupant.
	assert.False(t, r.contains(h1))
	assert.True(t, r.contains(h2))

	// unregistering the stale handle must be a safe no-op, not a corruption
	// of the registry still holding h2.
	r.unregister(h1)
	assert.True(t, r.contains(h2))
	assert.True(t, r.hasUndoLogs())
}

func TestUndoLogPushOrder(t *testing.T) {
	u := &UndoLog{TxnId: 7}
	u.Push([]byte("first"))
	u.Push([]byte("second"))

	assert.Equal(t, [][]byte{[]byte("first"), []byte("second")}, u.Entries)
}

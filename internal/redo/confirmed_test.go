package redo

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestConfirmedPositionMonotonic(t *testing.T) {
	c := newConfirmedPosition()

	c.confirmed(10, 1)
	pos, txn := c.get()
	assert.EqualValues(t, 10, pos)
	assert.EqualValues(t, 1, txn)

	// A non-increasing position must leave state unchanged.
	c.confirmed(5, 2)
	pos, txn = c.get()
	assert.EqualValues(t, 10, pos)
	assert.EqualValues(t, 1, txn)

	c.confirmed(20, 3)
	pos, txn = c.get()
	assert.EqualValues(t, 20, pos)
	assert.EqualValues(t, 3, txn)
}

func TestConfirmedPositionConcurrentAdvancesNeverRegress(t *testing.T) {
	c := newConfirmedPosition()

	var wg sync.WaitGroup
	for i := int64(1); i <= 200; i++ {
		wg.Add(1)
		go func(pos int64) {
			defer wg.Done()
			c.confirmed(pos, TxnId(pos))
		}(i)
	}
	wg.Wait()

	pos, txn := c.get()
	assert.EqualValues(t, 200, pos)
	assert.EqualValues(t, 200, txn)
}

func TestHigherConfirmedMergesOnlyWhenAhead(t *testing.T) {
	a := newConfirmedPosition()
	b := newConfirmedPosition()

	a.confirmed(50, 5)
	b.confirmed(30, 3)

	a.higherConfirmed(b)
	pos, txn := a.get()
	assert.EqualValues(t, 50, pos, "a must not regress from a behind update")
	assert.EqualValues(t, 5, txn)

	b.confirmed(100, 10)
	a.higherConfirmed(b)
	pos, txn = a.get()
	assert.EqualValues(t, 100, pos)
	assert.EqualValues(t, 10, txn)
}

func TestCopyConfirmedOverwritesUnconditionally(t *testing.T) {
	a := newConfirmedPosition()
	b := newConfirmedPosition()

	a.confirmed(1000, 99)
	b.confirmed(5, 1)

	a.copyConfirmed(b)
	pos, txn := a.get()
	assert.EqualValues(t, 5, pos)
	assert.EqualValues(t, 1, txn)
}

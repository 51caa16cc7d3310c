package latch

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCondWaitReleasesAndReacquires(t *testing.T) {
	l := NewLatch()
	cond := NewCond(l)

	done := make(chan struct{})
	l.Lock()
	go func() {
		l.Lock()
		defer l.Unlock()
		cond.Signal()
		close(done)
	}()

	cond.Wait()
	l.Unlock()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("signal never observed")
	}
}

func TestTryLockReportsContention(t *testing.T) {
	l := NewLatch()
	assert.True(t, l.TryLock())
	assert.False(t, l.TryLock())
	l.Unlock()
	assert.True(t, l.TryLock())
	l.Unlock()
}

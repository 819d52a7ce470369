package dynamic

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRCUList_AddRemove(t *testing.T) {
	l := newRCUList[int]()
	l.add(1)
	l.add(2)
	l.add(3)

	snap, rd := l.readLock()
	assert.True(t, l.remove(2))
	assert.False(t, l.remove(7))
	assert.Equal(t, []int{1, 2, 3}, snap, "snapshot unchanged by writers")
	l.readUnlock(rd)

	assert.Equal(t, []int{1, 3}, l.load())
}

func TestRCUList_SynchronizeWaitsForEarlierReaders(t *testing.T) {
	l := newRCUList[int]()
	_, early := l.readLock()

	done := make(chan struct{})
	go func() {
		l.synchronize()
		close(done)
	}()

	// Wait for the epoch to advance, then start a reader that must not
	// hold synchronize up
	assert.Eventually(t, func() bool { return l.epoch.Load() == 1 }, time.Second, time.Millisecond)
	_, late := l.readLock()

	select {
	case <-done:
		t.Fatal("synchronize returned with an earlier reader in flight")
	case <-time.After(20 * time.Millisecond):
	}

	l.readUnlock(early)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("synchronize waited for a later reader")
	}
	l.readUnlock(late)

	// Back-to-back grace periods with no readers return at once
	l.synchronize()
	l.synchronize()
	assert.Zero(t, l.readers[0].Load()+l.readers[1].Load())
}

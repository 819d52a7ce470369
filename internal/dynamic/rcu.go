package dynamic

import (
	"sync"
	"sync/atomic"
	"time"
)

// rcuList is a copy-on-write slice. Readers take a snapshot without
// blocking; writers are serialized by the caller, publish a new slice and
// call synchronize before tearing down anything a reader may still use.
//
// Readers are counted per epoch. synchronize advances the epoch and waits
// only for readers of the previous one, so readers arriving meanwhile
// cannot hold it up.
type rcuList[T comparable] struct {
	items   atomic.Pointer[[]T]
	epoch   atomic.Uint32
	readers [2]atomic.Int64
	syncMu  sync.Mutex
}

func newRCUList[T comparable]() *rcuList[T] {
	l := &rcuList[T]{}
	l.items.Store(&[]T{})
	return l
}

// readLock enters a read section and returns the current snapshot along
// with the token to pass to readUnlock
func (l *rcuList[T]) readLock() ([]T, int) {
	for {
		e := l.epoch.Load()
		idx := int(e & 1)
		l.readers[idx].Add(1)
		if l.epoch.Load() == e {
			return *l.items.Load(), idx
		}
		// Epoch moved while registering, retry in the new one
		l.readers[idx].Add(-1)
	}
}

func (l *rcuList[T]) readUnlock(idx int) {
	l.readers[idx].Add(-1)
}

// load returns the current snapshot without entering a read section
func (l *rcuList[T]) load() []T {
	return *l.items.Load()
}

func (l *rcuList[T]) add(v T) {
	old := l.load()
	items := make([]T, len(old), len(old)+1)
	copy(items, old)
	items = append(items, v)
	l.items.Store(&items)
}

func (l *rcuList[T]) remove(v T) bool {
	old := l.load()
	items := make([]T, 0, len(old))
	for _, item := range old {
		if item != v {
			items = append(items, item)
		}
	}
	if len(items) == len(old) {
		return false
	}
	l.items.Store(&items)
	return true
}

// synchronize waits until every read section that started before the call
// has ended
func (l *rcuList[T]) synchronize() {
	l.syncMu.Lock()
	defer l.syncMu.Unlock()

	old := int((l.epoch.Add(1) - 1) & 1)
	for l.readers[old].Load() != 0 {
		time.Sleep(50 * time.Microsecond)
	}
}

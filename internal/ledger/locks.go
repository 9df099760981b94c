package ledger

import (
	"sync"

	"github.com/google/uuid"
)

// batchLocks hands out one RWMutex per batch id. Entries are reference
// counted and removed once no caller holds or waits on them.
type batchLocks struct {
	mu    sync.Mutex
	locks map[uuid.UUID]*batchLock
}

type batchLock struct {
	sync.RWMutex
	refs int
}

func newBatchLocks() *batchLocks {
	return &batchLocks{locks: make(map[uuid.UUID]*batchLock)}
}

func (l *batchLocks) acquire(id uuid.UUID) *batchLock {
	l.mu.Lock()
	defer l.mu.Unlock()
	bl, ok := l.locks[id]
	if !ok {
		bl = &batchLock{}
		l.locks[id] = bl
	}
	bl.refs++
	return bl
}

func (l *batchLocks) release(id uuid.UUID, bl *batchLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	bl.refs--
	if bl.refs == 0 {
		delete(l.locks, id)
	}
}

// Lock takes the exclusive lock for id and returns its unlock func.
func (l *batchLocks) Lock(id uuid.UUID) func() {
	bl := l.acquire(id)
	bl.Lock()
	return func() {
		bl.Unlock()
		l.release(id, bl)
	}
}

// RLock takes the shared lock for id and returns its unlock func.
func (l *batchLocks) RLock(id uuid.UUID) func() {
	bl := l.acquire(id)
	bl.RLock()
	return func() {
		bl.RUnlock()
		l.release(id, bl)
	}
}

// size is the number of live entries.
func (l *batchLocks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}

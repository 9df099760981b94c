package ledger

import (
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestBatchLocks_releasesEntries(t *testing.T) {
	l := newBatchLocks()
	id := uuid.New()

	unlock := l.Lock(id)
	if l.size() != 1 {
		t.Fatalf("size = %d, want 1 while held", l.size())
	}
	unlock()
	if l.size() != 0 {
		t.Errorf("size = %d, want 0 after release", l.size())
	}

	r1, r2 := l.RLock(id), l.RLock(id)
	r1()
	if l.size() != 1 {
		t.Errorf("size = %d, want 1 with one reader left", l.size())
	}
	r2()
	if l.size() != 0 {
		t.Errorf("size = %d, want 0", l.size())
	}
}

func TestBatchLocks_writerExcludesReaders(t *testing.T) {
	l := newBatchLocks()
	id := uuid.New()

	unlock := l.Lock(id)
	acquired := make(chan struct{})
	go func() {
		runlock := l.RLock(id)
		close(acquired)
		runlock()
	}()

	select {
	case <-acquired:
		t.Fatal("reader acquired lock while writer held it")
	case <-time.After(20 * time.Millisecond):
	}
	unlock()
	<-acquired
}

func TestBatchLocks_independentBatches(t *testing.T) {
	l := newBatchLocks()
	a, b := uuid.New(), uuid.New()

	unlockA := l.Lock(a)
	defer unlockA()

	done := make(chan struct{})
	go func() {
		l.Lock(b)()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock on another batch blocked")
	}
}

func TestBatchLocks_concurrentChurn(t *testing.T) {
	l := newBatchLocks()
	ids := []uuid.UUID{uuid.New(), uuid.New(), uuid.New()}

	var wg sync.WaitGroup
	counters := make([]int, len(ids))
	for i := 0; i < 300; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			k := i % len(ids)
			unlock := l.Lock(ids[k])
			counters[k]++
			unlock()
		}(i)
	}
	wg.Wait()

	for k, n := range counters {
		if n != 100 {
			t.Errorf("counter %d = %d, want 100", k, n)
		}
	}
	if l.size() != 0 {
		t.Errorf("size = %d after churn, want 0", l.size())
	}
}

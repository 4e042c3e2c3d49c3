package loader

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestPathLockReadersShareWritersExclude(t *testing.T) {
	l := newPathLock()

	l.RLock()
	l.RLock() // a second reader enters without blocking
	l.RUnlock()

	acquired := make(chan struct{})
	go func() {
		l.Lock()
		close(acquired)
	}()

	select {
	case <-acquired:
		t.Fatal("Lock succeeded while a reader was held")
	case <-time.After(50 * time.Millisecond):
	}

	l.RUnlock()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("Lock did not proceed after last reader left")
	}
	if err := l.Unlock(); err != nil {
		t.Fatalf("Unlock: %v", err)
	}
}

func TestPathLockQueuedWriterBlocksNewReaders(t *testing.T) {
	l := newPathLock()
	l.RLock()

	acquired := make(chan struct{})
	go func() {
		l.Lock()
		close(acquired)
	}()

	// wait for the writer to queue behind the held reader
	for {
		l.mu.Lock()
		queued := l.waiting > 0
		l.mu.Unlock()
		if queued {
			break
		}
		time.Sleep(time.Millisecond)
	}

	// new readers must hold back so the writer is not starved
	entered := make(chan struct{})
	go func() {
		l.RLock()
		close(entered)
	}()
	select {
	case <-entered:
		t.Fatal("reader entered ahead of a queued writer")
	case <-time.After(50 * time.Millisecond):
	}

	l.RUnlock()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("writer did not acquire after the reader left")
	}
	if err := l.Unlock(); err != nil {
		t.Fatalf("Unlock: %v", err)
	}

	select {
	case <-entered:
	case <-time.After(time.Second):
		t.Fatal("reader did not enter after the writer finished")
	}
	l.RUnlock()
}

func TestPathLockUnlockNotHeld(t *testing.T) {
	l := newPathLock()
	if err := l.Unlock(); err == nil {
		t.Fatal("Unlock on a lock that is not write-held should fail")
	}
}

func TestPathLockDowngrade(t *testing.T) {
	l := newPathLock()
	l.Lock()
	l.Downgrade()

	// other readers may now enter
	entered := make(chan struct{})
	go func() {
		l.RLock()
		close(entered)
	}()
	select {
	case <-entered:
	case <-time.After(time.Second):
		t.Fatal("reader blocked after downgrade")
	}
	l.RUnlock()

	// but writers still wait for the downgraded holder
	acquired := make(chan struct{})
	go func() {
		l.Lock()
		close(acquired)
	}()
	select {
	case <-acquired:
		t.Fatal("Lock succeeded while downgraded read lock was held")
	case <-time.After(50 * time.Millisecond):
	}

	l.RUnlock()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("Lock did not proceed after downgraded reader left")
	}
	if err := l.Unlock(); err != nil {
		t.Fatalf("Unlock: %v", err)
	}
}

func TestPathLockWritersAreExclusive(t *testing.T) {
	l := newPathLock()
	var active, maxActive int64
	var wg sync.WaitGroup

	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				l.Lock()
				n := atomic.AddInt64(&active, 1)
				if n > atomic.LoadInt64(&maxActive) {
					atomic.StoreInt64(&maxActive, n)
				}
				atomic.AddInt64(&active, -1)
				if err := l.Unlock(); err != nil {
					t.Errorf("Unlock: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()

	if got := atomic.LoadInt64(&maxActive); got != 1 {
		t.Fatalf("max concurrent writers = %d, want 1", got)
	}
}

func TestLockTableReturnsSameLock(t *testing.T) {
	tbl := newLockTable(16)
	a := tbl.get("/index.jsp")
	b := tbl.get("/index.jsp")
	if a != b {
		t.Fatal("get returned different locks for the same path")
	}
	if c := tbl.get("/other.jsp"); c == a {
		t.Fatal("get returned the same lock for different paths")
	}
}

func TestLockTableSnapshot(t *testing.T) {
	tbl := newLockTable(16)
	tbl.get("/a")
	tbl.get("/b")
	tbl.get("/a")

	if got := len(tbl.snapshot()); got != 2 {
		t.Fatalf("snapshot length = %d, want 2", got)
	}
}

func TestLockTableEvictsOldest(t *testing.T) {
	tbl := newLockTable(2)
	a := tbl.get("/a")
	tbl.get("/b")
	tbl.get("/c") // evicts /a

	if again := tbl.get("/a"); again == a {
		t.Fatal("evicted lock was returned again")
	}
}

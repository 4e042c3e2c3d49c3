package loader

import (
	"errors"
	"sync"

	"github.com/pagemill/pagemill/pkg/lru"
)

var errNotWriteHeld = errors.New("lock is not write-held")

// pathLock is a read/write lock kept as an explicit reader-count/writer-flag
// state machine so the loader can downgrade a held write lock to a read
// lock without a release window, and release locks best-effort during purge
// cleanup. New readers hold back while a writer is queued, so sustained
// read traffic cannot starve a pending regeneration or the purge sweep.
// Upgrading read to write is NOT atomic: callers release the read side
// first and must re-check staleness after acquiring the write side.
type pathLock struct {
	mu      sync.Mutex
	cond    *sync.Cond
	readers int
	writer  bool
	waiting int // writers queued in Lock
}

func newPathLock() *pathLock {
	l := &pathLock{}
	l.cond = sync.NewCond(&l.mu)
	return l
}

// RLock acquires the read side, blocking while a writer holds the lock or
// waits for it.
func (l *pathLock) RLock() {
	l.mu.Lock()
	for l.writer || l.waiting > 0 {
		l.cond.Wait()
	}
	l.readers++
	l.mu.Unlock()
}

// RUnlock releases one reader.
func (l *pathLock) RUnlock() {
	l.mu.Lock()
	if l.readers > 0 {
		l.readers--
	}
	l.cond.Broadcast()
	l.mu.Unlock()
}

// Lock acquires the write side, blocking until all readers and any writer
// are gone.
func (l *pathLock) Lock() {
	l.mu.Lock()
	l.waiting++
	for l.writer || l.readers > 0 {
		l.cond.Wait()
	}
	l.waiting--
	l.writer = true
	l.mu.Unlock()
}

// Unlock releases the write side. Releasing a lock that is not write-held
// returns an error instead of panicking so the purge cleanup sweep can keep
// releasing the remaining locks.
func (l *pathLock) Unlock() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.writer {
		return errNotWriteHeld
	}
	l.writer = false
	l.cond.Broadcast()
	return nil
}

// Downgrade converts a held write lock into a read lock in one step, so the
// writing goroutine keeps reading without a re-acquisition race window.
func (l *pathLock) Downgrade() {
	l.mu.Lock()
	if l.writer {
		l.writer = false
		l.readers++
		l.cond.Broadcast()
	}
	l.mu.Unlock()
}

// lockTable hands out per-path locks. Locks are created lazily while
// holding the purge lock's read side, so no new locks can appear while a
// purge sweep is collecting the write side of every known lock.
type lockTable struct {
	purge *pathLock

	mu    sync.Mutex // guards the check-then-create insert
	locks *lru.Cache[string, *pathLock]
}

func newLockTable(capacity int) *lockTable {
	return &lockTable{
		purge: newPathLock(),
		locks: lru.New[string, *pathLock](capacity),
	}
}

func (t *lockTable) get(path string) *pathLock {
	if l, ok := t.locks.Get(path); ok {
		return l
	}
	t.purge.RLock()
	t.mu.Lock()
	l, ok := t.locks.Get(path)
	if !ok {
		l = newPathLock()
		t.locks.Put(path, l)
	}
	t.mu.Unlock()
	t.purge.RUnlock()
	return l
}

// snapshot returns all currently known locks for the purge sweep.
func (t *lockTable) snapshot() []*pathLock {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.locks.Values()
}

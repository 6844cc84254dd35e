package charge

import "sync"

// refLocker serializes concurrent submissions for the same ref within this
// process. The ledger's unique constraint on ref is the cross-process
// authority; this lock just keeps two local goroutines from both passing the
// idempotency gate before either records intent.
type refLocker struct {
	mu    sync.Mutex
	locks map[string]*refLock
}

type refLock struct {
	mu   sync.Mutex
	refs int
}

func newRefLocker() *refLocker {
	return &refLocker{locks: make(map[string]*refLock)}
}

// acquire blocks until the ref is exclusively held and returns the release
// function. Entries are dropped once the last holder releases.
func (l *refLocker) acquire(ref string) func() {
	l.mu.Lock()
	entry, ok := l.locks[ref]
	if !ok {
		entry = &refLock{}
		l.locks[ref] = entry
	}
	entry.refs++
	l.mu.Unlock()

	entry.mu.Lock()

	return func() {
		entry.mu.Unlock()
		l.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(l.locks, ref)
		}
		l.mu.Unlock()
	}
}

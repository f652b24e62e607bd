package overlay

import "sync"

// keyLock serializes operations on a single (container, object) key. Every
// overlay sequence is check-then-act over two independent stores with no
// atomicity guarantee from either, so the overlay holds the key's mutex
// from the first existence check until the dependent mutation completes.
// Unrelated keys never contend.
type keyLock struct {
	mu    sync.Mutex
	locks map[string]*lockEntry
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

func newKeyLock() *keyLock {
	return &keyLock{locks: make(map[string]*lockEntry)}
}

// lock acquires the mutex for key and returns the matching unlock func.
func (l *keyLock) lock(key string) func() {
	l.mu.Lock()
	entry, ok := l.locks[key]
	if !ok {
		entry = &lockEntry{}
		l.locks[key] = entry
	}
	entry.refs++
	l.mu.Unlock()

	entry.mu.Lock()

	return func() {
		entry.mu.Unlock()

		l.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(l.locks, key)
		}
		l.mu.Unlock()
	}
}

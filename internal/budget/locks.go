package budget

import "sync"

// keyedMutex serializes operations per budget account. The exclusion scope is
// explicit: two goroutines touching the same (principal, dataset) pair never
// interleave between the balance check and the reservation write, while
// distinct accounts proceed in parallel.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*accountLock
}

type accountLock struct {
	mu   sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*accountLock)}
}

// lock acquires the mutex for key and returns the release function. Entries
// are reference counted so the map does not grow with every account ever seen.
func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &accountLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()

	return func() {
		l.mu.Unlock()

		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

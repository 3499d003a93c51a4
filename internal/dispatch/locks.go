package dispatch

import "sync"

// roomLocks hands out one mutex per room key. Entries are dropped when no
// goroutine holds or waits for them.
type roomLocks struct {
	mu    sync.Mutex
	locks map[string]*roomLock
}

type roomLock struct {
	mu   sync.Mutex
	refs int
}

func newRoomLocks() *roomLocks {
	return &roomLocks{locks: make(map[string]*roomLock)}
}

// lock blocks until the caller owns room and returns the matching unlock.
func (l *roomLocks) lock(room string) func() {
	l.mu.Lock()
	rl, ok := l.locks[room]
	if !ok {
		rl = &roomLock{}
		l.locks[room] = rl
	}
	rl.refs++
	l.mu.Unlock()

	rl.mu.Lock()

	return func() {
		rl.mu.Unlock()

		l.mu.Lock()
		rl.refs--
		if rl.refs == 0 {
			delete(l.locks, room)
		}
		l.mu.Unlock()
	}
}

func (l *roomLocks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}

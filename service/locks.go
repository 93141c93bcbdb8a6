package service

import "sync"

// deviceLocks hands out one mutex per device serial so that forward and
// radio changes against the same phone never overlap.
type deviceLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newDeviceLocks() *deviceLocks {
	return &deviceLocks{locks: make(map[string]*sync.Mutex)}
}

// lock acquires the mutex for serial and returns its release func.
func (l *deviceLocks) lock(serial string) func() {
	l.mu.Lock()
	m, ok := l.locks[serial]
	if !ok {
		m = &sync.Mutex{}
		l.locks[serial] = m
	}
	l.mu.Unlock()

	m.Lock()
	return m.Unlock
}

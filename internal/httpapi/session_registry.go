package httpapi

import (
	"sync"
	"sync/atomic"
)

// SessionRegistry tracks live voice sessions and supports graceful draining.
// When draining is enabled, new sessions are rejected while in-flight sessions
// finish or are closed with CloseAll.
//
// The mu mutex makes the draining check and wg.Add atomic in Add(), so no
// session can register after StartDraining returns.
type SessionRegistry struct {
	mu       sync.Mutex
	draining bool
	nextID   uint64
	closers  map[uint64]func()
	wg       sync.WaitGroup
	count    atomic.Int64
}

// NewSessionRegistry creates a new SessionRegistry.
func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{closers: make(map[uint64]func())}
}

// Add registers a new session whose connection is shut by closeFn on CloseAll.
// It returns a done func that must be called exactly once when the session
// ends, and false if the registry is draining.
func (sr *SessionRegistry) Add(closeFn func()) (func(), bool) {
	sr.mu.Lock()
	defer sr.mu.Unlock()
	if sr.draining {
		return nil, false
	}
	sr.nextID++
	id := sr.nextID
	sr.closers[id] = closeFn
	sr.wg.Add(1)
	sr.count.Add(1)

	var once sync.Once
	return func() {
		once.Do(func() {
			sr.mu.Lock()
			delete(sr.closers, id)
			sr.mu.Unlock()
			sr.count.Add(-1)
			sr.wg.Done()
		})
	}, true
}

// StartDraining sets the draining flag so that future Add calls fail.
func (sr *SessionRegistry) StartDraining() {
	sr.mu.Lock()
	defer sr.mu.Unlock()
	sr.draining = true
}

// IsDraining reports whether the registry is in draining mode.
func (sr *SessionRegistry) IsDraining() bool {
	sr.mu.Lock()
	defer sr.mu.Unlock()
	return sr.draining
}

// CloseAll asks every live session to shut its connection.
func (sr *SessionRegistry) CloseAll() {
	sr.mu.Lock()
	closers := make([]func(), 0, len(sr.closers))
	for _, fn := range sr.closers {
		closers = append(closers, fn)
	}
	sr.mu.Unlock()

	for _, fn := range closers {
		if fn != nil {
			fn()
		}
	}
}

// ActiveCount returns the number of live sessions.
func (sr *SessionRegistry) ActiveCount() int64 {
	return sr.count.Load()
}

// Wait blocks until every registered session has called its done func.
func (sr *SessionRegistry) Wait() {
	sr.wg.Wait()
}

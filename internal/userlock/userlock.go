// Package userlock serializes work per user id. Command handlers and the
// monitor's fire path take the same lock, so a cancel cannot interleave
// with a position being consumed.
package userlock

import "sync"

type entry struct {
	mu   sync.Mutex
	refs int
}

// Locks is a keyed mutex. Entries are dropped once nobody holds or waits
// on them.
type Locks struct {
	mu      sync.Mutex
	entries map[string]*entry
}

func New() *Locks {
	return &Locks{entries: make(map[string]*entry)}
}

// Lock blocks until the caller owns userID and returns the release func.
func (l *Locks) Lock(userID string) (unlock func()) {
	l.mu.Lock()
	e, ok := l.entries[userID]
	if !ok {
		e = &entry{}
		l.entries[userID] = e
	}
	e.refs++
	l.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		l.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(l.entries, userID)
		}
		l.mu.Unlock()
	}
}

// With runs fn while holding userID.
func (l *Locks) With(userID string, fn func() error) error {
	unlock := l.Lock(userID)
	defer unlock()
	return fn()
}

func (l *Locks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

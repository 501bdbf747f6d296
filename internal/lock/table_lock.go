// Package lock serializes transactions per table: a statement takes the
// exclusive lock of every table it touches before reading or writing it.
package lock

import (
	"context"
	"errors"
	"sync"
)

var ErrNotHeld = errors.New("lock: table lock not held")

// entry lives while anyone holds or waits for the lock.
type entry struct {
	sem  chan struct{}
	refs int
}

// Tables hands out one exclusive lock per table name.
type Tables struct {
	mu    sync.Mutex
	locks map[string]*entry
}

func NewTables() *Tables {
	return &Tables{locks: make(map[string]*entry)}
}

// Acquire blocks until the lock on name is free or ctx is done.
func (t *Tables) Acquire(ctx context.Context, name string) error {
	t.mu.Lock()
	e, ok := t.locks[name]
	if !ok {
		e = &entry{sem: make(chan struct{}, 1)}
		t.locks[name] = e
	}
	e.refs++
	t.mu.Unlock()

	select {
	case e.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		t.drop(name, e)
		return ctx.Err()
	}
}

// Release frees the lock on name.
func (t *Tables) Release(name string) error {
	t.mu.Lock()
	e, ok := t.locks[name]
	t.mu.Unlock()
	if !ok {
		return ErrNotHeld
	}
	select {
	case <-e.sem:
	default:
		return ErrNotHeld
	}
	t.drop(name, e)
	return nil
}

func (t *Tables) drop(name string, e *entry) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(t.locks, name)
	}
}

// Held counts entries still alive, for tests and diagnostics.
func (t *Tables) Held() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.locks)
}

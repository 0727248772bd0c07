// Package lock provides critical sections keyed by resource name.
package lock

import (
	"context"
	"sync"
)

type entry struct {
	ch   chan struct{} // Holds one token while the key is locked
	refs int           // Holders plus waiters
}

// Table serializes work per key. Keys that nobody holds or waits for are
// dropped from the table.
type Table struct {
	entries map[string]*entry
	mu      sync.Mutex
}

// New creates an empty lock table.
func New() *Table {
	return &Table{entries: make(map[string]*entry)}
}

// Acquire blocks until key is held by the caller or ctx is done.
// The returned release func must be called exactly once; extra calls are no-ops.
func (t *Table) Acquire(ctx context.Context, key string) (release func(), err error) {
	t.mu.Lock()
	e, ok := t.entries[key]
	if !ok {
		e = &entry{ch: make(chan struct{}, 1)}
		t.entries[key] = e
	}
	e.refs++
	t.mu.Unlock()

	select {
	case e.ch <- struct{}{}:
	case <-ctx.Done():
		t.unref(key, e)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-e.ch
			t.unref(key, e)
		})
	}, nil
}

// Do runs fn while holding key. The key is released even if fn panics.
func (t *Table) Do(ctx context.Context, key string, fn func() error) error {
	release, err := t.Acquire(ctx, key)
	if err != nil {
		return err
	}
	defer release()
	return fn()
}

// Len returns the number of keys currently held or waited for.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

func (t *Table) unref(key string, e *entry) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(t.entries, key)
	}
}

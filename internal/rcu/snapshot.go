package rcu

import (
	"sync/atomic"
)

// Snapshot is a lock-free read-copy-update container.
// Reads dereference the current snapshot without locking; writers build a
// fresh copy and publish it atomically. Readers always observe either the
// old or the new snapshot, never a partially-updated one.
//
// Used for the rule registry and the policy table, which are read on every
// admission check but written rarely.
type Snapshot[T any] struct {
	ptr atomic.Pointer[T]
}

// NewSnapshot creates a container holding init.
func NewSnapshot[T any](init *T) *Snapshot[T] {
	s := &Snapshot[T]{}
	s.ptr.Store(init)
	return s
}

// Load returns the current snapshot. The returned value must be treated
// as immutable.
func (s *Snapshot[T]) Load() *T {
	return s.ptr.Load()
}

// Replace publishes next as the current snapshot. The caller must hand over
// a freshly built value and not mutate it afterwards.
func (s *Snapshot[T]) Replace(next *T) {
	s.ptr.Store(next)
}

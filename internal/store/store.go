package store

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrUnavailable marks counter-store failures. The core decides fail-open
// or fail-closed per rule category; the store only classifies.
var ErrUnavailable = errors.New("store: unavailable")

// Store is the shared counter backend. Every method is atomic per key:
// two racing calls for the same key never both observe the same free slot.
type Store interface {
	// IncrSlidingWindow trims entries older than window, records the current
	// request and returns the new in-window count together with the time (ms)
	// until the oldest remaining entry leaves the window.
	IncrSlidingWindow(ctx context.Context, key string, window time.Duration) (count int64, resetAfterMs int64, err error)

	// CountSlidingWindow trims and counts without recording, for read-only
	// status introspection.
	CountSlidingWindow(ctx context.Context, key string, window time.Duration) (count int64, resetAfterMs int64, err error)

	// IncrConcurrent atomically increments a concurrency slot counter and
	// refreshes its TTL. The TTL is the leak backstop for callers that
	// acquire and never release.
	IncrConcurrent(ctx context.Context, key string, timeout time.Duration) (int64, error)

	// DecrConcurrent atomically decrements, flooring at 0.
	DecrConcurrent(ctx context.Context, key string) (int64, error)

	// GetConcurrent reads the current slot count without modifying it.
	GetConcurrent(ctx context.Context, key string) (int64, error)

	// Reset deletes an exact key, or every key under a prefix when the
	// pattern ends with '*'.
	Reset(ctx context.Context, pattern string) error

	Close() error
}

// Key templates. The identifier sits in a hash-tag brace so that all keys
// of one identifier land on the same Redis cluster slot.
const (
	keyWindowTmpl     = "%s:sw:{%s}:%s"
	keyConcurrentTmpl = "%s:cc:{%s}:%s"
)

// Keys builds namespaced counter keys.
type Keys struct {
	Prefix string
}

func (k Keys) Window(identifier, ruleName string) string {
	return fmt.Sprintf(keyWindowTmpl, k.Prefix, identifier, ruleName)
}

func (k Keys) Concurrent(identifier, ruleName string) string {
	return fmt.Sprintf(keyConcurrentTmpl, k.Prefix, identifier, ruleName)
}

// IdentifierPatterns returns the reset patterns covering every counter of
// one identifier.
func (k Keys) IdentifierPatterns(identifier string) []string {
	return []string{
		fmt.Sprintf(keyWindowTmpl, k.Prefix, identifier, "*"),
		fmt.Sprintf(keyConcurrentTmpl, k.Prefix, identifier, "*"),
	}
}

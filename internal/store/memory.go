package store

import (
	"context"
	"strings"
	"sync"
	"time"
)

const janitorInterval = 30 * time.Second

// Memory is the in-process counter backend for single-node deployments and
// tests. Entries carry their own expiry and a janitor goroutine sweeps idle
// ones, mirroring the TTL behavior of the Redis backend.
type Memory struct {
	mu       sync.Mutex // guards the maps; entry locks nest under it
	windows  map[string]*windowEntry
	counters map[string]*counterEntry

	now       func() time.Time
	done      chan struct{}
	closeOnce sync.Once
}

type windowEntry struct {
	mu        sync.Mutex
	stamps    []int64 // unix ms, ascending
	expiresMs int64
	gone      bool // removed from the map; holders must re-fetch
}

type counterEntry struct {
	mu        sync.Mutex
	n         int64
	expiresMs int64
	gone      bool
}

func NewMemory() *Memory {
	m := &Memory{
		windows:  make(map[string]*windowEntry),
		counters: make(map[string]*counterEntry),
		now:      time.Now,
		done:     make(chan struct{}),
	}
	go m.janitor()
	return m
}

func (m *Memory) IncrSlidingWindow(_ context.Context, key string, window time.Duration) (int64, int64, error) {
	windowMs := window.Milliseconds()
	for {
		e := m.windowEntry(key)
		e.mu.Lock()
		if e.gone {
			e.mu.Unlock()
			continue
		}
		nowMs := m.now().UnixMilli()
		e.trim(nowMs - windowMs)
		e.stamps = append(e.stamps, nowMs)
		e.expiresMs = nowMs + windowMs + 1000
		count := int64(len(e.stamps))
		reset := e.stamps[0] + windowMs - nowMs
		e.mu.Unlock()
		return count, reset, nil
	}
}

func (m *Memory) CountSlidingWindow(_ context.Context, key string, window time.Duration) (int64, int64, error) {
	windowMs := window.Milliseconds()
	m.mu.Lock()
	e, ok := m.windows[key]
	m.mu.Unlock()
	if !ok {
		return 0, 0, nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.gone {
		return 0, 0, nil
	}
	nowMs := m.now().UnixMilli()
	e.trim(nowMs - windowMs)
	if len(e.stamps) == 0 {
		return 0, 0, nil
	}
	return int64(len(e.stamps)), e.stamps[0] + windowMs - nowMs, nil
}

func (m *Memory) IncrConcurrent(_ context.Context, key string, timeout time.Duration) (int64, error) {
	for {
		e := m.counterEntry(key)
		e.mu.Lock()
		if e.gone {
			e.mu.Unlock()
			continue
		}
		nowMs := m.now().UnixMilli()
		if nowMs > e.expiresMs {
			e.n = 0 // abandoned slots expired with the key
		}
		e.n++
		e.expiresMs = nowMs + timeout.Milliseconds()
		n := e.n
		e.mu.Unlock()
		return n, nil
	}
}

func (m *Memory) DecrConcurrent(_ context.Context, key string) (int64, error) {
	m.mu.Lock()
	e, ok := m.counters[key]
	m.mu.Unlock()
	if !ok {
		return 0, nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.gone {
		return 0, nil
	}
	if m.now().UnixMilli() > e.expiresMs {
		e.n = 0
		return 0, nil
	}
	if e.n > 0 {
		e.n--
	}
	return e.n, nil
}

func (m *Memory) GetConcurrent(_ context.Context, key string) (int64, error) {
	m.mu.Lock()
	e, ok := m.counters[key]
	m.mu.Unlock()
	if !ok {
		return 0, nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.gone || m.now().UnixMilli() > e.expiresMs {
		return 0, nil
	}
	return e.n, nil
}

func (m *Memory) Reset(_ context.Context, pattern string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if prefix, ok := strings.CutSuffix(pattern, "*"); ok {
		for k, e := range m.windows {
			if strings.HasPrefix(k, prefix) {
				m.dropWindow(k, e)
			}
		}
		for k, e := range m.counters {
			if strings.HasPrefix(k, prefix) {
				m.dropCounter(k, e)
			}
		}
		return nil
	}
	if e, ok := m.windows[pattern]; ok {
		m.dropWindow(pattern, e)
	}
	if e, ok := m.counters[pattern]; ok {
		m.dropCounter(pattern, e)
	}
	return nil
}

func (m *Memory) Close() error {
	m.closeOnce.Do(func() { close(m.done) })
	return nil
}

func (m *Memory) windowEntry(key string) *windowEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.windows[key]
	if !ok {
		e = &windowEntry{}
		m.windows[key] = e
	}
	return e
}

func (m *Memory) counterEntry(key string) *counterEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.counters[key]
	if !ok {
		e = &counterEntry{}
		m.counters[key] = e
	}
	return e
}

func (e *windowEntry) trim(cutoffMs int64) {
	i := 0
	for i < len(e.stamps) && e.stamps[i] <= cutoffMs {
		i++
	}
	if i > 0 {
		e.stamps = append(e.stamps[:0], e.stamps[i:]...)
	}
}

func (m *Memory) dropWindow(key string, e *windowEntry) {
	e.mu.Lock()
	e.gone = true
	e.mu.Unlock()
	delete(m.windows, key)
}

func (m *Memory) dropCounter(key string, e *counterEntry) {
	e.mu.Lock()
	e.gone = true
	e.mu.Unlock()
	delete(m.counters, key)
}

func (m *Memory) janitor() {
	ticker := time.NewTicker(janitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			m.sweep()
		}
	}
}

func (m *Memory) sweep() {
	nowMs := m.now().UnixMilli()
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, e := range m.windows {
		e.mu.Lock()
		expired := nowMs > e.expiresMs
		e.mu.Unlock()
		if expired {
			m.dropWindow(k, e)
		}
	}
	for k, e := range m.counters {
		e.mu.Lock()
		expired := nowMs > e.expiresMs
		e.mu.Unlock()
		if expired {
			m.dropCounter(k, e)
		}
	}
}

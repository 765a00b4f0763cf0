package cache

import (
	"context"
	"sync"
	"time"
)

const janitorInterval = time.Minute

type entry struct {
	value     []byte
	counter   int64
	isCounter bool
	expiresAt time.Time
}

func (e entry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// Memory is the in-process backend: the default for single-node
// deployments and all tests.
type Memory struct {
	mu      sync.RWMutex
	entries map[string]entry
	subs    map[string][]chan []byte
	done    chan struct{}
	once    sync.Once
	now     func() time.Time
}

// NewMemory returns a memory cache with a background janitor evicting
// expired entries.
func NewMemory() *Memory {
	m := &Memory{
		entries: make(map[string]entry),
		subs:    make(map[string][]chan []byte),
		done:    make(chan struct{}),
		now:     time.Now,
	}
	go m.janitor()
	return m
}

func (m *Memory) janitor() {
	t := time.NewTicker(janitorInterval)
	defer t.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-t.C:
			now := m.now()
			m.mu.Lock()
			for k, e := range m.entries {
				if e.expired(now) {
					delete(m.entries, k)
				}
			}
			m.mu.Unlock()
		}
	}
}

func (m *Memory) Get(ctx context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	e, ok := m.entries[key]
	m.mu.RUnlock()
	if !ok || e.expired(m.now()) {
		return nil, ErrMiss
	}
	out := make([]byte, len(e.value))
	copy(out, e.value)
	return out, nil
}

func (m *Memory) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	v := make([]byte, len(value))
	copy(v, value)
	e := entry{value: v}
	if ttl > 0 {
		e.expiresAt = m.now().Add(ttl)
	}
	m.mu.Lock()
	m.entries[key] = e
	m.mu.Unlock()
	return nil
}

func (m *Memory) GetMulti(ctx context.Context, keys []string) (map[string][]byte, error) {
	out := make(map[string][]byte, len(keys))
	now := m.now()
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, k := range keys {
		if e, ok := m.entries[k]; ok && !e.expired(now) {
			v := make([]byte, len(e.value))
			copy(v, e.value)
			out[k] = v
		}
	}
	return out, nil
}

func (m *Memory) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	delete(m.entries, key)
	m.mu.Unlock()
	return nil
}

func (m *Memory) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[key]
	if !ok || e.expired(m.now()) || !e.isCounter {
		e = entry{isCounter: true}
		if ttl > 0 {
			e.expiresAt = m.now().Add(ttl)
		}
	}
	e.counter++
	m.entries[key] = e
	return e.counter, nil
}

func (m *Memory) Publish(ctx context.Context, channel string, payload []byte) error {
	m.mu.RLock()
	subs := make([]chan []byte, len(m.subs[channel]))
	copy(subs, m.subs[channel])
	m.mu.RUnlock()

	for _, ch := range subs {
		p := make([]byte, len(payload))
		copy(p, payload)
		select {
		case ch <- p:
		default:
			// Slow subscribers drop messages rather than block the
			// publisher.
		}
	}
	return nil
}

func (m *Memory) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	ch := make(chan []byte, 64)
	m.mu.Lock()
	m.subs[channel] = append(m.subs[channel], ch)
	m.mu.Unlock()

	go func() {
		<-ctx.Done()
		m.mu.Lock()
		subs := m.subs[channel]
		for i, c := range subs {
			if c == ch {
				m.subs[channel] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
		m.mu.Unlock()
		close(ch)
	}()
	return ch, nil
}

func (m *Memory) Close() error {
	m.once.Do(func() { close(m.done) })
	return nil
}

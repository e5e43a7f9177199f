package metadata

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// MemoryStore is an in-process MetadataStore. Change streams queue without
// bound, so a slow reader never loses a change.
type MemoryStore struct {
	mu          sync.RWMutex
	data        map[string]Entry
	nextVer     Version
	closed      bool
	unavailable bool
	streams     map[*memoryStream]struct{}
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data:    make(map[string]Entry),
		nextVer: 1,
		streams: make(map[*memoryStream]struct{}),
	}
}

// SetUnavailable makes every subsequent operation fail with
// ErrStoreUnavailable until cleared. Used to simulate an unreachable store.
func (m *MemoryStore) SetUnavailable(unavailable bool) {
	m.mu.Lock()
	m.unavailable = unavailable
	m.mu.Unlock()
}

func (m *MemoryStore) checkLocked(op string) error {
	if m.closed {
		return ErrStoreClosed
	}
	if m.unavailable {
		return fmt.Errorf("memory: %s: %w", op, ErrStoreUnavailable)
	}
	return nil
}

func (m *MemoryStore) Get(_ context.Context, key string) (Entry, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if err := m.checkLocked("get"); err != nil {
		return Entry{}, false, err
	}
	e, ok := m.data[key]
	return e, ok, nil
}

func (m *MemoryStore) Put(_ context.Context, key string, value []byte, opts ...WriteOption) (Version, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkLocked("put"); err != nil {
		return 0, err
	}

	if want := ResolveWriteOptions(opts).ExpectedVersion; want != nil && m.data[key].Version != *want {
		return 0, ErrVersionMismatch
	}

	ver := m.nextVer
	m.nextVer++
	stored := append([]byte(nil), value...)
	m.data[key] = Entry{Key: key, Value: stored, Version: ver}
	m.publishLocked(Change{Key: key, Value: stored, Version: ver})
	return ver, nil
}

func (m *MemoryStore) Delete(_ context.Context, key string, opts ...WriteOption) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkLocked("delete"); err != nil {
		return err
	}

	existing, ok := m.data[key]
	if !ok {
		return nil
	}
	if want := ResolveWriteOptions(opts).ExpectedVersion; want != nil && existing.Version != *want {
		return ErrVersionMismatch
	}

	delete(m.data, key)
	m.publishLocked(Change{Key: key, Version: existing.Version, Deleted: true})
	return nil
}

func (m *MemoryStore) Scan(_ context.Context, prefix string) ([]Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if err := m.checkLocked("scan"); err != nil {
		return nil, err
	}

	var out []Entry
	for k, e := range m.data {
		if strings.HasPrefix(k, prefix) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (m *MemoryStore) Changes(_ context.Context) (ChangeStream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkLocked("changes"); err != nil {
		return nil, err
	}

	s := &memoryStream{store: m, signal: make(chan struct{}, 1)}
	m.streams[s] = struct{}{}
	return s, nil
}

// Close closes the store and ends every open change stream.
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}
	m.closed = true
	for s := range m.streams {
		s.shutdown()
	}
	m.streams = nil
	return nil
}

func (m *MemoryStore) publishLocked(c Change) {
	for s := range m.streams {
		s.push(c)
	}
}

func (m *MemoryStore) removeStream(s *memoryStream) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.streams, s)
}

type memoryStream struct {
	store  *MemoryStore
	signal chan struct{}

	mu     sync.Mutex
	queue  []Change
	closed bool
}

func (s *memoryStream) push(c Change) {
	s.mu.Lock()
	if !s.closed {
		s.queue = append(s.queue, c)
	}
	s.mu.Unlock()
	s.wake()
}

func (s *memoryStream) wake() {
	select {
	case s.signal <- struct{}{}:
	default:
	}
}

func (s *memoryStream) shutdown() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.wake()
}

func (s *memoryStream) Next(ctx context.Context) (Change, error) {
	for {
		s.mu.Lock()
		if len(s.queue) > 0 {
			c := s.queue[0]
			s.queue = s.queue[1:]
			s.mu.Unlock()
			return c, nil
		}
		if s.closed {
			s.mu.Unlock()
			return Change{}, ErrStoreClosed
		}
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			return Change{}, ctx.Err()
		case <-s.signal:
		}
	}
}

func (s *memoryStream) Close() error {
	s.shutdown()
	s.store.removeStream(s)
	return nil
}

var _ MetadataStore = (*MemoryStore)(nil)

package routing

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/dray-io/drayproxy/internal/metadata"
	"github.com/dray-io/drayproxy/internal/metadata/keys"
)

// Allocation is one entry of the allocation change stream. A nil Node means
// the resource is no longer owned.
type Allocation struct {
	Resource string
	Node     *RoutingNode
}

// AllocationStream delivers the current allocation snapshot followed by live
// changes. Each stream is independent of every other.
type AllocationStream struct {
	ch     chan Allocation
	cancel context.CancelFunc
	done   chan struct{}

	mu  sync.Mutex
	err error
}

// C returns the allocation channel. It is closed when the stream ends; Err
// then reports why.
func (s *AllocationStream) C() <-chan Allocation {
	return s.ch
}

// Err returns the error that ended the stream, or nil if it was closed by
// the caller or its context.
func (s *AllocationStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close stops the stream and waits for its goroutine to exit.
func (s *AllocationStream) Close() {
	s.cancel()
	<-s.done
}

// AllocationChanges subscribes to store changes, then scans the current
// records, so no change between the snapshot and the live deltas is lost.
// A change racing the snapshot may be delivered twice; the later entry wins.
func (r *Resolver) AllocationChanges(ctx context.Context) (*AllocationStream, error) {
	ctx, cancel := context.WithCancel(ctx)

	changes, err := r.store.Changes(ctx)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("routing: subscribe: %w", err)
	}

	snapshot, err := r.store.Scan(ctx, keys.RoutesPrefix)
	if err != nil {
		_ = changes.Close()
		cancel()
		return nil, fmt.Errorf("routing: list allocations: %w", err)
	}

	s := &AllocationStream{
		ch:     make(chan Allocation),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go r.runAllocationStream(ctx, s, changes, snapshot)
	return s, nil
}

func (r *Resolver) runAllocationStream(ctx context.Context, s *AllocationStream, changes metadata.ChangeStream, snapshot []metadata.Entry) {
	defer close(s.done)
	defer close(s.ch)
	defer changes.Close()

	// Versions already delivered, so changes older than the snapshot are not
	// replayed.
	seen := make(map[string]metadata.Version, len(snapshot))

	send := func(a Allocation) bool {
		select {
		case s.ch <- a:
			return true
		case <-ctx.Done():
			return false
		}
	}

	for _, e := range snapshot {
		a, ok := r.allocationFrom(e.Key, e.Value, e.Version)
		if !ok {
			continue
		}
		seen[e.Key] = e.Version
		if !send(a) {
			return
		}
	}

	for {
		n, err := changes.Next(ctx)
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, context.Canceled) {
				s.mu.Lock()
				s.err = err
				s.mu.Unlock()
				r.logger.Warnf("allocation stream ended", map[string]any{"error": err.Error()})
			}
			return
		}
		if !keys.IsRouteKey(n.Key) {
			continue
		}

		resource, err := keys.ParseRouteKey(n.Key)
		if err != nil {
			continue
		}

		if n.Deleted {
			delete(seen, n.Key)
			if !send(Allocation{Resource: resource}) {
				return
			}
			continue
		}

		if prev, ok := seen[n.Key]; ok && n.Version != 0 && n.Version <= prev {
			continue
		}

		value, version := n.Value, n.Version
		if value == nil {
			e, found, err := r.store.Get(ctx, n.Key)
			if err != nil {
				r.logger.Warnf("allocation re-read failed", map[string]any{"resource": resource, "error": err.Error()})
				continue
			}
			if !found {
				delete(seen, n.Key)
				if !send(Allocation{Resource: resource}) {
					return
				}
				continue
			}
			value, version = e.Value, e.Version
		}

		a, ok := r.allocationFrom(n.Key, value, version)
		if !ok {
			continue
		}
		seen[n.Key] = version
		if !send(a) {
			return
		}
	}
}

func (r *Resolver) allocationFrom(key string, value []byte, version metadata.Version) (Allocation, bool) {
	resource, err := keys.ParseRouteKey(key)
	if err != nil {
		return Allocation{}, false
	}
	rn, err := decodeRoutingNode(value)
	if err != nil {
		r.logger.Warnf("skipping unreadable allocation", map[string]any{"resource": resource, "error": err.Error()})
		return Allocation{}, false
	}
	rn.Version = int64(version)
	return Allocation{Resource: resource, Node: &rn}, true
}

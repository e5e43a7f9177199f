package config

import (
	"sync"
)

// Feed publishes configuration snapshots to subscribers. Each subscriber
// sees snapshots in publication order but only the latest one is buffered:
// a slow subscriber skips intermediate snapshots rather than blocking the
// publisher.
type Feed struct {
	mu      sync.Mutex
	current *Config
	subs    map[*Subscription]struct{}
	closed  bool
}

// NewFeed creates a feed whose current snapshot is initial (may be nil).
func NewFeed(initial *Config) *Feed {
	return &Feed{
		current: initial,
		subs:    make(map[*Subscription]struct{}),
	}
}

// Subscription receives snapshots from a Feed.
type Subscription struct {
	feed *Feed
	ch   chan *Config
	once sync.Once
}

// C returns the channel of snapshots. It is closed on Unsubscribe or when
// the feed is closed.
func (s *Subscription) C() <-chan *Config {
	return s.ch
}

// Unsubscribe stops delivery and closes C. Safe to call more than once.
func (s *Subscription) Unsubscribe() {
	s.feed.mu.Lock()
	defer s.feed.mu.Unlock()
	s.closeLocked()
}

func (s *Subscription) closeLocked() {
	s.once.Do(func() {
		delete(s.feed.subs, s)
		close(s.ch)
	})
}

// Subscribe registers a subscriber. The current snapshot, if any, is
// delivered immediately.
func (f *Feed) Subscribe() *Subscription {
	f.mu.Lock()
	defer f.mu.Unlock()

	sub := &Subscription{feed: f, ch: make(chan *Config, 1)}
	if f.closed {
		sub.closeLocked()
		return sub
	}
	f.subs[sub] = struct{}{}
	if f.current != nil {
		sub.ch <- f.current
	}
	return sub
}

// Publish replaces the current snapshot and offers it to every subscriber.
func (f *Feed) Publish(cfg *Config) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}

	f.current = cfg
	for sub := range f.subs {
		// Drop a stale snapshot still sitting in the buffer.
		select {
		case <-sub.ch:
		default:
		}
		sub.ch <- cfg
	}
}

// Current returns the latest published snapshot, or nil.
func (f *Feed) Current() *Config {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.current
}

// Close closes every subscription. Later Publish calls are ignored.
func (f *Feed) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.closed = true
	for sub := range f.subs {
		sub.closeLocked()
	}
}

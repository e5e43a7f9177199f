package metadata

import (
	"context"
	"errors"
	"time"
)

// Operation names passed to a StoreMetricsRecorder.
const (
	OpGet    = "get"
	OpPut    = "put"
	OpDelete = "delete"
	OpScan   = "scan"
)

// StoreMetricsRecorder receives one observation per store call.
type StoreMetricsRecorder interface {
	RecordOperation(op string, durationSeconds float64, success bool)
}

// InstrumentedStore times every call on the wrapped store. Change streams
// are long-lived and are not timed.
type InstrumentedStore struct {
	MetadataStore
	rec StoreMetricsRecorder
}

// NewInstrumentedStore wraps store. A nil rec disables recording.
func NewInstrumentedStore(store MetadataStore, rec StoreMetricsRecorder) *InstrumentedStore {
	return &InstrumentedStore{MetadataStore: store, rec: rec}
}

func (s *InstrumentedStore) observe(op string, start time.Time, err error) {
	if s.rec == nil {
		return
	}
	// A lost CAS race means the store answered.
	ok := err == nil || errors.Is(err, ErrVersionMismatch)
	s.rec.RecordOperation(op, time.Since(start).Seconds(), ok)
}

func (s *InstrumentedStore) Get(ctx context.Context, key string) (Entry, bool, error) {
	start := time.Now()
	e, found, err := s.MetadataStore.Get(ctx, key)
	s.observe(OpGet, start, err)
	return e, found, err
}

func (s *InstrumentedStore) Put(ctx context.Context, key string, value []byte, opts ...WriteOption) (Version, error) {
	start := time.Now()
	v, err := s.MetadataStore.Put(ctx, key, value, opts...)
	s.observe(OpPut, start, err)
	return v, err
}

func (s *InstrumentedStore) Delete(ctx context.Context, key string, opts ...WriteOption) error {
	start := time.Now()
	err := s.MetadataStore.Delete(ctx, key, opts...)
	s.observe(OpDelete, start, err)
	return err
}

func (s *InstrumentedStore) Scan(ctx context.Context, prefix string) ([]Entry, error) {
	start := time.Now()
	entries, err := s.MetadataStore.Scan(ctx, prefix)
	s.observe(OpScan, start, err)
	return entries, err
}

var _ MetadataStore = (*InstrumentedStore)(nil)

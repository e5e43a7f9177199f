// Package metadata is the key-value layer the routing store sits on.
//
// Route records are small JSON values keyed under keys.RoutesPrefix. Two
// backends implement MetadataStore: MemoryStore for a single process and
// tests, and package oxia for a shared deployment.
package metadata

import (
	"context"
	"errors"
)

var (
	// ErrVersionMismatch reports a conditional write whose expected version
	// no longer matches the stored one.
	ErrVersionMismatch = errors.New("metadata: version mismatch")

	// ErrStoreClosed is returned by every operation after Close.
	ErrStoreClosed = errors.New("metadata: store closed")

	// ErrStoreUnavailable reports a backend that cannot be reached or does
	// not answer before its deadline.
	ErrStoreUnavailable = errors.New("metadata: store unavailable")
)

// Version orders writes to a single key. Zero means the key is absent, so
// IfVersion(0) asks for a create.
type Version int64

// Entry is a stored key with its value and version.
type Entry struct {
	Key     string
	Value   []byte
	Version Version
}

// Change describes one write observed on a ChangeStream.
type Change struct {
	Key string
	// Value is set when the backend delivers it. Oxia only names the key,
	// so consumers must be ready to re-read.
	Value   []byte
	Version Version
	Deleted bool
}

// ChangeStream yields changes in the order the store applied them.
type ChangeStream interface {
	// Next blocks until a change arrives, ctx is done or the stream ends.
	// A stream ended by Close or by the store closing returns ErrStoreClosed.
	Next(ctx context.Context) (Change, error)
	Close() error
}

// WriteOption adjusts a Put or Delete.
type WriteOption func(*WriteOptions)

// WriteOptions is the resolved form of a WriteOption list.
type WriteOptions struct {
	// ExpectedVersion, when set, makes the write conditional.
	ExpectedVersion *Version
}

// IfVersion makes a write succeed only while the key is at v.
func IfVersion(v Version) WriteOption {
	return func(o *WriteOptions) { o.ExpectedVersion = &v }
}

// ResolveWriteOptions applies opts in order.
func ResolveWriteOptions(opts []WriteOption) WriteOptions {
	var o WriteOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// MetadataStore is the contract route records are persisted through.
// Reachability failures wrap ErrStoreUnavailable.
type MetadataStore interface {
	// Get returns the entry for key. A missing key is not an error; found
	// is false.
	Get(ctx context.Context, key string) (entry Entry, found bool, err error)

	// Put writes value and returns the version it was stored at.
	Put(ctx context.Context, key string, value []byte, opts ...WriteOption) (Version, error)

	// Delete removes key. Removing a missing key succeeds.
	Delete(ctx context.Context, key string, opts ...WriteOption) error

	// Scan returns every entry whose key starts with prefix, sorted by key.
	Scan(ctx context.Context, prefix string) ([]Entry, error)

	// Changes opens a stream of every write made after it returns. Each
	// stream sees all changes independently of other streams.
	Changes(ctx context.Context) (ChangeStream, error)

	Close() error
}

// Package oxia stores route records in an Oxia namespace.
//
//	store, err := oxia.New(ctx, oxia.Config{
//	    ServiceAddress: "localhost:6648",
//	    Namespace:      "drayproxy",
//	})
//	if err != nil {
//	    return err
//	}
//	defer store.Close()
package oxia

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	oxiaclient "github.com/oxia-db/oxia/oxia"

	"github.com/dray-io/drayproxy/internal/metadata"
)

// Config configures the Oxia metadata store.
type Config struct {
	// ServiceAddress is the Oxia service endpoint (e.g., "localhost:6648").
	ServiceAddress string

	// Namespace is the Oxia namespace to use. All keys are scoped to it.
	Namespace string

	// RequestTimeout is the timeout for individual requests.
	RequestTimeout time.Duration

	// SessionTimeout is the client session timeout.
	SessionTimeout time.Duration
}

// Store implements MetadataStore using Oxia.
type Store struct {
	client oxiaclient.SyncClient
	config Config

	mu     sync.RWMutex
	closed bool
}

// New creates a new Oxia metadata store.
func New(_ context.Context, cfg Config) (*Store, error) {
	if cfg.ServiceAddress == "" {
		return nil, errors.New("oxia: service address is required")
	}
	if cfg.Namespace == "" {
		return nil, errors.New("oxia: namespace is required")
	}

	opts := []oxiaclient.ClientOption{
		oxiaclient.WithNamespace(cfg.Namespace),
	}
	if cfg.RequestTimeout > 0 {
		opts = append(opts, oxiaclient.WithRequestTimeout(cfg.RequestTimeout))
	}
	if cfg.SessionTimeout > 0 {
		opts = append(opts, oxiaclient.WithSessionTimeout(cfg.SessionTimeout))
	}

	client, err := oxiaclient.NewSyncClient(cfg.ServiceAddress, opts...)
	if err != nil {
		return nil, classify("connect", err)
	}

	return &Store{client: client, config: cfg}, nil
}

// Oxia numbers versions from 0; metadata reserves 0 for "absent".
func fromOxia(v int64) metadata.Version { return metadata.Version(v + 1) }

func toOxia(v metadata.Version) int64 { return int64(v) - 1 }

func (s *Store) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return metadata.ErrStoreClosed
	}
	return nil
}

func (s *Store) Get(ctx context.Context, key string) (metadata.Entry, bool, error) {
	if err := s.checkOpen(); err != nil {
		return metadata.Entry{}, false, err
	}

	_, value, version, err := s.client.Get(ctx, key)
	switch {
	case errors.Is(err, oxiaclient.ErrKeyNotFound):
		return metadata.Entry{}, false, nil
	case err != nil:
		return metadata.Entry{}, false, classify("get", err)
	}
	return metadata.Entry{Key: key, Value: value, Version: fromOxia(version.VersionId)}, true, nil
}

func (s *Store) Put(ctx context.Context, key string, value []byte, opts ...metadata.WriteOption) (metadata.Version, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}

	var putOpts []oxiaclient.PutOption
	if want := metadata.ResolveWriteOptions(opts).ExpectedVersion; want != nil {
		if *want == 0 {
			putOpts = append(putOpts, oxiaclient.ExpectedRecordNotExists())
		} else {
			putOpts = append(putOpts, oxiaclient.ExpectedVersionId(toOxia(*want)))
		}
	}

	_, version, err := s.client.Put(ctx, key, value, putOpts...)
	switch {
	case errors.Is(err, oxiaclient.ErrUnexpectedVersionId):
		return 0, metadata.ErrVersionMismatch
	case err != nil:
		return 0, classify("put", err)
	}
	return fromOxia(version.VersionId), nil
}

func (s *Store) Delete(ctx context.Context, key string, opts ...metadata.WriteOption) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	var delOpts []oxiaclient.DeleteOption
	if want := metadata.ResolveWriteOptions(opts).ExpectedVersion; want != nil {
		delOpts = append(delOpts, oxiaclient.ExpectedVersionId(toOxia(*want)))
	}

	err := s.client.Delete(ctx, key, delOpts...)
	switch {
	case err == nil, errors.Is(err, oxiaclient.ErrKeyNotFound):
		return nil
	case errors.Is(err, oxiaclient.ErrUnexpectedVersionId):
		return metadata.ErrVersionMismatch
	default:
		return classify("delete", err)
	}
}

// Scan range-scans the keys under prefix. Oxia orders keys by path segment,
// so a prefix ending in '/' is bounded by prefix+"/", which covers exactly
// its direct children.
func (s *Store) Scan(ctx context.Context, prefix string) ([]metadata.Entry, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	end := prefixEnd(prefix)
	if strings.HasSuffix(prefix, "/") {
		end = prefix + "/"
	}

	results := s.client.RangeScan(ctx, prefix, end)
	var out []metadata.Entry
	for r := range results {
		if r.Err != nil {
			go func() {
				for range results {
				}
			}()
			return nil, classify("scan", r.Err)
		}
		out = append(out, metadata.Entry{Key: r.Key, Value: r.Value, Version: fromOxia(r.Version.VersionId)})
	}
	return out, nil
}

// Changes subscribes to namespace notifications. The stream also ends when
// ctx is done.
func (s *Store) Changes(ctx context.Context) (metadata.ChangeStream, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	n, err := s.client.GetNotifications()
	if err != nil {
		return nil, classify("changes", err)
	}
	return &changeStream{src: n, done: ctx.Done(), err: ctx.Err}, nil
}

// Close releases resources held by the store.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.client.Close()
}

// prefixEnd is the smallest key greater than every key starting with prefix.
func prefixEnd(prefix string) string {
	if prefix == "" {
		return ""
	}
	b := []byte(prefix)
	for i := len(b) - 1; i >= 0; i-- {
		if b[i] < 0xff {
			b[i]++
			return string(b[:i+1])
		}
	}
	return ""
}

var _ metadata.MetadataStore = (*Store)(nil)

// String describes the store for logs.
func (s *Store) String() string {
	return fmt.Sprintf("oxia(%s/%s)", s.config.ServiceAddress, s.config.Namespace)
}

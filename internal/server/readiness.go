package server

import (
	"context"
	"errors"

	"github.com/dray-io/drayproxy/internal/metadata"
	"github.com/dray-io/drayproxy/internal/metadata/keys"
)

// healthCheckKey is never written; a lookup only proves the store answers.
var healthCheckKey = keys.Prefix + "/health-check"

// MetadataStoreChecker reports whether the routing store answers reads.
type MetadataStoreChecker struct {
	store metadata.MetadataStore
}

// NewMetadataStoreChecker creates a MetadataStoreChecker.
func NewMetadataStoreChecker(store metadata.MetadataStore) *MetadataStoreChecker {
	return &MetadataStoreChecker{store: store}
}

// Name implements ReadinessChecker.
func (c *MetadataStoreChecker) Name() string {
	return "metadata_store"
}

// CheckReady implements ReadinessChecker.
func (c *MetadataStoreChecker) CheckReady(ctx context.Context) error {
	if c.store == nil {
		return errors.New("metadata store not configured")
	}
	_, _, err := c.store.Get(ctx, healthCheckKey)
	return err
}

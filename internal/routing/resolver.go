package routing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dray-io/drayproxy/internal/logging"
	"github.com/dray-io/drayproxy/internal/metadata"
	"github.com/dray-io/drayproxy/internal/metadata/keys"
)

// maxCASAttempts bounds MarkActive's compare-and-set loop under contention.
const maxCASAttempts = 5

// Resolver answers ownership lookups against the routing store.
type Resolver struct {
	store  metadata.MetadataStore
	logger *logging.Logger
	now    func() time.Time
}

// NewResolver creates a Resolver over store.
func NewResolver(store metadata.MetadataStore, logger *logging.Logger) *Resolver {
	if logger == nil {
		logger = logging.DefaultLogger()
	}
	return &Resolver{
		store:  store,
		logger: logger.With(map[string]any{"component": "routing"}),
		now:    time.Now,
	}
}

// GetNodeForResource returns the record for resource. found is false when no
// node owns it. A record with an unknown state is an error.
func (r *Resolver) GetNodeForResource(ctx context.Context, resource string) (RoutingNode, bool, error) {
	if resource == "" {
		return RoutingNode{}, false, ErrInvalidResource
	}

	e, found, err := r.store.Get(ctx, keys.RouteKey(resource))
	if err != nil {
		return RoutingNode{}, false, fmt.Errorf("routing: lookup %q: %w", resource, err)
	}
	if !found {
		return RoutingNode{}, false, nil
	}

	rn, err := decodeRoutingNode(e.Value)
	if err != nil {
		return RoutingNode{}, false, fmt.Errorf("routing: lookup %q: %w", resource, err)
	}
	rn.Version = int64(e.Version)
	return rn, true, nil
}

// AssignResource makes node the owner of resource in the initializing state,
// replacing any previous owner.
func (r *Resolver) AssignResource(ctx context.Context, resource string, node Node) error {
	if resource == "" {
		return ErrInvalidResource
	}
	if err := node.Validate(); err != nil {
		return err
	}

	data, err := encodeRoutingNode(RoutingNode{
		Node:       node,
		State:      StateInitializing,
		AssignedAt: r.now().UnixMilli(),
	})
	if err != nil {
		return fmt.Errorf("routing: encode record: %w", err)
	}

	if _, err := r.store.Put(ctx, keys.RouteKey(resource), data); err != nil {
		return fmt.Errorf("routing: assign %q: %w", resource, err)
	}

	r.logger.Infof("resource assigned", map[string]any{
		"resource": resource,
		"node":     node.Address,
		"trust":    string(node.Trust),
	})
	return nil
}

// UnassignResource removes any owner of resource. Removing an unowned
// resource succeeds.
func (r *Resolver) UnassignResource(ctx context.Context, resource string) error {
	if resource == "" {
		return ErrInvalidResource
	}
	if err := r.store.Delete(ctx, keys.RouteKey(resource)); err != nil {
		return fmt.Errorf("routing: unassign %q: %w", resource, err)
	}
	r.logger.Infof("resource unassigned", map[string]any{"resource": resource})
	return nil
}

// MarkActive records that the owning node is ready to serve resource.
// It is a no-op when the record is already active.
func (r *Resolver) MarkActive(ctx context.Context, resource string) error {
	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		rn, found, err := r.GetNodeForResource(ctx, resource)
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("%w: %q", ErrResourceUnowned, resource)
		}
		if rn.Active() {
			return nil
		}

		rn.State = StateActive
		data, err := encodeRoutingNode(rn)
		if err != nil {
			return fmt.Errorf("routing: encode record: %w", err)
		}

		_, err = r.store.Put(ctx, keys.RouteKey(resource), data,
			metadata.IfVersion(metadata.Version(rn.Version)))
		if errors.Is(err, metadata.ErrVersionMismatch) {
			continue
		}
		if err != nil {
			return fmt.Errorf("routing: mark active %q: %w", resource, err)
		}

		r.logger.Infof("resource active", map[string]any{
			"resource": resource,
			"node":     rn.Node.Address,
		})
		return nil
	}
	return fmt.Errorf("routing: mark active %q: %w", resource, metadata.ErrVersionMismatch)
}

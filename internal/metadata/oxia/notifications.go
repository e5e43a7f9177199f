package oxia

import (
	"context"

	oxiaclient "github.com/oxia-db/oxia/oxia"

	"github.com/dray-io/drayproxy/internal/metadata"
)

// changeStream adapts an Oxia notification channel. Oxia announces keys
// without values, so Change.Value is always nil.
type changeStream struct {
	src  oxiaclient.Notifications
	done <-chan struct{}
	err  func() error
}

func (c *changeStream) Next(ctx context.Context) (metadata.Change, error) {
	select {
	case <-ctx.Done():
		return metadata.Change{}, ctx.Err()
	case <-c.done:
		return metadata.Change{}, c.err()
	case n, ok := <-c.src.Ch():
		if !ok {
			return metadata.Change{}, metadata.ErrStoreClosed
		}
		return toChange(n), nil
	}
}

func (c *changeStream) Close() error { return c.src.Close() }

func toChange(n *oxiaclient.Notification) metadata.Change {
	deleted := n.Type == oxiaclient.KeyDeleted || n.Type == oxiaclient.KeyRangeRangeDeleted
	return metadata.Change{Key: n.Key, Version: fromOxia(n.VersionId), Deleted: deleted}
}

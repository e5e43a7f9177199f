package oxia

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/dray-io/drayproxy/internal/metadata"
)

// classify wraps an Oxia client error with operation context, tagging
// connectivity failures with metadata.ErrStoreUnavailable.
func classify(op string, err error) error {
	if isUnavailable(err) {
		return fmt.Errorf("oxia: %s failed: %w: %w", op, metadata.ErrStoreUnavailable, err)
	}
	return fmt.Errorf("oxia: %s failed: %w", op, err)
}

func isUnavailable(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	switch status.Code(err) {
	case codes.Unavailable, codes.DeadlineExceeded, codes.ResourceExhausted, codes.Aborted:
		return true
	}
	return false
}

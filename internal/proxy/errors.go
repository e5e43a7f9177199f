package proxy

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNodeInitializing marks an attempt that found the owner not yet
	// ready. It is retried internally and only surfaces inside
	// ErrRetriesExhausted.
	ErrNodeInitializing = errors.New("proxy: node initializing")

	// ErrRetriesExhausted is returned when the owner stayed initializing for
	// every allowed readiness check.
	ErrRetriesExhausted = errors.New("proxy: retries exhausted")

	// ErrTransport is returned when the forwarded call fails before a
	// response is received. It is not retried.
	ErrTransport = errors.New("proxy: transport failure")
)

// DispatchError describes a failed dispatch.
type DispatchError struct {
	Resource string
	// Node is the owner's address, empty if none was resolved.
	Node string
	// Attempts is the number of readiness checks performed.
	Attempts int
	Err      error
}

func (e *DispatchError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "proxy: dispatch %q", e.Resource)
	if e.Node != "" {
		fmt.Fprintf(&b, " to %s", e.Node)
	}
	fmt.Fprintf(&b, " after %d attempt(s): %v", e.Attempts, e.Err)
	return b.String()
}

func (e *DispatchError) Unwrap() error {
	return e.Err
}

// Package keys provides key encoding/decoding for the routing keyspace.
//
// Routing entries are stored one per resource:
//
//	/drayproxy/v1/routes/<escaped resource>
//
// Resources are path-escaped so that a resource containing '/' maps to a
// single direct child of the routes prefix.
package keys

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

const (
	// Prefix is the root prefix for all drayproxy keys.
	Prefix = "/drayproxy/v1"

	// RoutesPrefix is the prefix under which routing entries live.
	RoutesPrefix = Prefix + "/routes/"
)

// ErrInvalidKey is returned when a key does not belong to the routes keyspace.
var ErrInvalidKey = errors.New("keys: invalid key")

// RouteKey returns the store key for resource.
func RouteKey(resource string) string {
	return RoutesPrefix + url.PathEscape(resource)
}

// IsRouteKey reports whether key names a routing entry.
func IsRouteKey(key string) bool {
	return strings.HasPrefix(key, RoutesPrefix) && len(key) > len(RoutesPrefix)
}

// ParseRouteKey returns the resource encoded in key.
func ParseRouteKey(key string) (string, error) {
	if !IsRouteKey(key) {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	resource, err := url.PathUnescape(key[len(RoutesPrefix):])
	if err != nil {
		return "", fmt.Errorf("%w: %q: %v", ErrInvalidKey, key, err)
	}
	return resource, nil
}

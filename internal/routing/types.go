package routing

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
)

var (
	// ErrInvalidResource is returned for an empty resource name.
	ErrInvalidResource = errors.New("routing: invalid resource")

	// ErrInvalidNode is returned for a node without a usable address or trust.
	ErrInvalidNode = errors.New("routing: invalid node")

	// ErrResourceUnowned is returned when no node owns the resource.
	ErrResourceUnowned = errors.New("routing: resource not owned by any node")

	// ErrUnknownRouteState is returned when a stored record carries a state
	// outside the known set. Such records are never treated as ready.
	ErrUnknownRouteState = errors.New("routing: unknown route state")
)

// Trust selects how the proxy connects to a node.
type Trust string

const (
	// TrustTLS connects over TLS and verifies the node certificate.
	TrustTLS Trust = "tls"
	// TrustPlain connects over plain HTTP.
	TrustPlain Trust = "plain"
	// TrustInsecure connects over TLS without verifying the node certificate.
	TrustInsecure Trust = "insecure"
)

// ParseTrust parses a trust label. The empty label means TrustTLS.
func ParseTrust(s string) (Trust, error) {
	switch Trust(s) {
	case "", TrustTLS:
		return TrustTLS, nil
	case TrustPlain, TrustInsecure:
		return Trust(s), nil
	}
	return "", fmt.Errorf("%w: unknown trust %q", ErrInvalidNode, s)
}

// Scheme returns the URL scheme used to reach a node with this trust.
func (t Trust) Scheme() string {
	if t == TrustPlain {
		return "http"
	}
	return "https"
}

// Node identifies a backend host.
type Node struct {
	// Address is host:port, or a bare host for the scheme's default port.
	Address string `json:"address"`
	Trust   Trust  `json:"trust,omitempty"`
}

// Validate checks the address and normalizes an empty trust to TrustTLS.
func (n *Node) Validate() error {
	if n.Address == "" {
		return fmt.Errorf("%w: empty address", ErrInvalidNode)
	}
	if strings.ContainsAny(n.Address, "/?#@ ") {
		return fmt.Errorf("%w: address %q must be host[:port]", ErrInvalidNode, n.Address)
	}
	if host, _, err := net.SplitHostPort(n.Address); err == nil && host == "" {
		return fmt.Errorf("%w: missing host in %q", ErrInvalidNode, n.Address)
	}
	trust, err := ParseTrust(string(n.Trust))
	if err != nil {
		return err
	}
	n.Trust = trust
	return nil
}

func (n Node) String() string {
	return string(n.Trust) + "://" + n.Address
}

// RouteState is the readiness of a node for a resource.
type RouteState string

const (
	// StateInitializing means the node accepted ownership but cannot serve yet.
	StateInitializing RouteState = "initializing"
	// StateActive means the node serves requests for the resource.
	StateActive RouteState = "active"
)

// Valid reports whether s is a known state.
func (s RouteState) Valid() bool {
	return s == StateInitializing || s == StateActive
}

// RoutingNode is the record stored per resource.
type RoutingNode struct {
	Node  Node       `json:"node"`
	State RouteState `json:"state"`

	// AssignedAt is the Unix timestamp (milliseconds) of the assignment.
	AssignedAt int64 `json:"assignedAt"`

	// Version is the store version the record was read at.
	Version int64 `json:"-"`
}

// Active reports whether the node is ready to serve the resource.
func (r RoutingNode) Active() bool {
	return r.State == StateActive
}

func encodeRoutingNode(rn RoutingNode) ([]byte, error) {
	return json.Marshal(rn)
}

func decodeRoutingNode(data []byte) (RoutingNode, error) {
	var rn RoutingNode
	if err := json.Unmarshal(data, &rn); err != nil {
		return RoutingNode{}, fmt.Errorf("routing: decode record: %w", err)
	}
	if !rn.State.Valid() {
		return RoutingNode{}, fmt.Errorf("%w: %q", ErrUnknownRouteState, rn.State)
	}
	if rn.Node.Trust == "" {
		rn.Node.Trust = TrustTLS
	}
	return rn, nil
}

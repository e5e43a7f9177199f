package tlsconf

import (
	"crypto/tls"
	"errors"
	"fmt"
)

var (
	// ErrUnsupportedProtocol is returned for a protocol label outside the allow-list.
	ErrUnsupportedProtocol = errors.New("tlsconf: unsupported protocol")

	// ErrNoProtocols is returned when the protocol list is empty.
	ErrNoProtocols = errors.New("tlsconf: at least one protocol is required")

	// ErrUnknownCipherSuite is returned for a cipher suite name Go does not implement.
	ErrUnknownCipherSuite = errors.New("tlsconf: unknown cipher suite")
)

// Protocol labels accepted in configuration.
const (
	ProtocolTLS10 = "TLSv1"
	ProtocolTLS11 = "TLSv1.1"
	ProtocolTLS12 = "TLSv1.2"
	ProtocolTLS13 = "TLSv1.3"
)

var protocolVersions = map[string]uint16{
	ProtocolTLS10: tls.VersionTLS10,
	ProtocolTLS11: tls.VersionTLS11,
	ProtocolTLS12: tls.VersionTLS12,
	ProtocolTLS13: tls.VersionTLS13,
}

// DefaultProtocols is used when no protocols are configured.
func DefaultProtocols() []string {
	return []string{ProtocolTLS12, ProtocolTLS13}
}

// ParseProtocols maps protocol labels to the version range they span.
// crypto/tls only supports a contiguous range, so a list such as
// [TLSv1, TLSv1.3] enables every version in between.
func ParseProtocols(labels []string) (minVersion, maxVersion uint16, err error) {
	if len(labels) == 0 {
		return 0, 0, ErrNoProtocols
	}
	for _, label := range labels {
		v, ok := protocolVersions[label]
		if !ok {
			return 0, 0, fmt.Errorf("%w: %q", ErrUnsupportedProtocol, label)
		}
		if minVersion == 0 || v < minVersion {
			minVersion = v
		}
		if v > maxVersion {
			maxVersion = v
		}
	}
	return minVersion, maxVersion, nil
}

// ParseCipherSuites maps IANA cipher suite names (as reported by
// tls.CipherSuiteName) to their IDs. An empty list returns nil, which keeps
// the platform default suites.
func ParseCipherSuites(names []string) ([]uint16, error) {
	if len(names) == 0 {
		return nil, nil
	}

	known := make(map[string]uint16)
	for _, cs := range tls.CipherSuites() {
		known[cs.Name] = cs.ID
	}
	for _, cs := range tls.InsecureCipherSuites() {
		known[cs.Name] = cs.ID
	}

	ids := make([]uint16, 0, len(names))
	for _, name := range names {
		id, ok := known[name]
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownCipherSuite, name)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

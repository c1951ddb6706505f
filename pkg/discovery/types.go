package discovery

import (
	"errors"
	"time"
)

// Service type constants for mDNS.
const (
	// ServiceType is the service type of stream transports (tcp, tls, ws).
	ServiceType = "_seam._tcp"

	// ServiceTypeUDP is the service type of datagram-based transports (quic).
	ServiceTypeUDP = "_seam._udp"

	// Domain is the mDNS domain.
	Domain = "local"

	// ProtocolVersion is advertised in the v TXT record.
	ProtocolVersion = "1"
)

// TXT record key constants.
const (
	TXTKeyKind    = "kind" // Transport kind
	TXTKeyID      = "id"   // Instance id
	TXTKeyVersion = "v"    // Protocol version
	TXTKeyPath    = "path" // WebSocket upgrade path (optional)
	TXTKeyALPN    = "alpn" // ALPN protocol (optional)
)

// Transport kinds.
const (
	KindTCP  = "tcp"
	KindTLS  = "tls"
	KindWS   = "ws"
	KindQUIC = "quic"
)

// BrowseTimeout is the default timeout for mDNS browsing.
const BrowseTimeout = 10 * time.Second

// MaxInstanceNameLen is the DNS label limit.
const MaxInstanceNameLen = 63

// Errors.
var (
	ErrInvalidTXTRecord    = errors.New("invalid TXT record format")
	ErrMissingRequired     = errors.New("missing required field")
	ErrUnknownKind         = errors.New("unknown transport kind")
	ErrInstanceNameTooLong = errors.New("instance name exceeds 63 characters")
	ErrNotFound            = errors.New("service not found")
)

// Info describes one listening transport to advertise.
type Info struct {
	// Name is the instance name, typically <host>-<transport name>.
	Name string

	// Kind is the transport kind.
	Kind string

	// ID identifies the instance. Empty means a random id.
	ID string

	// Port the transport listens on.
	Port uint16

	// Path is the WebSocket upgrade path.
	Path string

	// ALPN is the negotiated application protocol for tls and quic.
	ALPN string
}

// Service is a discovered seam transport.
type Service struct {
	// InstanceName is the mDNS instance name.
	InstanceName string

	// Host is the target host name.
	Host string

	// Port is the service port.
	Port uint16

	// Addresses are the IP addresses seen for the instance.
	Addresses []string

	// Kind, ID, Version, Path and ALPN come from the TXT records.
	Kind    string
	ID      string
	Version string
	Path    string
	ALPN    string
}

// ServiceTypeFor returns the mDNS service type used for a transport kind.
func ServiceTypeFor(kind string) string {
	if kind == KindQUIC {
		return ServiceTypeUDP
	}
	return ServiceType
}

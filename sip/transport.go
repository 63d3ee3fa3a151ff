package sip

import (
	"context"
	"net"
	"strconv"
	"strings"
)

const (
	// Transport for different sip messages. Go uses lowercase, but for message
	// parsing we should use these constants for setting message Transport.
	TransportUDP = "UDP"
	TransportTCP = "TCP"
	TransportTLS = "TLS"
	TransportWS   = "WS"
	TransportWSS  = "WSS"
	TransportSCTP = "SCTP"

	// DefaultProtocol is assumed when neither the URI nor any Via names a
	// transport (RFC 3261 §18.1.1).
	DefaultProtocol = "UDP"

	transportBufferSize uint16 = 65535

	// TransportFixedLengthMessage sets message size limit for parsing and avoids stream parsing
	TransportFixedLengthMessage uint16 = 0
)

// Transport implements network specific features (RFC 3261 §18). Concrete
// implementations live in the transport package; this is the contract the
// sip package's request/response helpers need to resolve a default port and
// the rest of the module needs to hold a transport reference without an
// import cycle.
type Transport interface {
	Network() string

	// GetConnection returns connection from transport.
	// addr must be resolved to IP:port.
	GetConnection(addr string) (Connection, error)
	CreateConnection(ctx context.Context, laddr Addr, raddr Addr, handler MessageHandler) (Connection, error)
	String() string
	Close() error
}

// Connection is a single, possibly reference-counted, network connection
// capable of writing a SIP message.
type Connection interface {
	WriteMsg(msg Message) error
	Ref(i int) int
	TryClose() (int, error)
	Close() error
}

// Addr is a resolved (IP, port) pair, the form a Transport deals in once DNS
// and NAPTR/SRV resolution (RFC 3263 §4) has happened. Hostname keeps the
// pre-resolution name when the caller had one, for logging and TLS SNI.
type Addr struct {
	IP       net.IP // Must be in IP format
	Port     int
	Hostname string
}

// Copy duplicates a into dst, cloning the IP's backing bytes so dst does
// not alias a buffer the caller may reuse.
func (a *Addr) Copy(dst *Addr) {
	dst.Port = a.Port
	dst.Hostname = a.Hostname
	if a.IP != nil {
		dst.IP = make(net.IP, len(a.IP))
		copy(dst.IP, a.IP)
	}
}

func (a *Addr) String() string {
	if a.IP == nil {
		return net.JoinHostPort("", strconv.Itoa(a.Port))
	}
	return net.JoinHostPort(a.IP.String(), strconv.Itoa(a.Port))
}

// ParseAddr splits a "host:port" string, same as net.SplitHostPort plus the
// port-to-int conversion every transport caller needs.
func ParseAddr(addr string) (host string, port int, err error) {
	host, pstr, err := net.SplitHostPort(addr)
	if err != nil {
		return host, port, err
	}
	port, err = strconv.Atoi(pstr)
	return host, port, err
}

// DefaultPort returns the default port for transport: 5060 for UDP/TCP/SCTP
// (RFC 3261 §19.1.2), 5061 for TLS, and the HTTP defaults 80/443 for WS/WSS
// (RFC 7118 §5.5). Unrecognized transports fall back to 5060.
func DefaultPort(transport string) int {
	switch strings.ToLower(transport) {
	case "tls":
		return 5061
	case "ws":
		return 80
	case "wss":
		return 443
	default:
		return 5060
	}
}

// IsSecure reports whether transport runs under TLS (TLS itself and secure
// WebSocket).
func IsSecure(transport string) bool {
	switch strings.ToUpper(transport) {
	case "TLS", "WSS":
		return true
	default:
		return false
	}
}

// IsReliable reports whether transport is a stream-oriented, congestion
// controlled transport (RFC 3261 §18.1.1 Content-Length requirement).
func IsReliable(transport string) bool {
	switch strings.ToUpper(transport) {
	case "TCP", "TLS", "WS", "WSS":
		return true
	default:
		return false
	}
}

// NetworkToLower is the sip package's copy of the transport package's own
// helper (kept local to avoid an import cycle: transport already imports
// sip).
func NetworkToLower(network string) string {
	switch network {
	case "UDP":
		return "udp"
	case "TCP":
		return "tcp"
	case "TLS":
		return "tls"
	case "WS":
		return "ws"
	case "WSS":
		return "wss"
	default:
		return strings.ToLower(network)
	}
}

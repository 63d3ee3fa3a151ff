package sipcore

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"strings"

	"github.com/randijunior/sipcore/sip"
	"github.com/randijunior/sipcore/transaction"
	"github.com/randijunior/sipcore/transport"
)

// UserAgent is the shared identity and wiring (transport + transaction
// layers) that both Client and Server embed. It holds no request/response
// logic of its own.
type UserAgent struct {
	name string
	ip   net.IP
	host string

	dnsResolver *net.Resolver
	tlsConfig   *tls.Config
	tp          *transport.Layer
	tx          *transaction.Layer
}

type UserAgentOption func(s *UserAgent) error

// WithUserAgent sets the value reported in outgoing User-Agent headers.
func WithUserAgent(ua string) UserAgentOption {
	return func(s *UserAgent) error {
		s.name = ua
		return nil
	}
}

// WithUserAgentHostname sets the advertised hostname used when building
// From headers, independent of the bound IP.
func WithUserAgentHostname(hostname string) UserAgentOption {
	return func(s *UserAgent) error {
		s.host = hostname
		return nil
	}
}

// WithIP pins the agent's advertised address instead of letting it be
// auto-detected from the host's network interfaces.
func WithIP(hostPort string) UserAgentOption {
	return func(s *UserAgent) error {
		host, _, err := net.SplitHostPort(hostPort)
		if err != nil {
			return err
		}
		addr, err := net.ResolveIPAddr("ip", host)
		if err != nil {
			return err
		}
		return s.bindIP(addr.IP)
	}
}

// WithUserAgenTLSConfig sets the TLS config the transport layer dials TLS
// and WSS connections with.
func WithUserAgenTLSConfig(conf *tls.Config) UserAgentOption {
	return func(s *UserAgent) error {
		s.tlsConfig = conf
		return nil
	}
}

// WithDNSResolver stores r on the agent, and NewUA hands it to the transport
// layer. Request routing resolves through the transport layer's RFC 3263
// Resolver (transport.Layer.SetResolver), which does not consult r.
func WithDNSResolver(r *net.Resolver) UserAgentOption {
	return func(s *UserAgent) error {
		s.dnsResolver = r
		return nil
	}
}

// WithUDPDNSResolver replaces the agent's net.Resolver with one that dials
// dns over UDP. It runs in NewServer, after NewUA has built the transport
// layer, so the layer keeps the resolver it was built with; request routing
// does not consult either (see WithDNSResolver).
func WithUDPDNSResolver(dns string) ServerOption {
	return func(s *Server) error {
		s.dnsResolver = &net.Resolver{
			PreferGo: true,
			Dial: func(ctx context.Context, network, address string) (net.Conn, error) {
				var d net.Dialer
				return d.DialContext(ctx, "udp", dns)
			},
		}
		return nil
	}
}

// NewUA builds a UserAgent with its own transport and transaction layers.
// Self-IP detection runs only if no option already pinned one.
func NewUA(options ...UserAgentOption) (*UserAgent, error) {
	ua := &UserAgent{
		name: "sipcore",
	}

	for _, opt := range options {
		if err := opt(ua); err != nil {
			return nil, fmt.Errorf("user agent option failed: %w", err)
		}
	}

	if ua.ip == nil {
		selfIP, err := sip.ResolveSelfIP()
		if err != nil {
			return nil, err
		}
		if err := ua.bindIP(selfIP); err != nil {
			return nil, err
		}
	}

	ua.tp = transport.NewLayer(ua.dnsResolver, nil, ua.tlsConfig)
	ua.tx = transaction.NewLayer(ua.tp)
	return ua, nil
}

// TransportLayer exposes the agent's transport registry.
func (ua *UserAgent) TransportLayer() *transport.Layer {
	return ua.tp
}

// TransactionLayer exposes the agent's transaction registry.
func (ua *UserAgent) TransactionLayer() *transaction.Layer {
	return ua.tx
}

// Close shuts down the transaction registry and every transport, which in
// turn stops the per-connection reader goroutines.
func (ua *UserAgent) Close() error {
	ua.tx.Close()
	return ua.tp.Close()
}

// Host returns the advertised hostname/IP string, without port.
func (ua *UserAgent) Host() string {
	return ua.host
}

// IP returns the advertised net.IP, auto-detected unless WithIP was used.
func (ua *UserAgent) IP() net.IP {
	return ua.ip
}

func (ua *UserAgent) bindIP(ip net.IP) error {
	ua.ip = ip
	if ua.host == "" {
		ua.host, _, _ = strings.Cut(ip.String(), ":")
	}
	return nil
}

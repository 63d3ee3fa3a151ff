package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"

	"github.com/randijunior/sipcore/sip"

	"github.com/rs/zerolog/log"
)

// TLS transport implementation, a TCP stream under a client/server TLS
// session. Framing and keep-alive behave exactly as for plain TCP.
type TLSTransport struct {
	*TCPTransport

	tlsConf *tls.Config
}

// NewTLSTransport needs dialTLSConf for creating connections when dialing
func NewTLSTransport(par *sip.Parser, dialTLSConf *tls.Config) *TLSTransport {
	tcptrans := NewTCPTransport(par)
	tcptrans.transport = TransportTLS //Override transport
	t := &TLSTransport{
		TCPTransport: tcptrans,
		tlsConf:      dialTLSConf,
	}

	t.log = log.Logger.With().Str("caller", "transport<TLS>").Logger()
	return t
}

func (t *TLSTransport) String() string {
	return "transport<TLS>"
}

// CreateConnection dials a TLS session towards addr and serves it with the
// shared TCP read loop.
func (t *TLSTransport) CreateConnection(addr string, handler sip.MessageHandler) (Connection, error) {
	raddr, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		return nil, err
	}

	t.log.Debug().Str("raddr", raddr.String()).Msg("Dialing new connection")

	dialer := tls.Dialer{
		NetDialer: &net.Dialer{},
		Config:    t.tlsConf,
	}

	conn, err := dialer.DialContext(context.TODO(), "tcp", raddr.String())
	if err != nil {
		return nil, fmt.Errorf("%s dial err=%w", t, err)
	}

	return t.initConnection(conn, raddr.String(), handler), nil
}

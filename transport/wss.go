package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"time"

	"github.com/randijunior/sipcore/sip"

	"github.com/rs/zerolog/log"
)

// WSS transport implementation: WS framing over a TLS session.
type WSSTransport struct {
	*WSTransport
}

// NewWSSTransport needs dialTLSConf for creating connections when dialing
func NewWSSTransport(par *sip.Parser, dialTLSConf *tls.Config) *WSSTransport {
	wstrans := NewWSTransport(par)
	wstrans.transport = TransportWSS
	t := &WSSTransport{
		WSTransport: wstrans,
	}

	t.dialer.TLSConfig = dialTLSConf
	t.log = log.Logger.With().Str("caller", "transport<WSS>").Logger()
	return t
}

func (t *WSSTransport) String() string {
	return "transport<WSS>"
}

// CreateConnection dials a wss:// session towards addr and serves it with
// the shared WS read loop.
func (t *WSSTransport) CreateConnection(addr string, handler sip.MessageHandler) (Connection, error) {
	raddr, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		return nil, err
	}
	addr = raddr.String()

	t.log.Debug().Str("raddr", addr).Msg("Dialing new connection")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	conn, _, _, err := t.dialer.Dial(ctx, "wss://"+addr)
	if err != nil {
		return nil, fmt.Errorf("%s dial err=%w", t, err)
	}

	c := t.initConnection(conn, addr, true, handler)
	return c, nil
}

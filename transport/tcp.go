package transport

import (
	"fmt"
	"net"

	"github.com/randijunior/sipcore/sip"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// TCP transport implementation
type TCPTransport struct {
	addr      string
	transport string
	parser    *sip.Parser
	log       zerolog.Logger

	pool ConnectionPool
}

func NewTCPTransport(par *sip.Parser) *TCPTransport {
	t := &TCPTransport{
		parser:    par,
		pool:      NewConnectionPool(),
		transport: TransportTCP,
	}
	t.log = log.Logger.With().Str("caller", "transport<TCP>").Logger()
	return t
}

func (t *TCPTransport) String() string {
	return "transport<TCP>"
}

func (t *TCPTransport) Network() string {
	return t.transport
}

func (t *TCPTransport) Close() error {
	t.pool.Clear()
	return nil
}

// Serve is direct way to provide conn on which this worker will listen
func (t *TCPTransport) Serve(l net.Listener, handler sip.MessageHandler) error {
	t.log.Debug().Msgf("begin listening on %s %s", t.Network(), l.Addr().String())
	for {
		conn, err := l.Accept()
		if err != nil {
			t.log.Debug().Err(err).Msg("Fail to accept conenction")
			return err
		}

		t.initConnection(conn, conn.RemoteAddr().String(), handler)
	}
}

func (t *TCPTransport) GetConnection(addr string) (Connection, error) {
	raddr, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		return nil, err
	}
	addr = raddr.String()

	t.log.Debug().Str("addr", addr).Msg("Getting connection")

	c := t.pool.Get(addr)
	return c, nil
}

func (t *TCPTransport) CreateConnection(addr string, handler sip.MessageHandler) (Connection, error) {
	raddr, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		return nil, err
	}

	t.log.Debug().Str("raddr", raddr.String()).Msg("Dialing new connection")
	conn, err := net.DialTCP("tcp", nil, raddr)
	if err != nil {
		return nil, fmt.Errorf("%s dial err=%w", t, err)
	}

	return t.initConnection(conn, raddr.String(), handler), nil
}

func (t *TCPTransport) initConnection(conn net.Conn, addr string, handler sip.MessageHandler) Connection {
	t.log.Debug().Str("raddr", addr).Msg("New connection")
	c := &TCPConnection{Conn: conn}
	c.refs.ref(1 + IdleConnection)
	t.pool.Add(addr, c)
	go t.readConnection(c, addr, handler)
	return c
}

// readConnection frames SIP messages off the stream through a per
// connection ParserStream: the double-CRLF header boundary plus
// Content-Length delimit each message (RFC 3261 §7.5).
func (t *TCPTransport) readConnection(conn *TCPConnection, raddr string, handler sip.MessageHandler) {
	defer t.pool.CloseAndDelete(conn, raddr)

	stream := t.parser.NewSIPStream()
	defer stream.Close()

	readLoop(t.log, make([]byte, transportBufferSize),
		func(buf []byte) (int, string, error) {
			n, err := conn.Read(buf)
			return n, raddr, err
		},
		func(data []byte, src string) {
			if noise, ping := isKeepAlive(data); noise {
				if ping {
					if _, err := conn.Write(keepAlivePong); err != nil {
						t.log.Debug().Err(err).Msg("Keep alive pong failed")
					}
				}
				return
			}
			t.parseStream(stream, data, src, handler)
		})
}

func (t *TCPTransport) parseStream(stream *sip.ParserStream, data []byte, src string, handler sip.MessageHandler) {
	err := stream.ParseSIPStream(data, func(msg sip.Message) {
		msg.SetTransport(t.Network())
		msg.SetSource(src)
		handler(msg)
	})
	if err == sip.ErrParseSipPartial {
		return
	}
	if err != nil {
		t.log.Error().Err(err).Str("data", string(data)).Msg("failed to parse")
	}
}

type TCPConnection struct {
	net.Conn

	refs refCounter
}

func (c *TCPConnection) Ref(i int) {
	c.refs.ref(i)
}

func (c *TCPConnection) Close() error {
	c.refs.zero()
	log.Debug().Str("ip", c.LocalAddr().String()).Str("dst", c.RemoteAddr().String()).Msg("TCP hard close")
	return c.Conn.Close()
}

func (c *TCPConnection) TryClose() (int, error) {
	remaining, closeNow := c.refs.unref("tcp", c.RemoteAddr().String())
	if !closeNow {
		return remaining, nil
	}
	return 0, c.Conn.Close()
}

func (c *TCPConnection) Read(b []byte) (n int, err error) {
	n, err = c.Conn.Read(b)
	if err == nil && SIPDebug {
		log.Debug().Msgf("TCP read %s <- %s:\n%s", c.Conn.LocalAddr().String(), c.Conn.RemoteAddr(), string(b[:n]))
	}
	return n, err
}

func (c *TCPConnection) Write(b []byte) (n int, err error) {
	n, err = c.Conn.Write(b)
	if SIPDebug {
		log.Debug().Msgf("TCP write %s -> %s:\n%s", c.Conn.LocalAddr().String(), c.Conn.RemoteAddr(), string(b[:n]))
	}
	return n, err
}

func (c *TCPConnection) WriteMsg(msg sip.Message) error {
	if err := serializeTo(c.Write, msg); err != nil {
		return fmt.Errorf("conn %s write err=%w", c.RemoteAddr().String(), err)
	}
	return nil
}

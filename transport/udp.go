package transport

import (
	"errors"
	"fmt"
	"net"

	"github.com/randijunior/sipcore/sip"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	// UDPReadWorkers defines how many listeners will work
	// Best performance is achieved with low value, to remove high concurency
	UDPReadWorkers int = 1

	UDPMTUSize = 1500

	ErrUDPMTUCongestion = errors.New("size of packet larger than MTU")
)

// UDP transport implementation
type UDPTransport struct {
	parser *sip.Parser

	pool      ConnectionPool
	listeners []*UDPConnection

	log zerolog.Logger
}

func NewUDPTransport(par *sip.Parser) *UDPTransport {
	t := &UDPTransport{
		parser: par,
		pool:   NewConnectionPool(),
	}
	t.log = log.Logger.With().Str("caller", "transport<UDP>").Logger()
	return t
}

func (t *UDPTransport) String() string {
	return "transport<UDP>"
}

func (t *UDPTransport) Network() string {
	return TransportUDP
}

func (t *UDPTransport) Close() error {
	t.pool.Clear()
	return nil
}

// Serve starts the read loop on conn. UDPReadWorkers readers in total (the
// calling goroutine plus UDPReadWorkers-1 extra ones) drain one socket,
// though a single reader normally keeps the response path fastest.
func (t *UDPTransport) Serve(conn net.PacketConn, handler sip.MessageHandler) error {
	t.log.Debug().Msgf("begin listening on %s %s", t.Network(), conn.LocalAddr().String())

	c := &UDPConnection{PacketConn: conn, PacketAddr: conn.LocalAddr().String()}
	t.listeners = append(t.listeners, c)

	for i := 0; i < UDPReadWorkers-1; i++ {
		go t.readListener(c, handler)
	}
	t.readListener(c, handler)
	return nil
}

// GetConnection will return same listener connection
func (t *UDPTransport) GetConnection(addr string) (Connection, error) {
	// A single listener socket serves every peer reachable from its
	// network; only connected client sockets live in the pool.
	for _, l := range t.listeners {
		if l.PacketAddr == addr {
			return l, nil
		}
	}

	if conn := t.pool.Get(addr); conn != nil {
		return conn, nil
	}
	return nil, nil
}

// CreateConnection dials a connected UDP socket towards addr. Connected
// sockets let the kernel filter responses by peer, which matters once the
// local address is a wildcard.
func (t *UDPTransport) CreateConnection(addr string, handler sip.MessageHandler) (Connection, error) {
	raddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, err
	}

	udpconn, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		return nil, err
	}

	c := &UDPConnection{Conn: udpconn}
	c.refs.ref(1 + IdleConnection)
	t.log.Debug().Str("raddr", raddr.String()).Msg("New connection")

	t.pool.Add(raddr.String(), c)
	go t.readConnected(c, handler)
	return c, nil
}

// readListener drains an unconnected listener socket; every datagram
// carries its own source address, and each new peer is registered in the
// pool so responses can find the socket.
func (t *UDPTransport) readListener(conn *UDPConnection, handler sip.MessageHandler) {
	defer conn.Close()

	var lastSrc string
	readLoop(t.log, make([]byte, transportBufferSize),
		func(buf []byte) (int, string, error) {
			n, raddr, err := conn.ReadFrom(buf)
			if err != nil {
				return 0, "", err
			}
			return n, raddr.String(), nil
		},
		func(data []byte, src string) {
			if lastSrc != src {
				// TODO these pool entries are never reaped.
				t.pool.Add(src, conn)
				lastSrc = src
			}
			t.parseAndHandle(data, src, conn, handler)
		})
}

// readConnected drains a connected client socket; the peer is fixed.
func (t *UDPTransport) readConnected(conn *UDPConnection, handler sip.MessageHandler) {
	raddr := conn.Conn.RemoteAddr().String()
	defer t.pool.CloseAndDelete(conn, raddr)

	readLoop(t.log, make([]byte, transportBufferSize),
		func(buf []byte) (int, string, error) {
			n, err := conn.Read(buf)
			return n, raddr, err
		},
		func(data []byte, src string) {
			t.parseAndHandle(data, src, conn, handler)
		})
}

func (t *UDPTransport) parseAndHandle(data []byte, src string, conn *UDPConnection, handler sip.MessageHandler) {
	if noise, ping := isKeepAlive(data); noise {
		if ping {
			// RFC 5626 §3.5.1: double CRLF answered with single CRLF.
			if err := conn.writeRaw(keepAlivePong, src); err != nil {
				t.log.Debug().Err(err).Str("raddr", src).Msg("Keep alive pong failed")
			}
		}
		return
	}

	msg, err := t.parser.ParseSIP(data) //Very expensive operation
	if err != nil {
		t.log.Error().Err(err).Str("data", string(data)).Msg("failed to parse")
		return
	}

	msg.SetTransport(TransportUDP)
	msg.SetSource(src)
	handler(msg)
}

type UDPConnection struct {
	// Only one of PacketConn (listener) or Conn (connected client socket)
	// is set.
	PacketConn net.PacketConn
	PacketAddr string // For faster matching

	Conn net.Conn

	refs refCounter
}

func (c *UDPConnection) LocalAddr() net.Addr {
	if c.Conn != nil {
		return c.Conn.LocalAddr()
	}
	return c.PacketConn.LocalAddr()
}

func (c *UDPConnection) Ref(i int) {
	// Listener sockets live for the transport's lifetime and are never
	// reference counted.
	if c.Conn == nil {
		return
	}
	c.refs.ref(i)
}

func (c *UDPConnection) Close() error {
	if c.Conn == nil {
		return nil
	}
	c.refs.zero()
	log.Debug().Str("ip", c.LocalAddr().String()).Str("dst", c.Conn.RemoteAddr().String()).Msg("UDP hard close")
	return c.Conn.Close()
}

func (c *UDPConnection) TryClose() (int, error) {
	if c.Conn == nil {
		return 0, nil
	}
	remaining, closeNow := c.refs.unref("udp", c.Conn.RemoteAddr().String())
	if !closeNow {
		return remaining, nil
	}
	return 0, c.Conn.Close()
}

func (c *UDPConnection) Read(b []byte) (n int, err error) {
	n, err = c.Conn.Read(b)
	if err == nil && SIPDebug {
		log.Debug().Msgf("UDP read %s <- %s:\n%s", c.Conn.LocalAddr().String(), c.Conn.RemoteAddr().String(), string(b[:n]))
	}
	return n, err
}

func (c *UDPConnection) Write(b []byte) (n int, err error) {
	if SIPDebug {
		log.Debug().Msgf("UDP write %s -> %s:\n%s", c.Conn.LocalAddr().String(), c.Conn.RemoteAddr().String(), string(b))
	}
	return c.Conn.Write(b)
}

func (c *UDPConnection) ReadFrom(b []byte) (n int, addr net.Addr, err error) {
	n, addr, err = c.PacketConn.ReadFrom(b)
	if err == nil && SIPDebug {
		log.Debug().Msgf("UDP read from %s <- %s:\n%s", c.PacketConn.LocalAddr().String(), addr.String(), string(b[:n]))
	}
	return n, addr, err
}

func (c *UDPConnection) WriteTo(b []byte, addr net.Addr) (n int, err error) {
	n, err = c.PacketConn.WriteTo(b, addr)
	if SIPDebug {
		log.Debug().Msgf("UDP write to %s -> %s:\n%s", c.PacketConn.LocalAddr().String(), addr.String(), string(b))
	}
	return n, err
}

// writeRaw sends bytes as-is to dst, bypassing message serialization. Used
// for keep-alive pongs.
func (c *UDPConnection) writeRaw(b []byte, dst string) error {
	if c.Conn != nil {
		_, err := c.Write(b)
		return err
	}
	raddr, err := net.ResolveUDPAddr("udp", dst)
	if err != nil {
		return err
	}
	_, err = c.WriteTo(b, raddr)
	return err
}

// WriteMsg serializes msg, rejecting datagrams close to the MTU
// (RFC 3261 §18.1.1 wants those on a congestion-controlled transport).
func (c *UDPConnection) WriteMsg(msg sip.Message) error {
	send := func(data []byte) (int, error) {
		if len(data) > UDPMTUSize-200 {
			return 0, ErrUDPMTUCongestion
		}
		if c.Conn != nil {
			return c.Write(data)
		}
		// Destination was resolved by the transport layer.
		host, port, err := sip.ParseAddr(msg.Destination())
		if err != nil {
			return 0, err
		}
		return c.WriteTo(data, &net.UDPAddr{IP: net.ParseIP(host), Port: port})
	}

	if err := serializeTo(send, msg); err != nil {
		return fmt.Errorf("udp conn %s write err=%w", c.LocalAddr().String(), err)
	}
	return nil
}

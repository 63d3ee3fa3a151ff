package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/randijunior/sipcore/sip"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// WebSocketProtocols is offered during the handshake; RFC 7118 requires
// clients to accept the "sip" subprotocol.
var WebSocketProtocols = []string{"sip"}

// WSTransport carries SIP over WebSocket frames (RFC 7118). Each SIP
// message rides in one text frame, so no Content-Length stream framing is
// needed.
type WSTransport struct {
	transport string
	parser    *sip.Parser
	log       zerolog.Logger

	pool   ConnectionPool
	dialer ws.Dialer
}

func NewWSTransport(par *sip.Parser) *WSTransport {
	t := &WSTransport{
		parser:    par,
		pool:      NewConnectionPool(),
		transport: TransportWS,
		dialer:    ws.DefaultDialer,
	}
	t.dialer.Protocols = WebSocketProtocols
	t.log = log.Logger.With().Str("caller", "transport<WS>").Logger()
	return t
}

func (t *WSTransport) String() string {
	return "transport<WS>"
}

func (t *WSTransport) Network() string {
	return t.transport
}

func (t *WSTransport) Close() error {
	t.pool.Clear()
	return nil
}

// Serve accepts connections off l, upgrading each to WebSocket before its
// read loop starts.
func (t *WSTransport) Serve(l net.Listener, handler sip.MessageHandler) error {
	t.log.Debug().Msgf("begin listening on %s %s", t.Network(), l.Addr().String())

	// Some peers insist the subprotocol comes back in the handshake.
	header := ws.HandshakeHeaderHTTP(http.Header{
		"Sec-WebSocket-Protocol": WebSocketProtocols,
	})
	upgrader := ws.Upgrader{
		OnBeforeUpgrade: func() (ws.HandshakeHeader, error) {
			return header, nil
		},
	}
	if SIPDebug {
		upgrader.OnHeader = func(key, value []byte) error {
			log.Debug().Str(string(key), string(value)).Msg("non-websocket header:")
			return nil
		}
	}

	for {
		conn, err := l.Accept()
		if err != nil {
			t.log.Error().Err(err).Msg("Fail to accept conenction")
			return err
		}

		raddr := conn.RemoteAddr().String()
		t.log.Debug().Str("addr", raddr).Msg("New connection accept")

		if _, err := upgrader.Upgrade(conn); err != nil {
			t.log.Error().Err(err).Msg("Fail to upgrade")
			conn.Close()
			continue
		}
		t.initConnection(conn, raddr, false, handler)
	}
}

func (t *WSTransport) initConnection(conn net.Conn, addr string, clientSide bool, handler sip.MessageHandler) Connection {
	t.log.Debug().Str("raddr", addr).Msg("New WS connection")
	c := &WSConnection{
		Conn:       conn,
		clientSide: clientSide,
	}
	c.refs.ref(1)
	t.pool.Add(addr, c)
	go t.readConnection(c, addr, handler)
	return c
}

// readConnection drains frames off conn. Each frame payload is one SIP
// message (or CRLF keep-alive noise).
func (t *WSTransport) readConnection(conn *WSConnection, raddr string, handler sip.MessageHandler) {
	defer func() {
		// The pool entry goes only once the last reference is gone.
		if ref, _ := conn.TryClose(); ref <= 0 {
			t.pool.Del(raddr)
		}
	}()

	readLoop(t.log, make([]byte, transportBufferSize),
		func(buf []byte) (int, string, error) {
			n, err := conn.Read(buf)
			if err == nil && n == 0 {
				// Empty frame; don't spin.
				time.Sleep(100 * time.Millisecond)
			}
			return n, raddr, err
		},
		func(data []byte, src string) {
			t.parse(data, src, conn, handler)
		})
}

func (t *WSTransport) parse(data []byte, src string, conn *WSConnection, handler sip.MessageHandler) {
	// CRLF keep-alives arrive as WS frame payloads (RFC 7118 §5.4); a full
	// ping is answered the same way the stream transports answer it.
	if noise, ping := isKeepAlive(data); noise {
		if ping {
			if _, err := conn.Write(keepAlivePong); err != nil {
				t.log.Debug().Err(err).Msg("Keep alive pong failed")
			}
		}
		return
	}

	msg, err := t.parser.ParseSIP(data)
	if err != nil {
		t.log.Error().Err(err).Str("data", string(data)).Msg("failed to parse")
		return
	}

	msg.SetTransport(t.transport)
	msg.SetSource(src)
	handler(msg)
}

func (t *WSTransport) GetConnection(addr string) (Connection, error) {
	raddr, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		return nil, err
	}
	return t.pool.Get(raddr.String()), nil
}

// CreateConnection dials ws://addr and serves the new connection.
func (t *WSTransport) CreateConnection(addr string, handler sip.MessageHandler) (Connection, error) {
	raddr, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		return nil, err
	}
	addr = raddr.String()

	t.log.Debug().Str("raddr", addr).Msg("Dialing new connection")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	conn, _, _, err := t.dialer.Dial(ctx, "ws://"+addr)
	if err != nil {
		return nil, fmt.Errorf("%s dial err=%w", t, err)
	}
	return t.initConnection(conn, addr, true, handler), nil
}

// WSConnection reads and writes whole WebSocket frames; masking follows
// which side of the handshake we were on.
type WSConnection struct {
	net.Conn

	clientSide bool
	refs       refCounter
}

func (c *WSConnection) Ref(i int) {
	c.refs.ref(i)
}

func (c *WSConnection) Close() error {
	c.refs.zero()
	log.Debug().Str("ip", c.RemoteAddr().String()).Msg("WS hard close")
	return c.Conn.Close()
}

func (c *WSConnection) TryClose() (int, error) {
	remaining, closeNow := c.refs.unref("ws", c.RemoteAddr().String())
	if !closeNow {
		return remaining, nil
	}
	return 0, c.Conn.Close()
}

// Read assembles one message's worth of frame payloads into b, unmasking
// client frames and honoring continuation frames up to the final one.
func (c *WSConnection) Read(b []byte) (n int, err error) {
	side := ws.StateServerSide
	if c.clientSide {
		side = ws.StateClientSide
	}

	reader := wsutil.NewReader(c.Conn, side)
	for {
		header, err := reader.NextFrame()
		if err != nil {
			if errors.Is(err, io.EOF) && n > 0 {
				return n, nil
			}
			return n, err
		}

		if SIPDebug {
			log.Debug().Str("caller", c.RemoteAddr().String()).Msgf("WS read header opcode=%d len=%d", header.OpCode, header.Length)
		}

		if header.OpCode == ws.OpClose {
			return n, net.ErrClosed
		}

		payload := make([]byte, header.Length)
		if _, err = io.ReadFull(c.Conn, payload); err != nil {
			return n, err
		}
		if header.Masked {
			ws.Cipher(payload, header.Mask, 0)
		}
		n += copy(b[n:], payload)

		if header.Fin {
			return n, nil
		}
	}
}

// Write sends b as one text frame, masked on the client side.
func (c *WSConnection) Write(b []byte) (n int, err error) {
	frame := ws.NewFrame(ws.OpText, true, b)
	if c.clientSide {
		frame = ws.MaskFrameInPlace(frame)
	}

	err = ws.WriteFrame(c.Conn, frame)
	if SIPDebug {
		log.Debug().Str("caller", c.LocalAddr().String()).Msgf("WS write -> %s:\n%s", c.Conn.RemoteAddr(), string(b))
	}
	return len(b), err
}

func (c *WSConnection) WriteMsg(msg sip.Message) error {
	if err := serializeTo(c.Write, msg); err != nil {
		return fmt.Errorf("conn %s write err=%w", c.RemoteAddr().String(), err)
	}
	return nil
}

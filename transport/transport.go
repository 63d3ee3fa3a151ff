package transport

import (
	"bytes"
	"errors"
	"io"
	"net"

	"github.com/randijunior/sipcore/sip"

	"github.com/rs/zerolog"
)

var (
	SIPDebug bool

	// IdleConnection controls how many extra refs a pooled connection keeps
	// beyond its active readers/writers, so it isn't closed immediately once
	// the last transaction using it terminates.
	IdleConnection int = 1
)

// transportBufferSize is the read buffer each connection reader owns. Large
// enough for any UDP datagram and a full stream segment.
const transportBufferSize = 65535

const (
	// Transport for different sip messages. GO uses lowercase, but for message parsing, we should
	// use this constants for setting message Transport
	TransportUDP = "UDP"
	TransportTCP = "TCP"
	TransportTLS = "TLS"
	TransportWS  = "WS"
	TransportWSS = "WSS"
)

// Transport implements network specific features.
type Transport interface {
	Network() string
	// GetConnection returns a pooled connection for addr, nil when none.
	GetConnection(addr string) (Connection, error)
	// CreateConnection dials addr and registers the new connection with the
	// handler serving its read loop. Transports without client-side connect
	// return an error.
	CreateConnection(addr string, handler sip.MessageHandler) (Connection, error)
	String() string
	Close() error
}

// RFC 5626 §3.5.1 CRLF keep-alive: a double CRLF ping is answered with a
// single CRLF pong, a lone CRLF is discarded without an answer.
var (
	keepAlivePing = []byte("\r\n\r\n")
	keepAlivePong = []byte("\r\n")
)

// isKeepAlive reports whether data is nothing but CRLF noise, and whether it
// is a full ping that deserves a pong.
func isKeepAlive(data []byte) (noise bool, ping bool) {
	if len(data) > len(keepAlivePing) {
		return false, false
	}
	if len(bytes.Trim(data, "\r\n")) != 0 {
		return false, false
	}
	return true, bytes.Equal(data, keepAlivePing)
}

// readLoop pulls segments through next into buf until the connection
// closes or errors, handing every non-empty payload to handle. Pure-NUL
// segments (stun probes, zero fills) are dropped.
func readLoop(lg zerolog.Logger, buf []byte, next func([]byte) (int, string, error), handle func(data []byte, src string)) {
	for {
		n, src, err := next(buf)
		switch {
		case errors.Is(err, net.ErrClosed), errors.Is(err, io.EOF):
			lg.Debug().Err(err).Msg("connection closed")
			return
		case err != nil:
			lg.Error().Err(err).Msg("connection read error")
			return
		}

		data := buf[:n]
		if len(bytes.Trim(data, "\x00")) == 0 {
			continue
		}
		handle(data, src)
	}
}

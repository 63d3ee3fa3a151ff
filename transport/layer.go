package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"math/rand"
	"net"
	"strings"
	"sync"

	"github.com/randijunior/sipcore/sip"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var ErrNetworkNotSuported = fmt.Errorf("protocol not supported")

// Layer owns every transport of one endpoint: the per-network transports
// with their connection registries, the listen-port bookkeeping Via
// rewriting needs, and the single inbound funnel every reader pushes
// parsed messages through.
type Layer struct {
	udp *UDPTransport
	tcp *TCPTransport
	tls *TLSTransport
	ws  *WSTransport
	wss *WSSTransport

	// transports indexes the five above by lowercase network name.
	transports map[string]Transport

	listenPorts   map[string][]int
	listenPortsMu sync.Mutex

	dnsResolver *net.Resolver
	resolver    *Resolver

	handlers []sip.MessageHandler

	log zerolog.Logger

	// Parser used by every transport; override before binding listeners.
	Parser *sip.Parser
	// ConnectionReuse lets requests ride an existing connection to the
	// same target instead of dialing fresh.
	ConnectionReuse bool
}

// NewLayer wires up one transport of each flavor around a shared parser.
// A nil parser gets the default; tlsConfig may be nil for
// system-default TLS dialing.
func NewLayer(dnsResolver *net.Resolver, sipparser *sip.Parser, tlsConfig *tls.Config) *Layer {
	if sipparser == nil {
		sipparser = sip.NewParser()
	}

	l := &Layer{
		transports:      make(map[string]Transport),
		listenPorts:     make(map[string][]int),
		dnsResolver:     dnsResolver,
		resolver:        NewResolver(),
		Parser:          sipparser,
		ConnectionReuse: true,
		log:             log.Logger.With().Str("caller", "transportlayer").Logger(),
	}

	l.udp = NewUDPTransport(sipparser)
	l.tcp = NewTCPTransport(sipparser)
	l.tls = NewTLSTransport(sipparser, tlsConfig)
	l.ws = NewWSTransport(sipparser)
	l.wss = NewWSSTransport(sipparser, tlsConfig)

	l.transports["udp"] = l.udp
	l.transports["tcp"] = l.tcp
	l.transports["tls"] = l.tls
	l.transports["ws"] = l.ws
	l.transports["wss"] = l.wss

	return l
}

// OnMessage registers a handler called, in registration order, for every
// message any transport delivers.
func (l *Layer) OnMessage(h sip.MessageHandler) {
	l.handlers = append(l.handlers, h)
}

// handleMessage is the single inbound funnel: stamp RFC 3581 reception
// info onto requests, then fan out to the registered handlers.
func (l *Layer) handleMessage(msg sip.Message) {
	if req, ok := msg.(*sip.Request); ok {
		stampViaReceived(req)
	}
	for _, h := range l.handlers {
		h(msg)
	}
}

// stampViaReceived applies RFC 3261 §18.2.1 / RFC 3581 §4 to an inbound
// request: when the topmost Via sent-by differs from the packet source,
// the source IP is recorded in a received parameter, and a
// present-but-empty rport is filled with the source port.
func stampViaReceived(req *sip.Request) {
	via := req.Via()
	if via == nil {
		return
	}
	host, port, err := net.SplitHostPort(req.Source())
	if err != nil {
		return
	}
	srcIP := net.ParseIP(host)
	if srcIP == nil {
		return
	}

	sentBy := net.ParseIP(via.Host)
	if sentBy == nil || !sentBy.Equal(srcIP) {
		via.Params.Add("received", srcIP.String())
	}
	if val, ok := via.Params.Get("rport"); ok && val == "" {
		via.Params.Add("rport", port)
	}
}

// serveOn registers the bound port and runs the serve func.
func (l *Layer) serveOn(network string, localAddr string, serve func() error) error {
	_, port, err := sip.ParseAddr(localAddr)
	if err != nil {
		return err
	}
	l.addListenPort(network, port)
	return serve()
}

// ServeUDP reads datagrams off c until it closes.
func (l *Layer) ServeUDP(c net.PacketConn) error {
	return l.serveOn("udp", c.LocalAddr().String(), func() error {
		return l.udp.Serve(c, l.handleMessage)
	})
}

// ServeTCP accepts stream connections off c until it closes.
func (l *Layer) ServeTCP(c net.Listener) error {
	return l.serveOn("tcp", c.Addr().String(), func() error {
		return l.tcp.Serve(c, l.handleMessage)
	})
}

// ServeTLS accepts secured stream connections off c until it closes.
func (l *Layer) ServeTLS(c net.Listener) error {
	return l.serveOn("tls", c.Addr().String(), func() error {
		return l.tls.Serve(c, l.handleMessage)
	})
}

// ServeWS accepts and upgrades WebSocket connections off c.
func (l *Layer) ServeWS(c net.Listener) error {
	return l.serveOn("ws", c.Addr().String(), func() error {
		return l.ws.Serve(c, l.handleMessage)
	})
}

// ServeWSS is ServeWS for TLS listeners.
func (l *Layer) ServeWSS(c net.Listener) error {
	return l.serveOn("wss", c.Addr().String(), func() error {
		return l.wss.Serve(c, l.handleMessage)
	})
}

// closeOnDone returns a setter binding a listener to a watcher goroutine
// that closes it when ctx is canceled, plus a stop func releasing the
// watcher once serving returns on its own.
func (l *Layer) closeOnDone(ctx context.Context) (setCloser func(io.Closer), stop func()) {
	ctx, cancel := context.WithCancel(ctx)
	return func(c io.Closer) {
		go func() {
			<-ctx.Done()
			if err := c.Close(); err != nil {
				l.log.Error().Err(err).Msg("Failed to close listener")
			}
		}()
	}, cancel
}

// ListenAndServe binds addr on network (udp, tcp or ws) and serves until
// ctx cancels.
func (l *Layer) ListenAndServe(ctx context.Context, network string, addr string) error {
	network = strings.ToLower(network)
	setCloser, stopWatch := l.closeOnDone(ctx)
	defer stopWatch()

	switch network {
	case "udp":
		laddr, err := net.ResolveUDPAddr("udp", addr)
		if err != nil {
			return fmt.Errorf("fail to resolve address. err=%w", err)
		}
		conn, err := net.ListenUDP("udp", laddr)
		if err != nil {
			return fmt.Errorf("listen udp error. err=%w", err)
		}
		setCloser(conn)
		return l.ServeUDP(conn)

	case "tcp", "ws":
		laddr, err := net.ResolveTCPAddr("tcp", addr)
		if err != nil {
			return fmt.Errorf("fail to resolve address. err=%w", err)
		}
		listener, err := net.ListenTCP("tcp", laddr)
		if err != nil {
			return fmt.Errorf("listen tcp error. err=%w", err)
		}
		setCloser(listener)
		if network == "ws" {
			return l.ServeWS(listener)
		}
		return l.ServeTCP(listener)
	}
	return ErrNetworkNotSuported
}

// ListenAndServeTLS is ListenAndServe for tls and wss, accepting under
// conf.
func (l *Layer) ListenAndServeTLS(ctx context.Context, network string, addr string, conf *tls.Config) error {
	network = strings.ToLower(network)
	setCloser, stopWatch := l.closeOnDone(ctx)
	defer stopWatch()

	switch network {
	case "tcp", "tls", "wss":
		laddr, err := net.ResolveTCPAddr("tcp", addr)
		if err != nil {
			return fmt.Errorf("fail to resolve address. err=%w", err)
		}
		listener, err := tls.Listen("tcp", laddr.String(), conf)
		if err != nil {
			return fmt.Errorf("listen tls error. err=%w", err)
		}
		setCloser(listener)
		if network == "wss" {
			return l.ServeWSS(listener)
		}
		return l.ServeTLS(listener)
	}
	return ErrNetworkNotSuported
}

func (l *Layer) addListenPort(network string, port int) {
	l.listenPortsMu.Lock()
	defer l.listenPortsMu.Unlock()
	l.listenPorts[network] = append(l.listenPorts[network], port)
}

// GetListenPort returns one of the ports this layer listens on for
// network, or 0 when it has none.
func (l *Layer) GetListenPort(network string) int {
	l.listenPortsMu.Lock()
	defer l.listenPortsMu.Unlock()
	if ports := l.listenPorts[network]; len(ports) > 0 {
		return ports[0]
	}
	return 0
}

// WriteMsg routes msg by its own transport/destination.
func (l *Layer) WriteMsg(msg sip.Message) error {
	return l.WriteMsgTo(msg, msg.Destination(), msg.Transport())
}

// WriteMsgTo sends msg to addr over network. Requests run target
// selection and may dial (RFC 3261 §18.1.1); responses ride back on the
// connection their request arrived on (§18.2.2).
func (l *Layer) WriteMsgTo(msg sip.Message, addr string, network string) error {
	var conn Connection
	var err error

	switch m := msg.(type) {
	case *sip.Request:
		conn, err = l.ClientRequestConnection(m)
		if err != nil {
			return err
		}
		// Reference counting keeps the shared connection alive past us.
		defer conn.TryClose()

	case *sip.Response:
		conn, err = l.GetConnection(network, addr)
		if err != nil {
			return err
		}
	}

	return conn.WriteMsg(msg)
}

// SetResolver overrides the RFC 3263 resolver used by
// ClientRequestConnection. Pass nil to fall back to
// literal-host/connection-cache resolution only.
func (l *Layer) SetResolver(r *Resolver) {
	l.resolver = r
}

// requestTargetURI returns the URI ClientRequestConnection must resolve,
// matching Request.Destination's precedence: a loose-routing Route header
// wins over the request-URI.
func requestTargetURI(req *sip.Request) *sip.Uri {
	if hdr := req.Route(); hdr != nil {
		return &hdr.Address
	}
	return &req.Recipient
}

// ClientRequestConnection finds or dials the connection a new request
// should use (RFC 3261 §18.1.1): RFC 3263 target selection for domain
// targets, sent-by port rewriting onto a bound listener, and optional
// connection reuse.
func (l *Layer) ClientRequestConnection(req *sip.Request) (c Connection, err error) {
	network := NetworkToLower(req.Transport())
	addr := req.Destination()

	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("build address target for %s: %w", addr, err)
	}
	// RFC 3263 §4 target selection: NAPTR -> SRV -> A/AAAA. Only consulted
	// for non-literal hosts; a literal IP needs no DNS.
	if net.ParseIP(host) == nil && l.resolver != nil {
		if target, rerr := l.resolver.Resolve(context.Background(), requestTargetURI(req)); rerr == nil {
			network = target.Network
			addr = target.Addr()
		}
	}

	via := req.Via()
	if via == nil {
		return nil, fmt.Errorf("missing Via Header")
	}
	// Fill the sent-by port from a bound listener so responses can find
	// their way back.
	if via.Port <= 0 {
		if ports := l.listenPorts[network]; len(ports) > 0 {
			via.Port = ports[rand.Intn(len(ports))]
		} else {
			via.Port = DefaultPortFor(network)
		}
	}

	if l.ConnectionReuse {
		via.Params.Add("alias", "")
		if c, _ := l.getConnection(network, addr); c != nil {
			l.log.Debug().Str("req", req.Method.String()).Msg("Connection ref increment")
			c.Ref(1)
			return c, nil
		}
	}

	return l.createConnection(network, addr)
}

// GetConnection returns an existing connection for addr on network.
func (l *Layer) GetConnection(network, addr string) (Connection, error) {
	return l.getConnection(NetworkToLower(network), addr)
}

// CreateConnection dials addr on network and registers the new connection.
func (l *Layer) CreateConnection(network, addr string) (Connection, error) {
	return l.createConnection(NetworkToLower(network), addr)
}

func (l *Layer) getConnection(network, addr string) (Connection, error) {
	tp, ok := l.transports[network]
	if !ok {
		return nil, fmt.Errorf("transport %s is not supported", network)
	}

	c, err := tp.GetConnection(addr)
	if err == nil && c == nil {
		return nil, fmt.Errorf("connection %q does not exist", addr)
	}
	return c, err
}

func (l *Layer) createConnection(network, addr string) (Connection, error) {
	tp, ok := l.transports[network]
	if !ok {
		return nil, fmt.Errorf("transport %s is not supported", network)
	}
	return tp.CreateConnection(addr, l.handleMessage)
}

// Close tears down every transport and its connections.
func (l *Layer) Close() error {
	var lastErr error
	for _, tp := range l.transports {
		if err := tp.Close(); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

// DefaultPortFor is sip.DefaultPort over this package's lowercase network
// names.
func DefaultPortFor(network string) int {
	return sip.DefaultPort(network)
}

// IsReliable reports whether network retransmits at the transport level:
// everything but UDP (RFC 3261 §18).
func IsReliable(network string) bool {
	switch network {
	case "udp", "UDP":
		return false
	default:
		return true
	}
}

// IsSecure reports whether network runs under TLS.
func IsSecure(network string) bool {
	switch network {
	case "tls", "wss", "TLS", "WSS":
		return true
	default:
		return false
	}
}

// IsStreamed reports whether network delivers a byte stream that needs
// Content-Length framing rather than datagram or message framing.
func IsStreamed(network string) bool {
	switch network {
	case "tcp", "tls", "TCP", "TLS":
		return true
	default:
		return false
	}
}

// NetworkToLower lowercases the handful of network names without paying
// strings.ToLower on the hot path.
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
		return sip.ASCIIToLower(network)
	}
}

package sipcore

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"io"
	"net"
	"strings"

	"github.com/randijunior/sipcore/sip"
	"github.com/randijunior/sipcore/transport"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// RequestHandler answers one inbound request on its server transaction.
type RequestHandler func(req *sip.Request, tx sip.ServerTransaction)

// Server is the inbound half of the endpoint: it binds listeners and
// routes each server transaction the transaction layer creates into the
// handler registered for the request's method.
type Server struct {
	*UserAgent

	requestHandlers map[sip.RequestMethod]RequestHandler
	noRouteHandler  RequestHandler

	// requestMiddlewares run, in order, on every request before its
	// handler does.
	requestMiddlewares []func(r *sip.Request)

	log zerolog.Logger
}

type ServerOption func(s *Server) error

// WithServerLogger overrides the server's structured logger.
func WithServerLogger(logger zerolog.Logger) ServerOption {
	return func(s *Server) error {
		s.log = logger
		return nil
	}
}

// NewServer builds the inbound handle for ua and hooks it into ua's
// transaction layer.
func NewServer(ua *UserAgent, options ...ServerOption) (*Server, error) {
	srv := &Server{
		UserAgent:       ua,
		requestHandlers: make(map[sip.RequestMethod]RequestHandler),
		log:             log.Logger.With().Str("caller", "Server").Logger(),
	}
	for _, o := range options {
		if err := o(srv); err != nil {
			return nil, err
		}
	}
	srv.noRouteHandler = srv.respondMethodNotAllowed

	srv.tx.OnRequest(srv.onRequest)
	return srv, nil
}

// listenReadyKey carries a ListenReadyCtxValue on the ListenAndServe
// context; the channel closes once the listener is bound, so a test can
// dial without racing the bind.
type listenReadyKey struct{}

var ListenReadyCtxKey listenReadyKey

type ListenReadyCtxValue chan struct{}

func signalListenReady(ctx context.Context) {
	if v, ok := ctx.Value(ListenReadyCtxKey).(ListenReadyCtxValue); ok {
		close(v)
	}
}

// closeOnDone returns a setter that, once called with a bound listener,
// spawns the goroutine that closes it when ctx is canceled. Both
// ListenAndServe and ListenAndServeTLS bind their listener after several
// fallible steps (address resolution, Listen itself), so the watcher only
// starts once there is something worth closing.
func (srv *Server) closeOnDone(ctx context.Context) (setCloser func(io.Closer)) {
	return func(c io.Closer) {
		go func() {
			<-ctx.Done()
			if err := c.Close(); err != nil {
				srv.log.Error().Err(err).Msg("Failed to close listener")
			}
		}()
	}
}

// ListenAndServe binds addr and runs the matching transport loop until ctx
// is canceled. Network supported: udp, tcp, ws.
func (srv *Server) ListenAndServe(ctx context.Context, network string, addr string) error {
	network = strings.ToLower(network)
	setCloser := srv.closeOnDone(ctx)

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
		signalListenReady(ctx)
		return srv.tp.ServeUDP(conn)

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
		signalListenReady(ctx)
		if network == "ws" {
			return srv.tp.ServeWS(listener)
		}
		return srv.tp.ServeTCP(listener)
	}
	return transport.ErrNetworkNotSuported
}

// ListenAndServeTLS is ListenAndServe for the secured networks tls and
// wss, accepting under conf.
func (srv *Server) ListenAndServeTLS(ctx context.Context, network string, addr string, conf *tls.Config) error {
	network = strings.ToLower(network)
	setCloser := srv.closeOnDone(ctx)

	switch network {
	case "tcp", "tls", "ws", "wss":
		laddr, err := net.ResolveTCPAddr("tcp", addr)
		if err != nil {
			return fmt.Errorf("fail to resolve address. err=%w", err)
		}
		listener, err := tls.Listen("tcp", laddr.String(), conf)
		if err != nil {
			return fmt.Errorf("listen tls error. err=%w", err)
		}

		setCloser(listener)
		signalListenReady(ctx)
		if network == "ws" || network == "wss" {
			return srv.tp.ServeWSS(listener)
		}
		return srv.tp.ServeTLS(listener)
	}
	return transport.ErrNetworkNotSuported
}

// ServeUDP serves an already-bound packet listener.
func (srv *Server) ServeUDP(l net.PacketConn) error { return srv.tp.ServeUDP(l) }

// ServeTCP serves an already-bound stream listener.
func (srv *Server) ServeTCP(l net.Listener) error { return srv.tp.ServeTCP(l) }

// ServeTLS serves an already-bound TLS listener.
func (srv *Server) ServeTLS(l net.Listener) error { return srv.tp.ServeTLS(l) }

// ServeWS serves an already-bound WebSocket listener.
func (srv *Server) ServeWS(l net.Listener) error { return srv.tp.ServeWS(l) }

// ServeWSS serves an already-bound secure WebSocket listener.
func (srv *Server) ServeWSS(l net.Listener) error { return srv.tp.ServeWSS(l) }

// onRequest is the transaction layer's entry into this server. One
// goroutine per request keeps a slow handler from stalling dispatch.
func (srv *Server) onRequest(req *sip.Request, tx sip.ServerTransaction) {
	go srv.handleRequest(req, tx)
}

func (srv *Server) handleRequest(req *sip.Request, tx sip.ServerTransaction) {
	for _, mid := range srv.requestMiddlewares {
		mid(req)
	}

	srv.handlerFor(req.Method)(req, tx)

	if tx != nil {
		// A handler that forgot to terminate would leak the transaction.
		tx.Terminate()
	}
}

func (srv *Server) handlerFor(method sip.RequestMethod) RequestHandler {
	if h, ok := srv.requestHandlers[method]; ok {
		return h
	}
	return srv.noRouteHandler
}

func (srv *Server) respondMethodNotAllowed(req *sip.Request, tx sip.ServerTransaction) {
	srv.log.Warn().Str("method", req.Method.String()).Msg("SIP request handler not found")
	res := sip.NewResponseFromRequest(req, sip.StatusMethodNotAllowed, "Method Not Allowed", nil)
	// Stateless: write directly and let the transaction expire.
	if err := srv.WriteResponse(res); err != nil {
		srv.log.Error().Err(err).Msg("respond '405 Method Not Allowed' failed")
	}
}

// WriteResponse sends a response straight through the transport layer,
// outside any transaction (stateless mode).
func (srv *Server) WriteResponse(r *sip.Response) error {
	return srv.tp.WriteMsg(r)
}

// Close releases server resources. Transport/transaction teardown belongs
// to the UserAgent.
func (srv *Server) Close() error {
	return nil
}

// OnRequest registers the handler for one method.
func (srv *Server) OnRequest(method sip.RequestMethod, handler RequestHandler) {
	srv.requestHandlers[method] = handler
}

// OnInvite registers the INVITE handler.
func (srv *Server) OnInvite(handler RequestHandler) { srv.OnRequest(sip.INVITE, handler) }

// OnAck registers the ACK handler.
func (srv *Server) OnAck(handler RequestHandler) { srv.OnRequest(sip.ACK, handler) }

// OnCancel registers the CANCEL handler.
func (srv *Server) OnCancel(handler RequestHandler) { srv.OnRequest(sip.CANCEL, handler) }

// OnBye registers the BYE handler.
func (srv *Server) OnBye(handler RequestHandler) { srv.OnRequest(sip.BYE, handler) }

// OnRegister registers the REGISTER handler.
func (srv *Server) OnRegister(handler RequestHandler) { srv.OnRequest(sip.REGISTER, handler) }

// OnOptions registers the OPTIONS handler.
func (srv *Server) OnOptions(handler RequestHandler) { srv.OnRequest(sip.OPTIONS, handler) }

// OnSubscribe registers the SUBSCRIBE handler.
func (srv *Server) OnSubscribe(handler RequestHandler) { srv.OnRequest(sip.SUBSCRIBE, handler) }

// OnNotify registers the NOTIFY handler.
func (srv *Server) OnNotify(handler RequestHandler) { srv.OnRequest(sip.NOTIFY, handler) }

// OnRefer registers the REFER handler.
func (srv *Server) OnRefer(handler RequestHandler) { srv.OnRequest(sip.REFER, handler) }

// OnInfo registers the INFO handler.
func (srv *Server) OnInfo(handler RequestHandler) { srv.OnRequest(sip.INFO, handler) }

// OnMessage registers the MESSAGE handler.
func (srv *Server) OnMessage(handler RequestHandler) { srv.OnRequest(sip.MESSAGE, handler) }

// OnUpdate registers the UPDATE handler.
func (srv *Server) OnUpdate(handler RequestHandler) { srv.OnRequest(sip.UPDATE, handler) }

// OnNoRoute overrides what happens to a request no handler claims; the
// default answers 405 Method Not Allowed.
func (srv *Server) OnNoRoute(handler RequestHandler) {
	srv.noRouteHandler = handler
}

// RegisteredMethods lists the methods with a handler, e.g. to build an
// Allow header.
func (srv *Server) RegisteredMethods() []string {
	methods := make([]string, 0, len(srv.requestHandlers))
	for m := range srv.requestHandlers {
		methods = append(methods, m.String())
	}
	return methods
}

// ServeRequest appends a middleware run on every request before its
// handler.
func (srv *Server) ServeRequest(f func(r *sip.Request)) {
	srv.requestMiddlewares = append(srv.requestMiddlewares, f)
}

// GenerateTLSConfig loads a certificate pair (and optional client root
// PEMs) into a tls.Config usable with ListenAndServeTLS.
func GenerateTLSConfig(certFile string, keyFile string, rootPems []byte) (*tls.Config, error) {
	roots := x509.NewCertPool()
	if rootPems != nil {
		if !roots.AppendCertsFromPEM(rootPems) {
			return nil, fmt.Errorf("failed to parse root certificate")
		}
	}

	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("fail to load cert. err=%w", err)
	}

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		RootCAs:      roots,
	}, nil
}

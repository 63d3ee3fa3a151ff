package sipcore

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"log/slog"
	"net"

	"github.com/randijunior/sipcore/sip"

	"github.com/google/uuid"
	"github.com/icholy/digest"
)

// ClientTransactionRequester lets tests swap the transaction layer behind
// TransactionRequest for a fake (see siptest).
type ClientTransactionRequester interface {
	Request(ctx context.Context, req *sip.Request) (sip.ClientTransaction, error)
}

// Client is the outbound half of the endpoint: it completes requests with
// the headers a UAC must send (RFC 3261 §8.1.1), hands them to the
// transaction layer, and runs the digest-auth retry loop when a request is
// challenged.
type Client struct {
	*UserAgent

	// host/port go into the Via sent-by of every request this client
	// builds. The transport layer may rewrite the port to a bound
	// listener.
	host  string
	port  int
	rport bool

	// connAddr, when set, pins the local address requests are sent from.
	connAddr sip.Addr

	log *slog.Logger

	// TxRequester overrides the transaction layer. Testing hook only.
	TxRequester ClientTransactionRequester
}

type ClientOption func(c *Client) error

// WithClientHostname sets the Via/From host this client advertises.
func WithClientHostname(hostname string) ClientOption {
	return func(c *Client) error {
		c.host = hostname
		return nil
	}
}

// WithClientPort sets the Via sent-by port. Zero keeps the ephemeral port.
func WithClientPort(port int) ClientOption {
	return func(c *Client) error {
		c.port = port
		return nil
	}
}

// WithClientNAT adds an empty rport to outgoing Via headers (RFC 3581) so
// the far side answers to the packet source.
func WithClientNAT() ClientOption {
	return func(c *Client) error {
		c.rport = true
		return nil
	}
}

// WithClientConnectionAddr forces requests out of the local hostPort
// instead of whatever socket the transport would pick.
func WithClientConnectionAddr(hostPort string) ClientOption {
	return func(c *Client) error {
		host, port, err := sip.ParseAddr(hostPort)
		if err != nil {
			return err
		}
		c.connAddr = sip.Addr{IP: net.ParseIP(host), Port: port, Hostname: host}
		return nil
	}
}

// NewClient creates the outbound handle for ua.
func NewClient(ua *UserAgent, options ...ClientOption) (*Client, error) {
	c := &Client{
		UserAgent: ua,
		log:       sip.DefaultLogger().With("caller", "Client"),
	}
	for _, o := range options {
		if err := o(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Close releases client resources. Transport/transaction teardown belongs
// to the UserAgent.
func (c *Client) Close() error {
	return nil
}

// Hostname returns the advertised client host.
func (c *Client) Hostname() string {
	return c.host
}

// TransactionRequest completes req (unless options take over) and opens a
// client transaction for it. The caller reads responses from the returned
// transaction; Do wraps this with final-response selection.
func (c *Client) TransactionRequest(ctx context.Context, req *sip.Request, options ...ClientRequestOption) (sip.ClientTransaction, error) {
	if req.IsAck() {
		return nil, fmt.Errorf("ACK request must be sent directly through transport. Use WriteRequest")
	}
	if err := c.applyRequestOptions(req, options); err != nil {
		return nil, err
	}

	if c.TxRequester != nil {
		return c.TxRequester.Request(ctx, req)
	}

	// RFC 3261 §18.3: stream transports need Content-Length to frame the
	// message; flag it early rather than letting the peer drop us.
	if sip.IsReliable(req.Transport()) && req.ContentLength() == nil {
		c.log.Warn("Missing Content-Length for reliable transport")
	}

	return c.tx.Request(ctx, req)
}

// WriteRequest sends req straight through the transport layer, skipping
// transaction state. Non-transaction ACKs go out this way.
func (c *Client) WriteRequest(req *sip.Request, options ...ClientRequestOption) error {
	if err := c.applyRequestOptions(req, options); err != nil {
		return err
	}
	if c.TxRequester != nil {
		_, err := c.TxRequester.Request(context.TODO(), req)
		return err
	}
	return c.tp.WriteMsg(req)
}

// applyRequestOptions runs the caller's request mutators, defaulting to
// the full UAC build when none were given.
func (c *Client) applyRequestOptions(req *sip.Request, options []ClientRequestOption) error {
	if len(options) == 0 {
		return clientRequestBuildReq(c, req)
	}
	for _, o := range options {
		if err := o(c, req); err != nil {
			return err
		}
	}
	return nil
}

// Do sends req and blocks until a final response, the transaction's end,
// or ctx expiring. Provisionals are skipped. Canceling ctx does NOT CANCEL
// the INVITE; use the dialog API for that.
func (c *Client) Do(ctx context.Context, req *sip.Request, options ...ClientRequestOption) (*sip.Response, error) {
	tx, err := c.TransactionRequest(ctx, req, options...)
	if err != nil {
		return nil, err
	}
	defer tx.Terminate()
	return awaitFinal(ctx, tx)
}

func awaitFinal(ctx context.Context, tx sip.ClientTransaction) (*sip.Response, error) {
	for {
		select {
		case res := <-tx.Responses():
			if res.IsProvisional() {
				continue
			}
			return res, nil
		case <-tx.Done():
			return nil, tx.Err()
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// ClientRequestOption mutates a request before it is sent. Passing any
// option to TransactionRequest/WriteRequest replaces the default build, so
// combine with ClientRequestBuild when both are wanted.
type ClientRequestOption func(c *Client, req *sip.Request) error

// ClientRequestBuild is the default request completion as an option value.
func ClientRequestBuild(c *Client, req *sip.Request) error {
	return clientRequestBuildReq(c, req)
}

// clientRequestBuildReq fills in whichever of the RFC 3261 §8.1.1
// mandatory header fields the caller left out: Via (fresh magic-cookie
// branch), From, To, Call-ID, CSeq and Max-Forwards.
func clientRequestBuildReq(c *Client, req *sip.Request) error {
	newHeaders := make([]sip.Header, 0, 6)

	if req.Via() == nil {
		newHeaders = append(newHeaders, c.buildVia(req))
	}
	if req.From() == nil {
		newHeaders = append(newHeaders, c.buildFrom(req))
	}
	if req.To() == nil {
		to := sip.ToHeader{
			Address: sip.Uri{
				Scheme:    req.Recipient.Scheme,
				User:      req.Recipient.User,
				Host:      req.Recipient.Host,
				UriParams: sip.NewParams(),
				Headers:   sip.NewParams(),
			},
			Params: sip.NewParams(),
		}
		newHeaders = append(newHeaders, &to)
	}
	if req.CallID() == nil {
		id, err := uuid.NewRandom()
		if err != nil {
			return err
		}
		callid := sip.CallIDHeader(id.String())
		newHeaders = append(newHeaders, &callid)
	}
	if req.CSeq() == nil {
		seq, err := randomCSeq()
		if err != nil {
			return err
		}
		newHeaders = append(newHeaders, &sip.CSeqHeader{SeqNo: seq, MethodName: req.Method})
	}
	if req.MaxForwards() == nil {
		maxFwd := sip.MaxForwardsHeader(70)
		newHeaders = append(newHeaders, &maxFwd)
	}

	req.PrependHeader(newHeaders...)

	if req.Body() == nil {
		// Forces a Content-Length header onto bodyless requests.
		req.SetBody(nil)
	}

	if c.connAddr.IP != nil {
		// Copy so the request doesn't alias the client's own address.
		c.connAddr.Copy(&req.Laddr)
	}
	return nil
}

// randomCSeq draws a starting sequence number below 2**31 (RFC 3261
// §8.1.1.5), leaving room for in-dialog increments.
func randomCSeq() (uint32, error) {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, err
	}
	n := binary.BigEndian.Uint32(b[:]) >> 1 // clear the top bit
	if n == 0 {
		n = 1
	}
	return n, nil
}

func (c *Client) buildFrom(req *sip.Request) *sip.FromHeader {
	from := &sip.FromHeader{
		DisplayName: c.UserAgent.name,
		Address: sip.Uri{
			Scheme:    req.Recipient.Scheme,
			User:      c.UserAgent.name,
			Host:      c.UserAgent.host,
			UriParams: sip.NewParams(),
			Headers:   sip.NewParams(),
		},
		Params: sip.NewParams(),
	}
	if from.Address.Host == "" {
		// No UA hostname configured; advertise the routing host.
		from.Address.Host = c.host
	}
	from.Params.Add("tag", sip.GenerateTagN(16))
	return from
}

// buildVia constructs this client's Via hop. When the request already
// carries a Via with an empty rport (we are forwarding), the source
// address is recorded on it per RFC 3581 §6.
func (c *Client) buildVia(req *sip.Request) *sip.ViaHeader {
	via := &sip.ViaHeader{
		ProtocolName:    "SIP",
		ProtocolVersion: "2.0",
		Transport:       req.Transport(),
		Host:            c.host,
		Port:            c.port,
		Params:          sip.NewParams(),
	}
	via.Params.Add("branch", sip.GenerateBranchN(16))
	if c.rport {
		via.Params.Add("rport", "")
	}

	if prev := req.Via(); prev != nil {
		if rport, ok := prev.Params.Get("rport"); ok && rport == "" {
			h, p, _ := net.SplitHostPort(req.Source())
			prev.Params.Add("rport", p)
			prev.Params.Add("received", h)
		}
	}
	return via
}

// ClientRequestAddVia prepends this client's Via hop, the way a proxy
// forwards a request (RFC 3261 §16.6).
func ClientRequestAddVia(c *Client, req *sip.Request) error {
	req.PrependHeader(c.buildVia(req))
	return nil
}

// ClientRequestAddRecordRoute prepends a Record-Route naming this client
// so in-dialog requests flow back through it (RFC 3261 §16.6 step 4).
func ClientRequestAddRecordRoute(c *Client, req *sip.Request) error {
	port := c.tp.GetListenPort(sip.NetworkToLower(req.Transport()))

	rr := &sip.RecordRouteHeader{
		Address: sip.Uri{
			Host: c.host,
			Port: port,
			UriParams: sip.HeaderParams{
				// RFC 5658: the transport must survive the round trip.
				{K: "transport", V: sip.NetworkToLower(req.Transport())},
				{K: "lr", V: ""},
			},
			Headers: sip.NewParams(),
		},
	}
	req.PrependHeader(rr)
	return nil
}

// DigestAuth are the credentials the digest retry helpers sign with.
type DigestAuth struct {
	Username string
	Password string
}

// DoDigestAuth retries req with credentials after res challenged it with
// 401 or 407, then waits for the final response.
func (c *Client) DoDigestAuth(ctx context.Context, req *sip.Request, res *sip.Response, auth DigestAuth) (*sip.Response, error) {
	tx, err := c.TransactionDigestAuth(ctx, req, res, auth)
	if err != nil {
		return nil, err
	}
	defer tx.Terminate()
	return awaitFinal(ctx, tx)
}

// TransactionDigestAuth answers a 401/407 challenge: it signs req with the
// matching Authorization/Proxy-Authorization header and opens a fresh
// transaction for the retry.
func (c *Client) TransactionDigestAuth(ctx context.Context, req *sip.Request, res *sip.Response, auth DigestAuth) (sip.ClientTransaction, error) {
	opts := digest.Options{
		Method:   req.Method.String(),
		URI:      req.Recipient.Addr(),
		Username: auth.Username,
		Password: auth.Password,
	}
	if res.StatusCode == sip.StatusProxyAuthRequired {
		return digestProxyAuthRequest(ctx, c, req, res, opts)
	}
	return digestRetry(ctx, c, req, res, opts, "WWW-Authenticate", "Authorization")
}

// digestProxyAuthRequest is the 407 variant of the digest retry.
func digestProxyAuthRequest(ctx context.Context, c *Client, req *sip.Request, res *sip.Response, opts digest.Options) (sip.ClientTransaction, error) {
	return digestRetry(ctx, c, req, res, opts, "Proxy-Authenticate", "Proxy-Authorization")
}

// digestRetry signs req against the challenge in res and resends it as a
// new transaction: bumped CSeq, fresh Via/branch (RFC 3261 §8.1.3.5 and
// §22.2/§22.3).
func digestRetry(ctx context.Context, c *Client, req *sip.Request, res *sip.Response, opts digest.Options, challengeName, credentialName string) (sip.ClientTransaction, error) {
	challengeHdr := res.GetHeader(challengeName)
	if challengeHdr == nil {
		return nil, fmt.Errorf("no %s header in challenge response", challengeName)
	}

	chal, err := digest.ParseChallenge(challengeHdr.Value())
	if err != nil {
		return nil, fmt.Errorf("parsing %s challenge %q: %w", challengeName, challengeHdr.Value(), err)
	}
	// Peers occasionally send a lowercased algorithm; the digest library
	// wants the registered spelling.
	chal.Algorithm = sip.ASCIIToUpper(chal.Algorithm)

	cred, err := digest.Digest(chal, opts)
	if err != nil {
		return nil, fmt.Errorf("building digest credentials: %w", err)
	}

	req.RemoveHeader(credentialName)
	req.AppendHeader(sip.NewHeader(credentialName, cred.String()))

	req.CSeq().SeqNo++
	req.RemoveHeader("Via")
	return c.TransactionRequest(ctx, req, ClientRequestAddVia)
}

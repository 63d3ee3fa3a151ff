package sip

import (
	"fmt"
	"io"
	"net"
	"slices"
	"strconv"
	"strings"
)

// Request is a SIP request (RFC 3261 §7.1): a method applied to a
// request-URI, plus headers and optional body.
type Request struct {
	MessageData
	Method    RequestMethod
	Recipient Uri

	// Laddr pins the local address the request goes out from, when the
	// caller cares.
	Laddr Addr
	// raddr is the resolved remote address, filled once the topmost Via
	// or DNS answered.
	raddr Addr
}

// NewRequest builds the request shell: start line only, no headers. The
// recipient's param bags are copied so later edits don't reach back into
// the caller's URI.
func NewRequest(method RequestMethod, recipient Uri) *Request {
	if recipient.UriParams != nil {
		recipient.UriParams = recipient.UriParams.clone()
	}
	if recipient.Headers != nil {
		recipient.Headers = recipient.Headers.clone()
	}

	req := &Request{
		Method:    method,
		Recipient: recipient,
	}
	req.SipVersion = "SIP/2.0"
	req.headers = headers{
		headerOrder: make([]Header, 0, 10),
	}
	return req
}

func (req *Request) Short() string {
	if req == nil {
		return "<nil>"
	}
	return fmt.Sprintf("request method=%s Recipient=%s transport=%s source=%s",
		req.Method, req.Recipient.String(), req.Transport(), req.Source())
}

// StartLine renders `Method SP Request-URI SP SIP-Version` (RFC 3261 §7.1).
func (req *Request) StartLine() string {
	var b strings.Builder
	req.StartLineWrite(&b)
	return b.String()
}

func (req *Request) StartLineWrite(w io.StringWriter) {
	w.WriteString(string(req.Method))
	w.WriteString(" ")
	w.WriteString(req.Recipient.String())
	w.WriteString(" ")
	w.WriteString(req.SipVersion)
}

func (req *Request) String() string {
	var b strings.Builder
	req.StringWrite(&b)
	return b.String()
}

func (req *Request) StringWrite(w io.StringWriter) {
	req.StartLineWrite(w)
	w.WriteString("\r\n")
	req.headers.StringWrite(w)
	// The blank line closing the header section must be present even
	// without a body (RFC 3261 §7).
	w.WriteString("\r\n")
	if req.body != nil {
		w.WriteString(string(req.body))
	}
}

// Clone deep-copies the request, body included.
func (req *Request) Clone() *Request {
	c := NewRequest(req.Method, *req.Recipient.Clone())
	c.SipVersion = req.SipVersion
	for _, h := range req.CloneHeaders() {
		c.AppendHeader(h)
	}
	c.SetBody(slices.Clone(req.Body()))
	c.SetTransport(req.Transport())
	c.SetSource(req.Source())
	c.SetDestination(req.Destination())
	c.raddr = req.raddr
	c.Laddr = req.Laddr
	return c
}

func (req *Request) IsInvite() bool { return req.Method == INVITE }
func (req *Request) IsAck() bool    { return req.Method == ACK }
func (req *Request) IsCancel() bool { return req.Method == CANCEL }

// Transport picks the network for this request (RFC 3261 §18.1.1): an
// explicit transport URI param wins, then the topmost Via, then the UDP
// default; a sips target upgrades to the secured flavor.
func (req *Request) Transport() string {
	if tp := req.MessageData.Transport(); tp != "" {
		return tp
	}

	tp := DefaultProtocol
	if via := req.Via(); via != nil && via.Transport != "" {
		tp = via.Transport
	}

	uri := req.Recipient
	if route := req.Route(); route != nil {
		uri = route.Address
	}
	if val, ok := uri.UriParams.Get("transport"); ok && val != "" {
		tp = strings.ToUpper(val)
	}

	if uri.IsEncrypted() {
		switch tp {
		case "TCP":
			tp = "TLS"
		case "WS":
			tp = "WSS"
		}
	}
	return tp
}

// Source is where the request came from: the connection's remote address
// for network-parsed requests, else derived from the topmost Via.
func (req *Request) Source() string {
	if src := req.MessageData.Source(); src != "" {
		return src
	}
	host, port := req.sourceViaHostPort()
	return fmt.Sprintf("%s:%d", uriNetIP(host), port)
}

// uriNetIP brackets a bare IPv6 literal so it survives a host:port join.
func uriNetIP(host string) string {
	if strings.HasPrefix(host, "[") {
		return host
	}
	if ip := net.ParseIP(host); ip != nil && ip.To4() == nil {
		return "[" + host + "]"
	}
	return host
}

// sourceViaHostPort reads the topmost Via's sent-by, honoring received
// and rport (RFC 3581 §4) when the peer stamped them.
func (req *Request) sourceViaHostPort() (string, int) {
	via := req.Via()
	if via == nil {
		return "", 0
	}

	host := via.Host
	port := via.Port
	if port <= 0 {
		port = DefaultPort(req.Transport())
	}

	if received, ok := via.Params.Get("received"); ok && received != "" {
		host = received
	}
	if rport, ok := via.Params.Get("rport"); ok && rport != "" {
		if p, err := strconv.Atoi(rport); err == nil {
			port = p
		}
	}
	return host, port
}

// Destination is the next-hop address: an explicit SetDestination wins,
// then a loose-routing Route header, then the request-URI, each with the
// transport's default port when none is named.
func (req *Request) Destination() string {
	if dest := req.MessageData.Destination(); dest != "" {
		return dest
	}

	uri := &req.Recipient
	if route := req.Route(); route != nil {
		uri = &route.Address
	}

	port := uri.Port
	if port <= 0 {
		port = DefaultPort(req.Transport())
	}
	return fmt.Sprintf("%v:%v", uri.Host, port)
}

// cloneIdentityFrom copies the dialog-identifying headers onto dst: From,
// Call-ID and CSeq from req, To from res (which carries the to-tag). With
// res nil the To also comes from req.
func cloneIdentityFrom(dst *Request, req *Request, res *Response) {
	if h := req.From(); h != nil {
		dst.AppendHeader(h.headerClone())
	}
	to := req.To()
	if res != nil && res.To() != nil {
		to = res.To()
	}
	if to != nil {
		dst.AppendHeader(to.headerClone())
	}
	if h := req.CallID(); h != nil {
		dst.AppendHeader(h.headerClone())
	}
	if h := req.CSeq(); h != nil {
		dst.AppendHeader(h.headerClone())
	}
}

// newAckRequestNon2xx is the transaction-level ACK for a non-2xx final
// (RFC 3261 §17.1.1.3): same Via as the INVITE, same CSeq number with the
// method flipped to ACK.
func newAckRequestNon2xx(inviteRequest *Request, inviteResponse *Response, body []byte) *Request {
	ack := NewRequest(ACK, *inviteRequest.Recipient.Clone())
	ack.SipVersion = inviteRequest.SipVersion

	// The ACK must carry exactly the INVITE's topmost Via.
	CopyHeaders("Via", inviteRequest, ack)

	if len(inviteRequest.GetHeaders("Route")) > 0 {
		CopyHeaders("Route", inviteRequest, ack)
	} else {
		rr := inviteResponse.GetHeaders("Record-Route")
		for i := len(rr) - 1; i >= 0; i-- {
			ack.AppendHeader(NewHeader("Route", rr[i].Value()))
		}
	}

	maxFwd := MaxForwardsHeader(70)
	ack.AppendHeader(&maxFwd)
	cloneIdentityFrom(ack, inviteRequest, inviteResponse)
	ack.CSeq().MethodName = ACK

	if h := inviteRequest.Contact(); h != nil {
		ack.AppendHeader(h.headerClone())
	}

	ack.SetBody(body)
	ack.SetTransport(inviteRequest.Transport())
	ack.SetSource(inviteRequest.Source())
	ack.Laddr = inviteRequest.Laddr
	return ack
}

// newCancelRequest builds a CANCEL mirroring requestForCancel
// (RFC 3261 §9.1): same Via, same CSeq number, method CANCEL.
func newCancelRequest(requestForCancel *Request) *Request {
	cancel := NewRequest(CANCEL, requestForCancel.Recipient)
	cancel.SipVersion = requestForCancel.SipVersion

	cancel.AppendHeader(requestForCancel.Via().Clone())
	CopyHeaders("Route", requestForCancel, cancel)
	maxFwd := MaxForwardsHeader(70)
	cancel.AppendHeader(&maxFwd)

	cloneIdentityFrom(cancel, requestForCancel, nil)
	cancel.CSeq().MethodName = CANCEL

	cancel.SetTransport(requestForCancel.Transport())
	cancel.SetSource(requestForCancel.Source())
	cancel.SetDestination(requestForCancel.Destination())
	return cancel
}

// NewAckRequest builds the non-2xx transaction ACK (RFC 3261 §17.1.1.3).
func NewAckRequest(inviteRequest *Request, inviteResponse *Response, body []byte) *Request {
	return newAckRequestNon2xx(inviteRequest, inviteResponse, body)
}

// NewCancelRequest builds the CANCEL for requestForCancel (RFC 3261 §9.1).
func NewCancelRequest(requestForCancel *Request) *Request {
	return newCancelRequest(requestForCancel)
}

// NewByeRequestUAC builds a BYE ending an established dialog, targeting
// the remote Contact when the response named one (RFC 3261 §15.1.1). Via
// is left to the send path.
func NewByeRequestUAC(inviteRequest *Request, inviteResponse *Response, body []byte) *Request {
	recipient := &inviteRequest.Recipient
	if cont := inviteResponse.Contact(); cont != nil {
		recipient = &cont.Address
	}

	bye := NewRequest(BYE, *recipient.Clone())
	bye.SipVersion = inviteRequest.SipVersion

	if len(inviteRequest.GetHeaders("Route")) > 0 {
		CopyHeaders("Route", inviteRequest, bye)
	}

	maxFwd := MaxForwardsHeader(70)
	bye.AppendHeader(&maxFwd)
	cloneIdentityFrom(bye, inviteRequest, inviteResponse)

	cseq := bye.CSeq()
	cseq.SeqNo++
	cseq.MethodName = BYE

	bye.SetBody(body)
	bye.SetTransport(inviteRequest.Transport())
	bye.SetSource(inviteRequest.Source())
	return bye
}

package sip

import (
	"fmt"
	"hash/fnv"
	"io"
	"net"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// Response is a SIP response (RFC 3261 §7.2): a status applied to the
// transaction the CSeq names.
type Response struct {
	MessageData

	StatusCode StatusCode
	Reason     string

	// raddr carries the resolved remote address inherited from the
	// request this response answers.
	raddr Addr
}

// NewResponse builds the response shell: status line only, no headers.
func NewResponse(statusCode StatusCode, reason string) *Response {
	res := &Response{
		StatusCode: statusCode,
		Reason:     reason,
	}
	res.SipVersion = "SIP/2.0"
	res.headers = headers{
		headerOrder: make([]Header, 0, 10),
	}
	return res
}

func (res *Response) Short() string {
	if res == nil {
		return "<nil>"
	}
	return fmt.Sprintf("response status=%d reason=%s transport=%s source=%s",
		res.StatusCode, res.Reason, res.Transport(), res.Source())
}

// StartLine renders `SIP-Version SP Status-Code SP Reason-Phrase`
// (RFC 3261 §7.2).
func (res *Response) StartLine() string {
	var b strings.Builder
	res.StartLineWrite(&b)
	return b.String()
}

func (res *Response) StartLineWrite(w io.StringWriter) {
	w.WriteString(res.SipVersion)
	w.WriteString(" ")
	w.WriteString(strconv.Itoa(int(res.StatusCode)))
	w.WriteString(" ")
	w.WriteString(res.Reason)
}

func (res *Response) String() string {
	var b strings.Builder
	res.StringWrite(&b)
	return b.String()
}

func (res *Response) StringWrite(w io.StringWriter) {
	res.StartLineWrite(w)
	w.WriteString("\r\n")
	res.headers.StringWrite(w)
	w.WriteString("\r\n")
	if res.body != nil {
		w.WriteString(string(res.body))
	}
}

// Clone deep-copies the response, body included.
func (res *Response) Clone() *Response {
	c := NewResponse(res.StatusCode, res.Reason)
	c.SipVersion = res.SipVersion
	for _, h := range res.CloneHeaders() {
		c.AppendHeader(h)
	}
	c.SetBody(res.Body())
	c.SetTransport(res.Transport())
	c.SetSource(res.Source())
	c.SetDestination(res.Destination())
	return c
}

// CopyResponse is an alias of Clone for callers holding the package-level
// form.
func CopyResponse(res *Response) *Response {
	return res.Clone()
}

func (res *Response) IsProvisional() bool { return res.StatusCode < 200 }
func (res *Response) IsSuccess() bool     { return res.StatusCode >= 200 && res.StatusCode < 300 }
func (res *Response) IsRedirection() bool { return res.StatusCode >= 300 && res.StatusCode < 400 }
func (res *Response) IsClientError() bool { return res.StatusCode >= 400 && res.StatusCode < 500 }
func (res *Response) IsServerError() bool { return res.StatusCode >= 500 && res.StatusCode < 600 }
func (res *Response) IsGlobalError() bool { return res.StatusCode >= 600 }

func (res *Response) IsAck() bool {
	cseq := res.CSeq()
	return cseq != nil && cseq.MethodName == ACK
}

func (res *Response) IsCancel() bool {
	cseq := res.CSeq()
	return cseq != nil && cseq.MethodName == CANCEL
}

// Transport mirrors the topmost Via's transport, since a response always
// walks the request's path back.
func (res *Response) Transport() string {
	if tp := res.MessageData.Transport(); tp != "" {
		return tp
	}
	if via := res.Via(); via != nil && via.Transport != "" {
		return via.Transport
	}
	return DefaultProtocol
}

// Destination derives where to send this response: the topmost Via's
// sent-by, corrected by received/rport so it traverses symmetric NATs
// (RFC 3581 §4).
func (res *Response) Destination() string {
	if dest := res.MessageData.Destination(); dest != "" {
		return dest
	}

	via := res.Via()
	if via == nil {
		return ""
	}

	host := via.Host
	port := via.Port
	if port <= 0 {
		port = DefaultPort(res.Transport())
	}
	if received, ok := via.Params.Get("received"); ok && received != "" {
		host = received
	}
	if rport, ok := via.Params.Get("rport"); ok && rport != "" {
		if p, err := strconv.Atoi(rport); err == nil {
			port = p
		}
	}
	return fmt.Sprintf("%v:%v", host, port)
}

// NewResponseFromRequest answers req with statusCode per RFC 3261 §8.2.6:
// Via and Record-Route copied in order, the dialog-identifying headers
// cloned, a to-tag added on anything above 100 that lacks one.
func NewResponseFromRequest(req *Request, statusCode StatusCode, reason string, body []byte) *Response {
	res := NewResponse(statusCode, reason)
	res.SipVersion = req.SipVersion

	CopyHeaders("Record-Route", req, res)
	CopyHeaders("Via", req, res)
	if h := req.From(); h != nil {
		res.AppendHeader(h.headerClone())
	}
	if h := req.To(); h != nil {
		res.AppendHeader(h.headerClone())
	}
	if h := req.CallID(); h != nil {
		res.AppendHeader(h.headerClone())
	}
	if h := req.CSeq(); h != nil {
		res.AppendHeader(h.headerClone())
	}

	// RFC 3581 §4: a request asking for rport gets the observed source
	// recorded on its own Via.
	if via := res.Via(); via != nil {
		if val, ok := via.Params.Get("rport"); ok && val == "" {
			host, port, _ := net.SplitHostPort(req.Source())
			via.Params.Add("rport", port)
			via.Params.Add("received", host)
		}
	}

	// RFC 3261 §8.2.6.2: all responses above 100 carry the same to-tag.
	switch statusCode {
	case StatusTrying:
		CopyHeaders("Timestamp", req, res)
	default:
		if h := res.To(); h != nil {
			if _, ok := h.Params.Get("tag"); !ok {
				h.Params.Add("tag", responseToTag(res))
			}
		}
	}

	res.SetBody(body)
	res.SetTransport(req.Transport())

	if req.raddr.IP != nil {
		res.SetDestination(req.raddr.String())
	} else {
		res.SetDestination(req.Source())
	}
	return res
}

// responseToTag derives the to-tag from the topmost Via branch so every
// response to one request carries the same tag (RFC 3261 §8.2.6.2),
// falling back to a random tag when the request had no usable branch.
func responseToTag(res *Response) string {
	if via := res.Via(); via != nil {
		if branch, ok := via.Params.Get("branch"); ok && branch != "" {
			h := fnv.New64a()
			h.Write([]byte(branch))
			return strconv.FormatUint(h.Sum64(), 32)
		}
	}
	return uuid.NewString()
}

// NewSDPResponseFromRequest answers 200 with an SDP body and the matching
// Content-Type.
func NewSDPResponseFromRequest(req *Request, body []byte) *Response {
	res := NewResponseFromRequest(req, StatusOK, "OK", body)
	res.AppendHeader(NewHeader("Content-Type", "application/sdp"))
	res.SetBody(body)
	return res
}

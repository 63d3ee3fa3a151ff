package sip

import (
	"io"
	"strconv"
	"strings"
)

// Header is one SIP header field: a canonical name plus a wire-formatted
// value. Messages hold headers as an ordered sequence; order matters for
// Via and Route (RFC 3261 §7.3).
type Header interface {
	Name() string
	Value() string
	String() string
	// StringWrite renders "Name: value" into w without the trailing CRLF;
	// the message serializer owns line termination.
	StringWrite(w io.StringWriter)

	headerClone() Header
}

type CopyHeader interface {
	headerClone() Header
}

// HeaderClone deep-copies h so the copy can outlive the buffer or message
// h was parsed from.
func HeaderClone(h Header) Header {
	return h.headerClone()
}

// writeHeader renders the "Name: " prefix shared by every typed header.
func writeHeader(w io.StringWriter, name string) {
	w.WriteString(name)
	w.WriteString(": ")
}

// headerString is the generic String() body: prefix plus Value.
func headerString(h Header) string {
	var b strings.Builder
	h.StringWrite(&b)
	return b.String()
}

// writeNameAddr renders the name-addr form shared by From/To/Contact:
// optional quoted display name, the URI in angle brackets, then header
// params.
func writeNameAddr(w io.StringWriter, displayName string, uri *Uri, params HeaderParams) {
	if displayName != "" {
		w.WriteString("\"")
		w.WriteString(displayName)
		w.WriteString("\" ")
	}
	w.WriteString("<")
	uri.StringWrite(w)
	w.WriteString(">")
	if params.Length() > 0 {
		w.WriteString(";")
		params.ToStringWrite(';', w)
	}
}

// headers is the ordered header collection embedded into Request/Response.
// Alongside the wire-order slice it caches one typed pointer per header
// kind the stack itself consumes, so hot paths never scan.
type headers struct {
	headerOrder []Header

	via           *ViaHeader
	from          *FromHeader
	to            *ToHeader
	callid        *CallIDHeader
	contact       *ContactHeader
	cseq          *CSeqHeader
	contentLength *ContentLengthHeader
	contentType   *ContentTypeHeader
	route         *RouteHeader
	recordRoute   *RecordRouteHeader
	maxForwards   *MaxForwardsHeader
}

// cacheHeader records header in the typed fast-access fields. With
// overwrite false the first cached header of a kind wins, which keeps the
// cached Via/Route/Record-Route the TOPMOST one as headers are appended in
// wire order; prepending or replacing passes overwrite true since the new
// header becomes the topmost.
func (hs *headers) cacheHeader(header Header, overwrite bool) {
	switch m := header.(type) {
	case *ViaHeader:
		if overwrite || hs.via == nil {
			hs.via = m
		}
	case *FromHeader:
		if overwrite || hs.from == nil {
			hs.from = m
		}
	case *ToHeader:
		if overwrite || hs.to == nil {
			hs.to = m
		}
	case *CallIDHeader:
		if overwrite || hs.callid == nil {
			hs.callid = m
		}
	case *CSeqHeader:
		if overwrite || hs.cseq == nil {
			hs.cseq = m
		}
	case *ContactHeader:
		if overwrite || hs.contact == nil {
			hs.contact = m
		}
	case *ContentLengthHeader:
		if overwrite || hs.contentLength == nil {
			hs.contentLength = m
		}
	case *ContentTypeHeader:
		if overwrite || hs.contentType == nil {
			hs.contentType = m
		}
	case *RouteHeader:
		if overwrite || hs.route == nil {
			hs.route = m
		}
	case *RecordRouteHeader:
		if overwrite || hs.recordRoute == nil {
			hs.recordRoute = m
		}
	case *MaxForwardsHeader:
		if overwrite || hs.maxForwards == nil {
			hs.maxForwards = m
		}
	}
}

// recache rebuilds the typed field for one header kind after a removal or
// replacement, pointing it at the first remaining header of that kind.
func (hs *headers) recache(nameLower string) {
	switch nameLower {
	case "via":
		hs.via = nil
	case "from":
		hs.from = nil
	case "to":
		hs.to = nil
	case "call-id":
		hs.callid = nil
	case "cseq":
		hs.cseq = nil
	case "contact":
		hs.contact = nil
	case "content-length":
		hs.contentLength = nil
	case "content-type":
		hs.contentType = nil
	case "route":
		hs.route = nil
	case "record-route":
		hs.recordRoute = nil
	case "max-forwards":
		hs.maxForwards = nil
	default:
		return
	}
	for _, h := range hs.headerOrder {
		if HeaderToLower(h.Name()) == nameLower {
			hs.cacheHeader(h, true)
			return
		}
	}
}

func (hs *headers) String() string {
	var b strings.Builder
	hs.StringWrite(&b)
	return b.String()
}

// StringWrite renders every header in wire order, each line
// CRLF-terminated, plus the blank line closing the header section.
func (hs *headers) StringWrite(w io.StringWriter) {
	for i, header := range hs.headerOrder {
		if i > 0 {
			w.WriteString("\r\n")
		}
		header.StringWrite(w)
	}
	w.WriteString("\r\n")
}

// AppendHeader adds header at the bottom of the sequence.
func (hs *headers) AppendHeader(header Header) {
	hs.headerOrder = append(hs.headerOrder, header)
	hs.cacheHeader(header, false)
}

// AppendHeaderAfter inserts header directly after the last header named
// name, or at the end when no such header exists.
func (hs *headers) AppendHeaderAfter(header Header, name string) {
	ind := -1
	for i, h := range hs.headerOrder {
		if h.Name() == name {
			ind = i
		}
	}
	if ind < 0 {
		hs.AppendHeader(header)
		return
	}

	newOrder := make([]Header, 0, len(hs.headerOrder)+1)
	newOrder = append(newOrder, hs.headerOrder[:ind+1]...)
	newOrder = append(newOrder, header)
	newOrder = append(newOrder, hs.headerOrder[ind+1:]...)
	hs.headerOrder = newOrder
	hs.cacheHeader(header, false)
}

// PrependHeader adds headers to the front of the sequence; the first of
// them becomes the topmost and takes over the typed cache slots.
func (hs *headers) PrependHeader(headers ...Header) {
	offset := len(headers)
	newOrder := make([]Header, len(hs.headerOrder)+offset)
	for i := len(headers) - 1; i >= 0; i-- {
		newOrder[i] = headers[i]
		hs.cacheHeader(headers[i], true)
	}
	copy(newOrder[offset:], hs.headerOrder)
	hs.headerOrder = newOrder
}

// ReplaceHeader swaps the first header carrying the same name for header,
// appending instead when none exists.
func (hs *headers) ReplaceHeader(header Header) {
	nameLower := HeaderToLower(header.Name())
	for i, h := range hs.headerOrder {
		if HeaderToLower(h.Name()) == nameLower {
			hs.headerOrder[i] = header
			hs.recache(nameLower)
			return
		}
	}
	hs.AppendHeader(header)
}

// RemoveHeader drops the first (topmost) header carrying name and
// refreshes the typed cache for that kind.
func (hs *headers) RemoveHeader(name string) {
	for i, h := range hs.headerOrder {
		if h.Name() == name {
			hs.headerOrder = append(hs.headerOrder[:i], hs.headerOrder[i+1:]...)
			hs.recache(HeaderToLower(name))
			break
		}
	}
}

// Headers returns the ordered header sequence. The slice is the live
// backing store, not a copy.
func (hs *headers) Headers() []Header {
	return hs.headerOrder
}

// GetHeaders returns every header named name, case-insensitively, in wire
// order.
func (hs *headers) GetHeaders(name string) []Header {
	var out []Header
	nameLower := HeaderToLower(name)
	for _, h := range hs.headerOrder {
		if HeaderToLower(h.Name()) == nameLower {
			out = append(out, h)
		}
	}
	return out
}

// GetHeader returns the topmost header named name, or nil.
func (hs *headers) GetHeader(name string) Header {
	return hs.getHeader(HeaderToLower(name))
}

// getHeader is direct access; name must already be lowercase.
func (hs *headers) getHeader(nameLower string) Header {
	for _, h := range hs.headerOrder {
		if HeaderToLower(h.Name()) == nameLower {
			return h
		}
	}
	return nil
}

// CloneHeaders deep-copies the whole sequence.
func (hs *headers) CloneHeaders() []Header {
	out := make([]Header, 0, len(hs.headerOrder))
	for _, h := range hs.headerOrder {
		out = append(out, h.headerClone())
	}
	return out
}

func (hs *headers) CallID() *CallIDHeader               { return hs.callid }
func (hs *headers) Via() *ViaHeader                     { return hs.via }
func (hs *headers) From() *FromHeader                   { return hs.from }
func (hs *headers) To() *ToHeader                       { return hs.to }
func (hs *headers) CSeq() *CSeqHeader                   { return hs.cseq }
func (hs *headers) ContentLength() *ContentLengthHeader { return hs.contentLength }
func (hs *headers) ContentType() *ContentTypeHeader     { return hs.contentType }
func (hs *headers) Contact() *ContactHeader             { return hs.contact }
func (hs *headers) Route() *RouteHeader                 { return hs.route }
func (hs *headers) RecordRoute() *RecordRouteHeader     { return hs.recordRoute }
func (hs *headers) MaxForwards() *MaxForwardsHeader     { return hs.maxForwards }

// GenericHeader carries any header this stack has no typed form for. The
// value is kept byte-for-byte and round-trips untouched.
type GenericHeader struct {
	HeaderName string
	Contents   string
}

func (h *GenericHeader) Name() string  { return h.HeaderName }
func (h *GenericHeader) Value() string { return h.Contents }
func (h *GenericHeader) String() string {
	return headerString(h)
}

func (h *GenericHeader) StringWrite(w io.StringWriter) {
	writeHeader(w, h.Name())
	w.WriteString(h.Value())
}

func (h *GenericHeader) headerClone() Header {
	if h == nil {
		return (*GenericHeader)(nil)
	}
	c := *h
	return &c
}

// NewHeader wraps a raw name/value pair as a generic header, for names
// without a typed representation or callers that already hold the wire
// form (digest credentials, Supported lists, ...).
func NewHeader(name string, value string) Header {
	return &GenericHeader{HeaderName: name, Contents: value}
}

// ToHeader names the logical recipient (RFC 3261 §8.1.1.2). Its tag is
// one half of the dialog identity.
type ToHeader struct {
	DisplayName string
	Address     Uri
	Params      HeaderParams
}

func (h *ToHeader) Name() string { return "To" }

func (h *ToHeader) Value() string {
	var b strings.Builder
	writeNameAddr(&b, h.DisplayName, &h.Address, h.Params)
	return b.String()
}

func (h *ToHeader) String() string {
	return headerString(h)
}

func (h *ToHeader) StringWrite(w io.StringWriter) {
	writeHeader(w, h.Name())
	writeNameAddr(w, h.DisplayName, &h.Address, h.Params)
}

func (h *ToHeader) headerClone() Header {
	if h == nil {
		return (*ToHeader)(nil)
	}
	return &ToHeader{
		DisplayName: h.DisplayName,
		Address:     h.Address,
		Params:      h.Params.Clone(),
	}
}

// FromHeader names the request originator (RFC 3261 §8.1.1.3). Its tag is
// the other half of the dialog identity.
type FromHeader struct {
	DisplayName string
	Address     Uri
	Params      HeaderParams
}

func (h *FromHeader) Name() string { return "From" }

func (h *FromHeader) Value() string {
	var b strings.Builder
	writeNameAddr(&b, h.DisplayName, &h.Address, h.Params)
	return b.String()
}

func (h *FromHeader) String() string {
	return headerString(h)
}

func (h *FromHeader) StringWrite(w io.StringWriter) {
	writeHeader(w, h.Name())
	writeNameAddr(w, h.DisplayName, &h.Address, h.Params)
}

func (h *FromHeader) headerClone() Header {
	if h == nil {
		return (*FromHeader)(nil)
	}
	return &FromHeader{
		DisplayName: h.DisplayName,
		Address:     h.Address,
		Params:      h.Params.Clone(),
	}
}

// ContactHeader names where this UA can be reached directly
// (RFC 3261 §8.1.1.8). The wildcard form "*" only appears in
// un-REGISTER requests.
type ContactHeader struct {
	DisplayName string
	Address     Uri
	Params      HeaderParams
}

func (h *ContactHeader) Name() string { return "Contact" }

func (h *ContactHeader) Value() string {
	var b strings.Builder
	h.valueWrite(&b)
	return b.String()
}

func (h *ContactHeader) String() string {
	return headerString(h)
}

func (h *ContactHeader) StringWrite(w io.StringWriter) {
	writeHeader(w, h.Name())
	h.valueWrite(w)
}

func (h *ContactHeader) valueWrite(w io.StringWriter) {
	if h.Address.Wildcard {
		// The wildcard never wears angle brackets.
		w.WriteString("*")
		return
	}
	writeNameAddr(w, h.DisplayName, &h.Address, h.Params)
}

func (h *ContactHeader) headerClone() Header {
	return h.Clone()
}

func (h *ContactHeader) Clone() *ContactHeader {
	if h == nil {
		return nil
	}
	return &ContactHeader{
		DisplayName: h.DisplayName,
		Address:     *h.Address.Clone(),
		Params:      h.Params.Clone(),
	}
}

// CallIDHeader identifies the call (RFC 3261 §8.1.1.4); all three dialog
// identity components hang off it.
type CallIDHeader string

func (h *CallIDHeader) Name() string  { return "Call-ID" }
func (h *CallIDHeader) Value() string { return string(*h) }
func (h *CallIDHeader) String() string {
	return headerString(h)
}

func (h *CallIDHeader) StringWrite(w io.StringWriter) {
	writeHeader(w, h.Name())
	w.WriteString(h.Value())
}

func (h *CallIDHeader) headerClone() Header { return h }

// CSeqHeader orders requests within a dialog and names the method a
// response answers (RFC 3261 §8.1.1.5).
type CSeqHeader struct {
	SeqNo      uint32
	MethodName RequestMethod
}

func (h *CSeqHeader) Name() string { return "CSeq" }

func (h *CSeqHeader) Value() string {
	var b strings.Builder
	h.valueWrite(&b)
	return b.String()
}

func (h *CSeqHeader) String() string {
	return headerString(h)
}

func (h *CSeqHeader) StringWrite(w io.StringWriter) {
	writeHeader(w, h.Name())
	h.valueWrite(w)
}

func (h *CSeqHeader) valueWrite(w io.StringWriter) {
	w.WriteString(strconv.FormatUint(uint64(h.SeqNo), 10))
	w.WriteString(" ")
	w.WriteString(string(h.MethodName))
}

func (h *CSeqHeader) headerClone() Header {
	if h == nil {
		return (*CSeqHeader)(nil)
	}
	c := *h
	return &c
}

// MaxForwardsHeader bounds how many hops a request may take
// (RFC 3261 §8.1.1.6).
type MaxForwardsHeader uint32

func (h *MaxForwardsHeader) Name() string  { return "Max-Forwards" }
func (h *MaxForwardsHeader) Value() string { return strconv.Itoa(int(*h)) }
func (h *MaxForwardsHeader) String() string {
	return headerString(h)
}

func (h *MaxForwardsHeader) StringWrite(w io.StringWriter) {
	writeHeader(w, h.Name())
	w.WriteString(h.Value())
}

func (h *MaxForwardsHeader) headerClone() Header { return h }

// Dec consumes one hop (RFC 3261 §16.6 step 3).
func (h *MaxForwardsHeader) Dec() {
	if *h > 0 {
		*h--
	}
}

func (h *MaxForwardsHeader) Val() uint32 { return uint32(*h) }

// ExpiresHeader bounds the validity of what the message asks for,
// in seconds (RFC 3261 §20.19).
type ExpiresHeader uint32

func (h *ExpiresHeader) Name() string  { return "Expires" }
func (h ExpiresHeader) Value() string  { return strconv.Itoa(int(h)) }
func (h *ExpiresHeader) String() string {
	return headerString(h)
}

func (h *ExpiresHeader) StringWrite(w io.StringWriter) {
	writeHeader(w, h.Name())
	w.WriteString(h.Value())
}

func (h *ExpiresHeader) headerClone() Header { return h }

// ContentLengthHeader carries the body size in bytes; mandatory framing
// information on stream transports (RFC 3261 §20.14).
type ContentLengthHeader uint32

func (h *ContentLengthHeader) Name() string { return "Content-Length" }
func (h ContentLengthHeader) Value() string { return strconv.Itoa(int(h)) }
func (h ContentLengthHeader) String() string {
	var b strings.Builder
	h.StringWrite(&b)
	return b.String()
}

func (h ContentLengthHeader) StringWrite(w io.StringWriter) {
	writeHeader(w, h.Name())
	w.WriteString(h.Value())
}

func (h *ContentLengthHeader) headerClone() Header { return h }

// ContentTypeHeader names the body's media type (RFC 3261 §20.15).
type ContentTypeHeader string

func (h *ContentTypeHeader) Name() string { return "Content-Type" }
func (h ContentTypeHeader) Value() string { return string(h) }
func (h *ContentTypeHeader) String() string {
	return headerString(h)
}

func (h *ContentTypeHeader) StringWrite(w io.StringWriter) {
	writeHeader(w, h.Name())
	w.WriteString(h.Value())
}

func (h *ContentTypeHeader) headerClone() Header { return h }

// RouteHeader names the next proxy a request must visit; the ordered
// Route set drives in-dialog routing (RFC 3261 §20.34).
type RouteHeader struct {
	Address Uri
}

func (h *RouteHeader) Name() string { return "Route" }

func (h *RouteHeader) Value() string {
	var b strings.Builder
	h.valueWrite(&b)
	return b.String()
}

func (h *RouteHeader) String() string {
	return headerString(h)
}

func (h *RouteHeader) StringWrite(w io.StringWriter) {
	writeHeader(w, h.Name())
	h.valueWrite(w)
}

func (h *RouteHeader) valueWrite(w io.StringWriter) {
	w.WriteString("<")
	h.Address.StringWrite(w)
	w.WriteString(">")
}

func (h *RouteHeader) headerClone() Header {
	if h == nil {
		return (*RouteHeader)(nil)
	}
	return &RouteHeader{Address: *h.Address.Clone()}
}

// RecordRouteHeader is how a proxy asks to stay on the path of a dialog
// (RFC 3261 §20.30); dialogs fold these into their Route set.
type RecordRouteHeader struct {
	Address Uri
}

func (h *RecordRouteHeader) Name() string { return "Record-Route" }

func (h *RecordRouteHeader) Value() string {
	var b strings.Builder
	h.valueWrite(&b)
	return b.String()
}

func (h *RecordRouteHeader) String() string {
	return headerString(h)
}

func (h *RecordRouteHeader) StringWrite(w io.StringWriter) {
	writeHeader(w, h.Name())
	h.valueWrite(w)
}

func (h *RecordRouteHeader) valueWrite(w io.StringWriter) {
	w.WriteString("<")
	h.Address.StringWrite(w)
	w.WriteString(">")
}

func (h *RecordRouteHeader) headerClone() Header {
	if h == nil {
		return (*RecordRouteHeader)(nil)
	}
	return &RecordRouteHeader{Address: *h.Address.Clone()}
}

// ViaHeader records one hop a request took (RFC 3261 §20.42); its branch
// parameter is the transaction-matching key. A comma-joined Via line is
// split by the parser into one ViaHeader per hop.
type ViaHeader struct {
	// ProtocolName is "SIP", ProtocolVersion "2.0".
	ProtocolName    string
	ProtocolVersion string
	Transport       string
	Host            string
	// Port is zero when the sent-by carries no explicit port.
	Port   int
	Params HeaderParams
}

func (h *ViaHeader) Name() string { return "Via" }

func (h *ViaHeader) Value() string {
	var b strings.Builder
	h.valueWrite(&b)
	return b.String()
}

func (h *ViaHeader) String() string {
	return headerString(h)
}

func (h *ViaHeader) StringWrite(w io.StringWriter) {
	writeHeader(w, h.Name())
	h.valueWrite(w)
}

func (h *ViaHeader) valueWrite(w io.StringWriter) {
	w.WriteString(h.ProtocolName)
	w.WriteString("/")
	w.WriteString(h.ProtocolVersion)
	w.WriteString("/")
	w.WriteString(h.Transport)
	w.WriteString(" ")
	w.WriteString(h.Host)
	if h.Port > 0 {
		w.WriteString(":")
		w.WriteString(strconv.Itoa(h.Port))
	}
	if h.Params.Length() > 0 {
		w.WriteString(";")
		h.Params.ToStringWrite(';', w)
	}
}

func (h *ViaHeader) headerClone() Header {
	return h.Clone()
}

func (h *ViaHeader) Clone() *ViaHeader {
	if h == nil {
		return nil
	}
	c := *h
	c.Params = h.Params.Clone()
	return &c
}

// CopyHeaders clones every header named name from one message onto
// another, preserving order.
func CopyHeaders(name string, from, to Message) {
	for _, h := range from.GetHeaders(name) {
		to.AppendHeader(h.headerClone())
	}
}

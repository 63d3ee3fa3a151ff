package sip

import (
	"io"

	uuid "github.com/satori/go.uuid"
)

// MessageHandler consumes one parsed inbound message; transports call it
// for every datagram or framed stream segment they decode.
type MessageHandler func(msg Message)

type RequestMethod string

func (r RequestMethod) String() string { return string(r) }

// StatusCode is a response status code, 1xx through 6xx.
type StatusCode int

// The RFC 3261 §7.1 methods plus the extension methods this stack routes.
const (
	INVITE    RequestMethod = "INVITE"
	ACK       RequestMethod = "ACK"
	CANCEL    RequestMethod = "CANCEL"
	BYE       RequestMethod = "BYE"
	REGISTER  RequestMethod = "REGISTER"
	OPTIONS   RequestMethod = "OPTIONS"
	SUBSCRIBE RequestMethod = "SUBSCRIBE"
	NOTIFY    RequestMethod = "NOTIFY"
	REFER     RequestMethod = "REFER"
	INFO      RequestMethod = "INFO"
	MESSAGE   RequestMethod = "MESSAGE"
	PRACK     RequestMethod = "PRACK"
	UPDATE    RequestMethod = "UPDATE"
	PUBLISH   RequestMethod = "PUBLISH"
)

// MessageID tags a message for correlation in logs and handler chains.
type MessageID string

func NextMessageID() MessageID {
	return MessageID(uuid.Must(uuid.NewV4()).String())
}

// Message is the shared surface of Request and Response: the start line,
// the ordered header sequence with typed accessors, the body, and the
// transport routing fields the endpoint needs to answer.
type Message interface {
	StartLine() string
	StartLineWrite(io.StringWriter)
	// String renders the whole message in RFC 3261 wire form.
	String() string
	StringWrite(io.StringWriter)
	// Short is a one-line summary for logs.
	Short() string

	Headers() []Header
	GetHeaders(name string) []Header
	GetHeader(name string) Header
	PrependHeader(header ...Header)
	AppendHeader(header Header)
	AppendHeaderAfter(header Header, name string)
	RemoveHeader(name string)
	ReplaceHeader(header Header)

	// Typed accessors answer with the topmost header of each kind.
	CallID() *CallIDHeader
	Via() *ViaHeader
	From() *FromHeader
	To() *ToHeader
	CSeq() *CSeqHeader
	ContentLength() *ContentLengthHeader
	ContentType() *ContentTypeHeader
	Route() *RouteHeader
	RecordRoute() *RecordRouteHeader
	Contact() *ContactHeader
	MaxForwards() *MaxForwardsHeader

	Body() []byte
	SetBody(body []byte)

	Transport() string
	SetTransport(tp string)
	Source() string
	SetSource(src string)
	Destination() string
	SetDestination(dest string)
}

// MessageData is the concrete half both Request and Response embed:
// headers, body, and where the message came from / is going.
type MessageData struct {
	headers
	SipVersion string

	body []byte
	tp   string

	// src/dest drive response routing and connection lookup; they never
	// serialize.
	src  string
	dest string
}

func (msg *MessageData) Body() []byte {
	return msg.body
}

// SetBody installs body and keeps Content-Length in sync with its length.
func (msg *MessageData) SetBody(body []byte) {
	msg.body = body

	length := ContentLengthHeader(len(body))
	if existing := msg.ContentLength(); existing != nil {
		if *existing == length {
			return
		}
		msg.ReplaceHeader(&length)
		return
	}
	msg.AppendHeader(&length)
}

func (msg *MessageData) Transport() string     { return msg.tp }
func (msg *MessageData) SetTransport(tp string) { msg.tp = tp }

func (msg *MessageData) Source() string        { return msg.src }
func (msg *MessageData) SetSource(src string)  { msg.src = src }

func (msg *MessageData) Destination() string         { return msg.dest }
func (msg *MessageData) SetDestination(dest string)  { msg.dest = dest }

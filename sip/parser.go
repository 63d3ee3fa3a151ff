package sip

import (
	"bytes"
	"errors"
	"io"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// The whitespace characters recognised by the Augmented Backus-Naur Form syntax
// that SIP uses (RFC 3261 S.25).
const abnfWs = " \t"

// The maximum permissible CSeq number in a SIP message (2**31 - 1).
// C.f. RFC 3261 S. 8.1.1.5.
const maxCseq = 2147483647

var (
	ErrParseInvalidMessage = errors.New("invalid SIP message")

	// Stream parse errors
	ErrParseSipPartial         = errors.New("SIP partial data")
	ErrParseReadBodyIncomplete = errors.New("reading body incomplete")

	// ErrMessageTooLarge is returned by the stream parser when a single
	// message grows past Parser.MaxMessageLength. The stream stays usable:
	// the oversized message is consumed and the next ParseNext starts clean.
	ErrMessageTooLarge = errors.New("SIP message exceeds size limit")

	// errParseNoMoreHeaders marks the empty line closing the header section.
	errParseNoMoreHeaders = errors.New("no more headers")
)

// MissingRequiredHeaderError reports a message that parsed syntactically but
// lacks one of the headers every SIP message must carry (RFC 3261 §8.1.1):
// From, To, Call-ID, CSeq and at least one Via.
type MissingRequiredHeaderError struct {
	Name string
}

func (e *MissingRequiredHeaderError) Error() string {
	return "missing required header " + e.Name
}

var crlf = []byte("\r\n")

func ParseMessage(msgData []byte) (Message, error) {
	parser := NewParser()
	return parser.ParseSIP(msgData)
}

// Parser is implementation of SIPParser
// It is optimized with faster header parsing
type Parser struct {
	log zerolog.Logger
	// HeadersParsers uses default list of headers to be parsed. Smaller list parser will be faster
	headersParsers HeadersParser

	// MaxMessageLength bounds a single message on stream transports,
	// counted over start-line, headers and body together. Messages over
	// the limit fail with ErrMessageTooLarge. Datagram parsing is bounded
	// by the datagram itself and ignores this.
	MaxMessageLength int
}

// ParserOption are addition option for NewParser. Check WithParser...
type ParserOption func(p *Parser)

// Create a new Parser.
func NewParser(options ...ParserOption) *Parser {
	p := &Parser{
		log:              log.Logger,
		headersParsers:   headersParsers,
		MaxMessageLength: 65535,
	}

	for _, o := range options {
		o(p)
	}

	return p
}

// WithParserLogger allows customizing parser logger
func WithParserLogger(logger zerolog.Logger) ParserOption {
	return func(p *Parser) {
		p.log = logger
	}
}

// WithHeadersParsers allows customizing parser headers parsers
// Consider performance when adding custom parser.
// Add only if it will appear in almost every message
//
// Check DefaultHeadersParser as starting point
func WithHeadersParsers(m map[string]HeaderParser) ParserOption {
	return func(p *Parser) {
		p.headersParsers = m
	}
}

// ParseSIP converts data to sip message. Buffer must contain full sip message.
//
// Every parse fault rejects the whole message: no partial message is ever
// returned. Start-line faults carry the scanner position as a *ParseError;
// a message missing a mandatory header fails with
// *MissingRequiredHeaderError.
func (p *Parser) ParseSIP(data []byte) (msg Message, err error) {
	msg, n, err := p.parseStartLine(data, true)
	if err != nil {
		if err == io.ErrUnexpectedEOF {
			// Datagram ended before the start line did.
			return nil, io.EOF
		}
		return nil, err
	}

	rest := data[n:]
	for {
		var hdrs []Header
		hdrs, n, err = p.parseNextHeader(nil, rest)
		rest = rest[n:]
		for _, h := range hdrs {
			msg.AppendHeader(h)
		}
		if err == errParseNoMoreHeaders {
			break
		}
		if err == io.ErrUnexpectedEOF {
			// RFC 3261 §7: the empty line terminating the header section
			// must be present even when there is no body.
			return nil, ErrParseInvalidMessage
		}
		if err != nil {
			return nil, err
		}
	}

	if err := validateMandatoryHeaders(msg); err != nil {
		return nil, err
	}

	// Body is the remainder of the datagram. Content-Length is carried on
	// the message but not enforced here (RFC 3261 §18.3 applies on stream
	// transports, handled by ParserStream).
	if len(rest) > 0 {
		body := make([]byte, len(rest))
		copy(body, rest)
		msg.SetBody(body)
	}
	return msg, nil
}

// validateMandatoryHeaders checks RFC 3261 §8.1.1 presence: From, To,
// Call-ID, CSeq and at least one Via.
func validateMandatoryHeaders(msg Message) error {
	if msg.Via() == nil {
		return &MissingRequiredHeaderError{Name: "Via"}
	}
	if msg.From() == nil {
		return &MissingRequiredHeaderError{Name: "From"}
	}
	if msg.To() == nil {
		return &MissingRequiredHeaderError{Name: "To"}
	}
	if msg.CallID() == nil {
		return &MissingRequiredHeaderError{Name: "Call-ID"}
	}
	if msg.CSeq() == nil {
		return &MissingRequiredHeaderError{Name: "CSeq"}
	}
	return nil
}

// NewSIPStream implements SIP parsing contructor for stream
// should be called per single stream
func (p *Parser) NewSIPStream() *ParserStream {
	return &ParserStream{
		p: p,
	}
}

// parseStartLine scans one start line off data, returning the parsed
// message shell and the number of bytes consumed, leading CRLFs included
// (peers may separate messages with keep-alive CRLFs, RFC 5626). When the
// buffer holds no complete CRLF-terminated line yet it returns
// io.ErrUnexpectedEOF with only the leading CRLF bytes consumed, so a
// stream caller can retry once more data arrives.
func (p *Parser) parseStartLine(data []byte, requireCRLF bool) (Message, int, error) {
	sc := NewScanner(data)
	for {
		b, ok := sc.Peek()
		if !ok || (b != '\r' && b != '\n') {
			break
		}
		sc.Advance()
	}
	skipped := sc.Pos()

	end := bytes.Index(data[skipped:], crlf)
	if end == -1 {
		if requireCRLF {
			return nil, skipped, io.ErrUnexpectedEOF
		}
		end = len(data) - skipped
	}
	lineEnd := skipped + end
	consumed := lineEnd + len(crlf)
	if consumed > len(data) {
		consumed = len(data)
	}

	// RFC 3261 §7.1 discrimination: a status line starts with the SIP
	// version, a request line starts with the method.
	if sc.StartsWith("SIP/") {
		msg, err := p.parseStatusLine(sc, lineEnd)
		return msg, consumed, err
	}
	msg, err := p.parseRequestLine(sc, lineEnd)
	return msg, consumed, err
}

// readTo advances sc up to byte b or lineEnd, whichever comes first,
// returning the consumed slice.
func readTo(sc *Scanner, b byte, lineEnd int) []byte {
	start := sc.Pos()
	for sc.Pos() < lineEnd {
		if c, _ := sc.Peek(); c == b {
			break
		}
		sc.Advance()
	}
	return sc.src[start:sc.Pos()]
}

// parseRequestLine parses `Method SP Request-URI SP SIP-Version` between
// the scanner position and lineEnd.
func (p *Parser) parseRequestLine(sc *Scanner, lineEnd int) (*Request, error) {
	method := sc.ReadToken()
	if len(method) == 0 || sc.Pos() > lineEnd {
		return nil, sc.errAt(ErrTag)
	}
	if err := sc.MustRead(' '); err != nil {
		return nil, err
	}

	uriLine, uriCol := sc.line, sc.col
	rawURI := readTo(sc, ' ', lineEnd)
	var recipient Uri
	if err := ParseUri(string(rawURI), &recipient); err != nil {
		return nil, &ParseError{Kind: ErrUri, Line: uriLine, Col: uriCol}
	}
	if recipient.Wildcard {
		// RFC 3261 §10.3: `*` is only meaningful inside Contact.
		return nil, &ParseError{Kind: ErrUri, Line: uriLine, Col: uriCol}
	}

	if err := sc.MustRead(' '); err != nil {
		return nil, err
	}
	version := string(sc.src[sc.Pos():lineEnd])
	if !isSIPVersion(version) {
		return nil, sc.errAt(ErrVersion)
	}

	m := NewRequest(RequestMethod(bytes.ToUpper(method)), recipient)
	m.SipVersion = version
	return m, nil
}

// parseStatusLine parses `SIP-Version SP Status-Code SP Reason-Phrase`.
// The reason phrase is free-form up to the line end and may be empty.
func (p *Parser) parseStatusLine(sc *Scanner, lineEnd int) (*Response, error) {
	version := string(readTo(sc, ' ', lineEnd))
	if !isSIPVersion(version) {
		return nil, sc.errAt(ErrVersion)
	}
	if err := sc.MustRead(' '); err != nil {
		return nil, err
	}

	code, err := sc.ReadU16()
	if err != nil || code < 100 || code > 699 {
		return nil, sc.errAt(ErrStatusCode)
	}

	var reason string
	if b, ok := sc.Peek(); ok && b == ' ' && sc.Pos() < lineEnd {
		sc.Advance()
		reason = string(sc.src[sc.Pos():lineEnd])
	} else if sc.Pos() != lineEnd {
		// Trailing junk glued to the status code.
		return nil, sc.errAt(ErrStatusCode)
	}

	m := NewResponse(StatusCode(code), reason)
	m.SipVersion = version
	return m, nil
}

// isSIPVersion matches `SIP/<digit+>.<digit+>` exactly, nothing trailing.
func isSIPVersion(s string) bool {
	if len(s) < len("SIP/2.0") || s[:4] != "SIP/" {
		return false
	}
	dot := false
	for i := 4; i < len(s); i++ {
		switch {
		case s[i] >= '0' && s[i] <= '9':
		case s[i] == '.' && !dot && i > 4 && i < len(s)-1:
			dot = true
		default:
			return false
		}
	}
	return dot
}

// parseNextHeader consumes one header line off data and appends the parsed
// header(s) to dst - one per element for comma-separated headers. It
// returns the bytes consumed, errParseNoMoreHeaders on the blank line
// ending the header section, and io.ErrUnexpectedEOF when data holds no
// complete line yet.
func (p *Parser) parseNextHeader(dst []Header, data []byte) ([]Header, int, error) {
	end := bytes.Index(data, crlf)
	if end == -1 {
		return dst, 0, io.ErrUnexpectedEOF
	}
	consumed := end + len(crlf)
	if end == 0 {
		return dst, consumed, errParseNoMoreHeaders
	}
	dst, err := p.headersParsers.ParseHeader(dst, data[:end])
	return dst, consumed, err
}

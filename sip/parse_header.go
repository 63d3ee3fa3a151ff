package sip

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
)

// HeaderParser turns one raw header value into a typed Header. headerName
// arrives lowercased; headerData is the value with surrounding whitespace
// trimmed.
type HeaderParser func(headerName []byte, headerData string) (Header, error)

// HeadersParser maps lowercase header names (canonical and compact) to
// their sub-parser. Names without an entry fall back to GenericHeader.
type HeadersParser map[string]HeaderParser

// errComaDetected escapes out of a sub-parser when it hits the comma
// separating list elements; the value is the comma's offset, so the
// dispatcher can split and parse the remainder as another header.
type errComaDetected int

func (e errComaDetected) Error() string {
	return "comma detected"
}

// headersParsers is the default parser table. Deliberately small: only
// headers the stack itself routes on get typed parsing; everything else
// stays generic and round-trips untouched. Compact forms per RFC 3261
// §7.3.3.
var headersParsers = HeadersParser{
	"via":                 headerParserVia,
	"v":                   headerParserVia,
	"from":                headerParserFrom,
	"f":                   headerParserFrom,
	"to":                  headerParserTo,
	"t":                   headerParserTo,
	"call-id":             headerParserCallId,
	"i":                   headerParserCallId,
	"cseq":                headerParserCSeq,
	"contact":             headerParserContact,
	"m":                   headerParserContact,
	"content-type":        headerParserContentType,
	"c":                   headerParserContentType,
	"content-length":      headerParserContentLength,
	"l":                   headerParserContentLength,
	"max-forwards":        headerParserMaxForwards,
	"route":               headerParserRoute,
	"record-route":        headerParserRecordRoute,
	"expires":             headerParserExpires,
	"authorization":       headerParserAuthorization,
	"www-authenticate":    headerParserWWWAuthenticate,
	"proxy-authenticate":  headerParserProxyAuthenticate,
	"proxy-authorization": headerParserProxyAuthorization,
}

// DefaultHeadersParser exposes the default table so callers can extend a
// copy via WithHeadersParsers.
func DefaultHeadersParser() map[string]HeaderParser {
	return headersParsers
}

// parseMsgHeader parses one header line and appends every resulting header
// onto msg - one per element for comma-separated values.
func (parsers HeadersParser) parseMsgHeader(msg Message, line string) error {
	hdrs, err := parsers.ParseHeader(nil, []byte(line))
	for _, h := range hdrs {
		msg.AppendHeader(h)
	}
	return err
}

// ParseHeader parses one raw header line, appending the typed result(s) to
// out. Comma-separated values of list headers produce one Header each.
func (parsers HeadersParser) ParseHeader(out []Header, line []byte) ([]Header, error) {
	colon := bytes.IndexByte(line, ':')
	if colon == -1 {
		return out, fmt.Errorf("field name with no value in header: %q", line)
	}

	name := headerToLower(bytes.TrimSpace(line[:colon]))
	value := bytes.TrimSpace(line[colon+1:])

	parser, ok := parsers[string(name)]
	if !ok {
		// Unknown header: keep name and value byte-for-byte.
		return append(out, NewHeader(string(bytes.TrimSpace(line[:colon])), string(value))), nil
	}

	rest := string(value)
	for {
		h, err := parser(name, rest)
		if err == nil {
			return append(out, h), nil
		}
		coma, ok := err.(errComaDetected)
		if !ok {
			return out, err
		}
		// One list element parsed; continue after the comma.
		out = append(out, h)
		rest = rest[int(coma)+1:]
	}
}

func headerParserCallId(_ []byte, headerText string) (Header, error) {
	headerText = strings.TrimSpace(headerText)
	if headerText == "" {
		return nil, fmt.Errorf("empty Call-ID body")
	}
	callId := CallIDHeader(headerText)
	return &callId, nil
}

func headerParserCSeq(_ []byte, headerText string) (Header, error) {
	var cseq CSeqHeader
	return &cseq, parseCSeqHeader(headerText, &cseq)
}

// parseCSeqHeader splits `SeqNo SP Method` (RFC 3261 §8.1.1.5), bounding
// the number at 2**31-1.
func parseCSeqHeader(headerText string, cseq *CSeqHeader) error {
	sp := strings.IndexAny(headerText, abnfWs)
	if sp < 1 || len(headerText)-sp < 2 {
		return fmt.Errorf("CSeq field should have precisely one whitespace section: '%s'", headerText)
	}

	seqno, err := strconv.ParseUint(headerText[:sp], 10, 32)
	if err != nil {
		return err
	}
	if seqno > maxCseq {
		return fmt.Errorf("invalid CSeq %d: exceeds maximum permitted value 2**31 - 1", seqno)
	}

	cseq.SeqNo = uint32(seqno)
	cseq.MethodName = RequestMethod(strings.TrimLeft(headerText[sp+1:], abnfWs))
	return nil
}

func headerParserMaxForwards(_ []byte, headerText string) (Header, error) {
	val, err := strconv.ParseUint(strings.TrimSpace(headerText), 10, 32)
	maxFwd := MaxForwardsHeader(val)
	return &maxFwd, err
}

func headerParserExpires(_ []byte, headerText string) (Header, error) {
	val, err := strconv.ParseUint(strings.TrimSpace(headerText), 10, 32)
	expires := ExpiresHeader(val)
	return &expires, err
}

func headerParserContentLength(_ []byte, headerText string) (Header, error) {
	val, err := strconv.ParseUint(strings.TrimSpace(headerText), 10, 32)
	length := ContentLengthHeader(val)
	return &length, err
}

func headerParserContentType(_ []byte, headerText string) (Header, error) {
	headerText = strings.TrimSpace(headerText)
	if headerText == "" {
		return nil, fmt.Errorf("empty Content-Type body")
	}
	ct := ContentTypeHeader(headerText)
	return &ct, nil
}

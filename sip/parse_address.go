package sip

import (
	"errors"
	"fmt"
	"strings"
)

// ParseAddressValue parses the RFC 3261 §20.10 address form shared by
// From/To/Contact/Route: optional display name (quoted or token run), an
// addr-spec with or without angle brackets, then ;header-params. The
// returned display name is unquoted; URI and params land in the out
// arguments (headerParams may be nil when the caller only wants the URI).
func ParseAddressValue(addressText string, uri *Uri, headerParams *HeaderParams) (displayName string, err error) {
	var (
		openQuote, closeQuote = -1, -1
		uriStart, uriEnd      = 0, -1
		semi, eq              = -1, -1
		paramKey              string
		inBrackets            bool
		inQuotedValue         bool
	)

	addParam := func(key, val string) {
		if headerParams != nil {
			headerParams.Add(key, val)
		}
	}

	for i, c := range addressText {
		if inQuotedValue {
			if c == '"' {
				inQuotedValue = false
			}
			continue
		}

		switch c {
		case '"':
			if eq > 0 {
				// Quote opens a param VALUE, not a display name.
				inQuotedValue = true
				continue
			}
			if openQuote < 0 {
				openQuote = i
			} else {
				closeQuote = i
			}

		case '<':
			if uriStart > 0 {
				// Inside params already; not a bracket that concerns us.
				continue
			}
			// Everything before the bracket is the display name, quoted
			// or bare (RFC 4475 tolerates no LWS before '<').
			if closeQuote > 0 {
				displayName = addressText[openQuote+1 : closeQuote]
				openQuote, closeQuote = -1, -1
			} else {
				displayName = strings.TrimSpace(addressText[:i])
			}
			uriStart = i + 1
			inBrackets = true

		case '>':
			uriEnd = i
			semi, eq = -1, -1
			inBrackets = false

		case ';':
			if inBrackets {
				// URI params; ParseUri owns those.
				semi = i
				continue
			}
			if uriEnd < 0 {
				// Bracketless addr-spec ends at the first semicolon.
				uriEnd = i
				semi = i
				continue
			}
			if eq > 0 {
				addParam(paramKey, addressText[eq+1:i])
			} else if semi > 0 {
				// Bare key, e.g. ;+sip.instance
				addParam(addressText[semi+1:i], "")
			}
			paramKey = ""
			eq = 0
			semi = i

		case '=':
			paramKey = addressText[semi+1 : i]
			eq = i

		case '*':
			if openQuote > 0 || uriStart > 0 {
				continue
			}
			// Wildcard Contact (RFC 3261 §10.2.2).
			*uri = Uri{Host: "*", Wildcard: true}
			return displayName, nil
		}
	}

	if uriEnd < 0 {
		uriEnd = len(addressText)
	}
	if uriStart > uriEnd {
		return "", errors.New("malformed URI in address")
	}

	if err = ParseUri(addressText[uriStart:uriEnd], uri); err != nil {
		return displayName, err
	}

	// Flush a trailing key=value param.
	if eq > 0 {
		addParam(paramKey, addressText[eq+1:])
	}
	return displayName, nil
}

// splitListElement finds where the current address element ends: the first
// top-level comma (for comma-joined Contact/Route lists) or the end of the
// text. Commas inside quotes or angle brackets don't count.
func splitListElement(headerText string) (end int, hasComma bool) {
	inBrackets, inQuotes := false, false
	for i, c := range headerText {
		switch {
		case c == '"':
			inQuotes = !inQuotes
		case c == '<' && !inQuotes:
			inBrackets = true
		case c == '>' && !inQuotes:
			inBrackets = false
		case c == ',' && !inQuotes && !inBrackets:
			return i, true
		}
	}
	return len(headerText), false
}

func headerParserTo(headerName []byte, headerText string) (header Header, err error) {
	h := &ToHeader{Params: NewParams()}
	h.DisplayName, err = ParseAddressValue(headerText, &h.Address, &h.Params)
	if err != nil {
		return h, err
	}
	if h.Address.Wildcard {
		// Only Contact may carry the wildcard.
		return h, fmt.Errorf("wildcard uri not permitted in To header: %s", headerText)
	}
	return h, nil
}

func headerParserFrom(headerName []byte, headerText string) (header Header, err error) {
	h := &FromHeader{Params: NewParams()}
	h.DisplayName, err = ParseAddressValue(headerText, &h.Address, &h.Params)
	if err != nil {
		return h, err
	}
	if h.Address.Wildcard {
		return h, fmt.Errorf("wildcard uri not permitted in From header: %s", headerText)
	}
	return h, nil
}

func headerParserContact(headerName []byte, headerText string) (header Header, err error) {
	h := &ContactHeader{Params: NewParams()}

	end, hasComma := splitListElement(headerText)
	h.DisplayName, err = ParseAddressValue(headerText[:end], &h.Address, &h.Params)
	if err != nil {
		return h, err
	}
	if hasComma {
		return h, errComaDetected(end)
	}
	return h, nil
}

func headerParserRoute(headerName []byte, headerText string) (header Header, err error) {
	h := &RouteHeader{}
	return h, parseRouteValue(headerText, &h.Address)
}

func headerParserRecordRoute(headerName []byte, headerText string) (header Header, err error) {
	h := &RecordRouteHeader{}
	return h, parseRouteValue(headerText, &h.Address)
}

// parseRouteValue parses one Route/Record-Route element into address,
// escaping with errComaDetected when a comma-joined list continues.
func parseRouteValue(headerText string, address *Uri) error {
	end, hasComma := splitListElement(headerText)
	if _, err := ParseAddressValue(headerText[:end], address, nil); err != nil {
		return err
	}
	if hasComma {
		return errComaDetected(end)
	}
	return nil
}

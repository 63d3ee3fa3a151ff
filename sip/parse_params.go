package sip

import (
	"strings"
	"unicode"
)

// paramScanState is the byte-at-a-time scanner state for UnmarshalHeaderParams:
// it walks a `key=value<sep>key2=value2` run once, handling bare keys,
// empty values, and double-quoted values that may embed the separator.
type paramScanState int

const (
	scanKey paramScanState = iota
	scanValue
	scanQuotedValue
	scanAfterQuote
)

// UnmarshalHeaderParams scans s up to the first ending rune (exclusive),
// splitting on seperator and '=' and appending each key/value pair to p. It
// returns the number of bytes of s consumed.
func UnmarshalHeaderParams(s string, seperator rune, ending rune, p *HeaderParams) (n int, err error) {
	s = strings.TrimLeftFunc(s, unicode.IsSpace)
	n = len(s)

	start, eq, quote := 0, -1, -1
	state := scanKey

	flush := func(end int) {
		if start >= end {
			return
		}
		if eq >= 0 {
			p.Add(strings.TrimSpace(s[start:eq]), strings.TrimSpace(s[eq+1:end]))
		} else {
			p.Add(strings.TrimSpace(s[start:end]), "")
		}
	}

	for i, c := range s {
		if c == ending && state != scanQuotedValue {
			n = i
			break
		}

		switch state {
		case scanKey:
			switch c {
			case seperator:
				flush(i) // bare key, no '=value'
				start, eq = i+1, -1
			case '=':
				eq = i
				state = scanValue
			}

		case scanValue:
			switch c {
			case '"':
				quote = i
				state = scanQuotedValue
			case seperator:
				flush(i)
				start, eq = i+1, -1
				state = scanKey
			}

		case scanQuotedValue:
			if c == '"' {
				p.Add(strings.TrimSpace(s[start:eq]), s[quote+1:i])
				state = scanAfterQuote
			}

		case scanAfterQuote:
			if c == seperator {
				start, eq = i+1, -1
				state = scanKey
			}
		}
	}

	if state == scanKey || state == scanValue {
		flush(n)
	}

	return n, nil
}

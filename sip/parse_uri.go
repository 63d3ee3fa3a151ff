package sip

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"unicode"
)

// uriPhase is one step of the URI grammar walk; each consumes a prefix of
// the remaining input and names its successor. A nil successor ends the
// parse.
type uriPhase func(uri *Uri, s string) (uriPhase, string, error)

// ParseUri parses an RFC 3261 §19.1.1 URI into uri:
//
//	sip:user:password@host:port;uri-parameters?headers
//
// plus the tel: form and the wildcard "*".
func ParseUri(uriStr string, uri *Uri) (err error) {
	if uriStr == "" {
		return errors.New("empty URI")
	}

	phase := uriPhaseStart
	rest := uriStr
	for phase != nil {
		if phase, rest, err = phase(uri, rest); err != nil {
			return err
		}
	}
	return nil
}

func uriPhaseStart(uri *Uri, s string) (uriPhase, string, error) {
	if s == "*" {
		// Wildcard Contact; modeled on the host field.
		uri.Host = "*"
		uri.Wildcard = true
		return nil, "", nil
	}
	return uriPhaseScheme(uri, s)
}

func uriPhaseScheme(uri *Uri, s string) (uriPhase, string, error) {
	colon := strings.IndexByte(s, ':')
	if colon == -1 {
		return nil, "", fmt.Errorf("missing protocol scheme")
	}

	uri.Scheme = strings.ToLower(s[:colon])
	s = s[colon+1:]

	if err := validateScheme(uri.Scheme); err != nil {
		return nil, "", err
	}

	switch uri.Scheme {
	case "sip", "sips":
	case "tel":
		return uriPhaseTel, s, nil
	default:
		return nil, "", fmt.Errorf("unsupported URI scheme %q", uri.Scheme)
	}

	if strings.HasPrefix(s, "//") {
		// Not RFC 3261 grammar, but some peers send sip://; remember it
		// so serialization round-trips.
		uri.HierarhicalSlashes = true
		s = s[2:]
	}
	uri.Encrypted = uri.Scheme == "sips"

	return uriPhaseUser, s, nil
}

// validateScheme enforces `ALPHA *( ALPHA / DIGIT / "+" / "-" / "." )` so
// a port or password colon never masquerades as a scheme separator.
func validateScheme(scheme string) error {
	if scheme == "" {
		return errors.New("no scheme found")
	}
	for _, c := range scheme {
		if !unicode.IsLetter(c) && !unicode.IsDigit(c) && c != '+' && c != '-' && c != '.' {
			return fmt.Errorf("invalid scheme: %q is not allowed", c)
		}
	}
	return nil
}

// uriPhaseUser splits the optional userinfo off the front: everything up
// to a literal '@', with a ':' inside separating user from password.
func uriPhaseUser(uri *Uri, s string) (uriPhase, string, error) {
	passSep := 0
	for i, c := range s {
		switch c {
		case ':':
			passSep = i
		case '@':
			if passSep > 0 {
				uri.User = s[:passSep]
				uri.Password = s[passSep+1 : i]
			} else {
				uri.User = s[:i]
			}
			return uriPhaseHost, s[i+1:], nil
		}
	}
	// No '@': the whole thing starts with the host.
	return uriPhaseHost, s, nil
}

// uriPhaseHost reads the host, bracket-aware so an IPv6 reference's colons
// don't read as a port separator.
func uriPhaseHost(uri *Uri, s string) (uriPhase, string, error) {
	if strings.HasPrefix(s, "[") {
		end := strings.IndexByte(s, ']')
		if end < 0 {
			return nil, s, errors.New("unterminated IPv6 reference in URI host")
		}
		if net.ParseIP(s[1:end]) == nil {
			return nil, s, fmt.Errorf("invalid IPv6 address %q in URI host", s[1:end])
		}
		uri.Host = s[:end+1]

		rest := s[end+1:]
		if rest == "" {
			return uriPhaseParams, "", nil
		}
		switch rest[0] {
		case ':':
			return uriPhasePort, rest[1:], nil
		case ';':
			return uriPhaseParams, rest[1:], nil
		case '?':
			return uriPhaseHeaders, rest[1:], nil
		}
		return nil, s, fmt.Errorf("unexpected character %q after URI host", rest[0])
	}

	for i, c := range s {
		switch c {
		case ':':
			uri.Host = s[:i]
			return uriPhasePort, s[i+1:], nil
		case ';':
			uri.Host = s[:i]
			return uriPhaseParams, s[i+1:], nil
		case '?':
			uri.Host = s[:i]
			return uriPhaseHeaders, s[i+1:], nil
		}
	}

	uri.Host = s
	uri.Wildcard = s == "*"
	return uriPhaseParams, "", nil
}

func uriPhasePort(uri *Uri, s string) (uriPhase, string, error) {
	for i, c := range s {
		switch c {
		case ';':
			port, err := strconv.Atoi(s[:i])
			uri.Port = port
			return uriPhaseParams, s[i+1:], err
		case '?':
			port, err := strconv.Atoi(s[:i])
			uri.Port = port
			return uriPhaseHeaders, s[i+1:], err
		}
	}

	port, err := strconv.Atoi(s)
	uri.Port = port
	return nil, "", err
}

func uriPhaseParams(uri *Uri, s string) (uriPhase, string, error) {
	uri.UriParams = NewParams()
	if uri.Headers == nil {
		uri.Headers = NewParams()
	}
	if s == "" {
		return nil, "", nil
	}

	n, err := UnmarshalHeaderParams(s, ';', '?', &uri.UriParams)
	if err != nil {
		return nil, s, err
	}
	if n < len(s) && s[n] == '?' {
		return uriPhaseHeaders, s[n+1:], nil
	}
	return nil, "", nil
}

func uriPhaseHeaders(uri *Uri, s string) (uriPhase, string, error) {
	uri.Headers = NewParams()
	if uri.UriParams == nil {
		uri.UriParams = NewParams()
	}
	_, err := UnmarshalHeaderParams(s, '&', 0, &uri.Headers)
	return nil, "", err
}

// uriPhaseTel reads a tel: subscriber number with its parameters
// (RFC 3966), stored on the user field.
func uriPhaseTel(uri *Uri, s string) (uriPhase, string, error) {
	if semi := strings.IndexByte(s, ';'); semi >= 0 {
		uri.User = s[:semi]
		return uriPhaseParams, s[semi+1:], nil
	}
	uri.User = s
	return uriPhaseParams, "", nil
}

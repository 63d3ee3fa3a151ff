package sip

import (
	"io"
	"strings"

	"github.com/icholy/digest"
)

// authValue is shared by the four RFC 3261 authentication headers
// (Authorization/WWW-Authenticate/Proxy-Authenticate/Proxy-Authorization):
// a scheme token followed by comma-separated auth-params. Named accessors
// read straight off the generic params bag so a caller never has to special
// case a scheme this module doesn't otherwise know about.
type authValue struct {
	// Scheme is the auth-scheme token, e.g. "Digest".
	Scheme string
	Params HeaderParams
}

func (h *authValue) Realm() string     { return h.Params.GetOr("realm", "") }
func (h *authValue) Nonce() string     { return h.Params.GetOr("nonce", "") }
func (h *authValue) Opaque() string    { return h.Params.GetOr("opaque", "") }
func (h *authValue) Algorithm() string { return h.Params.GetOr("algorithm", "") }
func (h *authValue) Qop() string       { return h.Params.GetOr("qop", "") }
func (h *authValue) Username() string  { return h.Params.GetOr("username", "") }
func (h *authValue) Uri() string       { return h.Params.GetOr("uri", "") }
func (h *authValue) Response() string  { return h.Params.GetOr("response", "") }
func (h *authValue) CNonce() string    { return h.Params.GetOr("cnonce", "") }
func (h *authValue) NonceCount() string {
	return h.Params.GetOr("nc", "")
}
func (h *authValue) Stale() bool {
	return strings.EqualFold(h.Params.GetOr("stale", ""), "true")
}

// authTokenParams are written as bare tokens; every other auth-param is a
// quoted-string regardless of content, per RFC 2617 §3.2.1.
var authTokenParams = map[string]bool{
	"algorithm": true,
	"qop":       true,
	"nc":        true,
	"stale":     true,
}

func (h *authValue) valueStringWrite(buffer io.StringWriter) {
	buffer.WriteString(h.Scheme)
	if h.Params.Length() == 0 {
		return
	}
	buffer.WriteString(" ")
	for i, kv := range h.Params {
		if i > 0 {
			buffer.WriteString(", ")
		}
		buffer.WriteString(kv.K)
		buffer.WriteString("=")
		if authTokenParams[strings.ToLower(kv.K)] {
			buffer.WriteString(kv.V)
		} else {
			buffer.WriteString("\"")
			buffer.WriteString(kv.V)
			buffer.WriteString("\"")
		}
	}
}

func (h *authValue) value() string {
	var b strings.Builder
	h.valueStringWrite(&b)
	return b.String()
}

// parseAuthValue splits "<scheme> <auth-param>, <auth-param>, ..." into a
// scheme and a parsed HeaderParams bag. auth-params use quoted-string values
// for most fields (realm, nonce, opaque, ...) but bare tokens for others
// (algorithm, qop, nc, stale), so this parses the comma list itself rather
// than reusing the ';'-oriented UnmarshalHeaderParams.
func parseAuthValue(headerText string, out *authValue) error {
	headerText = strings.TrimSpace(headerText)
	sp := strings.IndexAny(headerText, abnfWs)
	if sp < 0 {
		out.Scheme = headerText
		out.Params = NewParams()
		return nil
	}

	out.Scheme = headerText[:sp]
	out.Params = NewParams()
	rest := strings.TrimLeft(headerText[sp+1:], " \t")
	return parseAuthParams(rest, &out.Params)
}

// parseAuthParams parses a comma-separated auth-param list, honoring quoted
// values so a comma inside a quoted realm/nonce/etc. doesn't split the list.
func parseAuthParams(s string, params *HeaderParams) error {
	var key string
	var val strings.Builder
	inQuotes := false
	inKey := true

	flush := func() {
		if key == "" {
			return
		}
		params.Add(key, val.String())
		key = ""
		val.Reset()
	}

	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case inKey:
			switch c {
			case '=':
				inKey = false
			case ',':
				key = strings.TrimSpace(key)
				flush()
			default:
				key += string(c)
			}
		case c == '"' && !inQuotes && val.Len() == 0:
			inQuotes = true
		case c == '"' && inQuotes:
			inQuotes = false
		case c == ',' && !inQuotes:
			key = strings.TrimSpace(key)
			flush()
			inKey = true
		default:
			val.WriteByte(c)
		}
	}
	key = strings.TrimSpace(key)
	flush()
	return nil
}

// AuthorizationHeader carries UAC-supplied credentials for a challenged
// request (RFC 3261 §20.7).
type AuthorizationHeader struct{ authValue }

func (h *AuthorizationHeader) Name() string { return "Authorization" }
func (h *AuthorizationHeader) Value() string { return h.value() }
func (h *AuthorizationHeader) String() string {
	var b strings.Builder
	h.StringWrite(&b)
	return b.String()
}
func (h *AuthorizationHeader) StringWrite(buffer io.StringWriter) {
	buffer.WriteString(h.Name())
	buffer.WriteString(": ")
	h.valueStringWrite(buffer)
}
func (h *AuthorizationHeader) headerClone() Header {
	return &AuthorizationHeader{authValue{Scheme: h.Scheme, Params: h.Params.Clone()}}
}

// WWWAuthenticateHeader is the UAS's challenge to an unauthenticated
// request (RFC 3261 §20.44).
type WWWAuthenticateHeader struct{ authValue }

func (h *WWWAuthenticateHeader) Name() string  { return "WWW-Authenticate" }
func (h *WWWAuthenticateHeader) Value() string { return h.value() }
func (h *WWWAuthenticateHeader) String() string {
	var b strings.Builder
	h.StringWrite(&b)
	return b.String()
}
func (h *WWWAuthenticateHeader) StringWrite(buffer io.StringWriter) {
	buffer.WriteString(h.Name())
	buffer.WriteString(": ")
	h.valueStringWrite(buffer)
}
func (h *WWWAuthenticateHeader) headerClone() Header {
	return &WWWAuthenticateHeader{authValue{Scheme: h.Scheme, Params: h.Params.Clone()}}
}

// ProxyAuthenticateHeader is a proxy's challenge to an unauthenticated
// request (RFC 3261 §20.27).
type ProxyAuthenticateHeader struct{ authValue }

func (h *ProxyAuthenticateHeader) Name() string  { return "Proxy-Authenticate" }
func (h *ProxyAuthenticateHeader) Value() string { return h.value() }
func (h *ProxyAuthenticateHeader) String() string {
	var b strings.Builder
	h.StringWrite(&b)
	return b.String()
}
func (h *ProxyAuthenticateHeader) StringWrite(buffer io.StringWriter) {
	buffer.WriteString(h.Name())
	buffer.WriteString(": ")
	h.valueStringWrite(buffer)
}
func (h *ProxyAuthenticateHeader) headerClone() Header {
	return &ProxyAuthenticateHeader{authValue{Scheme: h.Scheme, Params: h.Params.Clone()}}
}

// ProxyAuthorizationHeader carries UAC-supplied credentials for a
// proxy-challenged request (RFC 3261 §20.28).
type ProxyAuthorizationHeader struct{ authValue }

func (h *ProxyAuthorizationHeader) Name() string  { return "Proxy-Authorization" }
func (h *ProxyAuthorizationHeader) Value() string { return h.value() }
func (h *ProxyAuthorizationHeader) String() string {
	var b strings.Builder
	h.StringWrite(&b)
	return b.String()
}
func (h *ProxyAuthorizationHeader) StringWrite(buffer io.StringWriter) {
	buffer.WriteString(h.Name())
	buffer.WriteString(": ")
	h.valueStringWrite(buffer)
}
func (h *ProxyAuthorizationHeader) headerClone() Header {
	return &ProxyAuthorizationHeader{authValue{Scheme: h.Scheme, Params: h.Params.Clone()}}
}

func headerParserAuthorization(headerName []byte, headerText string) (header Header, err error) {
	h := &AuthorizationHeader{}
	return h, parseAuthValue(headerText, &h.authValue)
}

func headerParserWWWAuthenticate(headerName []byte, headerText string) (header Header, err error) {
	h := &WWWAuthenticateHeader{}
	return h, parseAuthValue(headerText, &h.authValue)
}

func headerParserProxyAuthenticate(headerName []byte, headerText string) (header Header, err error) {
	h := &ProxyAuthenticateHeader{}
	return h, parseAuthValue(headerText, &h.authValue)
}

func headerParserProxyAuthorization(headerName []byte, headerText string) (header Header, err error) {
	h := &ProxyAuthorizationHeader{}
	return h, parseAuthValue(headerText, &h.authValue)
}

// DigestRespondWWWAuthenticate builds the Authorization header answering a
// WWW-Authenticate challenge. The core never sees or stores the password;
// it is supplied by the caller through opts for this single computation.
func DigestRespondWWWAuthenticate(challenge *WWWAuthenticateHeader, opts digest.Options) (*AuthorizationHeader, error) {
	chal, err := digest.ParseChallenge(challenge.Value())
	if err != nil {
		return nil, err
	}
	chal.Algorithm = ASCIIToUpper(chal.Algorithm)

	cred, err := digest.Digest(chal, opts)
	if err != nil {
		return nil, err
	}

	h := &AuthorizationHeader{}
	return h, parseAuthValue(cred.String(), &h.authValue)
}

// DigestRespondProxyAuthenticate builds the Proxy-Authorization header
// answering a Proxy-Authenticate challenge.
func DigestRespondProxyAuthenticate(challenge *ProxyAuthenticateHeader, opts digest.Options) (*ProxyAuthorizationHeader, error) {
	chal, err := digest.ParseChallenge(challenge.Value())
	if err != nil {
		return nil, err
	}
	chal.Algorithm = ASCIIToUpper(chal.Algorithm)

	cred, err := digest.Digest(chal, opts)
	if err != nil {
		return nil, err
	}

	h := &ProxyAuthorizationHeader{}
	return h, parseAuthValue(cred.String(), &h.authValue)
}

package sip

import (
	"io"
	"strconv"
	"strings"
)

// Uri is a parsed SIP, SIPS or TEL URI (RFC 3261 §19.1):
//
//	sip:user:password@host:port;uri-parameters?headers
//
// Wildcard marks the special "*" Contact form.
type Uri struct {
	// Scheme is lowercased: "sip", "sips" or "tel".
	Scheme string

	// HierarhicalSlashes records a "//" straight after the scheme, which
	// RFC 3261 doesn't define but some peers send; kept only so the URI
	// round-trips.
	HierarhicalSlashes bool

	// Encrypted mirrors Scheme == "sips".
	Encrypted bool
	Wildcard  bool

	User string
	// Password is the userinfo's second half. RFC 3261 §19.1.1 warns
	// against sending one, but inbound URIs may still carry it.
	Password string

	// Host is a domain name, an IPv4 literal, or a bracketed IPv6
	// reference.
	Host string
	// Port is zero when the URI names none.
	Port int

	// UriParams are the ;key=value parameters after host:port
	// (RFC 3261 §19.1.1), transport/lr/maddr and friends included.
	UriParams HeaderParams

	// Headers are the ?key=value&... header fields requests built from
	// this URI should carry.
	Headers HeaderParams
}

func (uri *Uri) String() string {
	var b strings.Builder
	uri.StringWrite(&b)
	return b.String()
}

func (uri *Uri) StringWrite(w io.StringWriter) {
	switch {
	case uri.Scheme != "":
		w.WriteString(uri.Scheme)
	case uri.IsEncrypted():
		w.WriteString("sips")
	default:
		w.WriteString("sip")
	}
	w.WriteString(":")
	if uri.HierarhicalSlashes {
		w.WriteString("//")
	}

	if uri.User != "" {
		w.WriteString(uri.User)
		if uri.Password != "" {
			w.WriteString(":")
			w.WriteString(uri.Password)
		}
		w.WriteString("@")
	}

	w.WriteString(uri.Host)
	if uri.Port > 0 {
		w.WriteString(":")
		w.WriteString(strconv.Itoa(uri.Port))
	}

	if uri.UriParams.Length() > 0 {
		w.WriteString(";")
		w.WriteString(uri.UriParams.ToString(';'))
	}
	if uri.Headers.Length() > 0 {
		w.WriteString("?")
		w.WriteString(uri.Headers.ToString('&'))
	}
}

// Clone copies the URI including its param bags, so edits to the clone
// never reach the original.
func (uri *Uri) Clone() *Uri {
	c := *uri
	c.UriParams = uri.UriParams.Clone()
	c.Headers = uri.Headers.Clone()
	return &c
}

func (uri *Uri) IsEncrypted() bool {
	return uri.Encrypted
}

// Addr returns "scheme:[user@]host[:port]" with no params or headers, the
// form digest challenges and dialog targets want.
func (uri *Uri) Addr() string {
	var b strings.Builder
	switch {
	case uri.Scheme != "":
		b.WriteString(uri.Scheme)
	case uri.IsEncrypted():
		b.WriteString("sips")
	default:
		b.WriteString("sip")
	}
	b.WriteString(":")
	if uri.User != "" {
		b.WriteString(uri.User)
		b.WriteString("@")
	}
	b.WriteString(uri.HostPort())
	return b.String()
}

// HostPort returns "host" or "host:port", the form a transport dials.
func (uri *Uri) HostPort() string {
	if uri.Port <= 0 {
		return uri.Host
	}
	return uri.Host + ":" + strconv.Itoa(uri.Port)
}

// Endpoint returns "user@host[:port]", or just HostPort without a user.
func (uri *Uri) Endpoint() string {
	if uri.User == "" {
		return uri.HostPort()
	}
	return uri.User + "@" + uri.HostPort()
}

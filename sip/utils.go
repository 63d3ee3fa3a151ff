package sip

import (
	"errors"
	"io"
	"net"
	"strings"
)

// ASCIIToLower lowercases s without allocating when it already is.
func ASCIIToLower(s string) string {
	firstUpper := -1
	for i := 0; i < len(s); i++ {
		if c := s[i]; 'A' <= c && c <= 'Z' {
			firstUpper = i
			break
		}
	}
	if firstUpper < 0 {
		return s
	}

	var b strings.Builder
	b.Grow(len(s))
	b.WriteString(s[:firstUpper])
	for i := firstUpper; i < len(s); i++ {
		c := s[i]
		if 'A' <= c && c <= 'Z' {
			c += 'a' - 'A'
		}
		b.WriteByte(c)
	}
	return b.String()
}

// ASCIIToUpper uppercases s without allocating when it already is.
func ASCIIToUpper(s string) string {
	firstLower := -1
	for i := 0; i < len(s); i++ {
		if c := s[i]; 'a' <= c && c <= 'z' {
			firstLower = i
			break
		}
	}
	if firstLower < 0 {
		return s
	}

	var b strings.Builder
	b.Grow(len(s))
	b.WriteString(s[:firstLower])
	for i := firstLower; i < len(s); i++ {
		c := s[i]
		if 'a' <= c && c <= 'z' {
			c -= 'a' - 'A'
		}
		b.WriteByte(c)
	}
	return b.String()
}

// headerToLower lowercases a raw header field name, allocating only when
// the name isn't already canonical.
func headerToLower(name []byte) []byte {
	return []byte(HeaderToLower(string(name)))
}

// HeaderToLower lowercases a header name. The headers every message
// carries are matched literally first so the hot path never allocates.
func HeaderToLower(s string) string {
	switch s {
	case "Via", "via":
		return "via"
	case "From", "from":
		return "from"
	case "To", "to":
		return "to"
	case "Call-ID", "call-id":
		return "call-id"
	case "CSeq", "CSEQ", "cseq":
		return "cseq"
	case "Contact", "contact":
		return "contact"
	case "Content-Type", "content-type":
		return "content-type"
	case "Content-Length", "content-length":
		return "content-length"
	case "Route", "route":
		return "route"
	case "Record-Route", "record-route":
		return "record-route"
	case "Max-Forwards", "max-forwards":
		return "max-forwards"
	}
	return ASCIIToLower(s)
}

// ResolveInterfacesIP walks the host's interfaces for an address usable as
// this UA's advertised IP: up, non-loopback (unless targetIP names a
// loopback net), matching the "ip4"/"ip6" family, and inside targetIP's
// net when one is given.
func ResolveInterfacesIP(network string, targetIP *net.IPNet) (net.IP, net.Interface, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, net.Interface{}, err
	}

	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 {
			continue
		}
		if iface.Flags&net.FlagLoopback != 0 {
			if targetIP != nil && !targetIP.IP.IsLoopback() {
				continue
			}
		}

		ip, err := interfaceIP(iface, network, targetIP)
		if errors.Is(err, io.EOF) {
			// This interface had no matching address; keep walking.
			continue
		}
		return ip, iface, err
	}

	return nil, net.Interface{}, errors.New("no interface found on system")
}

// interfaceIP picks the first address on iface matching the family and
// target net, or io.EOF when none does.
func interfaceIP(iface net.Interface, network string, targetIP *net.IPNet) (net.IP, error) {
	addrs, err := iface.Addrs()
	if err != nil {
		return nil, err
	}

	for _, addr := range addrs {
		ipNet, ok := addr.(*net.IPNet)
		if !ok {
			// Multicast addresses come back as IPAddr; skip them.
			continue
		}
		ip := ipNet.IP
		if ip == nil {
			continue
		}

		if targetIP != nil {
			if !targetIP.Contains(ip) {
				continue
			}
		} else if ip.IsLoopback() {
			continue
		}

		switch network {
		case "ip4":
			if ip.To4() == nil {
				continue
			}
		case "ip6":
			if ip.To4() != nil {
				continue
			}
		}
		return ip, nil
	}
	return nil, io.EOF
}

// ResolveSelfIP picks the IPv4 address this host should advertise in
// Via/Contact when the caller never pinned one.
func ResolveSelfIP() (net.IP, error) {
	ip, _, err := ResolveInterfacesIP("ip4", nil)
	return ip, err
}

// MessageShortString is Short() for a Message held behind the interface.
func MessageShortString(msg Message) string {
	switch m := msg.(type) {
	case *Request:
		return m.Short()
	case *Response:
		return m.Short()
	}
	return "Unknown message type"
}

package transport

import (
	"context"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"

	"github.com/miekg/dns"

	"github.com/randijunior/sipcore/sip"
)

// Resolver implements the RFC 3263 §4 target-selection chain: NAPTR, then
// SRV, then A/AAAA. net.Resolver cannot issue NAPTR or SRV queries against
// an arbitrary recursive server, so ClientRequestConnection hands off to
// this type instead of doing its own lookup.
type Resolver struct {
	Client  *dns.Client
	Servers []string
}

// NewResolver builds a Resolver against the given recursive servers
// (host:port). With no servers given it reads /etc/resolv.conf.
func NewResolver(servers ...string) *Resolver {
	if len(servers) == 0 {
		servers = systemResolvers()
	}
	return &Resolver{Client: new(dns.Client), Servers: servers}
}

func systemResolvers() []string {
	conf, err := dns.ClientConfigFromFile("/etc/resolv.conf")
	if err != nil || conf == nil || len(conf.Servers) == 0 {
		return []string{"127.0.0.1:53"}
	}
	servers := make([]string, 0, len(conf.Servers))
	for _, s := range conf.Servers {
		servers = append(servers, net.JoinHostPort(s, conf.Port))
	}
	return servers
}

func (r *Resolver) exchange(m *dns.Msg) (*dns.Msg, error) {
	if len(r.Servers) == 0 {
		return nil, fmt.Errorf("resolver: no dns servers configured")
	}
	var lastErr error
	for _, server := range r.Servers {
		resp, _, err := r.Client.Exchange(m, server)
		if err != nil {
			lastErr = err
			continue
		}
		if resp.Rcode != dns.RcodeSuccess {
			lastErr = fmt.Errorf("resolver: %s answered %s for %s", server, dns.RcodeToString[resp.Rcode], m.Question[0].Name)
			continue
		}
		return resp, nil
	}
	return nil, lastErr
}

// ResolveA resolves A records, falling back to AAAA when none are found.
func (r *Resolver) ResolveA(ctx context.Context, name string) ([]net.IP, error) {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(name), dns.TypeA)
	resp, err := r.exchange(m)
	if err == nil {
		var ips []net.IP
		for _, rr := range resp.Answer {
			if a, ok := rr.(*dns.A); ok {
				ips = append(ips, a.A)
			}
		}
		if len(ips) > 0 {
			return ips, nil
		}
	}
	return r.ResolveAAAA(ctx, name)
}

// ResolveAAAA resolves AAAA records for name.
func (r *Resolver) ResolveAAAA(ctx context.Context, name string) ([]net.IP, error) {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(name), dns.TypeAAAA)
	resp, err := r.exchange(m)
	if err != nil {
		return nil, err
	}
	var ips []net.IP
	for _, rr := range resp.Answer {
		if aaaa, ok := rr.(*dns.AAAA); ok {
			ips = append(ips, aaaa.AAAA)
		}
	}
	if len(ips) == 0 {
		return nil, fmt.Errorf("resolver: no A/AAAA records for %s", name)
	}
	return ips, nil
}

// SRVTarget is one priority-ordered SRV answer.
type SRVTarget struct {
	Target   string
	Port     uint16
	Priority uint16
	Weight   uint16
}

// ResolveSRV resolves _service._proto.name, sorted by (priority asc, weight desc).
func (r *Resolver) ResolveSRV(ctx context.Context, service, proto, name string) ([]SRVTarget, error) {
	qname := dns.Fqdn(fmt.Sprintf("_%s._%s.%s", service, proto, strings.TrimSuffix(name, ".")))
	m := new(dns.Msg)
	m.SetQuestion(qname, dns.TypeSRV)
	resp, err := r.exchange(m)
	if err != nil {
		return nil, err
	}
	targets := make([]SRVTarget, 0, len(resp.Answer))
	for _, rr := range resp.Answer {
		if srv, ok := rr.(*dns.SRV); ok {
			targets = append(targets, SRVTarget{
				Target:   strings.TrimSuffix(srv.Target, "."),
				Port:     srv.Port,
				Priority: srv.Priority,
				Weight:   srv.Weight,
			})
		}
	}
	if len(targets) == 0 {
		return nil, fmt.Errorf("resolver: no SRV records for %s", qname)
	}
	sort.Slice(targets, func(i, j int) bool {
		if targets[i].Priority != targets[j].Priority {
			return targets[i].Priority < targets[j].Priority
		}
		return targets[i].Weight > targets[j].Weight
	})
	return targets, nil
}

// NAPTRTarget is one order-ordered NAPTR answer.
type NAPTRTarget struct {
	Order       uint16
	Preference  uint16
	Service     string
	Replacement string
}

// ResolveNAPTR resolves NAPTR records for name, sorted by (order, preference).
func (r *Resolver) ResolveNAPTR(ctx context.Context, name string) ([]NAPTRTarget, error) {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(name), dns.TypeNAPTR)
	resp, err := r.exchange(m)
	if err != nil {
		return nil, err
	}
	targets := make([]NAPTRTarget, 0, len(resp.Answer))
	for _, rr := range resp.Answer {
		if n, ok := rr.(*dns.NAPTR); ok {
			targets = append(targets, NAPTRTarget{
				Order:       n.Order,
				Preference:  n.Preference,
				Service:     n.Service,
				Replacement: strings.TrimSuffix(n.Replacement, "."),
			})
		}
	}
	if len(targets) == 0 {
		return nil, fmt.Errorf("resolver: no NAPTR records for %s", name)
	}
	sort.Slice(targets, func(i, j int) bool {
		if targets[i].Order != targets[j].Order {
			return targets[i].Order < targets[j].Order
		}
		return targets[i].Preference < targets[j].Preference
	})
	return targets, nil
}

// naptrServiceNetwork maps a SIP NAPTR service field to a transport network
// name, per RFC 3263 §4.1's table.
func naptrServiceNetwork(service string) (network string, ok bool) {
	switch strings.ToUpper(service) {
	case "SIP+D2U":
		return "udp", true
	case "SIP+D2T":
		return "tcp", true
	case "SIPS+D2T":
		return "tls", true
	case "SIP+D2W":
		return "ws", true
	case "SIPS+D2W":
		return "wss", true
	default:
		return "", false
	}
}

// Target is a fully resolved (network, ip, port) destination for a request.
type Target struct {
	Network string
	IP      net.IP
	Port    int
}

func (t Target) Addr() string {
	return net.JoinHostPort(t.IP.String(), strconv.Itoa(t.Port))
}

// Resolve implements the RFC 3263 §4.1 target-selection chain for a
// request URI:
//
//  1. explicit transport= param: resolve A/AAAA on the host, port from the
//     param or the transport default.
//  2. literal IP host: no DNS. udp for sip:, tcp for sips:.
//  3. domain host with an explicit port: resolve A/AAAA, transport per
//     scheme default.
//  4. otherwise: NAPTR, mapping the service field to a network, following
//     SRV, then A/AAAA; first successfully resolved tuple wins. Domains
//     that publish no NAPTR records fall back to a direct SRV lookup
//     before the plain A/AAAA default.
func (r *Resolver) Resolve(ctx context.Context, uri *sip.Uri) (Target, error) {
	host := trimBrackets(uri.Host)
	secure := uri.IsEncrypted()

	if uri.UriParams != nil {
		if tp, ok := uri.UriParams.Get("transport"); ok && tp != "" {
			network := NetworkToLower(tp)
			port := uri.Port
			if port <= 0 {
				port = sip.DefaultPort(network)
			}
			ip, err := r.resolveHost(ctx, host)
			if err != nil {
				return Target{}, err
			}
			return Target{Network: network, IP: ip, Port: port}, nil
		}
	}

	defaultNetwork := "udp"
	if secure {
		defaultNetwork = "tcp"
	}

	if ip := net.ParseIP(host); ip != nil {
		port := uri.Port
		if port <= 0 {
			port = sip.DefaultPort(defaultNetwork)
		}
		return Target{Network: defaultNetwork, IP: ip, Port: port}, nil
	}

	if uri.Port > 0 {
		ip, err := r.resolveHost(ctx, host)
		if err != nil {
			return Target{}, err
		}
		return Target{Network: defaultNetwork, IP: ip, Port: uri.Port}, nil
	}

	if target, err := r.resolveNAPTRChain(ctx, host); err == nil {
		return target, nil
	}

	service, proto := "sip", "udp"
	if secure {
		service, proto = "sips", "tcp"
	}
	if srvs, err := r.ResolveSRV(ctx, service, proto, host); err == nil {
		for _, srv := range srvs {
			ip, err := r.resolveHost(ctx, srv.Target)
			if err != nil {
				continue
			}
			network := proto
			if secure {
				network = "tls"
			}
			return Target{Network: network, IP: ip, Port: int(srv.Port)}, nil
		}
	}

	ip, err := r.resolveHost(ctx, host)
	if err != nil {
		return Target{}, fmt.Errorf("resolver: resolve %s: %w", host, err)
	}
	return Target{Network: defaultNetwork, IP: ip, Port: sip.DefaultPort(defaultNetwork)}, nil
}

func (r *Resolver) resolveNAPTRChain(ctx context.Context, host string) (Target, error) {
	naptrs, err := r.ResolveNAPTR(ctx, host)
	if err != nil {
		return Target{}, err
	}
	for _, n := range naptrs {
		network, ok := naptrServiceNetwork(n.Service)
		if !ok {
			continue
		}
		proto := "udp"
		if network != "udp" {
			proto = "tcp"
		}
		srvs, err := r.ResolveSRV(ctx, "sip", proto, n.Replacement)
		if err != nil {
			continue
		}
		for _, srv := range srvs {
			ip, err := r.resolveHost(ctx, srv.Target)
			if err != nil {
				continue
			}
			return Target{Network: network, IP: ip, Port: int(srv.Port)}, nil
		}
	}
	return Target{}, fmt.Errorf("resolver: no usable NAPTR target for %s", host)
}

func (r *Resolver) resolveHost(ctx context.Context, host string) (net.IP, error) {
	host = trimBrackets(host)
	if ip := net.ParseIP(host); ip != nil {
		return ip, nil
	}
	ips, err := r.ResolveA(ctx, host)
	if err != nil || len(ips) == 0 {
		return nil, fmt.Errorf("resolver: resolve host %s: %w", host, err)
	}
	return ips[0], nil
}

func trimBrackets(host string) string {
	if strings.HasPrefix(host, "[") && strings.HasSuffix(host, "]") {
		return host[1 : len(host)-1]
	}
	return host
}

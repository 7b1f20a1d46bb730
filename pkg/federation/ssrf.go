package federation

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"time"

	"github.com/miekg/dns"
	"go.uber.org/zap"
)

// Resolver looks up the addresses of a host. *net.Resolver satisfies it.
type Resolver interface {
	LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error)
}

// DialFunc matches net.Dialer.DialContext.
type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// Ranges that stdlib classification does not flag but that never host a public inbox.
var nonPublicPrefixes = []netip.Prefix{
	netip.MustParsePrefix("0.0.0.0/8"),
	netip.MustParsePrefix("100.64.0.0/10"),
	netip.MustParsePrefix("192.0.0.0/24"),
	netip.MustParsePrefix("198.18.0.0/15"),
	netip.MustParsePrefix("240.0.0.0/4"),
	netip.MustParsePrefix("64:ff9b:1::/48"),
}

// IsPublicIP reports whether ip is globally routable for delivery purposes.
func IsPublicIP(ip net.IP) bool {
	if ip == nil {
		return false
	}
	if ip.IsLoopback() || ip.IsPrivate() || ip.IsUnspecified() ||
		ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() ||
		ip.IsInterfaceLocalMulticast() || ip.IsMulticast() {
		return false
	}
	addr, ok := netip.AddrFromSlice(ip)
	if !ok {
		return false
	}
	addr = addr.Unmap()
	for _, p := range nonPublicPrefixes {
		if p.Contains(addr) {
			return false
		}
	}
	return true
}

// Guard resolves destination hosts and refuses those that only lead to non-public
// addresses. Its DialContext connects exclusively to addresses it has vetted, so a
// second DNS answer cannot redirect an accepted request inward.
type Guard struct {
	resolver     Resolver
	timeout      time.Duration
	allowPrivate bool
	dial         DialFunc
	logger       *zap.Logger
}

type GuardOptions struct {
	Resolver     Resolver
	DNSTimeout   time.Duration
	AllowPrivate bool
	// Dial performs the final connection to a vetted ip:port. Defaults to a net.Dialer.
	Dial           DialFunc
	ConnectTimeout time.Duration
}

func NewGuard(opts GuardOptions, logger *zap.Logger) *Guard {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Resolver == nil {
		opts.Resolver = net.DefaultResolver
	}
	if opts.DNSTimeout <= 0 {
		opts.DNSTimeout = 5 * time.Second
	}
	if opts.Dial == nil {
		d := &net.Dialer{Timeout: opts.ConnectTimeout, KeepAlive: 30 * time.Second}
		opts.Dial = d.DialContext
	}
	return &Guard{
		resolver:     opts.Resolver,
		timeout:      opts.DNSTimeout,
		allowPrivate: opts.AllowPrivate,
		dial:         opts.Dial,
		logger:       logger,
	}
}

// Resolve returns the usable addresses of host. It fails with a *ValidationError
// wrapping ErrSSRFBlocked when no address is public, and with a *TransportError when
// resolution itself fails.
func (g *Guard) Resolve(ctx context.Context, host string) ([]net.IP, error) {
	if ip := net.ParseIP(host); ip != nil {
		return g.filter(host, []net.IP{ip})
	}

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	addrs, err := g.resolver.LookupIPAddr(ctx, host)
	if err != nil {
		return nil, &TransportError{Op: "resolve", Host: host, Err: err}
	}
	if len(addrs) == 0 {
		return nil, &TransportError{Op: "resolve", Host: host, Err: errors.New("no addresses")}
	}

	ips := make([]net.IP, 0, len(addrs))
	for _, a := range addrs {
		ips = append(ips, a.IP)
	}
	return g.filter(host, ips)
}

func (g *Guard) filter(host string, ips []net.IP) ([]net.IP, error) {
	if g.allowPrivate {
		return ips, nil
	}
	public := ips[:0:0]
	for _, ip := range ips {
		if IsPublicIP(ip) {
			public = append(public, ip)
		}
	}
	if len(public) == 0 {
		g.logger.Warn("Blocked delivery to non-public destination",
			zap.String("host", host),
			zap.Int("addresses", len(ips)))
		return nil, &ValidationError{Reason: fmt.Sprintf("host %s", host), Err: ErrSSRFBlocked}
	}
	return public, nil
}

// DialContext is installed on every pooled http.Transport.
func (g *Guard) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, &TransportError{Op: "dial", Host: addr, Err: err}
	}

	ips, err := g.Resolve(ctx, host)
	if err != nil {
		return nil, err
	}

	var lastErr error
	for _, ip := range ips {
		conn, err := g.dial(ctx, network, net.JoinHostPort(ip.String(), port))
		if err == nil {
			return conn, nil
		}
		lastErr = err
		g.logger.Debug("Failed to connect to address",
			zap.String("host", host),
			zap.String("ip", ip.String()),
			zap.Error(err))
	}
	return nil, &TransportError{Op: "connect", Host: host, Err: lastErr}
}

// DNSResolver queries explicit nameservers with miekg/dns instead of the system
// resolver, so delivery workers can be pointed at a filtering or split-horizon DNS.
type DNSResolver struct {
	servers []string
	client  *dns.Client
}

func NewDNSResolver(servers []string, timeout time.Duration) *DNSResolver {
	normalized := make([]string, 0, len(servers))
	for _, s := range servers {
		if _, _, err := net.SplitHostPort(s); err != nil {
			s = net.JoinHostPort(s, "53")
		}
		normalized = append(normalized, s)
	}
	return &DNSResolver{
		servers: normalized,
		client:  &dns.Client{Timeout: timeout},
	}
}

func (r *DNSResolver) LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error) {
	if len(r.servers) == 0 {
		return nil, errors.New("no nameservers configured")
	}

	var (
		addrs   []net.IPAddr
		lastErr error
	)
	for _, qtype := range []uint16{dns.TypeA, dns.TypeAAAA} {
		answers, err := r.query(ctx, host, qtype)
		if err != nil {
			lastErr = err
			continue
		}
		addrs = append(addrs, answers...)
	}
	if len(addrs) == 0 {
		if lastErr == nil {
			lastErr = &net.DNSError{Err: "no such host", Name: host, IsNotFound: true}
		}
		return nil, lastErr
	}
	return addrs, nil
}

func (r *DNSResolver) query(ctx context.Context, host string, qtype uint16) ([]net.IPAddr, error) {
	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(host), qtype)
	msg.RecursionDesired = true

	var lastErr error
	for _, server := range r.servers {
		resp, _, err := r.client.ExchangeContext(ctx, msg, server)
		if err != nil {
			lastErr = err
			continue
		}
		if resp.Rcode != dns.RcodeSuccess {
			lastErr = fmt.Errorf("%s lookup for %s: %s", dns.TypeToString[qtype], host, dns.RcodeToString[resp.Rcode])
			continue
		}
		return extractAddrs(resp), nil
	}
	return nil, lastErr
}

func extractAddrs(resp *dns.Msg) []net.IPAddr {
	var addrs []net.IPAddr
	for _, rr := range resp.Answer {
		switch rec := rr.(type) {
		case *dns.A:
			addrs = append(addrs, net.IPAddr{IP: rec.A})
		case *dns.AAAA:
			addrs = append(addrs, net.IPAddr{IP: rec.AAAA})
		}
	}
	return addrs
}

package storage

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"net/url"
	"syscall"
	"time"

	apperrors "github.com/alexjbarnes/notesync/internal/errors"
)

// blockedPrefixes are ranges not covered by the netip predicates used in
// blockedAddr.
var blockedPrefixes = []netip.Prefix{
	netip.MustParsePrefix("0.0.0.0/8"),
	netip.MustParsePrefix("100.64.0.0/10"),
	netip.MustParsePrefix("192.0.0.0/24"),
	netip.MustParsePrefix("198.18.0.0/15"),
	netip.MustParsePrefix("240.0.0.0/4"),
}

// Guard rejects storage endpoints that resolve to addresses a user-supplied
// URL must never reach: loopback, private ranges, link-local (including the
// cloud metadata address), unspecified and multicast. It checks once before
// each operation and again on every dial, so a DNS answer that changes
// between the two is still caught.
type Guard struct {
	allowPrivate bool
	resolver     *net.Resolver
}

// NewGuard returns a guard. With allowPrivate set every check passes,
// which self-hosted setups and tests need.
func NewGuard(allowPrivate bool) *Guard {
	return &Guard{allowPrivate: allowPrivate, resolver: net.DefaultResolver}
}

// CheckURL validates the scheme and host of rawURL, then checks the
// addresses the host resolves to.
func (g *Guard) CheckURL(ctx context.Context, rawURL string) error {
	u, err := parseEndpoint(rawURL)
	if err != nil {
		return err
	}

	return g.CheckHost(ctx, u.Hostname())
}

// parseEndpoint parses an endpoint URL, which must be http or https and
// name a host. It does no resolution.
func parseEndpoint(rawURL string) (*url.URL, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parsing endpoint: %w", err)
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("endpoint scheme %q: %w", u.Scheme, apperrors.ErrEndpointBlocked)
	}

	if u.Hostname() == "" {
		return nil, fmt.Errorf("endpoint has no host: %w", apperrors.ErrEndpointBlocked)
	}

	return u, nil
}

// CheckHost resolves host and fails if any of its addresses is blocked.
func (g *Guard) CheckHost(ctx context.Context, host string) error {
	if g.allowPrivate {
		return nil
	}

	if addr, err := netip.ParseAddr(host); err == nil {
		return checkAddr(host, addr)
	}

	addrs, err := g.resolver.LookupNetIP(ctx, "ip", host)
	if err != nil {
		return fmt.Errorf("resolving %s: %w", host, err)
	}

	for _, addr := range addrs {
		if err := checkAddr(host, addr); err != nil {
			return err
		}
	}

	return nil
}

// Control is a net.Dialer Control hook that rejects connections to
// blocked addresses after DNS resolution.
func (g *Guard) Control(_, address string, _ syscall.RawConn) error {
	if g.allowPrivate {
		return nil
	}

	ap, err := netip.ParseAddrPort(address)
	if err != nil {
		return fmt.Errorf("parsing dial address %s: %w", address, apperrors.ErrEndpointBlocked)
	}

	return checkAddr(address, ap.Addr())
}

// Transport returns an HTTP transport whose dialer runs Control.
func (g *Guard) Transport(timeout time.Duration) *http.Transport {
	dialer := &net.Dialer{
		Timeout:   timeout,
		KeepAlive: 30 * time.Second,
		Control:   g.Control,
	}

	tr := http.DefaultTransport.(*http.Transport).Clone()
	tr.DialContext = dialer.DialContext
	tr.Proxy = nil
	tr.TLSHandshakeTimeout = timeout
	tr.ResponseHeaderTimeout = timeout

	return tr
}

// HTTPClient returns a client using Transport with an overall timeout.
func (g *Guard) HTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{Transport: g.Transport(timeout), Timeout: timeout}
}

func checkAddr(host string, addr netip.Addr) error {
	if blockedAddr(addr) {
		return fmt.Errorf("%s resolves to %s: %w", host, addr, apperrors.ErrEndpointBlocked)
	}

	return nil
}

func blockedAddr(addr netip.Addr) bool {
	addr = addr.Unmap()

	if !addr.IsValid() ||
		addr.IsLoopback() ||
		addr.IsPrivate() ||
		addr.IsLinkLocalUnicast() ||
		addr.IsLinkLocalMulticast() ||
		addr.IsInterfaceLocalMulticast() ||
		addr.IsMulticast() ||
		addr.IsUnspecified() {
		return true
	}

	for _, p := range blockedPrefixes {
		if p.Contains(addr) {
			return true
		}
	}

	return false
}

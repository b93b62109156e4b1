// Package security guards outbound push deliveries. Web Push endpoints are
// URLs supplied by browsers through the public subscribe API, so both the
// subscription check and every delivery refuse to reach internal
// infrastructure such as the AWS metadata service, localhost, or private
// network ranges.
package security

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"
)

// dnsTimeout is the maximum time allowed for DNS resolution.
const dnsTimeout = 500 * time.Millisecond

// ErrBlockedAddress is returned when an endpoint resolves to a blocked range.
var ErrBlockedAddress = errors.New("security: endpoint resolves to a blocked IP range")

// ErrDNSTimeout is returned when DNS resolution exceeds the timeout.
var ErrDNSTimeout = errors.New("security: DNS resolution timeout")

// ErrDNSFailed is returned when DNS resolution fails entirely.
var ErrDNSFailed = errors.New("security: DNS resolution failed")

// BlockedCIDRs are the ranges no push delivery may connect to.
var BlockedCIDRs = []string{
	"127.0.0.0/8",    // Localhost
	"10.0.0.0/8",     // Private Class A
	"172.16.0.0/12",  // Private Class B
	"192.168.0.0/16", // Private Class C
	"169.254.0.0/16", // Link-local (AWS Metadata!)
	"0.0.0.0/8",      // Current network
	"224.0.0.0/4",    // Multicast
	"240.0.0.0/4",    // Reserved
	"100.64.0.0/10",  // Shared Address Space (CGN)
	"198.18.0.0/15",  // Benchmark testing
	"::1/128",        // IPv6 loopback
	"fc00::/7",       // IPv6 private
	"fe80::/10",      // IPv6 link-local
}

var (
	blockedNets []*net.IPNet
	initOnce    sync.Once
	initErr     error
)

func initBlockedNets() error {
	initOnce.Do(func() {
		blockedNets = make([]*net.IPNet, 0, len(BlockedCIDRs))
		for _, cidr := range BlockedCIDRs {
			_, ipNet, err := net.ParseCIDR(cidr)
			if err != nil {
				initErr = fmt.Errorf("security: parse CIDR %q: %w", cidr, err)
				return
			}
			blockedNets = append(blockedNets, ipNet)
		}
	})
	return initErr
}

// IsBlockedIP reports whether ip falls inside any blocked range.
func IsBlockedIP(ip net.IP) bool {
	if err := initBlockedNets(); err != nil {
		return true
	}
	for _, ipNet := range blockedNets {
		if ipNet.Contains(ip) {
			return true
		}
	}
	return false
}

// Resolver abstracts DNS resolution for testability.
type Resolver interface {
	LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error)
}

// SafeTransport is an http.RoundTripper whose dialer validates every
// resolved address before connecting.
type SafeTransport struct {
	// Base is the underlying http.Transport used for actual connections.
	Base *http.Transport
	// Resolver is used for DNS lookups. Nil means net.DefaultResolver.
	Resolver Resolver
}

// NewSafeTransport wraps base, or a default transport when base is nil.
func NewSafeTransport(base *http.Transport) (*SafeTransport, error) {
	if err := initBlockedNets(); err != nil {
		return nil, err
	}
	if base == nil {
		base = &http.Transport{
			MaxIdleConnsPerHost: 16,
			IdleConnTimeout:     90 * time.Second,
			TLSHandshakeTimeout: 5 * time.Second,
		}
	}
	st := &SafeTransport{Base: base}
	base.DialContext = st.safeDialContext
	return st, nil
}

// RoundTrip implements http.RoundTripper.
func (st *SafeTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	return st.Base.RoundTrip(req)
}

func (st *SafeTransport) safeDialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("security: invalid address %q: %w", addr, err)
	}

	if ip := net.ParseIP(host); ip != nil {
		if IsBlockedIP(ip) {
			return nil, fmt.Errorf("%w: %s", ErrBlockedAddress, ip)
		}
		dialer := &net.Dialer{}
		return dialer.DialContext(ctx, network, addr)
	}

	ips, err := resolve(ctx, st.resolver(), host)
	if err != nil {
		return nil, err
	}
	// Every address must be safe, otherwise DNS rebinding could slip a
	// private address in next to a public one.
	for _, ipAddr := range ips {
		if IsBlockedIP(ipAddr.IP) {
			return nil, fmt.Errorf("%w: %s (resolved from %s)", ErrBlockedAddress, ipAddr.IP, host)
		}
	}

	dialer := &net.Dialer{}
	return dialer.DialContext(ctx, network, net.JoinHostPort(ips[0].IP.String(), port))
}

func (st *SafeTransport) resolver() Resolver {
	if st.Resolver != nil {
		return st.Resolver
	}
	return net.DefaultResolver
}

func resolve(ctx context.Context, r Resolver, host string) ([]net.IPAddr, error) {
	dnsCtx, cancel := context.WithTimeout(ctx, dnsTimeout)
	defer cancel()

	ips, err := r.LookupIPAddr(dnsCtx, host)
	if err != nil {
		if dnsCtx.Err() != nil {
			return nil, fmt.Errorf("%w: host %q", ErrDNSTimeout, host)
		}
		return nil, fmt.Errorf("%w: host %q: %v", ErrDNSFailed, host, err)
	}
	if len(ips) == 0 {
		return nil, fmt.Errorf("%w: host %q resolved to no addresses", ErrDNSFailed, host)
	}
	return ips, nil
}

// NewSafeHTTPClient returns the client used for push deliveries. Push
// services answer directly, so redirects are never followed.
func NewSafeHTTPClient(timeout time.Duration) (*http.Client, error) {
	transport, err := NewSafeTransport(nil)
	if err != nil {
		return nil, err
	}
	return &http.Client{
		Transport: transport,
		Timeout:   timeout,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}, nil
}

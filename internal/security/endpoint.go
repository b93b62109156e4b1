package security

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strings"

	"kickoff/internal/types"
)

// DefaultPushHosts are the Web Push services browsers hand out endpoints for.
// A leading dot matches any subdomain.
var DefaultPushHosts = []string{
	"fcm.googleapis.com",
	"updates.push.services.mozilla.com",
	".notify.windows.com",
	".push.apple.com",
}

// EndpointValidator checks push subscription endpoints before they are
// stored.
type EndpointValidator struct {
	allowedHosts []string
	resolver     Resolver
}

// NewEndpointValidator creates a validator restricted to allowedHosts. An
// empty list accepts any public https host.
func NewEndpointValidator(allowedHosts []string, resolver Resolver) *EndpointValidator {
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	hosts := make([]string, 0, len(allowedHosts))
	for _, h := range allowedHosts {
		if h = strings.ToLower(strings.TrimSpace(h)); h != "" {
			hosts = append(hosts, h)
		}
	}
	return &EndpointValidator{allowedHosts: hosts, resolver: resolver}
}

// ValidateWebPush rejects endpoints that are not https, are not served by an
// allowed push service, or resolve to a blocked address.
func (v *EndpointValidator) ValidateWebPush(ctx context.Context, endpoint string) error {
	u, err := url.Parse(endpoint)
	if err != nil || u.Hostname() == "" {
		return invalidEndpoint("endpoint is not an absolute URL", err)
	}
	if u.Scheme != "https" {
		return invalidEndpoint("endpoint must use https", nil)
	}
	host := strings.ToLower(u.Hostname())
	if !v.hostAllowed(host) {
		return invalidEndpoint(fmt.Sprintf("push service %q is not allowed", host), nil)
	}

	if ip := net.ParseIP(host); ip != nil {
		if IsBlockedIP(ip) {
			return invalidEndpoint("endpoint address is not public", ErrBlockedAddress)
		}
		return nil
	}
	ips, err := resolve(ctx, v.resolver, host)
	if err != nil {
		return invalidEndpoint("endpoint host does not resolve", err)
	}
	for _, ipAddr := range ips {
		if IsBlockedIP(ipAddr.IP) {
			return invalidEndpoint("endpoint address is not public", ErrBlockedAddress)
		}
	}
	return nil
}

func (v *EndpointValidator) hostAllowed(host string) bool {
	if len(v.allowedHosts) == 0 {
		return true
	}
	for _, allowed := range v.allowedHosts {
		if strings.HasPrefix(allowed, ".") {
			if strings.HasSuffix(host, allowed) {
				return true
			}
			continue
		}
		if host == allowed {
			return true
		}
	}
	return false
}

func invalidEndpoint(msg string, err error) error {
	return types.NewAppError(types.ErrCodeValidationSubscription, msg, err)
}

package strategy

import (
	"context"
	"fmt"
	"net"
)

// httpsPort is the well-known port spec.md's "resolve SNI to a socket
// address" calls for (spec.md §3 Session.target_addr, §4.9): this proxy
// decrypts nothing past the ClientHello, so the only port it can forward a
// bare hostname to is the one the client's own TLS/QUIC handshake implies.
const httpsPort = "443"

// DNSStrategy is the transparent-proxy default: it resolves a hostname to
// one of its own addresses rather than requiring it be registered anywhere.
// It is registered under StrategyDNS at startup and every ingress path
// consults it last, after any operator override, so recovering an SNI from an allow-listed
// hostname with no registered route still produces a destination instead of
// a dropped connection.
type DNSStrategy struct {
	resolver *net.Resolver
}

// NewDNSStrategy builds a DNSStrategy backed by the process's default
// resolver (respects /etc/resolv.conf and the Go resolver's usual
// cgo/pure-Go selection).
func NewDNSStrategy() *DNSStrategy {
	return &DNSStrategy{resolver: net.DefaultResolver}
}

// Resolve looks up fqdn and returns "ip:443" for the first address
// returned. Preferring the first result mirrors what a client's own stub
// resolver would pick; this proxy has no view into which address the
// client's TLS/QUIC handshake actually targeted beyond the hostname itself.
func (s *DNSStrategy) Resolve(ctx context.Context, fqdn string) (string, error) {
	addrs, err := s.resolver.LookupIPAddr(ctx, fqdn)
	if err != nil {
		return "", fmt.Errorf("dns lookup for %s: %w", fqdn, err)
	}
	if len(addrs) == 0 {
		return "", fmt.Errorf("dns lookup for %s returned no addresses", fqdn)
	}
	return net.JoinHostPort(addrs[0].IP.String(), httpsPort), nil
}

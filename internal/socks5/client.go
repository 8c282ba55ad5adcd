// Package socks5 wraps the SOCKS5 client primitive this proxy treats as a
// provided external collaborator (spec §6): a TCP CONNECT dialer for the
// plaintext TCP/HTTP paths and a UDP ASSOCIATE client for the QUIC relay.
package socks5

import (
	"context"
	"fmt"
	"net"
	"net/url"

	"github.com/wzshiming/socks5"
)

// UDPRelay is the per-session SOCKS5 UDP association handle (spec §6):
// Write sends a datagram to the target the association was opened for,
// wrapped in whatever SOCKS5 UDP request header framing the proxy requires;
// Read strips that framing and returns the target's reply.
type UDPRelay interface {
	net.Conn
}

// Client holds the proxy address and optional RFC 1929 credentials used for
// every CONNECT/ASSOCIATE this proxy performs.
type Client struct {
	dialer *socks5.Dialer
}

// New builds a Client for the given proxy address, optionally authenticating
// with username/password.
func New(addr, username, password string) (*Client, error) {
	proxyURL := &url.URL{Scheme: "socks5", Host: addr}
	if username != "" {
		proxyURL.User = url.UserPassword(username, password)
	}

	dialer, err := socks5.NewDialer(proxyURL.String())
	if err != nil {
		return nil, fmt.Errorf("socks5: build dialer for %s: %w", addr, err)
	}
	return &Client{dialer: dialer}, nil
}

// DialTCP performs a SOCKS5 CONNECT to target ("host:port") and returns the
// resulting stream, used by the TCP and HTTP Host-header ingress paths.
func (c *Client) DialTCP(ctx context.Context, target string) (net.Conn, error) {
	conn, err := c.dialer.DialContext(ctx, "tcp", target)
	if err != nil {
		return nil, fmt.Errorf("socks5: CONNECT %s: %w", target, err)
	}
	return conn, nil
}

// AssociateUDP performs a SOCKS5 UDP ASSOCIATE for target ("host:port") and
// returns a relay handle whose Read/Write already round-trip through the
// proxy's per-packet SOCKS5 UDP encapsulation.
func (c *Client) AssociateUDP(ctx context.Context, target string) (UDPRelay, error) {
	conn, err := c.dialer.DialContext(ctx, "udp", target)
	if err != nil {
		return nil, fmt.Errorf("socks5: UDP ASSOCIATE %s: %w", target, err)
	}
	return conn, nil
}

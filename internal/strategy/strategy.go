// Package strategy resolves a client's SNI/Host hostname to a destination
// socket address. Most hostnames never get a row in an operator-registered
// route table — this proxy is transparent, so the common path is the
// always-registered DNS fallback (dns.go) that resolves the hostname to its
// own address on port 443, exactly as the client's real destination would.
// The route table exists for the cases an operator wants to override that:
// pin a hostname to a fixed backend, or hand it off to an Agones fleet
// allocation instead of the host it nominally names.
package strategy

import (
	"context"
)

type StrategyType string

const (
	StrategySimple StrategyType = "simple"
	StrategyAgones StrategyType = "agones"
	StrategyDNS    StrategyType = "dns"
)

// Route is an operator-registered override: forward this hostname somewhere
// other than its own DNS record.
type Route struct {
	FQDN   string       `json:"fqdn"`
	Type   StrategyType `json:"type"`
	Target string       `json:"target"` // For simple: ip:port. For agones: fleet name. Unused for dns.
}

// RoutingStrategy resolves a hostname to a "host:port" destination. fqdn is
// the hostname recovered from the client's SNI (QUIC/TLS) or Host header
// (HTTP), not necessarily anything registered anywhere — DNSStrategy
// resolves any hostname; SimpleStrategy and AgonesStrategy only resolve the
// ones an operator has explicitly mapped.
type RoutingStrategy interface {
	Resolve(ctx context.Context, fqdn string) (string, error)
}

// StrategyManager holds every registered RoutingStrategy, keyed by type.
// Callers try strategies in a fixed order (overrides first, DNS last) via
// repeated Get calls — see internal/relay, internal/tcp, internal/httpsni's
// resolveTarget helpers.
type StrategyManager struct {
	strategies map[StrategyType]RoutingStrategy
}

func NewStrategyManager() *StrategyManager {
	return &StrategyManager{
		strategies: make(map[StrategyType]RoutingStrategy),
	}
}

func (m *StrategyManager) Register(t StrategyType, s RoutingStrategy) {
	m.strategies[t] = s
}

func (m *StrategyManager) Get(t StrategyType) RoutingStrategy {
	return m.strategies[t]
}

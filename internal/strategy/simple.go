package strategy

import (
	"context"
	"errors"
	"strings"
	"sync"
)

// SimpleStrategy is a static hostname-override table: an operator-pinned
// "this SNI/Host goes to this ip:port instead of its own DNS record."
// Hostnames are case-folded on both write and read, since the SNI/Host
// values this proxy resolves are DNS names and DNS comparisons are
// case-insensitive (RFC 4343) even though nothing downstream of TLS
// decrypts-and-re-cases them for us.
type SimpleStrategy struct {
	mu     sync.RWMutex
	routes map[string]string // lower-cased FQDN -> target
}

func NewSimpleStrategy() *SimpleStrategy {
	return &SimpleStrategy{
		routes: make(map[string]string),
	}
}

func (s *SimpleStrategy) Resolve(ctx context.Context, fqdn string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	target, ok := s.routes[strings.ToLower(fqdn)]
	if !ok {
		return "", errors.New("no override route for hostname")
	}
	return target, nil
}

func (s *SimpleStrategy) UpdateRoute(fqdn, target string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.routes[strings.ToLower(fqdn)] = target
}

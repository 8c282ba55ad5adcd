// Package httpsni implements the plain-HTTP ingress path: peek the Host
// header out of a request line without terminating HTTP, then splice the
// connection to a backend dialed through SOCKS5 CONNECT. This exists
// alongside the TLS and QUIC paths for backends that front plaintext HTTP
// behind the same SNI-style routing (spec §1 ambient scope).
package httpsni

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/textproto"
	"strings"
	"time"

	"github.com/arcsni/porter-sni/internal/allowlist"
	"github.com/arcsni/porter-sni/internal/config"
	"github.com/arcsni/porter-sni/internal/metrics"
	"github.com/arcsni/porter-sni/internal/socks5"
	"github.com/arcsni/porter-sni/internal/strategy"
	"github.com/rs/zerolog"
)

const ingressPath = "http"

const peekTimeout = 5 * time.Second
const maxHeaderBytes = 8 * 1024

type Listener struct {
	cfg         *config.Config
	manager     *strategy.StrategyManager
	allow       *allowlist.List
	socksClient *socks5.Client
	log         zerolog.Logger

	ln net.Listener
}

func NewListener(cfg *config.Config, manager *strategy.StrategyManager, allow *allowlist.List, socksClient *socks5.Client, logger zerolog.Logger) *Listener {
	return &Listener{
		cfg:         cfg,
		manager:     manager,
		allow:       allow,
		socksClient: socksClient,
		log:         logger.With().Str("component", "relay").Str("path", ingressPath).Logger(),
	}
}

func (l *Listener) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", l.cfg.HTTP.Port))
	if err != nil {
		return err
	}
	l.ln = ln
	defer ln.Close()

	l.log.Info().Str("addr", ln.Addr().String()).Msg("http relay listening")

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			l.log.Warn().Err(err).Msg("accept failed")
			continue
		}
		go l.handleConn(ctx, conn)
	}
}

func (l *Listener) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(peekTimeout))
	br := bufio.NewReaderSize(conn, maxHeaderBytes)

	host, consumed, err := peekHost(br)
	conn.SetReadDeadline(time.Time{})
	if err != nil {
		if l.cfg.HTTP.LogRequests {
			l.log.Debug().Str("client", conn.RemoteAddr().String()).Err(err).Msg("could not recover host header")
		}
		return
	}

	if !l.allow.IsAllowed(host) {
		metrics.SessionsRejected.WithLabelValues(ingressPath, "denied").Inc()
		l.log.Info().Str("client", conn.RemoteAddr().String()).Str("host", host).Msg("rejected: host not in allow-list")
		return
	}

	target, usedStrategy, err := resolveTarget(ctx, l.manager, host)
	if err != nil {
		metrics.SessionsRejected.WithLabelValues(ingressPath, "no_route").Inc()
		l.log.Info().Str("client", conn.RemoteAddr().String()).Str("host", host).Err(err).Msg("rejected: no route")
		return
	}

	backend, err := l.socksClient.DialTCP(ctx, target)
	if err != nil {
		metrics.SessionsRejected.WithLabelValues(ingressPath, "backend_unreachable").Inc()
		l.log.Warn().Str("client", conn.RemoteAddr().String()).Str("target", target).Err(err).Msg("socks5 connect failed")
		return
	}
	defer backend.Close()

	metrics.SessionsCreated.WithLabelValues(ingressPath, string(usedStrategy)).Inc()
	metrics.ActiveSessions.WithLabelValues(ingressPath).Inc()
	start := time.Now()
	defer func() {
		metrics.ActiveSessions.WithLabelValues(ingressPath).Dec()
		metrics.SessionLifetime.WithLabelValues(ingressPath).Observe(time.Since(start).Seconds())
		metrics.SessionsClosed.WithLabelValues(ingressPath, "closed").Inc()
	}()

	l.log.Info().Str("client", conn.RemoteAddr().String()).Str("host", host).Str("target", target).Msg("session established")

	splice(conn, backend, consumed)
}

// peekHost reads the request line and headers (terminated by a blank line)
// out of br and returns the Host header's value, plus every byte consumed
// from br so the caller can forward the request verbatim.
func peekHost(br *bufio.Reader) (string, []byte, error) {
	var raw bytes.Buffer
	tee := io.TeeReader(br, &raw)
	tp := textproto.NewReader(bufio.NewReader(tee))

	requestLine, err := tp.ReadLine()
	if err != nil {
		return "", nil, fmt.Errorf("httpsni: read request line: %w", err)
	}
	if !looksLikeHTTPRequest(requestLine) {
		return "", nil, fmt.Errorf("httpsni: not an HTTP request line: %q", requestLine)
	}

	headers, err := tp.ReadMIMEHeader()
	if err != nil && len(headers) == 0 {
		return "", nil, fmt.Errorf("httpsni: read headers: %w", err)
	}

	host := headers.Get("Host")
	if host == "" {
		return "", nil, fmt.Errorf("httpsni: no Host header")
	}
	if idx := strings.LastIndex(host, ":"); idx >= 0 && !strings.Contains(host, "]") {
		host = host[:idx]
	}

	return host, raw.Bytes(), nil
}

func looksLikeHTTPRequest(line string) bool {
	parts := strings.Fields(line)
	if len(parts) != 3 {
		return false
	}
	switch parts[0] {
	case "GET", "POST", "PUT", "DELETE", "HEAD", "OPTIONS", "PATCH", "CONNECT", "TRACE":
		return strings.HasPrefix(parts[2], "HTTP/")
	default:
		return false
	}
}

// resolveTarget tries any operator-registered override first, then falls
// back to resolving the Host header itself via DNS on port 443 — see the
// QUIC relay's resolveTarget for the spec.md §4.9 rationale this mirrors.
func resolveTarget(ctx context.Context, manager *strategy.StrategyManager, host string) (string, strategy.StrategyType, error) {
	if s := manager.Get(strategy.StrategySimple); s != nil {
		if target, err := s.Resolve(ctx, host); err == nil {
			return target, strategy.StrategySimple, nil
		}
	}
	if s := manager.Get(strategy.StrategyAgones); s != nil {
		if target, err := s.Resolve(ctx, host); err == nil {
			return target, strategy.StrategyAgones, nil
		}
	}
	if s := manager.Get(strategy.StrategyDNS); s != nil {
		if target, err := s.Resolve(ctx, host); err == nil {
			return target, strategy.StrategyDNS, nil
		}
	}
	return "", "", fmt.Errorf("no route for host %s", host)
}

func splice(client, backend net.Conn, already []byte) {
	done := make(chan struct{}, 2)

	go func() {
		io.Copy(backend, io.MultiReader(bytes.NewReader(already), client))
		if c, ok := backend.(interface{ CloseWrite() error }); ok {
			c.CloseWrite()
		}
		done <- struct{}{}
	}()
	go func() {
		io.Copy(client, backend)
		if c, ok := client.(interface{ CloseWrite() error }); ok {
			c.CloseWrite()
		}
		done <- struct{}{}
	}()

	<-done
	<-done
}

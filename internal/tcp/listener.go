// Package tcp implements the plaintext-peek TLS ingress path: accept a TCP
// connection, peek far enough into the stream to read the ClientHello's
// server_name extension without consuming it, then splice the connection to
// a backend dialed through SOCKS5 CONNECT.
package tcp

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/arcsni/porter-sni/internal/allowlist"
	"github.com/arcsni/porter-sni/internal/config"
	"github.com/arcsni/porter-sni/internal/metrics"
	"github.com/arcsni/porter-sni/internal/socks5"
	"github.com/arcsni/porter-sni/internal/strategy"
	tlssni "github.com/arcsni/porter-sni/internal/tls"
	"github.com/rs/zerolog"
)

const ingressPath = "tcp"

// peekTimeout bounds how long a connection may sit on the peek before a
// ClientHello shows up; a client opening a socket and never sending
// anything would otherwise hold a goroutine and an fd open forever.
const peekTimeout = 5 * time.Second

// maxPeekBytes caps how far the listener reads into the stream hunting for
// a complete ClientHello before giving up.
const maxPeekBytes = 16 * 1024

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
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", l.cfg.TCP.Port))
	if err != nil {
		return err
	}
	l.ln = ln
	defer ln.Close()

	l.log.Info().Str("addr", ln.Addr().String()).Msg("tcp relay listening")

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
	br := bufio.NewReaderSize(conn, maxPeekBytes)

	sni, peeked, err := peekServerName(br)
	conn.SetReadDeadline(time.Time{})
	if err != nil {
		if l.cfg.TCP.LogRequests {
			l.log.Debug().Str("client", conn.RemoteAddr().String()).Err(err).Msg("could not recover sni")
		}
		return
	}

	if !l.allow.IsAllowed(sni) {
		metrics.SessionsRejected.WithLabelValues(ingressPath, "denied").Inc()
		l.log.Info().Str("client", conn.RemoteAddr().String()).Str("sni", sni).Msg("rejected: sni not in allow-list")
		return
	}

	target, usedStrategy, err := resolveTarget(ctx, l.manager, sni)
	if err != nil {
		metrics.SessionsRejected.WithLabelValues(ingressPath, "no_route").Inc()
		l.log.Info().Str("client", conn.RemoteAddr().String()).Str("sni", sni).Err(err).Msg("rejected: no route")
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

	l.log.Info().Str("client", conn.RemoteAddr().String()).Str("sni", sni).Str("target", target).Msg("session established")

	splice(conn, backend, peeked)
}

// peekServerName reads from br until a complete ClientHello is available
// (or maxPeekBytes is exhausted) and returns the SNI plus every byte
// consumed from br in the process, so the caller can forward it verbatim.
func peekServerName(br *bufio.Reader) (string, []byte, error) {
	for size := 512; size <= maxPeekBytes; size *= 2 {
		peeked, err := br.Peek(size)
		// Peek returns data along with io.EOF/ErrBufferFull when the
		// underlying reader can't fill the full request; parse what we got.
		if len(peeked) > 0 {
			sni, parseErr := tlssni.ExtractServerName(peeked)
			if parseErr == nil {
				return sni, append([]byte(nil), peeked...), nil
			}
			if parseErr != tlssni.ErrTruncated {
				return "", nil, parseErr
			}
		}
		if err != nil && len(peeked) < size {
			return "", nil, fmt.Errorf("tcp: connection closed before a complete ClientHello arrived: %w", err)
		}
	}
	return "", nil, fmt.Errorf("tcp: ClientHello exceeded %d bytes", maxPeekBytes)
}

// resolveTarget tries any operator-registered override first, then falls
// back to resolving the SNI itself via DNS on port 443 — see the QUIC
// relay's resolveTarget for the spec.md §4.9 rationale this mirrors.
func resolveTarget(ctx context.Context, manager *strategy.StrategyManager, sni string) (string, strategy.StrategyType, error) {
	if s := manager.Get(strategy.StrategySimple); s != nil {
		if target, err := s.Resolve(ctx, sni); err == nil {
			return target, strategy.StrategySimple, nil
		}
	}
	if s := manager.Get(strategy.StrategyAgones); s != nil {
		if target, err := s.Resolve(ctx, sni); err == nil {
			return target, strategy.StrategyAgones, nil
		}
	}
	if s := manager.Get(strategy.StrategyDNS); s != nil {
		if target, err := s.Resolve(ctx, sni); err == nil {
			return target, strategy.StrategyDNS, nil
		}
	}
	return "", "", fmt.Errorf("no route for SNI %s", sni)
}

// splice relays bytes bidirectionally between the client and backend.
// already holds the bytes peeked (and therefore not yet consumed as far as
// the backend is concerned) from the client's connection.
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

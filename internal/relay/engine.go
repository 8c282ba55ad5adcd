// Package relay implements the QUIC ingress path: a UDP listener that scans
// incoming Initial packets for the TLS server_name, routes the connection to
// a backend through the strategy manager, and relays every following
// datagram for that client over a SOCKS5 UDP association (spec §4.9/§9).
package relay

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/arcsni/porter-sni/internal/allowlist"
	"github.com/arcsni/porter-sni/internal/config"
	"github.com/arcsni/porter-sni/internal/metrics"
	"github.com/arcsni/porter-sni/internal/quic"
	"github.com/arcsni/porter-sni/internal/socks5"
	"github.com/arcsni/porter-sni/internal/strategy"
	"github.com/rs/zerolog"
)

const ingressPath = "quic"

// maxPendingDatagrams bounds how many datagrams a client can have buffered
// while its ClientHello is still being reassembled across packets, per
// client DCID. Datagrams arriving once the buffer is full are dropped; the
// reassembly attempt itself continues.
const maxPendingDatagrams = 16

// udpAssociator is the subset of *socks5.Client this package depends on,
// narrowed to an interface so tests can substitute a fake relay without
// standing up a real SOCKS5 server.
type udpAssociator interface {
	AssociateUDP(ctx context.Context, target string) (socks5.UDPRelay, error)
}

// session is a single client's routed QUIC flow, keyed by its UDP 5-tuple
// (spec §9: DCID keying breaks under connection migration, so sessions are
// keyed by the address the client is actually sending from instead).
type session struct {
	clientAddr *net.UDPAddr
	backend    socks5.UDPRelay
	sni        string
	target     string

	mu       sync.Mutex
	lastSeen time.Time
	closed   bool
}

func (s *session) touch() {
	s.mu.Lock()
	s.lastSeen = time.Now()
	s.mu.Unlock()
}

func (s *session) idleSince(now time.Time) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return now.Sub(s.lastSeen)
}

func (s *session) close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()
	s.backend.Close()
}

// pendingClient buffers whole datagrams for a client whose ClientHello
// hasn't fully arrived yet, so they can be flushed to the backend the
// moment the SNI is resolved instead of making the backend re-negotiate.
type pendingClient struct {
	mu        sync.Mutex
	srcAddr   *net.UDPAddr
	datagrams [][]byte
	created   time.Time
}

// Relay is the QUIC ingress listener and session manager.
type Relay struct {
	cfg         *config.Config
	manager     *strategy.StrategyManager
	allow       *allowlist.List
	socksClient udpAssociator
	log         zerolog.Logger

	listenAddr *net.UDPAddr
	conn       *net.UDPConn

	cryptoStore *quic.PendingCryptoStore

	sessions sync.Map // client addr string -> *session
	pending  sync.Map // DCID string -> *pendingClient
}

func NewRelay(cfg *config.Config, manager *strategy.StrategyManager, allow *allowlist.List, socksClient *socks5.Client, logger zerolog.Logger) (*Relay, error) {
	addr, err := net.ResolveUDPAddr("udp", fmt.Sprintf(":%d", cfg.QUIC.Port))
	if err != nil {
		return nil, err
	}

	return &Relay{
		cfg:         cfg,
		manager:     manager,
		allow:       allow,
		socksClient: socksClient,
		log:         logger.With().Str("component", "relay").Str("path", ingressPath).Logger(),
		listenAddr:  addr,
		cryptoStore: quic.NewPendingCryptoStore(quic.DefaultPendingTTL, 4096),
	}, nil
}

func (r *Relay) Start(ctx context.Context) error {
	conn, err := net.ListenUDP("udp", r.listenAddr)
	if err != nil {
		return err
	}
	r.conn = conn
	defer r.conn.Close()

	r.log.Info().Str("addr", r.listenAddr.String()).Msg("quic relay listening")

	go r.cleanupLoop(ctx)

	buf := make([]byte, 65535)
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		n, srcAddr, err := r.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			r.log.Warn().Err(err).Msg("read from udp failed")
			continue
		}

		data := make([]byte, n)
		copy(data, buf[:n])
		go r.handleDatagram(ctx, srcAddr, data)
	}
}

func (r *Relay) cleanupLoop(ctx context.Context) {
	interval := r.cfg.QUIC.CleanupInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	idleTimeout := r.cfg.QUIC.IdleTimeout
	if idleTimeout <= 0 {
		idleTimeout = 60 * time.Second
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := time.Now()
			r.sessions.Range(func(key, val any) bool {
				sess := val.(*session)
				if sess.idleSince(now) > idleTimeout {
					r.sessions.Delete(key)
					sess.close()
					metrics.SessionsClosed.WithLabelValues(ingressPath, "idle").Inc()
					metrics.ActiveSessions.WithLabelValues(ingressPath).Dec()
				}
				return true
			})
		}
	}
}

func (r *Relay) handleDatagram(ctx context.Context, srcAddr *net.UDPAddr, data []byte) {
	key := srcAddr.String()

	if v, ok := r.sessions.Load(key); ok {
		sess := v.(*session)
		sess.touch()
		if _, err := sess.backend.Write(data); err != nil {
			r.log.Warn().Err(err).Str("client", key).Msg("forward to backend failed")
			return
		}
		metrics.PacketsRelayed.WithLabelValues(ingressPath, "client_to_backend").Inc()
		return
	}

	r.handleNewClient(ctx, srcAddr, data)
}

func (r *Relay) handleNewClient(ctx context.Context, srcAddr *net.UDPAddr, data []byte) {
	curr := 0
	for curr < len(data) {
		header, err := quic.ParseInitialHeader(data[curr:], false)
		if err != nil {
			if curr == 0 && r.cfg.QUIC.LogRequests {
				r.log.Debug().Str("client", srcAddr.String()).Err(err).Msg("not a quic initial packet")
			}
			return
		}

		end := curr + header.FullLength
		if end > len(data) {
			end = len(data)
		}
		packet := data[curr:end]
		dcidKey := string(header.DCID)

		sni, _, outcome, extractErr := quic.Extract(r.cryptoStore, packet, time.Now())
		switch outcome {
		case quic.OutcomeNoSNIYet:
			r.bufferPending(dcidKey, srcAddr, data)
			return
		case quic.OutcomeFound:
			r.establishSession(ctx, srcAddr, dcidKey, sni, data)
			return
		case quic.OutcomeNoSNI, quic.OutcomeDecryptFailed:
			if outcome == quic.OutcomeDecryptFailed {
				metrics.DecryptFailures.Inc()
				r.log.Warn().Str("client", srcAddr.String()).Err(extractErr).Msg("could not decrypt quic initial")
			} else {
				r.log.Info().Str("client", srcAddr.String()).Err(extractErr).Msg("could not recover sni")
			}
			r.pending.Delete(dcidKey)
			return
		case quic.OutcomeNotInitial:
			return
		}

		curr = end
		if header.FirstByte&0x80 == 0 {
			break
		}
	}
}

func (r *Relay) bufferPending(dcidKey string, srcAddr *net.UDPAddr, datagram []byte) {
	v, _ := r.pending.LoadOrStore(dcidKey, &pendingClient{srcAddr: srcAddr, created: time.Now()})
	pc := v.(*pendingClient)

	pc.mu.Lock()
	defer pc.mu.Unlock()
	if len(pc.datagrams) >= maxPendingDatagrams {
		return
	}
	pc.datagrams = append(pc.datagrams, datagram)
}

func (r *Relay) establishSession(ctx context.Context, srcAddr *net.UDPAddr, dcidKey, sni string, latest []byte) {
	defer r.pending.Delete(dcidKey)

	if !r.allow.IsAllowed(sni) {
		metrics.SessionsRejected.WithLabelValues(ingressPath, "denied").Inc()
		r.log.Info().Str("client", srcAddr.String()).Str("sni", sni).Msg("rejected: sni not in allow-list")
		return
	}

	target, usedStrategy, err := r.resolveTarget(ctx, sni)
	if err != nil {
		metrics.SessionsRejected.WithLabelValues(ingressPath, "no_route").Inc()
		r.log.Info().Str("client", srcAddr.String()).Str("sni", sni).Err(err).Msg("rejected: no route")
		return
	}

	backend, err := r.socksClient.AssociateUDP(ctx, target)
	if err != nil {
		metrics.SessionsRejected.WithLabelValues(ingressPath, "backend_unreachable").Inc()
		r.log.Warn().Str("client", srcAddr.String()).Str("target", target).Err(err).Msg("socks5 udp associate failed")
		return
	}

	sess := &session{
		clientAddr: srcAddr,
		backend:    backend,
		sni:        sni,
		target:     target,
		lastSeen:   time.Now(),
	}
	r.sessions.Store(srcAddr.String(), sess)
	metrics.SessionsCreated.WithLabelValues(ingressPath, string(usedStrategy)).Inc()
	metrics.ActiveSessions.WithLabelValues(ingressPath).Inc()

	r.log.Info().Str("client", srcAddr.String()).Str("sni", sni).Str("target", target).Msg("session established")

	if v, ok := r.pending.Load(dcidKey); ok {
		pc := v.(*pendingClient)
		pc.mu.Lock()
		for _, dg := range pc.datagrams {
			backend.Write(dg)
		}
		pc.mu.Unlock()
	}
	backend.Write(latest)

	go r.pumpBackend(sess)
}

// resolveTarget tries any operator-registered override first, then falls
// back to resolving the SNI itself via DNS on port 443 (spec.md §4.9: "a
// DNS lookup" is the default, not a last-ditch special case — a transparent
// proxy forwards to the host the client actually asked for).
func (r *Relay) resolveTarget(ctx context.Context, sni string) (string, strategy.StrategyType, error) {
	if s := r.manager.Get(strategy.StrategySimple); s != nil {
		if target, err := s.Resolve(ctx, sni); err == nil {
			return target, strategy.StrategySimple, nil
		}
	}
	if s := r.manager.Get(strategy.StrategyAgones); s != nil {
		if target, err := s.Resolve(ctx, sni); err == nil {
			return target, strategy.StrategyAgones, nil
		}
	}
	if s := r.manager.Get(strategy.StrategyDNS); s != nil {
		if target, err := s.Resolve(ctx, sni); err == nil {
			return target, strategy.StrategyDNS, nil
		}
	}
	return "", "", fmt.Errorf("no route for SNI %s", sni)
}

func (r *Relay) pumpBackend(sess *session) {
	defer func() {
		r.sessions.Delete(sess.clientAddr.String())
		sess.close()
		metrics.SessionsClosed.WithLabelValues(ingressPath, "backend_closed").Inc()
		metrics.ActiveSessions.WithLabelValues(ingressPath).Dec()
	}()

	buf := make([]byte, 65535)
	for {
		n, err := sess.backend.Read(buf)
		if err != nil {
			return
		}

		if _, err := r.conn.WriteToUDP(buf[:n], sess.clientAddr); err != nil {
			r.log.Warn().Err(err).Str("client", sess.clientAddr.String()).Msg("write back to client failed")
			return
		}
		metrics.PacketsRelayed.WithLabelValues(ingressPath, "backend_to_client").Inc()
	}
}

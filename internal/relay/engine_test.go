package relay

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/arcsni/porter-sni/internal/allowlist"
	"github.com/arcsni/porter-sni/internal/config"
	"github.com/arcsni/porter-sni/internal/quic"
	"github.com/arcsni/porter-sni/internal/socks5"
	"github.com/arcsni/porter-sni/internal/strategy"
	"github.com/rs/zerolog"
)

// fakeBackend is a socks5.UDPRelay stand-in that records what gets written
// to it instead of actually talking to a SOCKS5 proxy, so the session
// manager's own logic can be exercised without a real relay (spec §8's
// "loopback UDP socket, fake SOCKS5 relay" integration tests).
type fakeBackend struct {
	mu      sync.Mutex
	written [][]byte
	closed  chan struct{}
	once    sync.Once
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{closed: make(chan struct{})}
}

func (f *fakeBackend) Write(b []byte) (int, error) {
	f.mu.Lock()
	f.written = append(f.written, append([]byte(nil), b...))
	f.mu.Unlock()
	return len(b), nil
}

// Read blocks until the backend is closed, so the forward task's read loop
// stays alive for the duration of the test instead of tearing the session
// down immediately.
func (f *fakeBackend) Read(b []byte) (int, error) {
	<-f.closed
	return 0, io.EOF
}

func (f *fakeBackend) Close() error {
	f.once.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeBackend) LocalAddr() net.Addr                { return &net.UDPAddr{} }
func (f *fakeBackend) RemoteAddr() net.Addr               { return &net.UDPAddr{} }
func (f *fakeBackend) SetDeadline(t time.Time) error      { return nil }
func (f *fakeBackend) SetReadDeadline(t time.Time) error  { return nil }
func (f *fakeBackend) SetWriteDeadline(t time.Time) error { return nil }

func (f *fakeBackend) writeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.written)
}

// fakeAssociator hands out a single fakeBackend for every AssociateUDP call
// and records the targets it was asked to associate to.
type fakeAssociator struct {
	mu      sync.Mutex
	backend *fakeBackend
	targets []string
}

func (f *fakeAssociator) AssociateUDP(ctx context.Context, target string) (socks5.UDPRelay, error) {
	f.mu.Lock()
	f.targets = append(f.targets, target)
	f.mu.Unlock()
	return f.backend, nil
}

func newTestRelay(t *testing.T, assoc *fakeAssociator) *Relay {
	t.Helper()

	manager := strategy.NewStrategyManager()
	simple := strategy.NewSimpleStrategy()
	simple.UpdateRoute("example.com", "127.0.0.1:9")
	manager.Register(strategy.StrategySimple, simple)

	return &Relay{
		cfg:         &config.Config{},
		manager:     manager,
		allow:       allowlist.New(nil),
		socksClient: assoc,
		log:         zerolog.Nop(),
		cryptoStore: quic.NewPendingCryptoStore(quic.DefaultPendingTTL, 128),
	}
}

func sessionCount(r *Relay) int {
	n := 0
	r.sessions.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// TestHandlePacketEstablishesOneSessionAndForwardsOpaqueFollowups covers
// spec §8 scenario 5: a valid Initial establishes exactly one session, and
// a subsequent opaque short-header datagram from the same client address is
// forwarded through that session without being re-parsed as QUIC.
func TestHandlePacketEstablishesOneSessionAndForwardsOpaqueFollowups(t *testing.T) {
	assoc := &fakeAssociator{backend: newFakeBackend()}
	r := newTestRelay(t, assoc)
	t.Cleanup(func() { assoc.backend.Close() })

	clientAddr := &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 40000}
	dcid := []byte{0x83, 0x94, 0xc8, 0xf0, 0x3e, 0x51, 0x57, 0x08}

	initial := buildInitialTestPacket(t, dcid, "example.com")
	r.handleDatagram(context.Background(), clientAddr, initial)

	if got := sessionCount(r); got != 1 {
		t.Fatalf("sessions after Initial = %d, want 1", got)
	}
	if got := assoc.backend.writeCount(); got != 1 {
		t.Fatalf("backend writes after Initial = %d, want 1", got)
	}

	// An opaque short-header packet (top bit of the first byte clear) is
	// not a QUIC long header at all; it must never reach the QUIC parser
	// once a session exists for this client address.
	opaque := []byte{0x40, 0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0xff}
	r.handleDatagram(context.Background(), clientAddr, opaque)

	if got := sessionCount(r); got != 1 {
		t.Fatalf("sessions after opaque follow-up = %d, want 1 (no second session)", got)
	}
	if got := assoc.backend.writeCount(); got != 2 {
		t.Fatalf("backend writes after opaque follow-up = %d, want 2", got)
	}
	if len(assoc.targets) != 1 {
		t.Fatalf("AssociateUDP called %d times, want exactly 1", len(assoc.targets))
	}
}

// TestHandlePacketIdempotentOnReplayedInitial covers spec §8's idempotence
// property: replaying the original Initial once the session is active
// forwards via the existing session and does not create a second one.
func TestHandlePacketIdempotentOnReplayedInitial(t *testing.T) {
	assoc := &fakeAssociator{backend: newFakeBackend()}
	r := newTestRelay(t, assoc)
	t.Cleanup(func() { assoc.backend.Close() })

	clientAddr := &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 40001}
	dcid := []byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08}

	initial := buildInitialTestPacket(t, dcid, "example.com")

	r.handleDatagram(context.Background(), clientAddr, initial)
	if got := sessionCount(r); got != 1 {
		t.Fatalf("sessions after first Initial = %d, want 1", got)
	}

	// Replay the exact same datagram. The session already exists for this
	// client address, so it must be forwarded raw, not re-parsed/re-decrypted.
	r.handleDatagram(context.Background(), clientAddr, initial)

	if got := sessionCount(r); got != 1 {
		t.Fatalf("sessions after replayed Initial = %d, want 1 (idempotent)", got)
	}
	if len(assoc.targets) != 1 {
		t.Fatalf("AssociateUDP called %d times across replay, want exactly 1", len(assoc.targets))
	}
	if got := assoc.backend.writeCount(); got != 2 {
		t.Fatalf("backend writes after replay = %d, want 2 (initial establish + replay forward)", got)
	}
}

// TestHandlePacketRejectsDeniedSNI covers the allow-list reject path: no
// session is created and no SOCKS5 association is attempted.
func TestHandlePacketRejectsDeniedSNI(t *testing.T) {
	assoc := &fakeAssociator{backend: newFakeBackend()}
	r := newTestRelay(t, assoc)
	r.allow = allowlist.New([]string{"*.allowed.example"})
	t.Cleanup(func() { assoc.backend.Close() })

	clientAddr := &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 40002}
	dcid := []byte{0x10, 0x11, 0x12, 0x13, 0x14, 0x15, 0x16, 0x17}

	initial := buildInitialTestPacket(t, dcid, "example.com")
	r.handleDatagram(context.Background(), clientAddr, initial)

	if got := sessionCount(r); got != 0 {
		t.Fatalf("sessions after denied SNI = %d, want 0", got)
	}
	if len(assoc.targets) != 0 {
		t.Fatalf("AssociateUDP called %d times for a denied SNI, want 0", len(assoc.targets))
	}
}

// --- test packet construction -----------------------------------------
//
// Builds a real, correctly-encrypted QUIC v1 Initial packet carrying a
// minimal ClientHello with the given SNI as a single CRYPTO frame, using
// only the quic package's exported API plus stdlib crypto (mirrors
// internal/quic's own extract_test.go helpers, duplicated here since this
// package can't reach quic's unexported test helpers or constants).

const (
	testFrameTypeCrypto  = 0x06
	testFrameTypePadding = 0x00
	testGCMTagLen        = 16
	testSampleLen         = 16
)

func buildClientHelloForTest(sni string) []byte {
	var body []byte
	body = append(body, 0x03, 0x03)
	body = append(body, make([]byte, 32)...)
	body = append(body, 0x00)
	body = append(body, 0x00, 0x02, 0x13, 0x01)
	body = append(body, 0x01, 0x00)

	nameBytes := []byte(sni)
	serverNameList := append([]byte{0x00, byte(len(nameBytes) >> 8), byte(len(nameBytes))}, nameBytes...)
	listLen := len(serverNameList)
	sniExt := []byte{byte(listLen >> 8), byte(listLen)}
	sniExt = append(sniExt, serverNameList...)

	var ext []byte
	ext = append(ext, 0x00, 0x00)
	ext = append(ext, byte(len(sniExt)>>8), byte(len(sniExt)))
	ext = append(ext, sniExt...)

	extsLen := len(ext)
	body = append(body, byte(extsLen>>8), byte(extsLen))
	body = append(body, ext...)

	var handshake []byte
	handshake = append(handshake, 0x01)
	handshake = append(handshake, byte(len(body)>>16), byte(len(body)>>8), byte(len(body)))
	handshake = append(handshake, body...)
	return handshake
}

func buildInitialTestPacket(t *testing.T, dcid []byte, sni string) []byte {
	t.Helper()

	clientHello := buildClientHelloForTest(sni)
	scid := []byte{0x0a, 0x0b, 0x0c, 0x0d}

	var cryptoFrame []byte
	cryptoFrame = append(cryptoFrame, testFrameTypeCrypto)
	cryptoFrame = append(cryptoFrame, quic.WriteVarInt(0)...)
	cryptoFrame = append(cryptoFrame, quic.WriteVarInt(uint64(len(clientHello)))...)
	cryptoFrame = append(cryptoFrame, clientHello...)

	const pnLen = 1
	plaintext := append([]byte(nil), cryptoFrame...)
	for len(plaintext) < 64 {
		plaintext = append(plaintext, testFrameTypePadding)
	}

	keys, err := quic.DeriveInitialKeys(dcid, quic.Version1, quic.RoleClient)
	if err != nil {
		t.Fatal(err)
	}

	var header []byte
	header = append(header, 0xc0)
	header = append(header, 0x00, 0x00, 0x00, 0x01)
	header = append(header, byte(len(dcid)))
	header = append(header, dcid...)
	header = append(header, byte(len(scid)))
	header = append(header, scid...)
	header = append(header, 0x00) // token length 0

	pn := uint64(0)
	pnBytes := []byte{byte(pn)}

	payloadLen := pnLen + len(plaintext) + testGCMTagLen
	header = append(header, quic.WriteVarInt(uint64(payloadLen))...)

	pnOffset := len(header)
	aad := append(append([]byte(nil), header...), pnBytes...)

	block, err := aes.NewCipher(keys.Key[:])
	if err != nil {
		t.Fatal(err)
	}
	aesgcm, err := cipher.NewGCM(block)
	if err != nil {
		t.Fatal(err)
	}
	nonce := quic.ConstructNonce(keys.IV, pn)
	ciphertext := aesgcm.Seal(nil, nonce[:], plaintext, aad)

	packet := append(append([]byte(nil), aad...), ciphertext...)

	sampleOffset := pnOffset + 4
	sample := packet[sampleOffset : sampleOffset+testSampleLen]

	hpBlock, err := aes.NewCipher(keys.HP[:])
	if err != nil {
		t.Fatal(err)
	}
	mask := make([]byte, testSampleLen)
	hpBlock.Encrypt(mask, sample)

	packet[0] ^= mask[0] & 0x0f
	for i := 0; i < pnLen; i++ {
		packet[pnOffset+i] ^= mask[1+i]
	}

	return packet
}

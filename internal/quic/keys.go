package quic

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"encoding/binary"
	"io"

	"golang.org/x/crypto/hkdf"
)

// Role distinguishes which side of the handshake a set of Initial keys
// protects. QUIC Initial packets look identical from either direction, so
// the extractor has to try both labels (see Extract).
type Role int

const (
	RoleClient Role = iota
	RoleServer
)

func (r Role) label() string {
	if r == RoleServer {
		return "server in"
	}
	return "client in"
}

// initial salts, RFC 9001 §5.2 (v1) and RFC 9369 §3.3.1 (v2).
var (
	saltV1 = []byte{0x38, 0x76, 0x2c, 0xf7, 0xf5, 0x59, 0x34, 0xb3, 0x4d, 0x17, 0x9a, 0xe6, 0xa4, 0xc8, 0x0c, 0xad, 0xcc, 0xbb, 0x7f, 0x0a}
	saltV2 = []byte{0x0d, 0xed, 0xe3, 0xde, 0xf7, 0x00, 0xa6, 0xdb, 0x81, 0x93, 0x81, 0xbe, 0x6e, 0x26, 0x9d, 0xcb, 0xf9, 0xbd, 0x2e, 0xd9}
)

// InitialKeys are the per-role AEAD/header-protection material derived from
// a Destination Connection ID. They have no lifecycle beyond the call that
// derives them; callers never cache them across packets.
type InitialKeys struct {
	Key  [16]byte
	IV   [12]byte
	HP   [16]byte
	hpCipher cipher.Block
}

// DeriveInitialKeys runs the TLS 1.3 / QUIC key schedule (RFC 9001 §5.1)
// for the given DCID, QUIC version and role. Unknown versions fall back to
// the v1 salt, matching the permissive parsing mode.
func DeriveInitialKeys(dcid []byte, version uint32, role Role) (*InitialKeys, error) {
	salt := saltV1
	keyLabel, ivLabel, hpLabel := "quic key", "quic iv", "quic hp"
	if version == Version2 {
		salt = saltV2
		keyLabel, ivLabel, hpLabel = "quicv2 key", "quicv2 iv", "quicv2 hp"
	}

	initialSecret := hkdf.Extract(sha256.New, dcid, salt)
	roleSecret := expandLabel(initialSecret, role.label(), 32)

	keys := &InitialKeys{}
	copy(keys.Key[:], expandLabel(roleSecret, keyLabel, 16))
	copy(keys.IV[:], expandLabel(roleSecret, ivLabel, 12))
	copy(keys.HP[:], expandLabel(roleSecret, hpLabel, 16))

	block, err := aes.NewCipher(keys.HP[:])
	if err != nil {
		return nil, ErrKeyDerivation
	}
	keys.hpCipher = block

	return keys, nil
}

// expandLabel implements HKDF-Expand-Label from TLS 1.3 (RFC 8446 §7.1)
// with an empty context, as used by the QUIC key schedule.
func expandLabel(secret []byte, label string, length int) []byte {
	fullLabel := "tls13 " + label
	info := make([]byte, 2+1+len(fullLabel)+1)
	binary.BigEndian.PutUint16(info[0:2], uint16(length))
	info[2] = byte(len(fullLabel))
	copy(info[3:], fullLabel)
	info[3+len(fullLabel)] = 0

	out := make([]byte, length)
	r := hkdf.Expand(sha256.New, secret, info)
	_, _ = io.ReadFull(r, out)
	return out
}

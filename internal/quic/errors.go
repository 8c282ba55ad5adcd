package quic

import "errors"

// Sentinel errors returned by the header parser and decryptor. Callers use
// errors.Is to decide whether a datagram should be treated as non-QUIC
// (dropped silently) or logged as a decrypt failure.
var (
	ErrNotInitial         = errors.New("quic: not an Initial packet")
	ErrTruncated          = errors.New("quic: packet truncated")
	ErrUnsupportedVersion = errors.New("quic: unsupported version")
	ErrVersionNegotiation = errors.New("quic: version negotiation packet")
	ErrDecryptionFailed   = errors.New("quic: decryption failed")
	ErrKeyDerivation      = errors.New("quic: key derivation failed")
)

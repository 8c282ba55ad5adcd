package quic

import (
	"errors"
	"time"

	tlssni "github.com/arcsni/porter-sni/internal/tls"
)

// Outcome classifies the result of a single extraction attempt so the
// session manager can decide whether to wait for more packets, drop the
// attempt, or proceed to routing.
type Outcome int

const (
	// OutcomeFound means the SNI was recovered and the reassembly for this
	// DCID is now terminal (Complete state).
	OutcomeFound Outcome = iota
	// OutcomeNoSNIYet means the CRYPTO stream isn't contiguous yet, or the
	// ClientHello inside it is truncated; the caller should keep buffering.
	OutcomeNoSNIYet
	// OutcomeNoSNI means a complete ClientHello was parsed but it carried
	// no server_name extension, or the decrypted CRYPTO stream could not be
	// parsed as a ClientHello (the parse error is returned alongside).
	OutcomeNoSNI
	// OutcomeNotInitial means the datagram isn't a QUIC Initial packet at
	// all (short header, wrong packet type, or version negotiation).
	OutcomeNotInitial
	// OutcomeDecryptFailed means both roles were tried and neither produced
	// valid reserved bits + a successful AEAD open.
	OutcomeDecryptFailed
)

// Extract runs the full end-to-end SNI extraction pipeline (spec §4.8) over
// a single QUIC Initial packet (or the Initial-only prefix of a coalesced
// datagram): parse header, try both roles' keys, remove header protection,
// AEAD-decrypt, scan CRYPTO frames, merge into the DCID's pending
// reassembly, and attempt to parse a ClientHello out of the result.
//
// packet is read-only from the caller's perspective; extraction works on
// an internal copy so retrying the other role never sees partially-unmasked
// bytes from a prior attempt.
func Extract(store *PendingCryptoStore, packet []byte, now time.Time) (string, *InitialHeader, Outcome, error) {
	header, err := ParseInitialHeader(packet, false)
	if err != nil {
		return "", nil, OutcomeNotInitial, err
	}

	for _, role := range [...]Role{RoleClient, RoleServer} {
		pkt := make([]byte, len(packet))
		copy(pkt, packet)

		keys, err := DeriveInitialKeys(header.DCID, header.Version, role)
		if err != nil {
			continue
		}

		firstByte, pn, pnLen, err := RemoveHeaderProtection(pkt, header.PNOffset, keys)
		if err != nil {
			continue
		}
		if reserved := (firstByte & 0x0c) >> 2; reserved != 0 {
			continue // wrong role's keys: reserved bits must be zero
		}

		payloadStart := header.PNOffset + pnLen
		if payloadStart > header.FullLength || len(pkt) < header.FullLength {
			continue
		}
		aad := pkt[:payloadStart]
		ciphertext := pkt[payloadStart:header.FullLength]

		plaintext, err := DecryptPayload(keys, pn, aad, ciphertext)
		if err != nil {
			continue
		}

		fragments := ScanFrames(plaintext)
		stream := store.Merge(header.DCID, role, fragments, now)
		if len(stream) == 0 {
			return "", header, OutcomeNoSNIYet, nil
		}

		sni, err := tlssni.ExtractServerName(stream)
		switch {
		case errors.Is(err, tlssni.ErrTruncated):
			return "", header, OutcomeNoSNIYet, nil
		case err != nil:
			return "", header, OutcomeNoSNI, err
		case sni == "":
			store.MarkComplete(header.DCID)
			return "", header, OutcomeNoSNI, nil
		default:
			store.MarkComplete(header.DCID)
			return sni, header, OutcomeFound, nil
		}
	}

	return "", header, OutcomeDecryptFailed, ErrDecryptionFailed
}

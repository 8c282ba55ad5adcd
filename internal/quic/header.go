package quic

import "encoding/binary"

// QUIC version numbers this proxy recognizes. Any other value is treated as
// "unknown" — permissive mode lets it through keyed off the v1 salt (per
// RFC 9001, the wire layout of the Initial long header itself does not vary
// with version), strict mode rejects it outright.
const (
	Version1 uint32 = 0x00000001
	Version2 uint32 = 0x6b3343cf
	VersionNegotiation uint32 = 0x00000000
)

const maxConnIDLen = 20

// InitialHeader is the parsed long-header fields of a QUIC Initial packet,
// per spec InitialHeader: pn_offset + payload_len never exceeds the packet
// length for a well-formed header.
type InitialHeader struct {
	FirstByte  byte
	Version    uint32
	DCID       []byte
	SCID       []byte
	TokenLen   int
	PayloadLen int
	PNOffset   int
	// FullLength is the offset one past this packet's payload, i.e. where a
	// coalesced successor packet (if any) would begin in the datagram.
	FullLength int
}

// ParseInitialHeader parses a QUIC long-header Initial packet out of data.
// strict controls whether an unrecognized (non-v1, non-v2) version is
// rejected (true) or passed through for permissive handling (false).
func ParseInitialHeader(data []byte, strict bool) (*InitialHeader, error) {
	if len(data) == 0 {
		return nil, ErrTruncated
	}

	first := data[0]
	if first&0x80 == 0 {
		return nil, ErrNotInitial
	}
	if len(data) < 5 {
		return nil, ErrTruncated
	}

	version := binary.BigEndian.Uint32(data[1:5])
	if version == VersionNegotiation {
		return nil, ErrVersionNegotiation
	}

	packetType := (first & 0x30) >> 4
	if packetType != 0x00 {
		return nil, ErrNotInitial
	}

	if version != Version1 && version != Version2 && strict {
		return nil, ErrUnsupportedVersion
	}

	h := &InitialHeader{FirstByte: first, Version: version}

	curr := 5
	if len(data) < curr+1 {
		return nil, ErrTruncated
	}
	dcidLen := int(data[curr])
	curr++
	if dcidLen > maxConnIDLen || len(data) < curr+dcidLen {
		return nil, ErrTruncated
	}
	h.DCID = data[curr : curr+dcidLen]
	curr += dcidLen

	if len(data) < curr+1 {
		return nil, ErrTruncated
	}
	scidLen := int(data[curr])
	curr++
	if scidLen > maxConnIDLen || len(data) < curr+scidLen {
		return nil, ErrTruncated
	}
	h.SCID = data[curr : curr+scidLen]
	curr += scidLen

	tokenLen, n, err := ReadVarInt(data[curr:])
	if err != nil {
		return nil, ErrTruncated
	}
	curr += n
	h.TokenLen = int(tokenLen)
	if len(data) < curr+h.TokenLen {
		return nil, ErrTruncated
	}
	curr += h.TokenLen

	payloadLen, n, err := ReadVarInt(data[curr:])
	if err != nil {
		return nil, ErrTruncated
	}
	curr += n
	h.PayloadLen = int(payloadLen)
	h.PNOffset = curr

	if len(data) < h.PNOffset+h.PayloadLen {
		return nil, ErrTruncated
	}
	h.FullLength = h.PNOffset + h.PayloadLen

	return h, nil
}

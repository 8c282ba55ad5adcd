package quic

const (
	frameTypePadding = 0x00
	frameTypePing    = 0x01
	frameTypeAckLow  = 0x02
	frameTypeAckHigh = 0x03
	frameTypeCrypto  = 0x06
)

// CryptoFragment is one CRYPTO frame's (offset, data) pair, as collected
// from a single decrypted Initial packet's plaintext.
type CryptoFragment struct {
	Offset uint64
	Data   []byte
}

// ScanFrames walks a decrypted QUIC Initial payload and extracts every
// CRYPTO frame fragment. PADDING and PING carry no further bytes and are
// skipped; ACK frames and any frame type this scanner doesn't implement
// stop the scan (the CRYPTO fragments already collected may still be
// enough to complete reassembly).
func ScanFrames(payload []byte) []CryptoFragment {
	var fragments []CryptoFragment

	curr := 0
	for curr < len(payload) {
		frameType := payload[curr]
		switch frameType {
		case frameTypePadding, frameTypePing:
			curr++
		case frameTypeCrypto:
			rest := payload[curr+1:]
			offset, n, err := ReadVarInt(rest)
			if err != nil {
				return fragments
			}
			rest = rest[n:]
			length, n2, err := ReadVarInt(rest)
			if err != nil {
				return fragments
			}
			rest = rest[n2:]
			if uint64(len(rest)) < length {
				return fragments
			}
			data := make([]byte, length)
			copy(data, rest[:length])
			fragments = append(fragments, CryptoFragment{Offset: offset, Data: data})
			curr += 1 + n + n2 + int(length)
		default:
			// ACK (0x02/0x03) and anything else: stop scanning this packet.
			return fragments
		}
	}
	return fragments
}

package quic

const sampleLen = 16

// RemoveHeaderProtection unmasks the first byte and packet number of an
// Initial packet in place (RFC 9001 §5.4). pnOffset is the byte at which the
// (still-protected) packet number begins. The sample used to generate the
// mask starts 4 bytes into the packet number field, per the Initial-specific
// sampling offset in RFC 9001 §5.4.2.
//
// It returns the now-unprotected first byte, the decoded packet number
// (truncation decoding against an assumed expected PN of 0, which is valid
// for the small PNs Initial packets use) and the packet number's length in
// bytes (1-4). Callers must inspect the first byte's reserved bits (0x0c)
// themselves: QUIC Initial headers look the same in both directions, so a
// non-zero reserved bit after unmasking means the wrong role's keys were
// used, not that the packet is malformed.
func RemoveHeaderProtection(packet []byte, pnOffset int, keys *InitialKeys) (byte, uint64, int, error) {
	sampleOffset := pnOffset + 4
	if len(packet) < sampleOffset+sampleLen {
		return 0, 0, 0, ErrTruncated
	}
	sample := packet[sampleOffset : sampleOffset+sampleLen]

	mask := make([]byte, sampleLen)
	keys.hpCipher.Encrypt(mask, sample)

	unprotectedFirstByte := packet[0] ^ (mask[0] & 0x0f)
	pnLen := int(unprotectedFirstByte&0x03) + 1

	if len(packet) < pnOffset+pnLen {
		return 0, 0, 0, ErrTruncated
	}

	var pn uint64
	for i := 0; i < pnLen; i++ {
		packet[pnOffset+i] ^= mask[1+i]
		pn = (pn << 8) | uint64(packet[pnOffset+i])
	}
	packet[0] = unprotectedFirstByte

	return unprotectedFirstByte, pn, pnLen, nil
}

package quic

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"
)

const gcmTagLen = 16

// ConstructNonce builds the AES-GCM nonce for an Initial packet: the 12-byte
// IV with the packet number XORed into its trailing 8 bytes (RFC 9001
// §5.3).
func ConstructNonce(iv [12]byte, pn uint64) [12]byte {
	var nonce [12]byte
	nonce = iv
	var pnBytes [8]byte
	binary.BigEndian.PutUint64(pnBytes[:], pn)
	for i := 0; i < 8; i++ {
		nonce[4+i] ^= pnBytes[i]
	}
	return nonce
}

// DecryptPayload opens the AEAD-protected region of an unprotected Initial
// packet. aad is the header bytes up to and including the packet number;
// ciphertext is the remaining bytes up to the packet's payload length field
// (tag included in its final 16 bytes).
func DecryptPayload(keys *InitialKeys, pn uint64, aad, ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < gcmTagLen {
		return nil, ErrDecryptionFailed
	}

	block, err := aes.NewCipher(keys.Key[:])
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	aesgcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, ErrDecryptionFailed
	}

	nonce := ConstructNonce(keys.IV, pn)
	plaintext, err := aesgcm.Open(nil, nonce[:], ciphertext, aad)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}

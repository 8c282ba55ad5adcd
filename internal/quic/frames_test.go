package quic

import (
	"bytes"
	"testing"
)

func buildCryptoFrame(offset uint64, data []byte) []byte {
	var out []byte
	out = append(out, frameTypeCrypto)
	out = append(out, WriteVarInt(offset)...)
	out = append(out, WriteVarInt(uint64(len(data)))...)
	out = append(out, data...)
	return out
}

func TestScanFramesSingleCrypto(t *testing.T) {
	data := []byte("client hello bytes")
	payload := buildCryptoFrame(0, data)

	frags := ScanFrames(payload)
	if len(frags) != 1 {
		t.Fatalf("expected 1 fragment, got %d", len(frags))
	}
	if frags[0].Offset != 0 || !bytes.Equal(frags[0].Data, data) {
		t.Errorf("unexpected fragment: %+v", frags[0])
	}
}

func TestScanFramesSkipsPaddingAndPing(t *testing.T) {
	data := []byte("hello")
	var payload []byte
	payload = append(payload, frameTypePadding, frameTypePadding, frameTypePing)
	payload = append(payload, buildCryptoFrame(0, data)...)
	payload = append(payload, frameTypePadding)

	frags := ScanFrames(payload)
	if len(frags) != 1 || !bytes.Equal(frags[0].Data, data) {
		t.Fatalf("unexpected fragments: %+v", frags)
	}
}

func TestScanFramesStopsAtAck(t *testing.T) {
	var payload []byte
	payload = append(payload, buildCryptoFrame(0, []byte("first"))...)
	payload = append(payload, frameTypeAckLow, 0x00, 0x00, 0x00)
	payload = append(payload, buildCryptoFrame(5, []byte("second"))...)

	frags := ScanFrames(payload)
	if len(frags) != 1 {
		t.Fatalf("expected scanning to stop at ACK, got %d fragments", len(frags))
	}
}

func TestScanFramesMultipleCryptoFragments(t *testing.T) {
	var payload []byte
	payload = append(payload, buildCryptoFrame(0, []byte("AAAA"))...)
	payload = append(payload, buildCryptoFrame(4, []byte("BBBB"))...)

	frags := ScanFrames(payload)
	if len(frags) != 2 {
		t.Fatalf("expected 2 fragments, got %d", len(frags))
	}
	if frags[0].Offset != 0 || frags[1].Offset != 4 {
		t.Errorf("unexpected offsets: %+v", frags)
	}
}

func TestScanFramesTruncatedCryptoStopsCleanly(t *testing.T) {
	full := buildCryptoFrame(0, []byte("0123456789"))
	truncated := full[:len(full)-3]

	frags := ScanFrames(truncated)
	if len(frags) != 0 {
		t.Errorf("expected no fragments from a truncated frame, got %+v", frags)
	}
}

package quic

import "testing"

func TestReadVarIntExamples(t *testing.T) {
	// RFC 9000 §A.1 worked examples.
	cases := []struct {
		data []byte
		want uint64
		n    int
	}{
		{[]byte{0xc2, 0x19, 0x7c, 0x5e, 0xff, 0x14, 0xe8, 0x8c}, 151288809941952652, 8},
		{[]byte{0x9d, 0x7f, 0x3e, 0x7d}, 494878333, 4},
		{[]byte{0x7b, 0xbd}, 15293, 2},
		{[]byte{0x25}, 37, 1},
		{[]byte{0x40, 0x25}, 37, 2},
	}

	for _, c := range cases {
		got, n, err := ReadVarInt(c.data)
		if err != nil {
			t.Fatalf("ReadVarInt(%x): %v", c.data, err)
		}
		if got != c.want || n != c.n {
			t.Errorf("ReadVarInt(%x) = (%d, %d), want (%d, %d)", c.data, got, n, c.want, c.n)
		}
	}
}

func TestReadVarIntTruncated(t *testing.T) {
	if _, _, err := ReadVarInt(nil); err != ErrTruncated {
		t.Errorf("expected ErrTruncated for empty input, got %v", err)
	}
	if _, _, err := ReadVarInt([]byte{0xc2, 0x19}); err != ErrTruncated {
		t.Errorf("expected ErrTruncated for short 8-byte varint, got %v", err)
	}
}

func TestVarIntRoundTrip(t *testing.T) {
	values := []uint64{0, 1, 37, 63, 64, 16383, 16384, 1073741823, 1073741824, 151288809941952652, 4611686018427387903}
	for _, v := range values {
		encoded := WriteVarInt(v)
		got, n, err := ReadVarInt(encoded)
		if err != nil {
			t.Fatalf("ReadVarInt(WriteVarInt(%d)): %v", v, err)
		}
		if got != v {
			t.Errorf("round trip %d: got %d", v, got)
		}
		if n != len(encoded) {
			t.Errorf("round trip %d: consumed %d of %d encoded bytes", v, n, len(encoded))
		}
	}
}

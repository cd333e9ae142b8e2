package zipcore

import (
	"bytes"
	"testing"
)

func TestBitReaderLSBFirst(t *testing.T) {
	// 0xB2 = 1011 0010. LSB-first delivers the low nibble first.
	br := newBitReader(bytes.NewReader([]byte{0xB2}), lsbFirst)
	if v := br.ReadBits(4); v != 0x2 {
		t.Fatalf("first nibble = %#x, want 0x2", v)
	}
	if v := br.ReadBits(4); v != 0xB {
		t.Fatalf("second nibble = %#x, want 0xB", v)
	}
	if v := br.ReadBits(1); v != -1 {
		t.Fatalf("expected EOF (-1), got %d", v)
	}
}

func TestBitReaderMSBFirst(t *testing.T) {
	// 0xB2 = 1011 0010. MSB-first delivers the high nibble first.
	br := newBitReader(bytes.NewReader([]byte{0xB2}), msbFirst)
	if v := br.ReadBits(4); v != 0xB {
		t.Fatalf("first nibble = %#x, want 0xB", v)
	}
	if v := br.ReadBits(4); v != 0x2 {
		t.Fatalf("second nibble = %#x, want 0x2", v)
	}
	if v := br.ReadBits(1); v != -1 {
		t.Fatalf("expected EOF (-1), got %d", v)
	}
}

func TestBitReaderSpansBytesLSB(t *testing.T) {
	// bytes 0x01, 0x02 => bit stream (LSB-first) is byte0 bits 0..7 then
	// byte1 bits 0..7: 1000 0000 0100 0000 (low to high).
	br := newBitReader(bytes.NewReader([]byte{0x01, 0x02}), lsbFirst)
	if v := br.ReadBits(9); v != 0x1 {
		t.Fatalf("ReadBits(9) = %#x, want 0x1", v)
	}
	if v := br.ReadBits(7); v != 1 {
		t.Fatalf("ReadBits(7) = %#x, want 1", v)
	}
}

func TestBitReaderAlignToByte(t *testing.T) {
	br := newBitReader(bytes.NewReader([]byte{0xFF, 0xAA}), lsbFirst)
	br.ReadBits(3)
	br.AlignToByte()
	if v := br.ReadBits(8); v != 0xAA {
		t.Fatalf("after align, next byte = %#x, want 0xAA", v)
	}
}

func TestBitReaderClearCache(t *testing.T) {
	br := newBitReader(bytes.NewReader([]byte{0xFF, 0xAA}), lsbFirst)
	br.ReadBits(3)
	br.ClearCache()
	if br.cache != 0 || br.cacheLen != 0 {
		t.Fatalf("ClearCache left cache=%#x cacheLen=%d", br.cache, br.cacheLen)
	}
	if v := br.ReadBits(8); v != 0xAA {
		t.Fatalf("after clear, next byte read = %#x, want 0xAA (second byte)", v)
	}
}

func TestBitReaderBytesAvailableEstimate(t *testing.T) {
	br := newBitReader(bytes.NewReader([]byte{0x01, 0x02, 0x03}), msbFirst)
	br.ReadBits(4)
	if br.BytesAvailableEstimate() != 1 {
		t.Fatalf("BytesAvailableEstimate = %d, want 1", br.BytesAvailableEstimate())
	}
	br.ReadBits(16)
	if br.BytesAvailableEstimate() != 3 {
		t.Fatalf("BytesAvailableEstimate = %d, want 3", br.BytesAvailableEstimate())
	}
}

func TestBitReaderEmptySource(t *testing.T) {
	br := newBitReader(bytes.NewReader(nil), lsbFirst)
	if v := br.ReadBits(1); v != -1 {
		t.Fatalf("ReadBits on empty source = %d, want -1", v)
	}
}

func TestBitReaderReadBitsZero(t *testing.T) {
	br := newBitReader(bytes.NewReader([]byte{0xFF}), lsbFirst)
	if v := br.ReadBits(0); v != 0 {
		t.Fatalf("ReadBits(0) = %d, want 0", v)
	}
}

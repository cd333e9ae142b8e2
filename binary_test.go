package zipcore

import (
	"bytes"
	"io"
	"testing"
)

func TestReadUint64Widths(t *testing.T) {
	tests := []struct {
		n    int
		b    []byte
		want uint64
	}{
		{1, []byte{0xAB}, 0xAB},
		{2, []byte{0x34, 0x12}, 0x1234},
		{4, []byte{0x78, 0x56, 0x34, 0x12}, 0x12345678},
		{8, []byte{1, 2, 3, 4, 5, 6, 7, 8}, 0x0807060504030201},
		{0, []byte{}, 0},
	}
	for _, tc := range tests {
		got, err := readUint64(tc.b, tc.n)
		if err != nil {
			t.Fatalf("readUint64(%v, %d): %v", tc.b, tc.n, err)
		}
		if got != tc.want {
			t.Errorf("readUint64(%v, %d) = %#x, want %#x", tc.b, tc.n, got, tc.want)
		}
	}
}

func TestReadUint64TooWide(t *testing.T) {
	if _, err := readUint64(make([]byte, 9), 9); err != errReadLenTooLarge {
		t.Fatalf("expected errReadLenTooLarge, got %v", err)
	}
}

func TestReadUint64Truncated(t *testing.T) {
	if _, err := readUint64([]byte{1, 2}, 4); err != io.ErrUnexpectedEOF {
		t.Fatalf("expected io.ErrUnexpectedEOF, got %v", err)
	}
}

func TestLEBufRoundTrip(t *testing.T) {
	var w leBuf
	w.u8(0x11)
	w.u16(0x2233)
	w.u32(0x44556677)
	w.u64(0x8899aabbccddeeff)
	w.raw([]byte("hello"))

	r := newLEReader(w.bytes())
	if v, err := r.u8(); err != nil || v != 0x11 {
		t.Fatalf("u8 = %#x, %v", v, err)
	}
	if v, err := r.u16(); err != nil || v != 0x2233 {
		t.Fatalf("u16 = %#x, %v", v, err)
	}
	if v, err := r.u32(); err != nil || v != 0x44556677 {
		t.Fatalf("u32 = %#x, %v", v, err)
	}
	if v, err := r.u64(); err != nil || v != 0x8899aabbccddeeff {
		t.Fatalf("u64 = %#x, %v", v, err)
	}
	b, err := r.bytes(5)
	if err != nil || string(b) != "hello" {
		t.Fatalf("bytes = %q, %v", b, err)
	}
	if r.remaining() != 0 {
		t.Fatalf("remaining = %d, want 0", r.remaining())
	}
}

func TestLEReaderTruncated(t *testing.T) {
	r := newLEReader([]byte{1, 2})
	if _, err := r.u32(); err == nil {
		t.Fatal("expected error reading u32 from 2 bytes")
	}
	if _, err := r.bytes(10); err == nil {
		t.Fatal("expected error reading 10 bytes from a 2-byte buffer")
	}
}

func TestCountWriter(t *testing.T) {
	var buf bytes.Buffer
	cw := &countWriter{w: &buf}
	n, err := cw.Write([]byte("abcde"))
	if err != nil || n != 5 {
		t.Fatalf("Write = %d, %v", n, err)
	}
	if cw.count != 5 {
		t.Fatalf("count = %d, want 5", cw.count)
	}
	cw.Write([]byte("xyz"))
	if cw.count != 8 {
		t.Fatalf("count = %d, want 8", cw.count)
	}
}

func TestCountReader(t *testing.T) {
	cr := &countReader{r: bytes.NewReader([]byte("abcdefgh"))}
	buf := make([]byte, 3)
	n, err := cr.Read(buf)
	if err != nil || n != 3 {
		t.Fatalf("Read = %d, %v", n, err)
	}
	if cr.count != 3 {
		t.Fatalf("count = %d, want 3", cr.count)
	}
	io.ReadAll(cr)
	if cr.count != 8 {
		t.Fatalf("count = %d, want 8", cr.count)
	}
}

package zipcore

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// errReadLenTooLarge is returned by readUint64 when asked to decode more than
// 8 bytes at once; there is no little-endian integer wider than uint64 in
// this format.
var errReadLenTooLarge = errors.New("zipcore: read length exceeds 8 bytes")

// readUint64 decodes a little-endian unsigned integer of n bytes (n<=8)
// from the front of b. It is used for the handful of fields (Zip64 sizes,
// NTFS file times, New-Unix uid/gid) whose width depends on context.
func readUint64(b []byte, n int) (uint64, error) {
	if n > 8 {
		return 0, errReadLenTooLarge
	}
	if len(b) < n {
		return 0, io.ErrUnexpectedEOF
	}
	var v uint64
	for i := n - 1; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return v, nil
}

func readUint16(b []byte) uint16 { return binary.LittleEndian.Uint16(b) }
func readUint32(b []byte) uint32 { return binary.LittleEndian.Uint32(b) }
func readUint64LE(b []byte) uint64 { return binary.LittleEndian.Uint64(b) }

func putUint16(b []byte, v uint16) { binary.LittleEndian.PutUint16(b, v) }
func putUint32(b []byte, v uint32) { binary.LittleEndian.PutUint32(b, v) }
func putUint64(b []byte, v uint64) { binary.LittleEndian.PutUint64(b, v) }

// leBuf is an append-only little-endian byte-buffer builder, the read/write
// counterpart of the teacher's writeBuf: instead of slicing a fixed-size
// array, it grows a slice, which is convenient for the variable-length
// extra-field and data-descriptor payloads this package needs on both the
// read and write side.
type leBuf struct {
	b []byte
}

func (w *leBuf) u8(v uint8)   { w.b = append(w.b, v) }
func (w *leBuf) u16(v uint16) { var t [2]byte; putUint16(t[:], v); w.b = append(w.b, t[:]...) }
func (w *leBuf) u32(v uint32) { var t [4]byte; putUint32(t[:], v); w.b = append(w.b, t[:]...) }
func (w *leBuf) u64(v uint64) { var t [8]byte; putUint64(t[:], v); w.b = append(w.b, t[:]...) }
func (w *leBuf) raw(p []byte) { w.b = append(w.b, p...) }
func (w *leBuf) bytes() []byte { return w.b }

// leReader is a cursor over a byte slice with bounds-checked little-endian
// reads, used by the extra-field registry and the header parsers. Every
// method returns an error instead of panicking so a truncated or malformed
// field degrades into a parse error the caller can convert to an
// Unrecognized/Unparseable block per the parsing-mode policy (§4.C).
type leReader struct {
	b   []byte
	pos int
}

func newLEReader(b []byte) *leReader { return &leReader{b: b} }

func (r *leReader) remaining() int { return len(r.b) - r.pos }

func (r *leReader) need(n int) error {
	if r.remaining() < n {
		return fmt.Errorf("zipcore: unexpected end of data, need %d bytes, have %d", n, r.remaining())
	}
	return nil
}

func (r *leReader) u8() (uint8, error) {
	if err := r.need(1); err != nil {
		return 0, err
	}
	v := r.b[r.pos]
	r.pos++
	return v, nil
}

func (r *leReader) u16() (uint16, error) {
	if err := r.need(2); err != nil {
		return 0, err
	}
	v := readUint16(r.b[r.pos:])
	r.pos += 2
	return v, nil
}

func (r *leReader) u32() (uint32, error) {
	if err := r.need(4); err != nil {
		return 0, err
	}
	v := readUint32(r.b[r.pos:])
	r.pos += 4
	return v, nil
}

func (r *leReader) u64() (uint64, error) {
	if err := r.need(8); err != nil {
		return 0, err
	}
	v := readUint64LE(r.b[r.pos:])
	r.pos += 8
	return v, nil
}

func (r *leReader) bytes(n int) ([]byte, error) {
	if err := r.need(n); err != nil {
		return nil, err
	}
	v := r.b[r.pos : r.pos+n]
	r.pos += n
	return v, nil
}

// countWriter counts bytes written through it, mirroring the teacher's
// countWriter in writer.go. The sequential writer keeps its own offset and
// does not use it.
type countWriter struct {
	w     io.Writer
	count int64
}

func (w *countWriter) Write(p []byte) (int, error) {
	n, err := w.w.Write(p)
	w.count += int64(n)
	return n, err
}

// countReader counts bytes read through it; deflateDecoder uses it to
// report how many compressed bytes the inflater has pulled from its source.
type countReader struct {
	r     io.Reader
	count int64
}

func (r *countReader) Read(p []byte) (int, error) {
	n, err := r.r.Read(p)
	r.count += int64(n)
	return n, err
}

package zipcore

import (
	"io"

	"github.com/klauspost/compress/flate"
)

// deflateDecoder wraps a klauspost/compress/flate.Reader, counting bytes
// on both sides (§4.E). Readers that feed from a random-access archive
// must append one trailing zero byte to src first (§9 "Inflater padding
// byte") before constructing this decoder; newDeflateDecoder itself
// assumes src is already correctly bounded/padded.
type deflateDecoder struct {
	countingDecoder
	src io.Reader
	fr  io.ReadCloser
	cr  *countReader
}

func newDeflateDecoder(src io.Reader) *deflateDecoder {
	cr := &countReader{r: src}
	return &deflateDecoder{src: src, cr: cr, fr: flate.NewReader(cr)}
}

func (d *deflateDecoder) Read(p []byte) (int, error) {
	n, err := d.fr.Read(p)
	d.uncompressed += int64(n)
	d.compressed = d.cr.count
	return n, err
}

// Close releases the underlying inflater back to its pool.
func (d *deflateDecoder) Close() error { return d.fr.Close() }

// zeroPadded appends a single zero byte after r's content, satisfying
// inflaters (including klauspost/compress/flate's) that read one byte
// past the final deflate block when the random-access reader bounds the
// input to exactly CompressedSize (§4.G, §9).
func zeroPadded(r io.Reader) io.Reader {
	return io.MultiReader(r, &zeroByteReader{})
}

type zeroByteReader struct{ done bool }

func (z *zeroByteReader) Read(p []byte) (int, error) {
	if z.done || len(p) == 0 {
		return 0, io.EOF
	}
	p[0] = 0
	z.done = true
	return 1, nil
}

// deflateEncoder is the writer-side counterpart, used by Writer.Write.
type deflateEncoder struct {
	fw    *flate.Writer
	count int64
}

func newDeflateEncoder(dst io.Writer, level int) (*deflateEncoder, error) {
	fw, err := flate.NewWriter(dst, level)
	if err != nil {
		return nil, err
	}
	return &deflateEncoder{fw: fw}, nil
}

func (e *deflateEncoder) Write(p []byte) (int, error) {
	n, err := e.fw.Write(p)
	e.count += int64(n)
	return n, err
}

func (e *deflateEncoder) Close() error { return e.fw.Close() }

// reset allows a writer to reuse the underlying flate.Writer for the next
// entry, mirroring the teacher's single-compressor-per-stream discipline
// at lower allocation cost.
func (e *deflateEncoder) reset(dst io.Writer) { e.fw.Reset(dst) }

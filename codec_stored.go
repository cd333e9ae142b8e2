package zipcore

import "io"

// storedDecoder is a passthrough decoder for the STORED method (§4.E):
// the compressed bytes are the uncompressed bytes.
type storedDecoder struct {
	countingDecoder
	r io.Reader
}

func newStoredDecoder(r io.Reader) *storedDecoder {
	return &storedDecoder{r: r}
}

func (d *storedDecoder) Read(p []byte) (int, error) {
	n, err := d.r.Read(p)
	d.compressed += int64(n)
	d.uncompressed += int64(n)
	return n, err
}

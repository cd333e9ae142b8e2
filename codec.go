package zipcore

import "io"

// Decoder is the common contract every compression codec exposes (§4.E):
// a Read like io.Reader plus running byte-count statistics.
type Decoder interface {
	io.Reader
	// CompressedCount returns the number of compressed bytes consumed so
	// far from the underlying source.
	CompressedCount() int64
	// UncompressedCount returns the number of decompressed bytes produced
	// so far.
	UncompressedCount() int64
}

// Method names a compression method code, with the nullable lookup the
// open questions in §9 call for ("ZipMethod.getMethodByCode returns
// non-nullable in source but backing map may miss a code; specify as
// nullable/result-returning").
type Method uint16

var methodNames = map[uint16]string{
	Store:    "STORED",
	Deflate:  "DEFLATE",
	Unshrink: "UNSHRINK",
	Implode:  "IMPLODE",
}

// MethodByCode returns the method and true if code is a method this
// package implements or at least recognizes, false otherwise.
func MethodByCode(code uint16) (Method, bool) {
	_, ok := methodNames[code]
	return Method(code), ok
}

// String implements fmt.Stringer.
func (m Method) String() string {
	if name, ok := methodNames[uint16(m)]; ok {
		return name
	}
	return "UNKNOWN"
}

// Supported reports whether this package can decode the method.
func (m Method) Supported() bool {
	switch uint16(m) {
	case Store, Deflate, Unshrink, Implode:
		return true
	default:
		return false
	}
}

// countingDecoder is an embeddable helper giving a codec the
// CompressedCount/UncompressedCount bookkeeping the Decoder interface
// requires, without repeating the counters in every codec.
type countingDecoder struct {
	compressed, uncompressed int64
}

func (c *countingDecoder) CompressedCount() int64   { return c.compressed }
func (c *countingDecoder) UncompressedCount() int64 { return c.uncompressed }

// newDecoder binds a Decoder for method over src, which must yield exactly
// compressedSize compressed bytes (or be unbounded, for streaming STORED
// reads with a data descriptor still pending). gpFlags supplies the
// IMPLODE parameter bits.
func newDecoder(method uint16, src io.Reader, gpFlags GeneralPurposeFlags) (Decoder, error) {
	switch method {
	case Store:
		return newStoredDecoder(src), nil
	case Deflate:
		return newDeflateDecoder(src), nil
	case Unshrink:
		return newUnshrinkDecoder(src), nil
	case Implode:
		dictSize := 4096
		if gpFlags.ImplodeDictionary8K {
			dictSize = 8192
		}
		numTrees := 2
		if gpFlags.ImplodeTrees3 {
			numTrees = 3
		}
		return newExplodeDecoder(src, dictSize, numTrees)
	default:
		return nil, ErrAlgorithm
	}
}

package zipcore

import (
	"bytes"
	"fmt"
	"hash/crc32"
	"io"
)

// apkSigBlockMagic is the trailing magic of an APK signing block (§4.F "APK
// signing block heuristic").
var apkSigBlockMagic = []byte("APK Sig Block 42")

// pushbackReader wraps an io.Reader with an explicit push-back buffer, the
// "push_back of up to a fixed buffer" primitive §4.F's state machine
// requires for its lookahead scans.
type pushbackReader struct {
	r   io.Reader
	buf []byte
}

func (p *pushbackReader) Read(b []byte) (int, error) {
	if len(p.buf) > 0 {
		n := copy(b, p.buf)
		p.buf = p.buf[n:]
		return n, nil
	}
	return p.r.Read(b)
}

func (p *pushbackReader) unread(b []byte) {
	if len(b) == 0 {
		return
	}
	p.buf = append(append([]byte(nil), b...), p.buf...)
}

func (p *pushbackReader) readFull(n int) ([]byte, error) {
	buf := make([]byte, n)
	_, err := io.ReadFull(p, buf)
	return buf, err
}

type streamState int

const (
	streamIdle streamState = iota
	streamEntryOpen
	streamTerminal
)

// StreamOptions configures a StreamReader (§6 "Options recognized by
// reader").
type StreamOptions struct {
	Charset                       string
	CharsetMode                   CharsetMode
	UseUnicodeExtraFields         bool
	AllowStoredWithDataDescriptor bool
	SkipSplitSignature            bool
	ParsingMode                   ParsingMode
}

// StreamReader is the one-pass forward parser of §4.F.
type StreamReader struct {
	pr      *pushbackReader
	opts    StreamOptions
	enc     *NameEncoding
	state   streamState
	first   bool
	current *streamEntryReader
}

// NewStreamReader builds a StreamReader over r.
func NewStreamReader(r io.Reader, opts StreamOptions) (*StreamReader, error) {
	enc, err := NewNameEncoding(opts.Charset, opts.CharsetMode)
	if err != nil {
		return nil, err
	}
	return &StreamReader{pr: &pushbackReader{r: r}, opts: opts, enc: enc, first: true}, nil
}

// NextEntry advances to the next entry, closing any currently open one, per
// the state machine in §4.F. Returns (nil, io.EOF) once the terminal state
// is reached.
func (sr *StreamReader) NextEntry() (*Entry, error) {
	if sr.state == streamTerminal {
		return nil, io.EOF
	}
	if sr.state == streamEntryOpen {
		if err := sr.current.closeEntry(); err != nil {
			return nil, err
		}
		sr.state = streamIdle
	}

	buf, err := sr.pr.readFull(30)
	if err != nil {
		return nil, fmt.Errorf("zipcore: %w: reading local file header: %v", ErrTruncatedArchive, err)
	}

	if sr.first {
		sr.first = false
		if readUint32(buf[0:4]) == dataDescriptorSignature {
			if !sr.opts.SkipSplitSignature {
				return nil, ErrSplitting
			}
			copy(buf, buf[4:])
			tail, err := sr.pr.readFull(4)
			if err != nil {
				return nil, fmt.Errorf("zipcore: %w: reading split header tail: %v", ErrTruncatedArchive, err)
			}
			copy(buf[26:], tail)
		}
	}

	sig := readUint32(buf[0:4])
	switch sig {
	case cfhSignature, archiveExtraDataSignature:
		sr.pr.unread(buf)
		sr.state = streamTerminal
		return nil, io.EOF
	case lfhSignature:
		// fall through to entry parsing below
	default:
		if looksLikeAPKSigningBlock(buf) {
			sr.pr.unread(buf)
			sr.state = streamTerminal
			return nil, io.EOF
		}
		return nil, fmt.Errorf("zipcore: %w: unexpected record signature %#08x", ErrFormat, sig)
	}

	entry, err := sr.parseLocalHeader(buf)
	if err != nil {
		return nil, err
	}
	ser, err := newStreamEntryReader(sr, entry)
	if err != nil {
		return nil, err
	}
	sr.state = streamEntryOpen
	sr.current = ser
	return entry, nil
}

// Read reads from the body of the entry most recently returned by
// NextEntry, implementing the streaming contract's read_current(buf)
// (§4.F, §6).
func (sr *StreamReader) Read(p []byte) (int, error) {
	if sr.state != streamEntryOpen {
		return 0, fmt.Errorf("zipcore: %w: no entry is open", ErrBadArgument)
	}
	return sr.current.Read(p)
}

// looksLikeAPKSigningBlock applies §4.F's heuristic to a suspect 30-byte LFH
// buffer: a 64-bit little-endian length followed, within the buffer, by the
// APK signing block magic.
func looksLikeAPKSigningBlock(buf []byte) bool {
	if len(buf) < 8+len(apkSigBlockMagic) {
		return false
	}
	return bytes.Equal(buf[8:8+len(apkSigBlockMagic)], apkSigBlockMagic)
}

func (sr *StreamReader) parseLocalHeader(buf []byte) (*Entry, error) {
	versionNeeded := readUint16(buf[4:6])
	gpFlags := decodeGeneralPurposeFlags(readUint16(buf[6:8]))
	method := readUint16(buf[8:10])
	modTime := readUint16(buf[10:12])
	modDate := readUint16(buf[12:14])
	crc := readUint32(buf[14:18])
	csize := readUint32(buf[18:22])
	size := readUint32(buf[22:26])
	nameLen := int(readUint16(buf[26:28]))
	extraLen := int(readUint16(buf[28:30]))

	if gpFlags.Encrypted || gpFlags.StrongEncryption {
		return nil, ErrEncryption
	}
	if !Method(method).Supported() {
		return nil, fmt.Errorf("zipcore: %w: method %d", ErrAlgorithm, method)
	}
	if gpFlags.DataDescriptor && method != Store && !sr.opts.AllowStoredWithDataDescriptor {
		return nil, ErrDataDescriptor
	}

	nameBytes, err := sr.pr.readFull(nameLen)
	if err != nil {
		return nil, fmt.Errorf("zipcore: %w: reading entry name: %v", ErrTruncatedArchive, err)
	}
	name, err := sr.enc.Decode(nameBytes, gpFlags.LanguageEncodingUTF8)
	if err != nil {
		return nil, err
	}

	extraBytes, err := sr.pr.readFull(extraLen)
	if err != nil {
		return nil, fmt.Errorf("zipcore: %w: reading entry extra: %v", ErrTruncatedArchive, err)
	}
	extras, err := ParseExtra(extraBytes, true, sr.opts.ParsingMode)
	if err != nil {
		return nil, err
	}

	e := &Entry{
		Method:        method,
		Flags:         gpFlags,
		VersionNeeded: versionNeeded,
		Modified:      msDosTimeToTime(modDate, modTime),
		RawNameBytes:  append([]byte(nil), nameBytes...),
		DataOffset:    unknownSize,
	}
	e.SetName(name)
	e.SetExtraFields(extras)

	if gpFlags.DataDescriptor {
		e.UncompressedSize, e.CompressedSize = unknownSize, unknownSize
	} else {
		e.CRC32, e.crc32Known = crc, true
		e.UncompressedSize, e.CompressedSize = int64(size), int64(csize)
		hasSize, hasCSize := size == uint32max, csize == uint32max
		if hasSize || hasCSize {
			z := e.Zip64()
			if z == nil || !z.HasSize || !z.HasCompressedSize {
				return nil, ErrCorruptZip64Extra
			}
			e.UncompressedSize = int64(z.Size)
			e.CompressedSize = int64(z.CompressedSize)
		}
	}

	applyUnicodeOverride(e, nameBytes, nil, sr.opts.UseUnicodeExtraFields)
	return e, nil
}

// streamEntryReader serves the body of the currently open entry (§4.F
// "read(entry, ...)").
type streamEntryReader struct {
	sr    *StreamReader
	entry *Entry

	dec    Decoder
	src    *io.LimitedReader // bounds a known compressed size, nil if unbounded
	crc    uint32
	closed bool

	// STORED-with-data-descriptor lookahead buffering.
	lookaheadDone bool
	buffered      []byte
	bufferedPos   int
}

func newStreamEntryReader(sr *StreamReader, e *Entry) (*streamEntryReader, error) {
	ser := &streamEntryReader{sr: sr, entry: e}
	if e.Method != Store || !e.Flags.DataDescriptor {
		var src io.Reader = sr.pr
		if e.CompressedSize >= 0 {
			lr := &io.LimitedReader{R: sr.pr, N: e.CompressedSize}
			ser.src = lr
			src = lr
		}
		dec, err := newDecoder(e.Method, src, e.Flags)
		if err != nil {
			return nil, err
		}
		ser.dec = dec
	}
	return ser, nil
}

// Read implements io.Reader for the entry currently open on sr.
func (ser *streamEntryReader) Read(p []byte) (int, error) {
	if ser.entry.Method == Store && ser.entry.Flags.DataDescriptor {
		return ser.readStoredWithDescriptor(p)
	}
	n, err := ser.dec.Read(p)
	if n > 0 {
		ser.crc = crc32.Update(ser.crc, crc32.IEEETable, p[:n])
	}
	if err == io.EOF {
		ser.entry.UncompressedSize = ser.dec.UncompressedCount()
	}
	return n, err
}

func (ser *streamEntryReader) readStoredWithDescriptor(p []byte) (int, error) {
	if !ser.lookaheadDone {
		if err := ser.scanLookahead(); err != nil {
			return 0, err
		}
	}
	if ser.bufferedPos >= len(ser.buffered) {
		return 0, io.EOF
	}
	n := copy(p, ser.buffered[ser.bufferedPos:])
	ser.bufferedPos += n
	ser.crc = crc32.Update(ser.crc, crc32.IEEETable, p[:n])
	return n, nil
}

// scanLookahead implements §4.F's "data-descriptor lookahead scan": read
// forward scanning for an LFH/CFH/DD marker, then push back everything from
// the cutoff on and parse the data descriptor.
func (ser *streamEntryReader) scanLookahead() error {
	const scratchSize = 4096
	var body []byte
	var window []byte
	for {
		chunk := make([]byte, scratchSize)
		n, err := ser.sr.pr.Read(chunk)
		window = append(window, chunk[:n]...)
		if idx, sig, found := findMarker(window); found {
			cutoff := idx
			if sig != dataDescriptorSignature {
				// The descriptor itself carried no signature, so the
				// marker found is the next record's LFH/CFH; back off by
				// the descriptor's fixed-width fields, which otherwise
				// read as opaque binary ahead of that header.
				expectedDDLen := 12
				if ser.entry.Zip64() != nil {
					expectedDDLen = 20
				}
				if cutoff = idx - expectedDDLen; cutoff < 0 {
					cutoff = idx
				}
			}
			body = append(body, window[:cutoff]...)
			ser.sr.pr.unread(window[cutoff:])
			ser.buffered = body
			ser.lookaheadDone = true
			return ser.readDataDescriptor()
		}
		if len(window) > scratchSize*2 {
			keep := window[len(window)-scratchSize:]
			body = append(body, window[:len(window)-scratchSize]...)
			window = append([]byte(nil), keep...)
		}
		if err != nil {
			return fmt.Errorf("zipcore: %w: data descriptor marker not found: %v", ErrTruncatedArchive, err)
		}
	}
}

// findMarker returns the earliest occurrence, and which signature it is, of
// any LFH/CFH/data-descriptor marker in window.
func findMarker(window []byte) (int, uint32, bool) {
	best, bestSig := -1, uint32(0)
	for _, sig := range []uint32{lfhSignature, cfhSignature, dataDescriptorSignature} {
		b := u32le(sig)
		if idx := bytes.Index(window, b[:]); idx >= 0 && (best < 0 || idx < best) {
			best, bestSig = idx, sig
		}
	}
	if best < 0 {
		return 0, 0, false
	}
	return best, bestSig, true
}

func u32le(v uint32) [4]byte {
	var b [4]byte
	putUint32(b[:], v)
	return b
}

// readDataDescriptor reads and validates the trailing descriptor, probing
// whether it uses 4-byte or 8-byte size fields, per §4.F.
func (ser *streamEntryReader) readDataDescriptor() error {
	probe, err := ser.sr.pr.readFull(16)
	if err != nil {
		return fmt.Errorf("zipcore: %w: reading data descriptor: %v", ErrTruncatedArchive, err)
	}
	start := 0
	if readUint32(probe[0:4]) == dataDescriptorSignature {
		start = 4
		more, err := ser.sr.pr.readFull(4)
		if err != nil {
			return fmt.Errorf("zipcore: %w: reading data descriptor: %v", ErrTruncatedArchive, err)
		}
		probe = append(probe, more...)
	}
	// probe holds start+16 bytes: 4-byte sizes are followed by the next
	// record's signature at start+12; 8-byte sizes need 4 more bytes.
	next := readUint32(probe[start+12 : start+16])
	if next == cfhSignature || next == lfhSignature {
		ser.sr.pr.unread(probe[start+12:])
		ser.entry.CRC32 = readUint32(probe[start : start+4])
		ser.entry.CompressedSize = int64(readUint32(probe[start+4 : start+8]))
		ser.entry.UncompressedSize = int64(readUint32(probe[start+8 : start+12]))
	} else {
		tail, err := ser.sr.pr.readFull(4)
		if err != nil {
			return fmt.Errorf("zipcore: %w: reading 8-byte data descriptor sizes: %v", ErrTruncatedArchive, err)
		}
		full := append(probe, tail...)
		ser.entry.CRC32 = readUint32(full[start : start+4])
		ser.entry.CompressedSize = int64(readUint64LE(full[start+4 : start+12]))
		ser.entry.UncompressedSize = int64(readUint64LE(full[start+12 : start+20]))
	}
	ser.entry.crc32Known = true
	return nil
}

// closeEntry implements §4.F "Close entry": drain any remaining compressed
// bytes not through the decompressor, or push back an over-read, and verify
// CRC.
func (ser *streamEntryReader) closeEntry() error {
	if ser.closed {
		return nil
	}
	ser.closed = true

	if ser.entry.Method == Store && ser.entry.Flags.DataDescriptor {
		if !ser.lookaheadDone {
			if err := ser.scanLookahead(); err != nil {
				return err
			}
		}
	} else if ser.src != nil && ser.src.N > 0 {
		if _, err := io.CopyN(io.Discard, ser.sr.pr, ser.src.N); err != nil {
			return fmt.Errorf("zipcore: %w: draining entry tail: %v", ErrTruncatedArchive, err)
		}
		ser.src.N = 0
	}

	if ser.entry.crc32Known && ser.crc != ser.entry.CRC32 {
		return ErrChecksum
	}
	return nil
}

package zipcore

import (
	"fmt"
	"hash/crc32"
	"io"
)

const (
	lfhSignature            = 0x04034b50
	cfhSignature             = 0x02014b50
	eocdSignature            = 0x06054b50
	zip64EOCDSignature       = 0x06064b50
	zip64LocatorSignature    = 0x07064b50
	archiveExtraDataSignature = 0x08064b50
	dataDescriptorSignature  = 0x08074b50

	minEOCDSize     = 22
	zip64LocatorLen = 20
	maxCommentLen   = 0xFFFF
)

// diskAddressable is implemented by channels (e.g. *SplitChannel) that know
// how to convert a (disk index, relative offset) pair into the logical
// address space the channel's ReadAt understands (§4.G, §4.H). A plain
// single-segment channel has no such conversion and is treated as if every
// record lives on "disk 0" at its raw offset.
type diskAddressable interface {
	SeekDiskRel(disk int, rel int64) (int64, error)
}

// RandomAccessChannel is what the random-access reader requires of its
// backing store (§4.G): random reads plus a known total size.
type RandomAccessChannel interface {
	io.ReaderAt
	Size() int64
}

// ReaderOptions configures a Reader (§6 "Options recognized by reader").
type ReaderOptions struct {
	Charset               string
	CharsetMode           CharsetMode
	UseUnicodeExtraFields bool
	ParsingMode           ParsingMode
}

// Reader is the random-access archive handle (§3 "Archive handle", §4.G).
type Reader struct {
	ch   RandomAccessChannel
	opts ReaderOptions
	enc  *NameEncoding

	Comment string
	// Entries lists every entry in central-directory order.
	Entries []*Entry
	byName  map[string][]*Entry
}

// OpenReader builds a Reader by locating and walking ch's central
// directory.
func OpenReader(ch RandomAccessChannel, opts ReaderOptions) (*Reader, error) {
	enc, err := NewNameEncoding(opts.Charset, opts.CharsetMode)
	if err != nil {
		return nil, err
	}
	r := &Reader{ch: ch, opts: opts, enc: enc, byName: map[string][]*Entry{}}

	eocdOff, eocd, err := locateEOCD(ch)
	if err != nil {
		return nil, err
	}
	r.Comment = eocd.comment

	cdOffset, cdDisk, cdSize, totalEntries := eocd.cdOffset, eocd.diskWithCD, eocd.cdSize, eocd.totalEntries
	if zOff, ok, err := locateZip64Locator(ch, eocdOff); err != nil {
		return nil, err
	} else if ok {
		z, err := readZip64EOCD(ch, zOff)
		if err != nil {
			return nil, err
		}
		cdOffset, cdDisk, cdSize, totalEntries = z.cdOffset, z.diskWithCD, z.cdSize, z.totalEntries
	}

	cdStart, err := resolveDiskOffset(ch, int(cdDisk), int64(cdOffset))
	if err != nil {
		return nil, err
	}

	if err := r.walkCentralDirectory(cdStart, cdSize, totalEntries); err != nil {
		return nil, err
	}
	return r, nil
}

func resolveDiskOffset(ch RandomAccessChannel, disk int, rel int64) (int64, error) {
	if da, ok := ch.(diskAddressable); ok {
		return da.SeekDiskRel(disk, rel)
	}
	return rel, nil
}

type eocdRecord struct {
	diskWithCD   uint32
	cdOffset     uint32
	cdSize       uint32
	totalEntries uint32
	comment      string
}

// locateEOCD scans backward from size()-minEOCDSize for the EOCD signature,
// per §4.G. The search range also covers the maximum possible comment
// length (0xFFFF), and prefers the match closest to the end of the file in
// case a comment happens to contain spurious signature bytes.
func locateEOCD(ch RandomAccessChannel) (int64, *eocdRecord, error) {
	size := ch.Size()
	if size < minEOCDSize {
		return 0, nil, fmt.Errorf("zipcore: %w: too small for EOCD", ErrFormat)
	}
	searchStart := size - minEOCDSize - maxCommentLen
	if searchStart < 0 {
		searchStart = 0
	}
	tailLen := size - searchStart
	buf := make([]byte, tailLen)
	if _, err := ch.ReadAt(buf, searchStart); err != nil && err != io.EOF {
		return 0, nil, fmt.Errorf("zipcore: reading archive tail: %w", err)
	}

	for i := len(buf) - minEOCDSize; i >= 0; i-- {
		if readUint32(buf[i:i+4]) != eocdSignature {
			continue
		}
		commentLen := int(readUint16(buf[i+20 : i+22]))
		if i+minEOCDSize+commentLen != len(buf) {
			continue
		}
		rec := &eocdRecord{
			diskWithCD:   uint32(readUint16(buf[i+6 : i+8])),
			totalEntries: uint32(readUint16(buf[i+10 : i+12])),
			cdSize:       readUint32(buf[i+12 : i+16]),
			cdOffset:     readUint32(buf[i+16 : i+20]),
			comment:      string(buf[i+22 : i+22+commentLen]),
		}
		return searchStart + int64(i), rec, nil
	}
	return 0, nil, fmt.Errorf("zipcore: %w: EOCD signature not found", ErrFormat)
}

type zip64EOCDRecord struct {
	diskWithCD   uint32
	cdOffset     uint64
	cdSize       uint64
	totalEntries uint64
}

// locateZip64Locator looks zip64LocatorLen bytes before eocdOff for the
// Zip64 locator signature (§4.G).
func locateZip64Locator(ch RandomAccessChannel, eocdOff int64) (int64, bool, error) {
	if eocdOff < zip64LocatorLen {
		return 0, false, nil
	}
	buf := make([]byte, zip64LocatorLen)
	if _, err := ch.ReadAt(buf, eocdOff-zip64LocatorLen); err != nil && err != io.EOF {
		return 0, false, fmt.Errorf("zipcore: reading zip64 locator: %w", err)
	}
	if readUint32(buf[0:4]) != zip64LocatorSignature {
		return 0, false, nil
	}
	diskWithZip64EOCD := readUint32(buf[4:8])
	zip64EOCDOffset := readUint64LE(buf[8:16])
	global, err := resolveDiskOffset(ch, int(diskWithZip64EOCD), int64(zip64EOCDOffset))
	if err != nil {
		return 0, false, err
	}
	return global, true, nil
}

func readZip64EOCD(ch RandomAccessChannel, off int64) (*zip64EOCDRecord, error) {
	buf := make([]byte, 56)
	if _, err := ch.ReadAt(buf, off); err != nil && err != io.EOF {
		return nil, fmt.Errorf("zipcore: reading zip64 EOCD: %w", err)
	}
	if readUint32(buf[0:4]) != zip64EOCDSignature {
		return nil, fmt.Errorf("zipcore: %w: bad zip64 EOCD signature", ErrFormat)
	}
	return &zip64EOCDRecord{
		diskWithCD:   readUint32(buf[20:24]),
		totalEntries: readUint64LE(buf[32:40]),
		cdSize:       readUint64LE(buf[40:48]),
		cdOffset:     readUint64LE(buf[48:56]),
	}, nil
}

// walkCentralDirectory reads 46-byte CFH records starting at cdStart until
// a non-CFH signature or totalEntries records have been read (§4.G).
func (r *Reader) walkCentralDirectory(cdStart int64, cdSize uint64, totalEntries uint64) error {
	off := cdStart
	var count uint64
	for totalEntries == 0 || count < totalEntries {
		var sig [4]byte
		if _, err := r.ch.ReadAt(sig[:], off); err != nil {
			if err == io.EOF {
				break
			}
			return fmt.Errorf("zipcore: reading CFH signature: %w", err)
		}
		if readUint32(sig[:]) != cfhSignature {
			break
		}
		entry, consumed, err := r.readOneCFH(off)
		if err != nil {
			return err
		}
		r.Entries = append(r.Entries, entry)
		r.byName[entry.Name] = append(r.byName[entry.Name], entry)
		off += consumed
		count++
	}
	return nil
}

func (r *Reader) readOneCFH(off int64) (*Entry, int64, error) {
	head := make([]byte, 46)
	if _, err := r.ch.ReadAt(head, off); err != nil && err != io.EOF {
		return nil, 0, fmt.Errorf("zipcore: reading CFH: %w", err)
	}

	versionMadeBy := readUint16(head[4:6])
	versionNeeded := readUint16(head[6:8])
	gpFlags := decodeGeneralPurposeFlags(readUint16(head[8:10]))
	method := readUint16(head[10:12])
	modTime := readUint16(head[12:14])
	modDate := readUint16(head[14:16])
	crc := readUint32(head[16:20])
	csize := readUint32(head[20:24])
	size := readUint32(head[24:28])
	nameLen := int(readUint16(head[28:30]))
	extraLen := int(readUint16(head[30:32]))
	commentLen := int(readUint16(head[32:34]))
	diskNumberStart := readUint16(head[34:36])
	internalAttrs := readUint16(head[36:38])
	externalAttrs := readUint32(head[38:42])
	localHeaderOffset := readUint32(head[42:46])

	rest := make([]byte, nameLen+extraLen+commentLen)
	if _, err := r.ch.ReadAt(rest, off+46); err != nil && err != io.EOF {
		return nil, 0, fmt.Errorf("zipcore: reading CFH name/extra/comment: %w", err)
	}
	rawName := rest[:nameLen]
	extraBytes := rest[nameLen : nameLen+extraLen]
	commentBytes := rest[nameLen+extraLen:]

	name, err := r.enc.Decode(rawName, gpFlags.LanguageEncodingUTF8)
	if err != nil {
		return nil, 0, fmt.Errorf("zipcore: decoding entry name: %w", err)
	}
	comment, err := r.enc.Decode(commentBytes, gpFlags.LanguageEncodingUTF8)
	if err != nil {
		return nil, 0, fmt.Errorf("zipcore: decoding entry comment: %w", err)
	}

	extras, err := ParseExtra(extraBytes, false, r.opts.ParsingMode)
	if err != nil {
		return nil, 0, err
	}

	e := &Entry{
		Method:            method,
		Flags:             gpFlags,
		Platform:          uint8(versionMadeBy >> 8),
		InternalAttrs:     internalAttrs,
		ExternalAttrs:     externalAttrs,
		VersionMadeBy:     versionMadeBy,
		VersionNeeded:     versionNeeded,
		Modified:          msDosTimeToTime(modDate, modTime),
		Comment:           comment,
		RawNameBytes:      append([]byte(nil), rawName...),
		CRC32:             crc,
		crc32Known:        true,
		DataOffset:        unknownSize,
		DiskNumberStart:   uint32(diskNumberStart),
		LocalHeaderOffset: uint64(localHeaderOffset),
	}
	e.SetName(name)
	e.SetExtraFields(extras)

	hasSize, hasCSize := size == uint32max, csize == uint32max
	hasOffset := localHeaderOffset == uint32max
	hasDiskStart := diskNumberStart == uint16max
	if z := e.Zip64(); z != nil && (hasSize || hasCSize || hasOffset || hasDiskStart) {
		if err := z.Reparse(hasSize, hasCSize, hasOffset, hasDiskStart); err != nil {
			return nil, 0, fmt.Errorf("zipcore: %w: %v", ErrCorruptZip64Extra, err)
		}
		if hasSize {
			e.UncompressedSize = int64(z.Size)
		}
		if hasCSize {
			e.CompressedSize = int64(z.CompressedSize)
		}
		if hasOffset {
			e.LocalHeaderOffset = z.Offset
		}
		if hasDiskStart {
			e.DiskNumberStart = uint32(z.DiskStart)
		}
	}
	if e.UncompressedSize == 0 {
		e.UncompressedSize = int64(size)
	}
	if e.CompressedSize == 0 {
		e.CompressedSize = int64(csize)
	}

	applyUnicodeOverride(e, rawName, []byte(comment), r.opts.UseUnicodeExtraFields)

	return e, 46 + int64(nameLen+extraLen+commentLen), nil
}

// applyUnicodeOverride replaces e.Name/e.Comment with the UTF-8 payload of a
// matching UnicodePath/UnicodeComment extra, when enabled and the UTF-8
// general-purpose bit was not already set (§4.G "Unicode override").
func applyUnicodeOverride(e *Entry, rawName, rawComment []byte, enabled bool) {
	if !enabled || e.Flags.LanguageEncodingUTF8 {
		return
	}
	if f := e.FindExtraField(idUnicodePath); f != nil {
		if up, ok := f.(*UnicodePathField); ok && up.Matches(rawName) {
			e.Name = up.UTF8
			e.NameSource = NameFromUnicodeExtraField
		}
	}
	if f := e.FindExtraField(idUnicodeComment); f != nil {
		if uc, ok := f.(*UnicodeCommentField); ok && uc.Matches(rawComment) {
			e.Comment = uc.UTF8
			e.CommentSource = NameFromUnicodeExtraField
		}
	}
}

// Find returns the entries registered under name, preserving
// central-directory order, or nil.
func (r *Reader) Find(name string) []*Entry { return r.byName[name] }

// resolveDataOffset lazily locates e's data offset and enriches its extra
// fields from the local header, per §4.G "Resolve local data offset".
func (r *Reader) resolveDataOffset(e *Entry) error {
	if e.DataOffset != unknownSize {
		return nil
	}
	lenBuf := make([]byte, 4)
	if _, err := r.ch.ReadAt(lenBuf, int64(e.LocalHeaderOffset)+26); err != nil && err != io.EOF {
		return fmt.Errorf("zipcore: reading local header name/extra length: %w", err)
	}
	nameLen := int(readUint16(lenBuf[0:2]))
	extraLen := int(readUint16(lenBuf[2:4]))
	dataOffset := int64(e.LocalHeaderOffset) + 30 + int64(nameLen) + int64(extraLen)

	if extraLen > 0 {
		extraBuf := make([]byte, extraLen)
		if _, err := r.ch.ReadAt(extraBuf, int64(e.LocalHeaderOffset)+30+int64(nameLen)); err != nil && err != io.EOF {
			return fmt.Errorf("zipcore: reading local header extra: %w", err)
		}
		localExtras, err := ParseExtra(extraBuf, true, r.opts.ParsingMode)
		if err != nil {
			return err
		}
		for _, lf := range localExtras {
			if e.FindExtraField(lf.HeaderID()) == nil {
				e.AddExtraField(lf)
			}
		}
	}
	e.DataOffset = dataOffset
	return nil
}

// canHandleEntryData rejects entries this package cannot decode, per §4.G
// "Open entry for reading".
func canHandleEntryData(e *Entry) error {
	if e.Flags.Encrypted || e.Flags.StrongEncryption {
		return ErrEncryption
	}
	if !Method(e.Method).Supported() {
		return fmt.Errorf("zipcore: %w: method %d", ErrAlgorithm, e.Method)
	}
	return nil
}

// randomEntryReader wraps a Decoder, verifying CRC-32 on Close against the
// entry's declared checksum, matching the streaming reader's contract.
type randomEntryReader struct {
	Decoder
	entry *Entry
	crc   uint32
}

func (r *randomEntryReader) Read(p []byte) (int, error) {
	n, err := r.Decoder.Read(p)
	if n > 0 {
		r.crc = crc32.Update(r.crc, crc32.IEEETable, p[:n])
	}
	return n, err
}

func (r *randomEntryReader) Close() error {
	if r.entry.crc32Known && r.crc != r.entry.CRC32 {
		return ErrChecksum
	}
	return nil
}

// Open resolves e's data offset if needed and returns a decoding reader
// over its body (§4.G "Open entry for reading").
func (r *Reader) Open(e *Entry) (io.ReadCloser, error) {
	if err := canHandleEntryData(e); err != nil {
		return nil, err
	}
	if err := r.resolveDataOffset(e); err != nil {
		return nil, err
	}
	if e.CompressedSize < 0 {
		return nil, ErrUnknownSize
	}
	section := io.NewSectionReader(r.ch, e.DataOffset, e.CompressedSize)
	var src io.Reader = section
	if e.Method == Deflate {
		src = zeroPadded(section)
	}
	dec, err := newDecoder(e.Method, src, e.Flags)
	if err != nil {
		return nil, err
	}
	return &randomEntryReader{Decoder: dec, entry: e}, nil
}

// OpenRaw returns a reader over e's compressed bytes with no decompression
// (§4.G "Raw entry copy"), the contract the writer's verbatim-copy path
// consumes.
func (r *Reader) OpenRaw(e *Entry) (io.Reader, error) {
	if err := r.resolveDataOffset(e); err != nil {
		return nil, err
	}
	if e.CompressedSize < 0 {
		return nil, ErrUnknownSize
	}
	return io.NewSectionReader(r.ch, e.DataOffset, e.CompressedSize), nil
}

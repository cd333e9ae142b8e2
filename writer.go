// Copyright 2011 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package zipcore

import (
	"fmt"
	"hash/crc32"
	"io"
)

// Zip64Mode selects when the writer emits Zip64 extensions (§4.I).
type Zip64Mode int

const (
	// Zip64AsNeeded attaches a Zip64 extra only once the writer can prove
	// it is required: immediately, for an entry whose size is declared up
	// front and exceeds 4 GiB. An entry of unknown size never gets one,
	// on a seekable or a non-seekable sink (there the data descriptor
	// carries 4-byte sizes, exactly as under Zip64Never), and CloseEntry
	// fails with ErrZip64Required if such an entry grew past 4 GiB
	// without having reserved the extra. This mirrors the tradeoff the Go
	// standard library's own zip writer makes. Default.
	Zip64AsNeeded Zip64Mode = iota
	// Zip64Always attaches a Zip64 extra to every entry.
	Zip64Always
	// Zip64Never never emits Zip64 structures, failing with
	// ErrZip64Required on overflow.
	Zip64Never
)

// UnicodeExtraPolicy selects when the writer attaches UnicodePath/
// UnicodeComment extras (§4.I).
type UnicodeExtraPolicy int

const (
	// UnicodeExtraNever never attaches a Unicode name/comment override.
	UnicodeExtraNever UnicodeExtraPolicy = iota
	// UnicodeExtraNotEncodeable attaches one only when the name or
	// comment cannot be represented in the configured charset.
	UnicodeExtraNotEncodeable
	// UnicodeExtraAlways attaches one to every entry that has a name or
	// comment.
	UnicodeExtraAlways
)

// WriterOptions configures a Writer (§6, "Options recognized by writer").
type WriterOptions struct {
	Charset                  string
	CharsetMode              CharsetMode
	UseLanguageEncodingFlag  bool
	CreateUnicodeExtraFields UnicodeExtraPolicy
	Zip64Mode                Zip64Mode
	CompressionLevel         int
	Comment                  string
}

type writerLifecycle int

const (
	writerOpen writerLifecycle = iota
	writerEntryOpen
	writerFinished
	writerClosed
)

// writtenEntry records a committed entry plus the local-header offset
// Finish needs to build its central-directory record (§3, "Writer
// entries").
type writtenEntry struct {
	entry  *Entry
	offset uint64
}

// Writer is the sequential archive writer of §4.I: OPEN -> (ENTRY_OPEN <->
// OPEN)* -> FINISHED -> CLOSED.
type Writer struct {
	sink   io.Writer
	seeker io.Seeker // non-nil when sink also implements io.Seeker
	opts   WriterOptions
	enc    *NameEncoding

	state   writerLifecycle
	offset  int64 // logical end-of-archive position, the next append target
	entries []*writtenEntry

	cur                   *writtenEntry
	curFlate              *deflateEncoder
	curCRC                uint32
	curUncompressed       int64
	curCompressed         int64
	curPhased             bool // true for AddRawEntry: bytes are copied verbatim
	curZip64              *Zip64Field
	curHeaderOffset       int64
	curZip64HeaderOffset  int64 // -1 if no zip64 extra was reserved
}

// NewWriter builds a Writer over sink. If sink also implements io.Seeker,
// entries are finalized by rewriting the local header in place instead of
// always emitting a data descriptor, per §4.I.
func NewWriter(sink io.Writer, opts WriterOptions) (*Writer, error) {
	enc, err := NewNameEncoding(opts.Charset, opts.CharsetMode)
	if err != nil {
		return nil, err
	}
	w := &Writer{sink: sink, opts: opts, enc: enc}
	if s, ok := sink.(io.Seeker); ok {
		w.seeker = s
	}
	return w, nil
}

func (w *Writer) seekable() bool { return w.seeker != nil }

// appendWrite writes p at the current end of the archive, advancing the
// logical offset.
func (w *Writer) appendWrite(p []byte) error {
	n, err := w.sink.Write(p)
	w.offset += int64(n)
	return err
}

// rewriteAt seeks to pos, writes p, then seeks back to resume appending at
// the logical end of the archive. Only valid when w.seekable().
func (w *Writer) rewriteAt(pos int64, p []byte) error {
	if _, err := w.seeker.Seek(pos, io.SeekStart); err != nil {
		return err
	}
	if _, err := w.sink.Write(p); err != nil {
		return err
	}
	_, err := w.seeker.Seek(w.offset, io.SeekStart)
	return err
}

// appendSink adapts Writer.appendWrite to io.Writer, so a compression
// encoder can write straight through to the archive.
type appendSink struct{ w *Writer }

func (a *appendSink) Write(p []byte) (int, error) {
	if err := a.w.appendWrite(p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// CreateEntry opens e for writing and emits its local file header. No other
// entry may already be open (§4.I "put_entry").
func (w *Writer) CreateEntry(e *Entry) error {
	if w.state == writerEntryOpen {
		return fmt.Errorf("zipcore: %w: an entry is already open", ErrBadArgument)
	}
	if w.state != writerOpen {
		return fmt.Errorf("zipcore: %w: writer is not open", ErrBadArgument)
	}
	if e.Method != Store && e.Method != Deflate {
		return fmt.Errorf("zipcore: %w: writer cannot encode method %d", ErrAlgorithm, e.Method)
	}
	return w.createEntry(e, false)
}

func (w *Writer) createEntry(e *Entry, phased bool) error {
	w.applyNamePolicy(e)

	we := &writtenEntry{entry: e, offset: uint64(w.offset)}
	w.cur, w.curPhased = we, phased
	w.curCRC, w.curUncompressed, w.curCompressed = 0, 0, 0
	w.curZip64, w.curZip64HeaderOffset = nil, -1
	w.curFlate = nil

	if e.IsDir() {
		e.Method = Store
		e.UncompressedSize, e.CompressedSize = 0, 0
	}
	e.Flags.DataDescriptor = !phased && !w.seekable() && !e.IsDir()

	switch w.opts.Zip64Mode {
	case Zip64Always:
		w.attachZip64(e)
	case Zip64AsNeeded:
		// Unknown size on a non-seekable sink silently downgrades to
		// Never: the trailing data descriptor carries the real 4-byte
		// sizes, and the entry is assumed to fit.
		if e.SizeKnown() && e.isZip64() {
			w.attachZip64(e)
		}
	}

	if err := w.applyAlignment(e); err != nil {
		return err
	}

	e.VersionMadeBy = e.VersionMadeBy&0xff00 | zipVersion20
	e.VersionNeeded = w.versionNeeded(e)
	e.Flags.LanguageEncodingUTF8 = w.languageEncodingBit(e)

	if err := w.writeLocalHeader(e); err != nil {
		return err
	}
	w.entries = append(w.entries, we)
	w.state = writerEntryOpen
	return nil
}

func (w *Writer) attachZip64(e *Entry) {
	z := &Zip64Field{HasSize: true, HasCompressedSize: true}
	if e.SizeKnown() {
		z.Size, z.CompressedSize = uint64(e.UncompressedSize), uint64(e.CompressedSize)
	}
	e.AddExtraField(z)
	w.curZip64 = z
}

// versionNeeded implements §4.I's rule: 45 once Zip64 is attached, else 20
// when a data descriptor is used or the method is DEFLATE, else the
// baseline 10.
func (w *Writer) versionNeeded(e *Entry) uint16 {
	switch {
	case w.curZip64 != nil:
		return zipVersion45
	case e.Flags.DataDescriptor, e.Method == Deflate:
		return zipVersion20
	default:
		return 10
	}
}

func (w *Writer) languageEncodingBit(e *Entry) bool {
	if !w.opts.UseLanguageEncodingFlag {
		return false
	}
	valid, require := DetectUTF8(e.Name)
	return valid && require
}

// applyNamePolicy attaches a UnicodePath/UnicodeComment extra when the
// configured policy calls for it, per §4.I "Unicode extras policy".
func (w *Writer) applyNamePolicy(e *Entry) {
	encodedName, nameErr := w.enc.Encode(e.Name)
	if w.needsUnicodeExtra(nameErr) {
		e.AddExtraField(&UnicodePathField{unicodeField{
			Version: 1,
			CRC:     crc32.ChecksumIEEE(encodedName),
			UTF8:    e.Name,
		}})
	}
	if e.Comment == "" {
		return
	}
	encodedComment, commentErr := w.enc.Encode(e.Comment)
	if w.needsUnicodeExtra(commentErr) {
		e.AddExtraField(&UnicodeCommentField{unicodeField{
			Version: 1,
			CRC:     crc32.ChecksumIEEE(encodedComment),
			UTF8:    e.Comment,
		}})
	}
}

func (w *Writer) needsUnicodeExtra(encodeErr error) bool {
	switch w.opts.CreateUnicodeExtraFields {
	case UnicodeExtraAlways:
		return true
	case UnicodeExtraNotEncodeable:
		return encodeErr != nil
	default:
		return false
	}
}

// applyAlignment pads the extra area so the entry's data lands on a
// boundary, per §4.I "Alignment". The ResourceAlignmentField is inserted
// first so its own (unpadded) bytes count toward the offset calculation,
// then its Padding is sized to close the remaining gap.
func (w *Writer) applyAlignment(e *Entry) error {
	if e.Alignment == 0 {
		return nil
	}
	if e.Alignment&(e.Alignment-1) != 0 {
		return fmt.Errorf("zipcore: %w: alignment %d is not a power of two", ErrBadArgument, e.Alignment)
	}
	af, _ := e.FindExtraField(idResourceAlignment).(*ResourceAlignmentField)
	if af == nil {
		af = &ResourceAlignmentField{Alignment: e.Alignment}
		e.AddAsFirstExtraField(af)
	}
	af.Alignment, af.Padding = e.Alignment, nil

	nameBytes, _ := w.enc.Encode(e.Name)
	extraBytes, _ := w.serializeExtraWithZip64Pos(e.ExtraFields())
	dataOffset := w.offset + 30 + int64(len(nameBytes)) + int64(len(extraBytes))
	if rem := dataOffset % int64(e.Alignment); rem != 0 {
		af.Padding = make([]byte, int64(e.Alignment)-rem)
	}
	return nil
}

// serializeExtraWithZip64Pos is SerializeExtra plus the byte offset (within
// the returned slice) of a Zip64Field's payload, so a seekable writer can
// come back and rewrite it in place at CloseEntry.
func (w *Writer) serializeExtraWithZip64Pos(fields []ExtraField) ([]byte, int) {
	var out []byte
	zip64Pos := -1
	for i, f := range fields {
		if up, ok := f.(*UnparseableField); ok && i == len(fields)-1 {
			out = append(out, up.Data...)
			continue
		}
		payload := f.LocalFileData()
		if _, ok := f.(*Zip64Field); ok {
			zip64Pos = len(out) + 4
		}
		var hdr [4]byte
		putUint16(hdr[0:2], f.HeaderID())
		putUint16(hdr[2:4], uint16(len(payload)))
		out = append(out, hdr[:]...)
		out = append(out, payload...)
	}
	return out, zip64Pos
}

func (w *Writer) writeLocalHeader(e *Entry) error {
	nameBytes, err := w.enc.Encode(e.Name)
	if err != nil {
		return err
	}
	extraBytes, zip64Pos := w.serializeExtraWithZip64Pos(e.ExtraFields())
	if len(nameBytes) > uint16max || len(extraBytes) > uint16max {
		return fmt.Errorf("zipcore: %w: name or extra field too long", ErrBadArgument)
	}

	var size, csize uint32
	if !e.Flags.DataDescriptor {
		if w.curZip64 != nil {
			size, csize = uint32max, uint32max
		} else {
			size, csize = uint32(e.UncompressedSize), uint32(e.CompressedSize)
		}
	}
	modDate, modTime := timeToMsDosTime(e.Modified)

	headerStart := w.offset
	var buf leBuf
	buf.u32(lfhSignature)
	buf.u16(e.VersionNeeded)
	buf.u16(e.Flags.encode())
	buf.u16(e.Method)
	buf.u16(modTime)
	buf.u16(modDate)
	buf.u32(e.CRC32)
	buf.u32(csize)
	buf.u32(size)
	buf.u16(uint16(len(nameBytes)))
	buf.u16(uint16(len(extraBytes)))
	buf.raw(nameBytes)
	buf.raw(extraBytes)

	w.curHeaderOffset = headerStart
	w.curZip64HeaderOffset = -1
	if zip64Pos >= 0 {
		w.curZip64HeaderOffset = headerStart + 30 + int64(len(nameBytes)) + int64(zip64Pos)
	}
	return w.appendWrite(buf.bytes())
}

// Write compresses and appends p to the currently open entry (§4.I
// "write(bytes)").
func (w *Writer) Write(p []byte) (int, error) {
	if w.state != writerEntryOpen {
		return 0, fmt.Errorf("zipcore: %w: no entry is open", ErrBadArgument)
	}
	if w.curPhased {
		return 0, fmt.Errorf("zipcore: %w: cannot Write to a raw entry", ErrBadArgument)
	}
	w.curCRC = crc32.Update(w.curCRC, crc32.IEEETable, p)
	w.curUncompressed += int64(len(p))

	switch w.cur.entry.Method {
	case Store:
		if err := w.appendWrite(p); err != nil {
			return 0, err
		}
		w.curCompressed += int64(len(p))
		return len(p), nil
	case Deflate:
		if w.curFlate == nil {
			enc, err := newDeflateEncoder(&appendSink{w: w}, w.opts.CompressionLevel)
			if err != nil {
				return 0, err
			}
			w.curFlate = enc
		}
		return w.curFlate.Write(p)
	default:
		return 0, fmt.Errorf("zipcore: %w: writer cannot encode method %d", ErrAlgorithm, w.cur.entry.Method)
	}
}

// CloseEntry finalizes the currently open entry: flushing the compressor,
// freezing its CRC/sizes, and either rewriting the local header in place
// (seekable sink) or emitting a data descriptor (§4.I "close_entry").
func (w *Writer) CloseEntry() error {
	if w.state != writerEntryOpen {
		return fmt.Errorf("zipcore: %w: no entry is open", ErrBadArgument)
	}
	e := w.cur.entry

	if w.curFlate != nil {
		if err := w.curFlate.Close(); err != nil {
			return err
		}
		w.curCompressed = w.curFlate.count
	}
	e.CRC32 = w.curCRC
	e.UncompressedSize = w.curUncompressed
	e.CompressedSize = w.curCompressed

	if e.isZip64() && w.curZip64 == nil {
		return fmt.Errorf("zipcore: %w: entry %q exceeds 4 GiB but no zip64 extra was reserved for it", ErrZip64Required, e.Name)
	}
	if w.curZip64 != nil {
		w.curZip64.Size = uint64(e.UncompressedSize)
		w.curZip64.CompressedSize = uint64(e.CompressedSize)
	}

	var err error
	switch {
	case e.Flags.DataDescriptor:
		err = w.writeDataDescriptor(e)
	case w.seekable():
		err = w.rewriteLocalHeader(e)
	}
	if err != nil {
		return err
	}

	w.state = writerOpen
	w.cur, w.curFlate = nil, nil
	return nil
}

func (w *Writer) writeDataDescriptor(e *Entry) error {
	var buf leBuf
	buf.u32(dataDescriptorSignature)
	buf.u32(e.CRC32)
	if w.curZip64 != nil {
		buf.u64(uint64(e.CompressedSize))
		buf.u64(uint64(e.UncompressedSize))
	} else {
		buf.u32(uint32(e.CompressedSize))
		buf.u32(uint32(e.UncompressedSize))
	}
	return w.appendWrite(buf.bytes())
}

func (w *Writer) rewriteLocalHeader(e *Entry) error {
	var buf leBuf
	buf.u32(e.CRC32)
	if w.curZip64 != nil {
		buf.u32(uint32max)
		buf.u32(uint32max)
	} else {
		buf.u32(uint32(e.CompressedSize))
		buf.u32(uint32(e.UncompressedSize))
	}
	if err := w.rewriteAt(w.curHeaderOffset+14, buf.bytes()); err != nil {
		return err
	}
	if w.curZip64HeaderOffset < 0 {
		return nil
	}
	var zbuf leBuf
	zbuf.u64(uint64(e.UncompressedSize))
	zbuf.u64(uint64(e.CompressedSize))
	return w.rewriteAt(w.curZip64HeaderOffset, zbuf.bytes())
}

// AddRawEntry writes e's local header and copies exactly
// e.CompressedSize bytes from r, verbatim, as the entry body (§4.I "add
// entry verbatim"). e.CRC32, e.UncompressedSize and e.CompressedSize must
// already reflect the data being copied; no data descriptor is ever used
// since the sizes are known up front.
func (w *Writer) AddRawEntry(e *Entry, r io.Reader) error {
	if w.state != writerOpen {
		return fmt.Errorf("zipcore: %w: writer is not open", ErrBadArgument)
	}
	if !e.SizeKnown() {
		return fmt.Errorf("zipcore: %w: raw entry requires known size", ErrBadArgument)
	}
	if err := w.createEntry(e, true); err != nil {
		return err
	}
	n, err := io.CopyN(&appendSink{w: w}, r, e.CompressedSize)
	if err != nil {
		return err
	}
	if n != e.CompressedSize {
		return fmt.Errorf("zipcore: %w: raw entry: copied %d bytes, want %d", ErrBadArgument, n, e.CompressedSize)
	}
	w.state = writerOpen
	w.cur = nil
	return nil
}

// Finish writes the central directory, optional Zip64 end-of-central-
// directory record and locator, and the end-of-central-directory record,
// per §4.I "finish". No entry may be open.
func (w *Writer) Finish() error {
	if w.state == writerEntryOpen {
		return fmt.Errorf("zipcore: %w: an entry is still open", ErrBadArgument)
	}
	if w.state != writerOpen {
		return fmt.Errorf("zipcore: %w: writer is not open", ErrBadArgument)
	}

	start := w.offset
	var cdSize int64
	for _, we := range w.entries {
		buf, err := w.centralFileHeaderBytes(we)
		if err != nil {
			return err
		}
		if err := w.appendWrite(buf); err != nil {
			return err
		}
		cdSize += int64(len(buf))
	}

	size := uint64(cdSize)
	end := uint64(start) + size
	records := uint64(len(w.entries))
	offset := uint64(start)
	needsZip64EOCD := records >= uint16max || size >= uint32max || offset >= uint32max

	if needsZip64EOCD {
		if w.opts.Zip64Mode == Zip64Never {
			return fmt.Errorf("zipcore: %w: central directory requires zip64 under Zip64Never", ErrZip64Required)
		}
		if err := w.writeZip64EOCD(records, size, offset, end); err != nil {
			return err
		}
		records, size, offset = uint16max, uint32max, uint32max
	}

	commentBytes, err := w.enc.Encode(w.opts.Comment)
	if err != nil {
		return err
	}
	if len(commentBytes) > maxCommentLen {
		return fmt.Errorf("zipcore: %w: archive comment too long", ErrBadArgument)
	}
	if err := w.writeEOCD(uint16(records), uint32(size), uint32(offset), commentBytes); err != nil {
		return err
	}
	w.state = writerFinished
	return nil
}

func (w *Writer) centralFileHeaderBytes(we *writtenEntry) ([]byte, error) {
	e := we.entry
	nameBytes, err := w.enc.Encode(e.Name)
	if err != nil {
		return nil, err
	}
	commentBytes, err := w.enc.Encode(e.Comment)
	if err != nil {
		return nil, err
	}

	needsZip64 := w.opts.Zip64Mode == Zip64Always || e.isZip64() || we.offset >= uint32max
	if needsZip64 && w.opts.Zip64Mode == Zip64Never {
		return nil, fmt.Errorf("zipcore: %w: entry %q requires zip64 in the central directory", ErrZip64Required, e.Name)
	}

	size, csize, offset := uint32(e.UncompressedSize), uint32(e.CompressedSize), uint32(we.offset)
	fields := e.ExtraFields()
	if needsZip64 {
		size, csize = uint32max, uint32max
		z := &Zip64Field{
			Size: uint64(e.UncompressedSize), CompressedSize: uint64(e.CompressedSize),
			HasSize: true, HasCompressedSize: true,
		}
		if we.offset >= uint32max {
			offset = uint32max
			z.Offset, z.HasOffset = we.offset, true
		}
		fields = replaceZip64Field(fields, z)
	}

	extraBytes := SerializeExtra(fields, false)
	if len(nameBytes) > uint16max || len(extraBytes) > uint16max || len(commentBytes) > uint16max {
		return nil, fmt.Errorf("zipcore: %w: name, extra, or comment too long", ErrBadArgument)
	}

	modDate, modTime := timeToMsDosTime(e.Modified)
	var buf leBuf
	buf.u32(cfhSignature)
	buf.u16(e.VersionMadeBy)
	buf.u16(e.VersionNeeded)
	buf.u16(e.Flags.encode())
	buf.u16(e.Method)
	buf.u16(modTime)
	buf.u16(modDate)
	buf.u32(e.CRC32)
	buf.u32(csize)
	buf.u32(size)
	buf.u16(uint16(len(nameBytes)))
	buf.u16(uint16(len(extraBytes)))
	buf.u16(uint16(len(commentBytes)))
	buf.u16(0) // disk number start: this package only writes single-disk archives
	buf.u16(e.InternalAttrs)
	buf.u32(e.ExternalAttrs)
	buf.u32(offset)
	buf.raw(nameBytes)
	buf.raw(extraBytes)
	buf.raw(commentBytes)
	return buf.bytes(), nil
}

// replaceZip64Field returns fields with any existing Zip64Field dropped and
// z appended, without mutating the entry's own extra-field slice.
func replaceZip64Field(fields []ExtraField, z *Zip64Field) []ExtraField {
	out := make([]ExtraField, 0, len(fields)+1)
	for _, f := range fields {
		if _, ok := f.(*Zip64Field); ok {
			continue
		}
		out = append(out, f)
	}
	return append(out, z)
}

func (w *Writer) writeZip64EOCD(records, size, offset, end uint64) error {
	var buf leBuf
	buf.u32(zip64EOCDSignature)
	buf.u64(44) // record size following the signature and this length field
	buf.u16(zipVersion45)
	buf.u16(zipVersion45)
	buf.u32(0)
	buf.u32(0)
	buf.u64(records)
	buf.u64(records)
	buf.u64(size)
	buf.u64(offset)
	if err := w.appendWrite(buf.bytes()); err != nil {
		return err
	}

	var loc leBuf
	loc.u32(zip64LocatorSignature)
	loc.u32(0)
	loc.u64(end)
	loc.u32(1)
	return w.appendWrite(loc.bytes())
}

func (w *Writer) writeEOCD(records uint16, size, offset uint32, comment []byte) error {
	var buf leBuf
	buf.u32(eocdSignature)
	buf.u16(0)
	buf.u16(0)
	buf.u16(records)
	buf.u16(records)
	buf.u32(size)
	buf.u32(offset)
	buf.u16(uint16(len(comment)))
	buf.raw(comment)
	return w.appendWrite(buf.bytes())
}

// Close finishes the archive if it has not been already, then closes the
// underlying sink if it implements io.Closer (§4.I "close").
func (w *Writer) Close() error {
	if w.state == writerClosed {
		return nil
	}
	if w.state != writerFinished {
		if err := w.Finish(); err != nil {
			return err
		}
	}
	w.state = writerClosed
	if c, ok := w.sink.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

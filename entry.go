// Copyright 2010 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package zipcore

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"
)

// Compression methods (§3, §6).
const (
	Store    uint16 = 0
	Deflate  uint16 = 8
	Unshrink uint16 = 1
	Implode  uint16 = 6
)

// Platform ("version made by" high byte) values (§3).
const (
	PlatformFAT  = 0
	PlatformUnix = 3
)

const (
	creatorFAT  = PlatformFAT
	creatorUnix = PlatformUnix
	creatorNTFS = 11
	creatorVFAT = 14

	zipVersion20 = 20
	zipVersion45 = 45

	uint16max = (1 << 16) - 1
	uint32max = (1 << 32) - 1
)

// NameSource records where an entry's decoded name came from (§3).
type NameSource int

const (
	NameFromRawBytes NameSource = iota
	NameFromUTF8Flag
	NameFromUnicodeExtraField
)

// CommentSource mirrors NameSource for the entry comment.
type CommentSource = NameSource

// GeneralPurposeFlags decodes the 16-bit general-purpose bit field (§3).
type GeneralPurposeFlags struct {
	Encrypted            bool
	StrongEncryption     bool
	DataDescriptor       bool
	LanguageEncodingUTF8 bool
	// ImplodeDictionary8K / ImplodeTrees3 hold the two IMPLODE parameter
	// bits, valid only when Method == Implode.
	ImplodeDictionary8K bool
	ImplodeTrees3       bool
	raw                 uint16
}

func decodeGeneralPurposeFlags(v uint16) GeneralPurposeFlags {
	return GeneralPurposeFlags{
		Encrypted:            v&0x1 != 0,
		ImplodeDictionary8K:  v&0x2 != 0,
		ImplodeTrees3:        v&0x4 != 0,
		DataDescriptor:       v&0x8 != 0,
		StrongEncryption:     v&0x40 != 0,
		LanguageEncodingUTF8: v&0x800 != 0,
		raw:                  v,
	}
}

func (g GeneralPurposeFlags) encode() uint16 {
	v := g.raw
	setBit := func(mask uint16, on bool) {
		if on {
			v |= mask
		} else {
			v &^= mask
		}
	}
	setBit(0x1, g.Encrypted)
	setBit(0x2, g.ImplodeDictionary8K)
	setBit(0x4, g.ImplodeTrees3)
	setBit(0x8, g.DataDescriptor)
	setBit(0x40, g.StrongEncryption)
	setBit(0x800, g.LanguageEncodingUTF8)
	return v
}

// unknownSize is the sentinel for a size/csize/crc not yet known, e.g.
// while reading a streaming entry whose data descriptor hasn't been
// consumed yet (§3).
const unknownSize = -1

// Entry describes one member of a ZIP archive (§3's "Archive entry").
// Entries produced by a reader are immutable after the central-directory
// (or streaming) scan fills them in, except for DataOffset which may be
// lazily resolved on first Open. Entries under construction by a Writer
// are mutable until CloseEntry freezes them.
type Entry struct {
	Name   string
	Method uint16

	UncompressedSize int64 // -1 if unknown
	CompressedSize   int64 // -1 if unknown
	CRC32            uint32
	crc32Known       bool

	Modified time.Time

	Flags GeneralPurposeFlags

	Platform        uint8
	InternalAttrs   uint16
	ExternalAttrs   uint32
	VersionMadeBy   uint16
	VersionNeeded   uint16
	DiskNumberStart uint32

	// LocalHeaderOffset is the byte offset of the local file header
	// within its disk. DataOffset is -1 until resolved (§3 invariant).
	LocalHeaderOffset uint64
	DataOffset        int64

	RawNameBytes []byte
	Comment      string
	// Alignment requests local-header padding so the entry's data lands
	// on a power-of-two boundary, 0 meaning "no alignment requested".
	Alignment uint16

	extraFields []ExtraField

	NameSource    NameSource
	CommentSource CommentSource
}

// NewEntry returns an Entry with sizes marked unknown, ready to be named
// and configured by a writer.
func NewEntry(name string) *Entry {
	e := &Entry{
		UncompressedSize: unknownSize,
		CompressedSize:   unknownSize,
		DataOffset:       unknownSize,
	}
	e.SetName(name)
	return e
}

// SizeKnown reports whether UncompressedSize/CompressedSize are not the
// unknown sentinel.
func (e *Entry) SizeKnown() bool { return e.UncompressedSize != unknownSize && e.CompressedSize != unknownSize }

// IsDir reports whether the entry represents a directory (name ends in a
// forward slash, per §3).
func (e *Entry) IsDir() bool { return strings.HasSuffix(e.Name, "/") }

// SetName sets the entry name, normalizing backslashes to forward slashes
// (FAT-derived platforms use backslash path separators) per §4.D.
func (e *Entry) SetName(name string) {
	e.Name = strings.ReplaceAll(name, `\`, "/")
}

// SetMethod sets the compression method, rejecting negative codes (§4.D).
// Method is a uint16 so "negative" only matters for callers coming from a
// signed source; kept as a named error for that translation layer.
func (e *Entry) SetMethod(m int32) error {
	if m < 0 {
		return fmt.Errorf("zipcore: %w: negative compression method %d", ErrBadArgument, m)
	}
	e.Method = uint16(m)
	return nil
}

// ExtraFields returns the entry's extra-field list in insertion order.
func (e *Entry) ExtraFields() []ExtraField { return e.extraFields }

// SetExtraFields replaces the entry's extra-field list wholesale, used by
// readers populating a freshly parsed entry.
func (e *Entry) SetExtraFields(fields []ExtraField) { e.extraFields = fields }

// AddExtraField replaces any existing field with the same id, or appends
// if none exists (§4.D).
func (e *Entry) AddExtraField(f ExtraField) {
	for i, existing := range e.extraFields {
		if existing.HeaderID() == f.HeaderID() {
			e.extraFields[i] = f
			return
		}
	}
	e.extraFields = append(e.extraFields, f)
}

// AddAsFirstExtraField inserts f at the head of the extra-field list.
func (e *Entry) AddAsFirstExtraField(f ExtraField) {
	e.extraFields = append([]ExtraField{f}, e.extraFields...)
}

// RemoveExtraField removes the first field with the given id, failing if
// none is present (§4.D).
func (e *Entry) RemoveExtraField(id uint16) error {
	for i, f := range e.extraFields {
		if f.HeaderID() == id {
			e.extraFields = append(e.extraFields[:i], e.extraFields[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("zipcore: %w: no extra field with id %#04x", ErrBadArgument, id)
}

// FindExtraField returns the entry's field with the given id, or nil.
func (e *Entry) FindExtraField(id uint16) ExtraField { return FindExtra(e.extraFields, id) }

// Zip64 returns the entry's Zip64 extra field, if any.
func (e *Entry) Zip64() *Zip64Field {
	if f := e.FindExtraField(idZip64); f != nil {
		return f.(*Zip64Field)
	}
	return nil
}

// isZip64 reports whether the entry's sizes exceed the 32-bit limit,
// adapted from the teacher's struct.go.
func (e *Entry) isZip64() bool {
	return uint64(e.UncompressedSize) >= uint32max || uint64(e.CompressedSize) >= uint32max
}

const (
	sIFMT   = 0xf000
	sIFSOCK = 0xc000
	sIFLNK  = 0xa000
	sIFREG  = 0x8000
	sIFBLK  = 0x6000
	sIFDIR  = 0x4000
	sIFCHR  = 0x2000
	sIFIFO  = 0x1000
	sISUID  = 0x800
	sISGID  = 0x400
	sISVTX  = 0x200

	msdosDir      = 0x10
	msdosReadOnly = 0x01
)

// Mode returns the permission and mode bits for the entry, derived from
// ExternalAttrs according to the platform that wrote it (§3), adapted from
// the teacher's struct.go.
func (e *Entry) Mode() (mode os.FileMode) {
	switch e.VersionMadeBy >> 8 {
	case creatorUnix:
		mode = unixModeToFileMode(e.ExternalAttrs >> 16)
	case creatorNTFS, creatorVFAT, creatorFAT:
		mode = msdosModeToFileMode(e.ExternalAttrs)
	}
	if e.IsDir() {
		mode |= os.ModeDir
	}
	return mode
}

// SetMode changes the permission and mode bits, marking the entry as
// unix-authored and mirroring the equivalent MSDOS attributes, as the
// teacher's struct.go does.
func (e *Entry) SetMode(mode os.FileMode) {
	e.VersionMadeBy = e.VersionMadeBy&0xff | creatorUnix<<8
	e.ExternalAttrs = fileModeToUnixMode(mode) << 16
	if mode&os.ModeDir != 0 {
		e.ExternalAttrs |= msdosDir
	}
	if mode&0200 == 0 {
		e.ExternalAttrs |= msdosReadOnly
	}
}

func msdosModeToFileMode(m uint32) (mode os.FileMode) {
	if m&msdosDir != 0 {
		mode = os.ModeDir | 0777
	} else {
		mode = 0666
	}
	if m&msdosReadOnly != 0 {
		mode &^= 0222
	}
	return mode
}

func fileModeToUnixMode(mode os.FileMode) uint32 {
	var m uint32
	switch mode & os.ModeType {
	default:
		m = sIFREG
	case os.ModeDir:
		m = sIFDIR
	case os.ModeSymlink:
		m = sIFLNK
	case os.ModeNamedPipe:
		m = sIFIFO
	case os.ModeSocket:
		m = sIFSOCK
	case os.ModeDevice:
		if mode&os.ModeCharDevice != 0 {
			m = sIFCHR
		} else {
			m = sIFBLK
		}
	}
	if mode&os.ModeSetuid != 0 {
		m |= sISUID
	}
	if mode&os.ModeSetgid != 0 {
		m |= sISGID
	}
	if mode&os.ModeSticky != 0 {
		m |= sISVTX
	}
	return m | uint32(mode&0777)
}

func unixModeToFileMode(m uint32) os.FileMode {
	mode := os.FileMode(m & 0777)
	switch m & sIFMT {
	case sIFBLK:
		mode |= os.ModeDevice
	case sIFCHR:
		mode |= os.ModeDevice | os.ModeCharDevice
	case sIFDIR:
		mode |= os.ModeDir
	case sIFIFO:
		mode |= os.ModeNamedPipe
	case sIFLNK:
		mode |= os.ModeSymlink
	case sIFREG:
	case sIFSOCK:
		mode |= os.ModeSocket
	}
	if m&sISGID != 0 {
		mode |= os.ModeSetgid
	}
	if m&sISUID != 0 {
		mode |= os.ModeSetuid
	}
	if m&sISVTX != 0 {
		mode |= os.ModeSticky
	}
	return mode
}

// timeToMsDosTime converts t to an MS-DOS date and time with 2-second
// resolution, adapted from the teacher's struct.go.
func timeToMsDosTime(t time.Time) (fDate uint16, fTime uint16) {
	fDate = uint16(t.Day() + int(t.Month())<<5 + (t.Year()-1980)<<9)
	fTime = uint16(t.Second()/2 + t.Minute()<<5 + t.Hour()<<11)
	return
}

// msDosTimeToTime is the inverse of timeToMsDosTime, interpreting the
// fields in UTC as the reader has no timezone information to apply.
func msDosTimeToTime(fDate, fTime uint16) time.Time {
	return time.Date(
		int(fDate>>9)+1980,
		time.Month(fDate>>5&0xf),
		int(fDate&0x1f),
		int(fTime>>11),
		int(fTime>>5&0x3f),
		int(fTime&0x1f)*2,
		0,
		time.UTC,
	)
}

// Sentinel errors forming the taxonomy in §7.
var (
	ErrFormat            = errors.New("zipcore: not a valid zip archive")
	ErrAlgorithm         = errors.New("zipcore: unsupported compression method")
	ErrChecksum          = errors.New("zipcore: checksum mismatch")
	ErrEncryption        = errors.New("zipcore: encrypted entries are not supported")
	ErrDataDescriptor    = errors.New("zipcore: data descriptor not supported in this context")
	ErrSplitting         = errors.New("zipcore: split/spanned archives are not supported here")
	ErrUnknownSize       = errors.New("zipcore: compressed size is unknown")
	ErrZip64Required     = errors.New("zipcore: zip64 extensions required but disabled")
	ErrBadArgument       = errors.New("zipcore: invalid argument")
	ErrTruncatedArchive  = errors.New("zipcore: truncated archive")
	ErrCorruptZip64Extra = errors.New("zipcore: corrupt zip64 extra field")
)

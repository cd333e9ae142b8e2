package zipcore

import (
	"fmt"
	"hash/crc32"
)

// Extra-field header ids recognized by the registry (§3).
const (
	idZip64             uint16 = 0x0001
	idNTFSTimestamp     uint16 = 0x000A
	idExtendedTimestamp uint16 = 0x5455
	idUnixASi           uint16 = 0x756E
	idUnicodePath       uint16 = 0x7075
	idUnicodeComment    uint16 = 0x6375
	idNewUnix           uint16 = 0x7875
	idResourceAlignment uint16 = 0xA11E
	idJarMarker         uint16 = 0xCAFE
	idStrongEnc014      uint16 = 0x0014
	idStrongEnc015      uint16 = 0x0015
	idStrongEnc016      uint16 = 0x0016
	idStrongEnc017      uint16 = 0x0017
	idStrongEnc019      uint16 = 0x0019
)

// ParsingMode controls how the extra-field registry reacts to malformed
// data, per the table in §4.C.
type ParsingMode int

const (
	// BestEffort downgrades unparseable trailers to an Unparseable block
	// and known fields that fail to parse to Unrecognized. Default.
	BestEffort ParsingMode = iota
	// OnlyParseableLenient skips unparseable trailers silently and
	// downgrades failed known fields to Unrecognized.
	OnlyParseableLenient
	// StrictForKnownExtraFields produces an Unparseable block for a
	// trailer but fails outright if a known field's payload is malformed.
	StrictForKnownExtraFields
	// OnlyParseableStrict skips unparseable trailers but fails on a
	// malformed known field.
	OnlyParseableStrict
	// Draconic fails on any malformed data at all.
	Draconic
)

// ExtraField is the common contract every typed extra-field block
// satisfies (§3, §4.C design note: "tagged union of concrete field
// records plus a registry mapping header_id -> constructor").
type ExtraField interface {
	// HeaderID returns the 16-bit id this field is registered under.
	HeaderID() uint16
	// ParseLocal populates the field from a local-file-header extra
	// payload (header id and length already consumed).
	ParseLocal(data []byte) error
	// ParseCentral populates the field from a central-directory extra
	// payload.
	ParseCentral(data []byte) error
	// LocalFileData serializes the field's payload for a local header.
	LocalFileData() []byte
	// CentralDirectoryData serializes the field's payload for a central
	// directory header.
	CentralDirectoryData() []byte
}

// extraConstructor builds a zero-valued instance of a registered field
// type, to be filled in by ParseLocal/ParseCentral.
type extraConstructor func() ExtraField

var extraRegistry = map[uint16]extraConstructor{
	idZip64:             func() ExtraField { return &Zip64Field{} },
	idNTFSTimestamp:     func() ExtraField { return &NTFSTimestampField{} },
	idExtendedTimestamp: func() ExtraField { return &ExtendedTimestampField{} },
	idUnixASi:           func() ExtraField { return &UnixASiField{} },
	idUnicodePath:       func() ExtraField { return &UnicodePathField{} },
	idUnicodeComment:    func() ExtraField { return &UnicodeCommentField{} },
	idNewUnix:           func() ExtraField { return &NewUnixField{} },
	idResourceAlignment: func() ExtraField { return &ResourceAlignmentField{} },
	idJarMarker:         func() ExtraField { return &RawField{id: idJarMarker} },
	idStrongEnc014:      func() ExtraField { return &RawField{id: idStrongEnc014} },
	idStrongEnc015:      func() ExtraField { return &RawField{id: idStrongEnc015} },
	idStrongEnc016:      func() ExtraField { return &RawField{id: idStrongEnc016} },
	idStrongEnc017:      func() ExtraField { return &RawField{id: idStrongEnc017} },
	idStrongEnc019:      func() ExtraField { return &RawField{id: idStrongEnc019} },
}

// RawField preserves the raw bytes of any registered-but-otherwise-opaque
// id (JarMarker, strong-encryption markers) so it round-trips byte for
// byte, and also serves as the Unrecognized variant for any id the
// registry has no constructor for.
type RawField struct {
	id    uint16
	Local []byte
	Central []byte
}

func (f *RawField) HeaderID() uint16 { return f.id }
func (f *RawField) ParseLocal(data []byte) error {
	f.Local = append([]byte(nil), data...)
	if f.Central == nil {
		f.Central = f.Local
	}
	return nil
}
func (f *RawField) ParseCentral(data []byte) error {
	f.Central = append([]byte(nil), data...)
	if f.Local == nil {
		f.Local = f.Central
	}
	return nil
}
func (f *RawField) LocalFileData() []byte         { return f.Local }
func (f *RawField) CentralDirectoryData() []byte  { return f.Central }

// UnrecognizedField is returned for any header id without a registered
// constructor, or as the downgrade target for a known field that failed
// to parse under a lenient ParsingMode.
type UnrecognizedField = RawField

func newUnrecognized(id uint16) *UnrecognizedField { return &RawField{id: id} }

// UnparseableField wraps a trailing byte run that did not follow the
// (id, length, payload) framing; it is written back raw, with no header,
// always as the last field in the sequence (§4.C).
type UnparseableField struct {
	Data []byte
}

func (f *UnparseableField) HeaderID() uint16                { return 0xFFFF }
func (f *UnparseableField) ParseLocal(data []byte) error    { f.Data = data; return nil }
func (f *UnparseableField) ParseCentral(data []byte) error  { f.Data = data; return nil }
func (f *UnparseableField) LocalFileData() []byte           { return f.Data }
func (f *UnparseableField) CentralDirectoryData() []byte    { return f.Data }

// Zip64Field carries the Zip64 Extended Information block (0x0001). Which
// of its four slots are present depends on context: in a local header,
// both Size and CompressedSize must be present together; in a central
// header, the reader must call Reparse once it knows, from the regular
// 32-bit fields, which slots were sentinel 0xFFFFFFFF values (§3, §4.G).
type Zip64Field struct {
	Size, CompressedSize, Offset, DiskStart       uint64
	HasSize, HasCompressedSize, HasOffset, HasDiskStart bool

	// rawCentral retains the as-parsed central payload until Reparse is
	// called with the surrounding context, per §4.G's two-phase parse.
	rawCentral []byte
}

func (f *Zip64Field) HeaderID() uint16 { return idZip64 }

func (f *Zip64Field) ParseLocal(data []byte) error {
	if len(data) < 16 {
		return fmt.Errorf("zipcore: zip64 extra (local): need 16 bytes, have %d", len(data))
	}
	f.Size = readUint64LE(data[0:8])
	f.CompressedSize = readUint64LE(data[8:16])
	f.HasSize, f.HasCompressedSize = true, true
	if len(data) >= 24 {
		f.Offset = readUint64LE(data[16:24])
		f.HasOffset = true
	}
	if len(data) >= 28 {
		f.DiskStart = readUint32Field(data[24:28])
		f.HasDiskStart = true
	}
	return nil
}

func readUint32Field(b []byte) uint64 { return uint64(readUint32(b)) }

// ParseCentral records the raw payload; the greedy default assumes the
// fields are present in declaration order (size, csize, offset, disk
// start) until the payload is exhausted, matching common parsers when the
// caller never invokes Reparse.
func (f *Zip64Field) ParseCentral(data []byte) error {
	f.rawCentral = append([]byte(nil), data...)
	r := newLEReader(data)
	if v, err := r.u64(); err == nil {
		f.Size, f.HasSize = v, true
	} else {
		return nil
	}
	if v, err := r.u64(); err == nil {
		f.CompressedSize, f.HasCompressedSize = v, true
	} else {
		return nil
	}
	if v, err := r.u64(); err == nil {
		f.Offset, f.HasOffset = v, true
	} else {
		return nil
	}
	if v, err := r.u32(); err == nil {
		f.DiskStart, f.HasDiskStart = uint64(v), true
	}
	return nil
}

// Reparse re-derives which slots are meaningful from context the generic
// parse could not know: the 32-bit sentinel fields of the surrounding
// central directory header. Only present slots are consumed, in order
// size, csize, offset, disk-start (4 bytes), per §4.G.
func (f *Zip64Field) Reparse(hasSize, hasCompressedSize, hasOffset, hasDiskStart bool) error {
	r := newLEReader(f.rawCentral)
	f.HasSize, f.HasCompressedSize, f.HasOffset, f.HasDiskStart = false, false, false, false
	if hasSize {
		v, err := r.u64()
		if err != nil {
			return fmt.Errorf("zipcore: zip64 extra (central): missing size: %w", err)
		}
		f.Size, f.HasSize = v, true
	}
	if hasCompressedSize {
		v, err := r.u64()
		if err != nil {
			return fmt.Errorf("zipcore: zip64 extra (central): missing compressed size: %w", err)
		}
		f.CompressedSize, f.HasCompressedSize = v, true
	}
	if hasOffset {
		v, err := r.u64()
		if err != nil {
			return fmt.Errorf("zipcore: zip64 extra (central): missing offset: %w", err)
		}
		f.Offset, f.HasOffset = v, true
	}
	if hasDiskStart {
		v, err := r.u32()
		if err != nil {
			return fmt.Errorf("zipcore: zip64 extra (central): missing disk start: %w", err)
		}
		f.DiskStart, f.HasDiskStart = uint64(v), true
	}
	return nil
}

func (f *Zip64Field) LocalFileData() []byte {
	var w leBuf
	w.u64(f.Size)
	w.u64(f.CompressedSize)
	if f.HasOffset {
		w.u64(f.Offset)
	}
	if f.HasDiskStart {
		w.u32(uint32(f.DiskStart))
	}
	return w.bytes()
}

func (f *Zip64Field) CentralDirectoryData() []byte {
	var w leBuf
	if f.HasSize {
		w.u64(f.Size)
	}
	if f.HasCompressedSize {
		w.u64(f.CompressedSize)
	}
	if f.HasOffset {
		w.u64(f.Offset)
	}
	if f.HasDiskStart {
		w.u32(uint32(f.DiskStart))
	}
	return w.bytes()
}

// NTFSTimestampField carries modify/access/create times as 64-bit Windows
// file times (0x000A), nested one level inside a "tag 0x0001, size 24"
// attribute per the APPNOTE.
type NTFSTimestampField struct {
	ModifyTime, AccessTime, CreateTime uint64 // Windows FILETIME (100ns ticks since 1601)
	present                            bool
}

func (f *NTFSTimestampField) HeaderID() uint16 { return idNTFSTimestamp }

func (f *NTFSTimestampField) parse(data []byte) error {
	r := newLEReader(data)
	if _, err := r.u32(); err != nil { // reserved
		return err
	}
	for r.remaining() >= 4 {
		tag, err := r.u16()
		if err != nil {
			return err
		}
		size, err := r.u16()
		if err != nil {
			return err
		}
		payload, err := r.bytes(int(size))
		if err != nil {
			return err
		}
		if tag == 1 && size >= 24 {
			f.ModifyTime = readUint64LE(payload[0:8])
			f.AccessTime = readUint64LE(payload[8:16])
			f.CreateTime = readUint64LE(payload[16:24])
			f.present = true
		}
	}
	return nil
}

func (f *NTFSTimestampField) ParseLocal(data []byte) error   { return f.parse(data) }
func (f *NTFSTimestampField) ParseCentral(data []byte) error { return f.parse(data) }

func (f *NTFSTimestampField) data() []byte {
	var w leBuf
	w.u32(0) // reserved
	w.u16(1) // attribute tag 1: timestamps
	w.u16(24)
	w.u64(f.ModifyTime)
	w.u64(f.AccessTime)
	w.u64(f.CreateTime)
	return w.bytes()
}

func (f *NTFSTimestampField) LocalFileData() []byte          { return f.data() }
func (f *NTFSTimestampField) CentralDirectoryData() []byte   { return f.data() }

// ExtendedTimestampField carries up to 3 seconds-since-epoch stamps with a
// flags byte (0x5455). Local headers usually carry all three present
// stamps; central headers, per common practice and the teacher's own
// prepareEntry, usually carry only modify time.
type ExtendedTimestampField struct {
	Flags                           uint8
	ModTime, AccessTime, CreateTime int64
}

const (
	extTimeHasModTime    = 1 << 0
	extTimeHasAccessTime = 1 << 1
	extTimeHasCreateTime = 1 << 2
)

func (f *ExtendedTimestampField) HeaderID() uint16 { return idExtendedTimestamp }

func (f *ExtendedTimestampField) parse(data []byte) error {
	r := newLEReader(data)
	flags, err := r.u8()
	if err != nil {
		return err
	}
	f.Flags = flags
	if f.Flags&extTimeHasModTime != 0 && r.remaining() >= 4 {
		v, _ := r.u32()
		f.ModTime = int64(int32(v))
	}
	if f.Flags&extTimeHasAccessTime != 0 && r.remaining() >= 4 {
		v, _ := r.u32()
		f.AccessTime = int64(int32(v))
	}
	if f.Flags&extTimeHasCreateTime != 0 && r.remaining() >= 4 {
		v, _ := r.u32()
		f.CreateTime = int64(int32(v))
	}
	return nil
}

func (f *ExtendedTimestampField) ParseLocal(data []byte) error   { return f.parse(data) }
func (f *ExtendedTimestampField) ParseCentral(data []byte) error { return f.parse(data) }

func (f *ExtendedTimestampField) buildLocal() []byte {
	var w leBuf
	w.u8(f.Flags)
	if f.Flags&extTimeHasModTime != 0 {
		w.u32(uint32(int32(f.ModTime)))
	}
	if f.Flags&extTimeHasAccessTime != 0 {
		w.u32(uint32(int32(f.AccessTime)))
	}
	if f.Flags&extTimeHasCreateTime != 0 {
		w.u32(uint32(int32(f.CreateTime)))
	}
	return w.bytes()
}

func (f *ExtendedTimestampField) LocalFileData() []byte { return f.buildLocal() }

// CentralDirectoryData carries only the mod-time stamp by convention, as
// nearly every writer in the wild (and the teacher) does.
func (f *ExtendedTimestampField) CentralDirectoryData() []byte {
	var w leBuf
	w.u8(f.Flags & extTimeHasModTime)
	if f.Flags&extTimeHasModTime != 0 {
		w.u32(uint32(int32(f.ModTime)))
	}
	return w.bytes()
}

// UnixASiField carries legacy Unix mode, uid, gid and symlink target,
// CRC-protected (0x756E, "ASi Unix").
type UnixASiField struct {
	CRC        uint32
	Mode       uint16
	SizeDev    uint32
	UID, GID   uint16
	LinkTarget []byte
}

func (f *UnixASiField) HeaderID() uint16 { return idUnixASi }

func (f *UnixASiField) parse(data []byte) error {
	if len(data) < 14 {
		return fmt.Errorf("zipcore: ASi unix extra: need 14 bytes, have %d", len(data))
	}
	f.CRC = readUint32(data[0:4])
	f.Mode = readUint16(data[4:6])
	f.SizeDev = readUint32(data[6:10])
	f.UID = readUint16(data[10:12])
	f.GID = readUint16(data[12:14])
	f.LinkTarget = append([]byte(nil), data[14:]...)
	if len(f.LinkTarget) > 0 {
		sum := crc32.ChecksumIEEE(f.LinkTarget)
		if sum != f.CRC {
			return fmt.Errorf("zipcore: ASi unix extra: CRC mismatch")
		}
	}
	return nil
}

func (f *UnixASiField) ParseLocal(data []byte) error   { return f.parse(data) }
func (f *UnixASiField) ParseCentral(data []byte) error { return f.parse(data) }

func (f *UnixASiField) data() []byte {
	var w leBuf
	crc := uint32(0)
	if len(f.LinkTarget) > 0 {
		crc = crc32.ChecksumIEEE(f.LinkTarget)
	}
	w.u32(crc)
	w.u16(f.Mode)
	w.u32(f.SizeDev)
	w.u16(f.UID)
	w.u16(f.GID)
	w.raw(f.LinkTarget)
	return w.bytes()
}

func (f *UnixASiField) LocalFileData() []byte         { return f.data() }
func (f *UnixASiField) CentralDirectoryData() []byte  { return f.data() }

// NewUnixField carries the modern (PKWARE-endorsed) variable-width uid/gid
// extra (0x7875), little-endian with leading zero bytes trimmed on write.
type NewUnixField struct {
	Version  uint8
	UID, GID []byte // little-endian magnitude, high byte last
}

func (f *NewUnixField) HeaderID() uint16 { return idNewUnix }

func (f *NewUnixField) parse(data []byte) error {
	r := newLEReader(data)
	v, err := r.u8()
	if err != nil {
		return err
	}
	f.Version = v
	uidLen, err := r.u8()
	if err != nil {
		return err
	}
	uid, err := r.bytes(int(uidLen))
	if err != nil {
		return err
	}
	f.UID = append([]byte(nil), uid...)
	gidLen, err := r.u8()
	if err != nil {
		return err
	}
	gid, err := r.bytes(int(gidLen))
	if err != nil {
		return err
	}
	f.GID = append([]byte(nil), gid...)
	return nil
}

func (f *NewUnixField) ParseLocal(data []byte) error   { return f.parse(data) }
func (f *NewUnixField) ParseCentral(data []byte) error { return f.parse(data) }

func (f *NewUnixField) data() []byte {
	var w leBuf
	version := f.Version
	if version == 0 {
		version = 1
	}
	w.u8(version)
	w.u8(uint8(len(trimLeadingZero(f.UID))))
	w.raw(trimLeadingZero(f.UID))
	w.u8(uint8(len(trimLeadingZero(f.GID))))
	w.raw(trimLeadingZero(f.GID))
	return w.bytes()
}

func (f *NewUnixField) LocalFileData() []byte        { return f.data() }
func (f *NewUnixField) CentralDirectoryData() []byte { return f.data() }

// trimLeadingZero drops trailing zero bytes from a little-endian magnitude
// beyond the minimum needed to represent it (but always keeps one byte),
// matching the "BigInteger-sized ... with leading-zero trimming" rule: the
// most-significant (last, since little-endian) zero bytes are redundant.
func trimLeadingZero(b []byte) []byte {
	n := len(b)
	for n > 1 && b[n-1] == 0 {
		n--
	}
	return b[:n]
}

// UnicodePathField and UnicodeCommentField carry a CRC-tagged UTF-8
// override of the name/comment (0x7075 / 0x6375). The CRC is of the raw
// encoded-in-archive name/comment bytes, not the UTF-8 payload.
type unicodeField struct {
	Version uint8
	CRC     uint32
	UTF8    string
}

func (f *unicodeField) parse(data []byte) error {
	if len(data) < 5 {
		return fmt.Errorf("zipcore: unicode extra: need 5 bytes, have %d", len(data))
	}
	f.Version = data[0]
	if f.Version != 1 {
		return fmt.Errorf("zipcore: unicode extra: unsupported version %d", f.Version)
	}
	f.CRC = readUint32(data[1:5])
	f.UTF8 = string(data[5:])
	return nil
}

func (f *unicodeField) data() []byte {
	var w leBuf
	w.u8(1)
	w.u32(f.CRC)
	w.raw([]byte(f.UTF8))
	return w.bytes()
}

// Matches reports whether this field's CRC matches the raw encoded bytes
// of the name/comment it overrides, per the round-trip invariant in §3.
func (f *unicodeField) Matches(rawEncoded []byte) bool {
	return crc32.ChecksumIEEE(rawEncoded) == f.CRC
}

type UnicodePathField struct{ unicodeField }

func (f *UnicodePathField) HeaderID() uint16                { return idUnicodePath }
func (f *UnicodePathField) ParseLocal(data []byte) error    { return f.parse(data) }
func (f *UnicodePathField) ParseCentral(data []byte) error   { return f.parse(data) }
func (f *UnicodePathField) LocalFileData() []byte           { return f.data() }
func (f *UnicodePathField) CentralDirectoryData() []byte    { return f.data() }

type UnicodeCommentField struct{ unicodeField }

func (f *UnicodeCommentField) HeaderID() uint16                { return idUnicodeComment }
func (f *UnicodeCommentField) ParseLocal(data []byte) error    { return f.parse(data) }
func (f *UnicodeCommentField) ParseCentral(data []byte) error   { return f.parse(data) }
func (f *UnicodeCommentField) LocalFileData() []byte           { return f.data() }
func (f *UnicodeCommentField) CentralDirectoryData() []byte    { return f.data() }

// ResourceAlignmentField requests that the writer pad an entry's local
// header so its data offset lands on an alignment boundary (0xA11E). The
// padding itself is carried inside the field so it round-trips.
type ResourceAlignmentField struct {
	Alignment        uint16
	AllowMethodChange bool
	Padding          []byte
}

func (f *ResourceAlignmentField) HeaderID() uint16 { return idResourceAlignment }

func (f *ResourceAlignmentField) parse(data []byte) error {
	if len(data) < 2 {
		return fmt.Errorf("zipcore: alignment extra: need 2 bytes, have %d", len(data))
	}
	v := readUint16(data[0:2])
	f.Alignment = v &^ 0x8000
	f.AllowMethodChange = v&0x8000 != 0
	f.Padding = append([]byte(nil), data[2:]...)
	return nil
}

func (f *ResourceAlignmentField) ParseLocal(data []byte) error   { return f.parse(data) }
func (f *ResourceAlignmentField) ParseCentral(data []byte) error { return f.parse(data) }

func (f *ResourceAlignmentField) data() []byte {
	var w leBuf
	v := f.Alignment
	if f.AllowMethodChange {
		v |= 0x8000
	}
	w.u16(v)
	w.raw(f.Padding)
	return w.bytes()
}

func (f *ResourceAlignmentField) LocalFileData() []byte        { return f.data() }
func (f *ResourceAlignmentField) CentralDirectoryData() []byte { return f.data() }

// ParseExtra walks a local-file-header or central-directory extra region
// and returns the decoded field sequence, applying mode to malformed data
// per the table in §4.C.
func ParseExtra(data []byte, local bool, mode ParsingMode) ([]ExtraField, error) {
	var fields []ExtraField
	pos := 0
	for pos+4 <= len(data) {
		id := readUint16(data[pos : pos+2])
		claimedLen := int(readUint16(data[pos+2 : pos+4]))
		if pos+4+claimedLen > len(data) {
			switch mode {
			case BestEffort, StrictForKnownExtraFields:
				fields = append(fields, &UnparseableField{Data: append([]byte(nil), data[pos:]...)})
			case OnlyParseableLenient, OnlyParseableStrict:
				// skip, no block
			case Draconic:
				return nil, fmt.Errorf("zipcore: malformed extra field trailer at offset %d (id %#04x)", pos, id)
			}
			return fields, nil
		}
		payload := data[pos+4 : pos+4+claimedLen]
		field, err := parseOneField(id, payload, local)
		if err != nil {
			switch mode {
			case BestEffort, OnlyParseableLenient:
				field = newUnrecognized(id)
				_ = field.ParseLocal(payload)
				_ = field.ParseCentral(payload)
			case StrictForKnownExtraFields, OnlyParseableStrict, Draconic:
				return nil, fmt.Errorf("zipcore: extra field %#04x: %w", id, err)
			}
		}
		fields = append(fields, field)
		pos += 4 + claimedLen
	}
	return fields, nil
}

func parseOneField(id uint16, payload []byte, local bool) (field ExtraField, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("zipcore: extra field %#04x: parse panic: %v", id, r)
		}
	}()
	ctor, ok := extraRegistry[id]
	if !ok {
		field = newUnrecognized(id)
		if local {
			err = field.ParseLocal(payload)
		} else {
			err = field.ParseCentral(payload)
		}
		return field, err
	}
	field = ctor()
	if local {
		err = field.ParseLocal(payload)
	} else {
		err = field.ParseCentral(payload)
	}
	return field, err
}

// SerializeExtra concatenates fields as (id, length, payload) triples. If
// the last field is an *UnparseableField, it is written raw with no
// header, per §4.C.
func SerializeExtra(fields []ExtraField, local bool) []byte {
	var out []byte
	for i, f := range fields {
		if up, ok := f.(*UnparseableField); ok && i == len(fields)-1 {
			out = append(out, up.Data...)
			continue
		}
		var payload []byte
		if local {
			payload = f.LocalFileData()
		} else {
			payload = f.CentralDirectoryData()
		}
		var hdr [4]byte
		putUint16(hdr[0:2], f.HeaderID())
		putUint16(hdr[2:4], uint16(len(payload)))
		out = append(out, hdr[:]...)
		out = append(out, payload...)
	}
	return out
}

// FindExtra returns the first field with the given header id, or nil.
func FindExtra(fields []ExtraField, id uint16) ExtraField {
	for _, f := range fields {
		if f.HeaderID() == id {
			return f
		}
	}
	return nil
}

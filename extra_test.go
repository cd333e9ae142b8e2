package zipcore

import (
	"hash/crc32"
	"testing"
)

func TestZip64FieldLocalRoundTrip(t *testing.T) {
	f := &Zip64Field{Size: 1 << 33, CompressedSize: 1 << 32, Offset: 42, HasOffset: true}
	data := f.LocalFileData()

	got := &Zip64Field{}
	if err := got.ParseLocal(data); err != nil {
		t.Fatal(err)
	}
	if got.Size != f.Size || got.CompressedSize != f.CompressedSize {
		t.Fatalf("got %+v, want sizes %d/%d", got, f.Size, f.CompressedSize)
	}
	if !got.HasOffset || got.Offset != f.Offset {
		t.Fatalf("offset not round-tripped: %+v", got)
	}
}

func TestZip64FieldReparse(t *testing.T) {
	// Only size and offset were sentinel (0xFFFFFFFF) in the surrounding
	// central header, so only those two slots are actually encoded.
	f := &Zip64Field{Size: 10, Offset: 30, HasSize: true, HasOffset: true}
	central := f.CentralDirectoryData()

	got := &Zip64Field{}
	if err := got.ParseCentral(central); err != nil {
		t.Fatal(err)
	}
	// Central-directory entry only had offset and size as 0xFFFFFFFF
	// sentinels; Reparse should pick out exactly those two slots.
	if err := got.Reparse(true, false, true, false); err != nil {
		t.Fatal(err)
	}
	if !got.HasSize || got.Size != 10 {
		t.Fatalf("Size not reparsed: %+v", got)
	}
	if got.HasCompressedSize {
		t.Fatalf("CompressedSize should not be present after Reparse: %+v", got)
	}
	if !got.HasOffset || got.Offset != 30 {
		t.Fatalf("Offset not reparsed: %+v", got)
	}
	if got.HasDiskStart {
		t.Fatalf("DiskStart should not be present after Reparse: %+v", got)
	}
}

func TestZip64FieldLocalTooShort(t *testing.T) {
	f := &Zip64Field{}
	if err := f.ParseLocal([]byte{1, 2, 3}); err == nil {
		t.Fatal("expected error for short zip64 local extra")
	}
}

func TestNTFSTimestampRoundTrip(t *testing.T) {
	f := &NTFSTimestampField{ModifyTime: 1, AccessTime: 2, CreateTime: 3}
	data := f.LocalFileData()

	got := &NTFSTimestampField{}
	if err := got.ParseLocal(data); err != nil {
		t.Fatal(err)
	}
	if got.ModifyTime != 1 || got.AccessTime != 2 || got.CreateTime != 3 {
		t.Fatalf("got %+v", got)
	}
}

func TestExtendedTimestampRoundTrip(t *testing.T) {
	f := &ExtendedTimestampField{Flags: extTimeHasModTime | extTimeHasAccessTime, ModTime: 1000, AccessTime: 2000}
	data := f.LocalFileData()

	got := &ExtendedTimestampField{}
	if err := got.ParseLocal(data); err != nil {
		t.Fatal(err)
	}
	if got.ModTime != 1000 || got.AccessTime != 2000 {
		t.Fatalf("got %+v", got)
	}

	central := f.CentralDirectoryData()
	gotCentral := &ExtendedTimestampField{}
	if err := gotCentral.ParseCentral(central); err != nil {
		t.Fatal(err)
	}
	if gotCentral.Flags != extTimeHasModTime || gotCentral.ModTime != 1000 {
		t.Fatalf("central should only carry mod time: %+v", gotCentral)
	}
}

func TestUnixASiRoundTrip(t *testing.T) {
	f := &UnixASiField{Mode: 0755, SizeDev: 0, UID: 1000, GID: 1000, LinkTarget: []byte("target")}
	data := f.LocalFileData()

	got := &UnixASiField{}
	if err := got.ParseLocal(data); err != nil {
		t.Fatal(err)
	}
	if got.Mode != 0755 || got.UID != 1000 || got.GID != 1000 || string(got.LinkTarget) != "target" {
		t.Fatalf("got %+v", got)
	}
}

func TestUnixASiCRCMismatch(t *testing.T) {
	f := &UnixASiField{Mode: 0644, LinkTarget: []byte("abc")}
	data := f.LocalFileData()
	// Corrupt the link target without updating the CRC.
	data[len(data)-1] ^= 0xFF
	got := &UnixASiField{}
	if err := got.ParseLocal(data); err == nil {
		t.Fatal("expected CRC mismatch error")
	}
}

func TestNewUnixFieldRoundTripTrimsLeadingZero(t *testing.T) {
	f := &NewUnixField{UID: []byte{0xE8, 0x03, 0x00, 0x00}, GID: []byte{0x01, 0x00, 0x00, 0x00}}
	data := f.LocalFileData()

	got := &NewUnixField{}
	if err := got.ParseLocal(data); err != nil {
		t.Fatal(err)
	}
	if len(got.UID) != 2 || got.UID[0] != 0xE8 || got.UID[1] != 0x03 {
		t.Fatalf("UID not trimmed/round-tripped: %v", got.UID)
	}
	if len(got.GID) != 1 || got.GID[0] != 0x01 {
		t.Fatalf("GID not trimmed/round-tripped: %v", got.GID)
	}
	if got.Version != 1 {
		t.Fatalf("Version = %d, want 1", got.Version)
	}
}

func TestUnicodePathFieldMatches(t *testing.T) {
	raw := []byte("r\xe9sum\xe9.txt")
	f := &UnicodePathField{unicodeField{CRC: crc32.ChecksumIEEE(raw), UTF8: "résumé.txt"}}
	data := f.LocalFileData()

	got := &UnicodePathField{}
	if err := got.ParseLocal(data); err != nil {
		t.Fatal(err)
	}
	if !got.Matches(raw) {
		t.Fatal("expected CRC match against the original raw-encoded name")
	}
	if got.Matches([]byte("something-else")) {
		t.Fatal("CRC should not match an unrelated byte string")
	}
	if got.UTF8 != "résumé.txt" {
		t.Fatalf("UTF8 = %q", got.UTF8)
	}
}

func TestUnicodeFieldRejectsBadVersion(t *testing.T) {
	var w leBuf
	w.u8(2) // unsupported version
	w.u32(0)
	w.raw([]byte("x"))
	f := &UnicodeCommentField{}
	if err := f.ParseLocal(w.bytes()); err == nil {
		t.Fatal("expected error for unsupported unicode-extra version")
	}
}

func TestResourceAlignmentRoundTrip(t *testing.T) {
	f := &ResourceAlignmentField{Alignment: 4096, AllowMethodChange: true, Padding: []byte{0, 0, 0}}
	data := f.LocalFileData()

	got := &ResourceAlignmentField{}
	if err := got.ParseLocal(data); err != nil {
		t.Fatal(err)
	}
	if got.Alignment != 4096 || !got.AllowMethodChange || len(got.Padding) != 3 {
		t.Fatalf("got %+v", got)
	}
}

func TestRawFieldRoundTrip(t *testing.T) {
	f := &RawField{id: idJarMarker}
	if err := f.ParseLocal([]byte{1, 2, 3}); err != nil {
		t.Fatal(err)
	}
	if f.HeaderID() != idJarMarker {
		t.Fatalf("HeaderID = %#x", f.HeaderID())
	}
	if string(f.LocalFileData()) != "\x01\x02\x03" {
		t.Fatalf("LocalFileData = %v", f.LocalFileData())
	}
	if string(f.CentralDirectoryData()) != "\x01\x02\x03" {
		t.Fatalf("CentralDirectoryData should default to local payload: %v", f.CentralDirectoryData())
	}
}

func TestParseExtraKnownFieldRoundTrip(t *testing.T) {
	z := &Zip64Field{Size: 5, CompressedSize: 5}
	data := SerializeExtra([]ExtraField{z}, true)

	fields, err := ParseExtra(data, true, BestEffort)
	if err != nil {
		t.Fatal(err)
	}
	if len(fields) != 1 {
		t.Fatalf("got %d fields, want 1", len(fields))
	}
	got, ok := fields[0].(*Zip64Field)
	if !ok {
		t.Fatalf("field type = %T, want *Zip64Field", fields[0])
	}
	if got.Size != 5 || got.CompressedSize != 5 {
		t.Fatalf("got %+v", got)
	}
}

func TestParseExtraUnrecognizedID(t *testing.T) {
	var w leBuf
	w.u16(0x9999) // unregistered id
	w.u16(3)
	w.raw([]byte{7, 8, 9})
	fields, err := ParseExtra(w.bytes(), true, BestEffort)
	if err != nil {
		t.Fatal(err)
	}
	if len(fields) != 1 {
		t.Fatalf("got %d fields, want 1", len(fields))
	}
	raw, ok := fields[0].(*RawField)
	if !ok {
		t.Fatalf("field type = %T, want *RawField", fields[0])
	}
	if raw.HeaderID() != 0x9999 {
		t.Fatalf("HeaderID = %#x", raw.HeaderID())
	}
}

func TestParseExtraTruncatedTrailer(t *testing.T) {
	// Claims a 10-byte payload but only 2 bytes follow.
	var w leBuf
	w.u16(0x1234)
	w.u16(10)
	w.raw([]byte{1, 2})
	data := w.bytes()

	t.Run("BestEffort", func(t *testing.T) {
		fields, err := ParseExtra(data, true, BestEffort)
		if err != nil {
			t.Fatal(err)
		}
		if len(fields) != 1 {
			t.Fatalf("got %d fields, want 1", len(fields))
		}
		if _, ok := fields[0].(*UnparseableField); !ok {
			t.Fatalf("field type = %T, want *UnparseableField", fields[0])
		}
	})

	t.Run("OnlyParseableLenient", func(t *testing.T) {
		fields, err := ParseExtra(data, true, OnlyParseableLenient)
		if err != nil {
			t.Fatal(err)
		}
		if len(fields) != 0 {
			t.Fatalf("got %d fields, want 0", len(fields))
		}
	})

	t.Run("Draconic", func(t *testing.T) {
		if _, err := ParseExtra(data, true, Draconic); err == nil {
			t.Fatal("expected error under Draconic mode")
		}
	})
}

func TestParseExtraMalformedKnownField(t *testing.T) {
	// Zip64 field with too-short a payload (known id, bad data).
	var w leBuf
	w.u16(idZip64)
	w.u16(2)
	w.raw([]byte{1, 2})
	data := w.bytes()

	t.Run("BestEffort downgrades", func(t *testing.T) {
		fields, err := ParseExtra(data, true, BestEffort)
		if err != nil {
			t.Fatal(err)
		}
		if len(fields) != 1 {
			t.Fatalf("got %d fields, want 1", len(fields))
		}
		if _, ok := fields[0].(*UnrecognizedField); !ok {
			t.Fatalf("field type = %T, want *UnrecognizedField", fields[0])
		}
	})

	t.Run("StrictForKnownExtraFields fails", func(t *testing.T) {
		if _, err := ParseExtra(data, true, StrictForKnownExtraFields); err == nil {
			t.Fatal("expected error for malformed known field under strict mode")
		}
	})
}

func TestSerializeExtraUnparseableMustBeLast(t *testing.T) {
	z := &Zip64Field{Size: 1, CompressedSize: 1}
	up := &UnparseableField{Data: []byte{0xDE, 0xAD}}
	out := SerializeExtra([]ExtraField{z, up}, true)

	// The trailing unparseable block has no (id,len) header of its own.
	expectedHeaderAndZip64 := 4 + len(z.LocalFileData())
	if len(out) != expectedHeaderAndZip64+len(up.Data) {
		t.Fatalf("len(out) = %d, want %d", len(out), expectedHeaderAndZip64+len(up.Data))
	}
	if out[len(out)-2] != 0xDE || out[len(out)-1] != 0xAD {
		t.Fatalf("trailing bytes = %v, want raw unparseable data", out[len(out)-2:])
	}
}

func TestFindExtra(t *testing.T) {
	z := &Zip64Field{}
	fields := []ExtraField{&RawField{id: idJarMarker}, z}
	if FindExtra(fields, idZip64) != ExtraField(z) {
		t.Fatal("FindExtra did not return the zip64 field")
	}
	if FindExtra(fields, 0x1234) != nil {
		t.Fatal("FindExtra should return nil for an absent id")
	}
}

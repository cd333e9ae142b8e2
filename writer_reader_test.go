package zipcore

import (
	"bytes"
	"errors"
	"io"
	"testing"
)

func TestWriterReaderStoredRoundTrip(t *testing.T) {
	mf := &memFile{}
	w, err := NewWriter(mf, WriterOptions{})
	if err != nil {
		t.Fatal(err)
	}

	content := []byte("hello, zip world\n")
	e := NewEntry("hello.txt")
	e.Method = Store
	if err := w.CreateEntry(e); err != nil {
		t.Fatal(err)
	}
	if _, err := w.Write(content); err != nil {
		t.Fatal(err)
	}
	if err := w.CloseEntry(); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}

	r, err := OpenReader(mf, ReaderOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if len(r.Entries) != 1 {
		t.Fatalf("got %d entries, want 1", len(r.Entries))
	}
	got := r.Entries[0]
	if got.Name != "hello.txt" || got.Method != Store {
		t.Fatalf("entry = %+v", got)
	}

	rc, err := r.Open(got)
	if err != nil {
		t.Fatal(err)
	}
	defer rc.Close()
	body, err := io.ReadAll(rc)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(body, content) {
		t.Fatalf("body = %q, want %q", body, content)
	}
	if err := rc.Close(); err != nil {
		t.Fatalf("CRC check on Close failed: %v", err)
	}
}

func TestWriterReaderDeflateLargeEntry(t *testing.T) {
	mf := &memFile{}
	w, err := NewWriter(mf, WriterOptions{CompressionLevel: 6})
	if err != nil {
		t.Fatal(err)
	}

	content := bytes.Repeat([]byte("the quick brown fox jumps over the lazy dog. "), 21740)[:1000000]
	e := NewEntry("big.bin")
	e.Method = Deflate
	if err := w.CreateEntry(e); err != nil {
		t.Fatal(err)
	}
	if _, err := w.Write(content); err != nil {
		t.Fatal(err)
	}
	if err := w.CloseEntry(); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}

	r, err := OpenReader(mf, ReaderOptions{})
	if err != nil {
		t.Fatal(err)
	}
	got := r.Entries[0]
	if got.Method != Deflate || got.UncompressedSize != int64(len(content)) {
		t.Fatalf("entry = %+v", got)
	}

	rc, err := r.Open(got)
	if err != nil {
		t.Fatal(err)
	}
	body, err := io.ReadAll(rc)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(body, content) {
		t.Fatalf("round trip mismatch: got %d bytes, want %d", len(body), len(content))
	}
	if err := rc.Close(); err != nil {
		t.Fatalf("CRC check on Close failed: %v", err)
	}
}

// TestWriterZip64NeverFailsOnOverflow exercises CloseEntry's overflow check
// under Zip64Never without actually writing 4 GiB of data: the check looks
// only at the accumulated size counters, so those are forced past the
// threshold directly.
func TestWriterZip64NeverFailsOnOverflow(t *testing.T) {
	mf := &memFile{}
	w, err := NewWriter(mf, WriterOptions{Zip64Mode: Zip64Never})
	if err != nil {
		t.Fatal(err)
	}

	e := NewEntry("huge.bin")
	e.Method = Store
	if err := w.CreateEntry(e); err != nil {
		t.Fatal(err)
	}
	if _, err := w.Write([]byte("x")); err != nil {
		t.Fatal(err)
	}
	w.curUncompressed = int64(uint32max) + 1
	w.curCompressed = int64(uint32max) + 1

	if err := w.CloseEntry(); !errors.Is(err, ErrZip64Required) {
		t.Fatalf("CloseEntry error = %v, want ErrZip64Required", err)
	}
}

// TestWriterZip64AsNeededAttachesForKnownLargeSize checks that a declared
// size above 4 GiB triggers an immediate zip64 attachment at CreateEntry
// time, before any bytes are written, per the Zip64AsNeeded policy.
func TestWriterZip64AsNeededAttachesForKnownLargeSize(t *testing.T) {
	mf := &memFile{}
	w, err := NewWriter(mf, WriterOptions{Zip64Mode: Zip64AsNeeded})
	if err != nil {
		t.Fatal(err)
	}

	e := NewEntry("big-declared.bin")
	e.Method = Store
	e.UncompressedSize = int64(uint32max) + 1
	e.CompressedSize = int64(uint32max) + 1
	if err := w.CreateEntry(e); err != nil {
		t.Fatal(err)
	}
	if w.curZip64 == nil {
		t.Fatal("expected a zip64 extra to be attached for a declared size above 4 GiB")
	}

	if _, err := w.Write([]byte("small actual body")); err != nil {
		t.Fatal(err)
	}
	if err := w.CloseEntry(); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
}

// TestWriterZip64AsNeededDowngradesUnknownSizeOnNonSeekableSink checks that
// a compressed entry of unknown size written to a non-seekable sink never
// attaches a zip64 extra under AsNeeded, and that its output is
// byte-identical to the same entry written under Never: the descriptor
// already carries the real 4-byte sizes, so there is nothing for zip64 to
// add.
func TestWriterZip64AsNeededDowngradesUnknownSizeOnNonSeekableSink(t *testing.T) {
	content := []byte("unknown size, non-seekable sink")

	write := func(mode Zip64Mode) ([]byte, *Writer) {
		var buf bytes.Buffer // no Seek method
		w, err := NewWriter(&buf, WriterOptions{Zip64Mode: mode})
		if err != nil {
			t.Fatal(err)
		}
		e := NewEntry("unknown.bin")
		e.Method = Deflate
		if err := w.CreateEntry(e); err != nil {
			t.Fatal(err)
		}
		if w.curZip64 != nil {
			t.Fatalf("mode %v: zip64 attached for an unknown-size entry on a non-seekable sink", mode)
		}
		if _, err := w.Write(content); err != nil {
			t.Fatal(err)
		}
		if err := w.CloseEntry(); err != nil {
			t.Fatal(err)
		}
		if err := w.Close(); err != nil {
			t.Fatal(err)
		}
		return buf.Bytes(), w
	}

	asNeeded, _ := write(Zip64AsNeeded)
	never, _ := write(Zip64Never)
	if !bytes.Equal(asNeeded, never) {
		t.Fatal("AsNeeded and Never produced different bytes for an unknown-size entry on a non-seekable sink")
	}

	r, err := OpenReader(bytes.NewReader(asNeeded), ReaderOptions{})
	if err != nil {
		t.Fatal(err)
	}
	got := r.Entries[0]
	if got.Zip64() != nil {
		t.Fatal("zip64 extra present in the written central directory")
	}
	rc, err := r.Open(got)
	if err != nil {
		t.Fatal(err)
	}
	body, err := io.ReadAll(rc)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(body, content) {
		t.Fatalf("body = %q, want %q", body, content)
	}
	if err := rc.Close(); err != nil {
		t.Fatalf("CRC check on Close failed: %v", err)
	}
}

func TestWriterUnicodePathOverrideAppliesWhenEnabled(t *testing.T) {
	name := "日本語.txt"
	mf := &memFile{}
	w, err := NewWriter(mf, WriterOptions{
		CharsetMode:              CharsetReplacement,
		CreateUnicodeExtraFields: UnicodeExtraAlways,
	})
	if err != nil {
		t.Fatal(err)
	}

	e := NewEntry(name)
	e.Method = Store
	if err := w.CreateEntry(e); err != nil {
		t.Fatal(err)
	}
	if _, err := w.Write([]byte("content")); err != nil {
		t.Fatal(err)
	}
	if err := w.CloseEntry(); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}

	withOverride, err := OpenReader(mf, ReaderOptions{UseUnicodeExtraFields: true})
	if err != nil {
		t.Fatal(err)
	}
	if got := withOverride.Entries[0].Name; got != name {
		t.Fatalf("with override: Name = %q, want %q", got, name)
	}

	withoutOverride, err := OpenReader(mf, ReaderOptions{UseUnicodeExtraFields: false})
	if err != nil {
		t.Fatal(err)
	}
	if got := withoutOverride.Entries[0].Name; got == name {
		t.Fatalf("without override: Name unexpectedly recovered the original UTF-8 name %q", name)
	}
}

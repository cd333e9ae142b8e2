// Copyright 2011 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package zipcore

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"sort"
	"time"
)

// TemplateEntry is one file in an Archive Template (§4.I, HTTP-serving
// mode): an Entry plus the ReaderAt its compressed bytes are fetched from.
// CRC32, UncompressedSize and CompressedSize must already describe Content
// correctly; the archive never reads Content to compute them.
type TemplateEntry struct {
	*Entry
	// Content supplies the entry's compressed bytes, fetched lazily and
	// possibly remotely. nil for directories and zero-length files.
	Content ReaderAt
}

// Template defines the contents and options of a ZIP archive that will be
// served over HTTP rather than written to a single local stream (§4.I).
// This package does not support disk spanning for archives built this way.
type Template struct {
	// Prefix is content placed before the first ZIP entry, e.g. to build a
	// self-extracting archive. It may implement ReaderAt for context-aware
	// fetches; a plain io.ReaderAt is adapted automatically.
	Prefix     io.ReaderAt
	PrefixSize int64

	Entries []*TemplateEntry

	// Comment is the archive comment, up to 64 KiB.
	Comment string

	// CreateTime backs the Last-Modified HTTP header. If zero, the latest
	// entry modification time is used instead.
	CreateTime time.Time

	Zip64Mode   Zip64Mode
	Charset     string
	CharsetMode CharsetMode
}

// Archive is the assembled, servable byte stream of a Template: a ReaderAt
// over lazily joined parts (headers built in memory up front, bodies
// fetched from each entry's Content), so concurrent byte-range reads need
// not rebuild anything.
type Archive struct {
	parts      joinedParts
	createTime time.Time
	etag       string
}

// NewArchive builds an Archive from a Template. The template is consumed:
// the caller must not use it, or any TemplateEntry within it, afterward.
func NewArchive(t *Template) (*Archive, error) {
	return newArchive(t, bufferView, nil)
}

type bufferViewFunc func(content func(w io.Writer) error) (sizeReaderAt, error)

func bufferView(content func(w io.Writer) error) (sizeReaderAt, error) {
	var buf bytes.Buffer
	if err := content(&buf); err != nil {
		return nil, err
	}
	return bytes.NewReader(buf.Bytes()), nil
}

func readerAt(r io.ReaderAt) ReaderAt {
	if v, ok := r.(ReaderAt); ok {
		return v
	}
	return ignoreContext{r: r}
}

// newArchive does the real work behind NewArchive; view and
// testHookCloseSizeOffset are parameters so that they can be substituted.
func newArchive(t *Template, view bufferViewFunc, testHookCloseSizeOffset func(size, offset uint64)) (*Archive, error) {
	if len(t.Comment) > uint16max {
		return nil, fmt.Errorf("zipcore: %w: archive comment too long", ErrBadArgument)
	}
	enc, err := NewNameEncoding(t.Charset, t.CharsetMode)
	if err != nil {
		return nil, err
	}

	ar := new(Archive)
	entries := make([]*writtenEntry, 0, len(t.Entries))
	etagHash := md5.New()

	if t.Prefix != nil {
		ar.parts.add(readerAt(t.Prefix), t.PrefixSize)
		var buf [8]byte
		binary.LittleEndian.PutUint64(buf[:], uint64(t.PrefixSize))
		etagHash.Write(buf[:])
	}

	var maxTime time.Time
	for _, te := range t.Entries {
		e := te.Entry
		if !e.SizeKnown() {
			return nil, fmt.Errorf("zipcore: %w: entry %q has no declared size", ErrBadArgument, e.Name)
		}
		if e.isZip64() && t.Zip64Mode == Zip64Never {
			return nil, fmt.Errorf("zipcore: %w: entry %q requires zip64 under Zip64Never", ErrZip64Required, e.Name)
		}

		we := &writtenEntry{entry: e, offset: uint64(ar.parts.size)}
		w := &Writer{opts: WriterOptions{Zip64Mode: t.Zip64Mode}, enc: enc, offset: ar.parts.size}
		if err := w.prepareArchiveEntry(e); err != nil {
			return nil, err
		}

		headerPart, err := view(func(out io.Writer) error {
			w2 := *w
			w2.sink = out
			w2.offset = 0
			return w2.writeLocalHeader(e)
		})
		if err != nil {
			return nil, err
		}
		ar.parts.addSizeReaderAt(headerPart)
		io.Copy(etagHash, io.NewSectionReader(headerPart, 0, headerPart.Size()))
		entries = append(entries, we)

		if e.IsDir() {
			if te.Content != nil {
				return nil, fmt.Errorf("zipcore: %w: directory entry %q has content", ErrBadArgument, e.Name)
			}
		} else {
			if te.Content != nil {
				ar.parts.add(te.Content, e.CompressedSize)
			} else if e.CompressedSize != 0 {
				return nil, fmt.Errorf("zipcore: %w: entry %q has no content but nonzero size", ErrBadArgument, e.Name)
			}
		}
		if e.Modified.After(maxTime) {
			maxTime = e.Modified
		}
	}

	centralDirectoryOffset := ar.parts.size
	writer := &Writer{opts: WriterOptions{Zip64Mode: t.Zip64Mode, Comment: t.Comment}, enc: enc, entries: entries}
	centralDirectory, err := view(func(out io.Writer) error {
		w2 := *writer
		w2.sink = out
		w2.offset = centralDirectoryOffset
		return w2.Finish()
	})
	if testHookCloseSizeOffset != nil {
		testHookCloseSizeOffset(uint64(centralDirectory.Size()), uint64(centralDirectoryOffset))
	}
	if err != nil {
		return nil, err
	}
	ar.parts.addSizeReaderAt(centralDirectory)
	io.Copy(etagHash, io.NewSectionReader(centralDirectory, 0, centralDirectory.Size()))

	ar.createTime = t.CreateTime
	if ar.createTime.IsZero() {
		ar.createTime = maxTime
	}
	ar.etag = fmt.Sprintf("%q", hex.EncodeToString(etagHash.Sum(nil)))
	return ar, nil
}

// prepareArchiveEntry mirrors Writer.createEntry's header-shaping logic
// (name policy, zip64 attachment, alignment, version fields) for an entry
// whose data descriptor is never written: an Archive's entries always have
// a known size up front, so their local header always carries the final
// CRC/sizes directly.
func (w *Writer) prepareArchiveEntry(e *Entry) error {
	w.applyNamePolicy(e)
	e.Flags.DataDescriptor = false

	switch w.opts.Zip64Mode {
	case Zip64Always:
		w.attachZip64(e)
	case Zip64AsNeeded:
		if e.isZip64() {
			w.attachZip64(e)
		}
	}
	if err := w.applyAlignment(e); err != nil {
		return err
	}
	e.VersionMadeBy = e.VersionMadeBy&0xff00 | zipVersion20
	e.VersionNeeded = w.versionNeeded(e)
	e.Flags.LanguageEncodingUTF8 = w.languageEncodingBit(e)
	return nil
}

// Size returns the size of the archive in bytes.
func (ar *Archive) Size() int64 { return ar.parts.Size() }

// ReadAt provides the data of the archive at the given byte range, fetching
// each entry's content with context.Background().
func (ar *Archive) ReadAt(p []byte, off int64) (int, error) {
	return ar.parts.ReadAtContext(context.Background(), p, off)
}

// ReadAtContext is like ReadAt, but forwards ctx to each entry's Content if
// it implements ReaderAt, allowing a fetch over the network to be
// cancelled.
func (ar *Archive) ReadAtContext(ctx context.Context, p []byte, off int64) (int, error) {
	return ar.parts.ReadAtContext(ctx, p, off)
}

// ServeHTTP serves the archive over HTTP, supporting range requests and
// resumable downloads via http.ServeContent. Content-Type and Etag headers
// are set only if not already present.
func (ar *Archive) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if _, ok := w.Header()["Content-Type"]; !ok {
		w.Header().Set("Content-Type", "application/zip")
	}
	if _, ok := w.Header()["Etag"]; !ok {
		w.Header().Set("Etag", ar.etag)
	}
	readseeker := io.NewSectionReader(withContext{ctx: r.Context(), r: &ar.parts}, 0, ar.parts.Size())
	http.ServeContent(w, r, "", ar.createTime, readseeker)
}

// sizeReaderAt is an io.ReaderAt that also knows its own length, used for
// the in-memory header/central-directory buffers a Template view builds.
type sizeReaderAt interface {
	io.ReaderAt
	Size() int64
}

// joinedPart is one segment of a joinedParts sequence.
type joinedPart struct {
	offset int64
	data   ReaderAt
}

// joinedParts is a context-aware ReaderAt that concatenates parts
// sequentially, adapted from the teacher's multiReaderAt: an Archive's
// parts can include a remote ReaderAt for each entry's body, so the join
// must carry a context through to the part actually doing the fetch.
type joinedParts struct {
	parts []joinedPart
	size  int64
}

func (j *joinedParts) add(data ReaderAt, size int64) {
	switch {
	case size < 0:
		panic(fmt.Sprintf("zipcore: joinedParts.add: negative size %d", size))
	case size == 0:
		return
	}
	j.parts = append(j.parts, joinedPart{offset: j.size, data: data})
	j.size += size
}

func (j *joinedParts) addSizeReaderAt(r sizeReaderAt) {
	j.add(ignoreContext{r: r}, r.Size())
}

func (j *joinedParts) endOffset(partIndex int) int64 {
	if partIndex == len(j.parts)-1 {
		return j.size
	}
	return j.parts[partIndex+1].offset
}

func (j *joinedParts) ReadAtContext(ctx context.Context, p []byte, off int64) (n int, err error) {
	if len(p) == 0 {
		return 0, nil
	}
	if off >= j.size {
		return 0, io.EOF
	}
	firstPartIndex := sort.Search(len(j.parts), func(i int) bool { return j.endOffset(i) > off })
	for partIndex := firstPartIndex; partIndex < len(j.parts) && len(p) > 0; partIndex++ {
		if partIndex > firstPartIndex {
			off = j.parts[partIndex].offset
		}
		partRemaining := j.endOffset(partIndex) - off
		toRead := int64(len(p))
		if toRead > partRemaining {
			toRead = partRemaining
		}
		n2, err2 := j.parts[partIndex].data.ReadAtContext(ctx, p[0:toRead], off-j.parts[partIndex].offset)
		n += n2
		if err2 != nil {
			return n, err2
		}
		p = p[n2:]
	}
	if len(p) > 0 {
		return n, io.EOF
	}
	return n, nil
}

func (j *joinedParts) ReadAt(p []byte, off int64) (int, error) {
	return j.ReadAtContext(context.Background(), p, off)
}

func (j *joinedParts) Size() int64 { return j.size }

package zipcore

import (
	"fmt"
	"io"

	"go4.org/readerutil"
)

// splitSignature is the 4-byte marker PKZIP requires at the very start of
// the first segment of a split/spanned archive (§4.H). It is numerically
// identical to the data-descriptor signature; context disambiguates them.
const splitSignature = 0x08074b50

// ErrNotASplitArchive is returned by NewSplitChannel when the first segment
// does not begin with the split signature.
var ErrNotASplitArchive = fmt.Errorf("%w: missing split signature", ErrFormat)

// ErrNonWritable is returned by any mutating operation on a SplitChannel:
// split archives are read-only by construction in this package (§9 open
// question on MultiReadOnlyFileChannel.forFiles).
var ErrNonWritable = fmt.Errorf("zipcore: split archive channel is read-only")

// SplitChannel is a read-only logical concatenation of N seekable segments
// (§4.H). Size is the sum of segment sizes; Read advances through segments
// sequentially, sliding past each segment boundary; Position/Seek address
// the logical, concatenated offset space.
type SplitChannel struct {
	segments []readerutil.SizeReaderAt
	all      readerutil.SizeReaderAt
	offsets  []int64 // offsets[i] = start of segment i in the logical space
	pos      int64
}

// NewSplitChannel builds a SplitChannel over segments in order. It verifies
// the split signature at the very start of the first segment.
func NewSplitChannel(segments []readerutil.SizeReaderAt) (*SplitChannel, error) {
	if len(segments) == 0 {
		return nil, fmt.Errorf("zipcore: split channel requires at least one segment")
	}
	var sig [4]byte
	if _, err := segments[0].ReadAt(sig[:], 0); err != nil {
		return nil, fmt.Errorf("zipcore: reading split signature: %w", err)
	}
	if readUint32(sig[:]) != splitSignature {
		return nil, ErrNotASplitArchive
	}

	offsets := make([]int64, len(segments))
	var total int64
	for i, s := range segments {
		offsets[i] = total
		total += s.Size()
	}
	return &SplitChannel{
		segments: segments,
		all:      readerutil.NewMultiReaderAt(segments...),
		offsets:  offsets,
	}, nil
}

// Size returns the sum of all segment sizes.
func (s *SplitChannel) Size() int64 { return s.all.Size() }

// Position returns the current logical read position.
func (s *SplitChannel) Position() int64 { return s.pos }

// segmentIndexFor finds the segment index whose range covers global, or the
// last segment if global is at or past the end.
func (s *SplitChannel) segmentIndexFor(global int64) int {
	for i := len(s.offsets) - 1; i >= 0; i-- {
		if global >= s.offsets[i] {
			return i
		}
	}
	return 0
}

// Seek repositions the channel at logical offset global, per §4.H
// position(global): the segment whose cumulative range crosses global is
// positioned at the remainder, preceding segments are left at their end,
// and subsequent segments are left at their start. Since reads are served
// purely through ReadAt against the fixed segment offsets, repositioning
// is just updating the logical cursor.
func (s *SplitChannel) Seek(global int64) error {
	if global < 0 || global > s.Size() {
		return fmt.Errorf("zipcore: split channel seek out of range: %d", global)
	}
	s.pos = global
	return nil
}

// SeekDiskRel converts a (disk_index, rel_offset) pair to a logical offset
// and repositions there, per §4.H position(disk, rel).
func (s *SplitChannel) SeekDiskRel(disk int, rel int64) (int64, error) {
	if disk < 0 || disk >= len(s.segments) {
		return 0, fmt.Errorf("zipcore: split channel: disk index %d out of range", disk)
	}
	global := s.offsets[disk] + rel
	if err := s.Seek(global); err != nil {
		return 0, err
	}
	return global, nil
}

// Read implements io.Reader over the logical concatenation, advancing the
// cursor and sliding past segment boundaries.
func (s *SplitChannel) Read(p []byte) (int, error) {
	if s.pos >= s.Size() {
		return 0, io.EOF
	}
	n, err := s.all.ReadAt(p, s.pos)
	s.pos += int64(n)
	if err == io.ErrUnexpectedEOF {
		err = io.EOF
	}
	return n, err
}

// ReadAt implements io.ReaderAt over the logical concatenation without
// touching the cursor, so a SplitChannel itself can be handed to the
// random-access reader as its backing channel.
func (s *SplitChannel) ReadAt(p []byte, off int64) (int, error) {
	return s.all.ReadAt(p, off)
}

// The following mutating operations are not supported: a SplitChannel is
// read-only by construction (§9 open question).

func (s *SplitChannel) Write([]byte) (int, error)        { return 0, ErrNonWritable }
func (s *SplitChannel) WriteAt([]byte, int64) (int, error) { return 0, ErrNonWritable }
func (s *SplitChannel) Lock() error                       { return ErrNonWritable }
func (s *SplitChannel) Map() error                        { return ErrNonWritable }
func (s *SplitChannel) Transfer(io.Writer, int64, int64) (int64, error) {
	return 0, ErrNonWritable
}

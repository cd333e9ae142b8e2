package zipcore

import (
	"fmt"
	"io"
)

// UNSHRINK (method code 1) is a variable-width LZW variant with a clear
// code carrying two sub-commands: grow the code size, or partially clear
// the table (§4.E).
const (
	unshrinkClearCode    = 256
	unshrinkMinCodeSize  = 9
	unshrinkMaxCodeSize  = 13
	unshrinkMaxTableSize = 1 << unshrinkMaxCodeSize // 8192
)

type unshrinkDecoder struct {
	countingDecoder
	br       *bitReader
	codeSize uint

	tableSize    int
	prefixOf     [unshrinkMaxTableSize]int32
	suffixOf     [unshrinkMaxTableSize]byte
	inUse        [unshrinkMaxTableSize]bool
	previousCode int

	pending []byte
	err     error
}

func newUnshrinkDecoder(r io.Reader) *unshrinkDecoder {
	d := &unshrinkDecoder{
		br:           newBitReader(r, lsbFirst),
		codeSize:     unshrinkMinCodeSize,
		tableSize:    unshrinkClearCode + 1,
		previousCode: -1,
	}
	for i := 0; i < 256; i++ {
		d.inUse[i] = true
		d.prefixOf[i] = -1
	}
	return d
}

func (d *unshrinkDecoder) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	for len(d.pending) == 0 && d.err == nil {
		d.decodeNext()
	}
	if len(d.pending) == 0 {
		return 0, d.err
	}
	n := copy(p, d.pending)
	d.pending = d.pending[n:]
	d.compressed = d.br.BytesAvailableEstimate()
	d.uncompressed += int64(n)
	return n, nil
}

// decodeNext consumes one code from the bit stream, either dispatching a
// clear sub-command or expanding a data code into d.pending.
func (d *unshrinkDecoder) decodeNext() {
	code := d.br.ReadBits(d.codeSize)
	if code < 0 {
		d.err = io.EOF
		return
	}
	if code == unshrinkClearCode {
		sub := d.br.ReadBits(d.codeSize)
		switch sub {
		case 1:
			if d.codeSize == unshrinkMaxCodeSize {
				d.err = fmt.Errorf("zipcore: unshrink: code size already at maximum")
				return
			}
			d.codeSize++
		case 2:
			d.partialClear()
		default:
			d.err = fmt.Errorf("zipcore: unshrink: invalid clear sub-code %d", sub)
		}
		return
	}

	var entry []byte
	if !d.inUse[code] {
		if int(code) != d.tableSize {
			d.err = fmt.Errorf("zipcore: unshrink: invalid code %d (table size %d)", code, d.tableSize)
			return
		}
		if d.previousCode < 0 {
			d.err = fmt.Errorf("zipcore: unshrink: code %d references missing previous code", code)
			return
		}
		prev := d.expand(d.previousCode)
		entry = make([]byte, len(prev)+1)
		copy(entry, prev)
		entry[len(prev)] = prev[0]
	} else {
		entry = d.expand(int(code))
	}

	if d.previousCode >= 0 {
		d.addEntry(d.previousCode, entry[0])
	}
	d.previousCode = int(code)
	d.pending = append(d.pending, entry...)
}

// expand walks the prefix chain for code back to its root literal byte,
// and returns the expansion in forward order, draining the prefix-chain
// stack LIFO as §4.E specifies.
func (d *unshrinkDecoder) expand(code int) []byte {
	var stack []byte
	for code >= 256 {
		stack = append(stack, d.suffixOf[code])
		code = int(d.prefixOf[code])
	}
	stack = append(stack, byte(code))
	for i, j := 0, len(stack)-1; i < j; i, j = i+1, j-1 {
		stack[i], stack[j] = stack[j], stack[i]
	}
	return stack
}

// addEntry appends a new (prevCode, char) table entry at the next unused
// slot, skipping over entries a partial clear retained, when room
// remains.
func (d *unshrinkDecoder) addEntry(prevCode int, char byte) {
	for d.tableSize < unshrinkMaxTableSize && d.inUse[d.tableSize] {
		d.tableSize++
	}
	if d.tableSize >= unshrinkMaxTableSize {
		return
	}
	d.prefixOf[d.tableSize] = int32(prevCode)
	d.suffixOf[d.tableSize] = char
	d.inUse[d.tableSize] = true
	d.tableSize++
}

// partialClear marks every entry above the clear code unused unless it is
// a parent of some still-in-use entry, then resets tableSize to
// clearCode+1 (§4.E, testable property 8).
func (d *unshrinkDecoder) partialClear() {
	var isParent [unshrinkMaxTableSize]bool
	for i := unshrinkClearCode + 1; i < unshrinkMaxTableSize; i++ {
		if d.inUse[i] {
			if p := d.prefixOf[i]; p >= 0 {
				isParent[p] = true
			}
		}
	}
	for i := unshrinkClearCode + 1; i < unshrinkMaxTableSize; i++ {
		if d.inUse[i] && !isParent[i] {
			d.inUse[i] = false
			d.prefixOf[i] = -1
		}
	}
	d.tableSize = unshrinkClearCode + 1
}

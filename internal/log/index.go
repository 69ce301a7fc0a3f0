package log

import (
	"encoding/binary"
	"io"
	"os"

	"github.com/tysonmote/gommap"
)

var enc = binary.LittleEndian

const (
	lengthWidth  uint64 = 4
	offsetWidth  uint64 = 4
	counterWidth uint64 = 4
	entWidth            = lengthWidth + offsetWidth + counterWidth // 12 bytes

	// initialIndexCap is the first mmap capacity a fresh index file grows
	// to; growIfNeeded doubles it whenever an Append would overflow it.
	// Grounded on the teacher's index.go, which mmaps a single fixed
	// MaxIndexBytes region once; here the region has no fixed cap (the
	// Log is unbounded per the design doc), so we remap on overflow
	// instead of choosing a cap up front.
	initialIndexCap uint64 = entWidth * 64
)

// indexEntry is one 12-byte record of the index file: the record's
// length and byte offset in the data file, and its counter.
type indexEntry struct {
	Length  uint32
	Offset  uint32
	Counter uint32
}

// index is the index-file half of a Log: a dense array of fixed-size
// entries, memory-mapped for fast random access. Entry 0 is always the
// dummy (0,0,0) sentinel described in the design doc.
//
// Grounded on the teacher's index.go (gommap-backed fixed-size entries),
// generalized from the teacher's 2-field 12-byte entry mapped once at a
// fixed segment cap to a 3-field entry of the same width over a region that grows
// by remapping as the log accumulates more than initialIndexCap entries.
type index struct {
	file *os.File
	mMap gommap.MMap
	cap  uint64 // bytes currently mapped
	size uint64 // logical bytes in use (size/entWidth == entry count)
}

func newIndex(f *os.File) (*index, error) {
	fi, err := os.Stat(f.Name())
	if err != nil {
		return nil, err
	}
	idx := &index{file: f, size: uint64(fi.Size())}
	if idx.size > 0 && idx.size < entWidth {
		return nil, ErrTruncatedFile
	}
	if idx.size%entWidth != 0 {
		return nil, ErrStructural
	}

	c := initialIndexCap
	for c < idx.size {
		c *= 2
	}
	if err := idx.remap(c); err != nil {
		return nil, err
	}

	if idx.size == 0 {
		// Write the mandatory dummy entry (0,0,0) at offset 0.
		if err := idx.writeEntryAt(0, indexEntry{}); err != nil {
			return nil, err
		}
		idx.size = entWidth
	}
	return idx, nil
}

// remap unmaps the current mapping (if any), truncates the backing file
// to newCap bytes, and maps the new region.
func (idx *index) remap(newCap uint64) error {
	if idx.mMap != nil {
		if err := idx.mMap.Sync(gommap.MS_SYNC); err != nil {
			return err
		}
		if err := idx.mMap.UnsafeUnmap(); err != nil {
			return err
		}
	}
	if err := os.Truncate(idx.file.Name(), int64(newCap)); err != nil {
		return err
	}
	m, err := gommap.Map(idx.file.Fd(), gommap.PROT_READ|gommap.PROT_WRITE, gommap.MAP_SHARED)
	if err != nil {
		return err
	}
	idx.mMap = m
	idx.cap = newCap
	return nil
}

func (idx *index) growIfNeeded() error {
	if idx.size+entWidth <= idx.cap {
		return nil
	}
	return idx.remap(idx.cap * 2)
}

// EntryCount returns the number of entries in the index, including the
// dummy entry at 0.
func (idx *index) EntryCount() uint64 {
	return idx.size / entWidth
}

// readEntryAt reads the entry at absolute entry index k (0 == dummy).
func (idx *index) readEntryAt(k uint64) (indexEntry, error) {
	pos := k * entWidth
	if pos+entWidth > idx.size {
		return indexEntry{}, io.EOF
	}
	b := idx.mMap[pos : pos+entWidth]
	return indexEntry{
		Length:  enc.Uint32(b[0:4]),
		Offset:  enc.Uint32(b[4:8]),
		Counter: enc.Uint32(b[8:12]),
	}, nil
}

func (idx *index) writeEntryAt(k uint64, e indexEntry) error {
	pos := k * entWidth
	if pos+entWidth > idx.cap {
		if err := idx.growIfNeeded(); err != nil {
			return err
		}
	}
	b := idx.mMap[pos : pos+entWidth]
	enc.PutUint32(b[0:4], e.Length)
	enc.PutUint32(b[4:8], e.Offset)
	enc.PutUint32(b[8:12], e.Counter)
	return nil
}

// Append writes a new entry after the current tail and advances size.
func (idx *index) Append(e indexEntry) error {
	if err := idx.growIfNeeded(); err != nil {
		return err
	}
	if err := idx.writeEntryAt(idx.size/entWidth, e); err != nil {
		return err
	}
	idx.size += entWidth
	return nil
}

// firstEntryAbove returns the index of the first entry (1-based, dummy
// excluded) whose counter is strictly greater than above, or
// EntryCount() if none exists. Implements the seek described in the
// design doc: an interpolated first guess for the common dense-counter
// case, refined by an ordinary binary search so correctness never
// depends on counters being contiguous (replication can leave gaps).
func (idx *index) firstEntryAbove(above uint32) (uint64, error) {
	n := idx.EntryCount()
	if n <= 1 {
		return n, nil
	}
	last, err := idx.readEntryAt(n - 1)
	if err != nil {
		return 0, err
	}
	if last.Counter <= above {
		return n, nil
	}

	lo, hi := uint64(1), n-1
	if last.Counter > 0 {
		guess := (n - 1) * uint64(above) / uint64(last.Counter)
		if guess < lo {
			guess = lo
		}
		if guess > hi {
			guess = hi
		}
		e, err := idx.readEntryAt(guess)
		if err != nil {
			return 0, err
		}
		if e.Counter <= above {
			lo = guess + 1
		} else {
			hi = guess
		}
	}
	for lo < hi {
		mid := lo + (hi-lo)/2
		e, err := idx.readEntryAt(mid)
		if err != nil {
			return 0, err
		}
		if e.Counter <= above {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo, nil
}

// LastCounter returns the counter of the last entry, or 0 if only the
// dummy exists.
func (idx *index) LastCounter() (uint32, error) {
	n := idx.EntryCount()
	if n == 0 {
		return 0, ErrTruncatedFile
	}
	e, err := idx.readEntryAt(n - 1)
	if err != nil {
		return 0, err
	}
	return e.Counter, nil
}

// Truncate resets the index to just the dummy entry.
func (idx *index) Truncate() error {
	if err := idx.writeEntryAt(0, indexEntry{}); err != nil {
		return err
	}
	idx.size = entWidth
	return nil
}

// Sync flushes the mmap and fsyncs the backing file.
func (idx *index) Sync() error {
	if err := idx.mMap.Sync(gommap.MS_SYNC); err != nil {
		return err
	}
	return idx.file.Sync()
}

func (idx *index) Name() string {
	return idx.file.Name()
}

// Close flushes the mapping, unmaps it, and truncates the backing file
// down to its logical size — matching the teacher's Close() discipline
// of never leaving the on-disk file padded past its logical content.
func (idx *index) Close() error {
	if err := idx.Sync(); err != nil {
		return err
	}
	if err := idx.mMap.UnsafeUnmap(); err != nil {
		return err
	}
	if err := idx.file.Truncate(int64(idx.size)); err != nil {
		return err
	}
	return idx.file.Close()
}

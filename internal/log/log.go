// Package log implements the append-only, paired data+index file log
// engine described in the design doc: O(log n) counter lookup, crash- and
// concurrency-safe appends under advisory locking, atomic overwrite, and
// compaction via exclude-list copy.
//
// Grounded on the teacher's Log/segment/index/store quartet
// (github.com/lipandr/go-microsrv-distib-log), collapsed from multi-segment
// rotation to a single paired data+index file per collection, since the
// Log here has no size-bounded rotation — it compacts via Copy+Overwrite
// instead.
package log

import (
	"fmt"
	"io"
	"iter"
	"os"
	"sync"

	"github.com/tysonmote/gommap"
)

// Log is one collection's append-only record log: a data file (raw
// payload bytes, no framing) and an index file (dense 12-byte entries
// of length/offset/counter), kept in sync under the locking discipline
// in flock.go.
//
// POSIX advisory (fcntl) locks are scoped to the calling process, not the
// calling goroutine, so they alone don't serialize concurrent goroutines
// within this process the way they serialize concurrent processes. The
// two in-process mutexes below stand in for that: every Extend also takes
// appendGoMu, every Clear/Overwrite also takes completeGoMu then
// appendGoMu (same order everywhere, so the two can never deadlock
// against each other).
type Log struct {
	DataPath  string
	IndexPath string

	store *store
	index *index

	appendGoMu   sync.Mutex
	completeGoMu sync.Mutex
}

// Open opens (creating if necessary) the data/index file pair at the
// given paths.
func Open(dataPath, indexPath string) (*Log, error) {
	df, err := os.OpenFile(dataPath, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, err
	}
	s, err := newStore(df)
	if err != nil {
		_ = df.Close()
		return nil, err
	}

	xf, err := os.OpenFile(indexPath, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		_ = s.Close()
		return nil, err
	}
	idx, err := newIndex(xf)
	if err != nil {
		_ = s.Close()
		_ = xf.Close()
		return nil, err
	}

	return &Log{DataPath: dataPath, IndexPath: indexPath, store: s, index: idx}, nil
}

// ExtendOptions carries Extend's optional preconditions and the
// with_counters replication mode, per the design doc's Extend contract.
type ExtendOptions struct {
	// ExpectLatest fails the call with ErrExpectationFailed if the
	// collection's current counter exceeds this value.
	ExpectLatest *uint32
	// ExpectLastCounter fails the call with ErrExpectationFailed unless
	// the collection's current counter exactly equals this value. Used
	// by replication.
	ExpectLastCounter *uint32
	// Counters, when non-nil, must have the same length as the records
	// slice passed to Extend and supplies an explicit, strictly
	// increasing (relative to the running counter) counter per record —
	// replication's with_counters=true mode, which preserves gaps.
	Counters []uint32
}

// Extend appends records to the log and returns the counter assigned to
// the first one. See ExtendOptions for the precondition and
// with_counters semantics.
func (l *Log) Extend(records [][]byte, opts ExtendOptions) (uint32, error) {
	if opts.Counters != nil && len(opts.Counters) != len(records) {
		return 0, fmt.Errorf("log: with_counters length %d does not match records length %d", len(opts.Counters), len(records))
	}

	l.appendGoMu.Lock()
	defer l.appendGoMu.Unlock()

	lock, err := lockAppend(l.index.file, int64(l.index.size))
	if err != nil {
		return 0, err
	}
	defer func() { _ = lock.release(l.index.file) }()

	current, err := l.index.LastCounter()
	if err != nil {
		return 0, err
	}

	if opts.ExpectLatest != nil && current > *opts.ExpectLatest {
		return 0, ErrExpectationFailed
	}
	if opts.ExpectLastCounter != nil && current != *opts.ExpectLastCounter {
		return 0, ErrExpectationFailed
	}

	if len(records) == 0 {
		return current, nil
	}

	// Decide (and fully validate) every counter before writing a single
	// byte, so a rejected with_counters batch never partially lands.
	counters := make([]uint32, len(records))
	if opts.Counters != nil {
		running := current
		for i, c := range opts.Counters {
			if c <= running {
				return 0, ErrCounterNotMonotonic
			}
			counters[i] = c
			running = c
		}
	} else {
		for i := range records {
			current++
			counters[i] = current
		}
	}

	firstCounter := counters[0]
	for i, rec := range records {
		pos, err := l.store.Append(rec)
		if err != nil {
			return 0, err
		}
		if err := l.index.Append(indexEntry{
			Length:  uint32(len(rec)),
			Offset:  uint32(pos),
			Counter: counters[i],
		}); err != nil {
			return 0, err
		}
	}

	if err := l.store.Flush(); err != nil {
		return 0, err
	}
	if err := l.index.Sync(); err != nil {
		return 0, err
	}

	return firstCounter, nil
}

// Record is one (counter, payload) pair yielded by Read.
type Record struct {
	Counter uint32
	Value   []byte
}

// Read returns a lazy sequence of records with counter > above, stopping
// once a yielded record's counter is >= last (when last > 0). A record
// whose payload is truncated by a concurrent in-flight append ends the
// sequence without surfacing a partial record, per the design doc.
func (l *Log) Read(above uint32, last int64) iter.Seq2[uint32, []byte] {
	return func(yield func(uint32, []byte) bool) {
		start, err := l.index.firstEntryAbove(above)
		if err != nil {
			return
		}
		n := l.index.EntryCount()
		for k := start; k < n; k++ {
			e, err := l.index.readEntryAt(k)
			if err != nil {
				return
			}
			payload, err := l.store.ReadAt(uint64(e.Offset), e.Length)
			if err != nil {
				// A concurrent writer's in-flight append: stop cleanly
				// rather than surface a partial record.
				return
			}
			if !yield(e.Counter, payload) {
				return
			}
			if last > 0 && int64(e.Counter) >= last {
				return
			}
		}
	}
}

// GetFilePositions returns the current end-of-file byte sizes of the
// index and data files. If until is non-nil, it instead returns the
// byte positions immediately after the last entry whose counter is <=
// *until — the prefix boundary the encoded-transfer format copies.
func (l *Log) GetFilePositions(until *uint32) (indexPos, dataPos uint64, err error) {
	if until == nil {
		return l.index.size, l.store.Size(), nil
	}
	k, err := l.index.firstEntryAbove(*until)
	if err != nil {
		return 0, 0, err
	}
	last := k - 1 // last entry with Counter <= *until
	indexPos = (last + 1) * entWidth
	if last == 0 {
		return indexPos, 0, nil
	}
	e, err := l.index.readEntryAt(last)
	if err != nil {
		return 0, 0, err
	}
	dataPos = uint64(e.Offset) + uint64(e.Length)
	return indexPos, dataPos, nil
}

// Clear truncates both files back to an empty log (just the dummy index
// entry), under the complete-file lock.
func (l *Log) Clear() error {
	l.completeGoMu.Lock()
	defer l.completeGoMu.Unlock()
	l.appendGoMu.Lock()
	defer l.appendGoMu.Unlock()

	clock, err := lockComplete(l.index.file)
	if err != nil {
		return err
	}
	defer func() { _ = clock.release(l.index.file) }()
	alock, err := lockAppend(l.index.file, int64(l.index.size))
	if err != nil {
		return err
	}
	defer func() { _ = alock.release(l.index.file) }()

	if err := l.store.File.Truncate(0); err != nil {
		return err
	}
	l.store.size = 0
	return l.index.Truncate()
}

// Copy streams every record whose counter is not in exclude to destData
// (sequentially, densely) and writes corresponding index entries
// (including the leading dummy) to destIndex. Used for compaction: the
// caller finishes by calling Overwrite with the results.
func (l *Log) Copy(exclude map[uint32]bool, destData, destIndex *os.File) error {
	if _, err := destIndex.Write(make([]byte, entWidth)); err != nil { // dummy entry
		return err
	}
	var pos uint64
	n := l.index.EntryCount()
	for k := uint64(1); k < n; k++ {
		e, err := l.index.readEntryAt(k)
		if err != nil {
			return err
		}
		if exclude[e.Counter] {
			continue
		}
		payload, err := l.store.ReadAt(uint64(e.Offset), e.Length)
		if err != nil {
			return err
		}
		if _, err := destData.Write(payload); err != nil {
			return err
		}
		entry := make([]byte, entWidth)
		enc.PutUint32(entry[0:4], e.Length)
		enc.PutUint32(entry[4:8], uint32(pos))
		enc.PutUint32(entry[8:12], e.Counter)
		if _, err := destIndex.Write(entry); err != nil {
			return err
		}
		pos += uint64(e.Length)
	}
	return nil
}

// Overwrite replaces the log's contents with newData/newIndex under the
// complete-file lock. Readers mid-read observe a truncation and stop
// cleanly at the boundary, per the design doc.
func (l *Log) Overwrite(newData, newIndex *os.File) error {
	l.completeGoMu.Lock()
	defer l.completeGoMu.Unlock()
	l.appendGoMu.Lock()
	defer l.appendGoMu.Unlock()

	clock, err := lockComplete(l.index.file)
	if err != nil {
		return err
	}
	defer func() { _ = clock.release(l.index.file) }()
	alock, err := lockAppend(l.index.file, int64(l.index.size))
	if err != nil {
		return err
	}
	defer func() { _ = alock.release(l.index.file) }()

	if err := replaceFile(l.store.File, newData); err != nil {
		return err
	}
	fi, err := l.store.File.Stat()
	if err != nil {
		return err
	}
	l.store.size = uint64(fi.Size())

	if l.index.mMap != nil {
		_ = l.index.mMap.Sync(gommap.MS_SYNC)
		_ = l.index.mMap.UnsafeUnmap()
		l.index.mMap = nil
	}
	if err := replaceFile(l.index.file, newIndex); err != nil {
		return err
	}
	ifi, err := l.index.file.Stat()
	if err != nil {
		return err
	}
	l.index.size = uint64(ifi.Size())
	c := initialIndexCap
	for c < l.index.size {
		c *= 2
	}
	return l.index.remap(c)
}

func replaceFile(dst, src *os.File) error {
	if _, err := src.Seek(0, 0); err != nil {
		return err
	}
	if err := dst.Truncate(0); err != nil {
		return err
	}
	if _, err := dst.Seek(0, 0); err != nil {
		return err
	}
	buf := make([]byte, 32*1024)
	for {
		n, err := src.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return werr
			}
		}
		if err != nil {
			break
		}
	}
	return dst.Sync()
}

// Length returns the collection's highest ever-appended counter, or 0.
func (l *Log) Length() uint32 {
	c, err := l.index.LastCounter()
	if err != nil {
		return 0
	}
	return c
}

// CopyDataPrefix streams the first n bytes of the data file to w — used
// by the encoded-transfer encoder.
func (l *Log) CopyDataPrefix(w io.Writer, n int64) error {
	return l.store.CopyPrefix(w, n)
}

// CopyIndexPrefix streams the first n bytes of the index file to w.
func (l *Log) CopyIndexPrefix(w io.Writer, n int64) error {
	if err := l.index.Sync(); err != nil {
		return err
	}
	_, err := io.Copy(w, io.NewSectionReader(l.index.file, 0, n))
	return err
}

func (l *Log) Close() error {
	if err := l.store.Close(); err != nil {
		return err
	}
	return l.index.Close()
}

func (l *Log) Delete() error {
	if err := l.Close(); err != nil {
		return err
	}
	if err := os.Remove(l.DataPath); err != nil && !os.IsNotExist(err) {
		return err
	}
	if err := os.Remove(l.IndexPath); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

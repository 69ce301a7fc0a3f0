package log

import (
	"bufio"
	"io"
	"os"
	"sync"
)

// store is the data file half of a Log: a bare concatenation of record
// payloads with no framing of its own (length lives in the paired index).
// Grounded on the teacher's buffered-writer store idiom, generalized to
// drop the length-prefix framing the teacher wrote per record, since the
// index carries length here instead.
type store struct {
	mu   sync.Mutex
	File *os.File
	buf  *bufio.Writer
	size uint64
}

func newStore(f *os.File) (*store, error) {
	fi, err := os.Stat(f.Name())
	if err != nil {
		return nil, err
	}
	size := uint64(fi.Size())
	return &store{
		File: f,
		size: size,
		buf:  bufio.NewWriter(f),
	}, nil
}

// Append writes p to the end of the data file and returns the starting
// byte offset it was written at.
func (s *store) Append(p []byte) (pos uint64, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pos = s.size
	n, err := s.buf.Write(p)
	if err != nil {
		return 0, err
	}
	s.size += uint64(n)
	return pos, nil
}

// Flush pushes buffered writes down to the OS and fsyncs the file,
// guaranteeing that any offset already handed back by Append is durable
// and readable by a concurrent reader using the same offset.
func (s *store) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.buf.Flush(); err != nil {
		return err
	}
	return s.File.Sync()
}

// ReadAt reads length bytes starting at pos. Flushes first so a read
// immediately following an Append in the same process observes it.
func (s *store) ReadAt(pos uint64, length uint32) ([]byte, error) {
	s.mu.Lock()
	if err := s.buf.Flush(); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	s.mu.Unlock()

	p := make([]byte, length)
	if _, err := s.File.ReadAt(p, int64(pos)); err != nil {
		return nil, err
	}
	return p, nil
}

// CopyPrefix copies the first n bytes of the data file to w, flushing any
// buffered writes first so the copy observes everything Append has
// handed out offsets for.
func (s *store) CopyPrefix(w io.Writer, n int64) error {
	s.mu.Lock()
	if err := s.buf.Flush(); err != nil {
		s.mu.Unlock()
		return err
	}
	s.mu.Unlock()
	_, err := io.Copy(w, io.NewSectionReader(s.File, 0, n))
	return err
}

// Size returns the logical (post-buffering) size of the data file.
func (s *store) Size() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.size
}

func (s *store) Name() string {
	return s.File.Name()
}

func (s *store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.buf.Flush(); err != nil {
		return err
	}
	return s.File.Close()
}

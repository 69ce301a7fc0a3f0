// Package transfer implements the encoded transfer stream used by the
// cluster coordinator's ?copy/?paste RPCs: a length-prefixed binary
// dump of a collection's identity plus a byte-exact prefix of its
// index and data files, and the matching restore.
//
// Grounded on the teacher's log.go Reader() method (an io.Reader over a
// segment's store), generalized from "stream a segment's store to a
// client" to "stream id + secret + index-prefix + data-prefix to
// another node."
package transfer

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/andreib/recordlog/internal/log"
	"github.com/andreib/recordlog/internal/store"
)

var enc = binary.LittleEndian

// Encode streams cs's collection id, collection secret, and a prefix of
// its active log's index/data files (up to and including until, or the
// whole log if until is nil) to w, per the design doc's §4.4 layout.
func Encode(w io.Writer, cs *store.CollectionStore, until *uint32) error {
	id, err := cs.CollectionID()
	if err != nil {
		return err
	}
	secret, err := cs.CollectionSecret()
	if err != nil {
		return err
	}
	var db *log.Log
	if cs.IsDeprecated() {
		db, err = cs.DeprecatedDB()
	} else {
		db, err = cs.DB()
	}
	if err != nil {
		return err
	}
	indexPos, dataPos, err := db.GetFilePositions(until)
	if err != nil {
		return err
	}

	if err := writeLenPrefixed(w, []byte(id)); err != nil {
		return err
	}
	if err := writeLenPrefixed(w, secret); err != nil {
		return err
	}
	if err := writeLenPrefixedStream(w, int64(indexPos), func(w io.Writer) error {
		return db.CopyIndexPrefix(w, int64(indexPos))
	}); err != nil {
		return err
	}
	return writeLenPrefixedStream(w, int64(dataPos), func(w io.Writer) error {
		return db.CopyDataPrefix(w, int64(dataPos))
	})
}

func writeLenPrefixed(w io.Writer, b []byte) error {
	var lenBuf [4]byte
	enc.PutUint32(lenBuf[:], uint32(len(b)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(b)
	return err
}

func writeLenPrefixedStream(w io.Writer, n int64, copy func(io.Writer) error) error {
	var lenBuf [4]byte
	enc.PutUint32(lenBuf[:], uint32(n))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	return copy(w)
}

func readLenPrefixed(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := enc.Uint32(lenBuf[:])
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// Decode reads an Encode-produced stream from r and atomically replaces
// cs's identity and active log contents with it. It stages into
// new_collection_id.txt / new_collection_secret.txt / new_database.index
// / new_database and renames each individually, per the design doc's
// "each rename individually atomic, not cross-file transactional" note.
//
// If appendQueue is true, the current queue.index/queue contents are
// concatenated onto the new index/data before finalizing, and the queue
// is discarded afterward — records received while the copy was in
// flight are preserved rather than lost.
func Decode(r io.Reader, cs *store.CollectionStore, appendQueue bool) error {
	id, err := readLenPrefixed(r)
	if err != nil {
		return fmt.Errorf("transfer: reading collection id: %w", err)
	}
	secret, err := readLenPrefixed(r)
	if err != nil {
		return fmt.Errorf("transfer: reading collection secret: %w", err)
	}
	indexPrefix, err := readLenPrefixed(r)
	if err != nil {
		return fmt.Errorf("transfer: reading index prefix: %w", err)
	}
	dataPrefix, err := readLenPrefixed(r)
	if err != nil {
		return fmt.Errorf("transfer: reading data prefix: %w", err)
	}

	dir := cs.Dir
	newIDPath := filepath.Join(dir, "new_collection_id.txt")
	newSecretPath := filepath.Join(dir, "new_collection_secret.txt")
	newIndexPath := filepath.Join(dir, "new_database.index")
	newDataPath := filepath.Join(dir, "new_database")

	if err := os.WriteFile(newIDPath, id, 0o644); err != nil {
		return err
	}
	if err := os.WriteFile(newSecretPath, secret, 0o644); err != nil {
		return err
	}
	if err := os.WriteFile(newIndexPath, indexPrefix, 0o644); err != nil {
		return err
	}
	if err := os.WriteFile(newDataPath, dataPrefix, 0o644); err != nil {
		return err
	}

	if appendQueue && cs.HasQueue() {
		if err := appendQueueContents(cs, newIndexPath, newDataPath); err != nil {
			return err
		}
	}

	if err := os.Rename(newIDPath, filepath.Join(dir, "collection_id.txt")); err != nil {
		return err
	}
	if err := os.Rename(newSecretPath, filepath.Join(dir, "collection_secret.txt")); err != nil {
		return err
	}
	if err := os.Rename(newDataPath, filepath.Join(dir, "database")); err != nil {
		return err
	}
	if err := os.Rename(newIndexPath, filepath.Join(dir, "database.index")); err != nil {
		return err
	}

	if err := cs.ReopenDB(); err != nil {
		return err
	}

	if appendQueue {
		if err := cs.DiscardQueue(); err != nil {
			return err
		}
	}
	return nil
}

// appendQueueContents concatenates the pending queue log's records onto
// the staged new_database/new_database.index files. Each queued record
// keeps its own counter, which must exceed the staged index's last
// counter (otherwise Extend fails with log.ErrCounterNotMonotonic).
func appendQueueContents(cs *store.CollectionStore, newIndexPath, newDataPath string) error {
	q, err := cs.QueueDB()
	if err != nil {
		return err
	}

	staged, err := log.Open(newDataPath, newIndexPath)
	if err != nil {
		return err
	}
	defer func() { _ = staged.Close() }()

	for counter, value := range q.Read(0, -1) {
		if _, err := staged.Extend([][]byte{value}, log.ExtendOptions{
			Counters: []uint32{counter},
		}); err != nil {
			return err
		}
	}
	return nil
}

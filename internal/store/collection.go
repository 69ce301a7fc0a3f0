// Package store implements the Collection Store and User Storage
// components: the directory layout mapping a (domain, user, bucket)
// triple to a bundle of append-only Logs plus collection identity and
// blob storage, per the design doc's §4.2/§4.3.
//
// Grounded on the teacher's directory-per-log setup idiom
// (github.com/lipandr/go-microsrv-distib-log's Log.setup), generalized
// from "one log, one directory" to "one directory, several named logs
// plus sidecar metadata."
package store

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/natefinch/atomic"

	"github.com/andreib/recordlog/internal/log"
)

const (
	activeDataFile  = "database"
	activeIndexFile = "database.index"
	deprecDataFile  = "deprecated"
	deprecIndexFile = "deprecated.index"
	queueDataFile   = "queue"
	queueIndexFile  = "queue.index"
	idFile          = "collection_id.txt"
	secretFile      = "collection_secret.txt"
	blobsDir        = "blobs"
)

// CollectionStore bundles one (domain, user, bucket) collection's active
// Log with its identity (id, secret), an optional deprecated Log left
// behind for transfer, an optional queue Log used during catch-up, and
// its blob directory.
type CollectionStore struct {
	Dir string

	mu         sync.Mutex
	active     *log.Log
	deprecated *log.Log
	queue      *log.Log
}

// Open returns a CollectionStore rooted at dir, creating dir if needed.
// Nothing else is created eagerly: the collection id/secret and the
// active log files are minted lazily on first access, per the design
// doc's "created lazily on first write" lifecycle.
func Open(dir string) (*CollectionStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &CollectionStore{Dir: dir}, nil
}

func (cs *CollectionStore) path(name string) string {
	return filepath.Join(cs.Dir, name)
}

// IsDeprecated reports whether this collection has been frozen in place
// of a newer generation elsewhere.
func (cs *CollectionStore) IsDeprecated() bool {
	_, err := os.Stat(cs.path(deprecDataFile))
	return err == nil
}

// HasQueue reports whether a pending catch-up queue exists.
func (cs *CollectionStore) HasQueue() bool {
	_, err := os.Stat(cs.path(queueDataFile))
	return err == nil
}

// DB returns the active Log, minting the collection id/secret on first
// access. Fails with ErrStorageDeprecated if the collection has been
// deprecated — active and deprecated are mutually exclusive.
func (cs *CollectionStore) DB() (*log.Log, error) {
	if cs.IsDeprecated() {
		return nil, ErrStorageDeprecated
	}
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if cs.active != nil {
		return cs.active, nil
	}
	if _, err := cs.collectionID(); err != nil {
		return nil, err
	}
	if _, err := cs.collectionSecret(); err != nil {
		return nil, err
	}
	l, err := log.Open(cs.path(activeDataFile), cs.path(activeIndexFile))
	if err != nil {
		return nil, err
	}
	cs.active = l
	return l, nil
}

// DeprecatedDB returns the Log left behind by a prior Deprecate call.
func (cs *CollectionStore) DeprecatedDB() (*log.Log, error) {
	if !cs.IsDeprecated() {
		return nil, ErrNotDeprecated
	}
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if cs.deprecated != nil {
		return cs.deprecated, nil
	}
	l, err := log.Open(cs.path(deprecDataFile), cs.path(deprecIndexFile))
	if err != nil {
		return nil, err
	}
	cs.deprecated = l
	return l, nil
}

// QueueDB returns the pending-writes queue Log used by a replica that is
// currently catching up via a bulk copy, creating it if necessary.
func (cs *CollectionStore) QueueDB() (*log.Log, error) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if cs.queue != nil {
		return cs.queue, nil
	}
	l, err := log.Open(cs.path(queueDataFile), cs.path(queueIndexFile))
	if err != nil {
		return nil, err
	}
	cs.queue = l
	return l, nil
}

// DiscardQueue closes and removes the queue log once its contents have
// been merged into the active log.
func (cs *CollectionStore) DiscardQueue() error {
	cs.mu.Lock()
	q := cs.queue
	cs.queue = nil
	cs.mu.Unlock()
	if q != nil {
		if err := q.Delete(); err != nil {
			return err
		}
		return nil
	}
	if !cs.HasQueue() {
		return nil
	}
	l, err := log.Open(cs.path(queueDataFile), cs.path(queueIndexFile))
	if err != nil {
		return err
	}
	return l.Delete()
}

func (cs *CollectionStore) collectionID() (string, error) {
	b, err := readUnique(cs.path(idFile), func() ([]byte, error) {
		return []byte(mintCollectionID()), nil
	})
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// CollectionID returns the collection's minted identifier, creating one
// on first access if needed.
func (cs *CollectionStore) CollectionID() (string, error) {
	return cs.collectionID()
}

// SetCollectionID overwrites the collection id file — used by a backup
// that adopts a primary's canonical id when catching up from empty.
func (cs *CollectionStore) SetCollectionID(id string) error {
	return atomic.WriteFile(cs.path(idFile), strings.NewReader(id))
}

// CollectionSecret returns the collection's HMAC secret, minting one on
// first access if needed.
func (cs *CollectionStore) CollectionSecret() ([]byte, error) {
	return cs.collectionSecret()
}

func (cs *CollectionStore) collectionSecret() ([]byte, error) {
	return readUnique(cs.path(secretFile), func() ([]byte, error) {
		b := make([]byte, 20)
		if _, err := rand.Read(b); err != nil {
			return nil, err
		}
		return b, nil
	})
}

func mintCollectionID() string {
	return fmt.Sprintf("%06d", time.Now().UnixNano()%1_000_000)
}

// Deprecate freezes the active log in place by renaming it to the
// deprecated file pair. The rename is serialized only by this
// CollectionStore's mutex; no advisory file lock is taken. Active and
// deprecated are mutually exclusive; a later DB() call fails with
// ErrStorageDeprecated.
func (cs *CollectionStore) Deprecate() error {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	if cs.active != nil {
		if err := cs.active.Close(); err != nil {
			return err
		}
		cs.active = nil
	}
	if err := os.Rename(cs.path(activeDataFile), cs.path(deprecDataFile)); err != nil {
		return err
	}
	return os.Rename(cs.path(activeIndexFile), cs.path(deprecIndexFile))
}

// Empty reports whether the collection holds no data at all: an active
// log with only the dummy entry, no deprecated log, and no queue.
func (cs *CollectionStore) Empty() (bool, error) {
	if cs.IsDeprecated() || cs.HasQueue() {
		return false, nil
	}
	db, err := cs.DB()
	if err != nil {
		return false, err
	}
	return db.Length() == 0, nil
}

// ReopenDB closes and forgets any cached active Log handle, so that the
// next DB() call reopens the on-disk files. Used after a transfer Decode
// replaces database/database.index out from under a cached handle.
func (cs *CollectionStore) ReopenDB() error {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if cs.active == nil {
		return nil
	}
	err := cs.active.Close()
	cs.active = nil
	return err
}

// Clear closes every open log and recursively removes the collection's
// directory.
func (cs *CollectionStore) Clear() error {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	for _, l := range []*log.Log{cs.active, cs.deprecated, cs.queue} {
		if l != nil {
			_ = l.Close()
		}
	}
	cs.active, cs.deprecated, cs.queue = nil, nil, nil
	return os.RemoveAll(cs.Dir)
}

// blobName derives a blob's on-disk name as
// hex(HMAC-SHA256(secret, recordType || "\x00" || recordID)).
func (cs *CollectionStore) blobName(recordType, recordID string) (string, error) {
	secret, err := cs.collectionSecret()
	if err != nil {
		return "", err
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(recordType))
	mac.Write([]byte{0})
	mac.Write([]byte(recordID))
	return hex.EncodeToString(mac.Sum(nil)), nil
}

package store

import (
	"bytes"
	"os"
	"path/filepath"

	"github.com/natefinch/atomic"
)

// SaveBlob writes a blob's content and content-type as a pair under
// blobs/, each via an atomic temp-file-then-rename so a concurrent
// GetBlobData never observes content written without its matching
// content-type or vice versa. This fixes the open question in the
// design doc: the source's unguarded two-step write could leave a
// stranded half-written pair; atomic.WriteFile makes each half
// individually all-or-nothing, and writing content-type before content
// means a reader racing the write sees either nothing (GetBlobData
// reports ErrBlobNotFound until the content exists) or a complete pair,
// never content without a type.
func (cs *CollectionStore) SaveBlob(name, contentType string, data []byte) error {
	dir := cs.path(blobsDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	if err := atomic.WriteFile(filepath.Join(dir, name+".content-type"), bytes.NewReader([]byte(contentType))); err != nil {
		return err
	}
	return atomic.WriteFile(filepath.Join(dir, name), bytes.NewReader(data))
}

// GetBlobData returns a blob's content and content-type.
func (cs *CollectionStore) GetBlobData(name string) (data []byte, contentType string, err error) {
	dir := cs.path(blobsDir)
	data, err = os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, "", ErrBlobNotFound
		}
		return nil, "", err
	}
	ctBytes, err := os.ReadFile(filepath.Join(dir, name+".content-type"))
	if err != nil {
		if os.IsNotExist(err) {
			return data, "", nil
		}
		return nil, "", err
	}
	return data, string(ctBytes), nil
}

// BlobName derives the on-disk blob name for a (record type, record id)
// pair: hex(HMAC-SHA256(collection secret, type || 0x00 || id)).
func (cs *CollectionStore) BlobName(recordType, recordID string) (string, error) {
	return cs.blobName(recordType, recordID)
}

// MaybeDeleteBlob removes a blob and its content-type sidecar if
// present. Called when a record carrying deleted:true is appended for
// the same (type, id); it is a no-op if no blob was ever saved for this
// pair.
func (cs *CollectionStore) MaybeDeleteBlob(recordType, recordID string) error {
	name, err := cs.blobName(recordType, recordID)
	if err != nil {
		return err
	}
	dir := cs.path(blobsDir)
	for _, suffix := range []string{"", ".content-type"} {
		if err := os.Remove(filepath.Join(dir, name+suffix)); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}

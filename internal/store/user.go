package store

import (
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/natefinch/atomic"
)

const disabledFile = "disabled"

// UserStorage owns one node's root directory and maps (domain, user,
// bucket) triples onto CollectionStore directories, percent-encoding
// each path segment so that a "/" embedded in an identifier never
// creates an extra directory level.
//
// Grounded on the teacher's directory-scan idiom in Log.setup,
// generalized from "scan segment base-offsets" to "scan collection
// markers."
type UserStorage struct {
	Root string
}

// NewUserStorage returns a UserStorage rooted at root, creating it if
// necessary.
func NewUserStorage(root string) (*UserStorage, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	return &UserStorage{Root: root}, nil
}

// CollectionDir returns the on-disk directory for a (domain, user,
// bucket) triple, without creating it.
func (u *UserStorage) CollectionDir(domain, user, bucket string) string {
	return filepath.Join(u.Root, url.PathEscape(domain), url.PathEscape(user), url.PathEscape(bucket))
}

// ForUser returns the CollectionStore for (domain, user, bucket),
// creating its directory if this is the first time it's been addressed.
func (u *UserStorage) ForUser(domain, user, bucket string) (*CollectionStore, error) {
	return Open(u.CollectionDir(domain, user, bucket))
}

// CollectionKey identifies a collection by its (domain, user, bucket)
// triple.
type CollectionKey struct {
	Domain, User, Bucket string
}

// Path renders the key in the router's path form, /<domain>/<user>/<bucket>.
func (k CollectionKey) Path() string {
	return "/" + k.Domain + "/" + k.User + "/" + k.Bucket
}

// AllCollections enumerates every (domain, user, bucket) triple with a
// minted collection id under this root, by walking for the idFile
// marker.
func (u *UserStorage) AllCollections() ([]CollectionKey, error) {
	var out []CollectionKey
	err := filepath.WalkDir(u.Root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || d.Name() != idFile {
			return nil
		}
		rel, err := filepath.Rel(u.Root, filepath.Dir(path))
		if err != nil {
			return err
		}
		parts := strings.Split(filepath.ToSlash(rel), "/")
		if len(parts) != 3 {
			return nil
		}
		domain, err := url.PathUnescape(parts[0])
		if err != nil {
			return nil
		}
		user, err := url.PathUnescape(parts[1])
		if err != nil {
			return nil
		}
		bucket, err := url.PathUnescape(parts[2])
		if err != nil {
			return nil
		}
		out = append(out, CollectionKey{Domain: domain, User: user, Bucket: bucket})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Disable marks this node as draining. The coordinator's Post and
// ApplyBackup then fail with ErrDraining, which the router answers with a
// 503 and Retry-After; reads are still served.
func (u *UserStorage) Disable() error {
	return atomic.WriteFile(filepath.Join(u.Root, disabledFile), strings.NewReader(""))
}

// IsDisabled reports whether Disable has been called.
func (u *UserStorage) IsDisabled() bool {
	_, err := os.Stat(filepath.Join(u.Root, disabledFile))
	return err == nil
}

// Clear removes the entire root directory.
func (u *UserStorage) Clear() error {
	return os.RemoveAll(u.Root)
}

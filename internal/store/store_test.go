package store

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/andreib/recordlog/internal/log"
)

func TestCollectionStoreLazyCreation(t *testing.T) {
	dir := t.TempDir()
	cs, err := Open(dir)
	require.NoError(t, err)

	empty, err := cs.Empty()
	require.NoError(t, err)
	require.True(t, empty)

	id1, err := cs.CollectionID()
	require.NoError(t, err)
	require.NotEmpty(t, id1)

	id2, err := cs.CollectionID()
	require.NoError(t, err)
	require.Equal(t, id1, id2)

	secret1, err := cs.CollectionSecret()
	require.NoError(t, err)
	require.Len(t, secret1, 20)

	db, err := cs.DB()
	require.NoError(t, err)
	_, err = db.Extend([][]byte{[]byte("a")}, log.ExtendOptions{})
	require.NoError(t, err)

	empty, err = cs.Empty()
	require.NoError(t, err)
	require.False(t, empty)
}

func TestCollectionStoreDeprecateMakesDBUnavailable(t *testing.T) {
	dir := t.TempDir()
	cs, err := Open(dir)
	require.NoError(t, err)

	db, err := cs.DB()
	require.NoError(t, err)
	_, err = db.Extend([][]byte{[]byte("x")}, log.ExtendOptions{})
	require.NoError(t, err)

	require.NoError(t, cs.Deprecate())
	require.True(t, cs.IsDeprecated())

	_, err = cs.DB()
	require.ErrorIs(t, err, ErrStorageDeprecated)

	ddb, err := cs.DeprecatedDB()
	require.NoError(t, err)
	require.EqualValues(t, 1, ddb.Length())
}

func TestSetCollectionIDOverwrites(t *testing.T) {
	dir := t.TempDir()
	cs, err := Open(dir)
	require.NoError(t, err)

	_, err = cs.CollectionID()
	require.NoError(t, err)

	require.NoError(t, cs.SetCollectionID("999999"))
	got, err := cs.CollectionID()
	require.NoError(t, err)
	require.Equal(t, "999999", got)
}

func TestBlobSaveGetDelete(t *testing.T) {
	dir := t.TempDir()
	cs, err := Open(dir)
	require.NoError(t, err)

	name, err := cs.BlobName("photo", "42")
	require.NoError(t, err)
	require.NotEmpty(t, name)

	require.NoError(t, cs.SaveBlob(name, "image/png", []byte("pngdata")))

	data, ct, err := cs.GetBlobData(name)
	require.NoError(t, err)
	require.Equal(t, []byte("pngdata"), data)
	require.Equal(t, "image/png", ct)

	require.NoError(t, cs.MaybeDeleteBlob("photo", "42"))
	_, _, err = cs.GetBlobData(name)
	require.ErrorIs(t, err, ErrBlobNotFound)

	// deleting again is a no-op
	require.NoError(t, cs.MaybeDeleteBlob("photo", "42"))
}

func TestCollectionStoreClearRemovesDirectory(t *testing.T) {
	dir := t.TempDir()
	cs, err := Open(dir)
	require.NoError(t, err)
	_, err = cs.CollectionID()
	require.NoError(t, err)

	require.NoError(t, cs.Clear())
	_, err = os.Stat(dir)
	require.True(t, os.IsNotExist(err))
}

func TestUserStorageForUserAndAllCollections(t *testing.T) {
	root := t.TempDir()
	us, err := NewUserStorage(root)
	require.NoError(t, err)

	cs1, err := us.ForUser("example.com", "alice", "bookmarks")
	require.NoError(t, err)
	_, err = cs1.CollectionID()
	require.NoError(t, err)

	cs2, err := us.ForUser("example.com", "bob/weird", "tabs")
	require.NoError(t, err)
	_, err = cs2.CollectionID()
	require.NoError(t, err)

	keys, err := us.AllCollections()
	require.NoError(t, err)
	require.Len(t, keys, 2)

	var users []string
	for _, k := range keys {
		users = append(users, k.User)
	}
	require.ElementsMatch(t, []string{"alice", "bob/weird"}, users)
}

func TestUserStorageCollectionDirPercentEncodesSlashes(t *testing.T) {
	root := t.TempDir()
	us, err := NewUserStorage(root)
	require.NoError(t, err)

	dir := us.CollectionDir("example.com", "a/b", "bucket")
	rel, err := filepath.Rel(root, dir)
	require.NoError(t, err)
	segments := strings.Split(filepath.ToSlash(rel), "/")
	require.Len(t, segments, 3, "a slash inside an identifier must not create a directory level")
}

func TestUserStorageDisable(t *testing.T) {
	root := t.TempDir()
	us, err := NewUserStorage(root)
	require.NoError(t, err)
	require.False(t, us.IsDisabled())
	require.NoError(t, us.Disable())
	require.True(t, us.IsDisabled())
}

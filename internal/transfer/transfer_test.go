package transfer

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/andreib/recordlog/internal/log"
	"github.com/andreib/recordlog/internal/store"
)

func newTestCollection(t *testing.T) *store.CollectionStore {
	t.Helper()
	cs, err := store.Open(filepath.Join(t.TempDir(), "coll"))
	require.NoError(t, err)
	return cs
}

func extend(t *testing.T, cs *store.CollectionStore, vals ...string) {
	t.Helper()
	db, err := cs.DB()
	require.NoError(t, err)
	recs := make([][]byte, len(vals))
	for i, v := range vals {
		recs[i] = []byte(v)
	}
	_, err = db.Extend(recs, log.ExtendOptions{})
	require.NoError(t, err)
}

func readAll(t *testing.T, cs *store.CollectionStore) []string {
	t.Helper()
	db, err := cs.DB()
	require.NoError(t, err)
	var out []string
	for _, v := range db.Read(0, -1) {
		out = append(out, string(v))
	}
	return out
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	src := newTestCollection(t)
	extend(t, src, "a", "b", "c")
	id, err := src.CollectionID()
	require.NoError(t, err)
	secret, err := src.CollectionSecret()
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, src, nil))

	dst := newTestCollection(t)
	require.NoError(t, Decode(&buf, dst, false))

	gotID, err := dst.CollectionID()
	require.NoError(t, err)
	require.Equal(t, id, gotID)
	gotSecret, err := dst.CollectionSecret()
	require.NoError(t, err)
	require.Equal(t, secret, gotSecret)
	require.Equal(t, []string{"a", "b", "c"}, readAll(t, dst))
}

func TestEncodeUntilSendsOnlyPrefix(t *testing.T) {
	src := newTestCollection(t)
	extend(t, src, "a", "b", "c")

	until := uint32(2)
	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, src, &until))

	dst := newTestCollection(t)
	require.NoError(t, Decode(&buf, dst, false))
	require.Equal(t, []string{"a", "b"}, readAll(t, dst))
}

func TestDecodeAppendsQueuedRecords(t *testing.T) {
	src := newTestCollection(t)
	extend(t, src, "a", "b")

	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, src, nil))

	dst := newTestCollection(t)
	q, err := dst.QueueDB()
	require.NoError(t, err)
	_, err = q.Extend([][]byte{[]byte("queued1")}, log.ExtendOptions{Counters: []uint32{3}})
	require.NoError(t, err)
	_, err = q.Extend([][]byte{[]byte("queued2")}, log.ExtendOptions{Counters: []uint32{4}})
	require.NoError(t, err)

	require.NoError(t, Decode(&buf, dst, true))

	require.Equal(t, []string{"a", "b", "queued1", "queued2"}, readAll(t, dst))
	require.False(t, dst.HasQueue(), "queue must be discarded once merged")
}

func TestEncodeReadsFromDeprecatedLog(t *testing.T) {
	src := newTestCollection(t)
	extend(t, src, "a", "b")
	require.NoError(t, src.Deprecate())

	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, src, nil))

	dst := newTestCollection(t)
	require.NoError(t, Decode(&buf, dst, false))
	require.Equal(t, []string{"a", "b"}, readAll(t, dst))
}

package log

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestLog(t *testing.T) *Log {
	t.Helper()
	dir := t.TempDir()
	l, err := Open(filepath.Join(dir, "database"), filepath.Join(dir, "database.index"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func collect(t *testing.T, l *Log, above uint32, last int64) []Record {
	t.Helper()
	var out []Record
	for c, v := range l.Read(above, last) {
		out = append(out, Record{Counter: c, Value: append([]byte(nil), v...)})
	}
	return out
}

// Scenario 1 (design doc §8): basic extend/read.
func TestBasicExtendRead(t *testing.T) {
	l := newTestLog(t)

	first, err := l.Extend(recs("1", "2", "3"), ExtendOptions{})
	require.NoError(t, err)
	require.Equal(t, uint32(1), first)

	first, err = l.Extend(recs("4", "5", "6"), ExtendOptions{})
	require.NoError(t, err)
	require.Equal(t, uint32(4), first)

	got := collect(t, l, 0, 2)
	require.Equal(t, []Record{{1, []byte("1")}, {2, []byte("2")}}, got)

	got = collect(t, l, 3, 6)
	require.Equal(t, []Record{{4, []byte("4")}, {5, []byte("5")}, {6, []byte("6")}}, got)
}

// Scenario 2 (design doc §8): seek across a counter gap introduced by a
// with_counters append.
func TestSeekAcrossGap(t *testing.T) {
	l := newTestLog(t)

	batch := make([][]byte, 100)
	for i := range batch {
		batch[i] = []byte(fmt.Sprintf("v%d", i+1))
	}
	_, err := l.Extend(batch, ExtendOptions{})
	require.NoError(t, err)

	_, err = l.Extend([][]byte{[]byte("special")}, ExtendOptions{Counters: []uint32{201}})
	require.NoError(t, err)

	more := make([][]byte, 100)
	for i := range more {
		more[i] = []byte(fmt.Sprintf("w%d", i+1))
	}
	_, err = l.Extend(more, ExtendOptions{Counters: seq(202, 301)})
	require.NoError(t, err)

	got := collect(t, l, 200, 202)
	require.Equal(t, []Record{{201, []byte("special")}, {202, []byte("w1")}}, got)
}

func TestExtendExpectLatestFailsWhenStale(t *testing.T) {
	l := newTestLog(t)
	_, err := l.Extend(recs("a"), ExtendOptions{})
	require.NoError(t, err)

	stale := uint32(0)
	_, err = l.Extend(recs("b"), ExtendOptions{ExpectLatest: &stale})
	require.ErrorIs(t, err, ErrExpectationFailed)

	fresh := uint32(1)
	_, err = l.Extend(recs("b"), ExtendOptions{ExpectLatest: &fresh})
	require.NoError(t, err)
}

func TestExtendExpectLastCounterExactMatch(t *testing.T) {
	l := newTestLog(t)
	_, err := l.Extend(recs("a", "b"), ExtendOptions{})
	require.NoError(t, err)

	wrong := uint32(5)
	_, err = l.Extend(recs("c"), ExtendOptions{ExpectLastCounter: &wrong})
	require.ErrorIs(t, err, ErrExpectationFailed)

	right := uint32(2)
	_, err = l.Extend(recs("c"), ExtendOptions{ExpectLastCounter: &right})
	require.NoError(t, err)
}

func TestWithCountersRejectsNonMonotonicBatchAtomically(t *testing.T) {
	l := newTestLog(t)
	_, err := l.Extend(recs("a"), ExtendOptions{Counters: []uint32{10}})
	require.NoError(t, err)

	_, err = l.Extend(recs("b", "c"), ExtendOptions{Counters: []uint32{15, 12}})
	require.ErrorIs(t, err, ErrCounterNotMonotonic)
	require.Equal(t, uint32(10), l.Length(), "rejected batch must not partially land")

	got := collect(t, l, 0, -1)
	require.Len(t, got, 1)
}

func TestReadOnlyReturnsCountersAboveBound(t *testing.T) {
	l := newTestLog(t)
	_, err := l.Extend(recs("a", "b", "c"), ExtendOptions{})
	require.NoError(t, err)

	got := collect(t, l, 1, -1)
	require.Equal(t, []Record{{2, []byte("b")}, {3, []byte("c")}}, got)
}

func TestLengthIsMaxAppendedCounter(t *testing.T) {
	l := newTestLog(t)
	require.Equal(t, uint32(0), l.Length())

	_, err := l.Extend(recs("a", "b"), ExtendOptions{})
	require.NoError(t, err)
	require.Equal(t, uint32(2), l.Length())
}

func TestCopyExcludeThenOverwrite(t *testing.T) {
	l := newTestLog(t)
	_, err := l.Extend(recs("a", "b", "c", "d"), ExtendOptions{})
	require.NoError(t, err)

	dir := t.TempDir()
	destData, err := os.Create(filepath.Join(dir, "new.data"))
	require.NoError(t, err)
	destIndex, err := os.Create(filepath.Join(dir, "new.index"))
	require.NoError(t, err)

	exclude := map[uint32]bool{2: true}
	require.NoError(t, l.Copy(exclude, destData, destIndex))
	require.NoError(t, l.Overwrite(destData, destIndex))

	got := collect(t, l, 0, -1)
	var counters []uint32
	for _, r := range got {
		counters = append(counters, r.Counter)
	}
	require.Equal(t, []uint32{1, 3, 4}, counters, "counters are preserved, only byte offsets are recomputed densely")
	require.Equal(t, []byte("a"), got[0].Value)
	require.Equal(t, []byte("c"), got[1].Value)
	require.Equal(t, []byte("d"), got[2].Value)
}

func TestClearResetsToEmpty(t *testing.T) {
	l := newTestLog(t)
	_, err := l.Extend(recs("a", "b"), ExtendOptions{})
	require.NoError(t, err)
	require.NoError(t, l.Clear())
	require.Equal(t, uint32(0), l.Length())
	require.Empty(t, collect(t, l, 0, -1))
}

func TestGetFilePositionsUntil(t *testing.T) {
	l := newTestLog(t)
	_, err := l.Extend(recs("a", "bb", "ccc"), ExtendOptions{})
	require.NoError(t, err)

	until := uint32(2)
	idxPos, dataPos, err := l.GetFilePositions(&until)
	require.NoError(t, err)
	require.Equal(t, uint64(3*entWidth), idxPos) // dummy + 2 entries
	require.Equal(t, uint64(len("a")+len("bb")), dataPos)
}

func recs(vals ...string) [][]byte {
	out := make([][]byte, len(vals))
	for i, v := range vals {
		out[i] = []byte(v)
	}
	return out
}

func seq(from, to uint32) []uint32 {
	out := make([]uint32, 0, to-from+1)
	for i := from; i <= to; i++ {
		out = append(out, i)
	}
	return out
}

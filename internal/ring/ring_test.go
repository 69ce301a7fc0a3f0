package ring

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGetNodeMatchesIterateNodesHead(t *testing.T) {
	r := New([]string{"node-a", "node-b", "node-c", "node-d"})
	for _, key := range []string{"/d/u/b", "/other/user/bucket", "x"} {
		order := r.IterateNodes(key)
		require.NotEmpty(t, order)
		require.Equal(t, r.GetNode(key), order[0])
	}
}

func TestIterateNodesIsDeterministic(t *testing.T) {
	r1 := New([]string{"a", "b", "c"})
	r2 := New([]string{"c", "b", "a"})

	require.Equal(t, r1.IterateNodes("/d/u/b"), r2.IterateNodes("/d/u/b"))
}

func TestIterateNodesIsFullPermutation(t *testing.T) {
	nodes := []string{"a", "b", "c", "d", "e"}
	r := New(nodes)
	order := r.IterateNodes("/d/u/b")
	require.ElementsMatch(t, nodes, order)
	require.Len(t, order, len(nodes))
}

func TestBackupsAndAfterReplicaSet(t *testing.T) {
	order := []string{"p", "b1", "b2", "b3", "next"}
	require.Equal(t, []string{"b1", "b2"}, Backups(order, 2))
	require.Equal(t, "b3", AfterReplicaSet(order, 2))
	require.Equal(t, "", AfterReplicaSet(order, 10))
}

func TestWithNodeWithoutNode(t *testing.T) {
	nodes := []string{"a", "b"}
	added := WithNode(nodes, "c")
	require.ElementsMatch(t, []string{"a", "b", "c"}, added)
	require.ElementsMatch(t, []string{"a", "b"}, nodes) // unmutated

	removed := WithoutNode(added, "b")
	require.ElementsMatch(t, []string{"a", "c"}, removed)
}

// Package ring implements the consistent-hash node selection used by
// the cluster coordinator: a primary per key, plus a full deterministic
// ranking of every other node for backup/deprecation/takeover target
// selection.
//
// Grounded on github.com/dgryski/go-rendezvous (rendezvous / highest-
// random-weight hashing, present across the retrieval pack in
// StanislavBorodachev-solaris, grafana-tempo, and kedacore-keda), keyed
// with github.com/cespare/xxhash/v2. go-rendezvous only exposes a
// single-key Lookup; Ring additionally reimplements its scoring pass
// (same xxhash-based hash, same xorshift-multiply mixing function used
// internally by the library) to produce the full ranked order
// IterateNodes needs, since the library has no exported equivalent.
package ring

import (
	"sort"
	"sync"

	"github.com/cespare/xxhash/v2"
	rendezvous "github.com/dgryski/go-rendezvous"
)

func hash(s string) uint64 {
	return xxhash.Sum64String(s)
}

// xorshiftMult64 mirrors go-rendezvous' internal score-mixing function,
// duplicated here (not exported by the library) so IterateNodes ranks
// nodes by the exact same score Lookup would pick the top of.
func xorshiftMult64(x uint64) uint64 {
	x ^= x >> 12
	x ^= x << 25
	x ^= x >> 27
	return x * 2685821657736338717
}

// Ring is a consistent hash ring over a fixed node-name set.
type Ring struct {
	mu    sync.RWMutex
	nodes []string
	rv    *rendezvous.Rendezvous
}

// New builds a Ring over nodes. The node set is copied; callers are free
// to reuse or mutate the slice they passed in afterward.
func New(nodes []string) *Ring {
	cp := append([]string(nil), nodes...)
	return &Ring{nodes: cp, rv: rendezvous.New(cp, hash)}
}

// WithNode returns a new node slice with node appended, for building a
// ring variant ("old ∪ {new}") without mutating an existing Ring.
func WithNode(nodes []string, node string) []string {
	out := make([]string, 0, len(nodes)+1)
	out = append(out, nodes...)
	return append(out, node)
}

// WithoutNode returns a new node slice with node removed.
func WithoutNode(nodes []string, node string) []string {
	out := make([]string, 0, len(nodes))
	for _, n := range nodes {
		if n != node {
			out = append(out, n)
		}
	}
	return out
}

// GetNode returns the primary node for key.
func (r *Ring) GetNode(key string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.rv.Lookup(key)
}

// IterateNodes returns every node ranked for key, starting at the
// primary (same node GetNode would return) and proceeding in descending
// score order. Deterministic given the same node set, independent of
// insertion order.
func (r *Ring) IterateNodes(key string) []string {
	r.mu.RLock()
	nodes := append([]string(nil), r.nodes...)
	r.mu.RUnlock()

	khash := hash(key)
	type scored struct {
		node  string
		score uint64
	}
	scores := make([]scored, len(nodes))
	for i, n := range nodes {
		scores[i] = scored{node: n, score: xorshiftMult64(khash ^ hash(n))}
	}
	sort.Slice(scores, func(i, j int) bool {
		if scores[i].score != scores[j].score {
			return scores[i].score > scores[j].score
		}
		return scores[i].node < scores[j].node
	})

	out := make([]string, len(scores))
	for i, s := range scores {
		out[i] = s.node
	}
	return out
}

// Nodes returns a snapshot of the ring's current node set.
func (r *Ring) Nodes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.nodes...)
}

// Backups returns the k nodes immediately following primary in key's
// ranking, i.e. the replica set's backups.
func Backups(order []string, k int) []string {
	if len(order) <= 1 {
		return nil
	}
	rest := order[1:]
	if k > len(rest) {
		k = len(rest)
	}
	return rest[:k]
}

// AfterReplicaSet returns the first node beyond the primary + k backups
// in order, the deprecation/takeover target, or "" if the ring is too
// small to have one.
func AfterReplicaSet(order []string, k int) string {
	idx := k + 1
	if idx >= len(order) {
		return ""
	}
	return order[idx]
}

package api_test

import (
	"bytes"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/andreib/recordlog/internal/api"
	"github.com/andreib/recordlog/internal/authtoken"
	"github.com/andreib/recordlog/internal/cluster"
	"github.com/andreib/recordlog/internal/store"
)

// reserveAddr picks a free loopback address without holding it open, so
// a node's self-identifying address is known before its server starts.
func reserveAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())
	return addr
}

// startAddressedServer runs a Coordinator+Server whose self name is a
// real, dialable network address, for tests that exercise actual
// inter-node forwarding rather than same-process local dispatch.
func startAddressedServer(t *testing.T, peers []string, backups int) (addr string, coord *cluster.Coordinator, srv *httptest.Server) {
	t.Helper()
	addr = reserveAddr(t)
	storage, err := store.NewUserStorage(t.TempDir())
	require.NoError(t, err)
	coord = cluster.New(addr, storage, peers, backups, zap.NewNop())
	l, err := net.Listen("tcp", addr)
	require.NoError(t, err)
	srv = &httptest.Server{Listener: l, Config: &http.Server{Handler: api.New(coord, nil, zap.NewNop(), 0).Router()}}
	srv.Start()
	t.Cleanup(srv.Close)
	return addr, coord, srv
}

func newTestServer(t *testing.T, self string, peers []string) (*httptest.Server, *cluster.Coordinator) {
	t.Helper()
	storage, err := store.NewUserStorage(t.TempDir())
	require.NoError(t, err)
	coord := cluster.New(self, storage, peers, 1, zap.NewNop())
	srv := httptest.NewServer(api.New(coord, nil, zap.NewNop(), 0).Router())
	t.Cleanup(srv.Close)
	return srv, coord
}

// A request whose placement resolves to the node itself is served
// locally instead of forwarded.
func TestHandleCollectionServesLocalNodeDirectly(t *testing.T) {
	srv, coord := newTestServer(t, "solo", []string{"solo"})

	body, err := json.Marshal([]json.RawMessage{json.RawMessage(`{"type":"note","id":"1"}`)})
	require.NoError(t, err)

	resp, err := http.Post(srv.URL+"/example.com/alice/notes", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "solo", resp.Header.Get("X-Node-Name"))

	var postResp struct {
		ObjectCounters []uint32 `json:"object_counters"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&postResp))
	require.Equal(t, []uint32{1}, postResp.ObjectCounters)

	resp2, err := http.Get(srv.URL + "/example.com/alice/notes")
	require.NoError(t, err)
	defer resp2.Body.Close()
	require.Equal(t, http.StatusOK, resp2.StatusCode)

	_, err = coord.Storage().ForUser("example.com", "alice", "notes")
	require.NoError(t, err)
}

// A request whose placement resolves to a different node is forwarded
// there, and the forwarded response is relayed back verbatim.
func TestHandleCollectionForwardsToPrimary(t *testing.T) {
	targetAddr, _, _ := startAddressedServer(t, nil, 1)
	// The forwarder's ring lists only the target node, so every key's
	// primary resolves there and every write must be forwarded.
	_, _, fwdSrv := startAddressedServer(t, []string{targetAddr}, 1)

	key := "/example.com/bob/tabs"
	body, err := json.Marshal([]json.RawMessage{json.RawMessage(`{"type":"tab","id":"1"}`)})
	require.NoError(t, err)
	resp, err := http.Post(fwdSrv.URL+key, "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, targetAddr, resp.Header.Get("X-Node-Name"))
}

// The internal lifecycle RPCs (copy/paste/deprecate/delete/backup-from-pos)
// are always served locally by whichever node receives them, never
// forwarded, since the caller has already resolved the target node.
func TestHandleCollectionDeprecateIsAlwaysLocal(t *testing.T) {
	srv, coord := newTestServer(t, "only-node", []string{"only-node", "unreachable-peer"})

	cs, err := coord.Storage().ForUser("example.com", "carol", "bookmarks")
	require.NoError(t, err)
	_, err = cs.DB()
	require.NoError(t, err)

	resp, err := http.Post(srv.URL+"/example.com/carol/bookmarks?deprecate", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.True(t, cs.IsDeprecated())
}

func TestHandleVerifyWithoutMinterIsUnavailable(t *testing.T) {
	storage, err := store.NewUserStorage(t.TempDir())
	require.NoError(t, err)
	coord := cluster.New("solo", storage, []string{"solo"}, 1, zap.NewNop())
	srv := httptest.NewServer(api.New(coord, nil, zap.NewNop(), 0).Router())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/verify", "application/json", bytes.NewReader([]byte(`{"principal":"alice@example.com"}`)))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode, "no minter configured")
}

// A configured tokenTTL must actually govern how long a minted token
// stays valid, not just sit in config unused.
func TestHandleVerifyHonorsConfiguredTokenTTL(t *testing.T) {
	storage, err := store.NewUserStorage(t.TempDir())
	require.NoError(t, err)
	coord := cluster.New("solo", storage, []string{"solo"}, 1, zap.NewNop())
	minter, err := authtoken.Open(filepath.Join(t.TempDir(), "auth_secret.txt"))
	require.NoError(t, err)

	const ttl = 50 * time.Millisecond
	srv := httptest.NewServer(api.New(coord, minter, zap.NewNop(), ttl).Router())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/verify", "application/json", bytes.NewReader([]byte(`{"principal":"alice@example.com"}`)))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Token string `json:"token"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))

	principal, err := minter.Verify(body.Token)
	require.NoError(t, err)
	require.Equal(t, "alice@example.com", principal)

	time.Sleep(2 * ttl)
	_, err = minter.Verify(body.Token)
	require.ErrorIs(t, err, authtoken.ErrInvalidToken, "token must expire once tokenTTL elapses")
}

package cluster

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/andreib/recordlog/internal/store"
	"github.com/andreib/recordlog/internal/transfer"
)

// WireKey is the JSON wire form of a store.CollectionKey, used by every
// inter-node coordination RPC.
type WireKey struct {
	Domain string `json:"domain"`
	User   string `json:"user"`
	Bucket string `json:"bucket"`
}

func ToWireKey(k store.CollectionKey) WireKey {
	return WireKey{Domain: k.Domain, User: k.User, Bucket: k.Bucket}
}

func FromWireKey(w WireKey) store.CollectionKey {
	return store.CollectionKey{Domain: w.Domain, User: w.User, Bucket: w.Bucket}
}

// QueryDeprecateRequest is the body of a POST /query-deprecate RPC.
type QueryDeprecateRequest struct {
	Ring []string `json:"ring"`
}

// QueryDeprecateResponse lists the collections the receiving node just
// deprecated in response to the proposed ring membership.
type QueryDeprecateResponse struct {
	Deprecated []WireKey `json:"deprecated"`
}

// ApplyBackupRequest is the body of a backup-from-pos POST.
type ApplyBackupRequest struct {
	Records  []json.RawMessage `json:"records"`
	Counters []uint32          `json:"counters,omitempty"`
}

// TakeOverRequest is the body of a POST /take-over RPC.
type TakeOverRequest struct {
	BadNode string `json:"bad_node"`
}

func (c *Coordinator) peerURL(peer, path string) *url.URL {
	return &url.URL{Scheme: "http", Host: peer, Path: path}
}

func (c *Coordinator) queryDeprecateRPC(peer string, newRingNodes []string) ([]store.CollectionKey, error) {
	body, err := json.Marshal(QueryDeprecateRequest{Ring: newRingNodes})
	if err != nil {
		return nil, err
	}
	u := c.peerURL(peer, "/query-deprecate")
	resp, err := c.client.Post(u.String(), "application/json", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return nil, fmt.Errorf("cluster: query-deprecate on %s: status %d", peer, resp.StatusCode)
	}
	var out QueryDeprecateResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	keys := make([]store.CollectionKey, len(out.Deprecated))
	for i, w := range out.Deprecated {
		keys[i] = FromWireKey(w)
	}
	return keys, nil
}

// copyFromAndFinish fetches peer's full copy of key, decodes it into the
// local (fresh) collection store, and tells peer to delete its copy.
func (c *Coordinator) copyFromAndFinish(peer string, key store.CollectionKey) error {
	cs, err := c.storage.ForUser(key.Domain, key.User, key.Bucket)
	if err != nil {
		return err
	}
	if err := c.copyFrom(peer, key, nil, cs, false); err != nil {
		return err
	}

	du := c.peerURL(peer, key.Path())
	dq := du.Query()
	dq.Set("delete", "")
	du.RawQuery = dq.Encode()
	dresp, err := c.client.Post(du.String(), "application/json", nil)
	if err != nil {
		return err
	}
	defer dresp.Body.Close()
	return nil
}

// copyFrom GETs peer's ?copy stream for key (optionally bounded by
// until) and decodes it into cs.
func (c *Coordinator) copyFrom(peer string, key store.CollectionKey, until *uint32, cs *store.CollectionStore, appendQueue bool) error {
	u := c.peerURL(peer, key.Path())
	q := u.Query()
	q.Set("copy", "")
	if until != nil {
		q.Set("until", strconv.FormatUint(uint64(*until), 10))
	}
	u.RawQuery = q.Encode()

	resp, err := c.client.Get(u.String())
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("cluster: copy from %s: status %d", peer, resp.StatusCode)
	}
	return transfer.Decode(resp.Body, cs, appendQueue)
}

// pasteTo streams a full encoded copy of key to peer's ?paste endpoint.
func (c *Coordinator) pasteTo(peer string, key store.CollectionKey) error {
	cs, err := c.storage.ForUser(key.Domain, key.User, key.Bucket)
	if err != nil {
		return err
	}
	var buf bytes.Buffer
	if err := transfer.Encode(&buf, cs, nil); err != nil {
		return err
	}

	u := c.peerURL(peer, key.Path())
	q := u.Query()
	q.Set("paste", "")
	u.RawQuery = q.Encode()
	req, err := http.NewRequest(http.MethodPost, u.String(), &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("cluster: paste to %s: status %d", peer, resp.StatusCode)
	}
	return nil
}

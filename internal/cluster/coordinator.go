// Package cluster implements the Node Coordinator: the post/apply-backup
// write-and-replicate path, and the node-added/remove-self/query-
// deprecate/take-over multi-phase cluster membership protocols, per the
// design doc §4.6.
//
// Grounded on the teacher's http.go request-handling idiom (plain
// net/http + encoding/json, no RPC framework), generalized from a
// single in-process Log to a multi-node cluster of Collection Stores
// addressed through internal/store.UserStorage and placed via
// internal/ring.Ring.
package cluster

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/andreib/recordlog/internal/log"
	"github.com/andreib/recordlog/internal/ring"
	"github.com/andreib/recordlog/internal/store"
)

// Coordinator is one node's view of the cluster: its own identity, the
// backup replication factor, local storage, the current hash ring, and
// an HTTP client for inter-node RPCs.
type Coordinator struct {
	self    string
	backups int
	storage *store.UserStorage
	ring    *ring.Ring
	client  *http.Client
	logger  *zap.Logger
}

// New builds a Coordinator for a node named self, serving storage, with
// peers as the initial cluster membership and backups as the number of
// replicas (K) per collection.
func New(self string, storage *store.UserStorage, peers []string, backups int, logger *zap.Logger) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		self:    self,
		backups: backups,
		storage: storage,
		ring:    ring.New(peers),
		client:  &http.Client{Timeout: 10 * time.Second},
		logger:  logger,
	}
}

func (c *Coordinator) Self() string                { return c.self }
func (c *Coordinator) Ring() *ring.Ring            { return c.ring }
func (c *Coordinator) Storage() *store.UserStorage { return c.storage }
func (c *Coordinator) Backups() int                { return c.backups }

// Placement returns the primary, ordered backups, and the
// deprecation/takeover target for key, under the coordinator's current
// ring membership.
func (c *Coordinator) Placement(key string) (primary string, backups []string, after string) {
	order := c.ring.IterateNodes(key)
	if len(order) == 0 {
		return "", nil, ""
	}
	return order[0], ring.Backups(order, c.backups), ring.AfterReplicaSet(order, c.backups)
}

// GetRecord is one (counter, payload) pair returned by Get.
type GetRecord struct {
	Counter uint32
	Value   json.RawMessage
}

// GetResult is the outcome of a read against a local collection.
type GetResult struct {
	Objects           []GetRecord
	CollectionID      string
	Incomplete        bool
	CollectionChanged bool
}

// Get reads records since a counter from key's local collection,
// applying the optional include/exclude type filter and limit, and
// resetting to a full read if the caller's collectionID no longer
// matches (the collection was cleared and recreated under them).
func (c *Coordinator) Get(key store.CollectionKey, since uint32, limit int, include, exclude []string, collectionID string) (GetResult, error) {
	cs, err := c.storage.ForUser(key.Domain, key.User, key.Bucket)
	if err != nil {
		return GetResult{}, err
	}
	db, err := cs.DB()
	if err != nil {
		return GetResult{}, err
	}
	currentID, err := cs.CollectionID()
	if err != nil {
		return GetResult{}, err
	}

	res := GetResult{CollectionID: currentID}
	if collectionID != "" && collectionID != currentID {
		res.CollectionChanged = true
		since = 0
	}

	var objs []GetRecord
	for counter, value := range db.Read(since, -1) {
		if len(include) > 0 || len(exclude) > 0 {
			f, ferr := parseFields(value)
			if ferr == nil && !passesFilter(f.Type, include, exclude) {
				continue
			}
		}
		if limit > 0 && len(objs) >= limit {
			res.Incomplete = true
			break
		}
		objs = append(objs, GetRecord{Counter: counter, Value: json.RawMessage(value)})
	}
	res.Objects = objs
	return res, nil
}

type blobSave struct {
	name, contentType string
	data              []byte
}

type deleteBlob struct {
	recordType, recordID string
}

// prepareRecords parses each raw record, extracting an inline blob (if
// any) into a save plan and rewriting the stored payload to reference
// it by href, and collecting deleted:true records for blob cleanup.
func prepareRecords(cs *store.CollectionStore, raw []json.RawMessage) (records [][]byte, blobs []blobSave, deletes []deleteBlob, err error) {
	records = make([][]byte, len(raw))
	for i, r := range raw {
		obj, fields, hasBlob, blobData, derr := decodeRecord(r)
		if derr != nil {
			return nil, nil, nil, fmt.Errorf("cluster: decoding record %d: %w", i, derr)
		}
		payload := []byte(r)
		if hasBlob {
			name, berr := cs.BlobName(fields.Type, fields.ID)
			if berr != nil {
				return nil, nil, nil, berr
			}
			rewritten, rerr := rewriteWithHref(obj, "blobs/"+name)
			if rerr != nil {
				return nil, nil, nil, rerr
			}
			payload = rewritten
			blobs = append(blobs, blobSave{name: name, contentType: fields.ContentType, data: blobData})
		}
		records[i] = payload
		if fields.Deleted && fields.Type != "" && fields.ID != "" {
			deletes = append(deletes, deleteBlob{recordType: fields.Type, recordID: fields.ID})
		}
	}
	return records, blobs, deletes, nil
}

// PostResult is the outcome of a write.
type PostResult struct {
	ObjectCounters []uint32
	InvalidSince   bool
	Objects        []GetRecord
}

const maxSinceRetries = 3

// Post implements the write path of the design doc §4.6: extend the
// local collection under an expect_latest precondition, retrying with
// an advanced since on ExpectationFailed when an include/exclude filter
// makes some of the intervening records ignorable, then saving/clearing
// blobs and replicating to backups fire-and-forget.
func (c *Coordinator) Post(key store.CollectionKey, raw []json.RawMessage, since uint32, include, exclude []string) (PostResult, error) {
	if c.storage.IsDisabled() {
		return PostResult{}, ErrDraining
	}
	cs, err := c.storage.ForUser(key.Domain, key.User, key.Bucket)
	if err != nil {
		return PostResult{}, err
	}
	db, err := cs.DB()
	if err != nil {
		return PostResult{}, err
	}

	records, blobs, deletes, err := prepareRecords(cs, raw)
	if err != nil {
		return PostResult{}, err
	}

	lastPos := db.Length()
	expect := since

	var first uint32
	for attempt := 0; ; attempt++ {
		first, err = db.Extend(records, log.ExtendOptions{ExpectLatest: &expect})
		if err == nil {
			break
		}
		if !errors.Is(err, log.ErrExpectationFailed) {
			return PostResult{}, err
		}
		if attempt >= maxSinceRetries || (len(include) == 0 && len(exclude) == 0) {
			return c.invalidSince(key, since)
		}
		newSince, conflict, rerr := c.resolveSince(db, since, include, exclude)
		if rerr != nil {
			return PostResult{}, rerr
		}
		if conflict {
			return c.invalidSince(key, since)
		}
		since, expect = newSince, newSince
	}

	for _, b := range blobs {
		if err := cs.SaveBlob(b.name, b.contentType, b.data); err != nil {
			return PostResult{}, err
		}
	}
	for _, d := range deletes {
		if err := cs.MaybeDeleteBlob(d.recordType, d.recordID); err != nil {
			return PostResult{}, err
		}
	}

	counters := make([]uint32, len(records))
	for i := range records {
		counters[i] = first + uint32(i)
	}

	go c.replicate(key, lastPos, records, counters)

	return PostResult{ObjectCounters: counters}, nil
}

func (c *Coordinator) invalidSince(key store.CollectionKey, since uint32) (PostResult, error) {
	res, err := c.Get(key, since, 0, nil, nil, "")
	if err != nil {
		return PostResult{}, err
	}
	return PostResult{InvalidSince: true, Objects: res.Objects}, nil
}

// resolveSince scans records strictly after since looking for the first
// one the include/exclude filter would not skip. Every earlier record
// is itself skippable, so newSince is advanced past it. conflict is true
// once a non-skippable record is found — the retry should give up and
// report invalid_since.
func (c *Coordinator) resolveSince(db *log.Log, since uint32, include, exclude []string) (newSince uint32, conflict bool, err error) {
	newSince = since
	for counter, value := range db.Read(since, -1) {
		f, ferr := parseFields(value)
		if ferr != nil {
			return newSince, true, nil
		}
		if passesFilter(f.Type, include, exclude) {
			return newSince, true, nil
		}
		newSince = counter
	}
	return newSince, false, nil
}

// replicate fire-and-forgets apply_backup RPCs to each current backup
// for key, per the design doc's "primary does not await quorum" rule.
func (c *Coordinator) replicate(key store.CollectionKey, lastPos uint32, records [][]byte, counters []uint32) {
	_, backups, _ := c.Placement(key.Path())
	if len(backups) == 0 {
		return
	}
	cs, err := c.storage.ForUser(key.Domain, key.User, key.Bucket)
	if err != nil {
		return
	}
	collectionID, err := cs.CollectionID()
	if err != nil {
		return
	}

	payload := make([]json.RawMessage, len(records))
	for i, r := range records {
		payload[i] = json.RawMessage(r)
	}

	for _, backup := range backups {
		go c.postBackup(backup, key, lastPos, collectionID, payload, counters)
	}
}

func (c *Coordinator) postBackup(peer string, key store.CollectionKey, fromPos uint32, collectionID string, payload []json.RawMessage, counters []uint32) {
	body, err := json.Marshal(ApplyBackupRequest{Records: payload, Counters: counters})
	if err != nil {
		return
	}
	u := c.peerURL(peer, key.Path())
	q := u.Query()
	q.Set("backup-from-pos", fmt.Sprintf("%d", fromPos))
	q.Set("source", c.self)
	q.Set("collection_id", collectionID)
	u.RawQuery = q.Encode()

	req, err := http.NewRequest(http.MethodPost, u.String(), bytes.NewReader(body))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Warn("replication rpc failed", zap.String("peer", peer), zap.Error(err))
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		c.logger.Warn("replication rpc non-2xx", zap.String("peer", peer), zap.Int("status", resp.StatusCode))
	}
}

// ApplyBackup is the receiving side of replication: extend the local
// collection with explicit counters under an exact-match precondition,
// falling back to queue-then-copy catch-up when the replica has fallen
// behind, per the design doc §4.6.
func (c *Coordinator) ApplyBackup(key store.CollectionKey, fromPos uint32, sourceCollectionID, source string, req ApplyBackupRequest) error {
	if c.storage.IsDisabled() {
		return ErrDraining
	}
	cs, err := c.storage.ForUser(key.Domain, key.User, key.Bucket)
	if err != nil {
		return err
	}

	if sourceCollectionID != "" {
		localID, err := cs.CollectionID()
		if err != nil {
			return err
		}
		if localID != sourceCollectionID {
			empty, err := cs.Empty()
			if err != nil {
				return err
			}
			if !empty {
				if err := cs.Clear(); err != nil {
					return err
				}
				if err := os.MkdirAll(cs.Dir, 0o755); err != nil {
					return err
				}
			}
			if err := cs.SetCollectionID(sourceCollectionID); err != nil {
				return err
			}
		}
	}

	db, err := cs.DB()
	if err != nil {
		return err
	}

	records := make([][]byte, len(req.Records))
	for i, r := range req.Records {
		records[i] = []byte(r)
	}
	counters := req.Counters
	if counters == nil {
		counters = make([]uint32, len(records))
		for i := range records {
			counters[i] = fromPos + uint32(i) + 1
		}
	}

	expect := fromPos
	_, err = db.Extend(records, log.ExtendOptions{ExpectLastCounter: &expect, Counters: counters})
	if err == nil {
		return nil
	}
	if !errors.Is(err, log.ErrExpectationFailed) {
		return err
	}

	if cs.HasQueue() {
		q, qerr := cs.QueueDB()
		if qerr != nil {
			return qerr
		}
		_, err = q.Extend(records, log.ExtendOptions{Counters: counters})
		return err
	}

	if source == "" {
		return fmt.Errorf("cluster: apply_backup fell behind with no source to copy from")
	}
	q, err := cs.QueueDB()
	if err != nil {
		return err
	}
	if _, err := q.Extend(records, log.ExtendOptions{Counters: counters}); err != nil {
		return err
	}

	until := fromPos
	return c.copyFrom(source, key, &until, cs, true)
}

// NodeAdded drives the join protocol for a freshly added node (c.self):
// ask every existing peer which of its collections are now placed here,
// copy each one in, and tell the old holder to delete it.
func (c *Coordinator) NodeAdded(newRingNodes []string) error {
	for _, peer := range c.ring.Nodes() {
		if peer == c.self {
			continue
		}
		deprecated, err := c.queryDeprecateRPC(peer, newRingNodes)
		if err != nil {
			c.logger.Warn("query-deprecate rpc failed", zap.String("peer", peer), zap.Error(err))
			continue
		}
		for _, key := range deprecated {
			if err := c.copyFromAndFinish(peer, key); err != nil {
				c.logger.Warn("transfer after query-deprecate failed",
					zap.String("peer", peer), zap.String("path", key.Path()), zap.Error(err))
			}
		}
	}
	c.ring = ring.New(newRingNodes)
	return nil
}

// QueryDeprecate is the existing-node side of the join protocol: for
// each local collection that the proposed ring places one-past-the-
// replica-set on this node while including the new node in that
// replica set, deprecate it locally and report it for transfer.
func (c *Coordinator) QueryDeprecate(newRingNodes []string) ([]store.CollectionKey, error) {
	newNode := findNewNode(c.ring.Nodes(), newRingNodes)
	if newNode == "" {
		return nil, nil
	}
	newRing := ring.New(newRingNodes)

	keys, err := c.storage.AllCollections()
	if err != nil {
		return nil, err
	}

	var deprecated []store.CollectionKey
	for _, key := range keys {
		order := newRing.IterateNodes(key.Path())
		if ring.AfterReplicaSet(order, c.backups) != c.self {
			continue
		}
		replicaSet := order[:min(len(order), c.backups+1)]
		if !containsStr(replicaSet, newNode) {
			continue
		}

		cs, err := c.storage.ForUser(key.Domain, key.User, key.Bucket)
		if err != nil {
			continue
		}
		if !cs.IsDeprecated() {
			if err := cs.Deprecate(); err != nil {
				c.logger.Warn("deprecate failed", zap.String("path", key.Path()), zap.Error(err))
				continue
			}
		}
		deprecated = append(deprecated, key)
	}
	return deprecated, nil
}

// RemoveSelf drains this node: stop accepting new writes, push every
// local collection to the node newly promoted into its replica set
// under the ring with this node removed, then clear locally.
func (c *Coordinator) RemoveSelf() error {
	if err := c.storage.Disable(); err != nil {
		return err
	}
	keys, err := c.storage.AllCollections()
	if err != nil {
		return err
	}

	newNodes := ring.WithoutNode(c.ring.Nodes(), c.self)
	newRing := ring.New(newNodes)

	for _, key := range keys {
		order := newRing.IterateNodes(key.Path())
		if len(order) == 0 {
			continue
		}
		target := order[min(len(order)-1, c.backups)]
		if err := c.pasteTo(target, key); err != nil {
			c.logger.Warn("drain paste failed", zap.String("path", key.Path()), zap.String("target", target), zap.Error(err))
			continue
		}
		if cs, err := c.storage.ForUser(key.Domain, key.User, key.Bucket); err == nil {
			_ = cs.Clear()
		}
	}
	c.ring = newRing
	return nil
}

// TakeOver recovers collections orphaned by badNode's failure: the
// first backup of a collection badNode used to primary, and the primary
// of a collection badNode used to back up, each push their copy to the
// node newly promoted into position under the ring with badNode
// removed. The "first-elected-restorer" position check keeps every
// other backup from doing the same restore concurrently.
func (c *Coordinator) TakeOver(badNode string) error {
	keys, err := c.storage.AllCollections()
	if err != nil {
		return err
	}

	oldRing := c.ring
	newRing := ring.New(ring.WithoutNode(oldRing.Nodes(), badNode))

	for _, key := range keys {
		oldOrder := oldRing.IterateNodes(key.Path())
		if len(oldOrder) == 0 {
			continue
		}
		oldPrimary := oldOrder[0]
		oldBackups := ring.Backups(oldOrder, c.backups)

		isFirstBackupOfDeadPrimary := oldPrimary == badNode && len(oldBackups) > 0 && oldBackups[0] == c.self
		isPrimaryOfDeadBackup := oldPrimary == c.self && containsStr(oldBackups, badNode)
		if !isFirstBackupOfDeadPrimary && !isPrimaryOfDeadBackup {
			continue
		}

		newOrder := newRing.IterateNodes(key.Path())
		if len(newOrder) == 0 {
			continue
		}
		target := newOrder[min(len(newOrder)-1, c.backups)]
		if target == c.self {
			continue
		}
		if err := c.pasteTo(target, key); err != nil {
			c.logger.Warn("take-over paste failed", zap.String("path", key.Path()), zap.String("target", target), zap.Error(err))
		}
	}
	c.ring = newRing
	return nil
}

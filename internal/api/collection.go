package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/andreib/recordlog/internal/cluster"
	"github.com/andreib/recordlog/internal/log"
	"github.com/andreib/recordlog/internal/store"
	"github.com/andreib/recordlog/internal/transfer"
)

// handleCollection dispatches every /<domain>/<user>/<bucket>... route:
// the internal transfer/lifecycle RPCs (always served locally, the
// caller already resolved the target node), then local short-circuit or
// forwarding, then the public GET/POST read and write paths.
func (s *Server) handleCollection(w http.ResponseWriter, r *http.Request) {
	segments := strings.Split(strings.Trim(r.URL.Path, "/"), "/")

	local := false
	if len(segments) == 4 && segments[0] == s.coord.Self() {
		segments = segments[1:]
		local = true
	}
	if len(segments) != 3 || segments[0] == "" {
		http.NotFound(w, r)
		return
	}
	key := store.CollectionKey{Domain: segments[0], User: segments[1], Bucket: segments[2]}

	q := r.URL.Query()
	switch {
	case q.Has("copy"):
		s.handleCopy(w, r, key)
		return
	case q.Has("paste"):
		s.handlePaste(w, r, key)
		return
	case q.Has("deprecate"):
		s.handleDeprecate(w, r, key)
		return
	case q.Has("delete"):
		s.handleDelete(w, r, key)
		return
	case q.Has("backup-from-pos"):
		s.handleApplyBackup(w, r, key)
		return
	}

	if !local {
		primary, backups, _ := s.coord.Placement(key.Path())
		if primary != "" && primary != s.coord.Self() {
			s.forward(w, r, primary, backups)
			return
		}
	}

	switch r.Method {
	case http.MethodGet:
		s.handleGet(w, r, key)
	case http.MethodPost:
		s.handlePost(w, r, key)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request, key store.CollectionKey) {
	q := r.URL.Query()
	res, err := s.coord.Get(key, parseUint32(q.Get("since")), parseIntOrZero(q.Get("limit")),
		splitCSV(q.Get("include")), splitCSV(q.Get("exclude")), q.Get("collection_id"))
	if err != nil {
		s.writeError(w, err)
		return
	}

	w.Header().Set("X-Node-Name", s.coord.Self())
	resp := map[string]interface{}{
		"objects":       objectPairs(res.Objects),
		"collection_id": res.CollectionID,
	}
	if res.Incomplete {
		resp["incomplete"] = true
	}
	if res.CollectionChanged {
		resp["collection_changed"] = true
	}
	s.writeJSON(w, resp)
}

func (s *Server) handlePost(w http.ResponseWriter, r *http.Request, key store.CollectionKey) {
	var raw []json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	q := r.URL.Query()
	res, err := s.coord.Post(key, raw, parseUint32(q.Get("since")), splitCSV(q.Get("include")), splitCSV(q.Get("exclude")))
	if err != nil {
		s.writeError(w, err)
		return
	}

	w.Header().Set("X-Node-Name", s.coord.Self())
	if res.InvalidSince {
		s.writeJSON(w, map[string]interface{}{
			"invalid_since": true,
			"objects":       objectPairs(res.Objects),
		})
		return
	}
	s.writeJSON(w, map[string]interface{}{"object_counters": res.ObjectCounters})
}

func objectPairs(objs []cluster.GetRecord) [][2]interface{} {
	out := make([][2]interface{}, len(objs))
	for i, o := range objs {
		out[i] = [2]interface{}{o.Counter, o.Value}
	}
	return out
}

func (s *Server) handleCopy(w http.ResponseWriter, r *http.Request, key store.CollectionKey) {
	cs, err := s.coord.Storage().ForUser(key.Domain, key.User, key.Bucket)
	if err != nil {
		s.writeError(w, err)
		return
	}
	var until *uint32
	if v := r.URL.Query().Get("until"); v != "" {
		u := parseUint32(v)
		until = &u
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	if err := transfer.Encode(w, cs, until); err != nil {
		s.logger.Warn("encode transfer failed", zap.String("path", key.Path()), zap.Error(err))
	}
}

func (s *Server) handlePaste(w http.ResponseWriter, r *http.Request, key store.CollectionKey) {
	cs, err := s.coord.Storage().ForUser(key.Domain, key.User, key.Bucket)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := transfer.Decode(r.Body, cs, false); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleDeprecate(w http.ResponseWriter, r *http.Request, key store.CollectionKey) {
	cs, err := s.coord.Storage().ForUser(key.Domain, key.User, key.Bucket)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := cs.Deprecate(); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request, key store.CollectionKey) {
	cs, err := s.coord.Storage().ForUser(key.Domain, key.User, key.Bucket)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := cs.Clear(); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleApplyBackup(w http.ResponseWriter, r *http.Request, key store.CollectionKey) {
	q := r.URL.Query()
	fromPos := parseUint32(q.Get("backup-from-pos"))

	var req cluster.ApplyBackupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.coord.ApplyBackup(key, fromPos, q.Get("collection_id"), q.Get("source"), req); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrStorageDeprecated), errors.Is(err, cluster.ErrDraining):
		w.Header().Set("Retry-After", "5")
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
	case errors.Is(err, log.ErrExpectationFailed):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, log.ErrTruncatedFile), errors.Is(err, log.ErrStructural):
		s.logger.Error("structural log error", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
	default:
		s.logger.Error("request failed", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

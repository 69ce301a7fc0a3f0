package api

import (
	"encoding/json"
	"net/http"

	"github.com/andreib/recordlog/internal/cluster"
)

func (s *Server) handleNodeAdded(w http.ResponseWriter, r *http.Request) {
	var req cluster.QueryDeprecateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.coord.NodeAdded(req.Ring); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleRemoveSelf(w http.ResponseWriter, r *http.Request) {
	if err := s.coord.RemoveSelf(); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleQueryDeprecate(w http.ResponseWriter, r *http.Request) {
	var req cluster.QueryDeprecateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	deprecated, err := s.coord.QueryDeprecate(req.Ring)
	if err != nil {
		s.writeError(w, err)
		return
	}
	wireKeys := make([]cluster.WireKey, len(deprecated))
	for i, k := range deprecated {
		wireKeys[i] = cluster.ToWireKey(k)
	}
	s.writeJSON(w, cluster.QueryDeprecateResponse{Deprecated: wireKeys})
}

func (s *Server) handleTakeOver(w http.ResponseWriter, r *http.Request) {
	var req cluster.TakeOverRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.coord.TakeOver(req.BadNode); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

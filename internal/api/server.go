// Package api implements the Request Router: HTTP dispatch to a
// collection's primary/backup nodes, internal forwarding, and local
// short-circuit when the target is this node, per the design doc §4.7.
//
// Grounded on the teacher's http.go (gorilla/mux registration,
// encoding/json request/response DTOs), generalized from a single
// produce/consume pair over one in-process Log to the full route table
// of §6 backed by internal/cluster.Coordinator.
package api

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/andreib/recordlog/internal/authtoken"
	"github.com/andreib/recordlog/internal/cluster"
)

// Server dispatches HTTP requests for one node's Coordinator.
type Server struct {
	coord    *cluster.Coordinator
	minter   *authtoken.Minter
	logger   *zap.Logger
	client   *http.Client
	tokenTTL time.Duration
}

// defaultTokenTTL is used when New is given a zero tokenTTL, e.g. by
// callers (mostly tests) that don't care how long a minted token lives.
const defaultTokenTTL = time.Hour

// New builds a Server. minter may be nil, in which case /verify answers
// 503 (no auth boundary configured). A zero tokenTTL falls back to
// defaultTokenTTL.
func New(coord *cluster.Coordinator, minter *authtoken.Minter, logger *zap.Logger, tokenTTL time.Duration) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if tokenTTL == 0 {
		tokenTTL = defaultTokenTTL
	}
	return &Server{
		coord:    coord,
		minter:   minter,
		logger:   logger,
		client:   &http.Client{Timeout: 10 * time.Second},
		tokenTTL: tokenTTL,
	}
}

// Router builds the gorilla/mux route table for this server.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/node-added", s.handleNodeAdded).Methods(http.MethodPost)
	r.HandleFunc("/remove-self", s.handleRemoveSelf).Methods(http.MethodPost)
	r.HandleFunc("/query-deprecate", s.handleQueryDeprecate).Methods(http.MethodPost)
	r.HandleFunc("/take-over", s.handleTakeOver).Methods(http.MethodPost)
	r.HandleFunc("/verify", s.handleVerify).Methods(http.MethodPost)
	r.PathPrefix("/").HandlerFunc(s.handleCollection)
	return r
}

func (s *Server) writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("encode response failed", zap.Error(err))
	}
}

func (s *Server) forward(w http.ResponseWriter, r *http.Request, target string, backups []string) {
	req, err := http.NewRequest(r.Method, "http://"+target+r.URL.RequestURI(), r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	req.Header = r.Header.Clone()
	if r.Method == http.MethodPost && len(backups) > 0 {
		req.Header.Set("X-Backup-To", strings.Join(backups, ","))
	}

	resp, err := s.client.Do(req)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	for k, vv := range resp.Header {
		for _, v := range vv {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	_, _ = io.Copy(w, resp.Body)
}

func parseUint32(s string) uint32 {
	n, _ := strconv.ParseUint(s, 10, 32)
	return uint32(n)
}

func parseIntOrZero(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

package api

import (
	"encoding/json"
	"net/http"
)

// verifyRequest stands in for the BrowserID/Persona assertion exchange,
// which is an external collaborator out of this system's scope (see
// design doc §1): by the time a request reaches here, the assertion has
// already been verified upstream and Principal is the resolved
// identity. This handler only mints the short-lived bearer token.
type verifyRequest struct {
	Principal string `json:"principal"`
}

type verifyResponse struct {
	Token string `json:"token"`
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	if s.minter == nil {
		http.Error(w, "auth not configured", http.StatusServiceUnavailable)
		return
	}
	var req verifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Principal == "" {
		http.Error(w, "missing principal", http.StatusBadRequest)
		return
	}
	s.writeJSON(w, verifyResponse{Token: s.minter.Mint(req.Principal, s.tokenTTL)})
}

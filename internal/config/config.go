// Package config holds the node and cluster settings needed to start a
// recordlogd process. CLI/config-file parsing is named out of scope in
// the design doc's external-collaborator list, so this stays a plain
// struct populated directly from flags by cmd/recordlogd — no
// file-format or layered-override machinery is built on top of it.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Node is the full runtime configuration for one recordlogd process.
type Node struct {
	// Addr is the address this node's HTTP server listens on.
	Addr string
	// Dir is the root directory for this node's User Storage.
	Dir string
	// Name is this node's identifier in the hash ring.
	Name string
	// Peers is the full cluster node-name set, including Name.
	Peers []string
	// Backups is the number of backup replicas (K) per collection.
	Backups int
	// TokenTTL is how long a minted auth token remains valid.
	TokenTTL time.Duration
}

// ParsePeers splits a comma-separated peer list, trimming whitespace and
// dropping empty entries.
func ParsePeers(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Validate checks that the configuration is self-consistent: Name must
// be non-empty and appear in Peers, and Backups must not be negative.
func (n Node) Validate() error {
	if n.Name == "" {
		return fmt.Errorf("config: node name must not be empty")
	}
	found := false
	for _, p := range n.Peers {
		if p == n.Name {
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("config: node name %q must be present in peers %v", n.Name, n.Peers)
	}
	if n.Backups < 0 {
		return fmt.Errorf("config: backups must be >= 0, got %d", n.Backups)
	}
	return nil
}

package cluster

import (
	"github.com/google/uuid"
)

// NodeInfo identifies one application node in the cluster
type NodeInfo struct {
	ID   string `json:"id"`
	Addr string `json:"addr,omitempty"`
}

// NewNodeID returns a fresh random node identifier. Nodes pick a new id on
// every start, so a restarted process never inherits the registry entry
// (and the dead clients) of its previous incarnation.
func NewNodeID() string {
	return uuid.NewString()
}

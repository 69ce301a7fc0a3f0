package cluster

import "errors"

// ErrDraining is returned by Post/ApplyBackup once RemoveSelf has
// disabled new writes on this node.
var ErrDraining = errors.New("cluster: node is draining")

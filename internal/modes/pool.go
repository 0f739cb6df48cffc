package modes

import "github.com/chimera-pool/chimera-pool-core/internal/sharevalidator"

// NewPool builds the Pool mode handler: identical template flow to Solo,
// but shares are additionally handed to sink for out-of-core accounting
// and VarDiff is forced on, per spec.md §4.G's "share-difficulty may
// differ per connection (VarDiff)". The pool fee is not part of Config:
// this handler neither records it on submitted shares nor enforces it.
func NewPool(cfg Config, deps Dependencies, shareCfg sharevalidator.Config, sink AccountingSink) *Coordinator {
	cfg.VarDiff = true
	return NewCoordinator(cfg, deps.RPC, deps.Store, shareCfg, sink, deps.Conns)
}

package modes

import "github.com/chimera-pool/chimera-pool-core/internal/sharevalidator"

// NewSolo builds the Solo mode handler: a Coordinator with VarDiff left to
// the caller's config (spec.md §4.G says Solo's downstream difficulty may
// be "static from config or VarDiff-adjusted"), no accounting sink, and
// blocks found paid to the output script in Config.CoinbaseScript
// (Config.CoinbaseAddress is not decoded into a script).
func NewSolo(cfg Config, deps Dependencies, shareCfg sharevalidator.Config) *Coordinator {
	return NewCoordinator(cfg, deps.RPC, deps.Store, shareCfg, nil, deps.Conns)
}

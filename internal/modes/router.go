// Router owns at most one active mode handler and enforces spec.md
// §4.H's restricted live-transition matrix (Solo<->Pool, Proxy<->Client;
// everything else requires a restart).
//
// No teacher file has an analog — pool_coordinator.go is permanently
// single-mode — so this is built directly from §4.H/§9's description of
// a tagged variant with a shared trait of operations, of which the
// router holds exactly one at a time.
package modes

import (
	"sync"

	"github.com/chimera-pool/chimera-pool-core/internal/config"
	"github.com/chimera-pool/chimera-pool-core/internal/errs"
)

// Handler is the common trait every mode variant implements (spec.md
// §4.G: start/stop/handle_connection/handle_disconnection/process_share/
// get_statistics). Proxy and Client have different connection-handling
// shapes (fan-out vs 1:1) so this only captures the lifecycle every mode
// shares; callers type-switch on the concrete handler for the rest.
type Handler interface {
	Start() error
	Stop() error
}

// Router holds one active Handler and its Config, swapping between them
// only along the matrix spec.md §4.H allows.
type Router struct {
	mu      sync.Mutex
	mode    config.Mode
	cfg     config.Config
	handler Handler
}

// NewRouter builds an uninitialized router; call Initialize to start it.
func NewRouter() *Router {
	return &Router{}
}

// Initialize builds the handler for cfg.Mode via the factory, starts it,
// and retains it.
func (r *Router) Initialize(cfg config.Config, factory func(config.Config) (Handler, error)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	h, err := factory(cfg)
	if err != nil {
		return err
	}
	if err := h.Start(); err != nil {
		return err
	}
	r.mode = cfg.Mode
	r.cfg = cfg
	r.handler = h
	return nil
}

// liveTransition reports whether from->to is one of the live-swap pairs
// spec.md §4.H names: Solo<->Pool, Proxy<->Client.
func liveTransition(from, to config.Mode) bool {
	switch {
	case from == config.ModeSolo && to == config.ModePool:
		return true
	case from == config.ModePool && to == config.ModeSolo:
		return true
	case from == config.ModeProxy && to == config.ModeClient:
		return true
	case from == config.ModeClient && to == config.ModeProxy:
		return true
	default:
		return false
	}
}

// SwitchMode validates the transition, builds the new handler, stops the
// old one, then starts the new one — so a same-bind-address live swap
// (the only kind SameRestartSensitiveFields permits) never has both
// handlers listening at once. The new handler is expected to inherit any
// persisted connection store the factory wires in, so in-flight miners
// resume without redialing — the router itself holds no connection state.
func (r *Router) SwitchMode(newCfg config.Config, factory func(config.Config) (Handler, error)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.handler == nil {
		return errs.New(errs.KindConfig, "router not initialized")
	}
	if newCfg.Mode != r.mode && !liveTransition(r.mode, newCfg.Mode) {
		return errs.New(errs.KindConfig, "restart required")
	}
	if !config.SameRestartSensitiveFields(r.cfg, newCfg) {
		return errs.New(errs.KindConfig, "restart required")
	}

	newHandler, err := factory(newCfg)
	if err != nil {
		return err
	}

	if err := r.handler.Stop(); err != nil {
		return err
	}
	if err := newHandler.Start(); err != nil {
		return err
	}

	r.mode = newCfg.Mode
	r.cfg = newCfg
	r.handler = newHandler
	return nil
}

// UpdateConfig, when the mode discriminant is unchanged, rejects a change
// to a restart-sensitive field and otherwise stores newCfg as the router's
// config; the running handler is not reconfigured. When the mode changes
// it delegates to SwitchMode.
func (r *Router) UpdateConfig(newCfg config.Config, factory func(config.Config) (Handler, error)) error {
	r.mu.Lock()
	sameMode := newCfg.Mode == r.mode
	r.mu.Unlock()

	if !sameMode {
		return r.SwitchMode(newCfg, factory)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if !config.SameRestartSensitiveFields(r.cfg, newCfg) {
		return errs.New(errs.KindConfig, "restart required")
	}
	r.cfg = newCfg
	return nil
}

// Shutdown stops the active handler and releases it.
func (r *Router) Shutdown() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.handler == nil {
		return nil
	}
	err := r.handler.Stop()
	r.handler = nil
	return err
}

// CurrentMode reports the active mode.
func (r *Router) CurrentMode() config.Mode {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.mode
}

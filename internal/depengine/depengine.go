// Package depengine implements the Dependency Engine: a single promotion
// sweep followed by a single demotion sweep over the registry's two pools,
// run under one exclusive critical section, followed by non-forced global
// announcements. No fixed-point iteration is needed -- promotion only adds
// to the registered pool and demotion only removes from it within their
// own sweep, and the satisfaction predicate is monotone in the registered
// pool, so one pass of each suffices (this also means A-needs-B,
// B-needs-A can never both satisfy, with no separate cycle check
// required).
package depengine

import (
	"encoding/json"

	"github.com/Masterminds/semver/v3"
	"github.com/rs/zerolog"

	"github.com/bytesonus/juno/internal/hooks"
	"github.com/bytesonus/juno/internal/metrics"
	"github.com/bytesonus/juno/internal/registry"
	"github.com/bytesonus/juno/internal/wire"
)

// Engine owns the hook dispatcher and broker name needed to emit
// activation/deactivation events during a sweep.
type Engine struct {
	brokerName string
	hooks      *hooks.Dispatcher
	log        zerolog.Logger
	metrics    *metrics.Metrics // nil-safe
}

func New(brokerName string, h *hooks.Dispatcher, log zerolog.Logger, m *metrics.Metrics) *Engine {
	return &Engine{brokerName: brokerName, hooks: h, log: log, metrics: m}
}

// Run recomputes the registered/unregistered partition against reg's
// current state. Invoked after every registry mutation: module
// registration and module disconnection.
func (e *Engine) Run(reg *registry.Registry) {
	var promoted, demoted []*registry.Module
	var registeredSnapshot []*registry.Module

	reg.Mutate(func(tx *registry.Tx) {
		// Promotion sweep: collect every unregistered module whose
		// dependencies are already satisfied by the registered pool as it
		// stands *before* this sweep, then move them all. Using a
		// collect-then-move pattern (rather than mutating while ranging)
		// keeps "satisfiable as of sweep start" well-defined regardless of
		// map iteration order.
		for id, m := range tx.Unregistered() {
			if satisfied(m, tx.Registered()) {
				promoted = append(promoted, tx.Unregistered()[id])
			}
		}
		for _, m := range promoted {
			tx.Promote(m.ID)
			e.hooks.DeliverForced(m, e.brokerName+"."+wire.HookActivated, nil)
		}

		// Demotion sweep: re-check every now-registered module (including
		// those just promoted) against the updated registered pool. The
		// broker's own pseudo-module has no dependencies and is never
		// evicted regardless of what satisfied would compute.
		for id, m := range tx.Registered() {
			if id == e.brokerName {
				continue
			}
			if !satisfied(m, tx.Registered()) {
				demoted = append(demoted, m)
			}
		}
		for _, m := range demoted {
			tx.Demote(m.ID)
			e.hooks.DeliverForced(m, e.brokerName+"."+wire.HookDeactivated, nil)
		}

		for _, m := range tx.Registered() {
			registeredSnapshot = append(registeredSnapshot, m)
		}
	})

	// Announcements are last and non-forced, sent outside the registry
	// lock since delivering to a peer is a suspension point and the engine
	// only needs exclusivity for the sweep itself.
	for _, m := range promoted {
		e.log.Info().Str("moduleId", m.ID).Msg("module promoted to registered")
		if e.metrics != nil {
			e.metrics.ModulesPromoted.Inc()
		}
		e.announce(wire.HookModuleActivated, m.ID, registeredSnapshot)
	}
	for _, m := range demoted {
		e.log.Info().Str("moduleId", m.ID).Msg("module demoted to unregistered")
		if e.metrics != nil {
			e.metrics.ModulesDemoted.Inc()
		}
		e.announce(wire.HookModuleDeactivated, m.ID, registeredSnapshot)
	}
}

func (e *Engine) announce(hookShortName, moduleID string, registeredSnapshot []*registry.Module) {
	payload, _ := json.Marshal(map[string]string{"moduleId": moduleID})
	e.hooks.Broadcast(e.brokerName, hookShortName, payload, registeredSnapshot)
}

// satisfied reports whether every dependency of m is met by a module
// currently in registered: present, and its version satisfies the
// requirement. A dependency pointing at a module that is itself only in
// the unregistered pool never satisfies -- this is what makes cyclic
// dependency graphs unsatisfiable without any separate cycle check.
func satisfied(m *registry.Module, registered map[string]*registry.Module) bool {
	for depID, constraint := range m.Dependencies {
		dep, ok := registered[depID]
		if !ok {
			return false
		}
		if !constraintMatches(constraint, dep.Version) {
			return false
		}
	}
	return true
}

func constraintMatches(c *semver.Constraints, v *semver.Version) bool {
	if c == nil || v == nil {
		return false
	}
	return c.Check(v)
}

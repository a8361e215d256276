// Package registry holds the Module Registry: the registered and
// unregistered pools, keyed by module id, plus the broker's own
// pseudo-module. It is the process-wide analogue of the teacher's
// internal/broker/service.go Topic/Pipe maps -- a mutex-guarded map with
// create-on-first-use semantics -- generalized from pub/sub topics to the
// two module pools described here.
package registry

import (
	"sync"

	"github.com/Masterminds/semver/v3"

	"github.com/bytesonus/juno/internal/idgen"
	"github.com/bytesonus/juno/internal/wire"
)

// Sender is the outbound side of a module's connection: an ordered byte
// channel toward its peer. The broker pseudo-module has none (Send is
// nil).
type Sender interface {
	Send(f wire.Frame) error
	Close() error
}

// Module is the registry's unit of tracking.
type Module struct {
	ID           string
	Version      *semver.Version
	Dependencies map[string]*semver.Constraints // dep module id -> version requirement

	mu                sync.Mutex
	declaredFunctions map[string]struct{}
	registeredHooks   map[string]struct{}

	ConnectionID idgen.ConnID
	Registered   bool
	Send         Sender // nil for the broker pseudo-module
}

// Summary is the introspection payload shape (§4.11) shared verbatim
// between the broker pseudo-module's in-protocol listModules/
// getModuleInfo answers and the admin HTTP API's /modules endpoints, so
// the two surfaces can never drift from each other.
type Summary struct {
	ModuleID          string            `json:"moduleId"`
	Version           string            `json:"version"`
	Dependencies      map[string]string `json:"dependencies"`
	Registered        bool              `json:"registered"`
	DeclaredFunctions []string          `json:"declaredFunctions"`
	RegisteredHooks   []string          `json:"registeredHooks"`
}

// Summarize builds m's introspection payload.
func Summarize(m *Module) Summary {
	deps := make(map[string]string, len(m.Dependencies))
	for id, c := range m.Dependencies {
		deps[id] = c.String()
	}
	return Summary{
		ModuleID:          m.ID,
		Version:           m.Version.String(),
		Dependencies:      deps,
		Registered:        m.Registered,
		DeclaredFunctions: m.DeclaredFunctions(),
		RegisteredHooks:   m.RegisteredHooks(),
	}
}

func NewModule(id string, version *semver.Version, deps map[string]*semver.Constraints, connID idgen.ConnID, send Sender) *Module {
	return &Module{
		ID:                id,
		Version:           version,
		Dependencies:      deps,
		declaredFunctions: make(map[string]struct{}),
		registeredHooks:   make(map[string]struct{}),
		ConnectionID:      connID,
		Send:              send,
	}
}

// DeclareFunction adds name idempotently. Returns true if it was newly
// added.
func (m *Module) DeclareFunction(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.declaredFunctions[name]; ok {
		return false
	}
	m.declaredFunctions[name] = struct{}{}
	return true
}

func (m *Module) HasFunction(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.declaredFunctions[name]
	return ok
}

func (m *Module) DeclaredFunctions() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.declaredFunctions))
	for f := range m.declaredFunctions {
		out = append(out, f)
	}
	return out
}

// RegisterHook adds hook idempotently to this module's subscriptions.
// Returns true if newly added.
func (m *Module) RegisterHook(hook string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.registeredHooks[hook]; ok {
		return false
	}
	m.registeredHooks[hook] = struct{}{}
	return true
}

func (m *Module) Subscribes(hookName string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.registeredHooks[hookName]
	return ok
}

func (m *Module) RegisteredHooks() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.registeredHooks))
	for h := range m.registeredHooks {
		out = append(out, h)
	}
	return out
}

// Registry is the process-wide module table: the registered pool, the
// unregistered pool, and the single lock that covers both.
type Registry struct {
	mu           sync.RWMutex
	registered   map[string]*Module
	unregistered map[string]*Module
}

func New() *Registry {
	return &Registry{
		registered:   make(map[string]*Module),
		unregistered: make(map[string]*Module),
	}
}

// Exists reports whether moduleID is tracked in either pool.
func (r *Registry) Exists(moduleID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, a := r.registered[moduleID]
	_, b := r.unregistered[moduleID]
	return a || b
}

// Get returns the module by id from whichever pool holds it.
func (r *Registry) Get(moduleID string) (*Module, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if m, ok := r.registered[moduleID]; ok {
		return m, true
	}
	if m, ok := r.unregistered[moduleID]; ok {
		return m, true
	}
	return nil, false
}

// GetRegistered returns the module by id only if it is currently in the
// registered pool.
func (r *Registry) GetRegistered(moduleID string) (*Module, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.registered[moduleID]
	return m, ok
}

// Insert adds a brand-new module to the named pool. Callers must already
// have checked Exists(m.ID) is false.
func (r *Registry) Insert(m *Module, intoRegistered bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m.Registered = intoRegistered
	if intoRegistered {
		r.registered[m.ID] = m
	} else {
		r.unregistered[m.ID] = m
	}
}

// Remove deletes moduleID from whichever pool holds it and returns it.
func (r *Registry) Remove(moduleID string) (*Module, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if m, ok := r.registered[moduleID]; ok {
		delete(r.registered, moduleID)
		return m, true
	}
	if m, ok := r.unregistered[moduleID]; ok {
		delete(r.unregistered, moduleID)
		return m, true
	}
	return nil, false
}

// Snapshot returns the modules in each pool at a point in time, used by
// introspection and hook broadcasts. Modifying the returned slices
// does not affect the registry.
func (r *Registry) Snapshot() (registered, unregistered []*Module) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, m := range r.registered {
		registered = append(registered, m)
	}
	for _, m := range r.unregistered {
		unregistered = append(unregistered, m)
	}
	return registered, unregistered
}

// Tx is a handle into one exclusive critical section covering both pools,
// for the dependency engine's promotion+demotion cycle.
type Tx struct {
	r *Registry
}

// Mutate runs fn with exclusive access to both pools for its entire
// duration.
func (r *Registry) Mutate(fn func(tx *Tx)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn(&Tx{r: r})
}

func (tx *Tx) Registered() map[string]*Module   { return tx.r.registered }
func (tx *Tx) Unregistered() map[string]*Module { return tx.r.unregistered }

// Promote moves id from unregistered to registered. No-op if id isn't in
// the unregistered pool.
func (tx *Tx) Promote(id string) {
	if m, ok := tx.r.unregistered[id]; ok {
		delete(tx.r.unregistered, id)
		m.Registered = true
		tx.r.registered[id] = m
	}
}

// Demote moves id from registered to unregistered. No-op if id isn't in
// the registered pool.
func (tx *Tx) Demote(id string) {
	if m, ok := tx.r.registered[id]; ok {
		delete(tx.r.registered, id)
		m.Registered = false
		tx.r.unregistered[id] = m
	}
}

// Package connledger implements the Connection Ledger: the process-wide
// mapping from connection id to module id that authenticates every
// incoming frame. It is the broker's second map-with-mutex structure,
// sibling to the Module Registry, taken after it in the lock ordering
// (registry > connection ledger > request-origin ledger).
package connledger

import (
	"sync"

	"github.com/bytesonus/juno/internal/idgen"
)

type Ledger struct {
	mu  sync.RWMutex
	ids map[idgen.ConnID]string // connection id -> module id
}

func New() *Ledger {
	return &Ledger{ids: make(map[idgen.ConnID]string)}
}

// Bound reports whether connID already has a module id bound to it
// (a second registerModule on an already-bound connection is
// DUPLICATE_MODULE).
func (l *Ledger) Bound(connID idgen.ConnID) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.ids[connID]
	return ok
}

// Lookup returns the module id bound to connID, if any.
func (l *Ledger) Lookup(connID idgen.ConnID) (string, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	id, ok := l.ids[connID]
	return id, ok
}

// Bind associates connID with moduleID. Callers must have already checked
// Bound(connID) is false.
func (l *Ledger) Bind(connID idgen.ConnID, moduleID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ids[connID] = moduleID
}

// Unbind removes connID's entry, done on disconnect.
func (l *Ledger) Unbind(connID idgen.ConnID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.ids, connID)
}

// InUse reports whether connID is currently assigned to any module -- the
// predicate idgen.ConnGenerator.Next rejection-samples against.
func (l *Ledger) InUse(connID idgen.ConnID) bool {
	return l.Bound(connID)
}

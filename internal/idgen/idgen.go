// Package idgen generates the two identifier kinds the broker core owns:
// the 128-bit connection id and the broker-minted request id used for
// forced/broadcast hook deliveries: a monotonic wall-clock nanosecond
// count prefixed with the broker's name.
//
// Both are deliberately hand-rolled against a pinned-down generation
// strategy rather than sourced from a general-purpose ID library such as
// google/uuid: connection ids come from weak-PRNG rejection sampling
// against a caller-supplied in-use predicate (the broker passes the
// connection ledger's bound ids), and request ids come from a monotonic
// counter, not a random value; substituting a UUID generator would change
// the observable non-collision and ordering properties the rest of the
// broker is written against.
package idgen

import (
	"encoding/hex"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"
)

// ConnID is the 128-bit connection identifier. The zero value is reserved
// for the broker pseudo-module.
type ConnID [16]byte

// Zero is the sentinel id reserved for the broker's own pseudo-module.
var Zero ConnID

func (c ConnID) IsZero() bool { return c == Zero }

func (c ConnID) String() string { return hex.EncodeToString(c[:]) }

// ConnGenerator produces non-zero, currently-unused connection ids. It owns
// its own *rand.Rand (seeded once at construction) so concurrent
// generation doesn't contend on the shared math/rand global lock.
// "Cryptographically-weak" is the point: connection ids are not a security
// boundary, just a uniqueness key.
type ConnGenerator struct {
	mu  sync.Mutex
	rnd *rand.Rand
}

func NewConnGenerator() *ConnGenerator {
	return &ConnGenerator{rnd: rand.New(rand.NewSource(time.Now().UnixNano()))}
}

// Next performs rejection sampling: draw 128 bits, reject the all-zero
// value and any value inUse reports as already taken, retry. inUse is
// called with the generator's internal lock held, so it must not itself
// try to acquire that lock (callers pass a closure over their own ledger
// lock instead).
func (g *ConnGenerator) Next(inUse func(ConnID) bool) ConnID {
	g.mu.Lock()
	defer g.mu.Unlock()

	for {
		var id ConnID
		g.rnd.Read(id[:])
		if id.IsZero() {
			continue
		}
		if inUse != nil && inUse(id) {
			continue
		}
		return id
	}
}

// RequestIDGenerator mints broker-originated request ids for forced hook
// deliveries and hook fan-out: an epoch-nanosecond counter prefixed with
// the broker's configured name. The counter is strictly increasing even
// under concurrent callers or a system clock that doesn't advance between
// calls, since two frames with the same broker-generated requestId would
// be indistinguishable to a receiving module.
type RequestIDGenerator struct {
	brokerName string
	last       int64
}

func NewRequestIDGenerator(brokerName string) *RequestIDGenerator {
	return &RequestIDGenerator{brokerName: brokerName}
}

func (g *RequestIDGenerator) Next() string {
	now := time.Now().UnixNano()
	for {
		prev := atomic.LoadInt64(&g.last)
		next := now
		if next <= prev {
			next = prev + 1
		}
		if atomic.CompareAndSwapInt64(&g.last, prev, next) {
			return fmt.Sprintf("%s-%d", g.brokerName, next)
		}
	}
}

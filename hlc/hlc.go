// Package hlc implements the node-local hybrid logical clock described in
// spec §4.1: a strictly increasing (physical, logical) pair advanced on
// every outbound timestamped message and on every inbound one, so that the
// logical component captures causality no wall clock alone would preserve.
package hlc

import (
	"sync/atomic"
	"time"
)

// Clock is a per-node hybrid logical clock. The zero value is not usable;
// construct with New. Safe for concurrent use.
type Clock struct {
	// packed as (physical<<20 | logical) so a single CAS loop suffices;
	// logical is given 20 bits, comfortably more than any node sees
	// messages per physical microsecond.
	state int64

	now func() time.Time
}

const logicalBits = 20
const logicalMask = int64(1)<<logicalBits - 1

// New returns a Clock seeded from the wall clock.
func New() *Clock {
	return &Clock{now: time.Now}
}

// NewWithSource returns a Clock driven by an injected wall-clock source,
// for deterministic tests.
func NewWithSource(now func() time.Time) *Clock {
	return &Clock{now: now}
}

// Pack combines a (physical, logical) sample into the single uint64 other
// packages (txnid, in particular) carry around as an opaque HLC value.
func Pack(physical, logical int64) uint64 {
	return uint64(pack(physical, logical))
}

// Unpack is the inverse of Pack.
func Unpack(state uint64) (physical int64, logical int64) {
	return unpack(int64(state))
}

func pack(physical int64, logical int64) int64 {
	return (physical << logicalBits) | (logical & logicalMask)
}

func unpack(state int64) (physical int64, logical int64) {
	return state >> logicalBits, state & logicalMask
}

// Now advances the local clock and returns the new sample. Call this when
// originating a new timestamped event (e.g. minting a TxnId).
func (c *Clock) Now() (physical int64, logical int64) {
	for {
		old := atomic.LoadInt64(&c.state)
		oldPhysical, oldLogical := unpack(old)

		wall := c.now().UnixMicro()
		var next int64
		if wall > oldPhysical {
			next = pack(wall, 0)
		} else {
			next = pack(oldPhysical, oldLogical+1)
		}

		if atomic.CompareAndSwapInt64(&c.state, old, next) {
			return unpack(next)
		}
	}
}

// Update advances the local clock to be causally after a remote sample,
// per spec §4.1: "on every inbound, advance local HLC to max(local,
// remote)+1 for the logical component." Returns the new local sample.
func (c *Clock) Update(remotePhysical, remoteLogical int64) (physical int64, logical int64) {
	for {
		old := atomic.LoadInt64(&c.state)
		oldPhysical, oldLogical := unpack(old)

		wall := c.now().UnixMicro()
		maxPhysical := oldPhysical
		if wall > maxPhysical {
			maxPhysical = wall
		}
		if remotePhysical > maxPhysical {
			maxPhysical = remotePhysical
		}

		var next int64
		switch {
		case maxPhysical > oldPhysical && maxPhysical > remotePhysical:
			// wall clock alone has moved past both prior samples.
			next = pack(maxPhysical, 0)
		case oldPhysical == remotePhysical && oldPhysical == maxPhysical:
			logical := oldLogical
			if remoteLogical > logical {
				logical = remoteLogical
			}
			next = pack(maxPhysical, logical+1)
		case oldPhysical == maxPhysical:
			next = pack(maxPhysical, oldLogical+1)
		case remotePhysical == maxPhysical:
			next = pack(maxPhysical, remoteLogical+1)
		default:
			next = pack(maxPhysical, 0)
		}

		if atomic.CompareAndSwapInt64(&c.state, old, next) {
			return unpack(next)
		}
	}
}

// Package config holds the agent-facing knobs spec §6 names under "CLI
// / config surface (agent-facing)": the five coordination timeouts,
// the four CommandsForKey/MaxConflicts pruning parameters, and the
// empty-transaction template used by synthetic sync-point txns.
//
// The teacher has no equivalent package at all — every one of these is
// a bare package-scope constant (`PREACCEPT_TIMEOUT`,
// `ACCEPT_COMMIT_TIMEOUT`, ...) in `consensus/scope.go` and friends.
// This package exists because a host-embedding agent (spec §1, out of
// scope to implement) needs somewhere concrete to set these from, the
// way `johnjansen-torua/cmd/*/main.go` binds its own small config
// struct from flags before constructing the services it wires
// together.
package config

import (
	"time"

	"github.com/bdeggleston/accord/txnid"
)

// Config is the full set of agent-facing knobs spec §6 names.
type Config struct {
	// PreAcceptTimeout is the agent-facing PreAccept timeout (spec §5
	// "Cancellation & timeouts"). No code in this module reads it;
	// nothing here erases EphemeralRead PreAccept state when it elapses.
	PreAcceptTimeout time.Duration

	// LocalExpiresAt is added to "now" to produce the deadline a
	// coordinator attaches to its own reply context (spec §5
	// "expiresAt").
	LocalExpiresAt time.Duration

	// AttemptCoordinationDelay, SeekProgressDelay and RetryAwaitTimeout
	// are the three ProgressLog timer purposes spec §5 names; each is a
	// function of (txnId, retryCount, blockedUntil) in principle, but
	// every attempt observed in this corpus uses a fixed duration per
	// purpose, so that's what's configured here.
	AttemptCoordinationDelay time.Duration
	SeekProgressDelay        time.Duration
	RetryAwaitTimeout        time.Duration

	// CFKHlcPruneDelta/CFKPruneInterval are the CommandsForKey pruning
	// knobs of spec §6. No code in this module reads them.
	CFKHlcPruneDelta  uint64
	CFKPruneInterval  time.Duration

	// MaxConflictsHlcPruneDelta/MaxConflictsPruneInterval are the same
	// pair for a per-key max-conflict index. No code in this module reads
	// them, and CommandsForKey keeps no such index.
	MaxConflictsHlcPruneDelta uint64
	MaxConflictsPruneInterval time.Duration
}

// Default returns the knob set this implementation ships with absent
// any agent override — values chosen to be the same order of magnitude
// as the teacher's millisecond constants (PREACCEPT_TIMEOUT = 500ms,
// ACCEPT_COMMIT_TIMEOUT backed off from there) without claiming to
// reproduce them exactly, since the teacher's values were tuned for a
// single-key EPaxos instance, not a multi-shard Accord transaction.
func Default() Config {
	return Config{
		PreAcceptTimeout:         500 * time.Millisecond,
		LocalExpiresAt:           5 * time.Second,
		AttemptCoordinationDelay: 750 * time.Millisecond,
		SeekProgressDelay:        2 * time.Second,
		RetryAwaitTimeout:        4 * time.Second,

		CFKHlcPruneDelta: 1 << 20,
		CFKPruneInterval: 30 * time.Second,

		MaxConflictsHlcPruneDelta: 1 << 20,
		MaxConflictsPruneInterval: 30 * time.Second,
	}
}

// EmptySystemTxn builds the canonical empty-transaction payload used
// for synthetic sync-point/exclusive-sync-point transactions (spec §6
// "empty-transaction template emptySystemTxn(kind, domain)"). It
// carries no store-visible body; kind/domain are encoded only so a
// receiving CommandStore can tell which synthetic txn it's looking at
// without decoding anything more than these two bytes.
func EmptySystemTxn(kind txnid.Kind, domain txnid.Domain) []byte {
	return []byte{byte(kind), byte(domain)}
}

// Package errs defines the error kinds propagated out of the protocol
// core to coordinators, replicas, and the embedding agent.
package errs

import "fmt"

// Timeout indicates a tracker exhausted its sources without reaching quorum.
type Timeout struct {
	Reason string
}

func NewTimeout(reason string) Timeout { return Timeout{Reason: reason} }

func (e Timeout) Error() string { return fmt.Sprintf("timeout: %v", e.Reason) }

// Preempted indicates a higher ballot was observed for the same TxnId.
type Preempted struct {
	Reason string
}

func NewPreempted(reason string) Preempted { return Preempted{Reason: reason} }

func (e Preempted) Error() string { return fmt.Sprintf("preempted: %v", e.Reason) }

// Invalidated indicates a quorum agreed the transaction will never commit.
type Invalidated struct {
	Reason string
}

func NewInvalidated(reason string) Invalidated { return Invalidated{Reason: reason} }

func (e Invalidated) Error() string { return fmt.Sprintf("invalidated: %v", e.Reason) }

// Redundant indicates the transaction is already beyond the requested phase.
type Redundant struct {
	Reason string
}

func NewRedundant(reason string) Redundant { return Redundant{Reason: reason} }

func (e Redundant) Error() string { return fmt.Sprintf("redundant: %v", e.Reason) }

// Truncated indicates state needed for the operation has been GC'd.
type Truncated struct {
	Reason string
}

func NewTruncated(reason string) Truncated { return Truncated{Reason: reason} }

func (e Truncated) Error() string { return fmt.Sprintf("truncated: %v", e.Reason) }

// Exhausted indicates not enough non-faulty nodes remain to attempt the operation.
type Exhausted struct {
	Reason string
}

func NewExhausted(reason string) Exhausted { return Exhausted{Reason: reason} }

func (e Exhausted) Error() string { return fmt.Sprintf("exhausted: %v", e.Reason) }

// TopologyMismatchReason distinguishes retryable from fatal topology mismatches.
type TopologyMismatchReason int

const (
	// StaleTopology means the caller should retry with fresh topology.
	StaleTopology TopologyMismatchReason = iota
	// KeysOrRanges means the route/home-key itself is no longer valid; fatal.
	KeysOrRanges
)

// TopologyMismatch indicates the required range/home-key is no longer valid.
type TopologyMismatch struct {
	Reason    string
	ReasonKind TopologyMismatchReason
}

func NewTopologyMismatch(reason string, kind TopologyMismatchReason) TopologyMismatch {
	return TopologyMismatch{Reason: reason, ReasonKind: kind}
}

func (e TopologyMismatch) Error() string { return fmt.Sprintf("topology mismatch: %v", e.Reason) }

// Fatal reports whether this mismatch cannot be resolved by retrying.
func (e TopologyMismatch) Fatal() bool { return e.ReasonKind == KeysOrRanges }

// Insufficient is a server-side reply: this replica lacks the data to act.
type Insufficient struct {
	Reason string
}

func NewInsufficient(reason string) Insufficient { return Insufficient{Reason: reason} }

func (e Insufficient) Error() string { return fmt.Sprintf("insufficient: %v", e.Reason) }

// SimulatedFault is a deterministic injected fault for testing; treated as transient.
type SimulatedFault struct {
	Reason string
}

func NewSimulatedFault(reason string) SimulatedFault { return SimulatedFault{Reason: reason} }

func (e SimulatedFault) Error() string { return fmt.Sprintf("simulated fault: %v", e.Reason) }

// Transient reports whether an error should be retried with backoff via the
// timer wheel rather than terminating the operation outright.
func Transient(err error) bool {
	switch e := err.(type) {
	case Timeout, SimulatedFault:
		return true
	case Preempted:
		return true
	case Truncated:
		return true
	case TopologyMismatch:
		return !e.Fatal()
	default:
		return false
	}
}

// Fatal reports whether an error should terminate the operation rather than
// retry.
func Fatal(err error) bool {
	switch e := err.(type) {
	case Invalidated, Exhausted:
		return true
	case TopologyMismatch:
		return e.Fatal()
	default:
		return false
	}
}

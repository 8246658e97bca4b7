// Package txnid defines the globally unique, totally ordered identifiers
// that thread through the whole protocol core: TxnId, Timestamp and
// Ballot (spec §3, §4.1), plus the Kind/Domain tags a TxnId carries.
//
// These mirror the role the teacher's consensus.InstanceID plays in
// bdeggleston-kickboxerdb, generalized from a bare incrementing counter to
// the (epoch, hlc, flags, node) tuple the spec requires so that recovery,
// topology epochs and cross-shard ordering all share one comparable key.
package txnid

import (
	"bytes"
	"encoding/gob"
	"fmt"

	"github.com/bdeggleston/accord/hlc"
)

// NodeId identifies a replica. Generation lives in the node package;
// this is just the comparable value type ids are carried as.
type NodeId uint64

func (n NodeId) String() string { return fmt.Sprintf("n%d", uint64(n)) }

// Kind distinguishes the category of work a TxnId names.
type Kind uint8

const (
	Read Kind = iota
	Write
	SyncPoint
	ExclusiveSyncPoint
	EphemeralRead
)

func (k Kind) String() string {
	switch k {
	case Read:
		return "Read"
	case Write:
		return "Write"
	case SyncPoint:
		return "SyncPoint"
	case ExclusiveSyncPoint:
		return "ExclusiveSyncPoint"
	case EphemeralRead:
		return "EphemeralRead"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

// Conflicts reports whether a transaction of kind k must be ordered
// relative to one of kind other when both touch the same key (spec §4.9):
// Write conflicts with Write and Read; Read conflicts with Write;
// SyncPoint conflicts with everything; ExclusiveSyncPoint additionally
// enforces a barrier (handled by CommandsForKey, not by this relation
// alone).
func (k Kind) Conflicts(other Kind) bool {
	if k == SyncPoint || k == ExclusiveSyncPoint || other == SyncPoint || other == ExclusiveSyncPoint {
		return true
	}
	if k == Write || other == Write {
		return true
	}
	return false
}

// Domain distinguishes single-key from multi-range transactions.
type Domain uint8

const (
	DomainKey Domain = iota
	DomainRange
)

func (d Domain) String() string {
	if d == DomainRange {
		return "Range"
	}
	return "Key"
}

// flags packs Kind into the low 3 bits and Domain into bit 3. Packed this
// way so TxnId/Timestamp/Ballot can compare flags as a plain uint8 and get
// a deterministic, total tiebreak order as spec §3 requires.
type flags uint8

func makeFlags(kind Kind, domain Domain) flags {
	f := flags(kind) & 0x07
	if domain == DomainRange {
		f |= 0x08
	}
	return f
}

func (f flags) kind() Kind     { return Kind(f & 0x07) }
func (f flags) domain() Domain {
	if f&0x08 != 0 {
		return DomainRange
	}
	return DomainKey
}

// TxnId is the self-describing, totally ordered identifier every
// transaction is known by across the cluster. Per spec §3 it also acts as
// its own pre-accepted timestamp.
type TxnId struct {
	Epoch uint64
	HLC   uint64
	f     flags
	Node  NodeId
}

// New mints a TxnId from an HLC sample and the originating node.
func New(epoch uint64, hlcSample uint64, kind Kind, domain Domain, node NodeId) TxnId {
	return TxnId{Epoch: epoch, HLC: hlcSample, f: makeFlags(kind, domain), Node: node}
}

func (t TxnId) Kind() Kind     { return t.f.kind() }
func (t TxnId) Domain() Domain { return t.f.domain() }

// Compare implements the total order of spec §3: tuple order over
// (epoch, hlc, flags, node). Equal tuples never occur in practice because
// Node is the last tiebreak and ids are minted with a unique originating
// node, but the comparison is defined for any two values regardless.
func (t TxnId) Compare(o TxnId) int {
	if t.Epoch != o.Epoch {
		return cmpUint64(t.Epoch, o.Epoch)
	}
	if t.HLC != o.HLC {
		return cmpUint64(t.HLC, o.HLC)
	}
	if t.f != o.f {
		return cmpUint64(uint64(t.f), uint64(o.f))
	}
	return cmpUint64(uint64(t.Node), uint64(o.Node))
}

func (t TxnId) Less(o TxnId) bool { return t.Compare(o) < 0 }
func (t TxnId) Equal(o TxnId) bool { return t.Compare(o) == 0 }

func (t TxnId) String() string {
	return fmt.Sprintf("TxnId(e%d,h%d,%v/%v,%v)", t.Epoch, t.HLC, t.Domain(), t.Kind(), t.Node)
}

// wireId mirrors TxnId/Timestamp's fields with f exported, so gob (which
// silently drops unexported fields) can round-trip them across the wire.
type wireId struct {
	Epoch uint64
	HLC   uint64
	F     flags
	Node  NodeId
}

func (t TxnId) GobEncode() ([]byte, error) {
	var buf bytes.Buffer
	err := gob.NewEncoder(&buf).Encode(wireId{t.Epoch, t.HLC, t.f, t.Node})
	return buf.Bytes(), err
}

func (t *TxnId) GobDecode(data []byte) error {
	var w wireId
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&w); err != nil {
		return err
	}
	*t = TxnId{Epoch: w.Epoch, HLC: w.HLC, f: w.F, Node: w.Node}
	return nil
}

// AsTimestamp views this TxnId as its own pre-accepted Timestamp, per
// spec §3 ("Acts as its own pre-accepted timestamp").
func (t TxnId) AsTimestamp() Timestamp {
	return Timestamp{Epoch: t.Epoch, HLC: t.HLC, f: t.f, Node: t.Node}
}

// Timestamp shares TxnId's shape; used for executeAt and raw clock samples.
type Timestamp struct {
	Epoch uint64
	HLC   uint64
	f     flags
	Node  NodeId
}

func NewTimestamp(epoch uint64, hlcSample uint64, kind Kind, domain Domain, node NodeId) Timestamp {
	return Timestamp{Epoch: epoch, HLC: hlcSample, f: makeFlags(kind, domain), Node: node}
}

func (t Timestamp) Kind() Kind     { return t.f.kind() }
func (t Timestamp) Domain() Domain { return t.f.domain() }

func (t Timestamp) Compare(o Timestamp) int {
	if t.Epoch != o.Epoch {
		return cmpUint64(t.Epoch, o.Epoch)
	}
	if t.HLC != o.HLC {
		return cmpUint64(t.HLC, o.HLC)
	}
	if t.f != o.f {
		return cmpUint64(uint64(t.f), uint64(o.f))
	}
	return cmpUint64(uint64(t.Node), uint64(o.Node))
}

func (t Timestamp) Less(o Timestamp) bool  { return t.Compare(o) < 0 }
func (t Timestamp) Equal(o Timestamp) bool { return t.Compare(o) == 0 }

// Max returns the larger of two Timestamps, breaking ties per Compare.
// The coordinator pipeline uses this when folding PreAccept replies
// (spec §4.6 step 1: "executeAt = max over all responses").
func Max(a, b Timestamp) Timestamp {
	if a.Compare(b) >= 0 {
		return a
	}
	return b
}

func (t Timestamp) String() string {
	return fmt.Sprintf("Timestamp(e%d,h%d,%v/%v,%v)", t.Epoch, t.HLC, t.Domain(), t.Kind(), t.Node)
}

// FromTxnId converts a TxnId into the equal-valued Timestamp, used when a
// transaction's executeAt equals its own txnId (the fast path).
func FromTxnId(id TxnId) Timestamp {
	return Timestamp{Epoch: id.Epoch, HLC: id.HLC, f: id.f, Node: id.Node}
}

// EqualToTxnId reports whether this timestamp is bit-for-bit the fast-path
// executeAt for id: spec §4.6 requires strict equality, not merely an
// equivalent ordering, for fast-path acceptance (see the Open Questions
// note on clock skew: the check stays strict).
func (t Timestamp) EqualToTxnId(id TxnId) bool {
	return t.Epoch == id.Epoch && t.HLC == id.HLC && t.f == id.f && t.Node == id.Node
}

func (t Timestamp) GobEncode() ([]byte, error) {
	var buf bytes.Buffer
	err := gob.NewEncoder(&buf).Encode(wireId{t.Epoch, t.HLC, t.f, t.Node})
	return buf.Bytes(), err
}

func (t *Timestamp) GobDecode(data []byte) error {
	var w wireId
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&w); err != nil {
		return err
	}
	*t = Timestamp{Epoch: w.Epoch, HLC: w.HLC, f: w.F, Node: w.Node}
	return nil
}

// Ballot is the recovery/preemption counter: strict total order over
// (epoch, counter, flags, node). A recovery coordinator increments
// counter to seize control of a stalled command (spec §4.7).
type Ballot struct {
	Epoch   uint64
	Counter uint32
	f       flags
	Node    NodeId
}

// ZeroBallot is the implicit ballot every fresh PreAccept/Accept proposes
// at, below which nothing can ever be promised.
var ZeroBallot = Ballot{}

func NewBallot(epoch uint64, counter uint32, domain Domain, node NodeId) Ballot {
	return Ballot{Epoch: epoch, Counter: counter, f: makeFlags(Read, domain), Node: node}
}

func (b Ballot) Compare(o Ballot) int {
	if b.Epoch != o.Epoch {
		return cmpUint64(b.Epoch, o.Epoch)
	}
	if b.Counter != o.Counter {
		return cmpUint64(uint64(b.Counter), uint64(o.Counter))
	}
	if b.f != o.f {
		return cmpUint64(uint64(b.f), uint64(o.f))
	}
	return cmpUint64(uint64(b.Node), uint64(o.Node))
}

func (b Ballot) Less(o Ballot) bool { return b.Compare(o) < 0 }
func (b Ballot) Equal(o Ballot) bool { return b.Compare(o) == 0 }

// Next returns a ballot strictly greater than b, for the same node,
// incrementing counter. Used by the recovery coordinator (spec §4.7 step
// 1: "ballot = (epoch, promisedCounter+1, self)").
func (b Ballot) Next(node NodeId) Ballot {
	return Ballot{Epoch: b.Epoch, Counter: b.Counter + 1, f: b.f, Node: node}
}

func (b Ballot) String() string {
	return fmt.Sprintf("Ballot(e%d,c%d,%v)", b.Epoch, b.Counter, b.Node)
}

// wireBallot mirrors Ballot with f exported, for the same gob reason as
// wireId.
type wireBallot struct {
	Epoch   uint64
	Counter uint32
	F       flags
	Node    NodeId
}

func (b Ballot) GobEncode() ([]byte, error) {
	var buf bytes.Buffer
	err := gob.NewEncoder(&buf).Encode(wireBallot{b.Epoch, b.Counter, b.f, b.Node})
	return buf.Bytes(), err
}

func (b *Ballot) GobDecode(data []byte) error {
	var w wireBallot
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&w); err != nil {
		return err
	}
	*b = Ballot{Epoch: w.Epoch, Counter: w.Counter, f: w.F, Node: w.Node}
	return nil
}

func cmpUint64(a, b uint64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// genHLC is a convenience used by callers minting ids directly from a
// hlc.Clock sample pair, kept here so callers don't need to import hlc
// just to pack a sample.
func genHLC(physical, logical int64) uint64 { return hlc.Pack(physical, logical) }

// PackHLC exposes genHLC for callers outside this package (coordinator,
// node) that mint TxnIds from a clock sample.
func PackHLC(physical, logical int64) uint64 { return genHLC(physical, logical) }

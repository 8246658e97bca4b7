// Package message implements the structural request/reply envelopes of
// spec §6/§9: one tagged-sum type per request/reply family instead of a
// deep class hierarchy, plus the reply-context contract a transport
// passes back to a replica's reply call.
//
// Grounded on the teacher's message framing (bdeggleston-
// kickboxerdb/src/serializer/serializer.go's length-prefixed frame
// format and cluster/message_test.go's request/response pairing),
// generalized from the teacher's single Redis-command message kind to
// the full set of request/reply families spec §6 names, each modeled as
// a struct-per-kind rather than a class hierarchy (spec §9: "deep class
// hierarchies in the message types become tagged sums").
package message

import (
	"time"

	"github.com/bdeggleston/accord/command"
	"github.com/bdeggleston/accord/deps"
	"github.com/bdeggleston/accord/keys"
	"github.com/bdeggleston/accord/txnid"
)

// Kind tags which request/reply family a message belongs to.
type Kind uint8

const (
	KindPreAccept Kind = iota
	KindAccept
	KindBeginRecovery
	KindCommit
	KindRead
	KindApply
	KindCheckStatus
	KindFetchData
	KindSetGloballyDurable
	KindSetShardDurable
	KindQueryDurableBefore
)

func (k Kind) String() string {
	switch k {
	case KindPreAccept:
		return "PreAccept"
	case KindAccept:
		return "Accept"
	case KindBeginRecovery:
		return "BeginRecovery"
	case KindCommit:
		return "Commit"
	case KindRead:
		return "Read"
	case KindApply:
		return "Apply"
	case KindCheckStatus:
		return "CheckStatus"
	case KindFetchData:
		return "FetchData"
	case KindSetGloballyDurable:
		return "SetGloballyDurable"
	case KindSetShardDurable:
		return "SetShardDurable"
	case KindQueryDurableBefore:
		return "QueryDurableBefore"
	default:
		return "Unknown"
	}
}

// CommitKind distinguishes the five ways a Commit request can arrive,
// spec §6.
type CommitKind uint8

const (
	CommitSlowPath CommitKind = iota
	StableFastPath
	StableSlowPath
	StableWithTxnAndDeps
	CommitWithTxn
)

// ReplyContext is the opaque handle a server passes back to
// node.Reply(); it carries the original source, the request id and the
// deadline, spec §6 "Reply-context contract".
type ReplyContext struct {
	Source    txnid.NodeId
	RequestId uint64
	Deadline  time.Time
}

// Header is the common envelope every request carries, spec §6: "Every
// request carries (txnId, waitForEpoch, scope, replyContext)".
type Header struct {
	TxnId       txnid.TxnId
	WaitForEpoch uint64
	Scope       keys.Route
	Reply       ReplyContext
}

// ReplyStatus is the outer disposition of every reply, spec §6: "Every
// reply is either Ok(payload) or one of {Insufficient, Redundant,
// Rejected, Invalid}".
type ReplyStatus uint8

const (
	Ok ReplyStatus = iota
	Insufficient
	Redundant
	Rejected
	Invalid
)

// PreAcceptRequest/Reply, spec §4.5/§4.6 step 1.
type PreAcceptRequest struct {
	Header
	PartialTxn []byte
}

type PreAcceptReply struct {
	Status     ReplyStatus
	ExecuteAt  txnid.Timestamp
	Deps       deps.Deps
	FastPath   bool
}

// AcceptRequest/Reply, spec §4.5/§4.6 step 2.
type AcceptRequest struct {
	Header
	Ballot        txnid.Ballot
	ExecuteAt     txnid.Timestamp
	ProposedDeps  deps.Deps
	Kind          command.AcceptKind
}

type AcceptReply struct {
	Status    ReplyStatus
	Deps      deps.Deps
}

// CommitRequest/Reply, spec §4.6 step 3.
type CommitRequest struct {
	Header
	Kind      CommitKind
	Ballot    txnid.Ballot
	ExecuteAt txnid.Timestamp
	Deps      deps.Deps
	Txn       []byte // populated for *WithTxn variants
}

type CommitReply struct {
	Status ReplyStatus
}

// ReadRequest/Reply, spec §4.6 step 4.
type ReadRequest struct {
	Header
	ExecuteAt txnid.Timestamp
}

type ReadReply struct {
	Status ReplyStatus
	Data   []byte
}

// ApplyRequest/Reply, spec §4.6 step 5.
type ApplyRequest struct {
	Header
	ExecuteAt txnid.Timestamp
	Deps      deps.Deps
	Result    []byte
}

type ApplyReply struct {
	Status ReplyStatus
}

// BeginRecoveryRequest/Reply, spec §4.7 steps 1-2.
type BeginRecoveryRequest struct {
	Header
	Ballot txnid.Ballot
}

type BeginRecoveryReply struct {
	Status         ReplyStatus
	LatestDeps     deps.LatestDepsEntry
	CommandStatus  command.Status
	AcceptedBallot txnid.Ballot
	ExecuteAt      txnid.Timestamp
	HaveExecuteAt  bool
}

// CheckStatusRequest/Reply lets a coordinator/recovery poll a replica's
// view without promising a ballot, spec §6.
type CheckStatusRequest struct {
	Header
}

type CheckStatusReply struct {
	Status        ReplyStatus
	CommandStatus command.Status
	Durability    command.Durability
}

// FetchDataRequest/Reply services a replica that needs the full txn body
// it never witnessed (the Insufficient retry path, spec §7).
type FetchDataRequest struct {
	Header
}

type FetchDataReply struct {
	Status ReplyStatus
	Txn    []byte
}

// SetGloballyDurableRequest/SetShardDurableRequest/QueryDurableBeforeRequest
// propagate durability watermarks toward Universal, spec §4.6 step 5 /
// §6.
type SetGloballyDurableRequest struct {
	Header
}

type SetShardDurableRequest struct {
	Header
}

type QueryDurableBeforeRequest struct {
	Header
}

type QueryDurableBeforeReply struct {
	Status     ReplyStatus
	Durability command.Durability
}

type SimpleReply struct {
	Status ReplyStatus
}

// Package cleanup implements the Cleanup decision table and the
// RedundantBefore/DurableBefore watermarks that feed it, spec §4.8.
//
// The teacher never garbage-collects instances (bdeggleston-
// kickboxerdb keeps every Instance in its Scope maps for the process
// lifetime), so this package is modeled directly from the spec, in the
// same decision-table-over-a-status-switch style as the teacher's
// manager_prepare.go phase dispatch.
package cleanup

import (
	"bytes"
	"encoding/gob"

	"github.com/bdeggleston/accord/command"
	"github.com/bdeggleston/accord/keys"
	"github.com/bdeggleston/accord/txnid"
)

// Decision is the outcome of a Cleanup evaluation, spec §4.8.
type Decision uint8

const (
	NO Decision = iota
	VESTIGIAL
	INVALIDATE
	TRUNCATE_WITH_OUTCOME
	TRUNCATE
	ERASE
	EXPUNGE_PARTIAL
	EXPUNGE
)

func (d Decision) String() string {
	switch d {
	case NO:
		return "NO"
	case VESTIGIAL:
		return "VESTIGIAL"
	case INVALIDATE:
		return "INVALIDATE"
	case TRUNCATE_WITH_OUTCOME:
		return "TRUNCATE_WITH_OUTCOME"
	case TRUNCATE:
		return "TRUNCATE"
	case ERASE:
		return "ERASE"
	case EXPUNGE_PARTIAL:
		return "EXPUNGE_PARTIAL"
	case EXPUNGE:
		return "EXPUNGE"
	default:
		return "Unknown"
	}
}

// rank orders decisions by how much state they discard, from NO
// (nothing) to EXPUNGE (everything).
func (d Decision) rank() int {
	switch d {
	case NO:
		return 0
	case VESTIGIAL:
		return 1
	case INVALIDATE:
		return 2
	case TRUNCATE_WITH_OUTCOME:
		return 3
	case TRUNCATE:
		return 4
	case ERASE:
		return 5
	case EXPUNGE_PARTIAL:
		return 6
	case EXPUNGE:
		return 7
	default:
		return 0
	}
}

// ShardStatus is what RedundantBefore reports for a (txnId, range) pair,
// spec §4.8 rule 4.
type ShardStatus uint8

const (
	Live ShardStatus = iota
	PreBootstrap
	LocallyRedundant
	WasOwnedRetired
	ShardRedundant
	GCBefore
)

// rangeWatermark is the per-range GC state RedundantBefore tracks: three
// nested, monotonically advancing bounds (GCBefore tightest, then
// ShardRedundantBefore, then LocallyRedundantBefore) plus a bootstrap
// floor and a retirement flag.
type rangeWatermark struct {
	Range                  keys.Range
	BootstrappedAt         txnid.TxnId
	LocallyRedundantBefore txnid.TxnId
	ShardRedundantBefore   txnid.TxnId
	GCBeforeBound          txnid.TxnId
	Retired                bool
}

// RedundantBefore is the per-range GC watermark map of spec §3/§4.8,
// §8 ("RedundantBefore.merge is commutative and idempotent under the
// same inputs").
type RedundantBefore struct {
	entries []rangeWatermark
}

func NewRedundantBefore() RedundantBefore { return RedundantBefore{} }

func (r RedundantBefore) find(rg keys.Range) (rangeWatermark, bool) {
	for _, e := range r.entries {
		if e.Range.Equal(rg) {
			return e, true
		}
	}
	return rangeWatermark{}, false
}

// Advance records a new watermark for rg, taking the max of each bound
// with whatever is already recorded so repeated or out-of-order Advance
// calls are idempotent and never move a bound backwards.
func (r *RedundantBefore) Advance(rg keys.Range, bootstrappedAt, locallyRedundantBefore, shardRedundantBefore, gcBeforeBound txnid.TxnId, retired bool) {
	for i, e := range r.entries {
		if e.Range.Equal(rg) {
			r.entries[i] = rangeWatermark{
				Range:                  rg,
				BootstrappedAt:         maxTxnId(e.BootstrappedAt, bootstrappedAt),
				LocallyRedundantBefore: maxTxnId(e.LocallyRedundantBefore, locallyRedundantBefore),
				ShardRedundantBefore:   maxTxnId(e.ShardRedundantBefore, shardRedundantBefore),
				GCBeforeBound:          maxTxnId(e.GCBeforeBound, gcBeforeBound),
				Retired:                e.Retired || retired,
			}
			return
		}
	}
	r.entries = append(r.entries, rangeWatermark{
		Range: rg, BootstrappedAt: bootstrappedAt, LocallyRedundantBefore: locallyRedundantBefore,
		ShardRedundantBefore: shardRedundantBefore, GCBeforeBound: gcBeforeBound, Retired: retired,
	})
}

// Merge folds o's watermarks into r, spec §8's commutative/idempotent
// merge law.
func (r *RedundantBefore) Merge(o RedundantBefore) {
	for _, e := range o.entries {
		r.Advance(e.Range, e.BootstrappedAt, e.LocallyRedundantBefore, e.ShardRedundantBefore, e.GCBeforeBound, e.Retired)
	}
}

// GobEncode/GobDecode let RedundantBefore cross a journal snapshot
// despite its backing slice being unexported: gob otherwise silently
// drops unexported fields, which would mean every GC watermark comes
// back empty on reload.
func (r RedundantBefore) GobEncode() ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(r.entries); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (r *RedundantBefore) GobDecode(data []byte) error {
	var entries []rangeWatermark
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&entries); err != nil {
		return err
	}
	r.entries = entries
	return nil
}

func maxTxnId(a, b txnid.TxnId) txnid.TxnId {
	if a.Compare(b) >= 0 {
		return a
	}
	return b
}

// statusOf reports rg's ShardStatus for txnId, spec §4.8 rule 4. Known
// ranges with no recorded watermark default to Live.
func (r RedundantBefore) statusOf(txnId txnid.TxnId, rg keys.Range) ShardStatus {
	e, ok := r.find(rg)
	if !ok {
		return Live
	}
	if e.Retired {
		return WasOwnedRetired
	}
	if txnId.Compare(e.BootstrappedAt) < 0 {
		return PreBootstrap
	}
	if txnId.Compare(e.GCBeforeBound) < 0 {
		return GCBefore
	}
	if txnId.Compare(e.ShardRedundantBefore) < 0 {
		return ShardRedundant
	}
	if txnId.Compare(e.LocallyRedundantBefore) < 0 {
		return LocallyRedundant
	}
	return Live
}

// rank orders ShardStatus from least to most advanced, excluding
// WasOwnedRetired which is out-of-band (a different range no longer
// belongs to this replica at all, rather than being further along the
// same watermark axis).
func (s ShardStatus) rank() int {
	switch s {
	case PreBootstrap:
		return 0
	case Live:
		return 1
	case LocallyRedundant:
		return 2
	case ShardRedundant:
		return 3
	case GCBefore:
		return 4
	default:
		return 1
	}
}

// RouteStatus combines the per-range ShardStatus over every range in
// owns into the single status spec §4.8 rule 4 consults: the least
// advanced status among them, since GC may only proceed once every
// owned range agrees it is safe. If every range is WasOwnedRetired, that
// is the combined result.
func (r RedundantBefore) RouteStatus(txnId txnid.TxnId, owns keys.Ranges) ShardStatus {
	if len(owns) == 0 {
		return Live
	}
	allRetired := true
	worst := GCBefore
	haveAny := false
	for _, rg := range owns {
		s := r.statusOf(txnId, rg)
		if s != WasOwnedRetired {
			allRetired = false
			haveAny = true
			if s.rank() < worst.rank() {
				worst = s
			}
		}
	}
	if allRetired {
		return WasOwnedRetired
	}
	if !haveAny {
		return Live
	}
	return worst
}

// AllPastGCLine reports whether every range in owns has reached
// GCBefore, spec §4.8 rule 3 ("every owned key is past the GC line").
func (r RedundantBefore) AllPastGCLine(txnId txnid.TxnId, owns keys.Ranges) bool {
	if len(owns) == 0 {
		return false
	}
	for _, rg := range owns {
		if r.statusOf(txnId, rg) != GCBefore {
			return false
		}
	}
	return true
}

// durableEntry records that every transaction ordered before Bound is
// guaranteed to have reached at least Level of durability.
type durableEntry struct {
	Bound txnid.TxnId
	Level command.Durability
}

// DurableBefore is the global durability watermark of spec §3/§4.8.
type DurableBefore struct {
	entries []durableEntry
}

func NewDurableBefore() DurableBefore { return DurableBefore{} }

// Advance records that every txn before bound now has at least level of
// durability. Idempotent: re-recording the same (bound, level) is a
// no-op; recording a lower level for an already-advanced bound never
// regresses it.
func (d *DurableBefore) Advance(bound txnid.TxnId, level command.Durability) {
	for i, e := range d.entries {
		if e.Bound.Equal(bound) {
			if level > e.Level {
				d.entries[i].Level = level
			}
			return
		}
	}
	d.entries = append(d.entries, durableEntry{Bound: bound, Level: level})
}

// Merge folds o's entries into d, keeping the highest level recorded for
// each bound — commutative and idempotent, matching RedundantBefore's
// merge law.
func (d *DurableBefore) Merge(o DurableBefore) {
	for _, e := range o.entries {
		d.Advance(e.Bound, e.Level)
	}
}

// Min returns the durability level every replica is guaranteed to have
// reached for txnId: the highest level recorded among entries whose
// bound is strictly after txnId (an entry only vouches for transactions
// ordered before its bound), or NotDurable if no entry vouches for it.
func (d DurableBefore) Min(txnId txnid.TxnId) command.Durability {
	min := command.NotDurable
	for _, e := range d.entries {
		if txnId.Compare(e.Bound) < 0 && e.Level > min {
			min = e.Level
		}
	}
	return min
}

// GobEncode/GobDecode mirror RedundantBefore's, for the same reason:
// DurableBefore's backing slice is unexported.
func (d DurableBefore) GobEncode() ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(d.entries); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (d *DurableBefore) GobDecode(data []byte) error {
	var entries []durableEntry
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&entries); err != nil {
		return err
	}
	d.entries = entries
	return nil
}

// Input bundles the per-command state Cleanup needs, spec §4.8: "Given
// (txnId, saveStatus, durability, participants, redundantBefore,
// durableBefore) determine one of: ...".
type Input struct {
	TxnId           txnid.TxnId
	SaveStatus      command.Status
	Durability      command.Durability
	Participants    command.StoreParticipants
	RedundantBefore RedundantBefore
	DurableBefore   DurableBefore
}

// Decide evaluates the ordered rule list of spec §4.8 and returns the
// filtered decision: the first matching rule wins, then the result is
// clamped so it never regresses an already-applied outcome.
func Decide(in Input) Decision {
	d := decideRaw(in)
	return filter(d, in.SaveStatus)
}

func decideRaw(in Input) Decision {
	// Rule 1: universally durable and either invalidated or shard-redundant.
	if in.DurableBefore.Min(in.TxnId) >= command.UniversalDurability {
		if in.SaveStatus == command.Invalidated {
			return EXPUNGE
		}
		if rb := in.RedundantBefore.RouteStatus(in.TxnId, in.Participants.Owns); rb == ShardRedundant || rb == GCBefore {
			return EXPUNGE
		}
	}

	// Rule 2: ephemeral reads are driven by their own timeout, never GC'd
	// here.
	if in.TxnId.Kind() == txnid.EphemeralRead {
		return NO
	}

	// Rule 3: no full route known, but every owned key is past the GC
	// line — keep only the outcome.
	if in.Participants.Route == nil {
		if in.RedundantBefore.AllPastGCLine(in.TxnId, in.Participants.Owns) {
			if in.SaveStatus == command.Applied {
				return TRUNCATE_WITH_OUTCOME
			}
			return EXPUNGE_PARTIAL
		}
		// Rule 5 (partial-route case): undecided, below shard-redundant,
		// but owns at least one key.
		if len(in.Participants.Owns) > 0 && in.SaveStatus.Phase() < command.PhaseCommit {
			if rb := in.RedundantBefore.RouteStatus(in.TxnId, in.Participants.Owns); rb == ShardRedundant || rb == GCBefore {
				return INVALIDATE
			}
		}
		return NO
	}

	// Rule 4: route known, consult RedundantBefore.
	switch in.RedundantBefore.RouteStatus(in.TxnId, in.Participants.Owns) {
	case Live, PreBootstrap, LocallyRedundant:
		return NO
	case WasOwnedRetired:
		return VESTIGIAL
	case ShardRedundant:
		if in.SaveStatus.Phase() >= command.PhaseCommit && len(in.Participants.Executes) == 0 && in.Durability >= command.Majority {
			return TRUNCATE
		}
		if in.SaveStatus.Phase() < command.PhaseCommit {
			return INVALIDATE
		}
		return NO
	case GCBefore:
		switch {
		case in.Durability >= command.UniversalDurability:
			return ERASE
		case in.Durability >= command.Majority:
			return TRUNCATE
		default:
			return TRUNCATE_WITH_OUTCOME
		}
	}
	return NO
}

// filter enforces spec §4.8's closing guarantee: "the resulting status
// must be >= current status in the phase order" — concretely, INVALIDATE
// may never apply to a command that has already executed, since that
// would discard a result the system has promised to keep.
func filter(d Decision, saveStatus command.Status) Decision {
	if d == INVALIDATE && saveStatus.Phase() >= command.PhaseExecute {
		return TRUNCATE_WITH_OUTCOME
	}
	return d
}

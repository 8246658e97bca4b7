// Package deps implements the dependency-set representation of spec §3/
// §4.9/§4.7: Deps, the per-key and per-range views over it, and
// LatestDeps, the merge target a recovery coordinator folds replica
// replies into.
//
// Grounded on the teacher's ad hoc dependency computation in
// bdeggleston-kickboxerdb (consensus.Scope.getCurrentDepsUnsafe,
// mergePreAcceptAttributes in manager_preaccept_test.go/scope.go), which
// treats "all in-progress+committed instances in this scope" as the
// dependency set for a new instance; generalized here to a real per-key
// index with conflict-kind filtering instead of "everything in the
// scope".
package deps

import (
	"bytes"
	"encoding/gob"
	"sort"

	"github.com/bdeggleston/accord/keys"
	"github.com/bdeggleston/accord/txnid"
)

// Deps is an immutable-by-convention set of TxnId. Values are copied on
// mutation (With/Without) so callers can safely share a Deps across
// goroutines without synchronization, matching the copy-on-write
// discipline spec §5 requires of shared snapshots.
type Deps struct {
	ids map[txnid.TxnId]struct{}
}

// Empty is the zero-value-equivalent empty Deps.
var Empty = Deps{}

func New(ids ...txnid.TxnId) Deps {
	d := Deps{ids: make(map[txnid.TxnId]struct{}, len(ids))}
	for _, id := range ids {
		d.ids[id] = struct{}{}
	}
	return d
}

func (d Deps) Len() int { return len(d.ids) }

func (d Deps) Contains(id txnid.TxnId) bool {
	_, ok := d.ids[id]
	return ok
}

// With returns a new Deps containing d plus id.
func (d Deps) With(id txnid.TxnId) Deps {
	out := make(map[txnid.TxnId]struct{}, len(d.ids)+1)
	for k := range d.ids {
		out[k] = struct{}{}
	}
	out[id] = struct{}{}
	return Deps{ids: out}
}

// Without returns a new Deps with id removed, a no-op if id was absent
// (spec §8: "without(remove).without(remove) = without(remove)").
func (d Deps) Without(id txnid.TxnId) Deps {
	if !d.Contains(id) {
		return d
	}
	out := make(map[txnid.TxnId]struct{}, len(d.ids))
	for k := range d.ids {
		if k != id {
			out[k] = struct{}{}
		}
	}
	return Deps{ids: out}
}

// Union returns the set-union of d and o.
func (d Deps) Union(o Deps) Deps {
	out := make(map[txnid.TxnId]struct{}, len(d.ids)+len(o.ids))
	for k := range d.ids {
		out[k] = struct{}{}
	}
	for k := range o.ids {
		out[k] = struct{}{}
	}
	return Deps{ids: out}
}

// Equal reports set equality.
func (d Deps) Equal(o Deps) bool {
	if len(d.ids) != len(o.ids) {
		return false
	}
	for k := range d.ids {
		if !o.Contains(k) {
			return false
		}
	}
	return true
}

// Sorted returns the member TxnIds in total order, for deterministic
// iteration (e.g. computing waiting_on, or serializing for the wire).
func (d Deps) Sorted() []txnid.TxnId {
	out := make([]txnid.TxnId, 0, len(d.ids))
	for k := range d.ids {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out
}

// GobEncode/GobDecode let Deps cross the wire despite its backing map
// being unexported: gob otherwise silently drops unexported fields,
// which would mean every dependency set arrives empty at the other end.
func (d Deps) GobEncode() ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(d.Sorted()); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (d *Deps) GobDecode(data []byte) error {
	var ids []txnid.TxnId
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&ids); err != nil {
		return err
	}
	*d = New(ids...)
	return nil
}

// KeyDeps is the per-key view over a Deps map, used when a coordinator
// or CommandsForKey needs only the dependencies touching one key.
type KeyDeps map[keys.Key]Deps

func (kd KeyDeps) Merge(o KeyDeps) KeyDeps {
	out := make(KeyDeps, len(kd)+len(o))
	for k, v := range kd {
		out[k] = v
	}
	for k, v := range o {
		out[k] = out[k].Union(v)
	}
	return out
}

// rangeEntry pairs a range with the Deps that apply across it.
type rangeEntry struct {
	r keys.Range
	d Deps
}

// RangeDeps is an ordered, range-keyed multi-map: each stored range
// carries a Deps value that applies to every key in it.
type RangeDeps struct {
	entries []rangeEntry
}

func NewRangeDeps() *RangeDeps { return &RangeDeps{} }

// Add unions d into every stored entry overlapping r, splitting entries
// at r's boundaries so each Deps value stays valid over an exact,
// disjoint sub-range — the interval-map discipline spec §3 describes for
// LatestDeps sits on top of this primitive.
func (rd *RangeDeps) Add(r keys.Range, d Deps) {
	var next []rangeEntry
	remaining := []keys.Range{r}

	for _, e := range rd.entries {
		overlap, ok := e.r.Intersection(r)
		if !ok {
			next = append(next, e)
			continue
		}
		// split e into (before, overlap, after)
		if e.r.Start < overlap.Start {
			next = append(next, rangeEntry{r: keys.Range{Start: e.r.Start, End: overlap.Start}, d: e.d})
		}
		next = append(next, rangeEntry{r: overlap, d: e.d.Union(d)})
		if overlap.End < e.r.End {
			next = append(next, rangeEntry{r: keys.Range{Start: overlap.End, End: e.r.End}, d: e.d})
		}
		var newRemaining []keys.Range
		for _, rem := range remaining {
			newRemaining = append(newRemaining, subtractRange(rem, overlap)...)
		}
		remaining = newRemaining
	}
	for _, rem := range remaining {
		if rem.Start < rem.End {
			next = append(next, rangeEntry{r: rem, d: d})
		}
	}

	sort.Slice(next, func(i, j int) bool { return next[i].r.Start < next[j].r.Start })
	rd.entries = next
}

func subtractRange(r, cut keys.Range) []keys.Range {
	if !r.Intersects(cut) {
		return []keys.Range{r}
	}
	var out []keys.Range
	if r.Start < cut.Start {
		out = append(out, keys.Range{Start: r.Start, End: cut.Start})
	}
	if cut.End < r.End {
		out = append(out, keys.Range{Start: cut.End, End: r.End})
	}
	return out
}

// DepsFor returns the union of every stored Deps overlapping r.
func (rd *RangeDeps) DepsFor(r keys.Range) Deps {
	out := Empty
	for _, e := range rd.entries {
		if e.r.Intersects(r) {
			out = out.Union(e.d)
		}
	}
	return out
}

// PhaseRank is an opaque, totally ordered stand-in for a command's
// (phase, ballot) precedence used only to pick a winner during LatestDeps
// merge (spec §4.7 step 3: "pick the entry with the highest (phase,
// ballot)"). Kept independent of the command package's Status/Phase
// types to avoid a dependency cycle (command depends on deps, not vice
// versa); the recovery coordinator is responsible for mapping a
// command.Status onto the right PhaseRank when it builds LatestDeps
// entries from replica replies.
type PhaseRank uint8

const (
	PhaseNone PhaseRank = iota
	PhaseDepsUnknown
	PhaseDepsProposed
	PhaseDepsProposedFixed
	PhaseDepsCommitted
	PhaseDepsKnown
)

// LatestDepsEntry is the merge target for one range during recovery: the
// highest-ranked reply seen, plus the deps it carries.
type LatestDepsEntry struct {
	Rank           PhaseRank
	Ballot         txnid.Ballot
	KnownDeps      Deps
	CoordinatedDeps Deps
	LocalDeps      Deps
}

func (e LatestDepsEntry) outranks(o LatestDepsEntry) bool {
	if e.Rank != o.Rank {
		return e.Rank > o.Rank
	}
	return e.Ballot.Compare(o.Ballot) > 0
}

// Merge combines e (representing what's known so far for some range)
// with incoming (a fresh reply for the same range) per spec §4.7 step 3:
//   - pick the entry with the highest (phase, ballot);
//   - for phases <= DepsProposed, union localDeps across replies;
//   - for DepsProposedFixed, take the coordinated deps verbatim;
//   - for DepsCommitted/DepsKnown, the outcome is already decided, so it
//     propagates regardless of what the other entry says.
//
// Merge is commutative and associative (spec §8), and merge(x, zero) = x:
// the highest-rank/ballot winner is a total order tiebreak, and the
// localDeps union taken at <=DepsProposed is itself commutative/
// associative.
func (e LatestDepsEntry) isZero() bool {
	return e.Rank == PhaseNone && e.Ballot == (txnid.Ballot{}) &&
		e.KnownDeps.Len() == 0 && e.CoordinatedDeps.Len() == 0 && e.LocalDeps.Len() == 0
}

func (e LatestDepsEntry) Merge(incoming LatestDepsEntry) LatestDepsEntry {
	if e.isZero() {
		return incoming
	}
	if incoming.isZero() {
		return e
	}

	winner, loser := e, incoming
	if incoming.outranks(e) {
		winner, loser = incoming, e
	}

	switch winner.Rank {
	case PhaseNone, PhaseDepsUnknown, PhaseDepsProposed:
		if loser.Rank <= PhaseDepsProposed {
			winner.LocalDeps = winner.LocalDeps.Union(loser.LocalDeps)
			winner.KnownDeps = winner.KnownDeps.Union(loser.KnownDeps)
		}
		return winner
	case PhaseDepsProposedFixed:
		// coordinated deps are taken verbatim from whichever reply ranks
		// highest; a lower-ranked reply's deps never factor in.
		return winner
	default: // PhaseDepsCommitted, PhaseDepsKnown
		return winner
	}
}

// LatestDeps is the per-range interval map §3 describes: range ->
// (knownDeps, ballot, coordinatedDeps?, localDeps?), the recovery merge
// target.
type LatestDeps struct {
	entries map[keys.Range]LatestDepsEntry
}

func NewLatestDeps() *LatestDeps {
	return &LatestDeps{entries: make(map[keys.Range]LatestDepsEntry)}
}

// Merge folds a reply's entry for range r into the map, applying
// LatestDepsEntry.Merge.
func (ld *LatestDeps) Merge(r keys.Range, entry LatestDepsEntry) {
	ld.entries[r] = ld.entries[r].Merge(entry)
}

// MergeMap folds every entry of another LatestDeps into this one.
// LatestDeps.merge as a whole is therefore commutative/associative
// because per-range LatestDepsEntry.Merge is (spec §8).
func (ld *LatestDeps) MergeMap(o *LatestDeps) {
	for r, e := range o.entries {
		ld.Merge(r, e)
	}
}

func (ld *LatestDeps) Get(r keys.Range) (LatestDepsEntry, bool) {
	e, ok := ld.entries[r]
	return e, ok
}

func (ld *LatestDeps) Ranges() []keys.Range {
	out := make([]keys.Range, 0, len(ld.entries))
	for r := range ld.entries {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Start < out[j].Start })
	return out
}

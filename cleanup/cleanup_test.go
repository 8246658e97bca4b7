package cleanup

import (
	"bytes"
	"encoding/gob"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bdeggleston/accord/command"
	"github.com/bdeggleston/accord/keys"
	"github.com/bdeggleston/accord/txnid"
)

func id(hlc uint64) txnid.TxnId {
	return txnid.New(1, hlc, txnid.Write, txnid.DomainKey, 1)
}

func TestRedundantBeforeStatusOfDefaultsLive(t *testing.T) {
	rb := NewRedundantBefore()
	rg := keys.NewRange("a", "z")
	assert.Equal(t, Live, rb.statusOf(id(10), rg))
}

func TestRedundantBeforeAdvanceOrdersBoundsCorrectly(t *testing.T) {
	rb := NewRedundantBefore()
	rg := keys.NewRange("a", "z")
	rb.Advance(rg, id(0), id(30), id(20), id(10), false)

	assert.Equal(t, GCBefore, rb.statusOf(id(5), rg))
	assert.Equal(t, ShardRedundant, rb.statusOf(id(15), rg))
	assert.Equal(t, LocallyRedundant, rb.statusOf(id(25), rg))
	assert.Equal(t, Live, rb.statusOf(id(35), rg))
}

func TestRedundantBeforeMergeIsIdempotentAndNeverRegresses(t *testing.T) {
	rb := NewRedundantBefore()
	rg := keys.NewRange("a", "z")
	rb.Advance(rg, id(0), id(30), id(20), id(10), false)

	other := NewRedundantBefore()
	other.Advance(rg, id(0), id(5), id(5), id(5), false)
	rb.Merge(other)

	// merging a lower watermark must not move bounds backwards.
	assert.Equal(t, GCBefore, rb.statusOf(id(5), rg))

	rb.Merge(rb)
	assert.Equal(t, GCBefore, rb.statusOf(id(5), rg))
}

func TestDurableBeforeMinReturnsLowestGuaranteedLevel(t *testing.T) {
	db := NewDurableBefore()
	db.Advance(id(100), command.Majority)
	db.Advance(id(50), command.UniversalDurability)

	assert.Equal(t, command.UniversalDurability, db.Min(id(10)))
	assert.Equal(t, command.Majority, db.Min(id(60)))
	assert.Equal(t, command.NotDurable, db.Min(id(200)))
}

func TestDecideExpungesWhenUniversallyDurableAndInvalidated(t *testing.T) {
	rb := NewRedundantBefore()
	db := NewDurableBefore()
	db.Advance(id(1000), command.UniversalDurability)

	in := Input{
		TxnId:           id(10),
		SaveStatus:      command.Invalidated,
		Durability:      command.UniversalDurability,
		Participants:    command.StoreParticipants{},
		RedundantBefore: rb,
		DurableBefore:   db,
	}
	assert.Equal(t, EXPUNGE, Decide(in))
}

func TestDecideNeverGCsEphemeralReads(t *testing.T) {
	in := Input{
		TxnId:      txnid.New(1, 10, txnid.EphemeralRead, txnid.DomainKey, 1),
		SaveStatus: command.PreAccepted,
	}
	assert.Equal(t, NO, Decide(in))
}

func TestDecideTruncatesWithOutcomeOnlyWhenNoFullRouteAndAllPastGC(t *testing.T) {
	rb := NewRedundantBefore()
	rg := keys.NewRange("a", "b")
	rb.Advance(rg, id(0), id(100), id(100), id(100), false)

	in := Input{
		TxnId:        id(10),
		SaveStatus:   command.Applied,
		Participants: command.StoreParticipants{Owns: keys.Ranges{rg}},
	}
	in.RedundantBefore = rb
	assert.Equal(t, TRUNCATE_WITH_OUTCOME, Decide(in))

	in.SaveStatus = command.Stable
	assert.Equal(t, EXPUNGE_PARTIAL, Decide(in))
}

func TestDecideInvalidatesUndecidedShardRedundantWithKnownRoute(t *testing.T) {
	rb := NewRedundantBefore()
	rg := keys.NewRange("a", "b")
	rb.Advance(rg, id(0), id(100), id(50), id(0), false)
	route := keys.NewKeyRoute("a", keys.NewKeys("a"))

	in := Input{
		TxnId:           id(10),
		SaveStatus:      command.PreAccepted,
		Participants:    command.StoreParticipants{Route: &route, Owns: keys.Ranges{rg}},
		RedundantBefore: rb,
	}
	assert.Equal(t, INVALIDATE, Decide(in))
}

func TestDecideFilterDowngradesInvalidateOfAppliedCommand(t *testing.T) {
	rb := NewRedundantBefore()
	rg := keys.NewRange("a", "b")
	rb.Advance(rg, id(0), id(100), id(50), id(0), false)
	route := keys.NewKeyRoute("a", keys.NewKeys("a"))

	in := Input{
		TxnId:           id(10),
		SaveStatus:      command.Applied,
		Participants:    command.StoreParticipants{Route: &route, Owns: keys.Ranges{rg}},
		RedundantBefore: rb,
	}
	// An Applied command is never invalidated, whether decideRaw's own
	// phase guard or the closing filter is what prevents it.
	got := Decide(in)
	assert.NotEqual(t, INVALIDATE, got)
}

func TestDecideVestigialWhenRangeRetired(t *testing.T) {
	rb := NewRedundantBefore()
	rg := keys.NewRange("a", "b")
	rb.Advance(rg, id(0), id(0), id(0), id(0), true)
	route := keys.NewKeyRoute("a", keys.NewKeys("a"))

	in := Input{
		TxnId:           id(10),
		SaveStatus:      command.PreAccepted,
		Participants:    command.StoreParticipants{Route: &route, Owns: keys.Ranges{rg}},
		RedundantBefore: rb,
	}
	assert.Equal(t, VESTIGIAL, Decide(in))
}

func TestRedundantBeforeGobRoundTripsThroughUnexportedEntries(t *testing.T) {
	rb := NewRedundantBefore()
	rg := keys.NewRange("a", "z")
	rb.Advance(rg, id(0), id(0), id(10), id(5), false)

	var buf bytes.Buffer
	require.NoError(t, gob.NewEncoder(&buf).Encode(rb))

	var decoded RedundantBefore
	require.NoError(t, gob.NewDecoder(&buf).Decode(&decoded))

	assert.Equal(t, ShardRedundant, decoded.statusOf(id(7), rg))
	assert.Equal(t, rb.RouteStatus(id(10), keys.Ranges{rg}), decoded.RouteStatus(id(10), keys.Ranges{rg}))
}

func TestDurableBeforeGobRoundTripsThroughUnexportedEntries(t *testing.T) {
	db := NewDurableBefore()
	db.Advance(id(10), command.Majority)

	var buf bytes.Buffer
	require.NoError(t, gob.NewEncoder(&buf).Encode(db))

	var decoded DurableBefore
	require.NoError(t, gob.NewDecoder(&buf).Decode(&decoded))

	assert.Equal(t, command.Majority, decoded.Min(id(5)))
}

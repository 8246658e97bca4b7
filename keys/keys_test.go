package keys

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKeysUnionWithoutRoundTrip(t *testing.T) {
	a := NewKeys("a", "b", "c")
	b := NewKeys("b", "c", "d")

	union := a.Union(b)
	assert.True(t, union.Equal(NewKeys("a", "b", "c", "d")))

	withoutB := union.Without(b)
	assert.True(t, withoutB.Equal(NewKeys("a")))
}

func TestKeysWithoutNotPresentIsNoop(t *testing.T) {
	a := NewKeys("a", "b")
	assert.True(t, a.Without(NewKeys("z")).Equal(a))
}

func TestKeysWithoutIdempotent(t *testing.T) {
	a := NewKeys("a", "b", "c")
	remove := NewKeys("b")
	once := a.Without(remove)
	twice := once.Without(remove)
	assert.True(t, once.Equal(twice))
}

func TestKeysSlice(t *testing.T) {
	a := NewKeys("a", "b", "c", "d", "e")
	assert.True(t, a.Slice("b", "d").Equal(NewKeys("b", "c")))
}

func TestKeysIntersect(t *testing.T) {
	a := NewKeys("a", "b", "c")
	b := NewKeys("b", "c", "d")
	assert.True(t, a.Intersect(b).Equal(NewKeys("b", "c")))
}

func TestRangeIntersection(t *testing.T) {
	r1 := NewRange("a", "m")
	r2 := NewRange("g", "z")
	overlap, ok := r1.Intersection(r2)
	assert.True(t, ok)
	assert.Equal(t, NewRange("g", "m"), overlap)
}

func TestRangesNormalizeCoalescesAdjacent(t *testing.T) {
	rs := NewRanges(NewRange("a", "m"), NewRange("m", "z"))
	assert.Equal(t, 1, rs.Len())
	assert.Equal(t, NewRange("a", "z"), rs[0])
}

func TestRangesWithoutCutsHole(t *testing.T) {
	rs := NewRanges(NewRange("a", "z"))
	cut := NewRanges(NewRange("g", "m"))
	result := rs.Without(cut)
	assert.Equal(t, 2, result.Len())
	assert.Equal(t, NewRange("a", "g"), result[0])
	assert.Equal(t, NewRange("m", "z"), result[1])
}

func TestRouteSupplementMergesKnowledge(t *testing.T) {
	p1 := PartialRoute{Route: NewKeyRoute("a", NewKeys("a", "b"))}
	p2 := PartialRoute{Route: NewKeyRoute("a", NewKeys("b", "c"))}
	merged := p1.Supplement(p2)
	assert.True(t, merged.Keys.Equal(NewKeys("a", "b", "c")))
}

// Package keys implements the Routables of spec §3/§4: ordered sets of
// keys and ranges with set algebra (union, without, slice, intersect),
// plus Route/PartialRoute, the participant-set types every Command
// carries.
//
// The teacher has no multi-key routing concept at all (bdeggleston-
// kickboxerdb scopes a whole Scope to a single key); this package is
// built directly from the spec, in the teacher's style of small,
// copyable value types with explicit Equal methods (cf.
// store.Instruction.Equal in the teacher's store package).
package keys

import (
	"fmt"
	"sort"
)

// Key is a single routable key. Comparison is byte-lexicographic.
type Key string

func (k Key) Less(o Key) bool { return k < o }

// Range is a half-open key range [Start, End).
type Range struct {
	Start, End Key
}

func NewRange(start, end Key) Range { return Range{Start: start, End: end} }

func (r Range) Contains(k Key) bool { return k >= r.Start && k < r.End }

func (r Range) Intersects(o Range) bool {
	return r.Start < o.End && o.Start < r.End
}

// Intersection returns the overlap of r and o, and whether one exists.
func (r Range) Intersection(o Range) (Range, bool) {
	if !r.Intersects(o) {
		return Range{}, false
	}
	start := r.Start
	if o.Start > start {
		start = o.Start
	}
	end := r.End
	if o.End < end {
		end = o.End
	}
	return Range{Start: start, End: end}, true
}

// Adjacent reports whether r and o touch end-to-start, in either order,
// with no gap, so the
// two can be coalesced into one contiguous range (used by topology sync
// tracking, spec §4.2).
func (r Range) Adjacent(o Range) bool { return r.End == o.Start || o.End == r.Start }

func (r Range) Equal(o Range) bool { return r.Start == o.Start && r.End == o.End }

func (r Range) String() string { return fmt.Sprintf("[%s,%s)", r.Start, r.End) }

// Keys is a sorted, deduplicated set of Key.
type Keys []Key

func NewKeys(in ...Key) Keys {
	ks := append(Keys(nil), in...)
	return ks.normalize()
}

func (ks Keys) normalize() Keys {
	sort.Slice(ks, func(i, j int) bool { return ks[i] < ks[j] })
	out := ks[:0]
	var prev Key
	has := false
	for _, k := range ks {
		if has && k == prev {
			continue
		}
		out = append(out, k)
		prev = k
		has = true
	}
	return out
}

func (ks Keys) Len() int { return len(ks) }

func (ks Keys) Contains(k Key) bool {
	i := sort.Search(len(ks), func(i int) bool { return ks[i] >= k })
	return i < len(ks) && ks[i] == k
}

// Union returns the set-union of ks and o.
func (ks Keys) Union(o Keys) Keys {
	out := make(Keys, 0, len(ks)+len(o))
	out = append(out, ks...)
	out = append(out, o...)
	return out.normalize()
}

// Without returns ks minus any keys present in o.
func (ks Keys) Without(o Keys) Keys {
	out := make(Keys, 0, len(ks))
	for _, k := range ks {
		if !o.Contains(k) {
			out = append(out, k)
		}
	}
	return out
}

// Intersect returns the set-intersection of ks and o.
func (ks Keys) Intersect(o Keys) Keys {
	out := make(Keys, 0)
	for _, k := range ks {
		if o.Contains(k) {
			out = append(out, k)
		}
	}
	return out
}

// Slice returns the sub-range of ks within [start, end), preserving order.
func (ks Keys) Slice(start, end Key) Keys {
	lo := sort.Search(len(ks), func(i int) bool { return ks[i] >= start })
	hi := sort.Search(len(ks), func(i int) bool { return ks[i] >= end })
	if lo > hi {
		lo = hi
	}
	out := make(Keys, hi-lo)
	copy(out, ks[lo:hi])
	return out
}

func (ks Keys) Equal(o Keys) bool {
	if len(ks) != len(o) {
		return false
	}
	for i := range ks {
		if ks[i] != o[i] {
			return false
		}
	}
	return true
}

// Ranges is a sorted, non-overlapping set of Range.
type Ranges []Range

func NewRanges(in ...Range) Ranges {
	rs := append(Ranges(nil), in...)
	return rs.normalize()
}

func (rs Ranges) normalize() Ranges {
	sort.Slice(rs, func(i, j int) bool { return rs[i].Start < rs[j].Start })
	out := rs[:0]
	for _, r := range rs {
		if n := len(out); n > 0 && (out[n-1].Intersects(r) || out[n-1].Adjacent(r)) {
			if r.End > out[n-1].End {
				out[n-1].End = r.End
			}
			continue
		}
		out = append(out, r)
	}
	return out
}

func (rs Ranges) Len() int { return len(rs) }

func (rs Ranges) Contains(k Key) bool {
	i := sort.Search(len(rs), func(i int) bool { return rs[i].End > k })
	return i < len(rs) && rs[i].Contains(k)
}

func (rs Ranges) Union(o Ranges) Ranges {
	out := make(Ranges, 0, len(rs)+len(o))
	out = append(out, rs...)
	out = append(out, o...)
	return out.normalize()
}

// Without returns rs minus any sub-ranges covered by o.
func (rs Ranges) Without(o Ranges) Ranges {
	out := make(Ranges, 0, len(rs))
	for _, r := range rs {
		remaining := []Range{r}
		for _, sub := range o {
			var next []Range
			for _, rem := range remaining {
				next = append(next, subtract(rem, sub)...)
			}
			remaining = next
		}
		out = append(out, remaining...)
	}
	return Ranges(out).normalize()
}

func subtract(r, cut Range) []Range {
	if !r.Intersects(cut) {
		return []Range{r}
	}
	var out []Range
	if r.Start < cut.Start {
		out = append(out, Range{Start: r.Start, End: cut.Start})
	}
	if cut.End < r.End {
		out = append(out, Range{Start: cut.End, End: r.End})
	}
	return out
}

// Intersect returns the overlap of rs and o.
func (rs Ranges) Intersect(o Ranges) Ranges {
	out := make(Ranges, 0)
	for _, r := range rs {
		for _, s := range o {
			if overlap, ok := r.Intersection(s); ok {
				out = append(out, overlap)
			}
		}
	}
	return Ranges(out).normalize()
}

// Slice returns the portion of rs within [start, end).
func (rs Ranges) Slice(start, end Key) Ranges {
	return rs.Intersect(Ranges{{Start: start, End: end}})
}

func (rs Ranges) Equal(o Ranges) bool {
	if len(rs) != len(o) {
		return false
	}
	for i := range rs {
		if !rs[i].Equal(o[i]) {
			return false
		}
	}
	return true
}

// Route is the full set of participating keys/ranges for a transaction,
// plus a distinguished home key used to anchor recovery and cleanup
// decisions (spec §3). Exactly one of Keys/Ranges is populated depending
// on the transaction's Domain.
type Route struct {
	HomeKey Key
	Keys    Keys
	Ranges  Ranges
}

func NewKeyRoute(home Key, ks Keys) Route { return Route{HomeKey: home, Keys: ks} }
func NewRangeRoute(home Key, rs Ranges) Route { return Route{HomeKey: home, Ranges: rs} }

func (r Route) IsRange() bool { return len(r.Ranges) > 0 }

// PartialRoute restricts a full Route to one shard's view of it.
type PartialRoute struct {
	Route
	// ShardRanges is the subset of the owning shard's range this replica
	// is responsible for, when the route is range-domain.
	ShardRanges Ranges
}

// Supplement merges participant knowledge from another (presumably more
// complete) partial route into this one, per spec §3 ("supplement merges
// participant knowledge across messages").
func (p PartialRoute) Supplement(o PartialRoute) PartialRoute {
	out := p
	out.Keys = p.Keys.Union(o.Keys)
	out.Ranges = p.Ranges.Union(o.Ranges)
	out.ShardRanges = p.ShardRanges.Union(o.ShardRanges)
	if out.HomeKey == "" {
		out.HomeKey = o.HomeKey
	}
	return out
}

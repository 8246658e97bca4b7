// Package progresslog implements LogGroupTimers (spec §4.10): a
// bucketed delay-queue with exponentially increasing bucket spans away
// from "now", used by ProgressLog to drive recovery timeouts.
//
// Grounded on the teacher's ad hoc per-instance commitTimeout/
// executeTimeout fields and getTimeoutEvent/time.After calls
// (bdeggleston-kickboxerdb/src/consensus/scope.go, scope_accept.go,
// scope_commit.go), generalized into a real bucketed timer wheel since
// the spec requires a specific structure the teacher never builds.
// Library choice follows the teacher's own idiom of reaching for stdlib
// data-structure primitives (container/heap) rather than importing a
// third-party delay-queue — no example repo in the pack carries one.
package progresslog

import (
	"container/heap"
	"time"
)

// Timer is one scheduled deadline, keyed by an opaque id supplied by the
// caller (typically a txnid.TxnId, kept generic here so this package has
// no dependency on txnid).
type Timer struct {
	Id       interface{}
	Deadline time.Time
}

// bucketShift sets the minimum bucket span: 2^bucketShift milliseconds,
// spec §4.10 "minimum span 2^bucketShift".
const bucketShift = 7 // 128ms

const minSpan = (1 << bucketShift) * time.Millisecond

// bucketSplitSize is the item count above which a bucket splits once it
// becomes current, spec §4.10.
const bucketSplitSize = 64

// item is one heap/slice entry: a Timer plus its heap index, so Wheel
// can remove/update in O(log n) via container/heap's index-aware API.
type item struct {
	timer Timer
	index int
}

// itemHeap is a min-heap over item.timer.Deadline, the head bucket's
// ordering structure once heapified (spec §4.10: "the head bucket is
// heapified on first access within its epoch").
type itemHeap []*item

func (h itemHeap) Len() int            { return len(h) }
func (h itemHeap) Less(i, j int) bool  { return h[i].timer.Deadline.Before(h[j].timer.Deadline) }
func (h itemHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *itemHeap) Push(x interface{}) {
	it := x.(*item)
	it.index = len(*h)
	*h = append(*h, it)
}
func (h *itemHeap) Pop() interface{} {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	*h = old[:n-1]
	return it
}

// bucket is one span of the wheel. The head bucket (index 0) is
// heapified lazily on first access; later buckets stay an unordered
// slice until they become current, spec §4.10.
type bucket struct {
	start, end time.Time
	span       time.Duration
	items      []*item // unordered, used before this bucket becomes head
	h          itemHeap // populated once heapified
	heapified  bool
}

func newBucket(start time.Time, span time.Duration) *bucket {
	return &bucket{start: start, end: start.Add(span), span: span}
}

func (b *bucket) heapify() {
	if b.heapified {
		return
	}
	b.h = make(itemHeap, 0, len(b.items))
	for _, it := range b.items {
		it.index = len(b.h)
		b.h = append(b.h, it)
	}
	heap.Init(&b.h)
	b.items = nil
	b.heapified = true
}

func (b *bucket) add(it *item) {
	if b.heapified {
		heap.Push(&b.h, it)
		return
	}
	it.index = len(b.items)
	b.items = append(b.items, it)
}

func (b *bucket) remove(it *item) {
	if b.heapified {
		if it.index >= 0 && it.index < len(b.h) && b.h[it.index] == it {
			heap.Remove(&b.h, it.index)
		}
		return
	}
	for i, x := range b.items {
		if x == it {
			b.items = append(b.items[:i], b.items[i+1:]...)
			return
		}
	}
}

func (b *bucket) len() int {
	if b.heapified {
		return len(b.h)
	}
	return len(b.items)
}

// allItems returns every item in the bucket regardless of heap state,
// used when splitting or draining.
func (b *bucket) allItems() []*item {
	if b.heapified {
		return append([]*item(nil), b.h...)
	}
	return append([]*item(nil), b.items...)
}

// minDeadline returns the earliest deadline in the bucket, if any.
func (b *bucket) minDeadline() (time.Time, bool) {
	if b.len() == 0 {
		return time.Time{}, false
	}
	if b.heapified {
		return b.h[0].timer.Deadline, true
	}
	min := b.items[0].timer.Deadline
	for _, it := range b.items[1:] {
		if it.timer.Deadline.Before(min) {
			min = it.timer.Deadline
		}
	}
	return min, true
}

// Wheel is the bucketed delay-queue of spec §4.10.
type Wheel struct {
	base    time.Time
	buckets []*bucket
	index   map[interface{}]*item
}

// NewWheel creates a Wheel anchored at now, with the first bucket
// spanning minSpan and each subsequent bucket doubling in span.
func NewWheel(now time.Time) *Wheel {
	w := &Wheel{base: now, index: make(map[interface{}]*item)}
	w.buckets = []*bucket{newBucket(now, minSpan)}
	return w
}

// bucketFor returns the bucket index covering deadline, extending the
// wheel with exponentially larger buckets as needed.
func (w *Wheel) bucketFor(deadline time.Time) int {
	for {
		last := w.buckets[len(w.buckets)-1]
		if deadline.Before(last.end) {
			break
		}
		w.buckets = append(w.buckets, newBucket(last.end, last.span*2))
	}
	for i, b := range w.buckets {
		if deadline.Before(b.end) {
			return i
		}
	}
	return len(w.buckets) - 1
}

// Add schedules timer, spec §4.10 "add(deadline, timer) — constant time
// in the far future; O(log n) in the head bucket after heapify".
func (w *Wheel) Add(id interface{}, deadline time.Time) {
	if deadline.Before(w.buckets[0].start) {
		deadline = w.buckets[0].start
	}
	idx := w.bucketFor(deadline)
	it := &item{timer: Timer{Id: id, Deadline: deadline}}
	w.buckets[idx].add(it)
	w.index[id] = it
}

// Update changes id's deadline by removing id and adding it again,
// whether or not the new deadline falls in the same bucket.
func (w *Wheel) Update(id interface{}, deadline time.Time) {
	w.Remove(id)
	w.Add(id, deadline)
}

// Remove drops id if present.
func (w *Wheel) Remove(id interface{}) {
	it, ok := w.index[id]
	if !ok {
		return
	}
	idx := w.bucketFor(it.timer.Deadline)
	if idx < len(w.buckets) {
		w.buckets[idx].remove(it)
	}
	delete(w.index, id)
}

// Advance drains every timer whose deadline <= now into sink, in
// arbitrary order across buckets but in deadline order within the head
// bucket once heapified, spec §4.10. Reentrant: sink may call Add during
// the call.
func (w *Wheel) Advance(now time.Time, sink func(Timer)) {
	for {
		head := w.buckets[0]
		head.heapify()
		for head.len() > 0 {
			top := head.h[0]
			if top.timer.Deadline.After(now) {
				break
			}
			heap.Pop(&head.h)
			delete(w.index, top.timer.Id)
			sink(top.timer)
		}
		if now.Before(head.end) || len(w.buckets) == 1 {
			return
		}
		w.rotate(now)
	}
}

// rotate drops the drained head bucket and promotes the next one,
// splitting it if it exceeds bucketSplitSize, spec §4.10: "later buckets
// are unordered until they become current, at which point they split if
// they exceed bucketSplitSize and their ideal span has halved."
func (w *Wheel) rotate(now time.Time) {
	next := w.buckets[1]
	rest := w.buckets[2:]
	w.buckets = append([]*bucket{next}, rest...)

	if next.len() <= bucketSplitSize || next.span <= minSpan {
		return
	}

	halfSpan := next.span / 2
	a := newBucket(next.start, halfSpan)
	b := newBucket(next.start.Add(halfSpan), next.span-halfSpan)
	for _, it := range next.allItems() {
		if it.timer.Deadline.Before(b.start) {
			a.add(it)
		} else {
			b.add(it)
		}
	}
	w.buckets = append([]*bucket{a, b}, w.buckets[1:]...)
}

// Poll returns the single earliest pending timer, if any.
func (w *Wheel) Poll() (Timer, bool) {
	for _, b := range w.buckets {
		if d, ok := b.minDeadline(); ok {
			_ = d
			b.heapify()
			if b.len() > 0 {
				return b.h[0].timer, true
			}
		}
	}
	return Timer{}, false
}

// WakeAt returns the time Advance should next be called: the minimum
// pending deadline in any bucket, or the head bucket's end if no timer
// is pending, spec §8 invariant 6(b).
func (w *Wheel) WakeAt() time.Time {
	if t, ok := w.Poll(); ok {
		return t.Deadline
	}
	return w.buckets[0].end
}

// Len returns the total number of pending timers.
func (w *Wheel) Len() int { return len(w.index) }

package progresslog

import (
	"context"
	"time"

	"github.com/bdeggleston/accord/errs"
	"github.com/bdeggleston/accord/keys"
	"github.com/bdeggleston/accord/recovery"
	"github.com/bdeggleston/accord/topology"
	"github.com/bdeggleston/accord/txnid"
)

// Recoverer is the subset of recovery.Coordinator the progress log needs,
// narrowed so this package doesn't depend on recovery's Transport.
type Recoverer interface {
	Recover(ctx context.Context, txnId txnid.TxnId, route keys.Route, topologies topology.Topologies, promisedCounter uint32) (recovery.Outcome, error)
	NextDelay() time.Duration
}

// OutcomeFunc is invoked once a recovery attempt reaches a terminal
// decision (Applied, Invalidated, or a non-fast-path Commit/slow path
// that the caller must now disseminate).
type OutcomeFunc func(txnId txnid.TxnId, outcome recovery.Outcome)

// tracked is the bookkeeping a ProgressLog keeps per in-flight
// transaction, enough to re-invoke Recover on every timeout.
type tracked struct {
	route           keys.Route
	topologies      topology.Topologies
	promisedCounter uint32
}

// ProgressLog is the watchdog of spec §4.10: it arms a timer per
// coordinated transaction and, should that transaction fail to reach a
// terminal decision before retryAwaitTimeout elapses, invokes a
// recovery.Coordinator to seize a fresh ballot and drive it forward.
//
// Grounded on the teacher's per-instance commitTimeout/executeTimeout
// fields in bdeggleston-kickboxerdb's scope.go/scope_accept.go, which
// arm a plain time.After per instance and call into
// managerPrepareInstance on fire; here the bucketed Wheel replaces
// time.After and retryAwaitTimeout is explicit rather than a package
// constant.
type ProgressLog struct {
	wheel             *Wheel
	recoverer         Recoverer
	records           map[txnid.TxnId]*tracked
	retryAwaitTimeout time.Duration
	onOutcome         OutcomeFunc
}

func New(now time.Time, recoverer Recoverer, retryAwaitTimeout time.Duration, onOutcome OutcomeFunc) *ProgressLog {
	return &ProgressLog{
		wheel:             NewWheel(now),
		recoverer:         recoverer,
		records:           make(map[txnid.TxnId]*tracked),
		retryAwaitTimeout: retryAwaitTimeout,
		onOutcome:         onOutcome,
	}
}

// Track arms (or re-arms) the watchdog for txnId, spec §4.10 "add a
// timer when a coordinator begins driving a transaction".
func (p *ProgressLog) Track(now time.Time, txnId txnid.TxnId, route keys.Route, topologies topology.Topologies) {
	p.records[txnId] = &tracked{route: route, topologies: topologies}
	p.wheel.Add(txnId, now.Add(p.retryAwaitTimeout))
}

// Cancel disarms the watchdog, spec §4.10 "remove on reaching a
// terminal status (Applied/Invalidated/Truncated)".
func (p *ProgressLog) Cancel(txnId txnid.TxnId) {
	p.wheel.Remove(txnId)
	delete(p.records, txnId)
}

// WakeAt reports when Tick should next be called.
func (p *ProgressLog) WakeAt() time.Time {
	return p.wheel.WakeAt()
}

// Len reports how many transactions are currently being watched.
func (p *ProgressLog) Len() int {
	return p.wheel.Len()
}

// Tick drains every timer that has fired by now, invoking recovery for
// each. Reentrant per spec §4.10: re-arming after a recovery attempt
// (fire calls wheel.Add from inside the sink) is safe because
// Wheel.Advance tolerates Add calls made from its own sink.
func (p *ProgressLog) Tick(ctx context.Context, now time.Time) {
	p.wheel.Advance(now, func(t Timer) {
		txnId := t.Id.(txnid.TxnId)
		rec, ok := p.records[txnId]
		if !ok {
			return
		}
		p.fire(ctx, now, txnId, rec)
	})
}

// fire runs one recovery attempt and decides whether the transaction is
// now settled (remove) or must be retried again later (re-arm with
// backoff): an Applied or Invalidated outcome removes it, a transient
// error or any other outcome re-arms it, and a non-transient error
// removes it without re-arming.
func (p *ProgressLog) fire(ctx context.Context, now time.Time, txnId txnid.TxnId, rec *tracked) {
	outcome, err := p.recoverer.Recover(ctx, txnId, rec.route, rec.topologies, rec.promisedCounter)
	if err != nil {
		if errs.Transient(err) {
			rec.promisedCounter++
			p.wheel.Add(txnId, now.Add(p.recoverer.NextDelay()))
			return
		}
		delete(p.records, txnId)
		return
	}

	if p.onOutcome != nil {
		p.onOutcome(txnId, outcome)
	}

	if outcome.Applied || outcome.Invalidated {
		delete(p.records, txnId)
		return
	}

	p.wheel.Add(txnId, now.Add(p.recoverer.NextDelay()))
}

// Package store defines the data store collaborator of spec §1/§2: the
// opaque "read/write of user values at a timestamp" boundary a
// CommandStore calls through to execute an applied transaction or
// service a read. It is explicitly out of scope to implement for
// real — this package only fixes the interface shape plus an
// in-memory reference implementation good enough to drive unit tests
// elsewhere in the module.
//
// Grounded on the teacher's store.Store interface
// (bdeggleston-kickboxerdb/src/store/store.go: ExecuteRead/
// ExecuteWrite/ExecuteQuery over a string-keyed, string-cmd Value
// store), generalized from the teacher's single-key Redis-flavored
// command set to the opaque multi-key transaction bytes the protocol
// core actually carries (message.PreAcceptRequest.PartialTxn,
// command.Command.Result): this package never parses a transaction,
// it only hands the bytes to Execute/Read and gets bytes back.
package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/bdeggleston/accord/keys"
	"github.com/bdeggleston/accord/txnid"
)

// Store is the data plane a CommandStore applies committed transactions
// against and services reads from. txn is the opaque transaction body
// a coordinator attached at PreAccept (spec §4.6); k is the set of keys
// the caller has already determined the transaction touches, so Store
// never needs to parse txn to know what it reads or writes.
type Store interface {
	// Execute applies txn's writes as of timestamp at and returns
	// whatever result bytes the transaction produces, spec §4.6 step 5
	// ("apply(result)").
	Execute(ctx context.Context, k keys.Ranges, at txnid.Timestamp, txn []byte) ([]byte, error)

	// Read services a read-only transaction without mutating state,
	// used for EphemeralRead transactions (spec §4.9) that never reach
	// Stable/Apply.
	Read(ctx context.Context, k keys.Ranges, at txnid.Timestamp, txn []byte) ([]byte, error)
}

// record is one applied write, kept so MemStore can answer a Read with
// the most recent write at or before the requested timestamp.
type record struct {
	at   txnid.Timestamp
	body []byte
}

// MemStore is an in-memory Store adequate for unit tests: every key
// gets its own slice of records, kept sorted by at. Execute inserts each
// write at its sorted position (replacing a record with an equal at)
// rather than assume writes arrive execute-ordered.
type MemStore struct {
	mu      sync.Mutex
	records map[keys.Key][]record
}

func NewMemStore() *MemStore {
	return &MemStore{records: make(map[keys.Key][]record)}
}

// Execute appends txn's body as the new value for every key in k at
// timestamp at, and returns txn verbatim as the result — a reasonable
// stand-in for "the transaction's own output" when the transaction
// body itself is opaque to this package.
func (s *MemStore) Execute(_ context.Context, k keys.Ranges, at txnid.Timestamp, txn []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, key := range touchedKeys(k) {
		recs := s.records[key]
		i := 0
		for i < len(recs) && recs[i].at.Less(at) {
			i++
		}
		if i < len(recs) && recs[i].at.Equal(at) {
			recs[i] = record{at: at, body: txn}
		} else {
			recs = append(recs, record{})
			copy(recs[i+1:], recs[i:])
			recs[i] = record{at: at, body: txn}
		}
		s.records[key] = recs
	}
	return txn, nil
}

// Read returns the most recent record at or before at for the first
// key in k that has one, or an error if none of k has ever been
// written — MemStore has no notion of a default/zero value.
func (s *MemStore) Read(_ context.Context, k keys.Ranges, at txnid.Timestamp, _ []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, key := range touchedKeys(k) {
		recs := s.records[key]
		var latest *record
		for i := range recs {
			if recs[i].at.Less(at) || recs[i].at.Equal(at) {
				latest = &recs[i]
			}
		}
		if latest != nil {
			return latest.body, nil
		}
	}
	return nil, fmt.Errorf("store: no value written for any of %v at or before %s", k, at)
}

// touchedKeys maps a Ranges to the keys MemStore indexes by: the Start
// and End key of each range, since the in-memory reference store has no
// sparse range representation of its own. Keys strictly inside a range
// are not included.
func touchedKeys(rs keys.Ranges) []keys.Key {
	var out []keys.Key
	for _, r := range rs {
		out = append(out, r.Start, r.End)
	}
	return out
}

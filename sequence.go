package accounting

import (
	"encoding/binary"

	"go.etcd.io/bbolt"
)

// allocateSequenceTx hands out strictly monotonic entry numbers per scope
// (legal entity). Every allocation happens inside the same bbolt write
// transaction as the posting it numbers (storage.go's PostJournalEntry),
// so bbolt's single-writer guarantee stands in for a locked counter row:
// there is never more than one goroutine incrementing a given scope's
// counter at a time, by construction of the storage engine rather than by
// an explicit row lock. The cost is throughput: every posting serializes on
// bbolt's single writer, so adding posting goroutines does not add posting
// throughput. A DB-sequence-plus-gap-sweep design was considered
// (see DESIGN.md) and rejected because it requires a periodic reconciler
// this storage engine has no natural place to run.
func sequenceKey(scope string) []byte { return []byte("seq:" + scope) }

// allocateSequenceTx returns the next number for scope within tx, creating
// the counter at 1 if this is the scope's first allocation.
func allocateSequenceTx(tx *bbolt.Tx, scope string) (int64, error) {
	b := tx.Bucket(bucketSequences)
	key := sequenceKey(scope)
	var next int64 = 1
	if raw := b.Get(key); raw != nil {
		next = int64(binary.BigEndian.Uint64(raw)) + 1
	}
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(next))
	if err := b.Put(key, buf); err != nil {
		return 0, err
	}
	return next, nil
}

// PeekSequence returns the last number allocated for scope without
// allocating a new one, used by tests and diagnostics.
func (s *Storage) PeekSequence(scope string) (int64, error) {
	var last int64
	err := s.db.View(func(tx *bbolt.Tx) error {
		if raw := tx.Bucket(bucketSequences).Get(sequenceKey(scope)); raw != nil {
			last = int64(binary.BigEndian.Uint64(raw))
		}
		return nil
	})
	return last, err
}

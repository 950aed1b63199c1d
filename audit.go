package accounting

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"go.etcd.io/bbolt"
)

// AuditEvent is one append-only entry in the kernel's hash chain: every
// accepted posting and every posting rejected by the interpretation
// coordinator writes one of these (payment applications, matches and
// period changes do not), each binding its own content plus the prior event's hash into
// HashSelf, so any edit to a past entry breaks every hash after it.
// Grounded on the sha256 hash-chain shape in
// _examples/other_examples/18ae503a_default-user-OI__kernel-go-internal-audit-ledger.go.go,
// adapted from a generic Receipt into a posting-kernel-specific record.
type AuditEvent struct {
	ID         string          `json:"id"`
	Seq        int64           `json:"seq"`
	Kind       string          `json:"kind"` // "posting" or "posting_rejected"
	EntryID    string          `json:"entry_id,omitempty"`
	Rationale  string          `json:"rationale"`
	Decisions  []DecisionEntry `json:"decisions,omitempty"`
	RecordedAt time.Time       `json:"recorded_at"`
	HashPrev   string          `json:"hash_prev"`
	HashSelf   string          `json:"hash_self"`
}

const auditGenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// canonicalize produces a deterministic byte representation of an
// AuditEvent's content (excluding HashSelf, which is derived from it).
func (e AuditEvent) canonicalize() []byte {
	type canon struct {
		ID         string          `json:"id"`
		Seq        int64           `json:"seq"`
		Kind       string          `json:"kind"`
		EntryID    string          `json:"entry_id"`
		Rationale  string          `json:"rationale"`
		Decisions  []DecisionEntry `json:"decisions"`
		RecordedAt time.Time       `json:"recorded_at"`
		HashPrev   string          `json:"hash_prev"`
	}
	b, _ := json.Marshal(canon{
		ID: e.ID, Seq: e.Seq, Kind: e.Kind, EntryID: e.EntryID,
		Rationale: e.Rationale, Decisions: e.Decisions, RecordedAt: e.RecordedAt, HashPrev: e.HashPrev,
	})
	return b
}

func hashHex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// NewAuditEvent constructs an AuditEvent ready to append; HashSelf is left
// unset because it depends on HashPrev, which appendAuditEventTx resolves
// against the current chain head inside the same transaction as the
// posting it documents.
func NewAuditEvent(kind, entryID, rationale string) *AuditEvent {
	return NewAuditEventWithDecisions(kind, entryID, rationale, nil)
}

// NewAuditEventWithDecisions is NewAuditEvent plus the DecisionLog bundle
// accumulated over the posting attempt this event documents, folding the
// interpretation coordinator's per-stage decisions into the audit record
// the chain makes tamper-evident.
func NewAuditEventWithDecisions(kind, entryID, rationale string, decisions []DecisionEntry) *AuditEvent {
	return &AuditEvent{
		ID:         uuid.New().String(),
		Kind:       kind,
		EntryID:    entryID,
		Rationale:  rationale,
		Decisions:  decisions,
		RecordedAt: time.Now().UTC(),
	}
}

// appendAuditEventTx appends event to the chain within tx, filling in Seq,
// HashPrev and HashSelf from the current chain head.
func appendAuditEventTx(tx *bbolt.Tx, event *AuditEvent) error {
	head := tx.Bucket(bucketAuditChainHead)
	events := tx.Bucket(bucketAuditEvents)

	prevHash := auditGenesisHash
	var prevSeq int64
	if headData := head.Get([]byte("head")); headData != nil {
		var prev AuditEvent
		if err := json.Unmarshal(headData, &prev); err != nil {
			return err
		}
		prevHash = prev.HashSelf
		prevSeq = prev.Seq
	}

	event.Seq = prevSeq + 1
	event.HashPrev = prevHash
	event.HashSelf = hashHex(event.canonicalize())

	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	key := sequenceIndexKey(event.Seq)
	if err := events.Put(key, data); err != nil {
		return err
	}
	return head.Put([]byte("head"), data)
}

func sequenceIndexKey(seq int64) []byte {
	b := make([]byte, 8)
	for i := 7; i >= 0; i-- {
		b[i] = byte(seq & 0xff)
		seq >>= 8
	}
	return b
}

// AuditChain is the read-side handle tests and auditors use to walk and
// verify the hash chain — the Verify counterpart to appendAuditEventTx's
// append, grounded on the same other_examples ledger file's Verify().
type AuditChain struct {
	storage *Storage
}

func NewAuditChain(storage *Storage) *AuditChain {
	return &AuditChain{storage: storage}
}

// All returns every AuditEvent in sequence order.
func (a *AuditChain) All() ([]AuditEvent, error) {
	var out []AuditEvent
	err := a.storage.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketAuditEvents).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var e AuditEvent
			if err := json.Unmarshal(v, &e); err != nil {
				return err
			}
			out = append(out, e)
		}
		return nil
	})
	return out, err
}

// Verify walks the whole chain recomputing each HashSelf from its content
// and HashPrev, failing on the first link that does not match — a
// successful Verify is the kernel's proof that no posted entry's audit
// trail has been altered after the fact.
func (a *AuditChain) Verify() error {
	events, err := a.All()
	if err != nil {
		return err
	}
	prevHash := auditGenesisHash
	for _, e := range events {
		if e.HashPrev != prevHash {
			return newErr(CodeImmutableViolation, "audit chain broken at seq %d: expected prev hash %s, got %s", e.Seq, prevHash, e.HashPrev)
		}
		want := hashHex(e.canonicalize())
		if want != e.HashSelf {
			return newErr(CodeImmutableViolation, "audit chain tampered at seq %d: hash mismatch", e.Seq)
		}
		prevHash = e.HashSelf
	}
	return nil
}

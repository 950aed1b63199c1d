package accounting

// Storage layer serialization strategy: every aggregate is JSON-encoded
// before being written into its bbolt bucket (see DESIGN.md for why JSON
// over a generated wire format; event_store.go already JSON-encodes event
// payloads, so this keeps one encoding across the whole storage layer).

import (
	"encoding/json"
	"fmt"
	"time"

	"go.etcd.io/bbolt"
)

// Storage buckets. One bucket per aggregate, trimmed to what the posting
// kernel and reconciliation actually persist.
var (
	bucketEvents         = []byte("events")
	bucketJournalEntries = []byte("journal_entries")
	bucketEntryNumberIdx = []byte("journal_entry_numbers") // legalEntity:entryNumber -> entryID
	bucketJournalLines   = []byte("journal_lines")         // entryID -> []JournalLine
	bucketSubledger      = []byte("subledger_entries")
	bucketAuditEvents    = []byte("audit_events")
	bucketAuditChainHead = []byte("audit_chain_head") // single key "head" -> last AuditEvent (JSON)
	bucketLinks          = []byte("economic_links")
	bucketPeriods        = []byte("fiscal_periods")
	bucketSequences      = []byte("sequence_counters")
	bucketIdempotency    = []byte("idempotency_index") // legalEntity:key -> entryID
)

// JournalEntry is one immutable posting in the general ledger, the
// aggregate the interpretation coordinator produces and the ledger store
// persists. Once written it is never updated or deleted — a correction is
// a new, linked reversing entry.
type JournalEntry struct {
	ID            string    `json:"id"`
	LegalEntity   string    `json:"legal_entity"`
	EntryNumber   int64     `json:"entry_number"` // allocated by the sequence allocator, monotonic per legal entity
	ProfileName   string    `json:"profile_name"`
	SourceEventID string    `json:"source_event_id"`
	EffectiveDate time.Time `json:"effective_date"`
	PostedAt      time.Time `json:"posted_at"`
	Actor         string    `json:"actor"`
	IsAdjustment  bool      `json:"is_adjustment"`
}

// JournalLine is one debit/credit row of a JournalEntry.
type JournalLine struct {
	EntryID     string            `json:"entry_id"`
	LineNumber  int               `json:"line_number"`
	AccountCode string            `json:"account_code"`
	Ledger      LedgerType        `json:"ledger"`
	Side        Side              `json:"side"`
	Amount      Money             `json:"amount"`
	Dimensions  map[string]string `json:"dimensions,omitempty"`
	IsRounding  bool              `json:"is_rounding,omitempty"`
}

// SubledgerEntry is the per-ledger projection of a JournalLine into its
// subledger (AR/AP/INV), carrying whatever artifact reference the
// reconciliation layer keys links against.
type SubledgerEntry struct {
	ID          string `json:"id"`
	EntryID     string `json:"entry_id"`
	Ledger      LedgerType `json:"ledger"`
	ArtifactRef string `json:"artifact_ref"` // invoice/PO/receipt/payment ID this line represents
	Amount      Money  `json:"amount"`
}

// Storage provides persistent storage for the posting kernel.
type Storage struct {
	db *bbolt.DB
}

func NewStorage(dbPath string) (*Storage, error) {
	db, err := bbolt.Open(dbPath, 0600, &bbolt.Options{Timeout: 10 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	storage := &Storage{db: db}
	if err := storage.initBuckets(); err != nil {
		return nil, fmt.Errorf("failed to initialize buckets: %w", err)
	}
	return storage, nil
}

func (s *Storage) Close() error { return s.db.Close() }

func (s *Storage) initBuckets() error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		buckets := [][]byte{
			bucketEvents, bucketJournalEntries, bucketEntryNumberIdx, bucketJournalLines,
			bucketSubledger, bucketAuditEvents, bucketAuditChainHead, bucketLinks,
			bucketPeriods, bucketSequences, bucketIdempotency,
		}
		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
}

// AppendEvent appends a BusinessEvent to the intake log, keyed by
// recorded-timestamp+ID so a cursor scan yields recorded order.
func (s *Storage) AppendEvent(event *BusinessEvent) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketEvents)
		data, err := json.Marshal(event)
		if err != nil {
			return fmt.Errorf("failed to marshal event: %w", err)
		}
		key := fmt.Sprintf("%020d_%s", event.RecordedAt.UnixNano(), event.ID)
		return b.Put([]byte(key), data)
	})
}

// GetEvents retrieves events recorded within [from, to).
func (s *Storage) GetEvents(from, to time.Time) ([]*BusinessEvent, error) {
	var events []*BusinessEvent
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketEvents)
		c := b.Cursor()
		lo := []byte(fmt.Sprintf("%020d_", from.UnixNano()))
		for k, v := c.Seek(lo); k != nil; k, v = c.Next() {
			var event BusinessEvent
			if err := json.Unmarshal(v, &event); err != nil {
				return fmt.Errorf("failed to unmarshal event: %w", err)
			}
			if !event.RecordedAt.Before(to) {
				break
			}
			events = append(events, &event)
		}
		return nil
	})
	return events, err
}

// idempotencyIndexKey builds the composite key used by both the idempotency
// index and a journal entry's optional replay lookup.
func idempotencyIndexKey(legalEntity, key string) []byte {
	return []byte(legalEntity + ":" + key)
}

func entryNumberIndexKey(legalEntity string, entryNumber int64) []byte {
	return []byte(fmt.Sprintf("%s:%020d", legalEntity, entryNumber))
}

// AppendAuditEvent appends a standalone audit event (e.g. documenting a
// rejected posting) in its own transaction, independent of
// PostJournalEntry.
func (s *Storage) AppendAuditEvent(event *AuditEvent) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return appendAuditEventTx(tx, event)
	})
}

// PostJournalEntry writes a fully materialized posting — the entry, its
// lines, its subledger projections, and the audit event documenting it —
// in a single bbolt transaction. bbolt serializes all writers, so this
// transaction is the kernel's only concurrency boundary: either the whole
// posting lands or none of it does, which is what keeps the idempotency
// check-then-write and the sequence allocation race-free.
func (s *Storage) PostJournalEntry(entry *JournalEntry, lines []JournalLine, subledger []SubledgerEntry, auditEvent *AuditEvent, idempotencyKey string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		idemBucket := tx.Bucket(bucketIdempotency)
		idemKey := idempotencyIndexKey(entry.LegalEntity, idempotencyKey)
		if existing := idemBucket.Get(idemKey); existing != nil {
			return newErr(CodeDuplicateIdempotency, "idempotency key %q already posted as entry %s", idempotencyKey, string(existing))
		}

		entryNumber, err := allocateSequenceTx(tx, entry.LegalEntity)
		if err != nil {
			return err
		}
		entry.EntryNumber = entryNumber
		numBucket := tx.Bucket(bucketEntryNumberIdx)
		numKey := entryNumberIndexKey(entry.LegalEntity, entry.EntryNumber)

		entriesBucket := tx.Bucket(bucketJournalEntries)
		if entriesBucket.Get([]byte(entry.ID)) != nil {
			return newErr(CodeImmutableViolation, "journal entry %s already exists and cannot be overwritten", entry.ID)
		}
		entryData, err := json.Marshal(entry)
		if err != nil {
			return err
		}
		if err := entriesBucket.Put([]byte(entry.ID), entryData); err != nil {
			return err
		}

		linesData, err := json.Marshal(lines)
		if err != nil {
			return err
		}
		if err := tx.Bucket(bucketJournalLines).Put([]byte(entry.ID), linesData); err != nil {
			return err
		}

		subBucket := tx.Bucket(bucketSubledger)
		for _, se := range subledger {
			data, err := json.Marshal(se)
			if err != nil {
				return err
			}
			if err := subBucket.Put([]byte(se.ID), data); err != nil {
				return err
			}
		}

		if err := numBucket.Put(numKey, []byte(entry.ID)); err != nil {
			return err
		}
		if err := idemBucket.Put(idemKey, []byte(entry.ID)); err != nil {
			return err
		}

		return appendAuditEventTx(tx, auditEvent)
	})
}

// GetJournalEntry returns one posted entry and its lines.
func (s *Storage) GetJournalEntry(id string) (*JournalEntry, []JournalLine, error) {
	var entry JournalEntry
	var lines []JournalLine
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketJournalEntries).Get([]byte(id))
		if data == nil {
			return newErr(CodeTransient, "journal entry %s not found", id)
		}
		if err := json.Unmarshal(data, &entry); err != nil {
			return err
		}
		linesData := tx.Bucket(bucketJournalLines).Get([]byte(id))
		if linesData != nil {
			if err := json.Unmarshal(linesData, &lines); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return &entry, lines, nil
}

// GetEntryByIdempotencyKey returns the entry previously posted under key,
// letting a caller retrying a PostEvent call after a crash discover the
// prior result instead of treating DuplicateIdempotency as a hard failure.
func (s *Storage) GetEntryByIdempotencyKey(legalEntity, key string) (*JournalEntry, error) {
	var entryID string
	err := s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(bucketIdempotency).Get(idempotencyIndexKey(legalEntity, key))
		if v == nil {
			return newErr(CodeTransient, "no entry recorded for idempotency key %q", key)
		}
		entryID = string(v)
		return nil
	})
	if err != nil {
		return nil, err
	}
	entry, _, err := s.GetJournalEntry(entryID)
	return entry, err
}

// ListSubledgerByArtifact returns every SubledgerEntry referencing the
// given artifact (invoice, PO, payment, ...), the primary read path the
// reconciliation link graph uses to find what a payment can apply against.
func (s *Storage) ListSubledgerByArtifact(artifactRef string) ([]SubledgerEntry, error) {
	var out []SubledgerEntry
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketSubledger).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var se SubledgerEntry
			if err := json.Unmarshal(v, &se); err != nil {
				return err
			}
			if se.ArtifactRef == artifactRef {
				out = append(out, se)
			}
		}
		return nil
	})
	return out, err
}

// SaveLink appends a new EconomicLink. Links are append-only, same as
// journal entries: a link is never edited or deleted, only superseded by
// later links against the same artifacts (e.g. a reversal link).
func (s *Storage) SaveLink(link *EconomicLink) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		if tx.Bucket(bucketLinks).Get([]byte(link.ID)) != nil {
			return newErr(CodeImmutableViolation, "link %s already exists", link.ID)
		}
		data, err := json.Marshal(link)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketLinks).Put([]byte(link.ID), data)
	})
}

// ListLinksByArtifact returns every link touching artifactRef on either
// side, the read path GetReconciliationState sums over.
func (s *Storage) ListLinksByArtifact(artifactRef string) ([]EconomicLink, error) {
	var out []EconomicLink
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketLinks).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var l EconomicLink
			if err := json.Unmarshal(v, &l); err != nil {
				return err
			}
			if l.FromArtifact == artifactRef || l.ToArtifact == artifactRef {
				out = append(out, l)
			}
		}
		return nil
	})
	return out, err
}

// SaveFiscalPeriod creates or replaces a period's closing state. Periods
// are the one aggregate the kernel still mutates in place (closing a
// period is itself a controlled state transition, not a correction to
// history).
func (s *Storage) SaveFiscalPeriod(p *FiscalPeriod) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		data, err := json.Marshal(p)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketPeriods).Put(periodKey(p.LegalEntity, p.ID), data)
	})
}

func (s *Storage) GetFiscalPeriod(legalEntity, id string) (*FiscalPeriod, error) {
	var p FiscalPeriod
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketPeriods).Get(periodKey(legalEntity, id))
		if data == nil {
			return newErr(CodeTransient, "fiscal period %s not found", id)
		}
		return json.Unmarshal(data, &p)
	})
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// FindFiscalPeriod returns the period covering effectiveDate for
// legalEntity, scanning the (small, bounded-by-years) period bucket.
func (s *Storage) FindFiscalPeriod(legalEntity string, effectiveDate time.Time) (*FiscalPeriod, error) {
	var found *FiscalPeriod
	err := s.db.View(func(tx *bbolt.Tx) error {
		prefix := []byte(legalEntity + ":")
		c := tx.Bucket(bucketPeriods).Cursor()
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			var p FiscalPeriod
			if err := json.Unmarshal(v, &p); err != nil {
				return err
			}
			if p.Contains(effectiveDate) {
				cp := p
				found = &cp
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, newErr(CodeTransient, "no fiscal period covers %s for entity %q", effectiveDate.Format("2006-01-02"), legalEntity)
	}
	return found, nil
}

func periodKey(legalEntity, id string) []byte {
	return []byte(legalEntity + ":" + id)
}

func hasPrefix(b, prefix []byte) bool {
	if len(b) < len(prefix) {
		return false
	}
	for i := range prefix {
		if b[i] != prefix[i] {
			return false
		}
	}
	return true
}

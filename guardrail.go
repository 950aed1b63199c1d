package accounting

import "time"

// PeriodGuard enforces period locking: a posting against a hard-closed
// period is always rejected; a posting against a soft-closed period is
// accepted only when explicitly flagged as an adjustment.
type PeriodGuard struct {
	storage *Storage
}

func NewPeriodGuard(storage *Storage) *PeriodGuard {
	return &PeriodGuard{storage: storage}
}

// Check looks up the fiscal period covering effectiveDate for legalEntity
// and enforces its closing state against isAdjustment.
func (g *PeriodGuard) Check(legalEntity string, effectiveDate time.Time, isAdjustment bool) error {
	period, err := g.storage.FindFiscalPeriod(legalEntity, effectiveDate)
	if err != nil {
		// No period record at all is treated as open — the kernel does not
		// require every future period to be pre-created before it can post.
		return nil
	}
	if period.isHardClosed() {
		return newErr(CodeClosedPeriod, "period %s for entity %q is hard-closed", period.ID, legalEntity)
	}
	if period.isSoftClosed() && !isAdjustment {
		return newErr(CodeAdjustmentRequired, "period %s for entity %q is soft-closed; mark the posting as an adjustment to proceed", period.ID, legalEntity)
	}
	return nil
}

// IdempotencyGuard implements at-most-once posting semantics: a
// repeat call carrying the same idempotency key for the same legal entity
// must observably return the original result, never create a second
// JournalEntry. The hard guarantee is enforced atomically inside
// Storage.PostJournalEntry; Precheck exists so callers can short-circuit
// before doing any engine/meaning work at all.
type IdempotencyGuard struct {
	storage *Storage
}

func NewIdempotencyGuard(storage *Storage) *IdempotencyGuard {
	return &IdempotencyGuard{storage: storage}
}

// Precheck returns the previously posted entry for (legalEntity, key) if
// one exists, and ok=true in that case.
func (g *IdempotencyGuard) Precheck(legalEntity, key string) (entry *JournalEntry, ok bool, err error) {
	entry, err = g.storage.GetEntryByIdempotencyKey(legalEntity, key)
	if err != nil {
		if codeOf(err) == CodeTransient {
			return nil, false, nil
		}
		return nil, false, err
	}
	return entry, true, nil
}

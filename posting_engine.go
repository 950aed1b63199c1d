package accounting

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// PostingEngine is the interpretation coordinator: it turns a Meaning
// (already resolved against the policy pack and engines) into a balanced,
// persisted JournalEntry. It owns the one part of the pipeline that is
// strictly order-sensitive: materialize lines, balance-check them,
// evaluate guards, then — and only then — persist and chain the audit
// event. Shaped after a conventional PostingEngine/PostTransaction
// coordinator, generalized from a fixed Transaction/Entry model to the
// policy-driven Meaning/JournalLine model.
type PostingEngine struct {
	storage      *Storage
	periodGuard  *PeriodGuard
	idemGuard    *IdempotencyGuard
	roundingRole string
}

func NewPostingEngine(storage *Storage) *PostingEngine {
	return &PostingEngine{
		storage:      storage,
		periodGuard:  NewPeriodGuard(storage),
		idemGuard:    NewIdempotencyGuard(storage),
		roundingRole: "rounding_adjustment",
	}
}

// roundingTolerance is the largest per-currency imbalance the
// coordinator will absorb with a single rounding line rather than reject
// outright: half the currency's minor unit (e.g. 0.005 for a 2-decimal
// currency) — the bound an auditor can justify as quantization noise,
// never a whole unit of drift.
func roundingTolerance(currency Currency) Money {
	scale := scaleFor(currency)
	return Money{Amount: decimal.New(5, -(scale + 1)), Currency: currency}
}

// Interpret materializes a Meaning plus the AccountingIntent that selected it
// into a balanced JournalEntry and persists it atomically, enforcing the
// idempotency guard and period guard first. A rejected posting writes no
// journal entry; it appends a "posting_rejected" audit event instead. A
// posting that loses a race on its idempotency key returns the entry that
// won. log accumulates one
// DecisionEntry per pipeline stage and is folded into whichever AuditEvent
// closes out the attempt.
func (pe *PostingEngine) Interpret(event *BusinessEvent, intent *AccountingIntent, meaning *Meaning, resolver *RoleResolver, log *DecisionLog) (*JournalEntry, error) {
	if log == nil {
		log = NewDecisionLog()
	}

	if existing, ok, err := pe.idemGuard.Precheck(event.LegalEntity, event.IdempotencyKey); err != nil {
		return nil, err
	} else if ok {
		log.Record("idempotency_precheck", "key already posted, returning existing entry")
		return existing, nil
	}
	log.Record("idempotency_precheck", "no prior entry for this key")

	if err := pe.periodGuard.Check(event.LegalEntity, event.EffectiveDate, intent.IsAdjustment); err != nil {
		log.Record("period_guard", err.Error())
		return nil, pe.rejectWithAudit(event, log, err)
	}
	log.Record("period_guard", "effective date clear to post")

	lines, err := pe.balanceLines(meaning.Lines, resolver, event.LegalEntity)
	if err != nil {
		log.Record("balance_check", err.Error())
		return nil, pe.rejectWithAudit(event, log, err)
	}
	log.Record("balance_check", fmt.Sprintf("%d lines materialized", len(lines)))

	for _, g := range meaning.Profile.Guards {
		if err := g.Check(event.Payload); err != nil {
			log.Record("guard_evaluation", err.Error())
			return nil, pe.rejectWithAudit(event, log, err)
		}
	}
	log.Record("guard_evaluation", fmt.Sprintf("%d guards passed", len(meaning.Profile.Guards)))

	entry := &JournalEntry{
		ID:            uuid.New().String(),
		LegalEntity:   event.LegalEntity,
		ProfileName:   intent.ProfileName,
		SourceEventID: intent.SourceEventID,
		EffectiveDate: intent.EffectiveDate,
		PostedAt:      time.Now().UTC(),
		Actor:         event.Actor,
		IsAdjustment:  intent.IsAdjustment,
	}
	for i := range lines {
		lines[i].EntryID = entry.ID
		lines[i].LineNumber = i + 1
	}

	subledger := materializeSubledger(entry.ID, lines, event.Payload)
	log.Record("persisted", fmt.Sprintf("entry %s, %d subledger projections", entry.ID, len(subledger)))

	rationale := fmt.Sprintf("posted under profile %q from event %s", meaning.Profile.Name, event.ID)
	auditEvent := NewAuditEventWithDecisions("posting", entry.ID, rationale, log.Entries())

	if err := pe.storage.PostJournalEntry(entry, lines, subledger, auditEvent, event.IdempotencyKey); err != nil {
		if codeOf(err) == CodeDuplicateIdempotency {
			if existing, ok, perr := pe.idemGuard.Precheck(event.LegalEntity, event.IdempotencyKey); perr == nil && ok {
				return existing, nil
			}
		}
		return nil, err
	}
	return entry, nil
}

// rejectWithAudit appends a rejection audit event before returning cause,
// keeping the chain gap-free: every posting decision — accepted or
// rejected — leaves a link in the hash chain, carrying whatever the
// DecisionLog captured up to the point of rejection.
func (pe *PostingEngine) rejectWithAudit(event *BusinessEvent, log *DecisionLog, cause error) error {
	rationale := fmt.Sprintf("rejected event %s: %v", event.ID, cause)
	auditEvent := NewAuditEventWithDecisions("posting_rejected", "", rationale, log.Entries())
	_ = pe.storage.AppendAuditEvent(auditEvent)
	return cause
}

// balanceLines converts ResolvedLines into JournalLines, grouping by
// currency across all of the entry's lines and absorbing any imbalance
// within roundingTolerance into a single extra GL line posted to the
// rounding-adjustment role (at most one such line per entry), in
// favor of a bounded, explicit rounding line over silently forcing balance
// or rejecting tiny quantization drift.
func (pe *PostingEngine) balanceLines(resolved []ResolvedLine, resolver *RoleResolver, legalEntity string) ([]JournalLine, error) {
	if len(resolved) == 0 {
		return nil, newErr(CodeUnbalancedEntry, "profile produced zero lines")
	}

	type groupKey struct {
		Currency Currency
	}
	totals := make(map[groupKey]Money)
	lines := make([]JournalLine, 0, len(resolved))

	for _, rl := range resolved {
		lines = append(lines, JournalLine{
			AccountCode: rl.AccountCode,
			Ledger:      rl.Ledger,
			Side:        rl.Side,
			Amount:      rl.Amount,
			Dimensions:  rl.Dimensions,
		})
		key := groupKey{Currency: rl.Amount.Currency}
		signed := rl.Amount
		if rl.Side == SideCredit {
			signed = signed.Neg()
		}
		total, ok := totals[key]
		if !ok {
			total = ZeroMoney(rl.Amount.Currency)
		}
		var err error
		total, err = total.Add(signed)
		if err != nil {
			return nil, err
		}
		totals[key] = total
	}

	rounded := false
	for key, total := range totals {
		if total.IsZero() {
			continue
		}
		tolerance := roundingTolerance(key.Currency)
		if total.Amount.Abs().GreaterThan(tolerance.Amount) {
			return nil, newErr(CodeUnbalancedEntry, "currency %s is out of balance by %s", key.Currency, total)
		}
		if rounded {
			return nil, newErr(CodeUnbalancedEntry, "currency %s off by %s but the entry already carries a rounding line", key.Currency, total)
		}
		account, err := resolver.Resolve(legalEntity, pe.roundingRole, LedgerGL)
		if err != nil {
			return nil, newErr(CodeUnbalancedEntry, "currency %s off by %s and no rounding account is configured", key.Currency, total)
		}
		side := SideCredit
		amount := total
		if total.Sign() < 0 {
			side = SideDebit
			amount = total.Neg()
		}
		lines = append(lines, JournalLine{AccountCode: account, Ledger: LedgerGL, Side: side, Amount: amount, IsRounding: true})
		rounded = true
	}

	return lines, nil
}

// materializeSubledger projects every line carrying an artifact_ref in the
// payload into a SubledgerEntry the reconciliation layer can key links
// against. Only AR/AP/INV lines participate; GL lines have no subledger
// counterpart.
func materializeSubledger(entryID string, lines []JournalLine, payload map[string]any) []SubledgerEntry {
	artifactRef, _ := payload["artifact_ref"].(string)
	if artifactRef == "" {
		return nil
	}
	var out []SubledgerEntry
	for _, l := range lines {
		if l.Ledger == LedgerGL {
			continue
		}
		out = append(out, SubledgerEntry{
			ID:          uuid.New().String(),
			EntryID:     entryID,
			Ledger:      l.Ledger,
			ArtifactRef: artifactRef,
			Amount:      l.Amount,
		})
	}
	return out
}

package accounting

import (
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestKernel(t *testing.T, resolver *RoleResolver, pack *PolicyPack) *Kernel {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "kernel.db")
	k, err := NewKernel(dbPath, pack, resolver)
	require.NoError(t, err)
	t.Cleanup(func() { _ = k.Close() })
	return k
}

func invoiceRaisedPack() *PolicyPack {
	return NewPolicyPack(&EconomicProfile{
		Name:      "invoice-raised-default",
		Version:   1,
		EventType: "INVOICE_RAISED",
		Lines: []LineMapping{
			{Role: "receivable", Side: SideDebit, Ledger: LedgerAR, Amount: AmountSource{Kind: SourcePrimary}},
			{Role: "revenue", Side: SideCredit, Ledger: LedgerGL, Amount: AmountSource{Kind: SourcePrimary}},
		},
		EffectiveFrom: time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC),
	})
}

func boundResolver(legalEntity string) *RoleResolver {
	r := NewRoleResolver()
	r.Bind(legalEntity, "receivable", LedgerAR, "1100")
	r.Bind(legalEntity, "revenue", LedgerGL, "4000")
	r.Bind(legalEntity, "rounding_adjustment", LedgerAR, "9999")
	r.Bind(legalEntity, "rounding_adjustment", LedgerGL, "9999")
	return r
}

// TestPostEventSimpleInvoice is concrete scenario 1: a plain invoice-raised
// event posts a balanced two-line journal entry.
func TestPostEventSimpleInvoice(t *testing.T) {
	legalEntity := "acme-co"
	k := newTestKernel(t, boundResolver(legalEntity), invoiceRaisedPack())

	amount, err := NewMoney("250.00", "USD")
	require.NoError(t, err)
	payload := map[string]any{"amount": amount, "currency": Currency("USD"), "artifact_ref": "INV-1"}

	entry, err := k.PostEvent("INVOICE_RAISED", payload, time.Now(), "alice", legalEntity, "idem-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), entry.EntryNumber)

	_, lines, err := k.Storage.GetJournalEntry(entry.ID)
	require.NoError(t, err)
	require.Len(t, lines, 2)

	require.NoError(t, k.AuditChain.Verify())
}

// TestPostEventRecordsDecisionLogOnAuditEvent exercises the decision-journal
// capture: each pipeline stage the coordinator passes through should leave
// a DecisionEntry on the AuditEvent that closes out the attempt, and that
// bundle must survive chain verification unmodified.
func TestPostEventRecordsDecisionLogOnAuditEvent(t *testing.T) {
	legalEntity := "acme-co"
	k := newTestKernel(t, boundResolver(legalEntity), invoiceRaisedPack())

	amount, _ := NewMoney("42.00", "USD")
	payload := map[string]any{"amount": amount, "currency": Currency("USD")}

	_, err := k.PostEvent("INVOICE_RAISED", payload, time.Now(), "alice", legalEntity, "idem-decisions")
	require.NoError(t, err)

	events, err := k.AuditChain.All()
	require.NoError(t, err)
	require.NotEmpty(t, events)
	last := events[len(events)-1]
	require.NotEmpty(t, last.Decisions)

	var stages []string
	for _, d := range last.Decisions {
		stages = append(stages, d.Stage)
	}
	assert.Contains(t, stages, "balance_check")
	assert.Contains(t, stages, "persisted")

	require.NoError(t, k.AuditChain.Verify())
}

// TestPostEventIdempotentRetryReturnsSameEntry exercises at-most-once
// posting directly: a repeat call with the same idempotency key returns
// the original entry rather than creating a second one.
func TestPostEventIdempotentRetryReturnsSameEntry(t *testing.T) {
	legalEntity := "acme-co"
	k := newTestKernel(t, boundResolver(legalEntity), invoiceRaisedPack())

	amount, _ := NewMoney("100.00", "USD")
	payload := map[string]any{"amount": amount, "currency": Currency("USD")}

	first, err := k.PostEvent("INVOICE_RAISED", payload, time.Now(), "alice", legalEntity, "idem-dup")
	require.NoError(t, err)

	second, err := k.PostEvent("INVOICE_RAISED", payload, time.Now(), "alice", legalEntity, "idem-dup")
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
}

// TestPostEventConcurrentDuplicatePostersConverge is concrete scenario 5:
// several concurrent posters racing on the same idempotency key must never
// produce more than one JournalEntry; the losers either observe the
// precheck hit or, when the atomic write refuses the duplicate key, get
// back the entry that won.
func TestPostEventConcurrentDuplicatePostersConverge(t *testing.T) {
	legalEntity := "acme-co"
	k := newTestKernel(t, boundResolver(legalEntity), invoiceRaisedPack())

	amount, _ := NewMoney("75.00", "USD")
	payload := map[string]any{"amount": amount, "currency": Currency("USD")}

	const n = 8
	var wg sync.WaitGroup
	entries := make([]*JournalEntry, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			entries[i], errs[i] = k.PostEvent("INVOICE_RAISED", payload, time.Now(), "alice", legalEntity, "idem-race")
		}(i)
	}
	wg.Wait()

	var firstID string
	successCount := 0
	for i := 0; i < n; i++ {
		if errs[i] == nil {
			successCount++
			if firstID == "" {
				firstID = entries[i].ID
			} else {
				assert.Equal(t, firstID, entries[i].ID)
			}
		} else {
			assert.Equal(t, CodeDuplicateIdempotency, codeOf(errs[i]))
		}
	}
	assert.Greater(t, successCount, 0)
}

// TestPostEventRejectsHardClosedPeriodWithRejectionAudit is concrete scenario 6:
// a posting against a hard-closed period is rejected, leaves no journal
// entry, and still appends a rejection audit event (no chain gap).
func TestPostEventRejectsHardClosedPeriodWithRejectionAudit(t *testing.T) {
	legalEntity := "acme-co"
	k := newTestKernel(t, boundResolver(legalEntity), invoiceRaisedPack())

	effectiveDate := time.Date(2025, 6, 15, 0, 0, 0, 0, time.UTC)
	closedAt := time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, k.Storage.SaveFiscalPeriod(&FiscalPeriod{
		ID:          "2025-06",
		LegalEntity: legalEntity,
		Start:       time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC),
		End:         time.Date(2025, 6, 30, 0, 0, 0, 0, time.UTC),
		HardClosedAt: &closedAt,
	}))

	amount, _ := NewMoney("10.00", "USD")
	payload := map[string]any{"amount": amount, "currency": Currency("USD")}

	_, err := k.PostEvent("INVOICE_RAISED", payload, effectiveDate, "alice", legalEntity, "idem-closed")
	require.Error(t, err)
	assert.Equal(t, CodeClosedPeriod, codeOf(err))

	events, err := k.AuditChain.All()
	require.NoError(t, err)
	require.NotEmpty(t, events)
	last := events[len(events)-1]
	assert.Equal(t, "posting_rejected", last.Kind)

	require.NoError(t, k.AuditChain.Verify())
}

// TestPostEventSoftClosedPeriodRequiresAdjustmentFlag covers the
// soft-closed boundary behaviour spec.md §8 calls out separately from the
// hard-closed case: a plain (non-adjustment) posting is rejected with
// ADJUSTMENT_REQUIRED, while the same event flagged IsAdjustment succeeds.
func TestPostEventSoftClosedPeriodRequiresAdjustmentFlag(t *testing.T) {
	legalEntity := "acme-co"
	k := newTestKernel(t, boundResolver(legalEntity), invoiceRaisedPack())

	effectiveDate := time.Date(2025, 6, 15, 0, 0, 0, 0, time.UTC)
	softClosedAt := time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, k.Storage.SaveFiscalPeriod(&FiscalPeriod{
		ID:           "2025-06",
		LegalEntity:  legalEntity,
		Start:        time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC),
		End:          time.Date(2025, 6, 30, 0, 0, 0, 0, time.UTC),
		SoftClosedAt: &softClosedAt,
	}))

	amount, _ := NewMoney("10.00", "USD")
	plain := map[string]any{"amount": amount, "currency": Currency("USD")}

	_, err := k.PostEvent("INVOICE_RAISED", plain, effectiveDate, "alice", legalEntity, "idem-soft-1")
	require.Error(t, err)
	assert.Equal(t, CodeAdjustmentRequired, codeOf(err))

	require.NoError(t, k.ValidateAdjustmentAllowed(legalEntity, effectiveDate))

	adjustment := map[string]any{"amount": amount, "currency": Currency("USD"), "is_adjustment": true}
	entry, err := k.PostEvent("INVOICE_RAISED", adjustment, effectiveDate, "alice", legalEntity, "idem-soft-2")
	require.NoError(t, err)
	assert.True(t, entry.IsAdjustment)
}

// TestPostEventEntryNumbersAreDenseAndMonotonicUnderConcurrency is I3: entry
// numbers within a legal entity must be dense and strictly increasing even
// when postings race, which bbolt's single-writer transaction guarantees by
// construction (sequence.go).
func TestPostEventEntryNumbersAreDenseAndMonotonicUnderConcurrency(t *testing.T) {
	legalEntity := "acme-co"
	k := newTestKernel(t, boundResolver(legalEntity), invoiceRaisedPack())

	const n = 10
	var wg sync.WaitGroup
	numbers := make([]int64, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			amount, _ := NewMoney("10.00", "USD")
			payload := map[string]any{"amount": amount, "currency": Currency("USD")}
			entry, err := k.PostEvent("INVOICE_RAISED", payload, time.Now(), "alice", legalEntity, fmt.Sprintf("idem-seq-%d", i))
			require.NoError(t, err)
			numbers[i] = entry.EntryNumber
		}(i)
	}
	wg.Wait()

	sort.Slice(numbers, func(i, j int) bool { return numbers[i] < numbers[j] })
	for i, num := range numbers {
		assert.Equal(t, int64(i+1), num, "entry numbers must be dense and start at 1")
	}
}

// TestReplayEventIsDeterministic is I7: driving the same event type,
// payload, effective date and policy-pack version through the pipeline
// twice — once live, once as an explicit "replay" of the recorded
// BusinessEvent against a second, independent kernel — must reproduce a
// byte-identical journal-line sequence. The event is replayed as the
// BusinessEvent the event store actually recorded (same ID, same
// typed payload values), the way a real replay driver would hold the
// in-memory event rather than lossily round-tripping it through generic
// JSON first (see event_store.go: payload values such as Money are plain
// Go values the pipeline type-asserts against, not a wire format).
func TestReplayEventIsDeterministic(t *testing.T) {
	legalEntity := "acme-co"
	resolver := boundResolver(legalEntity)
	pack := invoiceRaisedPack()
	effectiveDate := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	amount, _ := NewMoney("99.00", "USD")
	payload := map[string]any{"amount": amount, "currency": Currency("USD")}

	original := newTestKernel(t, resolver, pack)
	originalEntry, err := original.PostEvent("INVOICE_RAISED", payload, effectiveDate, "alice", legalEntity, "idem-replay")
	require.NoError(t, err)

	replayedEvent := &BusinessEvent{
		ID:             originalEntry.SourceEventID,
		EventType:      "INVOICE_RAISED",
		Payload:        payload,
		EffectiveDate:  effectiveDate,
		Actor:          "alice",
		LegalEntity:    legalEntity,
		IdempotencyKey: "idem-replay",
	}
	replay := newTestKernel(t, resolver, pack)
	profile, err := replay.Policies.Select(replayedEvent.EventType, replayedEvent.EffectiveDate, replayedEvent.Payload)
	require.NoError(t, err)
	engineOutputs, err := replay.Dispatcher.Dispatch(profile, replayedEvent.Payload)
	require.NoError(t, err)
	meaning, err := BuildMeaning(profile, engineOutputs, replayedEvent.Payload, replay.Resolver, replayedEvent.LegalEntity)
	require.NoError(t, err)
	intent := NewAccountingIntent(replayedEvent, profile)
	replayedEntry, err := replay.Posting.Interpret(replayedEvent, intent, meaning, replay.Resolver, NewDecisionLog())
	require.NoError(t, err)

	_, originalLines, err := original.Storage.GetJournalEntry(originalEntry.ID)
	require.NoError(t, err)
	_, replayedLines, err := replay.Storage.GetJournalEntry(replayedEntry.ID)
	require.NoError(t, err)

	require.Len(t, replayedLines, len(originalLines))
	for i := range originalLines {
		assert.Equal(t, originalLines[i].AccountCode, replayedLines[i].AccountCode)
		assert.Equal(t, originalLines[i].Side, replayedLines[i].Side)
		assert.True(t, originalLines[i].Amount.Amount.Equal(replayedLines[i].Amount.Amount))
		assert.Equal(t, originalLines[i].Amount.Currency, replayedLines[i].Amount.Currency)
		assert.Equal(t, originalLines[i].IsRounding, replayedLines[i].IsRounding)
	}
}

// TestApplyPaymentRejectsOverapplication is concrete scenario 4: a payment
// larger than the remaining balance is rejected outright, never clamped.
func TestApplyPaymentRejectsOverapplication(t *testing.T) {
	legalEntity := "acme-co"
	k := newTestKernel(t, boundResolver(legalEntity), invoiceRaisedPack())

	total, _ := NewMoney("100.00", "USD")
	partial, _ := NewMoney("60.00", "USD")
	link, err := k.ApplyPayment("pay-1", "INV-9", partial, total)
	require.NoError(t, err)
	assert.Equal(t, LinkPaidBy, link.LinkType)

	state, err := k.GetReconciliationState("INV-9", total)
	require.NoError(t, err)
	assert.Equal(t, "40.00 USD", state.RemainingAmount.String())

	tooMuch, _ := NewMoney("50.00", "USD")
	_, err = k.ApplyPayment("pay-2", "INV-9", tooMuch, total)
	require.Error(t, err)
	assert.Equal(t, CodeOverapplication, codeOf(err))
}

// TestCreateThreeWayMatchWithinToleranceLinksArtifacts is concrete scenario
// 3: PO qty=100 price=10.00, receipt qty=100, invoice qty=100 price=10.50,
// tolerance=absolute 100.00. price_variance=50.00 is within tolerance, and
// the match inserts two FULFILLED_BY links: PO->receipt, receipt->invoice.
func TestCreateThreeWayMatchWithinToleranceLinksArtifacts(t *testing.T) {
	legalEntity := "acme-co"
	k := newTestKernel(t, boundResolver(legalEntity), invoiceRaisedPack())

	poPrice, _ := NewMoney("10.00", "USD")
	invoicePrice, _ := NewMoney("10.50", "USD")
	po := MatchDocument{Quantity: decimal.NewFromInt(100), Price: poPrice}
	receipt := MatchDocument{Quantity: decimal.NewFromInt(100), Price: poPrice}
	invoice := MatchDocument{Quantity: decimal.NewFromInt(100), Price: invoicePrice}
	tolerance := MatchTolerance{
		QuantityTolerance: decimal.NewFromInt(5), QuantityMode: ToleranceAbsolute,
		PriceTolerance: decimal.NewFromInt(100), PriceMode: ToleranceAbsolute,
	}

	links, result, err := k.CreateThreeWayMatch("PO-1", "RCPT-1", "INV-1", po, receipt, invoice, tolerance)
	require.NoError(t, err)
	assert.Equal(t, MatchApproved, result.Status)
	assert.Equal(t, "50.00 USD", result.PriceVariance.String())
	require.Len(t, links, 2)
	assert.Equal(t, LinkFulfilledBy, links[0].LinkType)
	assert.Equal(t, "PO-1", links[0].FromArtifact)
	assert.Equal(t, "RCPT-1", links[0].ToArtifact)
	assert.Equal(t, LinkFulfilledBy, links[1].LinkType)
	assert.Equal(t, "RCPT-1", links[1].FromArtifact)
	assert.Equal(t, "INV-1", links[1].ToArtifact)

	_, _, err = k.CreateThreeWayMatch("PO-1", "RCPT-1", "INV-1", po, receipt, invoice, tolerance)
	require.Error(t, err)
	assert.Equal(t, CodeDocumentAlreadyMatched, codeOf(err))
}

// TestCreateThreeWayMatchVarianceExceededCreatesNoLinks is a boundary
// behaviour from spec.md §8: a quantity variance beyond tolerance is
// rejected with MATCH_VARIANCE_EXCEEDED and no link is created for either
// leg of the match.
func TestCreateThreeWayMatchVarianceExceededCreatesNoLinks(t *testing.T) {
	legalEntity := "acme-co"
	k := newTestKernel(t, boundResolver(legalEntity), invoiceRaisedPack())

	price, _ := NewMoney("10.00", "USD")
	po := MatchDocument{Quantity: decimal.NewFromInt(100), Price: price}
	receipt := MatchDocument{Quantity: decimal.NewFromInt(140), Price: price}
	invoice := MatchDocument{Quantity: decimal.NewFromInt(140), Price: price}
	tolerance := MatchTolerance{
		QuantityTolerance: decimal.NewFromInt(5), QuantityMode: ToleranceAbsolute,
		PriceTolerance: decimal.NewFromInt(100), PriceMode: ToleranceAbsolute,
	}

	links, result, err := k.CreateThreeWayMatch("PO-2", "RCPT-2", "INV-2", po, receipt, invoice, tolerance)
	require.Error(t, err)
	assert.Equal(t, CodeMatchVarianceExceeded, codeOf(err))
	assert.Nil(t, links)
	require.NotNil(t, result)
	assert.Equal(t, MatchRejected, result.Status)

	linksOnReceipt, err := k.Storage.ListLinksByArtifact("RCPT-2")
	require.NoError(t, err)
	assert.Empty(t, linksOnReceipt)
	linksOnInvoice, err := k.Storage.ListLinksByArtifact("INV-2")
	require.NoError(t, err)
	assert.Empty(t, linksOnInvoice)
}

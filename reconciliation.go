package accounting

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
)

// LinkType distinguishes why two artifacts are connected in the
// reconciliation graph. The five values are spec's own closed enum — no
// other string is a legal LinkType.
type LinkType string

const (
	LinkPaidBy      LinkType = "PAID_BY"      // payment applied against an invoice/bill
	LinkFulfilledBy LinkType = "FULFILLED_BY" // PO->receipt, receipt->invoice, or PO->invoice (2-way)
	LinkAllocatedTo LinkType = "ALLOCATED_TO" // reserved: allocation engine does not yet persist links of its own
	LinkAppliedTo   LinkType = "APPLIED_TO"   // reserved: non-payment application (e.g. credit memo)
	LinkMatchedWith LinkType = "MATCHED_WITH" // bank statement line confirmed against a GL/subledger entry
)

// EconomicLink is one immutable edge in the reconciliation graph: it
// records that FromArtifact was applied against ToArtifact for
// AmountApplied, under LinkType. Reconciliation state is never stored
// directly — it is always derived by summing a target artifact's links,
// so applied amounts can never drift from the links that produced them.
type EconomicLink struct {
	ID            string    `json:"id"`
	LinkType      LinkType  `json:"link_type"`
	FromArtifact  string    `json:"from_artifact"` // the applying side: payment ID, receipt ID, statement line ID
	ToArtifact    string    `json:"to_artifact"`   // the target being reduced: invoice ID, PO line ID
	AmountApplied Money     `json:"amount_applied"`
	CreatedAt     time.Time `json:"created_at"`
}

// ReconciliationState is the derived view of how much of an artifact's
// total has been applied against it.
type ReconciliationState struct {
	ArtifactRef     string
	TotalAmount     Money
	AppliedAmount   Money
	RemainingAmount Money
	FullyApplied    bool
}

// ReconciliationService owns the link graph plus the payment-application
// and document-matching operations built on top of it.
type ReconciliationService struct {
	storage *Storage
}

func NewReconciliationService(storage *Storage) *ReconciliationService {
	return &ReconciliationService{storage: storage}
}

// GetReconciliationState sums every link applied against artifactRef and
// compares it to totalAmount — the one read path both ApplyPayment and any
// caller checking "how much of this invoice is still open" goes through.
func (rs *ReconciliationService) GetReconciliationState(artifactRef string, totalAmount Money) (*ReconciliationState, error) {
	links, err := rs.storage.ListLinksByArtifact(artifactRef)
	if err != nil {
		return nil, err
	}
	applied := ZeroMoney(totalAmount.Currency)
	for _, l := range links {
		if l.ToArtifact != artifactRef {
			continue
		}
		applied, err = applied.Add(l.AmountApplied)
		if err != nil {
			return nil, err
		}
	}
	remaining, err := totalAmount.Sub(applied)
	if err != nil {
		return nil, err
	}
	return &ReconciliationState{
		ArtifactRef:     artifactRef,
		TotalAmount:     totalAmount,
		AppliedAmount:   applied,
		RemainingAmount: remaining,
		FullyApplied:    remaining.IsZero(),
	}, nil
}

// ApplyPayment links paymentRef against targetArtifactRef for amount,
// rejecting the application outright (rather than clamping it) if it would
// drive the target's remaining balance negative — overapplication must be
// handled by the caller (e.g. booking the excess as a credit memo), never
// silently absorbed here.
func (rs *ReconciliationService) ApplyPayment(paymentRef, targetArtifactRef string, amount, targetTotal Money) (*EconomicLink, error) {
	state, err := rs.GetReconciliationState(targetArtifactRef, targetTotal)
	if err != nil {
		return nil, err
	}
	cmp, err := amount.Cmp(state.RemainingAmount)
	if err != nil {
		return nil, err
	}
	if cmp > 0 {
		return nil, newErr(CodeOverapplication, "payment %s of %s exceeds remaining balance %s on %s", paymentRef, amount, state.RemainingAmount, targetArtifactRef)
	}
	link := &EconomicLink{
		ID:            uuid.New().String(),
		LinkType:      LinkPaidBy,
		FromArtifact:  paymentRef,
		ToArtifact:    targetArtifactRef,
		AmountApplied: amount,
		CreatedAt:     time.Now().UTC(),
	}
	if err := rs.storage.SaveLink(link); err != nil {
		return nil, err
	}
	return link, nil
}

// CreateMatch runs the matching engine over a PO, a receipt and an invoice
// and, on approval, records the match as FULFILLED_BY links: PO->receipt and
// receipt->invoice for a 3-way match (receiptRef non-empty), or a single
// PO->invoice link for a 2-way match (receiptRef empty, the PO stands in
// for the receipt in the variance calculation). An invoice already
// carrying a FULFILLED_BY link is rejected outright — re-matching requires
// explicitly unlinking first, which this service does not expose (matches
// are as immutable as journal entries). On variance-exceeded rejection no
// link is created for either leg, per spec.md:238.
func (rs *ReconciliationService) CreateMatch(engine *MatchingEngine, poRef, receiptRef, invoiceRef string, po, receipt, invoice MatchDocument, tolerance MatchTolerance) ([]*EconomicLink, *MatchResult, error) {
	existing, err := rs.storage.ListLinksByArtifact(invoiceRef)
	if err != nil {
		return nil, nil, err
	}
	for _, l := range existing {
		if l.LinkType == LinkFulfilledBy && l.ToArtifact == invoiceRef {
			return nil, nil, newErr(CodeDocumentAlreadyMatched, "%s is already matched", invoiceRef)
		}
	}

	threeWay := receiptRef != ""
	payload := map[string]any{"po": po, "invoice": invoice, "tolerance": tolerance}
	if threeWay {
		payload["receipt"] = receipt
	}
	result, err := engine.Invoke(payload, nil)
	if err != nil {
		return nil, nil, err
	}
	mr := result.(MatchResult)
	if mr.Status == MatchRejected {
		return nil, &mr, newErr(CodeMatchVarianceExceeded, "match between %s and %s exceeds tolerance: qty variance %s, price variance %s", poRef, invoiceRef, mr.QuantityVariance, mr.PriceVariance)
	}

	now := time.Now().UTC()
	var links []*EconomicLink
	if threeWay {
		poToReceipt := &EconomicLink{
			ID: uuid.New().String(), LinkType: LinkFulfilledBy,
			FromArtifact: poRef, ToArtifact: receiptRef,
			AmountApplied: receipt.Price.Mul(receipt.Quantity), CreatedAt: now,
		}
		receiptToInvoice := &EconomicLink{
			ID: uuid.New().String(), LinkType: LinkFulfilledBy,
			FromArtifact: receiptRef, ToArtifact: invoiceRef,
			AmountApplied: invoice.Price.Mul(invoice.Quantity), CreatedAt: now,
		}
		links = []*EconomicLink{poToReceipt, receiptToInvoice}
	} else {
		links = []*EconomicLink{{
			ID: uuid.New().String(), LinkType: LinkFulfilledBy,
			FromArtifact: poRef, ToArtifact: invoiceRef,
			AmountApplied: invoice.Price.Mul(invoice.Quantity), CreatedAt: now,
		}}
	}
	for _, l := range links {
		if err := rs.storage.SaveLink(l); err != nil {
			return nil, nil, err
		}
	}
	return links, &mr, nil
}

// ExternalStatement is one line of an external bank or card-processor
// statement awaiting reconciliation against posted subledger entries.
type ExternalStatement struct {
	ID          string
	Date        time.Time
	Description string
	Amount      Money
	Reference   string
	BankAccount string
}

// ReconciliationMatch is a candidate pairing between an ExternalStatement
// line and one or more internal subledger entries, scored by confidence.
type ReconciliationMatch struct {
	Statement       ExternalStatement
	InternalEntries []SubledgerEntry
	MatchScore      float64
	MatchType       string // "EXACT", "PARTIAL"
}

// AutoReconcile matches each statement against candidates, exact amount
// first (within a 3-day date window, scored down per day of drift), falling
// back to 2-entry subset-sum combinations when no single entry matches.
func (rs *ReconciliationService) AutoReconcile(candidates []SubledgerEntry, statements []ExternalStatement, candidateDates map[string]time.Time) ([]ReconciliationMatch, error) {
	var matches []ReconciliationMatch
	for _, stmt := range statements {
		if m := findBestMatch(stmt, candidates, candidateDates); m != nil {
			matches = append(matches, *m)
		}
	}
	return matches, nil
}

func findBestMatch(stmt ExternalStatement, candidates []SubledgerEntry, dates map[string]time.Time) *ReconciliationMatch {
	var best *ReconciliationMatch
	bestScore := 0.0

	for _, c := range candidates {
		if c.Amount.Currency != stmt.Amount.Currency || c.Amount.Amount.Cmp(stmt.Amount.Amount) != 0 {
			continue
		}
		date, ok := dates[c.ID]
		if !ok {
			continue
		}
		days := daysBetween(stmt.Date, date)
		if days > 3 {
			continue
		}
		score := 1.0 - float64(days)*0.1
		if score > bestScore {
			bestScore = score
			best = &ReconciliationMatch{Statement: stmt, InternalEntries: []SubledgerEntry{c}, MatchScore: score, MatchType: "EXACT"}
		}
	}
	if best != nil {
		return best
	}

	combos := findCombinationMatches(stmt, candidates)
	sort.Slice(combos, func(i, j int) bool { return combos[i].MatchScore > combos[j].MatchScore })
	if len(combos) > 0 {
		return &combos[0]
	}
	return nil
}

func findCombinationMatches(stmt ExternalStatement, candidates []SubledgerEntry) []ReconciliationMatch {
	var matches []ReconciliationMatch
	for i := range candidates {
		for j := i + 1; j < len(candidates); j++ {
			a, b := candidates[i], candidates[j]
			if a.Amount.Currency != b.Amount.Currency || a.Amount.Currency != stmt.Amount.Currency {
				continue
			}
			sum, err := a.Amount.Add(b.Amount)
			if err != nil || sum.Amount.Cmp(stmt.Amount.Amount) != 0 {
				continue
			}
			matches = append(matches, ReconciliationMatch{
				Statement:       stmt,
				InternalEntries: []SubledgerEntry{a, b},
				MatchScore:      0.8,
				MatchType:       "PARTIAL",
			})
		}
	}
	return matches
}

func daysBetween(a, b time.Time) int {
	diff := a.Sub(b)
	if diff < 0 {
		diff = -diff
	}
	return int(diff.Hours() / 24)
}

// ConfirmReconciliation records an accepted ReconciliationMatch as a
// MATCHED_WITH link per internal entry matched.
func (rs *ReconciliationService) ConfirmReconciliation(match ReconciliationMatch) ([]EconomicLink, error) {
	var links []EconomicLink
	for _, entry := range match.InternalEntries {
		link := EconomicLink{
			ID:            uuid.New().String(),
			LinkType:      LinkMatchedWith,
			FromArtifact:  match.Statement.Reference,
			ToArtifact:    entry.ArtifactRef,
			AmountApplied: entry.Amount,
			CreatedAt:     time.Now().UTC(),
		}
		if err := rs.storage.SaveLink(&link); err != nil {
			return nil, err
		}
		links = append(links, link)
	}
	return links, nil
}

// StatementLineStatus tracks a statement line through the bank
// reconciliation workflow, separate from the link graph so the integrity
// checker can be handed a batch of lines without first persisting them.
type StatementLineStatus string

const (
	StatementUnmatched StatementLineStatus = "unmatched"
	StatementMatched   StatementLineStatus = "matched"
	StatementCompleted StatementLineStatus = "completed"
)

// StatementLine pairs an ExternalStatement with the status it has reached
// in the reconciliation workflow.
type StatementLine struct {
	ExternalStatement
	Status StatementLineStatus
}

// StatementPeriod groups the statement lines for one bank-statement cycle
// together with the opening/closing balances the bank reported for it, the
// unit the balance-discontinuity check walks across.
type StatementPeriod struct {
	ID             string
	OpeningBalance Money
	ClosingBalance Money
	Lines          []StatementLine
}

// IntegrityStatus is the outcome of a single integrity check: checks never
// mutate state, they only report.
type IntegrityStatus string

const (
	IntegrityPassed  IntegrityStatus = "passed"
	IntegrityWarning IntegrityStatus = "warning"
	IntegrityFailed  IntegrityStatus = "failed"
)

// IntegrityFinding is one reported result of a bank-reconciliation
// integrity check: which check ran, against which reference, what it
// found.
type IntegrityFinding struct {
	Check     string
	Status    IntegrityStatus
	Reference string
	Detail    string
}

// RunIntegrityChecks is the separate bank-reconciliation checker: it never
// writes to the link graph, only reads it and the caller-supplied
// statement periods to surface four kinds of problem: stale unmatched
// lines, the same GL entry matched more than once, balance discontinuities
// between consecutive periods, and unexplained variance on lines marked
// completed. asOf anchors the staleness check (normally time.Now()),
// staleAfter is how long an unmatched line may sit before it's flagged.
func (rs *ReconciliationService) RunIntegrityChecks(periods []StatementPeriod, staleAfter time.Duration, asOf time.Time) ([]IntegrityFinding, error) {
	var findings []IntegrityFinding
	findings = append(findings, checkStaleUnmatchedLines(periods, staleAfter, asOf)...)

	dup, err := rs.checkDuplicateGLMatches(periods)
	if err != nil {
		return nil, err
	}
	findings = append(findings, dup...)

	findings = append(findings, checkBalanceDiscontinuities(periods)...)

	variance, err := rs.checkCompletedVariance(periods)
	if err != nil {
		return nil, err
	}
	findings = append(findings, variance...)

	return findings, nil
}

func checkStaleUnmatchedLines(periods []StatementPeriod, staleAfter time.Duration, asOf time.Time) []IntegrityFinding {
	var out []IntegrityFinding
	for _, p := range periods {
		for _, line := range p.Lines {
			if line.Status != StatementUnmatched {
				continue
			}
			age := asOf.Sub(line.Date)
			if age > staleAfter {
				out = append(out, IntegrityFinding{
					Check:     "stale_unmatched_line",
					Status:    IntegrityWarning,
					Reference: line.Reference,
					Detail:    fmt.Sprintf("statement line %s in period %s has been unmatched for %s", line.Reference, p.ID, age.Round(time.Hour)),
				})
			}
		}
	}
	return out
}

// checkDuplicateGLMatches flags any internal GL/subledger entry that the
// link graph shows matched more than once by the same statement line. An
// entry matched once each by two different statement lines is not flagged.
// The link graph is the source of truth here, not the caller-supplied
// periods, since a duplicate match is a fact about what was actually
// persisted.
func (rs *ReconciliationService) checkDuplicateGLMatches(periods []StatementPeriod) ([]IntegrityFinding, error) {
	var out []IntegrityFinding
	seen := make(map[string]bool)
	for _, p := range periods {
		for _, line := range p.Lines {
			if line.Status == StatementUnmatched || seen[line.Reference] {
				continue
			}
			seen[line.Reference] = true
			links, err := rs.storage.ListLinksByArtifact(line.Reference)
			if err != nil {
				return nil, err
			}
			byEntry := make(map[string]map[string]bool)
			for _, l := range links {
				if l.LinkType != LinkMatchedWith || l.FromArtifact != line.Reference {
					continue
				}
				if byEntry[l.ToArtifact] == nil {
					byEntry[l.ToArtifact] = make(map[string]bool)
				}
				byEntry[l.ToArtifact][l.ID] = true
			}
			for entry, ids := range byEntry {
				if len(ids) > 1 {
					out = append(out, IntegrityFinding{
						Check:     "duplicate_gl_match",
						Status:    IntegrityFailed,
						Reference: entry,
						Detail:    fmt.Sprintf("GL entry %s is matched by %d separate links from statement line %s", entry, len(ids), line.Reference),
					})
				}
			}
		}
	}
	return out, nil
}

// checkBalanceDiscontinuities verifies, per period, that opening balance
// plus the signed sum of its lines equals the reported closing balance,
// and that consecutive periods chain (period N's closing balance is
// period N+1's opening balance).
func checkBalanceDiscontinuities(periods []StatementPeriod) []IntegrityFinding {
	var out []IntegrityFinding
	for i, p := range periods {
		sum := ZeroMoney(p.OpeningBalance.Currency)
		for _, line := range p.Lines {
			var err error
			sum, err = sum.Add(line.Amount)
			if err != nil {
				out = append(out, IntegrityFinding{
					Check: "balance_discontinuity", Status: IntegrityFailed, Reference: p.ID,
					Detail: fmt.Sprintf("period %s: currency mismatch summing statement lines: %v", p.ID, err),
				})
				continue
			}
		}
		expectedClosing, err := p.OpeningBalance.Add(sum)
		if err != nil {
			out = append(out, IntegrityFinding{
				Check: "balance_discontinuity", Status: IntegrityFailed, Reference: p.ID,
				Detail: fmt.Sprintf("period %s: currency mismatch against opening balance: %v", p.ID, err),
			})
			continue
		}
		if cmp, cmpErr := expectedClosing.Cmp(p.ClosingBalance); cmpErr != nil {
			out = append(out, IntegrityFinding{
				Check: "balance_discontinuity", Status: IntegrityFailed, Reference: p.ID,
				Detail: fmt.Sprintf("period %s: currency mismatch against bank closing balance: %v", p.ID, cmpErr),
			})
		} else if cmp != 0 {
			out = append(out, IntegrityFinding{
				Check: "balance_discontinuity", Status: IntegrityFailed, Reference: p.ID,
				Detail: fmt.Sprintf("period %s: opening %s plus lines %s expected closing %s, bank reported %s", p.ID, p.OpeningBalance, sum, expectedClosing, p.ClosingBalance),
			})
		}
		if i > 0 {
			prev := periods[i-1]
			if cmp, cmpErr := prev.ClosingBalance.Cmp(p.OpeningBalance); cmpErr != nil {
				out = append(out, IntegrityFinding{
					Check: "balance_discontinuity", Status: IntegrityFailed, Reference: p.ID,
					Detail: fmt.Sprintf("period %s: currency mismatch chaining from period %s: %v", p.ID, prev.ID, cmpErr),
				})
			} else if cmp != 0 {
				out = append(out, IntegrityFinding{
					Check: "balance_discontinuity", Status: IntegrityFailed, Reference: p.ID,
					Detail: fmt.Sprintf("period %s opening balance %s does not match period %s closing balance %s", p.ID, p.OpeningBalance, prev.ID, prev.ClosingBalance),
				})
			}
		}
	}
	return out
}

// checkCompletedVariance sums the bank-reconciliation links actually
// recorded against each completed statement line and flags any gap
// against the line's reported amount — a "completed" line whose links
// don't sum to its own amount indicates either a bad match or a
// partially-unwound one.
func (rs *ReconciliationService) checkCompletedVariance(periods []StatementPeriod) ([]IntegrityFinding, error) {
	var out []IntegrityFinding
	for _, p := range periods {
		for _, line := range p.Lines {
			if line.Status != StatementCompleted {
				continue
			}
			links, err := rs.storage.ListLinksByArtifact(line.Reference)
			if err != nil {
				return nil, err
			}
			applied := ZeroMoney(line.Amount.Currency)
			for _, l := range links {
				if l.LinkType != LinkMatchedWith || l.FromArtifact != line.Reference {
					continue
				}
				applied, err = applied.Add(l.AmountApplied)
				if err != nil {
					return nil, err
				}
			}
			variance, err := applied.Sub(line.Amount)
			if err != nil {
				return nil, err
			}
			if !variance.IsZero() {
				status := IntegrityWarning
				if variance.Amount.Abs().GreaterThan(roundingTolerance(line.Amount.Currency).Amount) {
					status = IntegrityFailed
				}
				out = append(out, IntegrityFinding{
					Check:     "completed_variance",
					Status:    status,
					Reference: line.Reference,
					Detail:    fmt.Sprintf("completed statement line %s: linked amount %s differs from reported amount %s by %s", line.Reference, applied, line.Amount, variance),
				})
			}
		}
	}
	return out, nil
}

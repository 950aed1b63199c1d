package accounting

import (
	"fmt"
	"time"
)

// Kernel wires every component behind a single external interface, in place
// of an earlier facade that wired an ad hoc service set (AML/ZBB/forensic
// checks and the like) — this facade wires only the posting pipeline and
// its reconciliation layer.
type Kernel struct {
	Storage      *Storage
	Events       *EventStore
	Policies     *PolicyPack
	Dispatcher   *Dispatcher
	Resolver     *RoleResolver
	Posting      *PostingEngine
	Reconcile    *ReconciliationService
	AuditChain   *AuditChain
}

// NewKernel opens storage at dbPath and wires every component against it.
// Callers register engines and bind roles after construction, before the
// first PostEvent call.
func NewKernel(dbPath string, policies *PolicyPack, resolver *RoleResolver) (*Kernel, error) {
	storage, err := NewStorage(dbPath)
	if err != nil {
		return nil, err
	}
	k := &Kernel{
		Storage:    storage,
		Events:     NewEventStore(storage),
		Policies:   policies,
		Dispatcher: NewDispatcher(nil),
		Resolver:   resolver,
		Posting:    NewPostingEngine(storage),
		Reconcile:  NewReconciliationService(storage),
		AuditChain: NewAuditChain(storage),
	}
	k.Dispatcher.Register(NewAgingEngine())
	k.Dispatcher.Register(NewVarianceEngine())
	k.Dispatcher.Register(NewAllocationEngine())
	k.Dispatcher.Register(NewTaxEngine())
	k.Dispatcher.Register(NewMatchingEngine())
	return k, nil
}

func (k *Kernel) Close() error { return k.Storage.Close() }

// PostEvent runs the full pipeline: record the raw event, select a
// policy, dispatch engines, build Meaning, and interpret it into a
// persisted JournalEntry. A duplicate IdempotencyKey for the same legal
// entity returns the original entry rather than erroring.
func (k *Kernel) PostEvent(eventType string, payload map[string]any, effectiveDate time.Time, actor, legalEntity, idempotencyKey string) (*JournalEntry, error) {
	if existing, ok, err := NewIdempotencyGuard(k.Storage).Precheck(legalEntity, idempotencyKey); err != nil {
		return nil, err
	} else if ok {
		return existing, nil
	}

	event, err := k.Events.Record(eventType, payload, effectiveDate, actor, legalEntity, idempotencyKey)
	if err != nil {
		return nil, err
	}

	profile, err := k.Policies.Select(eventType, effectiveDate, payload)
	if err != nil {
		return nil, err
	}

	engineOutputs, err := k.Dispatcher.Dispatch(profile, payload)
	if err != nil {
		return nil, err
	}

	meaning, err := BuildMeaning(profile, engineOutputs, payload, k.Resolver, legalEntity)
	if err != nil {
		return nil, err
	}

	intent := NewAccountingIntent(event, profile)
	log := NewDecisionLog()
	log.Record("policy_selection", fmt.Sprintf("matched profile %q", profile.Name))
	return k.Posting.Interpret(event, intent, meaning, k.Resolver, log)
}

// ValidateAdjustmentAllowed reports whether a posting flagged as an
// adjustment against effectiveDate would be accepted, without performing
// one — used by upstream callers (e.g. a closing-period UI) to pre-flight
// the period guard before doing the rest of the pipeline's work.
func (k *Kernel) ValidateAdjustmentAllowed(legalEntity string, effectiveDate time.Time) error {
	return NewPeriodGuard(k.Storage).Check(legalEntity, effectiveDate, true)
}

// ApplyPayment exposes the reconciliation service's payment application
// directly (not every application needs a fresh journal entry — e.g.
// applying an existing on-account credit).
func (k *Kernel) ApplyPayment(paymentRef, targetArtifactRef string, amount, targetTotal Money) (*EconomicLink, error) {
	return k.Reconcile.ApplyPayment(paymentRef, targetArtifactRef, amount, targetTotal)
}

// CreateThreeWayMatch matches a purchase order against a receipt and an
// invoice via the registered matching engine and records the result as two
// FULFILLED_BY links (PO->receipt, receipt->invoice) per spec.md:135.
func (k *Kernel) CreateThreeWayMatch(poRef, receiptRef, invoiceRef string, po, receipt, invoice MatchDocument, tolerance MatchTolerance) ([]*EconomicLink, *MatchResult, error) {
	matchEngine := k.Dispatcher.engines["matching"].(*MatchingEngine)
	return k.Reconcile.CreateMatch(matchEngine, poRef, receiptRef, invoiceRef, po, receipt, invoice, tolerance)
}

// GetReconciliationState exposes the reconciliation service's derived view.
func (k *Kernel) GetReconciliationState(artifactRef string, totalAmount Money) (*ReconciliationState, error) {
	return k.Reconcile.GetReconciliationState(artifactRef, totalAmount)
}

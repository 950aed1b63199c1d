package accounting

import (
	"sort"
	"time"
)

// LedgerType names one of the ledgers a line can post into — the general
// ledger plus the per-domain subledgers.
type LedgerType string

const (
	LedgerGL  LedgerType = "GL"
	LedgerAR  LedgerType = "AR"
	LedgerAP  LedgerType = "AP"
	LedgerINV LedgerType = "INV"
)

// Side is which column of the double-entry a line lands in.
type Side string

const (
	SideDebit  Side = "DEBIT"
	SideCredit Side = "CREDIT"
)

// SourceKind tells the interpretation coordinator where a line's amount and
// dimension set come from when materializing an EconomicProfile into
// concrete JournalLines.
type SourceKind string

const (
	// SourcePrimary uses the event's top-level amount/currency verbatim.
	SourcePrimary SourceKind = "PRIMARY"
	// SourceEngineOutput pulls a named field out of one engine's result.
	SourceEngineOutput SourceKind = "ENGINE_OUTPUT"
	// SourceForEach repeats this mapping once per element of an engine's
	// result collection (e.g. once per allocation target line).
	SourceForEach SourceKind = "FOR_EACH"
)

// AmountSource describes how to obtain a line's Money value and, for
// SourceForEach, the engine whose collection output drives the repetition.
type AmountSource struct {
	Kind       SourceKind
	Engine     string // engine name, required for ENGINE_OUTPUT / FOR_EACH
	Field      string // named field of the engine result, e.g. "tax_amount" or "price_variance" (see meaning.go's extractMoney)
}

// LineMapping is one template line in an EconomicProfile: which role plays
// which side of which ledger, and where its amount comes from.
type LineMapping struct {
	Role   string
	Side   Side
	Ledger LedgerType
	Amount AmountSource
}

// WhereClause is a single (field_path, expected_value) equality
// discriminator used during profile selection. Guards, by contrast,
// run after selection and can veto a match outright (guard.go).
type WhereClause struct {
	Field    Field
	Expected any
}

func (w WhereClause) matches(payload map[string]any) bool {
	return w.Field.resolve(payload) == w.Expected
}

// EconomicProfile is one row of the policy pack: the immutable mapping from
// a business event shape to a posting recipe.
type EconomicProfile struct {
	Name            string
	Version         int
	EventType       string
	Where           []WhereClause
	RequiredEngines []string
	EngineParams    map[string]map[string]any
	Lines           []LineMapping
	Guards          []GuardRule
	EffectiveFrom   time.Time
}

func (p *EconomicProfile) matches(payload map[string]any) bool {
	for _, w := range p.Where {
		if !w.matches(payload) {
			return false
		}
	}
	return true
}

// PolicyPack is the compiled, immutable registry of EconomicProfiles,
// indexed by event type for O(1) candidate narrowing before the linear
// where-clause scan. Built once at startup and never mutated after
// NewPolicyPack returns — callers that need to change policy build a new
// pack and swap the kernel's reference to it.
type PolicyPack struct {
	byEventType map[string][]*EconomicProfile
}

// NewPolicyPack compiles profiles into a PolicyPack. Profiles are copied by
// pointer; callers must not mutate a profile after handing it here.
func NewPolicyPack(profiles ...*EconomicProfile) *PolicyPack {
	pp := &PolicyPack{byEventType: make(map[string][]*EconomicProfile)}
	for _, p := range profiles {
		pp.byEventType[p.EventType] = append(pp.byEventType[p.EventType], p)
	}
	return pp
}

// Select finds the single EconomicProfile matching eventType/payload as of
// effectiveDate. Candidates are narrowed by where-clauses, then ranked by
// (where-clause specificity desc, EffectiveFrom desc, Version desc); if the
// top two candidates tie on all three, selection is ambiguous rather than
// guessing.
func (pp *PolicyPack) Select(eventType string, effectiveDate time.Time, payload map[string]any) (*EconomicProfile, error) {
	candidates := make([]*EconomicProfile, 0, 4)
	for _, p := range pp.byEventType[eventType] {
		if p.EffectiveFrom.After(effectiveDate) {
			continue
		}
		if p.matches(payload) {
			candidates = append(candidates, p)
		}
	}
	if len(candidates) == 0 {
		return nil, newErr(CodeNoMatchingPolicy, "no economic profile matches event type %q", eventType)
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if len(a.Where) != len(b.Where) {
			return len(a.Where) > len(b.Where)
		}
		if !a.EffectiveFrom.Equal(b.EffectiveFrom) {
			return a.EffectiveFrom.After(b.EffectiveFrom)
		}
		return a.Version > b.Version
	})
	if len(candidates) > 1 {
		top, next := candidates[0], candidates[1]
		if len(top.Where) == len(next.Where) && top.EffectiveFrom.Equal(next.EffectiveFrom) && top.Version == next.Version {
			return nil, newErr(CodeAmbiguousPolicy, "event type %q matches %d profiles with equal specificity", eventType, len(candidates))
		}
	}
	return candidates[0], nil
}

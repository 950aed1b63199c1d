package accounting

import "time"

// AccountingIntent is the caller's request shape that, combined with a
// Meaning, fully determines the journal entry.
// BuildMeaning only needs the raw payload and engine outputs; AccountingIntent
// is what the interpretation coordinator carries alongside a Meaning so
// that the profile name, source event, and a snapshot of the payload as it
// stood at selection time travel together into the audit rationale, rather
// than the coordinator re-reaching into the event store for them.
type AccountingIntent struct {
	ProfileName     string
	SourceEventID   string
	EffectiveDate   time.Time
	Amount          Money
	Currency        Currency
	PayloadSnapshot map[string]any
	IsAdjustment    bool
}

// NewAccountingIntent builds the AccountingIntent for event once profile has
// been selected, snapshotting the payload so later mutation of the caller's
// map (if any) cannot change what a replay would see.
func NewAccountingIntent(event *BusinessEvent, profile *EconomicProfile) *AccountingIntent {
	amount, _ := event.Payload["amount"].(Money)
	currency, _ := event.Payload["currency"].(Currency)
	isAdjustment, _ := event.Payload["is_adjustment"].(bool)
	snapshot := make(map[string]any, len(event.Payload))
	for k, v := range event.Payload {
		snapshot[k] = v
	}
	return &AccountingIntent{
		ProfileName:     profile.Name,
		SourceEventID:   event.ID,
		EffectiveDate:   event.EffectiveDate,
		Amount:          amount,
		Currency:        currency,
		PayloadSnapshot: snapshot,
		IsAdjustment:    isAdjustment,
	}
}

// RoleResolver maps an abstract (role, ledger) pair to a concrete account
// code, keeping the posting profiles free of hard-coded chart-of-accounts
// strings — a profile says "debit the receivable role", the resolver says
// which GL account that is for a given legal entity's chart.
type RoleResolver struct {
	// bindings[legalEntity][role+":"+ledger] = accountCode
	bindings map[string]map[string]string
}

func NewRoleResolver() *RoleResolver {
	return &RoleResolver{bindings: make(map[string]map[string]string)}
}

// Bind registers the account code a role resolves to for a given legal
// entity and ledger.
func (r *RoleResolver) Bind(legalEntity, role string, ledger LedgerType, accountCode string) {
	key := roleKey(role, ledger)
	m, ok := r.bindings[legalEntity]
	if !ok {
		m = make(map[string]string)
		r.bindings[legalEntity] = m
	}
	m[key] = accountCode
}

func roleKey(role string, ledger LedgerType) string {
	return role + ":" + string(ledger)
}

// Resolve returns the account code bound to role/ledger within legalEntity,
// or UnresolvedRole if no binding exists — a profile referencing a role the
// chart of accounts never defined is a configuration error, not a retryable
// one.
func (r *RoleResolver) Resolve(legalEntity, role string, ledger LedgerType) (string, error) {
	m, ok := r.bindings[legalEntity]
	if ok {
		if code, ok := m[roleKey(role, ledger)]; ok {
			return code, nil
		}
	}
	return "", newErr(CodeUnresolvedRole, "no account bound to role %q on ledger %s for entity %q", role, ledger, legalEntity)
}

// ResolvedLine is one LineMapping after its role has been resolved to a
// concrete account and its amount materialized into Money.
type ResolvedLine struct {
	AccountCode string
	Side        Side
	Ledger      LedgerType
	Amount      Money
	Dimensions  map[string]string
}

// Meaning is the immutable result of meaning construction: a selected
// profile, the engine outputs it required, and every line resolved to a
// concrete account and amount — everything the interpretation coordinator
// needs to materialize a JournalEntry without touching the policy pack or
// dispatcher again.
type Meaning struct {
	Profile      *EconomicProfile
	EngineOutputs map[string]any
	Lines        []ResolvedLine
}

// BuildMeaning resolves profile.Lines against engineOutputs and the payload,
// using resolver to turn each line's role into a concrete account code.
func BuildMeaning(profile *EconomicProfile, engineOutputs map[string]any, payload map[string]any, resolver *RoleResolver, legalEntity string) (*Meaning, error) {
	var lines []ResolvedLine
	currency, _ := payload["currency"].(Currency)

	for _, lm := range profile.Lines {
		account, err := resolver.Resolve(legalEntity, lm.Role, lm.Ledger)
		if err != nil {
			return nil, err
		}
		switch lm.Amount.Kind {
		case SourcePrimary:
			amount, ok := payload["amount"].(Money)
			if !ok {
				return nil, newErr(CodeTransient, "profile %q: payload.amount missing for PRIMARY line", profile.Name)
			}
			lines = append(lines, ResolvedLine{AccountCode: account, Side: lm.Side, Ledger: lm.Ledger, Amount: amount})
		case SourceEngineOutput:
			amount, err := extractMoney(engineOutputs, lm.Amount.Engine, lm.Amount.Field, currency)
			if err != nil {
				return nil, err
			}
			lines = append(lines, ResolvedLine{AccountCode: account, Side: lm.Side, Ledger: lm.Ledger, Amount: amount})
		case SourceForEach:
			result, ok := engineOutputs[lm.Amount.Engine].(AllocationResult)
			if !ok {
				return nil, newErr(CodeTransient, "profile %q: FOR_EACH requires an AllocationResult from engine %q", profile.Name, lm.Amount.Engine)
			}
			for _, al := range result.Lines {
				lines = append(lines, ResolvedLine{
					AccountCode: account,
					Side:        lm.Side,
					Ledger:      lm.Ledger,
					Amount:      al.Amount,
					Dimensions:  map[string]string{"allocation_target": al.TargetID},
				})
			}
		}
	}
	return &Meaning{Profile: profile, EngineOutputs: engineOutputs, Lines: lines}, nil
}

func extractMoney(engineOutputs map[string]any, engine, field string, fallbackCurrency Currency) (Money, error) {
	out, ok := engineOutputs[engine]
	if !ok {
		return Money{}, newErr(CodeTransient, "no output recorded for engine %q", engine)
	}
	switch v := out.(type) {
	case TaxResult:
		switch field {
		case "tax_amount":
			return v.TaxAmount, nil
		case "base":
			return v.Base, nil
		case "gross_total":
			return v.GrossTotal, nil
		}
	case VarianceResult:
		if field == "price_variance" {
			return v.PriceVariance, nil
		}
	}
	return Money{}, newErr(CodeTransient, "engine %q produced no field %q", engine, field)
}

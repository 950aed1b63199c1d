package accounting

import "github.com/shopspring/decimal"

// MatchType distinguishes document-matching flavors, grounded on
// finance_engines/matching.py's MatchType.
type MatchType string

const (
	MatchTwoWay   MatchType = "TWO_WAY"   // PO vs invoice, no receipt leg
	MatchThreeWay MatchType = "THREE_WAY" // PO vs receipt vs invoice
)

// ToleranceMode picks whether a MatchTolerance magnitude is a fixed amount
// or a percentage of the PO's value, grounded on finance_engines/matching.py's
// ToleranceType (ABSOLUTE/PERCENT).
type ToleranceMode string

const (
	ToleranceAbsolute ToleranceMode = "ABSOLUTE"
	TolerancePercent  ToleranceMode = "PERCENT"
)

// MatchTolerance bounds how much quantity/price variance is acceptable
// before a match is rejected, one tolerance per field per spec.md's "a
// tolerance (absolute or percent per field)".
type MatchTolerance struct {
	QuantityTolerance decimal.Decimal
	QuantityMode      ToleranceMode
	PriceTolerance    decimal.Decimal
	PriceMode         ToleranceMode
}

// MatchStatus is the Result's verdict.
type MatchStatus string

const (
	MatchApproved MatchStatus = "APPROVED"
	MatchRejected MatchStatus = "REJECTED"
)

// MatchResult is the Result shape MatchingEngine produces.
type MatchResult struct {
	Type             MatchType
	Status           MatchStatus
	QuantityVariance decimal.Decimal
	PriceVariance    Money
}

// MatchDocument is one leg of a match (PO, receipt, or invoice line).
type MatchDocument struct {
	Quantity decimal.Decimal
	Price    Money
}

// MatchingEngine compares a PO against a receipt and an invoice within
// tolerance, grounded on finance_engines/matching.py (MatchType,
// MatchTolerance) and spec.md:135's 3-way-match formulas. It delegates the
// actual delta arithmetic to the variance engine rather than duplicating
// it.
type MatchingEngine struct {
	variance *VarianceEngine
}

func NewMatchingEngine() *MatchingEngine {
	return &MatchingEngine{variance: NewVarianceEngine()}
}

func (e *MatchingEngine) Name() string    { return "matching" }
func (e *MatchingEngine) Version() string { return "1.0" }

// Invoke expects payload.po and payload.invoice (MatchDocument). payload.receipt
// makes this a MatchThreeWay; when absent this is a MatchTwoWay and the PO
// stands in for the receipt leg, so quantity_variance collapses to 0
// against the PO itself.
func (e *MatchingEngine) Invoke(payload map[string]any, params map[string]any) (any, error) {
	po, ok := payload["po"].(MatchDocument)
	if !ok {
		return nil, newErr(CodeTransient, "matching engine requires payload.po")
	}
	invoice, ok := payload["invoice"].(MatchDocument)
	if !ok {
		return nil, newErr(CodeTransient, "matching engine requires payload.invoice")
	}
	receipt, hasReceipt := payload["receipt"].(MatchDocument)
	matchType := MatchTwoWay
	if hasReceipt {
		matchType = MatchThreeWay
	} else {
		receipt = po
	}
	tolerance, ok := payload["tolerance"].(MatchTolerance)
	if !ok {
		tolerance = MatchTolerance{
			QuantityTolerance: decimal.NewFromFloat(0.05), QuantityMode: TolerancePercent,
			PriceTolerance: decimal.NewFromFloat(0.02), PriceMode: TolerancePercent,
		}
	}

	varianceResult, err := e.variance.Invoke(
		map[string]any{
			"po_quantity":      po.Quantity,
			"receipt_quantity": receipt.Quantity,
			"invoice_quantity": invoice.Quantity,
			"po_price":         po.Price,
			"invoice_price":    invoice.Price,
		},
		nil,
	)
	if err != nil {
		return nil, err
	}
	vr := varianceResult.(VarianceResult)

	qtyOK := withinTolerance(vr.QuantityVariance.Abs(), po.Quantity.Abs(), tolerance.QuantityTolerance, tolerance.QuantityMode)
	priceOK := withinTolerance(vr.PriceVariance.Amount.Abs(), po.Price.Amount.Abs().Mul(invoice.Quantity), tolerance.PriceTolerance, tolerance.PriceMode)

	if qtyOK && priceOK {
		return MatchResult{Type: matchType, Status: MatchApproved, QuantityVariance: vr.QuantityVariance, PriceVariance: vr.PriceVariance}, nil
	}
	return MatchResult{Type: matchType, Status: MatchRejected, QuantityVariance: vr.QuantityVariance, PriceVariance: vr.PriceVariance}, nil
}

// withinTolerance compares magnitude against tolerance directly under
// ABSOLUTE mode, or against base*tolerance under PERCENT mode.
func withinTolerance(magnitude, base, tolerance decimal.Decimal, mode ToleranceMode) bool {
	bound := tolerance
	if mode == TolerancePercent {
		bound = base.Mul(tolerance)
	}
	return magnitude.LessThanOrEqual(bound)
}

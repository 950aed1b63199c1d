package accounting

import "github.com/shopspring/decimal"

// VarianceResult reports the quantity and price deltas a 3-way match needs,
// per spec's own formulas: quantity_variance = receipt_qty - po_qty;
// price_variance = (invoice_price - po_price) * invoice_qty. Tolerance
// evaluation is the matching engine's job, not this engine's — this engine
// only computes the deltas.
type VarianceResult struct {
	QuantityVariance decimal.Decimal
	PriceVariance    Money
}

// VarianceEngine computes PO/Receipt/Invoice deltas. Grounded on
// finance_engines/matching.py's delegation to a variance calculator ahead
// of tolerance evaluation.
type VarianceEngine struct{}

func NewVarianceEngine() *VarianceEngine { return &VarianceEngine{} }

func (e *VarianceEngine) Name() string    { return "variance" }
func (e *VarianceEngine) Version() string { return "1.0" }

// Invoke expects payload.po_quantity, payload.receipt_quantity,
// payload.invoice_quantity, payload.po_price and payload.invoice_price.
func (e *VarianceEngine) Invoke(payload map[string]any, params map[string]any) (any, error) {
	poQty, _ := payload["po_quantity"].(decimal.Decimal)
	receiptQty, _ := payload["receipt_quantity"].(decimal.Decimal)
	invoiceQty, _ := payload["invoice_quantity"].(decimal.Decimal)
	poPrice, ok1 := payload["po_price"].(Money)
	invoicePrice, ok2 := payload["invoice_price"].(Money)
	if !ok1 || !ok2 {
		return nil, newErr(CodeTransient, "variance engine requires payload.po_price and payload.invoice_price")
	}

	priceDelta, err := invoicePrice.Sub(poPrice)
	if err != nil {
		return nil, err
	}

	return VarianceResult{
		QuantityVariance: receiptQty.Sub(poQty),
		PriceVariance:    priceDelta.Mul(invoiceQty),
	}, nil
}

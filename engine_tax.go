package accounting

import "github.com/shopspring/decimal"

// TaxType distinguishes the tax regimes finance_engines/tax.py enumerates.
type TaxType string

const (
	TaxSales       TaxType = "SALES"
	TaxVAT         TaxType = "VAT"
	TaxGST         TaxType = "GST"
	TaxWithholding TaxType = "WITHHOLDING"
)

// TaxMethod is how the rate relates to the stated amount.
type TaxMethod string

const (
	TaxExclusive TaxMethod = "EXCLUSIVE" // tax added on top of amount
	TaxInclusive TaxMethod = "INCLUSIVE" // tax already embedded in amount
	TaxCompound  TaxMethod = "COMPOUND"  // tax computed on (amount + prior tax)
)

// TaxRate is one named rate applicable under a TaxType.
type TaxRate struct {
	Type TaxType
	Rate decimal.Decimal // e.g. 0.0825 for 8.25%
}

// TaxResult is the Result shape TaxEngine produces.
type TaxResult struct {
	Base       Money
	TaxAmount  Money
	GrossTotal Money
}

// TaxEngine computes tax for the exclusive, inclusive, and compound
// methods, grounded on finance_engines/tax.py's TaxCalculationMethod. There
// is no separate withholding method: a WITHHOLDING-type rate is summed and
// added like any other rate.
type TaxEngine struct{}

func NewTaxEngine() *TaxEngine { return &TaxEngine{} }

func (e *TaxEngine) Name() string    { return "tax" }
func (e *TaxEngine) Version() string { return "1.0" }

func (e *TaxEngine) Invoke(payload map[string]any, params map[string]any) (any, error) {
	amount, ok := payload["amount"].(Money)
	if !ok {
		return nil, newErr(CodeTransient, "tax engine requires payload.amount")
	}
	rates, ok := payload["rates"].([]TaxRate)
	if !ok || len(rates) == 0 {
		return nil, newErr(CodeTransient, "tax engine requires payload.rates")
	}
	method, _ := payload["method"].(TaxMethod)
	if method == "" {
		method = TaxExclusive
	}

	switch method {
	case TaxInclusive:
		return taxInclusive(amount, rates)
	case TaxCompound:
		return taxCompound(amount, rates)
	case TaxExclusive:
		return taxExclusive(amount, rates)
	default:
		return taxExclusive(amount, rates)
	}
}

func combinedRate(rates []TaxRate) decimal.Decimal {
	sum := decimal.Zero
	for _, r := range rates {
		sum = sum.Add(r.Rate)
	}
	return sum
}

func taxExclusive(amount Money, rates []TaxRate) (TaxResult, error) {
	tax := amount.Mul(combinedRate(rates)).Quantize()
	gross, err := amount.Add(tax)
	if err != nil {
		return TaxResult{}, err
	}
	return TaxResult{Base: amount, TaxAmount: tax, GrossTotal: gross}, nil
}

func taxInclusive(gross Money, rates []TaxRate) (TaxResult, error) {
	rate := combinedRate(rates)
	divisor := decimal.New(1, 0).Add(rate)
	base := Money{Amount: gross.Amount.Div(divisor), Currency: gross.Currency}.Quantize()
	tax, err := gross.Sub(base)
	if err != nil {
		return TaxResult{}, err
	}
	return TaxResult{Base: base, TaxAmount: tax, GrossTotal: gross}, nil
}

func taxCompound(amount Money, rates []TaxRate) (TaxResult, error) {
	running := amount
	totalTax := ZeroMoney(amount.Currency)
	for _, r := range rates {
		layer := running.Mul(r.Rate).Quantize()
		var err error
		totalTax, err = totalTax.Add(layer)
		if err != nil {
			return TaxResult{}, err
		}
		running, err = running.Add(layer)
		if err != nil {
			return TaxResult{}, err
		}
	}
	return TaxResult{Base: amount, TaxAmount: totalTax, GrossTotal: running}, nil
}

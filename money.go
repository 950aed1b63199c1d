package accounting

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Currency is an ISO-4217-like code. The kernel does not validate membership
// in any particular list; policy packs and engines are the ones that care
// which currencies are legal for a given ledger.
type Currency string

// currencyScale holds the minor-unit exponent for currencies the kernel
// knows how to quantize. Unlisted currencies default to 2 decimal places.
var currencyScale = map[Currency]int32{
	"JPY": 0,
	"KWD": 3,
	"BHD": 3,
	"OMR": 3,
}

func scaleFor(c Currency) int32 {
	if s, ok := currencyScale[c]; ok {
		return s
	}
	return 2
}

// Money pairs an arbitrary-precision decimal with its currency. No field is
// a float anywhere on this type or its methods — decimal.Decimal is backed
// by big.Int, giving the unbounded significant-digit range the monetary
// path requires.
type Money struct {
	Amount   decimal.Decimal
	Currency Currency
}

// NewMoney parses amount (a base-10 string, never a float literal) into a
// Money value. Callers that already hold a decimal.Decimal should construct
// Money{} directly.
func NewMoney(amount string, currency Currency) (Money, error) {
	d, err := decimal.NewFromString(amount)
	if err != nil {
		return Money{}, newErr(CodeCurrencyMismatch, "invalid amount %q: %v", amount, err)
	}
	return Money{Amount: d, Currency: currency}, nil
}

// ZeroMoney returns the additive identity in the given currency.
func ZeroMoney(currency Currency) Money {
	return Money{Amount: decimal.Zero, Currency: currency}
}

func (m Money) IsZero() bool { return m.Amount.IsZero() }

func (m Money) Sign() int { return m.Amount.Sign() }

func (m Money) String() string {
	return fmt.Sprintf("%s %s", m.Amount.StringFixed(scaleFor(m.Currency)), m.Currency)
}

func (m Money) sameCurrency(other Money) error {
	if m.Currency != other.Currency {
		return newErr(CodeCurrencyMismatch, "cannot combine %s with %s", m.Currency, other.Currency)
	}
	return nil
}

// Add returns m+other. Both operands must share a currency.
func (m Money) Add(other Money) (Money, error) {
	if err := m.sameCurrency(other); err != nil {
		return Money{}, err
	}
	return Money{Amount: m.Amount.Add(other.Amount), Currency: m.Currency}, nil
}

// Sub returns m-other. Both operands must share a currency.
func (m Money) Sub(other Money) (Money, error) {
	if err := m.sameCurrency(other); err != nil {
		return Money{}, err
	}
	return Money{Amount: m.Amount.Sub(other.Amount), Currency: m.Currency}, nil
}

// Neg returns the additive inverse, used when flipping a debit into a
// credit (or vice-versa) for reversal and rounding-line construction.
func (m Money) Neg() Money {
	return Money{Amount: m.Amount.Neg(), Currency: m.Currency}
}

// Cmp returns -1, 0 or 1 comparing m to other, or a CurrencyMismatch error
// if currencies differ — callers on the balance-check path always compare
// same-currency subtotals, never cross-currency amounts directly.
func (m Money) Cmp(other Money) (int, error) {
	if err := m.sameCurrency(other); err != nil {
		return 0, err
	}
	return m.Amount.Cmp(other.Amount), nil
}

// Quantize rounds m to the currency's minor-unit scale using half-up
// rounding, the convention the original allocation/tax engines assume.
func (m Money) Quantize() Money {
	return Money{Amount: m.Amount.Round(scaleFor(m.Currency)), Currency: m.Currency}
}

// Mul scales m by a unitless decimal factor (allocation weights, tax rates).
func (m Money) Mul(factor decimal.Decimal) Money {
	return Money{Amount: m.Amount.Mul(factor), Currency: m.Currency}
}

// SumMoney adds a slice of same-currency Money values, returning a
// CurrencyMismatch error at the first value whose currency disagrees with
// currency.
func SumMoney(currency Currency, values ...Money) (Money, error) {
	total := ZeroMoney(currency)
	for _, v := range values {
		var err error
		total, err = total.Add(v)
		if err != nil {
			return Money{}, err
		}
	}
	return total, nil
}

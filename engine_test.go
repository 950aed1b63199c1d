package accounting

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAgingEngineClassifiesBuckets(t *testing.T) {
	e := NewAgingEngine()
	asOf := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	due := asOf.AddDate(0, 0, -45)

	out, err := e.Invoke(map[string]any{"due_date": due, "as_of": asOf}, nil)
	require.NoError(t, err)
	result := out.(AgingResult)
	assert.Equal(t, 45, result.AgeDays)
	assert.Equal(t, "31-60", result.Bucket)
}

// TestAllocationProrataRoundingRemainder is concrete scenario 2: allocating
// 100.00 USD across three targets with eligible shares 33.33/33.33/33.34
// must sum back to exactly 100.00.
func TestAllocationProrataRoundingRemainder(t *testing.T) {
	total, _ := NewMoney("100.00", "USD")
	targets := []AllocationTarget{
		{ID: "t1", Weight: decimal.NewFromFloat(33.33)},
		{ID: "t2", Weight: decimal.NewFromFloat(33.33)},
		{ID: "t3", Weight: decimal.NewFromFloat(33.34)},
	}

	e := NewAllocationEngine()
	out, err := e.Invoke(map[string]any{"total": total, "targets": targets, "method": AllocationProrata}, nil)
	require.NoError(t, err)
	result := out.(AllocationResult)

	require.Len(t, result.Lines, 3)
	sum := ZeroMoney("USD")
	for _, l := range result.Lines {
		sum, err = sum.Add(l.Amount)
		require.NoError(t, err)
	}
	cmp, err := sum.Cmp(total)
	require.NoError(t, err)
	assert.Equal(t, 0, cmp, "allocation lines must sum exactly to the total")
}

func TestAllocationSpecificRejectsMismatchedSum(t *testing.T) {
	total, _ := NewMoney("100.00", "USD")
	a, _ := NewMoney("40.00", "USD")
	b, _ := NewMoney("40.00", "USD")
	targets := []AllocationTarget{{ID: "a", Specific: a}, {ID: "b", Specific: b}}

	e := NewAllocationEngine()
	_, err := e.Invoke(map[string]any{"total": total, "targets": targets, "method": AllocationSpecific}, nil)
	require.Error(t, err)
	assert.Equal(t, CodeUnbalancedEntry, codeOf(err))
}

func TestTaxExclusiveAndInclusiveAgree(t *testing.T) {
	base, _ := NewMoney("100.00", "USD")
	rates := []TaxRate{{Type: TaxSales, Rate: decimal.NewFromFloat(0.0825)}}

	e := NewTaxEngine()
	exOut, err := e.Invoke(map[string]any{"amount": base, "rates": rates, "method": TaxExclusive}, nil)
	require.NoError(t, err)
	ex := exOut.(TaxResult)
	assert.Equal(t, "108.25 USD", ex.GrossTotal.String())

	inOut, err := e.Invoke(map[string]any{"amount": ex.GrossTotal, "rates": rates, "method": TaxInclusive}, nil)
	require.NoError(t, err)
	in := inOut.(TaxResult)
	assert.Equal(t, ex.Base.Quantize().String(), in.Base.String())
}

// TestMatchingThreeWayWithinTolerance is concrete scenario 3: PO qty=100
// price=10.00, receipt qty=100, invoice qty=100 price=10.50, tolerance
// absolute 100.00. price_variance = (10.50 - 10.00) * 100 = 50.00, within
// the absolute tolerance, so the match is approved.
func TestMatchingThreeWayWithinTolerance(t *testing.T) {
	poPrice, _ := NewMoney("10.00", "USD")
	invoicePrice, _ := NewMoney("10.50", "USD")
	po := MatchDocument{Quantity: decimal.NewFromInt(100), Price: poPrice}
	receipt := MatchDocument{Quantity: decimal.NewFromInt(100), Price: poPrice}
	invoice := MatchDocument{Quantity: decimal.NewFromInt(100), Price: invoicePrice}

	e := NewMatchingEngine()
	out, err := e.Invoke(map[string]any{
		"po":      po,
		"receipt": receipt,
		"invoice": invoice,
		"tolerance": MatchTolerance{
			QuantityTolerance: decimal.NewFromInt(5), QuantityMode: ToleranceAbsolute,
			PriceTolerance: decimal.NewFromInt(100), PriceMode: ToleranceAbsolute,
		},
	}, nil)
	require.NoError(t, err)
	result := out.(MatchResult)
	assert.Equal(t, MatchApproved, result.Status)
	assert.Equal(t, "50.00 USD", result.PriceVariance.String())
}

func TestDispatcherRunsRequiredEnginesAndTraces(t *testing.T) {
	sink := &MemoryTraceSink{}
	d := NewDispatcher(sink)
	d.Register(NewTaxEngine())

	profile := &EconomicProfile{
		Name:            "tax-test",
		RequiredEngines: []string{"tax"},
		EngineParams:    map[string]map[string]any{},
	}
	base, _ := NewMoney("50.00", "USD")
	_, err := d.Dispatch(profile, map[string]any{
		"amount": base,
		"rates":  []TaxRate{{Type: TaxSales, Rate: decimal.NewFromFloat(0.1)}},
	})
	require.NoError(t, err)
	require.Len(t, sink.Records(), 1)
	assert.Equal(t, "tax", sink.Records()[0].Engine)
	assert.Equal(t, "ok", sink.Records()[0].Outcome)
}

func TestDispatcherUnregisteredEngineIsTransient(t *testing.T) {
	d := NewDispatcher(nil)
	profile := &EconomicProfile{Name: "x", RequiredEngines: []string{"nonexistent"}}
	_, err := d.Dispatch(profile, map[string]any{})
	require.Error(t, err)
	assert.Equal(t, CodeTransient, codeOf(err))
}

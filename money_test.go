package accounting

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMoneyAddSameCurrency(t *testing.T) {
	a, err := NewMoney("10.50", "USD")
	require.NoError(t, err)
	b, err := NewMoney("5.25", "USD")
	require.NoError(t, err)

	sum, err := a.Add(b)
	require.NoError(t, err)
	assert.Equal(t, "15.75 USD", sum.String())
}

func TestMoneyAddCurrencyMismatch(t *testing.T) {
	a, _ := NewMoney("10.00", "USD")
	b, _ := NewMoney("10.00", "EUR")

	_, err := a.Add(b)
	require.Error(t, err)
	assert.Equal(t, CodeCurrencyMismatch, codeOf(err))
}

func TestMoneyQuantizeRoundsToCurrencyScale(t *testing.T) {
	yen, err := NewMoney("1234.6", "JPY")
	require.NoError(t, err)
	assert.Equal(t, "1235 JPY", yen.Quantize().String())

	usd, err := NewMoney("1.005", "USD")
	require.NoError(t, err)
	assert.Equal(t, "1.01 USD", usd.Quantize().String())
}

func TestMoneyNegFlipsSign(t *testing.T) {
	m, _ := NewMoney("42.00", "USD")
	assert.Equal(t, -1, m.Neg().Sign())
}

func TestSumMoneyPropagatesMismatch(t *testing.T) {
	usd, _ := NewMoney("1.00", "USD")
	eur, _ := NewMoney("1.00", "EUR")

	_, err := SumMoney("USD", usd, eur)
	require.Error(t, err)
	assert.Equal(t, CodeCurrencyMismatch, codeOf(err))
}

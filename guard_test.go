package accounting

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompareEqAndNested(t *testing.T) {
	payload := map[string]any{
		"invoice": map[string]any{"terms": map[string]any{"net_days": 30}},
	}
	g := Eq(Field("invoice.terms.net_days"), 30)
	ok, err := g.eval(payload)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCompareMissingFieldResolvesNil(t *testing.T) {
	g := Eq(Field("nope.missing"), nil)
	ok, err := g.eval(map[string]any{})
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestAndOrNot(t *testing.T) {
	payload := map[string]any{"amount": 150.0, "flagged": false}
	rule := And(
		Gt(Field("amount"), 100.0),
		Not(Eq(Field("flagged"), true)),
	)
	ok, err := rule.eval(payload)
	require.NoError(t, err)
	assert.True(t, ok)

	rule2 := Or(Lt(Field("amount"), 10.0), Eq(Field("flagged"), true))
	ok2, err := rule2.eval(payload)
	require.NoError(t, err)
	assert.False(t, ok2)
}

func TestInMembership(t *testing.T) {
	g := In{Field: "region", Set: []any{"EMEA", "APAC"}}
	ok, err := g.eval(map[string]any{"region": "APAC"})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = g.eval(map[string]any{"region": "LATAM"})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestGuardRuleRejectsWhenTrue(t *testing.T) {
	rule := GuardRule{
		Code:    CodeUnresolvedRole,
		Message: "amount too large",
		Expr:    Gt(Field("amount"), 1000.0),
	}
	err := rule.Check(map[string]any{"amount": 2000.0})
	require.Error(t, err)
	assert.Equal(t, CodeUnresolvedRole, codeOf(err))

	require.NoError(t, rule.Check(map[string]any{"amount": 500.0}))
}

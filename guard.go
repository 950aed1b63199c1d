package accounting

import (
	"fmt"
	"strings"
)

// Guard is a restricted boolean expression evaluated against an event
// payload. The grammar is intentionally small — attribute access,
// comparisons, and/or/not, literals, and static-set membership — so a guard
// can never call a function, loop, or mutate state. Guards are built as Go
// value trees by policy authors rather than parsed from a textual DSL: the
// policy pack is a compiled, in-process table, not a file format.
type Guard interface {
	eval(payload map[string]any) (bool, error)
}

// Field reads a dotted path ("invoice.terms.net_days") out of a nested
// payload map. A missing path evaluates as the Go zero value (nil) rather
// than an error, so guards can test for absence with Eq(Field(...), nil).
type Field string

func (f Field) resolve(payload map[string]any) any {
	cur := any(payload)
	for _, part := range strings.Split(string(f), ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur, ok = m[part]
		if !ok {
			return nil
		}
	}
	return cur
}

type compareOp int

const (
	opEq compareOp = iota
	opNeq
	opLt
	opLte
	opGt
	opGte
)

// Compare evaluates Field <op> Literal. Numeric comparisons accept
// int/int64/float64; anything else falls back to equality-only semantics.
type Compare struct {
	Field Field
	Op    compareOp
	Value any
}

func Eq(f Field, v any) Compare  { return Compare{Field: f, Op: opEq, Value: v} }
func Neq(f Field, v any) Compare { return Compare{Field: f, Op: opNeq, Value: v} }
func Lt(f Field, v any) Compare  { return Compare{Field: f, Op: opLt, Value: v} }
func Lte(f Field, v any) Compare { return Compare{Field: f, Op: opLte, Value: v} }
func Gt(f Field, v any) Compare  { return Compare{Field: f, Op: opGt, Value: v} }
func Gte(f Field, v any) Compare { return Compare{Field: f, Op: opGte, Value: v} }

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

func (c Compare) eval(payload map[string]any) (bool, error) {
	actual := c.Field.resolve(payload)
	if c.Op == opEq {
		return actual == c.Value, nil
	}
	if c.Op == opNeq {
		return actual != c.Value, nil
	}
	af, aok := toFloat(actual)
	bf, bok := toFloat(c.Value)
	if !aok || !bok {
		return false, newErr(CodeTransient, "guard: non-numeric comparison on field %q", c.Field)
	}
	switch c.Op {
	case opLt:
		return af < bf, nil
	case opLte:
		return af <= bf, nil
	case opGt:
		return af > bf, nil
	case opGte:
		return af >= bf, nil
	}
	return false, fmt.Errorf("guard: unknown operator")
}

// In tests static-set membership — the one non-comparison primitive the
// grammar allows beyond equality.
type In struct {
	Field Field
	Set   []any
}

func (i In) eval(payload map[string]any) (bool, error) {
	actual := i.Field.resolve(payload)
	for _, v := range i.Set {
		if actual == v {
			return true, nil
		}
	}
	return false, nil
}

type andGuard []Guard
type orGuard []Guard
type notGuard struct{ g Guard }

func And(guards ...Guard) Guard { return andGuard(guards) }
func Or(guards ...Guard) Guard  { return orGuard(guards) }
func Not(g Guard) Guard         { return notGuard{g: g} }

func (a andGuard) eval(payload map[string]any) (bool, error) {
	for _, g := range a {
		ok, err := g.eval(payload)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

func (o orGuard) eval(payload map[string]any) (bool, error) {
	for _, g := range o {
		ok, err := g.eval(payload)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

func (n notGuard) eval(payload map[string]any) (bool, error) {
	ok, err := n.g.eval(payload)
	if err != nil {
		return false, err
	}
	return !ok, nil
}

// GuardRule pairs a reject-predicate with the error it raises when the
// predicate evaluates true — a guard's job is to veto a match, not to
// select one (selection is WhereClause's job in policy.go).
type GuardRule struct {
	Code    Code
	Message string
	Expr    Guard
}

// Check runs the rule against payload; a true expression result means the
// transaction must be rejected with the rule's Code/Message.
func (r GuardRule) Check(payload map[string]any) error {
	reject, err := r.Expr.eval(payload)
	if err != nil {
		return err
	}
	if reject {
		return newErr(r.Code, "%s", r.Message)
	}
	return nil
}

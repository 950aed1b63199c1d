package accounting

import (
	"sort"

	"github.com/shopspring/decimal"
)

// AllocationMethod selects how a total Money amount is spread across
// targets, grounded on finance_engines/allocation.py's AllocationMethod.
type AllocationMethod string

const (
	AllocationProrata  AllocationMethod = "PRORATA"
	AllocationFIFO     AllocationMethod = "FIFO"
	AllocationLIFO     AllocationMethod = "LIFO"
	AllocationSpecific AllocationMethod = "SPECIFIC"
	AllocationWeighted AllocationMethod = "WEIGHTED"
	AllocationEqual    AllocationMethod = "EQUAL"
)

// AllocationTarget is one line competing for a share of the total.
type AllocationTarget struct {
	ID       string
	Weight   decimal.Decimal // used by WEIGHTED and as the capacity cap for FIFO/LIFO
	Sequence int             // used by FIFO/LIFO ordering
	Specific Money           // used by SPECIFIC: the exact amount this target must receive
}

// AllocationLine is one output row: how much of the total landed on Target.
type AllocationLine struct {
	TargetID string
	Amount   Money
}

// AllocationResult is the Result shape AllocationEngine produces: the lines
// plus which target absorbed the rounding remainder.
type AllocationResult struct {
	Lines             []AllocationLine
	RemainderTargetID string
}

// AllocationEngine spreads a total across targets. Grounded on
// finance_engines/allocation.py: whichever target is designated (by
// convention, the last target after the method's natural ordering) absorbs
// the rounding difference so the allocation always sums exactly to the
// total.
type AllocationEngine struct{}

func NewAllocationEngine() *AllocationEngine { return &AllocationEngine{} }

func (e *AllocationEngine) Name() string    { return "allocation" }
func (e *AllocationEngine) Version() string { return "1.0" }

func (e *AllocationEngine) Invoke(payload map[string]any, params map[string]any) (any, error) {
	total, ok := payload["total"].(Money)
	if !ok {
		return nil, newErr(CodeTransient, "allocation engine requires payload.total")
	}
	targets, ok := payload["targets"].([]AllocationTarget)
	if !ok || len(targets) == 0 {
		return nil, newErr(CodeTransient, "allocation engine requires payload.targets")
	}
	method, _ := payload["method"].(AllocationMethod)
	if method == "" {
		method = AllocationProrata
	}

	switch method {
	case AllocationSpecific:
		return allocateSpecific(total, targets)
	case AllocationFIFO:
		return allocateSequential(total, targets, false)
	case AllocationLIFO:
		return allocateSequential(total, targets, true)
	case AllocationEqual:
		return allocateWeighted(total, equalWeights(targets))
	case AllocationWeighted:
		return allocateWeighted(total, targets)
	default:
		return allocateWeighted(total, targets)
	}
}

func equalWeights(targets []AllocationTarget) []AllocationTarget {
	out := make([]AllocationTarget, len(targets))
	w := decimal.New(1, 0)
	for i, t := range targets {
		out[i] = t
		out[i].Weight = w
	}
	return out
}

// allocateWeighted implements both PRORATA and WEIGHTED/EQUAL: each target's
// share is total * (weight / sum(weights)), quantized, with the final
// target in input order absorbing whatever remainder quantization leaves
// behind.
func allocateWeighted(total Money, targets []AllocationTarget) (AllocationResult, error) {
	weightSum := decimal.Zero
	for _, t := range targets {
		weightSum = weightSum.Add(t.Weight)
	}
	if weightSum.IsZero() {
		return AllocationResult{}, newErr(CodeTransient, "allocation weights sum to zero")
	}

	lines := make([]AllocationLine, len(targets))
	running := ZeroMoney(total.Currency)
	for i, t := range targets {
		share := total.Mul(t.Weight.Div(weightSum)).Quantize()
		lines[i] = AllocationLine{TargetID: t.ID, Amount: share}
		running, _ = running.Add(share)
	}
	remainder, err := total.Sub(running)
	if err != nil {
		return AllocationResult{}, err
	}
	last := len(lines) - 1
	lines[last].Amount, err = lines[last].Amount.Add(remainder)
	if err != nil {
		return AllocationResult{}, err
	}
	return AllocationResult{Lines: lines, RemainderTargetID: targets[last].ID}, nil
}

// allocateSequential implements FIFO/LIFO: targets are ordered by Sequence
// (ascending for FIFO, descending for LIFO) and each absorbs up to its
// Weight (treated as a capacity cap) until the total is exhausted; any
// leftover after the last target's cap is exceeded lands on that last
// target, same deterministic-rounding convention as the weighted path.
func allocateSequential(total Money, targets []AllocationTarget, reverse bool) (AllocationResult, error) {
	ordered := make([]AllocationTarget, len(targets))
	copy(ordered, targets)
	sort.SliceStable(ordered, func(i, j int) bool {
		if reverse {
			return ordered[i].Sequence > ordered[j].Sequence
		}
		return ordered[i].Sequence < ordered[j].Sequence
	})

	remaining := total
	lines := make([]AllocationLine, 0, len(ordered))
	var lastID string
	for i, t := range ordered {
		lastID = t.ID
		if remaining.IsZero() || remaining.Sign() < 0 {
			lines = append(lines, AllocationLine{TargetID: t.ID, Amount: ZeroMoney(total.Currency)})
			continue
		}
		cap := Money{Amount: t.Weight, Currency: total.Currency}
		var take Money
		cmp, err := remaining.Cmp(cap)
		if err != nil {
			return AllocationResult{}, err
		}
		if i == len(ordered)-1 || cmp <= 0 {
			take = remaining
		} else {
			take = cap
		}
		lines = append(lines, AllocationLine{TargetID: t.ID, Amount: take.Quantize()})
		remaining, err = remaining.Sub(take)
		if err != nil {
			return AllocationResult{}, err
		}
	}
	return AllocationResult{Lines: lines, RemainderTargetID: lastID}, nil
}

func allocateSpecific(total Money, targets []AllocationTarget) (AllocationResult, error) {
	lines := make([]AllocationLine, len(targets))
	sum := ZeroMoney(total.Currency)
	for i, t := range targets {
		lines[i] = AllocationLine{TargetID: t.ID, Amount: t.Specific}
		var err error
		sum, err = sum.Add(t.Specific)
		if err != nil {
			return AllocationResult{}, err
		}
	}
	if cmp, err := sum.Cmp(total); err != nil || cmp != 0 {
		if err != nil {
			return AllocationResult{}, err
		}
		return AllocationResult{}, newErr(CodeUnbalancedEntry, "specific allocation targets sum to %s, total is %s", sum, total)
	}
	return AllocationResult{Lines: lines, RemainderTargetID: targets[len(targets)-1].ID}, nil
}

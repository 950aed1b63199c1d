package accounting

import "time"

// AgeBucket is a named day-count range used to classify open receivables
// and payables, grounded on finance_engines/aging.py's AgeBucket/classify.
type AgeBucket struct {
	Label   string
	MinDays int
	MaxDays int // -1 means unbounded
}

// DefaultAgeBuckets mirrors the standard current/1-30/31-60/61-90/90+ ladder.
var DefaultAgeBuckets = []AgeBucket{
	{Label: "current", MinDays: 0, MaxDays: 0},
	{Label: "1-30", MinDays: 1, MaxDays: 30},
	{Label: "31-60", MinDays: 31, MaxDays: 60},
	{Label: "61-90", MinDays: 61, MaxDays: 90},
	{Label: "90+", MinDays: 91, MaxDays: -1},
}

// AgingResult is the Result shape AgingEngine produces.
type AgingResult struct {
	AgeDays int
	Bucket  string
}

// AgingEngine classifies the age of an open item as of an as-of date
// against a bucket ladder. Pure: no I/O, same inputs always produce the
// same bucket.
type AgingEngine struct {
	Buckets []AgeBucket
}

func NewAgingEngine() *AgingEngine {
	return &AgingEngine{Buckets: DefaultAgeBuckets}
}

func (e *AgingEngine) Name() string    { return "aging" }
func (e *AgingEngine) Version() string { return "1.0" }

func (e *AgingEngine) Invoke(payload map[string]any, params map[string]any) (any, error) {
	dueDate, ok := payload["due_date"].(time.Time)
	if !ok {
		return nil, newErr(CodeTransient, "aging engine requires payload.due_date")
	}
	asOf, ok := payload["as_of"].(time.Time)
	if !ok {
		asOf = time.Now().UTC()
	}
	ageDays := int(asOf.Sub(dueDate).Hours() / 24)
	if ageDays < 0 {
		ageDays = 0
	}
	buckets := e.Buckets
	if custom, ok := params["buckets"].([]AgeBucket); ok && len(custom) > 0 {
		buckets = custom
	}
	label := classify(ageDays, buckets)
	return AgingResult{AgeDays: ageDays, Bucket: label}, nil
}

func classify(ageDays int, buckets []AgeBucket) string {
	for _, b := range buckets {
		if ageDays < b.MinDays {
			continue
		}
		if b.MaxDays == -1 || ageDays <= b.MaxDays {
			return b.Label
		}
	}
	if len(buckets) > 0 {
		return buckets[len(buckets)-1].Label
	}
	return "unclassified"
}

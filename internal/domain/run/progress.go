package run

// Progress is a point-in-time view of the project's feature ledger.
type Progress struct {
	Total   int `json:"total"`
	Passing int `json:"passing"`
	Pending int `json:"pending"`
}

// NewProgress derives pending from total and passing. Out-of-range counters
// are clamped so that 0 <= passing <= total.
func NewProgress(total, passing int) Progress {
	if total < 0 {
		total = 0
	}
	if passing < 0 {
		passing = 0
	}
	if passing > total {
		passing = total
	}
	return Progress{Total: total, Passing: passing, Pending: total - passing}
}

// Done reports whether every feature in a non-empty ledger passes.
// An empty ledger is never done.
func (p Progress) Done() bool {
	return p.Total > 0 && p.Pending == 0
}

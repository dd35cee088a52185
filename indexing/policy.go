package indexing

import "slices"

// FairPolicy works the most-behind indexes first and bounds how many run in
// one cycle, so a crowd of fresh indexes cannot starve a lagging one.
type FairPolicy struct {
	MaxPerCycle int
}

func (p FairPolicy) FilterDue(works []IndexWork) []IndexWork {
	due := slices.Clone(works)
	slices.SortStableFunc(due, func(a, b IndexWork) int {
		return a.LastIndexed.Compare(b.LastIndexed)
	})
	if p.MaxPerCycle > 0 && len(due) > p.MaxPerCycle {
		due = due[:p.MaxPerCycle]
	}
	return due
}

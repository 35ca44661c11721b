package orchestrator

import "github.com/edgestack/edgestack/pkg/types"

// BuildItems crosses every entity id with the years
// [startYear, startYear+nYears), ids outermost. Repeated ids are kept once.
func BuildItems(ids []string, startYear, nYears int) []types.WorkItem {
	seen := make(map[string]bool, len(ids))
	items := make([]types.WorkItem, 0, len(ids)*max(nYears, 0))
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		for y := startYear; y < startYear+nYears; y++ {
			items = append(items, types.WorkItem{EntityID: id, Year: y})
		}
	}
	return items
}

// Skip returns items without those marked done, preserving order.
func Skip(items []types.WorkItem, done map[types.WorkItem]bool) []types.WorkItem {
	if len(done) == 0 {
		return items
	}
	out := make([]types.WorkItem, 0, len(items))
	for _, it := range items {
		if !done[it] {
			out = append(out, it)
		}
	}
	return out
}

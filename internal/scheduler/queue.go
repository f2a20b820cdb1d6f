package scheduler

import "github.com/tricorefile/aurelia/internal/types"

// taskHeap is a priority queue keyed by (scheduled_at, priority) — spec
// §4.5 "Queue". Lower scheduled_at sorts first; ties break by higher
// priority (lower numeric value sorts first, matching the registry and
// decision tie-break convention elsewhere in this module).
type taskHeap []*types.Task

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	if !h[i].ScheduledAt.Equal(h[j].ScheduledAt) {
		return h[i].ScheduledAt.Before(h[j].ScheduledAt)
	}
	return h[i].Priority < h[j].Priority
}

func (h taskHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *taskHeap) Push(x any) {
	*h = append(*h, x.(*types.Task))
}

func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

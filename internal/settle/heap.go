package settle

import "tally/internal/core"

// position is a participant's remaining amount to settle, always positive.
type position struct {
	participant core.ParticipantRef
	remaining   int64
}

// positionHeap is a max-heap on remaining, ties broken by participant order
// so the pop sequence is fully determined by its contents.
type positionHeap []position

func (h positionHeap) Len() int { return len(h) }

func (h positionHeap) Less(i, j int) bool {
	if h[i].remaining != h[j].remaining {
		return h[i].remaining > h[j].remaining
	}
	return h[i].participant.Less(h[j].participant)
}

func (h positionHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *positionHeap) Push(x any) { *h = append(*h, x.(position)) }

func (h *positionHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

package iterator

import (
	"github.com/INLOpen/nexusregion/core"
)

// mergeHeap implements heap.Interface over the current heads of the merged
// iterators. Ties keep the earlier source first, so callers list the newest
// source first.
type mergeHeap []*heapItem

type heapItem struct {
	iter  Interface
	cur   *core.KeyValue
	index int // position of the source in the caller's list
}

func (h mergeHeap) Len() int { return len(h) }

func (h mergeHeap) Less(i, j int) bool {
	if c := core.CompareKeyValues(h[i].cur, h[j].cur); c != 0 {
		return c < 0
	}
	return h[i].index < h[j].index
}

func (h mergeHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *mergeHeap) Push(x interface{}) { *h = append(*h, x.(*heapItem)) }

func (h *mergeHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil // avoid memory leak
	*h = old[:n-1]
	return item
}

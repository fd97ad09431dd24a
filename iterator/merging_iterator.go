package iterator

import (
	"container/heap"

	"github.com/INLOpen/nexusregion/core"
	"go.uber.org/multierr"
)

// MergingIteratorParams holds all parameters for creating a MergingIterator.
type MergingIteratorParams struct {
	// Iters are the sources, newest first.
	Iters []Interface
	// DropDuplicates yields a version only once when several sources hold an
	// identical key.
	DropDuplicates bool
}

// MergingIterator combines multiple sorted iterators into a single sorted
// stream that keeps every version.
type MergingIterator struct {
	iters          []Interface
	heap           mergeHeap
	dropDuplicates bool
	primed         bool
	cur            *core.KeyValue
	err            error
}

func NewMergingIterator(params MergingIteratorParams) *MergingIterator {
	return &MergingIterator{
		iters:          params.Iters,
		heap:           make(mergeHeap, 0, len(params.Iters)),
		dropDuplicates: params.DropDuplicates,
	}
}

func (mi *MergingIterator) prime() bool {
	mi.primed = true
	for i, iter := range mi.iters {
		if iter.Next() {
			mi.heap = append(mi.heap, &heapItem{iter: iter, cur: iter.At(), index: i})
		} else if err := iter.Error(); err != nil {
			mi.err = err
			return false
		}
	}
	heap.Init(&mi.heap)
	return true
}

func (mi *MergingIterator) advance(item *heapItem) bool {
	if item.iter.Next() {
		item.cur = item.iter.At()
		heap.Push(&mi.heap, item)
		return true
	}
	if err := item.iter.Error(); err != nil {
		mi.err = err
		return false
	}
	return true
}

func (mi *MergingIterator) Next() bool {
	if mi.err != nil {
		return false
	}
	if !mi.primed && !mi.prime() {
		return false
	}
	if mi.heap.Len() == 0 {
		mi.cur = nil
		return false
	}
	item := heap.Pop(&mi.heap).(*heapItem)
	mi.cur = item.cur
	if !mi.advance(item) {
		return false
	}
	if mi.dropDuplicates {
		for mi.heap.Len() > 0 && core.CompareKeyValues(mi.heap[0].cur, mi.cur) == 0 {
			dup := heap.Pop(&mi.heap).(*heapItem)
			if !mi.advance(dup) {
				return false
			}
		}
	}
	return true
}

func (mi *MergingIterator) At() *core.KeyValue { return mi.cur }

func (mi *MergingIterator) Error() error { return mi.err }

func (mi *MergingIterator) Close() error {
	var err error
	for _, iter := range mi.iters {
		err = multierr.Append(err, iter.Close())
	}
	mi.iters = nil
	mi.heap = nil
	return err
}

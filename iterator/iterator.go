// Package iterator merges sorted KeyValue streams from memtables and store
// files and resolves which versions a reader can see.
package iterator

import (
	"github.com/INLOpen/nexusregion/core"
)

// Interface defines a common interface for all iterators in the system.
type Interface interface {
	Next() bool
	// At returns the current KeyValue. It is only valid after Next returned true.
	At() *core.KeyValue
	Error() error
	Close() error
}

var (
	_ Interface = (*MergingIterator)(nil)
	_ Interface = (*EmptyIterator)(nil)
	_ Interface = (*SliceIterator)(nil)
)

// EmptyIterator never yields anything.
type EmptyIterator struct{}

func NewEmptyIterator() *EmptyIterator { return &EmptyIterator{} }

func (*EmptyIterator) Next() bool         { return false }
func (*EmptyIterator) At() *core.KeyValue { return nil }
func (*EmptyIterator) Error() error       { return nil }
func (*EmptyIterator) Close() error       { return nil }

// SliceIterator walks an already sorted slice.
type SliceIterator struct {
	kvs []*core.KeyValue
	pos int
}

func NewSliceIterator(kvs []*core.KeyValue) *SliceIterator {
	return &SliceIterator{kvs: kvs, pos: -1}
}

func (it *SliceIterator) Next() bool {
	if it.pos+1 >= len(it.kvs) {
		it.pos = len(it.kvs)
		return false
	}
	it.pos++
	return true
}

func (it *SliceIterator) At() *core.KeyValue {
	if it.pos < 0 || it.pos >= len(it.kvs) {
		return nil
	}
	return it.kvs[it.pos]
}

func (it *SliceIterator) Error() error { return nil }
func (it *SliceIterator) Close() error { return nil }

package memtable

import (
	"sync"

	"github.com/INLOpen/nexusregion/core"
	"github.com/INLOpen/skiplist"
)

// Iterator walks every version held by a memtable.
// It is not safe for concurrent use by multiple goroutines.
type Iterator struct {
	mu     *sync.RWMutex // read lock of the parent memtable, released by Close
	iter   *skiplist.Iterator[*core.KeyValue, *core.KeyValue]
	cur    *core.KeyValue
	closed bool
}

func (it *Iterator) Next() bool {
	if it.closed || !it.iter.Next() {
		it.cur = nil
		return false
	}
	it.cur = it.iter.Value()
	return true
}

// At returns the current KeyValue. It is only valid after Next returned true.
func (it *Iterator) At() *core.KeyValue { return it.cur }

func (it *Iterator) Error() error { return nil }

func (it *Iterator) Close() error {
	if !it.closed {
		it.closed = true
		it.mu.RUnlock()
	}
	return nil
}

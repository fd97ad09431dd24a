package memtable

import (
	"bytes"
	"math"
	"sync"
	"time"

	"github.com/INLOpen/nexusregion/core"
	"github.com/INLOpen/skiplist"
)

// Memtable buffers the KeyValues of one column family in sorted order until
// they are flushed to a store file. Every version is kept; readers decide which
// version wins.
type Memtable struct {
	mu           sync.RWMutex
	data         *skiplist.SkipList[*core.KeyValue, *core.KeyValue]
	sizeBytes    int64
	minSeq       uint64
	maxSeq       uint64
	CreationTime time.Time
}

func New() *Memtable {
	return &Memtable{
		data:         skiplist.NewWithComparator[*core.KeyValue, *core.KeyValue](core.CompareKeyValues),
		minSeq:       math.MaxUint64,
		CreationTime: time.Now(),
	}
}

// Put inserts a KeyValue. Adding an identical version again replaces its value.
func (m *Memtable) Put(kv *core.KeyValue) {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Insert updates a matching node in place, so the replaced value has to
	// be read before it.
	if node, ok := m.data.Seek(kv); ok && core.CompareKeyValues(node.Key(), kv) == 0 {
		m.sizeBytes -= node.Value().Size()
	}
	m.data.Insert(kv, kv)
	m.sizeBytes += kv.Size()
	if kv.Seq > m.maxSeq {
		m.maxSeq = kv.Seq
	}
	if kv.Seq < m.minSeq {
		m.minSeq = kv.Seq
	}
}

// Size returns the estimated size of the buffered data in bytes.
func (m *Memtable) Size() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sizeBytes
}

// Len returns the number of KeyValues, counting every version.
func (m *Memtable) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.data.Len()
}

func (m *Memtable) IsEmpty() bool { return m.Len() == 0 }

// MaxSeq returns the highest sequence number added, or 0 when empty.
func (m *Memtable) MaxSeq() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.maxSeq
}

// MinSeq returns the lowest sequence number added, or 0 when empty.
func (m *Memtable) MinSeq() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.data.Len() == 0 {
		return 0
	}
	return m.minSeq
}

// RowCells returns every version of every column of a row in sorted order.
func (m *Memtable) RowCells(row []byte) []*core.KeyValue {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*core.KeyValue
	iter := m.data.NewIterator()
	// The smallest possible key of the row: empty qualifier, newest version.
	if !iter.Seek(&core.KeyValue{Row: row, Timestamp: math.MaxInt64, Seq: math.MaxUint64, Type: math.MaxUint8}) {
		return nil
	}
	for {
		kv := iter.Key()
		if !bytes.Equal(kv.Row, row) {
			break
		}
		out = append(out, iter.Value())
		if !iter.Next() {
			break
		}
	}
	return out
}

// Range calls fn for every KeyValue in order until fn returns false.
func (m *Memtable) Range(fn func(kv *core.KeyValue) bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	m.data.Range(func(_ *core.KeyValue, v *core.KeyValue) bool { return fn(v) })
}

// NewIterator returns an iterator over every KeyValue in order.
// The iterator holds a read lock on the memtable for its lifetime.
// The caller MUST call Close() on the iterator to release the lock.
func (m *Memtable) NewIterator() *Iterator {
	m.mu.RLock()
	return &Iterator{mu: &m.mu, iter: m.data.NewIterator()}
}

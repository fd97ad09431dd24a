// Package mvcc allocates sequence numbers and tracks the write and read points
// of a partition.
//
// Begin hands out the next sequence number (the write point). The read point
// only moves over a contiguous run of completed entries, so a reader at the
// read point never observes a half-applied write.
package mvcc

import (
	"sync"
)

// WriteEntry is an in-flight write holding a sequence number.
type WriteEntry struct {
	seq       uint64
	completed bool
}

// Seq returns the sequence number assigned to the write.
func (e *WriteEntry) Seq() uint64 { return e.seq }

// MVCC is safe for concurrent use.
type MVCC struct {
	mu         sync.Mutex
	readCond   *sync.Cond
	writePoint uint64
	readPoint  uint64
	// queue holds entries in sequence order that are not yet behind the read point.
	queue []*WriteEntry
}

// New starts both points at start. The first Begin returns start+1.
func New(start uint64) *MVCC {
	m := &MVCC{writePoint: start, readPoint: start}
	m.readCond = sync.NewCond(&m.mu)
	return m
}

// Begin allocates the next sequence number.
func (m *MVCC) Begin() *WriteEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writePoint++
	e := &WriteEntry{seq: m.writePoint}
	m.queue = append(m.queue, e)
	return e
}

// Complete marks e finished and advances the read point as far as possible.
// It reports whether the read point now covers e.
func (m *MVCC) Complete(e *WriteEntry) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	e.completed = true
	advanced := false
	for len(m.queue) > 0 && m.queue[0].completed {
		m.readPoint = m.queue[0].seq
		m.queue[0] = nil
		m.queue = m.queue[1:]
		advanced = true
	}
	if advanced {
		m.readCond.Broadcast()
	}
	return m.readPoint >= e.seq
}

// CompleteAndWait completes e and blocks until the read point reaches it.
func (m *MVCC) CompleteAndWait(e *WriteEntry) {
	if m.Complete(e) {
		return
	}
	m.mu.Lock()
	for m.readPoint < e.seq {
		m.readCond.Wait()
	}
	m.mu.Unlock()
}

// Next allocates and immediately completes a sequence number. Bulk loads use
// it because they never pass through the log.
func (m *MVCC) Next() uint64 {
	e := m.Begin()
	m.CompleteAndWait(e)
	return e.seq
}

// AdvanceTo moves both points to seq if they are behind it. It must not be
// called while writes are in flight.
func (m *MVCC) AdvanceTo(seq uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if seq > m.writePoint {
		m.writePoint = seq
	}
	if len(m.queue) == 0 && seq > m.readPoint {
		m.readPoint = seq
		m.readCond.Broadcast()
	}
}

// WritePoint is the highest sequence number handed out.
func (m *MVCC) WritePoint() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writePoint
}

// ReadPoint is the highest sequence number below which every write completed.
func (m *MVCC) ReadPoint() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.readPoint
}

// WaitForRead blocks until every write begun before the call has completed.
func (m *MVCC) WaitForRead() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	target := m.writePoint
	for m.readPoint < target {
		m.readCond.Wait()
	}
	return m.readPoint
}

package mvcc

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBeginAssignsIncreasingSequences(t *testing.T) {
	m := New(0)
	e1 := m.Begin()
	e2 := m.Begin()
	assert.Equal(t, uint64(1), e1.Seq())
	assert.Equal(t, uint64(2), e2.Seq())
	assert.Equal(t, uint64(2), m.WritePoint())
	assert.Equal(t, uint64(0), m.ReadPoint())
}

func TestReadPointWaitsForContiguousCompletion(t *testing.T) {
	m := New(10)
	e1 := m.Begin()
	e2 := m.Begin()
	e3 := m.Begin()

	assert.False(t, m.Complete(e2), "e1 is still in flight")
	assert.Equal(t, uint64(10), m.ReadPoint())

	assert.True(t, m.Complete(e1))
	assert.Equal(t, uint64(12), m.ReadPoint())

	m.CompleteAndWait(e3)
	assert.Equal(t, uint64(13), m.ReadPoint())
	assert.LessOrEqual(t, m.ReadPoint(), m.WritePoint())
}

func TestAdvanceTo(t *testing.T) {
	m := New(0)
	m.AdvanceTo(3000)
	assert.Equal(t, uint64(3000), m.WritePoint())
	assert.Equal(t, uint64(3000), m.ReadPoint())
	assert.Equal(t, uint64(3001), m.Begin().Seq())

	m.AdvanceTo(5)
	assert.Equal(t, uint64(3001), m.WritePoint(), "never moves backward")
}

func TestNextIsCompleted(t *testing.T) {
	m := New(7)
	seq := m.Next()
	assert.Equal(t, uint64(8), seq)
	assert.Equal(t, uint64(8), m.ReadPoint())
}

func TestConcurrentWriters(t *testing.T) {
	m := New(0)
	const writers, perWriter = 8, 250
	var wg sync.WaitGroup
	seen := make(chan uint64, writers*perWriter)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perWriter; j++ {
				e := m.Begin()
				seen <- e.Seq()
				m.CompleteAndWait(e)
			}
		}()
	}
	wg.Wait()
	close(seen)

	unique := make(map[uint64]struct{})
	for s := range seen {
		_, dup := unique[s]
		require.False(t, dup, "sequence %d issued twice", s)
		unique[s] = struct{}{}
	}
	assert.Len(t, unique, writers*perWriter)
	assert.Equal(t, uint64(writers*perWriter), m.ReadPoint())
	assert.Equal(t, m.WritePoint(), m.WaitForRead())
}

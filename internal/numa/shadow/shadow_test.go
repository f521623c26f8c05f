package shadow

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testValue struct {
	owner uint64
	count uint64
}

func TestMapInsertIfAbsentAndFind(t *testing.T) {
	m := NewMap[testValue]("test", false)
	defer m.Release()

	const key = uintptr(0x1000)

	assert.Nil(t, m.Find(key), "untouched key must be absent")

	v, inserted := m.InsertIfAbsent(key, func(tv *testValue) { tv.owner = 7 })
	require.NotNil(t, v)
	assert.True(t, inserted)
	assert.Equal(t, uint64(7), v.owner)

	// Second insert must observe the first value, not reconstruct.
	v2, inserted := m.InsertIfAbsent(key, func(tv *testValue) { tv.owner = 99 })
	assert.False(t, inserted)
	assert.Same(t, v, v2)
	assert.Equal(t, uint64(7), v2.owner)

	assert.Same(t, v, m.Find(key))
}

func TestMapSlotPerPage(t *testing.T) {
	m := NewMap[testValue]("test", false)
	defer m.Release()

	// Two addresses on the same page share one slot; the next page gets
	// its own.
	a, _ := m.InsertIfAbsent(0x2000, func(tv *testValue) { tv.owner = 1 })
	b := m.Find(0x2fff)
	c, _ := m.InsertIfAbsent(0x3000, func(tv *testValue) { tv.owner = 2 })
	require.NotNil(t, a)
	assert.Same(t, a, b)
	assert.NotSame(t, a, c)
}

func TestMapRemove(t *testing.T) {
	m := NewMap[testValue]("test", false)
	defer m.Release()

	m.InsertIfAbsent(0x5000, func(tv *testValue) { tv.owner = 3 })
	m.Remove(0x5000)
	assert.Nil(t, m.Find(0x5000))

	// Reinsert reuses the slot.
	v, inserted := m.InsertIfAbsent(0x5000, func(tv *testValue) { tv.owner = 4 })
	assert.True(t, inserted)
	assert.Equal(t, uint64(4), v.owner)
}

func TestMapOutOfRangeDropped(t *testing.T) {
	m := NewMap[testValue]("test", false)
	defer m.Release()

	huge := uintptr(1) << supportedBits
	v, inserted := m.InsertIfAbsent(huge, func(tv *testValue) {})
	assert.Nil(t, v)
	assert.False(t, inserted)
	assert.Nil(t, m.Find(huge))
}

// TestMapConcurrentInsert verifies at-most-once construction under racing
// writers: all goroutines must observe the same slot and exactly one
// constructs it.
func TestMapConcurrentInsert(t *testing.T) {
	m := NewMap[testValue]("test", false)
	defer m.Release()

	const (
		workers = 16
		pages   = 64
	)
	var constructed [pages]uint64
	var wg sync.WaitGroup
	wg.Add(workers)
	for g := 0; g < workers; g++ {
		go func() {
			defer wg.Done()
			for p := 0; p < pages; p++ {
				key := uintptr(0x10000 + p*0x1000)
				idx := p
				_, inserted := m.InsertIfAbsent(key, func(tv *testValue) {
					tv.owner = uint64(idx)
				})
				if inserted {
					constructed[idx]++ // one writer per slot, no race
				}
			}
		}()
	}
	wg.Wait()

	for p := 0; p < pages; p++ {
		assert.Equal(t, uint64(1), constructed[p], "page %d constructed more than once", p)
		v := m.Find(uintptr(0x10000 + p*0x1000))
		require.NotNil(t, v)
		assert.Equal(t, uint64(p), v.owner)
	}
}

func TestSingleFragMap(t *testing.T) {
	m, err := NewSingleFragMap[testValue](true)
	require.NoError(t, err)
	defer m.Release()

	assert.Nil(t, m.Find(0x4000))

	v, inserted := m.InsertIfAbsent(0x4000, func(tv *testValue) { tv.owner = 11 })
	require.NotNil(t, v)
	assert.True(t, inserted)
	assert.Same(t, v, m.Find(0x4fff))

	m.Remove(0x4000)
	assert.Nil(t, m.Find(0x4000))
}

func TestSingleFragMapOutOfRange(t *testing.T) {
	m, err := NewSingleFragMap[testValue](false)
	require.NoError(t, err)
	defer m.Release()

	huge := uintptr(1) << supportedBits
	v, inserted := m.InsertIfAbsent(huge, func(tv *testValue) {})
	assert.Nil(t, v)
	assert.False(t, inserted)
}

func BenchmarkMapFind(b *testing.B) {
	m := NewMap[testValue]("bench", false)
	defer m.Release()
	m.InsertIfAbsent(0x8000, func(tv *testValue) {})
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		m.Find(0x8000)
	}
}

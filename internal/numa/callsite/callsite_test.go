package callsite

import (
	"runtime"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func herePC() uintptr {
	pcs := make([]uintptr, 1)
	runtime.Callers(2, pcs)
	return pcs[0]
}

func TestInternPCStable(t *testing.T) {
	tbl := NewTable()
	pc := herePC()

	id1 := tbl.InternPC(pc)
	id2 := tbl.InternPC(pc)
	assert.Equal(t, id1, id2)
	assert.GreaterOrEqual(t, id1, uint32(runtimeIDBase))

	other := tbl.InternPC(pc + 64)
	assert.NotEqual(t, id1, other)
}

func TestFormatBoundSite(t *testing.T) {
	tbl := NewTable()
	pc := herePC()
	tbl.Bind(3, pc)

	s := tbl.Format(3)
	assert.Contains(t, s, "callsite_test.go")
	assert.Contains(t, s, "(")
}

func TestFormatUnboundSite(t *testing.T) {
	tbl := NewTable()
	assert.Equal(t, "site#9", tbl.Format(9))
}

func TestFormatInternedPC(t *testing.T) {
	tbl := NewTable()
	pc := herePC()
	id := tbl.InternPC(pc)
	require.True(t, strings.Contains(tbl.Format(id), "callsite_test.go"))
}

func TestInternPCConcurrent(t *testing.T) {
	tbl := NewTable()
	pc := herePC()

	const workers = 16
	ids := make([]uint32, workers)
	var wg sync.WaitGroup
	wg.Add(workers)
	for g := 0; g < workers; g++ {
		go func(i int) {
			defer wg.Done()
			ids[i] = tbl.InternPC(pc)
		}(g)
	}
	wg.Wait()
	for _, id := range ids {
		assert.Equal(t, ids[0], id, "all threads must agree on one ID per PC")
	}
}

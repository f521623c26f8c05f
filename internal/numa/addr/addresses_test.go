package addr

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPageIndex(t *testing.T) {
	assert.Equal(t, uintptr(0), PageIndex(0))
	assert.Equal(t, uintptr(0), PageIndex(4095))
	assert.Equal(t, uintptr(1), PageIndex(4096))
	assert.Equal(t, uintptr(2), PageIndex(8192+17))
}

func TestPageStart(t *testing.T) {
	assert.Equal(t, uintptr(0), PageStart(123))
	assert.Equal(t, uintptr(4096), PageStart(4096))
	assert.Equal(t, uintptr(4096), PageStart(8191))
}

func TestCacheLineIndexInPage(t *testing.T) {
	tests := []struct {
		name string
		addr uintptr
		want uintptr
	}{
		{"page start", 4096, 0},
		{"first line last byte", 4096 + 63, 0},
		{"second line", 4096 + 64, 1},
		{"last line in page", 4096 + 4032, 63},
		{"last byte in page", 4096 + 4095, 63},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CacheLineIndexInPage(tt.addr))
		})
	}
}

func TestWordIndexInCacheLine(t *testing.T) {
	base := uintptr(0x7f0000001000)
	for w := uintptr(0); w < WordsPerCacheLine; w++ {
		assert.Equal(t, w, WordIndexInCacheLine(base+w*WordSize))
		assert.Equal(t, w, WordIndexInCacheLine(base+w*WordSize+7))
	}
}

func TestCacheLineStart(t *testing.T) {
	assert.Equal(t, uintptr(64), CacheLineStart(64))
	assert.Equal(t, uintptr(64), CacheLineStart(127))
	assert.Equal(t, uintptr(128), CacheLineStart(128))
}

func TestAlignUp(t *testing.T) {
	assert.Equal(t, uintptr(0), AlignUpToWord(0))
	assert.Equal(t, uintptr(8), AlignUpToWord(1))
	assert.Equal(t, uintptr(8), AlignUpToWord(8))
	assert.Equal(t, uintptr(16), AlignUpToWord(9))

	assert.Equal(t, uintptr(64), AlignUpToCacheLine(1))
	assert.Equal(t, uintptr(64), AlignUpToCacheLine(64))
	assert.Equal(t, uintptr(128), AlignUpToCacheLine(65))

	assert.Equal(t, uintptr(4096), AlignUpToPage(1))
	assert.Equal(t, uintptr(8192), AlignUpToPage(4097))
}

func TestConstantsConsistent(t *testing.T) {
	assert.Equal(t, 64, CacheLinesPerPage)
	assert.Equal(t, 8, WordsPerCacheLine)
	assert.Equal(t, uintptr(1)<<48, MaxAddress)
}

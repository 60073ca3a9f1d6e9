package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestChunk(t *testing.T) {
	s := make([]int, 35)
	for i := range s {
		s[i] = i
	}

	groups := Chunk(s, 10)
	sizes := make([]int, len(groups))

	for i, g := range groups {
		sizes[i] = len(g)
	}

	assert.Equal(t, []int{10, 10, 10, 5}, sizes)
	assert.Equal(t, 34, groups[3][4])

	assert.Len(t, Chunk(s[:10], 10), 1)
	assert.Empty(t, Chunk([]int{}, 10))
	assert.Panics(t, func() { Chunk(s, 0) })
}

func TestUnique(t *testing.T) {
	assert.Equal(t, []string{"a", "b"}, Unique([]string{"a", "", "b", "a"}))
}

package peer

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCompareIsBytewise(t *testing.T) {
	assert.Equal(t, -1, Compare("a", "b"))
	assert.Equal(t, 1, Compare("b", "a"))
	assert.Equal(t, 0, Compare("same", "same"))
	// Byte order, not locale: uppercase sorts before lowercase.
	assert.Equal(t, -1, Compare("Z", "a"))
}

func TestNewIsUnique(t *testing.T) {
	a, b := New(), New()
	assert.NotEqual(t, a, b)
	assert.NotEmpty(t, a.String())
}

func TestParse(t *testing.T) {
	id, ok := Parse("  node-1 ")
	assert.True(t, ok)
	assert.Equal(t, ID("node-1"), id)

	_, ok = Parse("   ")
	assert.False(t, ok)
}

func TestShortIsStable(t *testing.T) {
	id := ID("node-1")
	assert.Equal(t, id.Short(), ID("node-1").Short())
	assert.NotEqual(t, id.Short(), ID("node-2").Short())
}

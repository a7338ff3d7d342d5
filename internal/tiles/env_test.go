package tiles

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestVarsRoundTrip(t *testing.T) {
	v := NewVars(nil)
	v.Set("FOO", "bar")
	got, ok := v.Get("FOO")
	assert.True(t, ok)
	assert.Equal(t, "bar", got)

	v.Remove("FOO")
	_, ok = v.Get("FOO")
	assert.False(t, ok)
}

func TestVarsReplaceKeepsPosition(t *testing.T) {
	v := NewVars([]string{"PATH=/bin"})
	v.Set("FOO", "1")
	v.Set("PATH", "/x")
	assert.Equal(t, []string{"PATH=/x", "FOO=1"}, v.All())

	v.Remove("FOO")
	assert.Equal(t, []string{"PATH=/x"}, v.All())
}

func TestVarsCopyOnWrite(t *testing.T) {
	initial := []string{"PATH=/bin"}
	v := NewVars(initial)
	v.Set("PATH", "/x")
	assert.Equal(t, []string{"PATH=/bin"}, initial,
		"the environment block must stay untouched")
}

func TestVarsMissingKey(t *testing.T) {
	v := NewVars([]string{"A=1"})
	_, ok := v.Get("B")
	assert.False(t, ok)
	v.Remove("B") // no-op
	assert.Equal(t, []string{"A=1"}, v.All())
}

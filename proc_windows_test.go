//go:build amd64

package detour

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/windows"
)

func TestNewProc(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	r := newProcessRegistry(t)

	target, err := Resolve("kernel32.dll", "GetTickCount")
	require.NoError(err)

	p, err := NewProc(r, target, func() uintptr { return 42 })
	require.NoError(err)
	require.NoError(p.Enable())

	proc := windows.NewLazySystemDLL("kernel32.dll").NewProc("GetTickCount")
	ticks, _, _ := proc.Call()
	assert.Equal(uintptr(42), ticks)

	orig, err := p.Call()
	require.NoError(err)
	assert.NotEqual(uintptr(42), orig)

	require.NoError(p.Remove())
	_, err = p.Call()
	assert.ErrorIs(err, ErrInvalidState)
}

func TestNewProc_NotAFunction(t *testing.T) {
	r := newProcessRegistry(t)
	_, err := NewProc(r, 0x1000, 42)
	assert.ErrorIs(t, err, ErrNotFunction)

	_, err = NewProc(r, 0x1000, func(string) {})
	assert.ErrorIs(t, err, ErrSignatureMismatch)
}

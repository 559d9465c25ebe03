package detour

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_With(t *testing.T) {
	assert := assert.New(t)
	env := newTestEnv(t)
	original := env.bytes(t, funcA, 8)

	var hook *Hook
	err := env.With(funcA, detourAddr, func(h *Hook) error {
		hook = h
		assert.Equal(Enabled, h.State())
		assert.Equal("e9fb0f0000cccccc", env.bytes(t, funcA, 8))
		return nil
	})
	assert.NoError(err)
	assert.Equal(Removed, hook.State())
	assert.Equal(original, env.bytes(t, funcA, 8))
	assert.Empty(env.Hooks())
}

func TestRegistry_WithError(t *testing.T) {
	env := newTestEnv(t)
	errTest := errors.New("test")

	err := env.With(funcA, detourAddr, func(*Hook) error {
		return errTest
	})
	assert.ErrorIs(t, err, errTest)
	assert.Empty(t, env.Hooks())

	err = env.With(funcShort, detourAddr, func(*Hook) error {
		t.Fatal("fn called without a hook")
		return nil
	})
	assert.ErrorIs(t, err, ErrShortFunction)
}

func TestRegistry_WithPanic(t *testing.T) {
	env := newTestEnv(t)
	original := env.bytes(t, funcA, 8)

	require.Panics(t, func() {
		env.With(funcA, detourAddr, func(*Hook) error {
			panic("boom")
		})
	})
	assert.Equal(t, original, env.bytes(t, funcA, 8))
	assert.Empty(t, env.Hooks())
}

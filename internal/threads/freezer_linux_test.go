package threads

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"golang.org/x/sys/unix"
)

func TestFreeze_RunsCriticalSection(t *testing.T) {
	assert := assert.New(t)

	var (
		ran  bool
		self int
	)
	report, err := New().Freeze(func(suspended []Thread) error {
		ran = true
		self = unix.Gettid()
		assert.Empty(suspended)
		return nil
	})
	assert.NoError(err)
	assert.True(ran)
	assert.NoError(report.Err)
	assert.Zero(report.Suspended)

	// A Go test binary always has more than one thread.
	assert.NotEmpty(report.Skipped)
	for _, s := range report.Skipped {
		assert.NotEqual(self, s.ID)
		assert.ErrorIs(s.Err, ErrSuspendUnsupported)
	}
}

func TestFreeze_ReturnsError(t *testing.T) {
	expected := errors.New("write failed")
	_, err := New().Freeze(func([]Thread) error {
		return expected
	})
	assert.ErrorIs(t, err, expected)
}

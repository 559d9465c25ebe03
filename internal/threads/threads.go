// Package threads pauses every other thread of the process for the length
// of a critical section.
package threads

import "github.com/pkg/errors"

// Thread is a suspended thread.
type Thread interface {
	ID() int

	// PC returns the saved instruction pointer.
	PC() (uintptr, error)

	// SetPC changes where the thread resumes.
	SetPC(pc uintptr) error
}

// Skipped is a thread that kept running through the critical section.
type Skipped struct {
	ID  int
	Err error
}

// Report says what happened to the other threads during a Freeze.
type Report struct {
	Suspended int
	Skipped   []Skipped

	// Err is set when the threads couldn't be listed at all.
	Err error
}

// Freezer runs fn while all other threads are stopped.
//
// Threads that can't be suspended are skipped and listed in the report
// rather than failing the whole call. The error returned is fn's.
type Freezer interface {
	Freeze(fn func(suspended []Thread) error) (Report, error)
}

// ErrSuspendUnsupported is reported for every thread on platforms where
// this package can't suspend threads.
var ErrSuspendUnsupported = errors.New("thread suspension not supported on this platform")

// New returns the freezer for the running process.
func New() Freezer {
	return processFreezer{}
}

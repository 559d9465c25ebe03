//go:build !windows

package threads

import "runtime"

// processFreezer can't stop other threads on Unix, there is no portable way
// to suspend a thread of your own process. It lists them so the caller
// knows what ran concurrently and runs fn anyway.
type processFreezer struct{}

func (processFreezer) Freeze(fn func([]Thread) error) (Report, error) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	var report Report

	ids, err := listThreads()
	if err != nil {
		report.Err = err
	}

	self := currentThread()
	for _, id := range ids {
		if id == self {
			continue
		}
		report.Skipped = append(report.Skipped, Skipped{ID: id, Err: ErrSuspendUnsupported})
	}

	return report, fn(nil)
}

package detour

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/pboyd/detour/internal/codemem"
	"github.com/pboyd/detour/internal/threads"
)

// change is one hook being switched on or off.
type change struct {
	hook   *Hook
	enable bool
}

// Enable writes the redirect over the target. Enabling an enabled hook does
// nothing.
func (r *Registry) Enable(h *Hook) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.live(h); err != nil {
		return err
	}
	if h.state == Enabled {
		return nil
	}
	return r.apply([]change{{h, true}})[0]
}

// Disable restores the target's original bytes. Disabling a hook that isn't
// enabled does nothing.
func (r *Registry) Disable(h *Hook) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.live(h); err != nil {
		return err
	}
	if h.state != Enabled {
		return nil
	}
	return r.apply([]change{{h, false}})[0]
}

// EnableAll enables every hook that isn't already enabled, with the other
// threads stopped once for all of them.
func (r *Registry) EnableAll() error {
	return r.setAll(true)
}

// DisableAll disables every enabled hook, with the other threads stopped
// once for all of them.
func (r *Registry) DisableAll() error {
	return r.setAll(false)
}

func (r *Registry) setAll(enable bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}

	var changes []change
	for _, h := range r.sorted() {
		if (h.state == Enabled) != enable {
			changes = append(changes, change{h, enable})
		}
	}
	return errors.Join(r.apply(changes)...)
}

// movedCapacity bounds how many thread moves apply records for the log.
// Moves past it still happen.
const movedCapacity = 64

// apply makes every change with the other threads stopped. Threads stopped
// inside code that's about to change are moved to the equivalent
// instruction. The error for each change is at the same index, and only
// changes without an error update their hook's state.
//
// A stopped thread may hold a runtime lock, so everything that could
// allocate or make a system call happens before or after the freeze.
//
// r.mu must be held.
func (r *Registry) apply(changes []change) []error {
	errs := make([]error, len(changes))
	if len(changes) == 0 {
		return errs
	}

	writes := make([][]pendingWrite, len(changes))
	for i, c := range changes {
		writes[i], errs[i] = r.unlock(c)
	}

	moved := make([]movedThread, 0, movedCapacity)
	unlogged := 0
	report, _ := r.cfg.freezer.Freeze(func(suspended []threads.Thread) error {
		for i, c := range changes {
			if errs[i] != nil {
				continue
			}
			for _, w := range writes[i] {
				w.span.Store(w.data)
			}
			for _, t := range suspended {
				m, ok := move(t, c)
				if !ok {
					continue
				}
				if len(moved) < cap(moved) {
					moved = append(moved, m)
				} else {
					unlogged++
				}
			}
		}
		return nil
	})

	for i := len(writes) - 1; i >= 0; i-- {
		if err := lock(writes[i]); err != nil {
			r.log.Warn("failed to restore protection", zap.Uintptr("target", changes[i].hook.target), zap.Error(err))
		}
	}

	r.logReport(report)
	r.logMoves(moved, unlogged)

	running := report.Err != nil || len(report.Skipped) > 0
	for i, c := range changes {
		if errs[i] != nil {
			r.log.Debug("patch failed", zap.Uintptr("target", c.hook.target), zap.Error(errs[i]))
			continue
		}
		if running {
			r.checkAtomic(c.hook, writes[i])
		}
		if c.enable {
			c.hook.state = Enabled
		} else {
			c.hook.state = Disabled
		}
		r.log.Debug("hook state changed", zap.Uintptr("target", c.hook.target), zap.Stringer("state", c.hook.state))
	}
	return errs
}

// pendingWrite is a store waiting for the freeze.
type pendingWrite struct {
	site
	span codemem.Span
}

// unlock makes every site of the change writable.
func (r *Registry) unlock(c change) ([]pendingWrite, error) {
	sites := c.hook.sites(c.enable)
	writes := make([]pendingWrite, 0, len(sites))
	for _, s := range sites {
		span, err := r.cfg.mem.Unlock(s.addr, len(s.data))
		if err != nil {
			return nil, errors.Join(
				fmt.Errorf("%w: 0x%x: %w", ErrPatchFailed, s.addr, err),
				lock(writes))
		}
		writes = append(writes, pendingWrite{site: s, span: span})
	}
	return writes, nil
}

// lock relocks spans in the reverse of the order they were unlocked.
func lock(writes []pendingWrite) error {
	var errs []error
	for i := len(writes) - 1; i >= 0; i-- {
		if err := writes[i].span.Lock(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// checkAtomic warns about writes that other threads may have seen half
// done.
func (r *Registry) checkAtomic(h *Hook, writes []pendingWrite) {
	for _, w := range writes {
		if !w.hidden && !codemem.Atomic(w.addr, len(w.data)) {
			r.log.Warn("patched code while other threads were running",
				zap.Uintptr("target", h.target),
				zap.Uintptr("addr", w.addr),
				zap.Int("bytes", len(w.data)))
		}
	}
}

func (r *Registry) logMoves(moved []movedThread, unlogged int) {
	for _, m := range moved {
		if m.err != nil {
			r.log.Warn("failed to move thread",
				zap.Int("tid", m.id),
				zap.Uintptr("from", m.from),
				zap.Uintptr("to", m.to),
				zap.Error(m.err))
			continue
		}
		r.log.Debug("moved thread", zap.Int("tid", m.id), zap.Uintptr("from", m.from), zap.Uintptr("to", m.to))
	}
	if unlogged > 0 {
		r.log.Debug("more threads moved", zap.Int("threads", unlogged))
	}
}

type movedThread struct {
	id       int
	from, to uintptr
	err      error
}

// move points a suspended thread at the code that replaces the code it
// was stopped in.
func move(t threads.Thread, c change) (movedThread, bool) {
	pc, err := t.PC()
	if err != nil {
		return movedThread{id: t.ID(), err: err}, true
	}
	to, ok := c.hook.remap(pc, c.enable)
	if !ok {
		return movedThread{}, false
	}
	return movedThread{id: t.ID(), from: pc, to: to, err: t.SetPC(to)}, true
}

func (r *Registry) logReport(report threads.Report) {
	if report.Err != nil {
		r.log.Warn("could not list threads", zap.Error(report.Err))
	}
	for _, s := range report.Skipped {
		if errors.Is(s.Err, threads.ErrSuspendUnsupported) {
			r.log.Debug("thread not suspended", zap.Int("tid", s.ID), zap.Error(s.Err))
			continue
		}
		r.log.Warn("thread not suspended", zap.Int("tid", s.ID), zap.Error(s.Err))
	}
}

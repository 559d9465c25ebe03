package detour

import (
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/pboyd/detour/internal/trampoline"
	"github.com/pboyd/detour/internal/x86"
)

// State is where a hook is in its lifecycle.
type State int

const (
	// Created hooks have a trampoline but the target is untouched.
	Created State = iota
	Enabled
	Disabled
	Removed
)

func (s State) String() string {
	switch s {
	case Created:
		return "created"
	case Enabled:
		return "enabled"
	case Disabled:
		return "disabled"
	case Removed:
		return "removed"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Action is a change queued for the next ApplyQueued.
type Action int

const (
	None Action = iota
	EnableRequested
	DisableRequested
)

func (a Action) String() string {
	switch a {
	case None:
		return "none"
	case EnableRequested:
		return "enable"
	case DisableRequested:
		return "disable"
	}
	return fmt.Sprintf("Action(%d)", int(a))
}

// Hook redirects calls to a target function to a detour. While the hook is
// enabled, the trampoline runs the target's original behavior.
//
// Hooks are created by a Registry and all of their mutable state is guarded
// by it.
type Hook struct {
	r *Registry

	target uintptr
	detour uintptr
	ctx    uintptr

	buf   *trampoline.Buffer
	tramp *x86.Trampoline
	relay uintptr
	code  []byte

	original    []byte
	patch       []byte
	patchLength int

	// check is the Go stack check of the target, if it has one. While the
	// hook is enabled the jump at check.Restart goes through the second
	// jump in the patch, to the trampoline, instead of to the entry.
	check        *x86.StackCheck
	restartPatch []byte

	state  State
	queued Action

	// removed mirrors state == Removed for readers that don't hold the
	// registry's lock.
	removed atomic.Bool

	// fv is set for hooks on Go functions. It holds the code address
	// callers of the original jump to. keep holds the detour's func value
	// so its closure stays alive.
	fv   *uintptr
	keep any
}

// Target is the address of the hooked function.
func (h *Hook) Target() uintptr {
	return h.target
}

// Detour is the address calls are redirected to.
func (h *Hook) Detour() uintptr {
	return h.detour
}

// Trampoline is the address that runs the target's original code, or 0 once
// the hook is removed.
func (h *Hook) Trampoline() uintptr {
	h.r.mu.Lock()
	defer h.r.mu.Unlock()
	if h.buf == nil {
		return 0
	}
	return h.buf.Addr
}

// PatchLength is how many bytes of the target the redirect replaces.
func (h *Hook) PatchLength() int {
	return h.patchLength
}

// OriginalBytes returns a copy of the target's bytes from before it was
// patched.
func (h *Hook) OriginalBytes() []byte {
	return append([]byte(nil), h.original...)
}

// State returns the hook's current state.
func (h *Hook) State() State {
	h.r.mu.Lock()
	defer h.r.mu.Unlock()
	return h.state
}

// Queued returns the change waiting for ApplyQueued.
func (h *Hook) Queued() Action {
	h.r.mu.Lock()
	defer h.r.mu.Unlock()
	return h.queued
}

// Enable is shorthand for h's registry's Enable.
func (h *Hook) Enable() error {
	return h.r.Enable(h)
}

// Disable is shorthand for h's registry's Disable.
func (h *Hook) Disable() error {
	return h.r.Disable(h)
}

// Remove is shorthand for h's registry's Remove.
func (h *Hook) Remove() error {
	return h.r.Remove(h)
}

func (h *Hook) String() string {
	h.r.mu.Lock()
	defer h.r.mu.Unlock()
	s := fmt.Sprintf("hook 0x%x -> 0x%x (%s", h.target, h.detour, h.state)
	if h.queued != None {
		s += ", queued " + h.queued.String()
	}
	return s + ")"
}

// Disassemble lists the target's original instructions next to the
// trampoline's copy of them.
func (h *Hook) Disassemble() (string, error) {
	h.r.mu.Lock()
	defer h.r.mu.Unlock()
	if h.state == Removed {
		return "", fmt.Errorf("%w: hook 0x%x removed", ErrInvalidState, h.target)
	}

	var sb strings.Builder
	orig, err := x86.Disassemble(h.original, h.target, h.r.cfg.mode)
	if err != nil {
		return "", err
	}
	fmt.Fprintf(&sb, "target:\n%s", orig)

	tramp, err := x86.Disassemble(h.code, h.buf.Addr, h.r.cfg.mode)
	if err != nil {
		return "", err
	}
	fmt.Fprintf(&sb, "trampoline:\n%s", tramp)
	return sb.String(), nil
}

// site is a run of code a hook rewrites. A hidden site is only reached
// through another one, so running threads never see it change.
type site struct {
	addr   uintptr
	data   []byte
	hidden bool
}

// sites lists the writes that enable or disable the hook, in the order
// they're made. For a Go function the entry jump goes in first, then the
// jump the restart takes, and only then the restart itself. Disabling
// undoes them in reverse.
func (h *Hook) sites(enable bool) []site {
	switch {
	case h.check == nil && enable:
		return []site{{addr: h.target, data: h.patch}}
	case h.check == nil:
		return []site{{addr: h.target, data: h.original}}
	}

	via := h.target + x86.JumpSize
	if enable {
		return []site{
			{addr: h.target, data: h.patch[:x86.JumpSize]},
			{addr: via, data: h.patch[x86.JumpSize:], hidden: true},
			{addr: h.check.Restart, data: h.restartPatch},
		}
	}
	return []site{
		{addr: h.check.Restart, data: h.check.Code},
		{addr: via, data: h.original[x86.JumpSize:], hidden: true},
		{addr: h.target, data: h.original[:x86.JumpSize]},
	}
}

// remap returns where a thread stopped at pc should resume after the hook
// is enabled or disabled.
func (h *Hook) remap(pc uintptr, enable bool) (uintptr, bool) {
	if enable {
		if pc < h.target || pc >= h.target+uintptr(h.patchLength) {
			return 0, false
		}
		off, ok := h.tramp.Translate(int(pc - h.target))
		if !ok {
			return 0, false
		}
		return h.buf.Addr + uintptr(off), true
	}

	if h.check != nil && pc == h.target+x86.JumpSize {
		// About to take the second jump in the patch.
		return h.buf.Addr, true
	}
	if h.relay != 0 && pc >= h.relay && pc < h.buf.Addr+uintptr(len(h.code)) {
		return h.target, true
	}
	if pc < h.buf.Addr || pc >= h.buf.Addr+uintptr(len(h.tramp.Code)) {
		return 0, false
	}
	off, ok := h.tramp.Untranslate(int(pc-h.buf.Addr), h.patchLength)
	if !ok {
		return 0, false
	}
	return h.target + uintptr(off), true
}

package detour

import (
	"errors"

	"github.com/pboyd/detour/internal/trampoline"
	"github.com/pboyd/detour/internal/x86"
)

var (
	// ErrAlreadyHooked is returned by Create when the target already has a
	// hook.
	ErrAlreadyHooked = errors.New("target already hooked")

	// ErrInvalidAddress means the target or detour isn't readable,
	// executable code.
	ErrInvalidAddress = errors.New("invalid address")

	// ErrShortFunction means the target returns before there is room for
	// the redirect, and isn't followed by padding that could hold it.
	ErrShortFunction = x86.ErrShortFunction

	// ErrUnsupportedFunction means the start of the target can't be moved
	// without changing what it does.
	ErrUnsupportedFunction = x86.ErrUnsupported

	// ErrOutOfMemory means no trampoline could be allocated.
	ErrOutOfMemory = trampoline.ErrOutOfMemory

	// ErrNoNearRegion means no trampoline could be allocated within branch
	// range of the target. It also matches ErrOutOfMemory.
	ErrNoNearRegion = trampoline.ErrNoNearRegion

	// ErrPatchFailed means the target's code could not be rewritten. The
	// hook's state is unchanged.
	ErrPatchFailed = errors.New("patch failed")

	// ErrInvalidState is returned for any operation on a removed hook.
	ErrInvalidState = errors.New("invalid hook state")

	// ErrOverlappingHook means the bytes a new hook would overwrite
	// overlap those of an existing hook, or the target is a trampoline.
	ErrOverlappingHook = errors.New("hook overlaps an existing hook")

	// ErrClosed is returned after the registry has been closed.
	ErrClosed = errors.New("registry closed")

	// ErrNotFunction and ErrSignatureMismatch are returned when hooking Go
	// functions.
	ErrNotFunction       = errors.New("not a function")
	ErrSignatureMismatch = errors.New("function signatures do not match")
)

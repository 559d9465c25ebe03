// Hook functions of the running process
//
// A hook overwrites the start of a target function with a jump to a detour.
// The instructions it overwrites are moved to a trampoline, which ends with
// a jump back to the rest of the target, so the detour can still call the
// original behavior.
//
//	r, err := detour.NewRegistry()
//	...
//	h, err := r.Create(target, detourAddr)
//	...
//	err = h.Enable()
//
// Go functions can be hooked by value with NewFunc, Redefine and With, and
// on Windows native procedures can get a Go detour with NewProc.
//
// Several hooks can be switched at once with QueueEnable, QueueDisable and
// ApplyQueued. On Windows every other thread is suspended while code is
// patched, and threads stopped inside the patched bytes are moved to the
// trampoline and back.
//
// Limitations:
//   - Only supports x86 and x86-64
//   - Other threads are not suspended outside of Windows. Patches that fit
//     in an aligned 8 bytes are written in one store, others are not atomic
//     and a warning is logged
//   - Silently fails to hook calls that were inlined
//   - A branch back into the first few bytes of the target breaks once the
//     target is hooked
//   - A Go function whose first few instructions include a call can't be
//     hooked, since the runtime can't unwind a frame in a trampoline
//   - Probably some bugs I don't know about.
package detour

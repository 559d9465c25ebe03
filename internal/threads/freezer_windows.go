//go:build windows

package threads

import (
	"math"
	"runtime"
	"syscall"
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/windows"
)

var (
	modkernel32          = windows.NewLazySystemDLL("kernel32.dll")
	procSuspendThread    = modkernel32.NewProc("SuspendThread")
	procGetThreadContext = modkernel32.NewProc("GetThreadContext")
	procSetThreadContext = modkernel32.NewProc("SetThreadContext")
)

const threadAccess = windows.THREAD_SUSPEND_RESUME | windows.THREAD_GET_CONTEXT |
	windows.THREAD_SET_CONTEXT | windows.THREAD_QUERY_INFORMATION

type processFreezer struct{}

// failure is a thread SuspendThread refused, kept as a raw errno until the
// other threads are running again.
type failure struct {
	id    int
	errno syscall.Errno
}

// Freeze suspends every other thread of the process with SuspendThread.
//
// Everything that allocates happens before the first thread is suspended or
// after the last one is resumed. A suspended thread may hold a runtime
// lock, so fn should avoid allocating too.
func (processFreezer) Freeze(fn func([]Thread) error) (Report, error) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	var report Report

	if err := loadProcs(); err != nil {
		report.Err = err
		return report, fn(nil)
	}

	ids, err := listThreads()
	if err != nil {
		report.Err = err
	}

	candidates := make([]*thread, 0, len(ids))
	for _, id := range ids {
		h, err := windows.OpenThread(threadAccess, false, uint32(id))
		if err != nil {
			// Most likely the thread exited after the snapshot.
			report.Skipped = append(report.Skipped, Skipped{ID: id, Err: err})
			continue
		}
		candidates = append(candidates, &thread{id: id, handle: h, ctx: newThreadContext()})
	}
	suspended := make([]Thread, 0, len(candidates))
	failed := make([]failure, 0, len(candidates))

	var fnErr error
	func() {
		defer func() {
			for _, t := range suspended {
				windows.ResumeThread(t.(*thread).handle)
			}
		}()

		for _, t := range candidates {
			r, _, errno := syscall.SyscallN(procSuspendThread.Addr(), uintptr(t.handle))
			if uint32(r) == math.MaxUint32 {
				failed = append(failed, failure{id: t.id, errno: errno})
				continue
			}
			suspended = append(suspended, t)
		}
		fnErr = fn(suspended)
	}()

	for _, t := range candidates {
		windows.CloseHandle(t.handle)
	}
	for _, f := range failed {
		report.Skipped = append(report.Skipped, Skipped{ID: f.id, Err: errors.Wrap(f.errno, "SuspendThread")})
	}
	report.Suspended = len(suspended)

	return report, fnErr
}

// loadProcs resolves the kernel32 entry points up front, since the lazy
// lookup allocates.
func loadProcs() error {
	for _, p := range []*windows.LazyProc{procSuspendThread, procGetThreadContext, procSetThreadContext} {
		if err := p.Find(); err != nil {
			return errors.Wrap(err, "kernel32")
		}
	}
	return nil
}

func listThreads() ([]int, error) {
	snap, err := windows.CreateToolhelp32Snapshot(windows.TH32CS_SNAPTHREAD, 0)
	if err != nil {
		return nil, errors.Wrap(err, "CreateToolhelp32Snapshot")
	}
	defer windows.CloseHandle(snap)

	pid := windows.GetCurrentProcessId()
	self := windows.GetCurrentThreadId()

	var ids []int
	var te windows.ThreadEntry32
	te.Size = uint32(unsafe.Sizeof(te))
	for err = windows.Thread32First(snap, &te); err == nil; err = windows.Thread32Next(snap, &te) {
		if te.OwnerProcessID != pid || te.ThreadID == self {
			continue
		}
		ids = append(ids, int(te.ThreadID))
	}
	if !errors.Is(err, windows.ERROR_NO_MORE_FILES) {
		return ids, errors.Wrap(err, "Thread32Next")
	}
	return ids, nil
}

type thread struct {
	id     int
	handle windows.Handle
	ctx    *threadContext
	loaded bool
}

func (t *thread) ID() int {
	return t.id
}

func (t *thread) PC() (uintptr, error) {
	if err := t.load(); err != nil {
		return 0, err
	}
	return t.ctx.pc(), nil
}

func (t *thread) SetPC(pc uintptr) error {
	if err := t.load(); err != nil {
		return err
	}
	t.ctx.setPC(pc)
	// Errors here are returned unwrapped, since wrapping allocates while
	// the other threads are stopped.
	r, _, errno := syscall.SyscallN(procSetThreadContext.Addr(), uintptr(t.handle), uintptr(t.ctx.p))
	if r == 0 {
		return errno
	}
	return nil
}

func (t *thread) load() error {
	if t.loaded {
		return nil
	}
	if contextSize == 0 {
		return ErrSuspendUnsupported
	}
	r, _, errno := syscall.SyscallN(procGetThreadContext.Addr(), uintptr(t.handle), uintptr(t.ctx.p))
	if r == 0 {
		return errno
	}
	t.loaded = true
	return nil
}

// threadContext is a CONTEXT structure. Windows wants it 16-byte aligned,
// which Go doesn't promise for a plain struct, so it lives in an
// over-allocated buffer.
type threadContext struct {
	buf []byte
	p   unsafe.Pointer
}

func newThreadContext() *threadContext {
	buf := make([]byte, contextSize+16)
	off := (16 - uintptr(unsafe.Pointer(unsafe.SliceData(buf)))&15) & 15
	c := &threadContext{buf: buf, p: unsafe.Pointer(&buf[off])}
	*(*uint32)(unsafe.Add(c.p, contextFlagsOffset)) = contextControl
	return c
}

func (c *threadContext) pc() uintptr {
	return *(*uintptr)(unsafe.Add(c.p, contextPCOffset))
}

func (c *threadContext) setPC(pc uintptr) {
	*(*uintptr)(unsafe.Add(c.p, contextPCOffset)) = pc
}

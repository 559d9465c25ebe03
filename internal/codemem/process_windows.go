//go:build windows

package codemem

import (
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/windows"
)

var procFlushInstructionCache = windows.NewLazySystemDLL("kernel32.dll").NewProc("FlushInstructionCache")

// Regions is not needed on Windows, the allocator walks VirtualQuery
// itself.
func Regions() ([]Region, error) {
	return nil, ErrUnsupported
}

// Region asks VirtualQuery about addr.
func (p *Process) Region(addr uintptr) (Region, error) {
	var mbi windows.MemoryBasicInformation
	if err := windows.VirtualQuery(addr, &mbi, unsafe.Sizeof(mbi)); err != nil {
		return Region{}, errors.Wrapf(ErrUnmapped, "VirtualQuery 0x%x: %v", addr, err)
	}
	if mbi.State != windows.MEM_COMMIT {
		return Region{}, errors.Wrapf(ErrUnmapped, "0x%x", addr)
	}

	return Region{
		Base: mbi.BaseAddress,
		Size: mbi.RegionSize,
		Prot: fromPageProtect(mbi.Protect),
	}, nil
}

type span struct {
	addr        uintptr
	n           int
	start, size uintptr
	oldFlags    uint32
}

// Unlock uses VirtualProtect to make the range writable. Locking the span
// puts the old protection back and flushes the instruction cache.
func (p *Process) Unlock(addr uintptr, n int) (Span, error) {
	start, size := p.pages(addr, n)
	s := &span{addr: addr, n: n, start: start, size: size}
	if err := windows.VirtualProtect(start, size, windows.PAGE_EXECUTE_READWRITE, &s.oldFlags); err != nil {
		return nil, errors.Wrapf(ErrProtect, "VirtualProtect 0x%x+%d: %v", start, size, err)
	}
	return s, nil
}

func (s *span) Store(data []byte) {
	store(s.addr, data[:min(len(data), s.n)])
}

func (s *span) Lock() error {
	var ignored uint32
	if err := windows.VirtualProtect(s.start, s.size, s.oldFlags, &ignored); err != nil {
		return errors.Wrapf(ErrProtect, "restore protection at 0x%x+%d: %v", s.start, s.size, err)
	}
	procFlushInstructionCache.Call(uintptr(windows.CurrentProcess()), s.addr, uintptr(s.n))
	return nil
}

func fromPageProtect(protect uint32) Prot {
	switch protect &^ (windows.PAGE_GUARD | windows.PAGE_NOCACHE | windows.PAGE_WRITECOMBINE) {
	case windows.PAGE_READONLY:
		return ProtRead
	case windows.PAGE_READWRITE, windows.PAGE_WRITECOPY:
		return ProtRead | ProtWrite
	case windows.PAGE_EXECUTE:
		return ProtExec
	case windows.PAGE_EXECUTE_READ:
		return ProtRead | ProtExec
	case windows.PAGE_EXECUTE_READWRITE, windows.PAGE_EXECUTE_WRITECOPY:
		return ProtRead | ProtWrite | ProtExec
	}
	return 0
}

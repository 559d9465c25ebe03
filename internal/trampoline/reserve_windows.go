//go:build windows

package trampoline

import (
	"unsafe"

	"github.com/pboyd/detour/internal/codemem"
	"github.com/pkg/errors"
	"golang.org/x/sys/windows"
)

const (
	// VirtualAlloc hands out address space in 64 KiB units.
	allocationGranularity = 0x10000

	memFree = 0x10000 // MEM_FREE

	minAppAddr = 0x10000
)

// maxAppAddr is the highest user-mode address.
var maxAppAddr = func() uintptr {
	top := uint64(0x7ffffffeffff)
	if unsafe.Sizeof(uintptr(0)) == 4 {
		top = 0x7ffeffff
	}
	return uintptr(top)
}()

type processReserver struct{}

// NewProcessReserver returns a Reserver backed by VirtualAlloc.
func NewProcessReserver() Reserver {
	return processReserver{}
}

// Reserve walks the free regions around near with VirtualQuery, below near
// first and then above it, and takes the first one VirtualAlloc accepts.
func (processReserver) Reserve(near, maxDistance uintptr, size int) (uintptr, error) {
	lo, hi := uintptr(minAppAddr), maxAppAddr
	if maxDistance > 0 {
		if near > maxDistance+lo {
			lo = near - maxDistance
		}
		if near < hi-maxDistance {
			hi = near + maxDistance - uintptr(size)
		}
	}

	for addr := near; ; {
		addr = prevFree(addr, lo)
		if addr == 0 {
			break
		}
		if p, err := virtualAlloc(addr, size); err == nil {
			return p, nil
		}
	}

	for addr := near; ; {
		addr = nextFree(addr, hi)
		if addr == 0 {
			break
		}
		if p, err := virtualAlloc(addr, size); err == nil {
			return p, nil
		}
	}

	return 0, errors.Errorf("no free region between 0x%x and 0x%x", lo, hi)
}

func (processReserver) Release(addr uintptr, size int) error {
	return errors.WithStack(windows.VirtualFree(addr, 0, windows.MEM_RELEASE))
}

func virtualAlloc(addr uintptr, size int) (uintptr, error) {
	return windows.VirtualAlloc(addr, uintptr(size), windows.MEM_COMMIT|windows.MEM_RESERVE, windows.PAGE_EXECUTE_READ)
}

func prevFree(addr, lowest uintptr) uintptr {
	try := codemem.AlignDown(addr, allocationGranularity)
	if try < allocationGranularity {
		return 0
	}
	try -= allocationGranularity

	for try >= lowest {
		var mbi windows.MemoryBasicInformation
		if err := windows.VirtualQuery(try, &mbi, unsafe.Sizeof(mbi)); err != nil {
			break
		}
		if mbi.State == memFree {
			return try
		}
		if mbi.AllocationBase < allocationGranularity {
			break
		}
		try = mbi.AllocationBase - allocationGranularity
	}
	return 0
}

func nextFree(addr, highest uintptr) uintptr {
	try := codemem.AlignDown(addr, allocationGranularity) + allocationGranularity

	for try <= highest {
		var mbi windows.MemoryBasicInformation
		if err := windows.VirtualQuery(try, &mbi, unsafe.Sizeof(mbi)); err != nil {
			break
		}
		if mbi.State == memFree {
			return try
		}
		try = codemem.Align(mbi.BaseAddress+mbi.RegionSize, allocationGranularity)
	}
	return 0
}

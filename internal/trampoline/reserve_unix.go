//go:build unix

package trampoline

import (
	"os"
	"sort"
	"sync"
	"unsafe"

	"github.com/pboyd/detour/internal/codemem"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

const (
	mprotectExec = unix.PROT_EXEC
	mprotectRX   = unix.PROT_READ | unix.PROT_EXEC
	mprotectRWX  = unix.PROT_READ | unix.PROT_WRITE | unix.PROT_EXEC

	// Linux refuses to map anything below vm.mmap_min_addr, which
	// defaults to 64 KiB.
	minMapAddr = 0x10000
)

// processReserver maps pages with mmap, passing addresses close to the
// target as hints.
type processReserver struct {
	mu    sync.Mutex
	arena *arenaReserver
	owned map[uintptr]bool
}

// NewProcessReserver returns a Reserver backed by the running process's
// address space.
func NewProcessReserver() Reserver {
	return &processReserver{
		arena: newArenaReserver(),
		owned: map[uintptr]bool{},
	}
}

func (r *processReserver) Reserve(near, maxDistance uintptr, size int) (uintptr, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, hint := range hints(near, maxDistance, uintptr(size)) {
		ptr, err := unix.MmapPtr(-1, 0, unsafe.Pointer(hint), uintptr(size), mprotectRX, unix.MAP_PRIVATE|unix.MAP_ANON|noReplace)
		if err != nil {
			continue
		}

		// Without MAP_FIXED_NOREPLACE the kernel is free to ignore the
		// hint, so check where the page actually went.
		addr := uintptr(ptr)
		if maxDistance == 0 || codemem.Distance(addr, uintptr(size), near) <= maxDistance {
			r.owned[addr] = true
			return addr, nil
		}
		unix.MunmapPtr(ptr, uintptr(size))
	}

	addr, err := r.arena.Reserve(near, maxDistance, size)
	if err != nil {
		return 0, errors.WithMessage(err, "mmap found no page in range")
	}
	return addr, nil
}

func (r *processReserver) Release(addr uintptr, size int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.owned[addr] {
		return r.arena.Release(addr, size)
	}
	delete(r.owned, addr)
	return errors.WithStack(unix.MunmapPtr(unsafe.Pointer(addr), uintptr(size)))
}

// hints lists addresses worth trying, closest first. Free gaps in the
// process's mappings come first when they are known, followed by a search
// outwards from near in growing steps.
func hints(near, maxDistance, size uintptr) []uintptr {
	gran := uintptr(os.Getpagesize())

	var out []uintptr
	if regions, err := codemem.Regions(); err == nil {
		out = gapHints(regions, near, size, gran)
	}

	limit := maxDistance
	if limit == 0 {
		limit = 1 << 32
	}
	for step := uintptr(0x10000); step <= limit; step <<= 1 {
		if near > step+minMapAddr {
			out = append(out, codemem.AlignDown(near-step, gran))
		}
		out = append(out, codemem.Align(near+step, gran))
	}

	if maxDistance == 0 {
		return out
	}

	filtered := out[:0]
	for _, h := range out {
		if codemem.Distance(h, size, near) <= maxDistance {
			filtered = append(filtered, h)
		}
	}
	return filtered
}

// gapHints picks the address closest to near inside every unmapped gap that
// can hold size bytes.
func gapHints(regions []codemem.Region, near, size, gran uintptr) []uintptr {
	var out []uintptr

	lo := uintptr(minMapAddr)
	for _, r := range regions {
		hi := r.Base
		if hi > lo && hi-lo >= size {
			var c uintptr
			switch {
			case near < lo:
				c = codemem.Align(lo, gran)
			case near+size > hi:
				c = codemem.AlignDown(hi-size, gran)
			default:
				c = codemem.AlignDown(near, gran)
			}
			if c >= lo && c+size <= hi {
				out = append(out, c)
			}
		}
		lo = max(lo, r.End())
	}

	sort.Slice(out, func(i, j int) bool {
		return codemem.Distance(out[i], size, near) < codemem.Distance(out[j], size, near)
	})
	return out
}

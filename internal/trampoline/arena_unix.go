//go:build unix

package trampoline

import (
	"sync"
	"unsafe"

	"github.com/pboyd/detour/internal/codemem"
	"github.com/pboyd/malloc"
	"github.com/pkg/errors"
)

const arenaStartSize = 1 << 20

// arenaReserver carves pages out of a single executable malloc arena. It's
// the fallback when no page could be mapped near the target. On Linux amd64
// the arena is mapped with MAP_32BIT, which usually puts it within reach of
// a non-PIE binary.
type arenaReserver struct {
	*malloc.Arena
	mprotect func(int) error
	mu       sync.Mutex
	initOnce sync.Once
	initErr  error
	slices   map[uintptr][]byte
}

func newArenaReserver() *arenaReserver {
	return &arenaReserver{slices: map[uintptr][]byte{}}
}

func (a *arenaReserver) init() error {
	a.initOnce.Do(func() {
		be := malloc.MmapBackend(malloc.MmapProt(mprotectExec), malloc.MmapFlags(low32))
		if protBE, ok := be.(malloc.ProtectedArenaBackend); ok {
			a.mprotect = protBE.Protect
		} else {
			a.mprotect = func(int) error {
				return nil
			}
		}

		a.Arena = malloc.NewArena(uint64(arenaStartSize), malloc.Backend(be))
		if a.Arena == nil {
			a.initErr = errors.New("unable to initialize arena")
		}
	})
	return a.initErr
}

func (a *arenaReserver) Reserve(near, maxDistance uintptr, size int) (uintptr, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.init(); err != nil {
		return 0, err
	}

	// The arena's bookkeeping lives in the arena, so it has to be
	// writable while allocating.
	if err := a.mprotect(mprotectRWX); err != nil {
		return 0, errors.Wrap(err, "make arena writable")
	}
	defer a.mprotect(mprotectRX)

	// Allocate twice the size so a whole aligned page fits inside. The page
	// then belongs to this buffer alone and can be protected on its own.
	buf, err := malloc.MallocSlice[byte](a.Arena, size*2)
	if err != nil {
		return 0, errors.Wrap(err, "arena allocation")
	}

	addr := codemem.Align(uintptr(unsafe.Pointer(unsafe.SliceData(buf))), uintptr(size))
	if maxDistance > 0 && codemem.Distance(addr, uintptr(size), near) > maxDistance {
		malloc.FreeSlice(a.Arena, buf)
		return 0, errors.Errorf("arena page 0x%x is out of range of 0x%x", addr, near)
	}

	a.slices[addr] = buf
	return addr, nil
}

func (a *arenaReserver) Release(addr uintptr, size int) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	buf, ok := a.slices[addr]
	if !ok {
		return errors.Errorf("page 0x%x was not reserved", addr)
	}
	delete(a.slices, addr)

	if err := a.mprotect(mprotectRWX); err != nil {
		return errors.Wrap(err, "make arena writable")
	}
	defer a.mprotect(mprotectRX)

	malloc.FreeSlice(a.Arena, buf)
	return nil
}

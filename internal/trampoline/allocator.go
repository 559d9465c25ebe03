// Package trampoline hands out small executable buffers within branch range
// of the functions that will jump to them.
package trampoline

import (
	"sync"

	"github.com/pkg/errors"
)

var (
	// ErrOutOfMemory means no executable memory could be found.
	ErrOutOfMemory = errors.New("out of memory for trampolines")

	// ErrNoNearRegion means memory exists, just not close enough to the
	// target. It matches ErrOutOfMemory too.
	ErrNoNearRegion = errors.Wrap(ErrOutOfMemory, "no free region near target")
)

// Reserver maps and unmaps executable pages.
type Reserver interface {
	// Reserve maps size bytes of executable memory so that every byte is
	// within maxDistance of near. A maxDistance of 0 means anywhere.
	Reserve(near, maxDistance uintptr, size int) (uintptr, error)

	// Release unmaps memory returned by Reserve.
	Release(addr uintptr, size int) error
}

// Buffer is one slot of a page.
type Buffer struct {
	Addr uintptr
	Size int

	page *page
	slot int
}

type page struct {
	base  uintptr
	used  []bool
	inUse int
}

// Allocator divides pages from a Reserver into fixed size slots.
type Allocator struct {
	mu          sync.Mutex
	reserver    Reserver
	pageSize    int
	slotSize    int
	maxDistance uintptr
	pages       []*page
}

// New creates an allocator. Each page is pageSize bytes split into
// slotSize slots. Slots are only handed out for targets within maxDistance
// of every byte of the page, or anywhere if maxDistance is 0.
func New(r Reserver, pageSize, slotSize int, maxDistance uintptr) *Allocator {
	return &Allocator{
		reserver:    r,
		pageSize:    pageSize,
		slotSize:    slotSize,
		maxDistance: maxDistance,
	}
}

// SlotSize is the size of every buffer.
func (a *Allocator) SlotSize() int {
	return a.slotSize
}

// Allocate returns a free slot near the address. A new page is reserved
// when no existing page has room within reach.
func (a *Allocator) Allocate(near uintptr, size int) (*Buffer, error) {
	if size > a.slotSize {
		return nil, errors.Errorf("%d bytes requested, slots hold %d", size, a.slotSize)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	for _, p := range a.pages {
		if p.inUse == len(p.used) || !a.reachable(p, near) {
			continue
		}
		return a.take(p), nil
	}

	base, err := a.reserver.Reserve(near, a.maxDistance, a.pageSize)
	if err != nil {
		if a.maxDistance == 0 {
			return nil, errors.Wrapf(ErrOutOfMemory, "reserve page: %v", err)
		}
		return nil, errors.Wrapf(ErrNoNearRegion, "0x%x: %v", near, err)
	}

	p := &page{
		base: base,
		used: make([]bool, a.pageSize/a.slotSize),
	}
	a.pages = append(a.pages, p)

	return a.take(p), nil
}

func (a *Allocator) take(p *page) *Buffer {
	for i, used := range p.used {
		if used {
			continue
		}
		p.used[i] = true
		p.inUse++
		return &Buffer{
			Addr: p.base + uintptr(i*a.slotSize),
			Size: a.slotSize,
			page: p,
			slot: i,
		}
	}
	panic("take called on a full page")
}

func (a *Allocator) reachable(p *page, near uintptr) bool {
	if a.maxDistance == 0 {
		return true
	}
	far := func(x uintptr) uintptr {
		if x > near {
			return x - near
		}
		return near - x
	}
	end := p.base + uintptr(a.pageSize)
	return far(p.base) <= a.maxDistance && far(end) <= a.maxDistance
}

// Free returns the buffer's slot. The page goes back to the Reserver once
// all of its slots are free.
func (a *Allocator) Free(b *Buffer) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	p := b.page
	if p == nil || !p.used[b.slot] {
		return errors.Errorf("buffer 0x%x is not allocated", b.Addr)
	}

	p.used[b.slot] = false
	p.inUse--
	b.page = nil

	if p.inUse > 0 {
		return nil
	}

	for i, other := range a.pages {
		if other == p {
			a.pages = append(a.pages[:i], a.pages[i+1:]...)
			break
		}
	}
	return a.reserver.Release(p.base, a.pageSize)
}

// Contains reports whether addr is inside one of the allocator's pages.
func (a *Allocator) Contains(addr uintptr) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, p := range a.pages {
		if addr >= p.base && addr < p.base+uintptr(a.pageSize) {
			return true
		}
	}
	return false
}

// Pages returns how many pages are currently reserved.
func (a *Allocator) Pages() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.pages)
}

// Close releases every page, whether or not its slots are still in use.
func (a *Allocator) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	var first error
	for _, p := range a.pages {
		if err := a.reserver.Release(p.base, a.pageSize); err != nil && first == nil {
			first = errors.Wrapf(err, "release page 0x%x", p.base)
		}
	}
	a.pages = nil
	return first
}

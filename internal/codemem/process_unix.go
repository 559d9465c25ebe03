//go:build unix

package codemem

import (
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

const (
	mprotectRX  = unix.PROT_READ | unix.PROT_EXEC
	mprotectRWX = unix.PROT_READ | unix.PROT_WRITE | unix.PROT_EXEC
)

type span struct {
	addr    uintptr
	n       int
	pages   []byte
	restore int
}

// Unlock makes the pages under addr writable. Locking the span puts back
// the protection they had before.
func (p *Process) Unlock(addr uintptr, n int) (Span, error) {
	restore := mprotectRX
	if r, err := p.Region(addr); err == nil {
		restore = unixProt(r.Prot)
	}

	start, size := p.pages(addr, n)

	// Convert the memory region to a byte slice for mprotect.
	pages := unsafe.Slice((*byte)(unsafe.Pointer(start)), size)

	if err := unix.Mprotect(pages, mprotectRWX); err != nil {
		return nil, errors.Wrapf(ErrProtect, "mprotect 0x%x+%d: %v", start, size, err)
	}
	return &span{addr: addr, n: n, pages: pages, restore: restore}, nil
}

func (s *span) Store(data []byte) {
	store(s.addr, data[:min(len(data), s.n)])
}

func (s *span) Lock() error {
	if err := unix.Mprotect(s.pages, s.restore); err != nil {
		return errors.Wrapf(ErrProtect, "restore protection at 0x%x+%d: %v", s.addr, s.n, err)
	}
	return nil
}

func unixProt(p Prot) int {
	var prot int
	if p&ProtRead != 0 {
		prot |= unix.PROT_READ
	}
	if p&ProtWrite != 0 {
		prot |= unix.PROT_WRITE
	}
	if p&ProtExec != 0 {
		prot |= unix.PROT_EXEC
	}
	return prot
}

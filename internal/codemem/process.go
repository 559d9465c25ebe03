package codemem

import (
	"os"
	"runtime/debug"
	"unsafe"

	"github.com/pkg/errors"
)

// Process is the memory of the running process.
type Process struct {
	pageSize uintptr
}

func NewProcess() *Process {
	return &Process{pageSize: uintptr(os.Getpagesize())}
}

// PageSize returns the native page size.
func (p *Process) PageSize() int {
	return int(p.pageSize)
}

// Read copies n bytes from addr. Faults are reported as ErrUnmapped rather
// than crashing the process.
func (p *Process) Read(addr uintptr, n int) (buf []byte, err error) {
	if addr == 0 {
		return nil, errors.Wrap(ErrUnmapped, "read at address 0")
	}

	defer debug.SetPanicOnFault(debug.SetPanicOnFault(true))
	defer func() {
		if r := recover(); r != nil {
			buf = nil
			err = errors.Wrapf(ErrUnmapped, "read %d bytes at 0x%x: %v", n, addr, r)
		}
	}()

	buf = make([]byte, n)
	copy(buf, unsafe.Slice((*byte)(unsafe.Pointer(addr)), n))
	return buf, nil
}

// Write stores data through a Span. If the protection can't be restored
// the old bytes are put back too, so a failed Write never leaves a change
// behind.
func (p *Process) Write(addr uintptr, data []byte) error {
	s, err := p.Unlock(addr, len(data))
	if err != nil {
		return err
	}

	old := make([]byte, len(data))
	copy(old, unsafe.Slice((*byte)(unsafe.Pointer(addr)), len(data)))
	s.Store(data)

	if err := s.Lock(); err != nil {
		store(addr, old)
		return err
	}
	return nil
}

// pages returns the page-aligned span covering n bytes at addr.
func (p *Process) pages(addr uintptr, n int) (uintptr, uintptr) {
	start := AlignDown(addr, p.pageSize)
	end := Align(addr+uintptr(n), p.pageSize)
	return start, end - start
}

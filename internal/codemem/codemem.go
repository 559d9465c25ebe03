// Package codemem reads and rewrites executable memory.
//
// Writes go through an explicit protection change: the pages are made
// writable, the bytes are stored, and the original protection is restored
// before Write returns. Callers never cast between data and code addresses
// themselves.
package codemem

import (
	"encoding/binary"
	"strings"
	"sync/atomic"
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/exp/constraints"
)

// Prot is a set of page protection flags.
type Prot int

const (
	ProtRead Prot = 1 << iota
	ProtWrite
	ProtExec
)

func (p Prot) String() string {
	var b strings.Builder
	for _, f := range []struct {
		flag Prot
		c    byte
	}{{ProtRead, 'r'}, {ProtWrite, 'w'}, {ProtExec, 'x'}} {
		if p&f.flag != 0 {
			b.WriteByte(f.c)
		} else {
			b.WriteByte('-')
		}
	}
	return b.String()
}

// Region is a run of pages with the same protection.
type Region struct {
	Base uintptr
	Size uintptr
	Prot Prot

	// Path and Offset name the mapped file, when there is one and the
	// platform reports it.
	Path   string
	Offset uint64
}

func (r Region) End() uintptr {
	return r.Base + r.Size
}

func (r Region) Contains(addr uintptr) bool {
	return addr >= r.Base && addr < r.End()
}

// Executable reports whether code in the region can be read and run.
func (r Region) Executable() bool {
	return r.Prot&(ProtRead|ProtExec) == ProtRead|ProtExec
}

// Memory is the code memory of a process.
type Memory interface {
	// Region describes the mapping that contains addr.
	Region(addr uintptr) (Region, error)

	// Read copies n bytes starting at addr.
	Read(addr uintptr, n int) ([]byte, error)

	// Write stores data at addr. Either all of data is written or, when an
	// error is returned, none of it is.
	Write(addr uintptr, data []byte) error

	// Unlock makes n bytes at addr writable until the returned Span is
	// locked again.
	Unlock(addr uintptr, n int) (Span, error)
}

// Span is code made writable by Memory.Unlock. Store makes no system calls
// and doesn't allocate, so it may run while other threads are suspended.
//
// Spans over the same page must be locked in the reverse of the order they
// were unlocked in.
type Span interface {
	// Store copies data to the start of the span. Anything past the end of
	// the span is dropped.
	Store(data []byte)

	// Lock puts the protection back.
	Lock() error
}

var (
	// ErrUnmapped means the address is not backed by readable memory.
	ErrUnmapped = errors.New("address not mapped")

	// ErrProtect means the operating system refused a protection change.
	ErrProtect = errors.New("memory protection change refused")

	// ErrUnsupported means the platform has no way to answer the request.
	ErrUnsupported = errors.New("not supported on this platform")
)

// Align rounds a up to a multiple of b, which must be a power of two.
func Align[I constraints.Integer](a, b I) I {
	return (a + b - 1) &^ (b - 1)
}

// AlignDown rounds a down to a multiple of b, which must be a power of two.
func AlignDown[I constraints.Integer](a, b I) I {
	return a &^ (b - 1)
}

// Atomic reports whether n bytes at addr fit inside one aligned quadword,
// which store writes in a single instruction.
func Atomic(addr uintptr, n int) bool {
	return n <= 8 && int(addr&7)+n <= 8
}

// store copies data to addr. Other threads never see half of a write that
// is Atomic.
func store(addr uintptr, data []byte) {
	if Atomic(addr, len(data)) {
		off := addr & 7
		word := (*uint64)(unsafe.Pointer(addr - off))
		var b [8]byte
		binary.LittleEndian.PutUint64(b[:], atomic.LoadUint64(word))
		copy(b[off:], data)
		atomic.StoreUint64(word, binary.LittleEndian.Uint64(b[:]))
		return
	}
	copy(unsafe.Slice((*byte)(unsafe.Pointer(addr)), len(data)), data)
}

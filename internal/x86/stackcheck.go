package x86

import (
	"math"

	"github.com/pkg/errors"
	"golang.org/x/arch/x86/x86asm"
)

// checkWindow is how far into a function the stack check may start.
const checkWindow = 32

// StackCheck is the split-stack check the Go compiler puts at the start of
// most functions. When the stack is too small the check branches to a slow
// path that calls runtime.morestack, and the runtime resumes the function
// at the jump back to its entry.
type StackCheck struct {
	// Slow is the start of the slow path.
	Slow uintptr

	// Restart is the address of the jump back to the entry, and Code its
	// encoding.
	Restart uintptr
	Code    []byte
}

// FindStackCheck looks for a stack check at the start of code, which holds
// all of the Go function at entry. It returns nil when there is none, which
// is the case for leaf functions and anything marked nosplit.
func FindStackCheck(code []byte, entry uintptr, mode int) (*StackCheck, error) {
	var prev x86asm.Inst
	for pos := 0; pos < min(len(code), checkWindow); {
		inst, err := x86asm.Decode(code[pos:], mode)
		if err != nil || inst.Op == 0 {
			return nil, nil
		}
		next := pos + inst.Len

		switch inst.Op {
		case x86asm.JBE:
			if !comparesGuard(prev, mode) {
				break
			}
			rel, ok := inst.Args[0].(x86asm.Rel)
			if !ok {
				return nil, nil
			}
			slow := wrap(entry+uintptr(next)+uintptr(int64(rel)), mode)
			if slow < entry+uintptr(next) || slow >= entry+uintptr(len(code)) {
				return nil, errors.Wrapf(ErrUnsupported, "stack check at offset %d branches outside the function", pos)
			}
			return findRestart(code, entry, slow, mode)

		case x86asm.CALL, x86asm.RET, x86asm.JMP:
			return nil, nil
		}

		prev = inst
		pos = next
	}
	return nil, nil
}

// comparesGuard reports whether inst compares against g.stackguard0, the
// third word of the g.
func comparesGuard(inst x86asm.Inst, mode int) bool {
	if inst.Op != x86asm.CMP {
		return false
	}
	for _, arg := range inst.Args {
		mem, ok := arg.(x86asm.Mem)
		if ok && mem.Base != 0 && mem.Base != x86asm.RIP && mem.Segment == 0 && mem.Disp == int64(2*mode/8) {
			return true
		}
	}
	return false
}

// findRestart follows the slow path to the jump back to entry.
func findRestart(code []byte, entry, slow uintptr, mode int) (*StackCheck, error) {
	for pos := int(slow - entry); pos < len(code); {
		inst, err := x86asm.Decode(code[pos:], mode)
		if err != nil || inst.Op == 0 {
			break
		}
		if inst.Op == x86asm.JMP {
			rel, ok := inst.Args[0].(x86asm.Rel)
			if ok && wrap(entry+uintptr(pos+inst.Len)+uintptr(int64(rel)), mode) == entry {
				return &StackCheck{
					Slow:    slow,
					Restart: entry + uintptr(pos),
					Code:    append([]byte(nil), code[pos:pos+inst.Len]...),
				}, nil
			}
			break
		}
		if inst.Op == x86asm.RET {
			break
		}
		pos += inst.Len
	}
	return nil, errors.Wrapf(ErrUnsupported, "no jump back to 0x%x after the stack check's slow path", entry)
}

// Retarget returns the restart jump rewritten to go to "to" instead of the
// entry.
func (s *StackCheck) Retarget(to uintptr, mode int) ([]byte, error) {
	switch s.Code[0] {
	case opcodeJMPshort:
		rel := int64(to) - int64(s.Restart+2)
		if rel < math.MinInt8 || rel > math.MaxInt8 {
			return nil, errors.Wrapf(ErrUnsupported, "restart jump at 0x%x can't reach 0x%x", s.Restart, to)
		}
		return []byte{opcodeJMPshort, byte(int8(rel))}, nil
	case opcodeJMPrel:
		return Jump(s.Restart, to, mode)
	}
	return nil, errors.Wrapf(ErrUnsupported, "restart jump at 0x%x has an unexpected encoding % x", s.Restart, s.Code)
}

func wrap(addr uintptr, mode int) uintptr {
	if mode == 32 {
		return uintptr(uint32(addr))
	}
	return addr
}

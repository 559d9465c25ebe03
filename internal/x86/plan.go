package x86

import (
	"github.com/pkg/errors"
	"golang.org/x/arch/x86/x86asm"
)

type kind uint8

const (
	kindCopy kind = iota // position independent
	kindRIP              // RIP-relative memory operand
	kindJump             // JMP rel8/rel32
	kindCall             // CALL rel32
	kindCond             // Jcc rel8/rel32
	kindLoop             // LOOP*, JCXZ and friends, rel8 only
)

var conditions = map[x86asm.Op]byte{
	x86asm.JO:  0x0,
	x86asm.JNO: 0x1,
	x86asm.JB:  0x2,
	x86asm.JAE: 0x3,
	x86asm.JE:  0x4,
	x86asm.JNE: 0x5,
	x86asm.JBE: 0x6,
	x86asm.JA:  0x7,
	x86asm.JS:  0x8,
	x86asm.JNS: 0x9,
	x86asm.JP:  0xa,
	x86asm.JNP: 0xb,
	x86asm.JL:  0xc,
	x86asm.JGE: 0xd,
	x86asm.JLE: 0xe,
	x86asm.JG:  0xf,
}

var loops = map[x86asm.Op]bool{
	x86asm.LOOP:   true,
	x86asm.LOOPE:  true,
	x86asm.LOOPNE: true,
	x86asm.JCXZ:   true,
	x86asm.JECXZ:  true,
	x86asm.JRCXZ:  true,
}

// Instruction is one decoded instruction from the start of a function.
type Instruction struct {
	// Offset from the start of the function.
	Offset int
	// Code holds the original encoding.
	Code []byte
	Inst x86asm.Inst

	kind     kind
	terminal bool
	// dest is the absolute branch destination, or the effective address of
	// a RIP-relative operand.
	dest uintptr
	cond byte
}

// Plan describes how the first PatchLength bytes of a function are moved
// into a trampoline.
type Plan struct {
	Target       uintptr
	Mode         int
	Instructions []Instruction

	// PatchLength is how many bytes of the target the redirect may
	// overwrite. It never splits an instruction, except when the copied
	// code ends in a return or jump followed by padding, in which case the
	// padding is included.
	PatchLength int

	// Terminated is set when the copied code ends in an unconditional
	// control transfer, so the trampoline needs no jump back.
	Terminated bool
}

// NewPlan decodes code, the bytes found at target, until at least minLength
// bytes are covered. It fails with ErrShortFunction when the function ends
// first and with ErrUnsupported on anything it cannot move safely.
func NewPlan(code []byte, target uintptr, mode, minLength int) (*Plan, error) {
	if mode != 32 && mode != 64 {
		return nil, errors.Errorf("unsupported mode %d", mode)
	}

	p := &Plan{Target: target, Mode: mode}

	// Branches that land inside the bytes being overwritten force the copy
	// to extend at least up to their destination.
	jmpDest := target
	pos := 0

	for pos < minLength || p.addr(pos) < jmpDest {
		if pos >= len(code) {
			return nil, errors.Wrapf(ErrShortFunction, "only %d bytes readable", len(code))
		}

		inst, err := x86asm.Decode(code[pos:], mode)
		if err != nil {
			return nil, errors.Wrapf(ErrUnsupported, "decode error at offset %d: %v", pos, err)
		}
		if inst.Op == 0 {
			// The decoder returns a zero Op for lone prefixes and other
			// encodings it can't name. Don't guess.
			end := min(pos+MaxInstructionLen, len(code))
			return nil, errors.Wrapf(ErrUnsupported, "unrecognized encoding at offset %d: % x", pos, code[pos:end])
		}

		in, err := p.classify(inst, code[pos:pos+inst.Len], pos)
		if err != nil {
			return nil, err
		}

		if in.isBranch() && in.dest >= target && in.dest < p.addr(minLength) && in.dest > jmpDest {
			jmpDest = in.dest
		}

		p.Instructions = append(p.Instructions, in)
		pos += inst.Len

		// A return or jump ends the copy unless an earlier branch still
		// needs code past it.
		if in.terminal && p.addr(in.Offset) >= jmpDest {
			if pos < minLength && !isPadding(code, pos, minLength) {
				return nil, errors.Wrapf(ErrShortFunction, "function returns after %d bytes", pos)
			}
			p.Terminated = true
			break
		}
	}

	p.PatchLength = max(pos, minLength)
	if !p.Terminated {
		p.PatchLength = pos
	}

	if err := p.checkBranches(); err != nil {
		return nil, err
	}

	return p, nil
}

func (p *Plan) addr(offset int) uintptr {
	a := p.Target + uintptr(offset)
	if p.Mode == 32 {
		a = uintptr(uint32(a))
	}
	return a
}

func (p *Plan) classify(inst x86asm.Inst, code []byte, pos int) (Instruction, error) {
	in := Instruction{
		Offset: pos,
		Code:   code,
		Inst:   inst,
	}
	next := p.addr(pos + inst.Len)

	switch inst.Op {
	case x86asm.RET, x86asm.LRET, x86asm.IRET, x86asm.IRETD, x86asm.IRETQ:
		in.terminal = true
		return in, nil
	}

	for _, arg := range inst.Args {
		if arg == nil {
			break
		}

		switch a := arg.(type) {
		case x86asm.Rel:
			if inst.PCRel != 1 && inst.PCRel != 4 {
				return in, errors.Wrapf(ErrUnsupported, "%d-byte relative operand at offset %d", inst.PCRel, pos)
			}
			in.dest = next + uintptr(int64(a))
			if p.Mode == 32 {
				in.dest = uintptr(uint32(in.dest))
			}

			switch {
			case inst.Op == x86asm.JMP:
				in.kind = kindJump
				in.terminal = true
			case inst.Op == x86asm.CALL:
				in.kind = kindCall
			case loops[inst.Op]:
				in.kind = kindLoop
			default:
				cond, ok := conditions[inst.Op]
				if !ok {
					return in, errors.Wrapf(ErrUnsupported, "unknown branch %v at offset %d", inst.Op, pos)
				}
				in.kind = kindCond
				in.cond = cond
			}
			return in, nil

		case x86asm.Mem:
			if a.Base != x86asm.RIP {
				continue
			}
			if inst.PCRel != 4 {
				return in, errors.Wrapf(ErrUnsupported, "RIP-relative operand without disp32 at offset %d", pos)
			}
			in.kind = kindRIP
			in.dest = next + uintptr(a.Disp)
			in.terminal = inst.Op == x86asm.JMP
			return in, nil
		}
	}

	// Indirect jumps through a register or an absolute address.
	in.terminal = inst.Op == x86asm.JMP
	return in, nil
}

// checkBranches makes sure every branch that lands inside the patched range
// lands on an instruction boundary the trampoline has a copy of.
func (p *Plan) checkBranches() error {
	for _, in := range p.Instructions {
		if !in.isBranch() {
			continue
		}

		internal := p.internal(in.dest)
		switch {
		case internal && p.indexOf(in.dest) < 0:
			return errors.Wrapf(ErrUnsupported, "branch at offset %d into the middle of an instruction", in.Offset)
		case internal && in.kind == kindCall:
			// Anything that pops the return address would see the
			// trampoline instead of the function.
			return errors.Wrapf(ErrUnsupported, "call at offset %d into the patched range", in.Offset)
		case !internal && in.kind == kindLoop:
			return errors.Wrapf(ErrUnsupported, "%v at offset %d leaves the patched range", in.Inst.Op, in.Offset)
		}
	}
	return nil
}

// Calls reports whether any of the copied instructions is a call.
func (p *Plan) Calls() bool {
	for _, in := range p.Instructions {
		if in.kind == kindCall {
			return true
		}
	}
	return false
}

func (p *Plan) internal(addr uintptr) bool {
	return addr >= p.Target && addr < p.addr(p.PatchLength)
}

func (p *Plan) indexOf(addr uintptr) int {
	for i, in := range p.Instructions {
		if p.addr(in.Offset) == addr {
			return i
		}
	}
	return -1
}

func (in *Instruction) isBranch() bool {
	switch in.kind {
	case kindJump, kindCall, kindCond, kindLoop:
		return true
	}
	return false
}

// Relative reports whether the instruction's meaning depends on where it
// is placed.
func (in *Instruction) Relative() bool {
	return in.kind != kindCopy
}

func isPadding(code []byte, from, to int) bool {
	if to > len(code) {
		return false
	}
	for i := from; i < to; i++ {
		if !isPaddingByte(code[i]) || code[i] != code[from] {
			return false
		}
	}
	return true
}

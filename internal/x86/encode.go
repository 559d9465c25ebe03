package x86

import (
	"encoding/binary"
	"math"

	"github.com/pkg/errors"
)

// Step pairs an instruction of the target with its copy in the trampoline.
type Step struct {
	Offset    int
	NewOffset int
	Original  []byte
	Rewritten []byte
}

// Trampoline is the relocated copy of a plan's instructions, followed by a
// jump back to the rest of the function.
type Trampoline struct {
	Addr  uintptr
	Code  []byte
	Steps []Step
}

// Encode lays out the plan's instructions at addr. The result must fit in
// limit bytes.
//
// Relative operands are rewritten to reach the same absolute destination as
// before. Anything that no longer fits its original encoding is expanded:
// short branches become rel32, and in 64-bit mode a destination beyond
// rel32 range is reached through an absolute jump or call.
func (p *Plan) Encode(addr uintptr, limit int) (*Trampoline, error) {
	// First pass decides sizes. The form of an external branch depends on
	// its own address, which only depends on the instructions before it.
	sizes := make([]int, len(p.Instructions))
	offsets := make([]int, len(p.Instructions))
	pos := 0
	for i := range p.Instructions {
		offsets[i] = pos
		sizes[i] = p.size(&p.Instructions[i], addr+uintptr(pos))
		pos += sizes[i]
	}

	back := p.addr(p.PatchLength)
	tail := 0
	if !p.Terminated {
		tail = JumpSize
		if !Reachable(addr+uintptr(pos+JumpSize), back, p.Mode) {
			tail = AbsJumpSize
		}
	}

	if pos+tail > limit {
		return nil, errors.Wrapf(ErrUnsupported, "trampoline needs %d bytes, only %d available", pos+tail, limit)
	}

	t := &Trampoline{
		Addr:  addr,
		Code:  make([]byte, 0, pos+tail),
		Steps: make([]Step, len(p.Instructions)),
	}

	// Second pass writes the code, now that internal destinations are known.
	newAddr := func(dest uintptr) uintptr {
		return addr + uintptr(offsets[p.indexOf(dest)])
	}

	for i := range p.Instructions {
		in := &p.Instructions[i]
		at := addr + uintptr(offsets[i])

		code, err := p.encode(in, at, sizes[i], newAddr)
		if err != nil {
			return nil, err
		}
		if len(code) != sizes[i] {
			return nil, errors.Errorf("instruction at offset %d encoded to %d bytes, expected %d", in.Offset, len(code), sizes[i])
		}

		t.Steps[i] = Step{
			Offset:    in.Offset,
			NewOffset: offsets[i],
			Original:  in.Code,
			Rewritten: code,
		}
		t.Code = append(t.Code, code...)
	}

	if !p.Terminated {
		at := addr + uintptr(pos)
		if tail == JumpSize {
			jmp, err := Jump(at, back, p.Mode)
			if err != nil {
				return nil, err
			}
			t.Code = append(t.Code, jmp...)
		} else {
			t.Code = append(t.Code, AbsJump(back)...)
		}
	}

	return t, nil
}

func (p *Plan) size(in *Instruction, at uintptr) int {
	internal := p.internal(in.dest)

	switch in.kind {
	case kindJump:
		if internal || Reachable(at+JumpSize, in.dest, p.Mode) {
			return JumpSize
		}
		return AbsJumpSize
	case kindCall:
		if Reachable(at+JumpSize, in.dest, p.Mode) {
			return JumpSize
		}
		return absCallSize
	case kindCond:
		if internal || Reachable(at+condJumpSize, in.dest, p.Mode) {
			return condJumpSize
		}
		return absCondSize
	}

	return len(in.Code)
}

func (p *Plan) encode(in *Instruction, at uintptr, size int, newAddr func(uintptr) uintptr) ([]byte, error) {
	dest := in.dest
	if in.isBranch() && p.internal(dest) {
		dest = newAddr(dest)
	}

	switch in.kind {
	case kindRIP:
		code := append([]byte(nil), in.Code...)
		disp := int64(in.dest) - int64(at+uintptr(len(code)))
		if disp < math.MinInt32 || disp > math.MaxInt32 {
			return nil, errors.Wrapf(ErrUnsupported, "RIP-relative operand at offset %d out of range from 0x%x", in.Offset, at)
		}
		binary.LittleEndian.PutUint32(code[in.Inst.PCRelOff:], uint32(int32(disp)))
		return code, nil

	case kindJump:
		if size == AbsJumpSize {
			return AbsJump(dest), nil
		}
		return Jump(at, dest, p.Mode)

	case kindCall:
		if size == absCallSize {
			return absCall(dest), nil
		}
		code := make([]byte, JumpSize)
		code[0] = opcodeCALLrel
		binary.LittleEndian.PutUint32(code[1:], rel32(at+JumpSize, dest))
		return code, nil

	case kindCond:
		if size == absCondSize {
			return absCond(in.cond, dest), nil
		}
		code := make([]byte, condJumpSize)
		code[0] = opcodeTwoByte
		code[1] = opcodeJccNear | in.cond
		binary.LittleEndian.PutUint32(code[2:], rel32(at+condJumpSize, dest))
		return code, nil

	case kindLoop:
		// Only internal loops get this far, and they keep their rel8.
		code := append([]byte(nil), in.Code...)
		rel := int64(dest) - int64(at+uintptr(len(code)))
		if rel < math.MinInt8 || rel > math.MaxInt8 {
			return nil, errors.Wrapf(ErrUnsupported, "%v at offset %d can't reach its relocated destination", in.Inst.Op, in.Offset)
		}
		code[in.Inst.PCRelOff] = byte(int8(rel))
		return code, nil
	}

	return append([]byte(nil), in.Code...), nil
}

// Translate maps an offset in the target to the matching offset in the
// trampoline. Only instruction boundaries map.
func (t *Trampoline) Translate(offset int) (int, bool) {
	for _, s := range t.Steps {
		if s.Offset == offset {
			return s.NewOffset, true
		}
	}
	return 0, false
}

// Untranslate maps an offset in the trampoline back to the target. An offset
// at the jump back maps to the end of the copied range.
func (t *Trampoline) Untranslate(offset int, patchLength int) (int, bool) {
	for _, s := range t.Steps {
		if s.NewOffset == offset {
			return s.Offset, true
		}
	}
	if n := len(t.Steps); n > 0 {
		last := t.Steps[n-1]
		if offset == last.NewOffset+len(last.Rewritten) && offset < len(t.Code) {
			return patchLength, true
		}
	}
	return 0, false
}

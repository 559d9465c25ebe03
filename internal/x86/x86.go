// Package x86 relocates the first instructions of an x86 or x86-64 function
// so they can run from somewhere else, and encodes the jumps that tie the
// relocated copy back to the original.
package x86

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

const (
	opcodeCALLrel  = 0xe8 // CALL rel32
	opcodeJMPrel   = 0xe9 // JMP rel32
	opcodeJMPshort = 0xeb // JMP rel8
	opcodeJccShort = 0x70 // Jcc rel8, low nibble is the condition
	opcodeJccNear  = 0x80 // 0F 8x, Jcc rel32
	opcodeTwoByte  = 0x0f
	opcodeFF       = 0xff
	opcodeINT3     = 0xcc
	opcodeNOP      = 0x90
	opcodeMOVedx   = 0xba // MOV EDX/RDX, imm
	prefixREXW     = 0x48

	modrmCALLrip = 0x15 // FF /2 with RIP+disp32
	modrmJMPrip  = 0x25 // FF /4 with RIP+disp32
)

const (
	// JumpSize is the length of JMP rel32, the redirect written over a
	// target.
	JumpSize = 5

	// AbsJumpSize is the length of JMP [RIP+0] followed by the 64-bit
	// destination.
	AbsJumpSize = 14

	condJumpSize = 6
	absCallSize  = 16
	absCondSize  = 16

	// MaxInstructionLen is the longest encoding the CPU accepts.
	MaxInstructionLen = 15
)

var (
	// ErrShortFunction means the function ends before there is room for
	// the redirect.
	ErrShortFunction = errors.New("function too short to hook")

	// ErrUnsupported means an instruction could not be decoded or cannot
	// be moved without changing its meaning.
	ErrUnsupported = errors.New("unsupported instruction in function prologue")
)

// Reachable reports whether a rel32 displacement measured from "from" (the
// address after the instruction) can reach "to". In 32-bit mode everything
// is reachable because the displacement wraps.
func Reachable(from, to uintptr, mode int) bool {
	if mode == 32 {
		return true
	}
	d := int64(to) - int64(from)
	return d >= -1<<31 && d <= 1<<31-1
}

func rel32(from, to uintptr) uint32 {
	return uint32(to - from)
}

// Jump encodes JMP rel32 at address "at" with destination "to".
func Jump(at, to uintptr, mode int) ([]byte, error) {
	if !Reachable(at+JumpSize, to, mode) {
		return nil, errors.Errorf("jump from 0x%x to 0x%x out of rel32 range", at, to)
	}
	buf := make([]byte, JumpSize)
	buf[0] = opcodeJMPrel
	binary.LittleEndian.PutUint32(buf[1:], rel32(at+JumpSize, to))
	return buf, nil
}

// AbsJump encodes JMP [RIP+0] followed by the destination. It only works in
// 64-bit mode.
func AbsJump(to uintptr) []byte {
	buf := make([]byte, AbsJumpSize)
	buf[0] = opcodeFF
	buf[1] = modrmJMPrip
	binary.LittleEndian.PutUint64(buf[6:], uint64(to))
	return buf
}

// Redirect returns the bytes that replace the first length bytes of a
// function at "at" so that it jumps to "to". The space after the jump is
// padded with INT3 to match what the compiler does.
func Redirect(at, to uintptr, length, mode int) ([]byte, error) {
	if length < JumpSize {
		return nil, errors.Errorf("patch length %d smaller than a jump", length)
	}
	jmp, err := Jump(at, to, mode)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, length)
	copy(buf, jmp)
	for i := JumpSize; i < length; i++ {
		buf[i] = opcodeINT3
	}
	return buf, nil
}

// RelaySize is the length of the relay Relay encodes.
func RelaySize(ctx uintptr, mode int) int {
	n := AbsJumpSize
	if mode == 32 {
		n = JumpSize
	}
	if ctx != 0 {
		n += movContextSize(mode)
	}
	return n
}

// Relay encodes the stub between a redirect and a detour. In 64-bit mode it
// jumps through an absolute address so the detour may be anywhere. When ctx
// is non-zero it's loaded into the closure context register (RDX or EDX)
// first, which is what a Go closure expects.
func Relay(at, to, ctx uintptr, mode int) ([]byte, error) {
	buf := make([]byte, 0, RelaySize(ctx, mode))
	if ctx != 0 {
		buf = append(buf, movContext(ctx, mode)...)
	}
	if mode == 32 {
		jmp, err := Jump(at+uintptr(len(buf)), to, mode)
		if err != nil {
			return nil, err
		}
		return append(buf, jmp...), nil
	}
	return append(buf, AbsJump(to)...), nil
}

func movContextSize(mode int) int {
	if mode == 32 {
		return 5
	}
	return 10
}

func movContext(ctx uintptr, mode int) []byte {
	if mode == 32 {
		// MOV EDX, imm32
		buf := []byte{opcodeMOVedx, 0, 0, 0, 0}
		binary.LittleEndian.PutUint32(buf[1:], uint32(ctx))
		return buf
	}
	// MOV RDX, imm64
	buf := []byte{prefixREXW, opcodeMOVedx, 0, 0, 0, 0, 0, 0, 0, 0}
	binary.LittleEndian.PutUint64(buf[2:], uint64(ctx))
	return buf
}

func absCall(to uintptr) []byte {
	// CALL [RIP+2]; JMP +8; <dest>
	buf := make([]byte, absCallSize)
	buf[0] = opcodeFF
	buf[1] = modrmCALLrip
	buf[2] = 2
	buf[6] = opcodeJMPshort
	buf[7] = 8
	binary.LittleEndian.PutUint64(buf[8:], uint64(to))
	return buf
}

func absCond(cond byte, to uintptr) []byte {
	// The inverted condition skips over the absolute jump.
	buf := make([]byte, 0, absCondSize)
	buf = append(buf, opcodeJccShort|(cond^1), AbsJumpSize)
	return append(buf, AbsJump(to)...)
}

func isPaddingByte(b byte) bool {
	return b == 0x00 || b == opcodeNOP || b == opcodeINT3
}

//go:build unicorn

package x86

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	uc "github.com/unicorn-engine/unicorn/bindings/go/unicorn"
)

const (
	emuStack  = uint64(0x800000)
	emuReturn = uint64(0x900000)
)

// emulate runs code starting at start until it returns to emuReturn and
// gives back RAX.
func emulate(t *testing.T, pages map[uint64][]byte, start uint64, regs map[int]uint64) uint64 {
	t.Helper()
	require := require.New(t)

	mu, err := uc.NewUnicorn(uc.ARCH_X86, uc.MODE_64)
	require.NoError(err)
	defer mu.Close()

	for addr, data := range pages {
		size := (uint64(len(data)) + 0xfff) &^ 0xfff
		require.NoError(mu.MemMap(addr, size))
		require.NoError(mu.MemWrite(addr, data))
	}

	require.NoError(mu.MemMap(emuStack, 0x1000))
	require.NoError(mu.MemMap(emuReturn, 0x1000))

	sp := emuStack + 0x800
	ret := make([]byte, 8)
	binary.LittleEndian.PutUint64(ret, emuReturn)
	require.NoError(mu.MemWrite(sp, ret))
	require.NoError(mu.RegWrite(uc.X86_REG_RSP, sp))

	for reg, v := range regs {
		require.NoError(mu.RegWrite(reg, v))
	}

	require.NoError(mu.Start(start, emuReturn))

	rax, err := mu.RegRead(uc.X86_REG_RAX)
	require.NoError(err)
	return rax
}

func TestEmulate_RIPRelativeLoad(t *testing.T) {
	const (
		target = uintptr(0x100000)
		at     = uintptr(0x40000000)
	)

	// MOVQ 0xff9(IP), AX; ADDQ $1, AX; RET
	fn := make([]byte, 0x1008)
	copy(fn, []byte{0x48, 0x8b, 0x05, 0xf9, 0x0f, 0x00, 0x00, 0x48, 0x83, 0xc0, 0x01, 0xc3})
	binary.LittleEndian.PutUint64(fn[0x1000:], 41)

	plan, err := NewPlan(fn, target, 64, JumpSize)
	require.NoError(t, err)
	tr, err := plan.Encode(at, 50)
	require.NoError(t, err)

	pages := map[uint64][]byte{
		uint64(target): fn,
		uint64(at):     tr.Code,
	}
	assert.Equal(t, uint64(42), emulate(t, pages, uint64(at), nil))
}

func TestEmulate_FarConditional(t *testing.T) {
	const (
		target = uintptr(0x100000)
		at     = uintptr(0x7f0000000000)
	)

	fn := make([]byte, 0x20)
	// TESTQ DI, DI; JEQ +0x10; MOVL $1, AX; RET
	copy(fn, []byte{0x48, 0x85, 0xff, 0x74, 0x10, 0xb8, 0x01, 0x00, 0x00, 0x00, 0xc3})
	// MOVL $2, AX; RET
	copy(fn[0x15:], []byte{0xb8, 0x02, 0x00, 0x00, 0x00, 0xc3})

	plan, err := NewPlan(fn, target, 64, JumpSize)
	require.NoError(t, err)
	tr, err := plan.Encode(at, 50)
	require.NoError(t, err)

	pages := map[uint64][]byte{
		uint64(target): fn,
		uint64(at):     tr.Code,
	}

	cases := map[string]struct {
		rdi      uint64
		expected uint64
	}{
		"branch taken":     {rdi: 0, expected: 2},
		"branch not taken": {rdi: 1, expected: 1},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			rax := emulate(t, pages, uint64(at), map[int]uint64{uc.X86_REG_RDI: tc.rdi})
			assert.Equal(t, tc.expected, rax)
		})
	}
}

func TestEmulate_Redirect(t *testing.T) {
	const (
		target = uintptr(0x100000)
		detour = uintptr(0x200000)
	)

	fn := []byte{0xb8, 0x01, 0x00, 0x00, 0x00, 0xc3}
	patch, err := Redirect(target, detour, 5, 64)
	require.NoError(t, err)
	copy(fn, patch)

	pages := map[uint64][]byte{
		uint64(target): fn,
		// MOVL $7, AX; RET
		uint64(detour): {0xb8, 0x07, 0x00, 0x00, 0x00, 0xc3},
	}
	assert.Equal(t, uint64(7), emulate(t, pages, uint64(target), nil))
}

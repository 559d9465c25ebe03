package x86

import (
	"bytes"
	"encoding/hex"
	"fmt"

	"golang.org/x/arch/x86/x86asm"
)

// Disassemble renders code as if it were loaded at base, one instruction
// per line.
func Disassemble(code []byte, base uintptr, mode int) (string, error) {
	var buf bytes.Buffer

	for i := 0; i < len(code); {
		instruction, err := x86asm.Decode(code[i:], mode)
		if err != nil {
			return buf.String(), fmt.Errorf("decode error at offset %d: %w", i, err)
		}

		pc := uint64(base) + uint64(i)
		text := x86asm.GoSyntax(instruction, pc, nil)
		fmt.Fprintf(&buf, "0x%08x\t%-20s\t%s\n", pc, hex.EncodeToString(code[i:i+instruction.Len]), text)

		i += instruction.Len
	}

	return buf.String(), nil
}

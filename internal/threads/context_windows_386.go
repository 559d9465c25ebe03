package threads

// Offsets into the i386 CONTEXT structure.
const (
	contextControl     = 0x00010001 // CONTEXT_i386 | CONTEXT_CONTROL
	contextSize        = 0x2cc
	contextFlagsOffset = 0
	contextPCOffset    = 0xb8 // Eip
)

package threads

// Offsets into the AMD64 CONTEXT structure.
const (
	contextControl     = 0x00100001 // CONTEXT_AMD64 | CONTEXT_CONTROL
	contextSize        = 0x4d0
	contextFlagsOffset = 0x30
	contextPCOffset    = 0xf8 // Rip
)

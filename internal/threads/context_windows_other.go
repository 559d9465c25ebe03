//go:build windows && !amd64 && !386

package threads

// Threads are still suspended on other architectures, but their registers
// are left alone.
const (
	contextControl     = 0
	contextSize        = 0
	contextFlagsOffset = 0
	contextPCOffset    = 0
)

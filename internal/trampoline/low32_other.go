//go:build unix && !(linux && amd64)

package trampoline

const low32 = 0

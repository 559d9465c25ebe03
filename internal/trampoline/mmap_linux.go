package trampoline

import "golang.org/x/sys/unix"

// noReplace makes the hint binding without clobbering an existing mapping.
// Kernels older than 4.17 ignore it and treat the address as a plain hint,
// which Reserve checks for.
const noReplace = unix.MAP_FIXED_NOREPLACE

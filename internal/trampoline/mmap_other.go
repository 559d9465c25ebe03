//go:build unix && !linux && !freebsd

package trampoline

// Darwin, NetBSD and OpenBSD have no way to make the hint binding without
// MAP_FIXED, which would replace existing mappings. The hint is passed as is
// and Reserve checks where the page landed.
const noReplace = 0

package trampoline

import "golang.org/x/sys/unix"

// low32 asks for the arena below 4 GiB, where a non-PIE Go binary's text
// also lives.
const low32 = unix.MAP_32BIT

package trampoline

import "golang.org/x/sys/unix"

// MAP_EXCL turns MAP_FIXED into a request that fails instead of replacing
// whatever is mapped there.
const noReplace = unix.MAP_FIXED | unix.MAP_EXCL

package detour

import (
	"os"
	"runtime"

	"go.uber.org/zap"

	"github.com/pboyd/detour/internal/codemem"
	"github.com/pboyd/detour/internal/threads"
	"github.com/pboyd/detour/internal/trampoline"
)

// Memory reads and writes the code being hooked. The default is the running
// process.
type Memory = codemem.Memory

// Freezer stops other threads while code is patched.
type Freezer = threads.Freezer

// Reserver maps executable pages for trampolines.
type Reserver = trampoline.Reserver

// Option configures a Registry.
type Option func(*config)

type config struct {
	log         *zap.Logger
	mem         Memory
	freezer     Freezer
	reserver    Reserver
	mode        int
	slotSize    int
	pageSize    int
	maxDistance uintptr
}

// DefaultMaxDistance keeps every trampoline within a gigabyte of its
// target, leaving plenty of rel32 range for relocated branches.
const DefaultMaxDistance = 1 << 30

func defaultConfig() config {
	c := config{
		log:         zap.NewNop(),
		maxDistance: DefaultMaxDistance,
	}
	switch runtime.GOARCH {
	case "amd64":
		c.mode = 64
	case "386":
		c.mode = 32
	}
	return c
}

// process is shared by every registry that doesn't replace it, which lets
// them see each other's hooks.
var process = codemem.NewProcess()

func (c *config) fill() {
	if c.mem == nil {
		c.mem = process
	}
	if c.freezer == nil {
		c.freezer = threads.New()
	}
	if c.reserver == nil {
		c.reserver = trampoline.NewProcessReserver()
	}
	if c.pageSize == 0 {
		c.pageSize = os.Getpagesize()
	}
	if c.slotSize == 0 {
		c.slotSize = 64
		if c.mode == 32 {
			c.slotSize = 32
		}
	}
}

// WithLogger logs hook operations to l. Nothing is logged by default.
func WithLogger(l *zap.Logger) Option {
	return func(c *config) {
		c.log = l
	}
}

// WithMemory replaces the process's memory with m.
func WithMemory(m Memory) Option {
	return func(c *config) {
		c.mem = m
	}
}

// WithFreezer replaces the thread freezer.
func WithFreezer(f Freezer) Option {
	return func(c *config) {
		c.freezer = f
	}
}

// WithReserver replaces where trampoline pages come from.
func WithReserver(r Reserver) Option {
	return func(c *config) {
		c.reserver = r
	}
}

// WithMode sets the instruction set: 32 for x86 or 64 for x86-64. It
// defaults to the architecture of the running program.
func WithMode(mode int) Option {
	return func(c *config) {
		c.mode = mode
	}
}

// WithSlotSize sets how many bytes each trampoline gets.
func WithSlotSize(n int) Option {
	return func(c *config) {
		c.slotSize = n
	}
}

// WithPageSize sets the size of each trampoline page.
func WithPageSize(n int) Option {
	return func(c *config) {
		c.pageSize = n
	}
}

// WithMaxDistance limits how far a trampoline may be from its target. Zero
// removes the limit, which only makes sense in 32-bit mode.
func WithMaxDistance(d uintptr) Option {
	return func(c *config) {
		c.maxDistance = d
	}
}

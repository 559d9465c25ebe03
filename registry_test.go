package detour

import (
	"encoding/hex"
	"runtime"
	"strings"
	"sync"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/pboyd/detour/internal/codemem"
	"github.com/pboyd/detour/internal/threads"
	"github.com/pboyd/detour/internal/x86"
)

const (
	codeBase   = uintptr(0x400000)
	funcA      = uintptr(0x401000)
	funcB      = uintptr(0x401100)
	funcShort  = uintptr(0x401200)
	funcBad    = uintptr(0x401300)
	funcGo     = uintptr(0x401400)
	funcOdd    = uintptr(0x401506)
	detourAddr = uintptr(0x402000)
	dataAddr   = uintptr(0x500000)
	farDetour  = uintptr(0x7f0000000000)

	// The first free page below the code mapping, where the Sim puts the
	// first trampoline page.
	trampPage = uintptr(0x3ff000)
)

// push rbp; mov rbp, rsp; sub rsp, 0x10; add rsp, 0x10; pop rbp; ret
const prologue64 = "55 4889e5 4883ec10 4883c410 5d c3"

type fakeThread struct {
	id int
	pc uintptr
}

func (t *fakeThread) ID() int { return t.id }

func (t *fakeThread) PC() (uintptr, error) { return t.pc, nil }

func (t *fakeThread) SetPC(pc uintptr) error {
	t.pc = pc
	return nil
}

type fakeFreezer struct {
	mu      sync.Mutex
	threads []*fakeThread
	calls   int

	// Reported as if these threads kept running.
	skipped []threads.Skipped
	listErr error

	// Heap allocations made by the last critical section.
	mallocs uint64
}

func (f *fakeFreezer) Freeze(fn func([]threads.Thread) error) (threads.Report, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	suspended := make([]threads.Thread, len(f.threads))
	for i, t := range f.threads {
		suspended[i] = t
	}

	var before, after runtime.MemStats
	runtime.ReadMemStats(&before)
	err := fn(suspended)
	runtime.ReadMemStats(&after)
	f.mallocs = after.Mallocs - before.Mallocs

	return threads.Report{Suspended: len(suspended), Skipped: f.skipped, Err: f.listErr}, err
}

func (f *fakeFreezer) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type testEnv struct {
	*Registry
	sim     *codemem.Sim
	freezer *fakeFreezer
}

func unhex(t *testing.T, s string) []byte {
	t.Helper()
	buf, err := hex.DecodeString(strings.ReplaceAll(s, " ", ""))
	require.NoError(t, err)
	return buf
}

func newTestEnv(t *testing.T, opts ...Option) *testEnv {
	t.Helper()
	require := require.New(t)

	sim := codemem.NewSim()
	require.NoError(sim.Map(codeBase, 0x10000, codemem.ProtRead|codemem.ProtExec))
	require.NoError(sim.Map(dataAddr, 0x1000, codemem.ProtRead|codemem.ProtWrite))
	require.NoError(sim.Map(farDetour, 0x1000, codemem.ProtRead|codemem.ProtExec))

	require.NoError(sim.Poke(funcA, unhex(t, prologue64)))
	require.NoError(sim.Poke(funcB, unhex(t, prologue64)))
	require.NoError(sim.Poke(funcShort, unhex(t, "c3 0102030405")))
	require.NoError(sim.Poke(funcBad, unhex(t, "06 c3")))
	require.NoError(sim.Poke(funcOdd, unhex(t, prologue64)))
	require.NoError(sim.Poke(detourAddr, unhex(t, "c3")))
	require.NoError(sim.Poke(farDetour, unhex(t, "c3")))

	ff := &fakeFreezer{}
	opts = append([]Option{
		WithMemory(sim),
		WithReserver(sim),
		WithFreezer(ff),
		WithMode(64),
		WithPageSize(0x1000),
	}, opts...)
	r, err := NewRegistry(opts...)
	require.NoError(err)
	t.Cleanup(func() { r.Close() })

	return &testEnv{Registry: r, sim: sim, freezer: ff}
}

func (e *testEnv) bytes(t *testing.T, addr uintptr, n int) string {
	t.Helper()
	buf, err := e.sim.Read(addr, n)
	require.NoError(t, err)
	return hex.EncodeToString(buf)
}

func TestRegistry_Lifecycle(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	env := newTestEnv(t)

	original := env.bytes(t, funcA, 8)

	h, err := env.Create(funcA, detourAddr)
	require.NoError(err)
	assert.Equal(Created, h.State())
	assert.Equal(8, h.PatchLength())
	assert.Equal(original, hex.EncodeToString(h.OriginalBytes()))
	assert.Equal(original, env.bytes(t, funcA, 8), "Create must not touch the target")

	assert.Equal(trampPage, h.Trampoline())
	// The copied prologue, then a jump back to funcA+8.
	assert.Equal("554889e54883ec10"+"e9fb1f0000", env.bytes(t, h.Trampoline(), 13))

	require.NoError(env.Enable(h))
	assert.Equal(Enabled, h.State())
	assert.Equal("e9fb0f0000cccccc", env.bytes(t, funcA, 8))

	require.NoError(env.Disable(h))
	assert.Equal(Disabled, h.State())
	assert.Equal(original, env.bytes(t, funcA, 8))

	require.NoError(h.Enable())
	require.NoError(h.Remove())
	assert.Equal(Removed, h.State())
	assert.Equal(original, env.bytes(t, funcA, 8))
	assert.Zero(h.Trampoline())

	assert.ErrorIs(env.Enable(h), ErrInvalidState)
	assert.ErrorIs(env.Disable(h), ErrInvalidState)
	assert.ErrorIs(env.Remove(h), ErrInvalidState)
	assert.ErrorIs(env.QueueEnable(h), ErrInvalidState)
	_, err = h.Disassemble()
	assert.ErrorIs(err, ErrInvalidState)

	// The target can be hooked again once the old hook is gone.
	h, err = env.Create(funcA, detourAddr)
	require.NoError(err)
	assert.Equal(Created, h.State())
}

func TestRegistry_Idempotent(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	env := newTestEnv(t)

	h, err := env.Create(funcA, detourAddr)
	require.NoError(err)
	writes := env.sim.Writes()

	require.NoError(env.Disable(h))
	assert.Equal(Created, h.State())
	assert.Equal(writes, env.sim.Writes())

	require.NoError(env.Enable(h))
	writes = env.sim.Writes()
	patched := env.bytes(t, funcA, 8)

	require.NoError(env.Enable(h))
	assert.Equal(Enabled, h.State())
	assert.Equal(writes, env.sim.Writes())
	assert.Equal(patched, env.bytes(t, funcA, 8))

	require.NoError(env.Disable(h))
	writes = env.sim.Writes()
	require.NoError(env.Disable(h))
	assert.Equal(writes, env.sim.Writes())
}

func TestRegistry_CreateErrors(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Create(funcA, detourAddr)
	require.NoError(t, err)

	cases := map[string]struct {
		target   uintptr
		detour   uintptr
		expected error
	}{
		"already hooked": {
			target:   funcA,
			detour:   detourAddr,
			expected: ErrAlreadyHooked,
		},
		"overlaps a hook": {
			target:   funcA + 4,
			detour:   detourAddr,
			expected: ErrOverlappingHook,
		},
		"nil target": {
			target:   0,
			detour:   detourAddr,
			expected: ErrInvalidAddress,
		},
		"nil detour": {
			target:   funcB,
			detour:   0,
			expected: ErrInvalidAddress,
		},
		"unmapped target": {
			target:   0x900000,
			detour:   detourAddr,
			expected: ErrInvalidAddress,
		},
		"target not executable": {
			target:   dataAddr,
			detour:   detourAddr,
			expected: ErrInvalidAddress,
		},
		"detour not executable": {
			target:   funcB,
			detour:   dataAddr,
			expected: ErrInvalidAddress,
		},
		"detour inside the patch": {
			target:   funcB,
			detour:   funcB + 1,
			expected: ErrInvalidAddress,
		},
		"short function": {
			target:   funcShort,
			detour:   detourAddr,
			expected: ErrShortFunction,
		},
		"unsupported instruction": {
			target:   funcBad,
			detour:   detourAddr,
			expected: ErrUnsupportedFunction,
		},
		"trampoline": {
			target:   trampPage,
			detour:   detourAddr,
			expected: ErrOverlappingHook,
		},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := env.Create(tc.target, tc.detour)
			assert.ErrorIs(t, err, tc.expected)
		})
	}

	// None of the failures left anything behind.
	assert.Len(t, env.Hooks(), 1)
}

func TestRegistry_OutOfMemory(t *testing.T) {
	env := newTestEnv(t, WithMaxDistance(0x100))

	_, err := env.Create(funcA, detourAddr)
	assert.ErrorIs(t, err, ErrOutOfMemory)
	assert.Empty(t, env.Hooks())
}

func TestRegistry_Relay(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	env := newTestEnv(t)

	h, err := env.Create(funcA, farDetour)
	require.NoError(err)

	// The relay sits at the end of the slot.
	relay := h.Trampoline() + 64 - 14
	require.NoError(env.Enable(h))
	assert.Equal("e9"+"2de0ffff"+"cccccc", env.bytes(t, funcA, 8))
	assert.Equal("ff2500000000"+"00000000007f0000", env.bytes(t, relay, 14))

	thread := &fakeThread{id: 2, pc: relay}
	env.freezer.threads = []*fakeThread{thread}
	require.NoError(env.Disable(h))
	assert.Equal(funcA, thread.pc)
}

func TestRegistry_MovesThreads(t *testing.T) {
	env := newTestEnv(t)
	h, err := env.Create(funcA, detourAddr)
	require.NoError(t, err)
	tramp := h.Trampoline()

	cases := map[string]struct {
		enable   bool
		pc       uintptr
		expected uintptr
	}{
		"enable at the first instruction": {
			enable:   true,
			pc:       funcA,
			expected: tramp,
		},
		"enable at the third instruction": {
			enable:   true,
			pc:       funcA + 4,
			expected: tramp + 4,
		},
		"enable inside an instruction": {
			enable:   true,
			pc:       funcA + 2,
			expected: funcA + 2,
		},
		"enable past the patch": {
			enable:   true,
			pc:       funcA + 8,
			expected: funcA + 8,
		},
		"disable in the trampoline": {
			enable:   false,
			pc:       tramp + 1,
			expected: funcA + 1,
		},
		"disable at the jump back": {
			enable:   false,
			pc:       tramp + 8,
			expected: funcA + 8,
		},
		"disable elsewhere": {
			enable:   false,
			pc:       detourAddr,
			expected: detourAddr,
		},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			if tc.enable {
				require.NoError(t, env.Disable(h))
			} else {
				require.NoError(t, env.Enable(h))
			}

			thread := &fakeThread{id: 7, pc: tc.pc}
			env.freezer.threads = []*fakeThread{thread}
			defer func() { env.freezer.threads = nil }()

			if tc.enable {
				require.NoError(t, env.Enable(h))
			} else {
				require.NoError(t, env.Disable(h))
			}
			assert.Equal(t, tc.expected, thread.pc)
		})
	}
}

func TestRegistry_PatchFailed(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	env := newTestEnv(t)

	h, err := env.Create(funcA, detourAddr)
	require.NoError(err)
	original := env.bytes(t, funcA, 8)

	thread := &fakeThread{id: 3, pc: funcA + 4}
	env.freezer.threads = []*fakeThread{thread}

	env.sim.Lock(funcA, true)
	assert.ErrorIs(env.Enable(h), ErrPatchFailed)
	assert.Equal(Created, h.State())
	assert.Equal(original, env.bytes(t, funcA, 8))
	assert.Equal(funcA+4, thread.pc, "threads only move when the write succeeds")

	env.sim.Lock(funcA, false)
	require.NoError(env.Enable(h))
	assert.Equal(Enabled, h.State())

	env.sim.Lock(funcA, true)
	assert.ErrorIs(env.Disable(h), ErrPatchFailed)
	assert.Equal(Enabled, h.State())
	assert.Equal("e9fb0f0000cccccc", env.bytes(t, funcA, 8))

	assert.ErrorIs(env.Remove(h), ErrPatchFailed)
	assert.Equal(Enabled, h.State())
	env.sim.Lock(funcA, false)
}

func TestRegistry_EnableAll(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	env := newTestEnv(t)

	a, err := env.Create(funcA, detourAddr)
	require.NoError(err)
	b, err := env.Create(funcB, detourAddr)
	require.NoError(err)
	require.NoError(env.Enable(a))

	calls := env.freezer.Calls()
	require.NoError(env.EnableAll())
	assert.Equal(calls+1, env.freezer.Calls())
	assert.Equal(Enabled, a.State())
	assert.Equal(Enabled, b.State())

	calls = env.freezer.Calls()
	require.NoError(env.DisableAll())
	assert.Equal(calls+1, env.freezer.Calls())
	assert.Equal(Disabled, a.State())
	assert.Equal(Disabled, b.State())

	// Nothing to do, so nothing is frozen.
	calls = env.freezer.Calls()
	require.NoError(env.DisableAll())
	assert.Equal(calls, env.freezer.Calls())
}

func TestRegistry_LookupAndHooks(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	env := newTestEnv(t)

	b, err := env.Create(funcB, detourAddr)
	require.NoError(err)
	a, err := env.Create(funcA, detourAddr)
	require.NoError(err)

	found, ok := env.Lookup(funcB)
	assert.True(ok)
	assert.Same(b, found)
	_, ok = env.Lookup(detourAddr)
	assert.False(ok)

	assert.Equal([]*Hook{a, b}, env.Hooks())

	require.NoError(env.QueueEnable(a))
	assert.Equal("hook 0x401000 -> 0x402000 (created, queued enable)", a.String())
	assert.Equal("hook 0x401100 -> 0x402000 (created)", b.String())

	text, err := a.Disassemble()
	require.NoError(err)
	assert.Contains(text, "target:\n0x00401000")
	assert.Contains(text, "trampoline:\n0x003ff040")
}

func TestRegistry_Close(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	env := newTestEnv(t)

	a, err := env.Create(funcA, detourAddr)
	require.NoError(err)
	b, err := env.Create(funcB, detourAddr)
	require.NoError(err)
	original := env.bytes(t, funcA, 8)
	require.NoError(env.Enable(a))

	calls := env.freezer.Calls()
	require.NoError(env.Close())
	assert.Equal(calls+1, env.freezer.Calls())

	assert.Equal(original, env.bytes(t, funcA, 8))
	assert.Equal(Removed, a.State())
	assert.Equal(Removed, b.State())
	assert.Empty(env.Hooks())

	_, err = env.sim.Region(trampPage)
	assert.ErrorIs(err, codemem.ErrUnmapped, "trampoline pages are released")

	_, err = env.Create(funcA, detourAddr)
	assert.ErrorIs(err, ErrClosed)
	assert.ErrorIs(env.EnableAll(), ErrClosed)
	_, err = env.ApplyQueued()
	assert.ErrorIs(err, ErrClosed)

	assert.NoError(env.Close())
}

func TestRegistry_Mode32(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	env := newTestEnv(t, WithMode(32), WithSlotSize(32), WithMaxDistance(0))

	// push ebp; mov ebp, esp; sub esp, 0x10
	require.NoError(env.sim.Poke(funcA, unhex(t, "55 89e5 83ec10 c9 c3")))

	h, err := env.Create(funcA, detourAddr)
	require.NoError(err)
	assert.Equal(6, h.PatchLength())
	assert.Equal("5589e583ec10"+"e9fb1f0000", env.bytes(t, h.Trampoline(), 11))

	require.NoError(env.Enable(h))
	assert.Equal("e9fb0f0000cc", env.bytes(t, funcA, 6))
}

func TestRegistry_Concurrent(t *testing.T) {
	require := require.New(t)
	env := newTestEnv(t)

	targets := []uintptr{funcA, funcB}
	hooks := make([]*Hook, len(targets))
	for i, target := range targets {
		h, err := env.Create(target, detourAddr)
		require.NoError(err)
		hooks[i] = h
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			h := hooks[i%len(hooks)]
			for j := 0; j < 100; j++ {
				switch j % 4 {
				case 0:
					env.Enable(h)
				case 1:
					env.Disable(h)
				case 2:
					env.QueueEnable(h)
					env.ApplyQueued()
				default:
					_ = h.State()
					_ = env.Hooks()
				}
			}
		}(i)
	}
	wg.Wait()

	for _, h := range hooks {
		patched := hex.EncodeToString(h.patch)
		original := hex.EncodeToString(h.original)
		current := env.bytes(t, h.Target(), h.PatchLength())
		if h.State() == Enabled {
			require.Equal(patched, current)
		} else {
			require.Equal(original, current)
		}
	}
}

func TestRegistry_SharedTargets(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Create(funcA, detourAddr)
	require.NoError(t, err)

	other, err := NewRegistry(WithMemory(env.sim), WithReserver(env.sim), WithFreezer(env.freezer), WithMode(64), WithPageSize(0x1000))
	require.NoError(t, err)
	defer other.Close()

	_, err = other.Create(funcA, detourAddr)
	assert.ErrorIs(t, err, ErrAlreadyHooked)

	// Targets are claimed per address space.
	separate := newTestEnv(t)
	_, err = separate.Create(funcA, detourAddr)
	assert.NoError(t, err)
}

// A Go function with a stack check: CMPQ SP, 16(R14); JLS to the slow path
// at +0x17, which calls morestack and jumps back to the entry from +0x26.
const goFrame = "493b6610 7611 55 4889e5 4883ec10 4801d8 4883c410 5d c3" +
	"4889442408 e800000000 488b442408 ebd8"

func TestRegistry_GoStackCheck(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	env := newTestEnv(t)
	require.NoError(env.sim.Poke(funcGo, unhex(t, goFrame)))

	env.mu.Lock()
	h, err := env.create(funcGo, detourAddr, 0, funcGo+0x28)
	env.mu.Unlock()
	require.NoError(err)

	assert.Equal(10, h.PatchLength())
	assert.Equal(trampPage, h.Trampoline())
	// The stack check branches to the original slow path.
	assert.Equal("493b6610"+"0f860d240000"+"55"+"4889e5"+"e9f7230000", env.bytes(t, trampPage, 19))

	restart := funcGo + 0x26
	require.NoError(env.Enable(h))
	// A jump to the detour, then one to the trampoline for the restart.
	assert.Equal("e9fb0b0000"+"e9f6dbffff", env.bytes(t, funcGo, 10))
	assert.Equal("ebdd", env.bytes(t, restart, 2))

	thread := &fakeThread{id: 2, pc: funcGo + x86.JumpSize}
	env.freezer.threads = []*fakeThread{thread}
	defer func() { env.freezer.threads = nil }()

	require.NoError(env.Disable(h))
	assert.Equal(goFrame[:8]+"7611"+"55"+"4889e5", env.bytes(t, funcGo, 10))
	assert.Equal("ebd8", env.bytes(t, restart, 2))
	assert.Equal(trampPage, thread.pc, "a thread on its way to the trampoline goes there")

	require.NoError(env.Remove(h))
	assert.Equal("ebd8", env.bytes(t, restart, 2))
}

func TestRegistry_GoCallRejected(t *testing.T) {
	env := newTestEnv(t)
	// call +0; add rsp, 8; ret
	code := unhex(t, "e800000000 4883c408 c3")
	require.NoError(t, env.sim.Poke(funcGo, code))

	env.mu.Lock()
	_, err := env.create(funcGo, detourAddr, 0, funcGo+uintptr(len(code)))
	env.mu.Unlock()
	assert.ErrorIs(t, err, ErrUnsupportedFunction)

	// The same bytes are fine outside Go.
	h, err := env.Create(funcGo, detourAddr)
	require.NoError(t, err)
	assert.Equal(t, 5, h.PatchLength())
}

func TestRegistry_FrozenWithoutAllocating(t *testing.T) {
	require := require.New(t)
	env := newTestEnv(t)
	require.NoError(env.sim.Poke(funcGo, unhex(t, goFrame)))

	_, err := env.Create(funcA, detourAddr)
	require.NoError(err)
	_, err = env.Create(funcB, farDetour)
	require.NoError(err)
	env.mu.Lock()
	_, err = env.create(funcGo, detourAddr, 0, funcGo+0x28)
	env.mu.Unlock()
	require.NoError(err)

	env.freezer.threads = []*fakeThread{
		{id: 1, pc: funcA + 4},
		{id: 2, pc: funcB},
		{id: 3, pc: funcGo + 7},
		{id: 4, pc: detourAddr},
	}

	require.NoError(env.EnableAll())
	assert.Zero(t, env.freezer.mallocs, "enable")
	require.NoError(env.DisableAll())
	assert.Zero(t, env.freezer.mallocs, "disable")
}

func TestRegistry_WarnsOnTornWrites(t *testing.T) {
	const message = "patched code while other threads were running"

	cases := map[string]struct {
		target   uintptr
		skipped  []threads.Skipped
		listErr  error
		warnings int
	}{
		"aligned with threads running": {
			target:  funcA,
			skipped: []threads.Skipped{{ID: 9, Err: threads.ErrSuspendUnsupported}},
		},
		"unaligned with threads running": {
			target:   funcOdd,
			skipped:  []threads.Skipped{{ID: 9, Err: threads.ErrSuspendUnsupported}},
			warnings: 1,
		},
		"unaligned without a thread list": {
			target:   funcOdd,
			listErr:  errors.New("no /proc"),
			warnings: 1,
		},
		"unaligned with threads stopped": {
			target: funcOdd,
		},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			require := require.New(t)
			core, logs := observer.New(zapcore.WarnLevel)
			env := newTestEnv(t, WithLogger(zap.New(core)))
			env.freezer.skipped = tc.skipped
			env.freezer.listErr = tc.listErr

			h, err := env.Create(tc.target, detourAddr)
			require.NoError(err)
			require.NoError(env.Enable(h))

			warnings := logs.FilterMessage(message)
			assert.Equal(t, tc.warnings, warnings.Len())
			for _, entry := range warnings.All() {
				assert.Equal(t, tc.target, entry.ContextMap()["addr"])
			}
		})
	}
}

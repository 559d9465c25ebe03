package detour

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/pboyd/detour/internal/codemem"
	"github.com/pboyd/detour/internal/gofunc"
	"github.com/pboyd/detour/internal/trampoline"
	"github.com/pboyd/detour/internal/x86"
)

// readLength is how much of a target is decoded. It's enough for the
// redirect plus the longest instruction that could straddle it.
const readLength = 2 * x86.MaxInstructionLen

// claims records every target hooked through any registry, so that two
// registries can't patch the same code.
var claims = struct {
	sync.Mutex
	targets map[claim]*Registry
}{targets: map[claim]*Registry{}}

type claim struct {
	mem    Memory
	target uintptr
}

func (r *Registry) claim(target uintptr) bool {
	claims.Lock()
	defer claims.Unlock()
	key := claim{r.cfg.mem, target}
	if owner, ok := claims.targets[key]; ok && owner != r {
		return false
	}
	claims.targets[key] = r
	return true
}

func (r *Registry) unclaim(target uintptr) {
	claims.Lock()
	defer claims.Unlock()
	delete(claims.targets, claim{r.cfg.mem, target})
}

// Registry owns a set of hooks and the trampolines they use. All of its
// methods are safe for concurrent use.
type Registry struct {
	mu     sync.Mutex
	cfg    config
	log    *zap.Logger
	alloc  *trampoline.Allocator
	hooks  map[uintptr]*Hook
	closed bool
}

// NewRegistry returns a registry for the running process, or for whatever
// the options point it at.
func NewRegistry(opts ...Option) (*Registry, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.mode != 32 && cfg.mode != 64 {
		return nil, fmt.Errorf("%w: no x86 mode for this architecture", ErrUnsupportedFunction)
	}
	cfg.fill()

	minSlot := x86.RelaySize(1, cfg.mode) + x86.JumpSize + x86.MaxInstructionLen
	if cfg.slotSize < minSlot {
		return nil, fmt.Errorf("slot size %d is smaller than %d", cfg.slotSize, minSlot)
	}
	if cfg.pageSize < cfg.slotSize {
		return nil, fmt.Errorf("page size %d is smaller than slot size %d", cfg.pageSize, cfg.slotSize)
	}

	return &Registry{
		cfg:   cfg,
		log:   cfg.log,
		alloc: trampoline.New(cfg.reserver, cfg.pageSize, cfg.slotSize, cfg.maxDistance),
		hooks: map[uintptr]*Hook{},
	}, nil
}

// Create builds a hook that sends calls to target to detour instead. The
// trampoline is ready when Create returns but the target isn't touched
// until the hook is enabled.
func (r *Registry) Create(target, detour uintptr) (*Hook, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.create(target, detour, 0, r.funcEnd(target))
}

// funcEnd returns the end of the Go function that starts at entry, or 0 if
// entry isn't one in this process.
func (r *Registry) funcEnd(entry uintptr) uintptr {
	if _, ok := r.cfg.mem.(*codemem.Process); !ok {
		return 0
	}
	end, _ := gofunc.End(entry)
	return end
}

// create builds a hook. A non-zero end marks target as a Go function that
// runs up to end.
func (r *Registry) create(target, detour, ctx, end uintptr) (*Hook, error) {
	if r.closed {
		return nil, ErrClosed
	}
	if err := r.checkCode("target", target); err != nil {
		return nil, err
	}
	if err := r.checkCode("detour", detour); err != nil {
		return nil, err
	}
	if _, ok := r.hooks[target]; ok {
		return nil, fmt.Errorf("%w: 0x%x", ErrAlreadyHooked, target)
	}
	if r.alloc.Contains(target) {
		return nil, fmt.Errorf("%w: 0x%x is a trampoline", ErrOverlappingHook, target)
	}

	region, err := r.cfg.mem.Region(target)
	if err != nil {
		return nil, fmt.Errorf("%w: target 0x%x: %w", ErrInvalidAddress, target, err)
	}
	n := min(uintptr(readLength), region.End()-target)
	if end > target {
		n = min(end, region.End()) - target
	}
	code, err := r.cfg.mem.Read(target, int(n))
	if err != nil {
		return nil, fmt.Errorf("%w: target 0x%x: %w", ErrInvalidAddress, target, err)
	}

	minLength := x86.JumpSize
	var check *x86.StackCheck
	if end != 0 {
		check, err = x86.FindStackCheck(code, target, r.cfg.mode)
		if err != nil {
			return nil, fmt.Errorf("hook 0x%x: %w", target, err)
		}
		if check != nil {
			// Room for the jump the restart goes through.
			minLength = 2 * x86.JumpSize
		}
	}

	plan, err := x86.NewPlan(code, target, r.cfg.mode, minLength)
	if err != nil {
		return nil, fmt.Errorf("hook 0x%x: %w", target, err)
	}
	if end != 0 && plan.Calls() {
		// The runtime can't unwind a frame that returns into a trampoline.
		return nil, fmt.Errorf("hook 0x%x: %w: call in the copied instructions of a Go function", target, ErrUnsupportedFunction)
	}
	if other := r.overlapping(target, plan.PatchLength); other != nil {
		return nil, fmt.Errorf("%w: 0x%x+%d overlaps hook on 0x%x", ErrOverlappingHook, target, plan.PatchLength, other.target)
	}
	if detour >= target && detour < target+uintptr(plan.PatchLength) {
		return nil, fmt.Errorf("%w: detour 0x%x is inside the patched bytes", ErrInvalidAddress, detour)
	}

	if !r.claim(target) {
		return nil, fmt.Errorf("%w: 0x%x is hooked by another registry", ErrAlreadyHooked, target)
	}
	buf, err := r.alloc.Allocate(target, r.alloc.SlotSize())
	if err != nil {
		r.unclaim(target)
		return nil, fmt.Errorf("trampoline for 0x%x: %w", target, err)
	}

	h := &Hook{
		r:           r,
		target:      target,
		detour:      detour,
		ctx:         ctx,
		buf:         buf,
		original:    append([]byte(nil), code[:plan.PatchLength]...),
		patchLength: plan.PatchLength,
		check:       check,
	}
	if err := r.build(h, plan); err != nil {
		r.alloc.Free(buf)
		r.unclaim(target)
		return nil, err
	}

	r.hooks[target] = h
	r.log.Debug("hook created",
		zap.Uintptr("target", target),
		zap.Uintptr("detour", detour),
		zap.Uintptr("trampoline", buf.Addr),
		zap.Bool("relay", h.relay != 0),
		zap.Bool("stack_check", check != nil),
		zap.Int("patch_length", h.patchLength))
	if ce := r.log.Check(zapcore.DebugLevel, "trampoline code"); ce != nil {
		if text, err := x86.Disassemble(h.code, buf.Addr, r.cfg.mode); err == nil {
			ce.Write(zap.String("disassembly", text))
		}
	}
	return h, nil
}

// build writes the trampoline and prepares the redirect.
func (r *Registry) build(h *Hook, plan *x86.Plan) error {
	mode := r.cfg.mode
	limit := h.buf.Size
	dest := h.detour
	if h.ctx != 0 || !x86.Reachable(h.target+x86.JumpSize, h.detour, mode) {
		limit -= x86.RelaySize(h.ctx, mode)
		h.relay = h.buf.Addr + uintptr(limit)
		dest = h.relay
	}

	tramp, err := plan.Encode(h.buf.Addr, limit)
	if err != nil {
		return fmt.Errorf("relocate 0x%x: %w", h.target, err)
	}
	h.tramp = tramp
	h.code = tramp.Code

	if h.relay != 0 {
		relay, err := x86.Relay(h.relay, h.detour, h.ctx, mode)
		if err != nil {
			return fmt.Errorf("relay for 0x%x: %w", h.target, err)
		}
		code := make([]byte, limit, h.buf.Size)
		copy(code, tramp.Code)
		for i := len(tramp.Code); i < limit; i++ {
			code[i] = 0xcc
		}
		h.code = append(code, relay...)
	}

	h.patch, err = x86.Redirect(h.target, dest, h.patchLength, mode)
	if err != nil {
		return fmt.Errorf("redirect 0x%x: %w", h.target, err)
	}

	if h.check != nil {
		// When morestack returns it restarts the function, and only the
		// trampoline's copy of the stack check sends it there.
		via := h.target + x86.JumpSize
		jmp, err := x86.Jump(via, h.buf.Addr, mode)
		if err != nil {
			return fmt.Errorf("redirect 0x%x: %w", h.target, err)
		}
		copy(h.patch[x86.JumpSize:], jmp)

		h.restartPatch, err = h.check.Retarget(via, mode)
		if err != nil {
			return fmt.Errorf("restart of 0x%x: %w", h.target, err)
		}
	}

	if err := r.cfg.mem.Write(h.buf.Addr, h.code); err != nil {
		return fmt.Errorf("%w: write trampoline at 0x%x: %w", ErrPatchFailed, h.buf.Addr, err)
	}
	return nil
}

func (r *Registry) checkCode(what string, addr uintptr) error {
	if addr == 0 {
		return fmt.Errorf("%w: %s is nil", ErrInvalidAddress, what)
	}
	region, err := r.cfg.mem.Region(addr)
	if err != nil {
		return fmt.Errorf("%w: %s 0x%x: %w", ErrInvalidAddress, what, addr, err)
	}
	if !region.Executable() {
		return fmt.Errorf("%w: %s 0x%x is not executable (%s)", ErrInvalidAddress, what, addr, region.Prot)
	}
	return nil
}

// overlapping returns a hook whose patched bytes intersect [addr, addr+n).
func (r *Registry) overlapping(addr uintptr, n int) *Hook {
	for _, h := range r.hooks {
		if addr < h.target+uintptr(h.patchLength) && h.target < addr+uintptr(n) {
			return h
		}
	}
	return nil
}

// live checks that h belongs to r and hasn't been removed.
func (r *Registry) live(h *Hook) error {
	if r.closed {
		return ErrClosed
	}
	if h == nil || h.r != r {
		return fmt.Errorf("%w: hook does not belong to this registry", ErrInvalidState)
	}
	if h.state == Removed || r.hooks[h.target] != h {
		return fmt.Errorf("%w: hook 0x%x removed", ErrInvalidState, h.target)
	}
	return nil
}

// Remove disables the hook if needed and frees its trampoline. The hook
// can't be used again.
func (r *Registry) Remove(h *Hook) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.live(h); err != nil {
		return err
	}
	return r.remove(h)
}

func (r *Registry) remove(h *Hook) error {
	if h.state == Enabled {
		if err := r.apply([]change{{h, false}})[0]; err != nil {
			return err
		}
	}
	return r.release(h)
}

func (r *Registry) release(h *Hook) error {
	delete(r.hooks, h.target)
	r.unclaim(h.target)
	h.state = Removed
	h.removed.Store(true)
	h.queued = None
	if h.fv != nil {
		storeEntry(h.fv, removedEntry)
	}

	err := r.alloc.Free(h.buf)
	h.buf = nil
	h.tramp = nil
	r.log.Debug("hook removed", zap.Uintptr("target", h.target))
	if err != nil {
		return fmt.Errorf("free trampoline for 0x%x: %w", h.target, err)
	}
	return nil
}

// Lookup returns the hook on target.
func (r *Registry) Lookup(target uintptr) (*Hook, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.hooks[target]
	return h, ok
}

// Hooks returns every live hook, ordered by target.
func (r *Registry) Hooks() []*Hook {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sorted()
}

func (r *Registry) sorted() []*Hook {
	hooks := make([]*Hook, 0, len(r.hooks))
	for _, h := range r.hooks {
		hooks = append(hooks, h)
	}
	sort.Slice(hooks, func(i, j int) bool {
		return hooks[i].target < hooks[j].target
	})
	return hooks
}

// Close disables every hook in one pass, then removes them all and releases
// the trampoline pages. Hooks that couldn't be disabled are left in place,
// and so is the memory they depend on.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true

	hooks := r.sorted()
	var changes []change
	for _, h := range hooks {
		if h.state == Enabled {
			changes = append(changes, change{h, false})
		}
	}

	var errs []error
	stuck := map[*Hook]bool{}
	for i, err := range r.apply(changes) {
		if err != nil {
			errs = append(errs, err)
			stuck[changes[i].hook] = true
		}
	}

	for _, h := range hooks {
		if stuck[h] {
			continue
		}
		if err := r.release(h); err != nil {
			errs = append(errs, err)
		}
	}

	if len(stuck) > 0 {
		r.log.Warn("registry closed with hooks still enabled", zap.Int("hooks", len(stuck)))
		return errors.Join(errs...)
	}
	if err := r.alloc.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

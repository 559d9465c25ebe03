package detour

import (
	"fmt"
	"reflect"
	"syscall"

	"golang.org/x/sys/windows"
)

// Proc is a hook on a native procedure with a Go detour.
type Proc struct {
	*Hook
}

// NewProc hooks the native procedure at target with detour, which must
// suit windows.NewCallback: uintptr sized arguments and one uintptr sized
// result. The callback it makes is never released, and a process can only
// make a couple thousand of them.
func NewProc(r *Registry, target uintptr, detour any) (p *Proc, err error) {
	if kind := reflect.ValueOf(detour).Kind(); kind != reflect.Func {
		return nil, fmt.Errorf("%w, kind: %v", ErrNotFunction, kind)
	}

	defer func() {
		if v := recover(); v != nil {
			p, err = nil, fmt.Errorf("%w: %v", ErrSignatureMismatch, v)
		}
	}()
	cb := windows.NewCallback(detour)

	h, err := r.Create(target, cb)
	if err != nil {
		return nil, err
	}
	return &Proc{Hook: h}, nil
}

// Call calls the original procedure.
func (p *Proc) Call(args ...uintptr) (uintptr, error) {
	addr := p.Trampoline()
	if addr == 0 {
		return 0, fmt.Errorf("%w: hook 0x%x removed", ErrInvalidState, p.target)
	}
	r1, _, _ := syscall.SyscallN(addr, args...)
	return r1, nil
}

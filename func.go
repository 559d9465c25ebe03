package detour

import (
	"errors"
	"fmt"
	"reflect"
	"sync/atomic"
	"unsafe"
)

// Func is a hook on a Go function of type T.
type Func[T any] struct {
	*Hook
}

// NewFunc creates a hook that replaces target with detour. Like Create, it
// doesn't enable the hook.
//
// Note that if target has been inlined the hook will only catch the calls
// that weren't. If possible, add a noinline directive:
//
//	//go:noinline
//	func myfunc() {
//		...
//	}
//
// The detour may be a closure. The target may not be a closure that
// captures variables.
func NewFunc[T any](r *Registry, target, detour T) (*Func[T], error) {
	if kind := reflect.TypeFor[T]().Kind(); kind != reflect.Func {
		return nil, fmt.Errorf("%w, kind: %v", ErrNotFunction, kind)
	}
	h, err := r.createFunc(reflect.ValueOf(target), reflect.ValueOf(detour), 0)
	if err != nil {
		return nil, err
	}
	return &Func[T]{Hook: h}, nil
}

// Redefine hooks fn with newFn and enables the hook. An error is returned if
// fn or newFn are not functions or if their signatures do not match.
func Redefine(r *Registry, fn, newFn any) (*Hook, error) {
	return redefine(r, fn, newFn, 0)
}

// RedefineMethod is Redefine for method expressions. The receivers may
// differ in type, as long as they're the same size.
//
//	detour.RedefineMethod(r, (*net.Resolver).LookupHost, (*myResolver).LookupHost)
func RedefineMethod(r *Registry, fn, newFn any) (*Hook, error) {
	return redefine(r, fn, newFn, 1)
}

func redefine(r *Registry, fn, newFn any, skip int) (*Hook, error) {
	h, err := r.createFunc(reflect.ValueOf(fn), reflect.ValueOf(newFn), skip)
	if err != nil {
		return nil, err
	}
	if err := r.Enable(h); err != nil {
		return nil, errors.Join(err, r.Remove(h))
	}
	return h, nil
}

func (r *Registry) createFunc(fnv, newFnv reflect.Value, skip int) (*Hook, error) {
	if fnv.Kind() != reflect.Func {
		return nil, fmt.Errorf("%w, kind: %v", ErrNotFunction, fnv.Kind())
	}
	if newFnv.Kind() != reflect.Func {
		return nil, fmt.Errorf("%w, kind: %v", ErrNotFunction, newFnv.Kind())
	}
	if fnv.IsNil() || newFnv.IsNil() {
		return nil, fmt.Errorf("%w: nil function", ErrInvalidAddress)
	}
	if err := checkSignatures(fnv.Type(), newFnv.Type(), skip); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// An interface holding a func stores the func value, a pointer to its
	// funcval, directly. The relay hands that pointer to the detour the
	// same way a Go call would.
	detour := newFnv.Interface()
	ctx := (*[2]uintptr)(unsafe.Pointer(&detour))[1]

	h, err := r.create(fnv.Pointer(), newFnv.Pointer(), ctx, r.funcEnd(fnv.Pointer()))
	if err != nil {
		return nil, err
	}
	h.keep = detour
	h.fv = new(uintptr)
	*h.fv = h.buf.Addr
	return h, nil
}

// Original returns a function that behaves like the target did before it
// was hooked. It works whether or not the hook is enabled.
//
// After the hook is removed, calling a function that Original returned
// panics with ErrInvalidState.
func (f *Func[T]) Original() (T, error) {
	var zero T
	if f.removed.Load() {
		return zero, fmt.Errorf("%w: hook 0x%x removed", ErrInvalidState, f.target)
	}
	fv := f.fv
	return *(*T)(unsafe.Pointer(&fv)), nil
}

// Call calls the original function with args and returns its results. It's
// for callers that don't know T.
func (f *Func[T]) Call(args ...any) ([]any, error) {
	fn, err := f.Original()
	if err != nil {
		return nil, err
	}
	return call(reflect.ValueOf(fn), args)
}

func call(fn reflect.Value, args []any) ([]any, error) {
	ft := fn.Type()
	if len(args) < ft.NumIn() && !(ft.IsVariadic() && len(args) == ft.NumIn()-1) ||
		len(args) > ft.NumIn() && !ft.IsVariadic() {
		return nil, fmt.Errorf("%w: %d arguments for %v", ErrSignatureMismatch, len(args), ft)
	}

	in := make([]reflect.Value, len(args))
	for i, arg := range args {
		want := argType(ft, i)
		if arg == nil {
			in[i] = reflect.Zero(want)
			continue
		}
		in[i] = reflect.ValueOf(arg)
		if !in[i].Type().AssignableTo(want) {
			return nil, fmt.Errorf("%w: argument %d: %v != %v", ErrSignatureMismatch, i, in[i].Type(), want)
		}
	}

	out := fn.Call(in)
	results := make([]any, len(out))
	for i, v := range out {
		results[i] = v.Interface()
	}
	return results, nil
}

func argType(ft reflect.Type, i int) reflect.Type {
	if ft.IsVariadic() && i >= ft.NumIn()-1 {
		return ft.In(ft.NumIn() - 1).Elem()
	}
	return ft.In(i)
}

func storeEntry(fv *uintptr, entry uintptr) {
	atomic.StoreUintptr(fv, entry)
}

var removedEntry = reflect.ValueOf(callRemoved).Pointer()

func callRemoved() {
	panic(fmt.Errorf("%w: original function called after its hook was removed", ErrInvalidState))
}

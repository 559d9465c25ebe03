package detour

import "errors"

// With hooks target, runs fn with the hook enabled and then removes it. The
// hook is removed even if fn panics.
func (r *Registry) With(target, detour uintptr, fn func(*Hook) error) (err error) {
	h, err := r.Create(target, detour)
	if err != nil {
		return err
	}
	return scoped(h, func() error { return fn(h) })
}

// With replaces target with detour while fn runs. fn is given the hook so
// it can reach the original.
//
//	err := detour.With(r, time.Now, fakeNow, func(f *detour.Func[func() time.Time]) error {
//		...
//	})
func With[T any](r *Registry, target, detour T, fn func(*Func[T]) error) error {
	f, err := NewFunc(r, target, detour)
	if err != nil {
		return err
	}
	return scoped(f.Hook, func() error { return fn(f) })
}

func scoped(h *Hook, fn func() error) (err error) {
	defer func() {
		if rerr := h.Remove(); rerr != nil {
			err = errors.Join(err, rerr)
		}
	}()
	if err := h.Enable(); err != nil {
		return err
	}
	return fn()
}

package detour

import (
	"errors"
	"fmt"
	"reflect"
)

type funcDifferences struct {
	In  []*argDifference
	Out []*argDifference
}

func (d *funcDifferences) Error() error {
	errs := []error{}
	for i, arg := range d.In {
		if arg != nil {
			errs = append(errs, fmt.Errorf("argument %d: %v != %v", i, arg.A, arg.B))
		}
	}
	for i, out := range d.Out {
		if out != nil {
			errs = append(errs, fmt.Errorf("output %d: %v != %v", i, out.A, out.B))
		}
	}

	return errors.Join(errs...)
}

type argDifference struct {
	A reflect.Type
	B reflect.Type
}

// diffFuncs compares the signatures of two function types. The first skip
// arguments aren't compared, which lets a method be replaced by a method on
// another receiver.
func diffFuncs(a, b reflect.Type, skip int) *funcDifferences {
	return &funcDifferences{
		In:  diffTypes(a.NumIn(), b.NumIn(), a.In, b.In, skip),
		Out: diffTypes(a.NumOut(), b.NumOut(), a.Out, b.Out, 0),
	}
}

func diffTypes(na, nb int, a, b func(int) reflect.Type, skip int) []*argDifference {
	diff := make([]*argDifference, max(na, nb))
	for i := range diff {
		var at, bt reflect.Type
		if i < na {
			at = a(i)
		}
		if i < nb {
			bt = b(i)
		}
		if at == bt || (i < skip && at != nil && bt != nil && at.Size() == bt.Size()) {
			continue
		}
		diff[i] = &argDifference{A: at, B: bt}
	}
	return diff
}

// checkSignatures returns an ErrSignatureMismatch describing every
// difference between a and b.
func checkSignatures(a, b reflect.Type, skip int) error {
	if err := diffFuncs(a, b, skip).Error(); err != nil {
		return fmt.Errorf("%w: %w", ErrSignatureMismatch, err)
	}
	return nil
}

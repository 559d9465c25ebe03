//go:build !linux && !windows

package symbols

import "github.com/pkg/errors"

func lookupModule(module, symbol string) (uintptr, error) {
	return 0, errors.Wrap(ErrUnsupported, module)
}

package symbols

import (
	"github.com/pkg/errors"
	"golang.org/x/sys/windows"
)

// lookupModule loads a DLL from the system directory and finds an exported
// procedure in it.
func lookupModule(module, symbol string) (uintptr, error) {
	proc := windows.NewLazySystemDLL(module).NewProc(symbol)
	if err := proc.Find(); err != nil {
		return 0, errors.Wrapf(ErrNotFound, "%s!%s: %v", module, symbol, err)
	}
	return proc.Addr(), nil
}
